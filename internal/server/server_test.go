package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towncapture/internal/blob"
	"towncapture/internal/camera"
	"towncapture/internal/config"
	"towncapture/internal/errclass"
	"towncapture/internal/kiosk"
	"towncapture/internal/payment"
	"towncapture/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockKiosk はテスト用のKiosk実装
// 関数が未設定の操作は成功扱いで空の値を返す
type mockKiosk struct {
	claimFn        func(deviceID string) (*kiosk.ClaimResult, error)
	captureFn      func(req kiosk.CaptureRequest) (*kiosk.CaptureResult, error)
	statusFn       func() (*kiosk.Status, error)
	createFn       func(email string) (*payment.PaymentResult, error)
	paymentFn      func(id string) (*payment.Status, error)
	inspectFn      func(token string) (*payment.GrantInfo, error)
	redeemFn       func(token, confirmation string) (*payment.Redemption, error)
	webhookFn      func(payload []byte, sig string) (payment.Outcome, error)
	secret         string
	releasedID     string
	redeemedConfrm string
}

func (m *mockKiosk) Claim(_ context.Context, deviceID string) (*kiosk.ClaimResult, error) {
	if m.claimFn != nil {
		return m.claimFn(deviceID)
	}
	return &kiosk.ClaimResult{SessionID: "s1", SessionSecret: "secret", DeviceID: deviceID}, nil
}

func (m *mockKiosk) Authorize(_ context.Context, sessionID, secret string) error {
	if sessionID == "missing" {
		return errclass.ErrNotFound.WithMessage("セッションがありません")
	}
	if secret != m.secret {
		return errclass.ErrUnauthorized
	}
	return nil
}

func (m *mockKiosk) StartPreview(context.Context, string, bool) (*kiosk.Preview, error) {
	return &kiosk.Preview{PlaylistURL: "/hls/t1_d1.m3u8"}, nil
}

func (m *mockKiosk) StopPreview(context.Context, string) error { return nil }

func (m *mockKiosk) SetOverlays(_ context.Context, _ string, frameID, logoID string) (*session.OverlaySelection, error) {
	return &session.OverlaySelection{FrameID: frameID, LogoID: logoID}, nil
}

func (m *mockKiosk) Capture(_ context.Context, _ string, req kiosk.CaptureRequest) (*kiosk.CaptureResult, error) {
	if m.captureFn != nil {
		return m.captureFn(req)
	}
	return &kiosk.CaptureResult{Phase: session.PhaseCaptured}, nil
}

func (m *mockKiosk) GetStatus(context.Context, string) (*kiosk.Status, error) {
	if m.statusFn != nil {
		return m.statusFn()
	}
	return &kiosk.Status{SessionID: "s1", Phase: session.PhaseLive}, nil
}

func (m *mockKiosk) Release(_ context.Context, sessionID string) error {
	m.releasedID = sessionID
	return nil
}

func (m *mockKiosk) Cancel(context.Context, string) error { return nil }

func (m *mockKiosk) ListOverlays(context.Context, string) ([]kiosk.OverlayView, error) {
	return []kiosk.OverlayView{{ID: "frame1", Kind: session.OverlayFrame}}, nil
}

func (m *mockKiosk) CreatePayment(_ context.Context, _ string, email string) (*payment.PaymentResult, error) {
	if m.createFn != nil {
		return m.createFn(email)
	}
	return &payment.PaymentResult{Free: true, Token: "tok1"}, nil
}

func (m *mockKiosk) PaymentStatus(_ context.Context, id string) (*payment.Status, error) {
	if m.paymentFn != nil {
		return m.paymentFn(id)
	}
	return &payment.Status{SessionID: id, Phase: "captured"}, nil
}

func (m *mockKiosk) InspectGrant(_ context.Context, token string) (*payment.GrantInfo, error) {
	if m.inspectFn != nil {
		return m.inspectFn(token)
	}
	return &payment.GrantInfo{
		Token:        token,
		IsPhoto:      true,
		ExpiresAt:    time.Now().Add(time.Hour),
		MaxUses:      3,
		Remaining:    3,
		Confirmation: "nonce.sig",
	}, nil
}

func (m *mockKiosk) Redeem(_ context.Context, token, confirmation string) (*payment.Redemption, error) {
	m.redeemedConfrm = confirmation
	if m.redeemFn != nil {
		return m.redeemFn(token, confirmation)
	}
	return &payment.Redemption{URL: "https://blob.example.com/original.jpg?sig=1", Remaining: 2}, nil
}

func (m *mockKiosk) HandleWebhook(_ context.Context, payload []byte, sig string) (payment.Outcome, error) {
	if m.webhookFn != nil {
		return m.webhookFn(payload, sig)
	}
	return payment.OutcomeApplied, nil
}

func (m *mockKiosk) DeviceActivity(_ context.Context, deviceID string) (*kiosk.DeviceActivity, error) {
	if deviceID == "d1" {
		at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		return &kiosk.DeviceActivity{DeviceID: deviceID, Busy: true, LastPhase: session.PhaseLive, LastSessionAt: &at}, nil
	}
	return &kiosk.DeviceActivity{DeviceID: deviceID}, nil
}

type stubCameras []camera.Camera

func (c stubCameras) GetCameras() []camera.Camera { return c }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8099
	cfg.Server.PublicBaseURL = "https://kiosk.example.com"
	cfg.Stream.OutputDir = t.TempDir()
	return cfg
}

func newTestServer(t *testing.T, m *mockKiosk) *Server {
	t.Helper()
	srv := New(testConfig(t), m, Options{})
	t.Cleanup(srv.limiter.Close)
	return srv
}

func do(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv := New(testConfig(t), &mockKiosk{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

func TestServerEndpoints(t *testing.T) {
	srv := newTestServer(t, &mockKiosk{})

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
	}{
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK},
		{"ステータスエンドポイント", "/api/status", http.StatusOK},
		{"オーバーレイ一覧", "/public/devices/d1/overlays", http.StatusOK},
		{"決済状況", "/public/payments/cs_test_1/status", http.StatusOK},
		{"存在しないパス", "/nope", http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv.Handler(), http.MethodGet, tc.endpoint, "", nil)
			assert.Equal(t, tc.expectedStatus, rec.Code)
		})
	}
}

func TestClaim_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"使用中", errclass.ErrBusy, http.StatusConflict, "busy"},
		{"オフライン", errclass.ErrDeviceUnavailable, http.StatusServiceUnavailable, "device_unavailable"},
		{"存在しない", errclass.ErrNotFound, http.StatusNotFound, "not_found"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &mockKiosk{claimFn: func(string) (*kiosk.ClaimResult, error) { return nil, tc.err }})
			rec := do(t, srv.Handler(), http.MethodPost, "/public/devices/d1/sessions", "", nil)
			assert.Equal(t, tc.status, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}

	srv := newTestServer(t, &mockKiosk{})
	rec := do(t, srv.Handler(), http.MethodPost, "/public/devices/d1/sessions", "", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessionSecret":"secret"`)
}

func TestClaim_RateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.ClaimRatePerMinute = 1
	cfg.Server.ClaimBurst = 2
	srv := New(cfg, &mockKiosk{}, Options{})
	defer srv.limiter.Close()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := do(t, srv.Handler(), http.MethodPost, "/public/devices/d1/sessions", "", nil)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
}

func TestSessionRoutes_RequireSecret(t *testing.T) {
	m := &mockKiosk{secret: "s3cret"}
	srv := newTestServer(t, m)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/public/sessions/s1", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/public/sessions/missing", "", map[string]string{SessionSecretHeader: "s3cret"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	auth := map[string]string{SessionSecretHeader: "s3cret"}
	rec = do(t, h, http.MethodGet, "/public/sessions/s1", "", auth)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/public/sessions/s1/preview", `{"force":true}`, auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/hls/t1_d1.m3u8")

	rec = do(t, h, http.MethodDelete, "/public/sessions/s1/preview", "", auth)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodPut, "/public/sessions/s1/overlays", `{"frameId":"frame1"}`, auth)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/public/sessions/s1/release", "", auth)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "s1", m.releasedID)
}

func TestCapture_ErrorMapping(t *testing.T) {
	auth := map[string]string{SessionSecretHeader: "x"}

	m := &mockKiosk{secret: "x", captureFn: func(kiosk.CaptureRequest) (*kiosk.CaptureResult, error) {
		return nil, errclass.ErrPreconditionFailed.WithMessage("セッションは timeout 状態です")
	}}
	rec := do(t, newTestServer(t, m).Handler(), http.MethodPost, "/public/sessions/s1/capture", `{"type":"photo"}`, auth)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Refresh)

	m = &mockKiosk{secret: "x", captureFn: func(kiosk.CaptureRequest) (*kiosk.CaptureResult, error) {
		return nil, errclass.ErrSubprocessFailure.WithMessage("exit status 1")
	}}
	rec = do(t, newTestServer(t, m).Handler(), http.MethodPost, "/public/sessions/s1/capture", `{"type":"photo"}`, auth)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, newTestServer(t, &mockKiosk{secret: "x"}).Handler(), http.MethodPost, "/public/sessions/s1/capture", `not json`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var got kiosk.CaptureRequest
	m = &mockKiosk{secret: "x", captureFn: func(req kiosk.CaptureRequest) (*kiosk.CaptureResult, error) {
		got = req
		return &kiosk.CaptureResult{Phase: session.PhaseCaptured}, nil
	}}
	rec = do(t, newTestServer(t, m).Handler(), http.MethodPost, "/public/sessions/s1/capture", `{"type":"video","durationSec":15,"frameId":"f1"}`, auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video", got.Kind)
	assert.Equal(t, 15, got.DurationSec)
	require.NotNil(t, got.FrameID)
	assert.Equal(t, "f1", *got.FrameID)
	assert.Nil(t, got.LogoID)
}

func TestCreatePayment(t *testing.T) {
	auth := map[string]string{SessionSecretHeader: "x"}

	srv := newTestServer(t, &mockKiosk{secret: "x"})
	rec := do(t, srv.Handler(), http.MethodPost, "/public/sessions/s1/payment", "", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"downloadUrl":"https://kiosk.example.com/dl/tok1"`)

	var email string
	m := &mockKiosk{secret: "x", createFn: func(e string) (*payment.PaymentResult, error) {
		email = e
		return &payment.PaymentResult{URL: "https://checkout.example.com/cs_1", CheckoutID: "cs_1", Total: 300}, nil
	}}
	rec = do(t, newTestServer(t, m).Handler(), http.MethodPost, "/public/sessions/s1/payment", `{"email":" a@example.com "}`, auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a@example.com", email)
	assert.Contains(t, rec.Body.String(), `"checkoutUrl":"https://checkout.example.com/cs_1"`)
}

func TestSessionDownload_PaymentRequired(t *testing.T) {
	auth := map[string]string{SessionSecretHeader: "x"}

	rec := do(t, newTestServer(t, &mockKiosk{secret: "x"}).Handler(), http.MethodGet, "/public/sessions/s1/download", "", auth)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	m := &mockKiosk{secret: "x", paymentFn: func(id string) (*payment.Status, error) {
		return &payment.Status{Paid: true, SessionID: id, DownloadURL: "https://kiosk.example.com/dl/tok1"}, nil
	}}
	rec = do(t, newTestServer(t, m).Handler(), http.MethodGet, "/public/sessions/s1/download", "", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/dl/tok1")
}

func TestWebhook(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{"成功", nil, http.StatusOK},
		{"署名不正", errclass.ErrSignatureInvalid, http.StatusBadRequest},
		{"登録失敗は再送させる", errclass.ErrUpstreamUnavailable, http.StatusInternalServerError},
		{"決済未設定", errclass.ErrPreconditionFailed, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var gotSig string
			m := &mockKiosk{webhookFn: func(_ []byte, sig string) (payment.Outcome, error) {
				gotSig = sig
				return payment.OutcomeApplied, tc.err
			}}
			rec := do(t, newTestServer(t, m).Handler(), http.MethodPost, "/webhooks/payment", `{"id":"evt_1"}`,
				map[string]string{"Stripe-Signature": "t=1,v1=abc"})
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "t=1,v1=abc", gotSig)
		})
	}
}

func TestDownloadLanding(t *testing.T) {
	m := &mockKiosk{}
	h := newTestServer(t, m).Handler()

	rec := do(t, h, http.MethodGet, "/dl/tok1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "写真のダウンロード")
	assert.Contains(t, rec.Body.String(), `action="/dl/tok1/go"`)
	assert.Contains(t, rec.Body.String(), "3 / 3")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, ConfirmationCookie, cookies[0].Name)
	assert.Equal(t, "nonce.sig", cookies[0].Value)
	assert.Equal(t, "/dl/tok1", cookies[0].Path)
	assert.True(t, cookies[0].HttpOnly)

	// GETでは利用しない
	rec = do(t, h, http.MethodGet, "/dl/tok1/go", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, m.redeemedConfrm)

	rec = do(t, h, http.MethodPost, "/dl/tok1/go", "", map[string]string{"Cookie": ConfirmationCookie + "=nonce.sig"})
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://blob.example.com/original.jpg?sig=1", rec.Header().Get("Location"))
	assert.Equal(t, "nonce.sig", m.redeemedConfrm)
}

func TestDownloadGo_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		status   int
		location string
		text     string
	}{
		{"確認値なし", errclass.ErrPreconditionFailed, http.StatusSeeOther, "/dl/tok1", ""},
		{"期限切れ", errclass.ErrGrantExpired, http.StatusGone, "", "有効期限"},
		{"回数超過", errclass.ErrGrantExhausted, http.StatusGone, "", "上限"},
		{"無効", errclass.ErrGrantInvalid, http.StatusNotFound, "", "無効"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := &mockKiosk{redeemFn: func(string, string) (*payment.Redemption, error) { return nil, tc.err }}
			rec := do(t, newTestServer(t, m).Handler(), http.MethodPost, "/dl/tok1/go", "", nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.location, rec.Header().Get("Location"))
			assert.Contains(t, rec.Body.String(), tc.text)
		})
	}
}

func TestDownloadLanding_Expired(t *testing.T) {
	m := &mockKiosk{inspectFn: func(string) (*payment.GrantInfo, error) {
		return nil, errclass.ErrGrantExpired.WithMessage("ダウンロードリンクの有効期限が切れました")
	}}
	rec := do(t, newTestServer(t, m).Handler(), http.MethodGet, "/dl/tok1", "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), "有効期限が切れました")
	assert.Empty(t, rec.Result().Cookies())
}

func TestStatusSocket(t *testing.T) {
	phases := []session.Phase{session.PhaseLive, session.PhaseCaptured, session.PhasePaid}
	calls := 0
	m := &mockKiosk{secret: "x", statusFn: func() (*kiosk.Status, error) {
		p := phases[min(calls, len(phases)-1)]
		calls++
		return &kiosk.Status{SessionID: "s1", Phase: p}, nil
	}}
	ts := httptest.NewServer(newTestServer(t, m).Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/public/sessions/s1/ws?secret=x"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []session.Phase
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var st kiosk.Status
		require.NoError(t, json.Unmarshal(data, &st))
		got = append(got, st.Phase)
	}
	assert.Equal(t, phases, got)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/public/sessions/s1/ws", nil)
	assert.Error(t, err, "秘密値が無ければ接続できない")
}

func TestAPIStatus_DeviceActivity(t *testing.T) {
	cams := stubCameras{
		{ID: "d2", Name: "公園", Status: camera.StatusOffline},
		{ID: "d1", Name: "駅前", Status: camera.StatusActive},
	}
	srv := New(testConfig(t), &mockKiosk{}, Options{Cameras: cams})
	t.Cleanup(srv.limiter.Close)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cameras struct {
			ByStatus map[string]int `json:"byStatus"`
			Devices  []struct {
				ID        string        `json:"id"`
				Busy      bool          `json:"busy"`
				LastPhase session.Phase `json:"lastPhase"`
			} `json:"devices"`
		} `json:"cameras"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Cameras.Devices, 2)
	assert.Equal(t, "d1", body.Cameras.Devices[0].ID)
	assert.True(t, body.Cameras.Devices[0].Busy)
	assert.Equal(t, session.PhaseLive, body.Cameras.Devices[0].LastPhase)
	assert.False(t, body.Cameras.Devices[1].Busy)
	assert.Equal(t, 1, body.Cameras.ByStatus[string(camera.StatusOffline)])
	assert.NotContains(t, rec.Body.String(), "sessionId", "セッションIDは公開しない")
}

func TestDevBlobRoute(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore("https://kiosk.example.com/blob")
	require.NoError(t, blobs.Upload(ctx, "capturesPreview/t1/d1/s1.jpg", strings.NewReader("jpeg"), "image/jpeg"))
	signed, err := blobs.SignedURL(ctx, "capturesPreview/t1/d1/s1.jpg", time.Minute, blob.URLOptions{})
	require.NoError(t, err)

	srv := New(testConfig(t), &mockKiosk{}, Options{DevBlobs: blobs})
	t.Cleanup(srv.limiter.Close)
	rec := do(t, srv.Handler(), http.MethodGet, strings.TrimPrefix(signed, "https://kiosk.example.com"), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg", rec.Body.String())

	// 既定では配信しない
	rec = do(t, newTestServer(t, &mockKiosk{}).Handler(), http.MethodGet, strings.TrimPrefix(signed, "https://kiosk.example.com"), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettled(t *testing.T) {
	testCases := []struct {
		name string
		st   kiosk.Status
		want bool
	}{
		{"支払い済み", kiosk.Status{Phase: session.PhasePaid}, true},
		{"取り消し", kiosk.Status{Phase: session.PhaseCancelled}, true},
		{"時間切れ", kiosk.Status{Phase: session.PhaseTimeout}, true},
		{"決済失敗", kiosk.Status{Phase: session.PhasePaymentFailed}, false},
		{"期限切れ（成果物あり）", kiosk.Status{Phase: session.PhaseExpired}, false},
		{"期限切れ（掃除済み）", kiosk.Status{Phase: session.PhaseExpired, Scrubbed: true}, true},
		{"ライブ", kiosk.Status{Phase: session.PhaseLive}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, settled(&tc.st))
		})
	}
}

func TestStatusSocket_ClosesOnScrubbedSession(t *testing.T) {
	m := &mockKiosk{secret: "x", statusFn: func() (*kiosk.Status, error) {
		return &kiosk.Status{SessionID: "s1", Phase: session.PhaseExpired, Scrubbed: true}, nil
	}}
	ts := httptest.NewServer(newTestServer(t, m).Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/public/sessions/s1/ws?secret=x", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "掃除済みなら閉じる: %v", err)
}

func TestStatusOf_Unclassified(t *testing.T) {
	status, code, _ := statusOf(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", code)
}
