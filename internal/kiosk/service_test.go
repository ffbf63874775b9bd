package kiosk

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towncapture/internal/blob"
	"towncapture/internal/camera"
	"towncapture/internal/capture"
	"towncapture/internal/config"
	"towncapture/internal/devicelock"
	"towncapture/internal/errclass"
	"towncapture/internal/media"
	"towncapture/internal/overlay"
	"towncapture/internal/payment"
	"towncapture/internal/session"
	"towncapture/internal/store/memory"
	"towncapture/internal/stream"
)

type fixture struct {
	svc       *Service
	store     *memory.Store
	blobs     *blob.MemoryStore
	locks     *devicelock.Manager
	runner    *media.FakeRunner
	streams   *stream.Supervisor
	processor *payment.FakeProcessor
}

func newFixture(t *testing.T, liveTimeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()

	f := &fixture{
		store:     memory.New(),
		blobs:     blob.NewMemoryStore("https://blob.example.com"),
		locks:     devicelock.NewManager(2 * time.Minute),
		runner:    media.NewFakeRunner(),
		processor: payment.NewFakeProcessor(),
	}
	devices := camera.NewDefaultCameraManager([]config.CameraDevice{
		{ID: "d1", Name: "駅前", TenantID: "t1", SourceURL: "rtsp://cam/d1"},
		{ID: "d2", Name: "休止中", TenantID: "t1", SourceURL: "rtsp://cam/d2", Inactive: true},
	}, nil, config.CameraConfig{}, nil)

	f.streams = stream.NewSupervisor(f.runner, stream.NewTable(), stream.Options{
		OutputDir: dir + "/hls",
		StopGrace: 50 * time.Millisecond,
		KillWait:  50 * time.Millisecond,
	}, nil)
	compositor := capture.NewCompositor(f.runner, f.blobs, capture.Options{
		WorkDir:         dir + "/work",
		PreviewMaxWidth: 200,
	}, nil)
	resolver, err := overlay.NewResolver(f.store, f.blobs, dir+"/overlays", 8, 260, 30, nil)
	require.NoError(t, err)

	gate := payment.NewGate(f.store, f.blobs, f.processor, nil, payment.Options{
		DefaultPricing:  session.TenantPricing{PhotoPrice: 100, ShortClipPrice: 300, LongClipPrice: 500},
		Secret:          []byte("test-secret"),
		DownloadBaseURL: "https://kiosk.example.com/dl",
		FrontendBaseURL: "https://kiosk.example.com",
	}, nil)

	f.svc = New(Deps{
		Store:     f.store,
		Blobs:     f.blobs,
		Devices:   devices,
		Locks:     f.locks,
		Streams:   f.streams,
		Capturer:  compositor,
		Overlays:  resolver,
		Gate:      gate,
		Processor: f.processor,
	}, Options{LiveTimeout: liveTimeout}, nil)

	t.Cleanup(func() {
		f.svc.Close()
		f.streams.StopAll()
	})
	return f
}

func (f *fixture) putOverlays(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.blobs.Upload(ctx, "overlays/t1/frame.png", strings.NewReader("png"), "image/png"))
	require.NoError(t, f.blobs.Upload(ctx, "overlays/t1/logo.png", strings.NewReader("png"), "image/png"))
	f.store.PutOverlay(session.OverlayAsset{ID: "frame1", TenantID: "t1", Kind: session.OverlayFrame, BlobRef: "overlays/t1/frame.png", IsPaid: true, Price: 200, FileName: "frame.png"})
	f.store.PutOverlay(session.OverlayAsset{ID: "logo1", TenantID: "t1", Kind: session.OverlayLogo, BlobRef: "overlays/t1/logo.png", Position: "bottom-right", FileName: "logo.png"})
	f.store.PutOverlay(session.OverlayAsset{ID: "other", TenantID: "t2", Kind: session.OverlayFrame, BlobRef: "overlays/t2/frame.png"})
}

func TestClaim_ConcurrentClaimsOnOneDevice(t *testing.T) {
	f := newFixture(t, time.Minute)

	var wg sync.WaitGroup
	var ok, busy atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Claim(context.Background(), "d1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, errclass.ErrBusy):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), busy.Load())
}

func TestClaim_BusyLeavesHolderUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	first, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "d1")
	assert.ErrorIs(t, err, errclass.ErrBusy)

	st, err := f.svc.GetStatus(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseLive, st.Phase)
	assert.True(t, f.locks.IsHeldBy("d1", first.SessionID))
}

func TestClaim_DeviceGates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	_, err := f.svc.Claim(ctx, "missing")
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	_, err = f.svc.Claim(ctx, "d2")
	assert.ErrorIs(t, err, errclass.ErrDeviceUnavailable)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)

	assert.NoError(t, f.svc.Authorize(ctx, claim.SessionID, claim.SessionSecret))
	assert.ErrorIs(t, f.svc.Authorize(ctx, claim.SessionID, "wrong"), errclass.ErrUnauthorized)
	assert.ErrorIs(t, f.svc.Authorize(ctx, claim.SessionID, ""), errclass.ErrUnauthorized)
	assert.ErrorIs(t, f.svc.Authorize(ctx, "missing", "x"), errclass.ErrNotFound)
}

func TestFreePhotoScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	f.store.PutPricing(session.TenantPricing{TenantID: "t1", FreeMode: true})

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)

	preview, err := f.svc.StartPreview(ctx, claim.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, "/hls/t1_d1.m3u8", preview.PlaylistURL)

	res, err := f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	require.NoError(t, err)
	assert.Equal(t, session.PhaseCaptured, res.Phase)
	assert.NotEmpty(t, res.PreviewURL)

	sess, err := f.store.GetSession(ctx, claim.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.HasArtifacts())
	assert.NotNil(t, sess.CapturedAt)
	assert.False(t, f.locks.IsHeldBy("d1", claim.SessionID), "撮影後は占有を解放する")
	assert.False(t, f.streams.Running(stream.Key{TenantID: "t1", DeviceID: "d1"}))

	pay, err := f.svc.CreatePayment(ctx, claim.SessionID, "")
	require.NoError(t, err)
	assert.True(t, pay.Free)
	assert.Zero(t, pay.Total)
	assert.Empty(t, f.processor.Checkouts())

	info, err := f.svc.InspectGrant(ctx, pay.Token)
	require.NoError(t, err)
	assert.Equal(t, 3, info.MaxUses)
	assert.Equal(t, 3, info.Remaining)
	assert.True(t, info.IsPhoto)

	red, err := f.svc.Redeem(ctx, pay.Token, info.Confirmation)
	require.NoError(t, err)
	assert.Contains(t, red.URL, sess.OriginalRef)
	assert.Equal(t, 2, red.Remaining)

	grant, err := f.store.GetGrant(ctx, pay.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, grant.UseCount)
	assert.WithinDuration(t, time.Now().Add(time.Hour), grant.ExpiresAt, 5*time.Second)
}

func TestPaidClipScenario_Webhook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)

	res, err := f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "video", DurationSec: 10})
	require.NoError(t, err)
	assert.Equal(t, session.KindClip, res.Kind)
	assert.Equal(t, 15, res.DurationSec)

	pay, err := f.svc.CreatePayment(ctx, claim.SessionID, "visitor@example.com")
	require.NoError(t, err)
	assert.False(t, pay.Free)
	assert.Equal(t, 500, pay.Total)

	payload, err := json.Marshal(payment.Event{
		ID:         "evt_1",
		Type:       "checkout.session.completed",
		Kind:       payment.EventPaid,
		SessionID:  claim.SessionID,
		CheckoutID: pay.CheckoutID,
	})
	require.NoError(t, err)

	_, err = f.svc.HandleWebhook(ctx, payload, "bad")
	assert.ErrorIs(t, err, errclass.ErrSignatureInvalid)

	outcome, err := f.svc.HandleWebhook(ctx, payload, payment.FakeSignature)
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeApplied, outcome)

	outcome, err = f.svc.HandleWebhook(ctx, payload, payment.FakeSignature)
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeDuplicate, outcome)

	st, err := f.svc.PaymentStatus(ctx, pay.CheckoutID)
	require.NoError(t, err)
	assert.True(t, st.Paid)
	assert.NotEmpty(t, st.DownloadToken)
}

func TestLiveTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50*time.Millisecond)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.svc.StartPreview(ctx, claim.SessionID, false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, err := f.svc.GetStatus(ctx, claim.SessionID)
		return err == nil && st.Phase == session.PhaseTimeout
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return !f.streams.Running(stream.Key{TenantID: "t1", DeviceID: "d1"})
	}, time.Second, 10*time.Millisecond)
	assert.False(t, f.locks.IsHeldBy("d1", claim.SessionID))
	assert.Zero(t, f.svc.ActiveTimers())

	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	assert.ErrorIs(t, err, errclass.ErrPreconditionFailed)

	// 解放後は別の訪問者が使える
	_, err = f.svc.Claim(ctx, "d1")
	assert.NoError(t, err)
}

func TestCapture_FailureKeepsSessionLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	f.runner.RunFunc = func(context.Context, []string) error { return errors.New("exit status 1") }

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)

	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	assert.ErrorIs(t, err, errclass.ErrSubprocessFailure)

	sess, err := f.store.GetSession(ctx, claim.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseLive, sess.Phase)
	assert.Empty(t, sess.PreviewRef)
	assert.Empty(t, sess.OriginalRef)
	assert.NotEmpty(t, sess.LastCaptureError)
	assert.True(t, f.locks.IsHeldBy("d1", claim.SessionID))
	assert.Equal(t, 1, f.svc.ActiveTimers())

	// 再試行できる
	f.runner.RunFunc = nil
	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	assert.NoError(t, err)
}

func TestCapture_RejectsInvalidKindAndSecondCapture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)

	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "gif"})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	require.NoError(t, err)

	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	assert.ErrorIs(t, err, errclass.ErrPreconditionFailed)

	_, err = f.svc.StartPreview(ctx, claim.SessionID, true)
	assert.ErrorIs(t, err, errclass.ErrPreconditionFailed, "撮影後はプレビューを再起動できない")
}

func TestSetOverlays_RestartsRunningPreview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	f.putOverlays(t)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.svc.StartPreview(ctx, claim.SessionID, false)
	require.NoError(t, err)
	require.Len(t, f.runner.Starts(), 1)

	sel, err := f.svc.SetOverlays(ctx, claim.SessionID, "frame1", "logo1")
	require.NoError(t, err)
	assert.Equal(t, 200, sel.FramePrice)
	assert.Zero(t, sel.LogoPrice)
	assert.Equal(t, "bottom-right", sel.LogoPosition)

	starts := f.runner.Starts()
	require.Len(t, starts, 2)
	assert.Contains(t, strings.Join(starts[1], " "), "-filter_complex")
	interrupts, kills := f.runner.Processes()[0].Counts()
	assert.Positive(t, interrupts+kills, "古いプレビューは停止される")

	_, err = f.svc.SetOverlays(ctx, claim.SessionID, "logo1", "")
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument, "ロゴをフレームとして使えない")
	_, err = f.svc.SetOverlays(ctx, claim.SessionID, "other", "")
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument, "他テナントの素材は使えない")
}

func TestCapture_OverlayOverridePricesPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	f.putOverlays(t)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)

	frame := "frame1"
	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo", FrameID: &frame})
	require.NoError(t, err)

	runs := f.runner.Runs()
	require.NotEmpty(t, runs)
	assert.Contains(t, strings.Join(runs[0], " "), "-filter_complex")

	pay, err := f.svc.CreatePayment(ctx, claim.SessionID, "")
	require.NoError(t, err)
	assert.Equal(t, 300, pay.Total)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.svc.StartPreview(ctx, claim.SessionID, false)
	require.NoError(t, err)

	require.NoError(t, f.svc.StopPreview(ctx, claim.SessionID))
	st, err := f.svc.GetStatus(ctx, claim.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseLive, st.Phase, "プレビュー停止では状態を変えない")
	assert.False(t, st.Streaming)
	assert.True(t, f.locks.IsHeldBy("d1", claim.SessionID))

	require.NoError(t, f.svc.Release(ctx, claim.SessionID))
	st, err = f.svc.GetStatus(ctx, claim.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseCancelled, st.Phase)
	assert.False(t, f.locks.IsHeldBy("d1", claim.SessionID))
	assert.Zero(t, f.svc.ActiveTimers())

	// 2回目は何もしない
	assert.NoError(t, f.svc.Release(ctx, claim.SessionID))
}

func TestFinishedSessionCannotTouchNextVisitor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	first, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, first.SessionID, CaptureRequest{Kind: "photo"})
	require.NoError(t, err)

	second, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.svc.StartPreview(ctx, second.SessionID, false)
	require.NoError(t, err)
	key := stream.Key{TenantID: "t1", DeviceID: "d1"}

	require.NoError(t, f.svc.StopPreview(ctx, first.SessionID))
	assert.True(t, f.streams.Running(key), "前のセッションから停止できない")

	require.NoError(t, f.svc.Release(ctx, first.SessionID))
	assert.True(t, f.streams.Running(key), "前のセッションから解放できない")
	assert.True(t, f.locks.IsHeldBy("d1", second.SessionID))

	require.NoError(t, f.svc.Cancel(ctx, first.SessionID))
	assert.True(t, f.streams.Running(key), "前のセッションの取り消しで止まらない")
	assert.True(t, f.locks.IsHeldBy("d1", second.SessionID))
	assert.Equal(t, 1, f.svc.ActiveTimers(), "次の利用者のタイマーは残る")

	st, err := f.svc.GetStatus(ctx, second.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseLive, st.Phase)
	assert.True(t, st.Streaming)
}

func TestReleaseAndCancel_RefusedWhileCapturing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.store.UpdateSession(ctx, claim.SessionID, func(s *session.Session) error {
		s.Phase = session.PhaseCapturing
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Release(ctx, claim.SessionID), errclass.ErrPreconditionFailed)
	assert.ErrorIs(t, f.svc.Cancel(ctx, claim.SessionID), errclass.ErrPreconditionFailed)
	assert.True(t, f.locks.IsHeldBy("d1", claim.SessionID), "撮影中の占有は残る")

	sess, err := f.store.GetSession(ctx, claim.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseCapturing, sess.Phase)
}

func TestSessionLocks_DoNotBlockOtherSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	a, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)

	// 別セッションのロックが長く保持されていても待たない
	unlock := f.svc.lockSession("busy-session")
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.StartPreview(ctx, a.SessionID, false)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("他のセッションのロックで待たされた")
	}

	unlock()
	assert.Zero(t, f.svc.lockedSessions(), "使い終わったロックは残らない")
}

func TestDeviceActivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	act, err := f.svc.DeviceActivity(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, act.Busy)
	assert.Empty(t, act.LastPhase)
	assert.Nil(t, act.LastSessionAt)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	act, err = f.svc.DeviceActivity(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, act.Busy)
	assert.Equal(t, session.PhaseLive, act.LastPhase)
	require.NotNil(t, act.LastSessionAt)

	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	require.NoError(t, err)
	act, err = f.svc.DeviceActivity(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, act.Busy)
	assert.Equal(t, session.PhaseCaptured, act.LastPhase)

	_, err = f.svc.DeviceActivity(ctx, "nope")
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestGetStatus_ReportsScrubbedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	require.NoError(t, err)

	st, err := f.svc.GetStatus(ctx, claim.SessionID)
	require.NoError(t, err)
	assert.False(t, st.Scrubbed)

	now := time.Now()
	_, err = f.store.UpdateSession(ctx, claim.SessionID, func(s *session.Session) error {
		s.Phase = session.PhaseExpired
		s.DeletedAt = &now
		s.Scrub()
		return nil
	})
	require.NoError(t, err)

	st, err = f.svc.GetStatus(ctx, claim.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseExpired, st.Phase)
	assert.True(t, st.Scrubbed)
	assert.Empty(t, st.PreviewURL)
}

func TestCancel_DeletesArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	require.NoError(t, err)
	require.Len(t, f.blobs.Keys(), 2)

	require.NoError(t, f.svc.Cancel(ctx, claim.SessionID))

	sess, err := f.store.GetSession(ctx, claim.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseCancelled, sess.Phase)
	assert.Empty(t, sess.PreviewURL)
	assert.Empty(t, sess.OriginalRef)
	assert.Empty(t, f.blobs.Keys())

	_, err = f.svc.CreatePayment(ctx, claim.SessionID, "")
	assert.ErrorIs(t, err, errclass.ErrPreconditionFailed)
}

func TestCancel_PaidSessionIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	f.store.PutPricing(session.TenantPricing{TenantID: "t1", FreeMode: true})

	claim, err := f.svc.Claim(ctx, "d1")
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, claim.SessionID, CaptureRequest{Kind: "photo"})
	require.NoError(t, err)
	_, err = f.svc.CreatePayment(ctx, claim.SessionID, "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Cancel(ctx, claim.SessionID), errclass.ErrPreconditionFailed)
	assert.Len(t, f.blobs.Keys(), 2)
}

func TestListOverlays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	f.putOverlays(t)

	views, err := f.svc.ListOverlays(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.NotEmpty(t, v.PreviewURL)
	}

	_, err = f.svc.ListOverlays(ctx, "missing")
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestHandleWebhook_WithoutProcessor(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.svc.deps.Processor = nil

	_, err := f.svc.HandleWebhook(context.Background(), []byte("{}"), payment.FakeSignature)
	assert.ErrorIs(t, err, errclass.ErrPreconditionFailed)
}
