// Package kiosk は撮影セッションのライフサイクルを管理する
//
// カメラの占有、ライブプレビュー、撮影、決済、ダウンロードを
// セッションの状態遷移としてまとめる。状態の変更は必ず現在の状態を
// 読んで前提条件を確認してから書き込み、前提が崩れていれば
// errclass.ErrPreconditionFailed を返す。
package kiosk

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"towncapture/internal/blob"
	"towncapture/internal/camera"
	"towncapture/internal/capture"
	"towncapture/internal/devicelock"
	"towncapture/internal/errclass"
	"towncapture/internal/logging"
	"towncapture/internal/payment"
	"towncapture/internal/session"
	"towncapture/internal/stream"
)

// Deps はServiceが利用するコンポーネント
type Deps struct {
	Store     session.Store
	Blobs     blob.Store
	Devices   Devices
	Locks     *devicelock.Manager
	Streams   Streamer
	Capturer  Capturer
	Overlays  OverlayResolver
	Gate      *payment.Gate
	Processor payment.Processor // nilなら決済イベントは受け付けない
}

// Options はServiceの設定
type Options struct {
	LiveTimeout   time.Duration
	Retention     time.Duration // 撮影後の保持期間
	PreviewURLTTL time.Duration
	HLSBasePath   string
	Now           func() time.Time
}

// Service は撮影セッションの操作をまとめる
type Service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	// 同一セッションの操作を直列化する。他のセッションは待たせない
	sessMu    sync.Mutex
	sessLocks map[string]*sessionMutex
}

// New は新しいServiceを作成する
func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if opts.LiveTimeout <= 0 {
		opts.LiveTimeout = 60 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.PreviewURLTTL <= 0 {
		opts.PreviewURLTTL = time.Hour
	}
	if opts.HLSBasePath == "" {
		opts.HLSBasePath = "/hls/"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logging.OrDefault(logger),
		timers:    make(map[string]*time.Timer),
		sessLocks: make(map[string]*sessionMutex),
	}
}

func keyOf(sess *session.Session) stream.Key {
	return stream.Key{TenantID: sess.TenantID, DeviceID: sess.DeviceID}
}

// device は受付可能なカメラを返す
func (s *Service) device(deviceID string) (*camera.Camera, error) {
	cam, ok := s.deps.Devices.GetCamera(deviceID)
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("カメラ %s が見つかりません", deviceID)
	}
	switch cam.Status {
	case camera.StatusInactive:
		return nil, errclass.ErrDeviceUnavailable.WithMessage("このカメラは現在ご利用いただけません")
	case camera.StatusOffline:
		return nil, errclass.ErrDeviceUnavailable.WithMessage("カメラに接続できません。しばらくしてからお試しください")
	}
	return cam, nil
}

// Claim はカメラを占有して新しいセッションを開始する
func (s *Service) Claim(ctx context.Context, deviceID string) (*ClaimResult, error) {
	cam, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if !s.deps.Locks.Acquire(cam.ID, id) {
		return nil, errclass.ErrBusy.WithMessage("カメラは使用中です。しばらくしてからお試しください")
	}

	now := s.opts.Now()
	// 放置されたセッションもいずれ掃除対象にする
	deleteAfter := now.Add(s.opts.LiveTimeout + s.opts.Retention)
	sess := &session.Session{
		ID:            id,
		Secret:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		DeviceID:      cam.ID,
		TenantID:      cam.TenantID,
		Phase:         session.PhaseLive,
		PaymentPhase:  session.PaymentNone,
		CreatedAt:     now,
		LiveExpiresAt: now.Add(s.opts.LiveTimeout),
		DeleteAfter:   &deleteAfter,
	}
	if err := s.deps.Store.CreateSession(ctx, sess); err != nil {
		s.deps.Locks.ReleaseIfHeldBy(cam.ID, id)
		return nil, fmt.Errorf("セッションの作成に失敗: %w", err)
	}

	s.armTimer(sess.ID, s.opts.LiveTimeout)

	s.logger.Info("セッションを開始しました", "session_id", id, "device_id", cam.ID, "tenant_id", cam.TenantID)
	return &ClaimResult{
		SessionID:     id,
		SessionSecret: sess.Secret,
		DeviceID:      cam.ID,
		LiveExpiresAt: sess.LiveExpiresAt,
	}, nil
}

// Authorize はセッションの秘密値を照合する
func (s *Service) Authorize(ctx context.Context, sessionID, secret string) error {
	sess, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(sess.Secret), []byte(secret)) != 1 {
		return errclass.ErrUnauthorized.WithMessage("セッションの認証に失敗しました")
	}
	return nil
}

// liveSession は live 状態でカメラを占有しているセッションを返す
func (s *Service) liveSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != session.PhaseLive {
		return nil, errclass.ErrPreconditionFailed.WithMessagef("セッションは %s 状態です", sess.Phase)
	}
	if !s.deps.Locks.IsHeldBy(sess.DeviceID, sess.ID) {
		return nil, errclass.ErrPreconditionFailed.WithMessage("カメラの占有が切れました")
	}
	return sess, nil
}

// StartPreview はライブプレビューを開始する。force なら再起動する
func (s *Service) StartPreview(ctx context.Context, sessionID string, force bool) (*Preview, error) {
	defer s.lockSession(sessionID)()
	return s.startPreview(ctx, sessionID, force)
}

func (s *Service) startPreview(ctx context.Context, sessionID string, force bool) (*Preview, error) {
	sess, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cam, err := s.device(sess.DeviceID)
	if err != nil {
		return nil, err
	}
	spec, err := s.deps.Overlays.Resolve(ctx, sess.Overlay)
	if err != nil {
		return nil, err
	}

	playlist, err := s.deps.Streams.Start(keyOf(sess), cam.SourceURL, spec, force)
	if err != nil {
		return nil, subprocessError(err)
	}
	return &Preview{PlaylistURL: s.opts.HLSBasePath + playlist}, nil
}

// StopPreview はライブプレビューだけを停止する。占有と状態はそのまま
// カメラを占有していないセッションからは何もしない
func (s *Service) StopPreview(ctx context.Context, sessionID string) error {
	defer s.lockSession(sessionID)()

	sess, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.deps.Locks.IsHeldBy(sess.DeviceID, sess.ID) {
		s.deps.Streams.Stop(keyOf(sess))
	}
	return nil
}

// SetOverlays はフレームとロゴの選択を保存する
// プレビュー中なら合成を反映するため再起動する
func (s *Service) SetOverlays(ctx context.Context, sessionID string, frameID, logoID string) (*session.OverlaySelection, error) {
	defer s.lockSession(sessionID)()

	sess, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sel, err := s.selection(ctx, sess.TenantID, frameID, logoID)
	if err != nil {
		return nil, err
	}

	updated, err := s.deps.Store.UpdateSession(ctx, sessionID, func(cur *session.Session) error {
		if cur.Phase != session.PhaseLive {
			return errclass.ErrPreconditionFailed.WithMessagef("セッションは %s 状態です", cur.Phase)
		}
		cur.Overlay = sel
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.deps.Streams.Running(keyOf(updated)) {
		if _, err := s.startPreview(ctx, sessionID, true); err != nil {
			s.logger.Warn("オーバーレイ反映のための再起動に失敗しました", "session_id", sessionID, "error", err)
		}
	}
	return &sel, nil
}

// selection は素材を検証して選択内容を作る
func (s *Service) selection(ctx context.Context, tenantID, frameID, logoID string) (session.OverlaySelection, error) {
	var sel session.OverlaySelection
	if frameID != "" {
		a, err := s.asset(ctx, tenantID, frameID, session.OverlayFrame)
		if err != nil {
			return sel, err
		}
		sel.FrameID = a.ID
		sel.FramePrice = a.EffectivePrice()
	}
	if logoID != "" {
		a, err := s.asset(ctx, tenantID, logoID, session.OverlayLogo)
		if err != nil {
			return sel, err
		}
		sel.LogoID = a.ID
		sel.LogoPrice = a.EffectivePrice()
		sel.LogoPosition = a.Position
	}
	return sel, nil
}

func (s *Service) asset(ctx context.Context, tenantID, id string, kind session.OverlayKind) (*session.OverlayAsset, error) {
	a, err := s.deps.Store.GetOverlay(ctx, id)
	if errors.Is(err, errclass.ErrNotFound) {
		return nil, errclass.ErrInvalidArgument.WithMessagef("オーバーレイ %s が見つかりません", id)
	}
	if err != nil {
		return nil, err
	}
	if a.TenantID != tenantID || a.Kind != kind {
		return nil, errclass.ErrInvalidArgument.WithMessagef("オーバーレイ %s は %s として使えません", id, kind)
	}
	return a, nil
}

// Capture は写真またはクリップを撮影し、原本とプレビューを保存する
// 成功すると captured になりカメラの占有を解放する
// 失敗した場合は live に戻し、占有とタイマーを維持する
func (s *Service) Capture(ctx context.Context, sessionID string, req CaptureRequest) (*CaptureResult, error) {
	kind, ok := session.ParseCaptureKind(req.Kind)
	if !ok {
		return nil, errclass.ErrInvalidArgument.WithMessagef("撮影種別が不正です: %q", req.Kind)
	}
	duration := session.CoerceDuration(kind, req.DurationSec)

	defer s.lockSession(sessionID)()

	sess, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cam, err := s.device(sess.DeviceID)
	if err != nil {
		return nil, err
	}

	sel := sess.Overlay
	if req.FrameID != nil || req.LogoID != nil {
		frameID, logoID := sel.FrameID, sel.LogoID
		if req.FrameID != nil {
			frameID = *req.FrameID
		}
		if req.LogoID != nil {
			logoID = *req.LogoID
		}
		if sel, err = s.selection(ctx, sess.TenantID, frameID, logoID); err != nil {
			return nil, err
		}
	}
	spec, err := s.deps.Overlays.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}

	sess, err = s.deps.Store.UpdateSession(ctx, sessionID, func(cur *session.Session) error {
		if cur.Phase != session.PhaseLive {
			return errclass.ErrPreconditionFailed.WithMessagef("セッションは %s 状態です", cur.Phase)
		}
		cur.Phase = session.PhaseCapturing
		cur.CaptureKind = kind
		cur.ClipDuration = duration
		cur.Overlay = sel
		cur.LastCaptureError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.clearTimer(sessionID)
	s.deps.Streams.Stop(keyOf(sess))

	// 撮影は要求元の切断に関わらず最後まで行う
	runCtx := context.WithoutCancel(ctx)
	res, err := s.deps.Capturer.Acquire(runCtx, capture.Request{
		SessionID:   sess.ID,
		TenantID:    sess.TenantID,
		DeviceID:    sess.DeviceID,
		SourceURL:   cam.SourceURL,
		Kind:        kind,
		DurationSec: duration,
		Overlay:     spec,
	})
	if err != nil {
		s.revertCapture(runCtx, sess, err)
		return nil, subprocessError(err)
	}

	previewURL, err := s.deps.Blobs.SignedURL(runCtx, res.PreviewRef, s.opts.PreviewURLTTL, blob.URLOptions{})
	if err != nil {
		s.logger.Warn("プレビューURLの発行に失敗しました", "session_id", sess.ID, "error", err)
	}

	now := s.opts.Now()
	updated, err := s.deps.Store.UpdateSession(runCtx, sessionID, func(cur *session.Session) error {
		if cur.Phase != session.PhaseCapturing {
			return errclass.ErrPreconditionFailed.WithMessagef("撮影中にセッションが %s になりました", cur.Phase)
		}
		deleteAfter := now.Add(s.opts.Retention)
		cur.PreviewRef = res.PreviewRef
		cur.OriginalRef = res.OriginalRef
		cur.PreviewURL = previewURL
		cur.CapturedAt = &now
		cur.DeleteAfter = &deleteAfter
		cur.Phase = session.PhaseCaptured
		return nil
	})
	if err != nil {
		s.deleteBlobs(runCtx, sess.ID, res.OriginalRef, res.PreviewRef)
		s.deps.Locks.ReleaseIfHeldBy(sess.DeviceID, sess.ID)
		return nil, err
	}

	s.deps.Locks.ReleaseIfHeldBy(sess.DeviceID, sess.ID)

	return &CaptureResult{
		Phase:       updated.Phase,
		Kind:        kind,
		DurationSec: duration,
		PreviewURL:  previewURL,
	}, nil
}

// revertCapture は撮影失敗時に live へ戻す
func (s *Service) revertCapture(ctx context.Context, sess *session.Session, cause error) {
	updated, err := s.deps.Store.UpdateSession(ctx, sess.ID, func(cur *session.Session) error {
		if cur.Phase != session.PhaseCapturing {
			return errclass.ErrPreconditionFailed
		}
		cur.Phase = session.PhaseLive
		cur.LastCaptureError = cause.Error()
		return nil
	})
	if err != nil {
		s.logger.Warn("撮影失敗後の状態復帰に失敗しました", "session_id", sess.ID, "error", err)
		return
	}
	s.logger.Error("撮影に失敗しました", "session_id", sess.ID, "device_id", sess.DeviceID, "error", cause)
	s.armTimer(sess.ID, updated.LiveExpiresAt.Sub(s.opts.Now()))
}

// GetStatus はセッションの状態を返す
func (s *Service) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	sess, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		SessionID:     sess.ID,
		DeviceID:      sess.DeviceID,
		Phase:         sess.Phase,
		PaymentPhase:  sess.PaymentPhase,
		Paid:          sess.Paid,
		CaptureKind:   sess.CaptureKind,
		DurationSec:   sess.ClipDuration,
		PreviewURL:    sess.PreviewURL,
		Overlay:       sess.Overlay,
		LiveExpiresAt: sess.LiveExpiresAt,
		LastError:     sess.LastCaptureError,
		Scrubbed:      sess.DeletedAt != nil,
	}
	if sess.Phase == session.PhaseLive {
		st.Streaming = s.deps.Streams.Running(keyOf(sess))
	}
	if sess.LastPaymentError != "" {
		st.LastError = sess.LastPaymentError
	}
	return st, nil
}

// DeviceActivity はカメラの占有状況と最新セッションの状態を返す
func (s *Service) DeviceActivity(ctx context.Context, deviceID string) (*DeviceActivity, error) {
	if _, ok := s.deps.Devices.GetCamera(deviceID); !ok {
		return nil, errclass.ErrNotFound.WithMessagef("カメラ %s が見つかりません", deviceID)
	}
	_, busy := s.deps.Locks.Get(deviceID)
	act := &DeviceActivity{DeviceID: deviceID, Busy: busy}

	sess, err := s.deps.Store.LatestSessionForDevice(ctx, deviceID)
	switch {
	case errors.Is(err, errclass.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		createdAt := sess.CreatedAt
		act.LastPhase = sess.Phase
		act.LastSessionAt = &createdAt
	}
	return act, nil
}

// Release はプレビューを止めてカメラを解放する。live なら cancelled にする
// プレビューとタイマーに触れるのはカメラを占有している間だけ
func (s *Service) Release(ctx context.Context, sessionID string) error {
	defer s.lockSession(sessionID)()

	sess, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Phase == session.PhaseCapturing {
		return errclass.ErrPreconditionFailed.WithMessage("撮影中は解放できません")
	}

	s.clearTimer(sessionID)
	if s.deps.Locks.IsHeldBy(sess.DeviceID, sess.ID) {
		s.deps.Streams.Stop(keyOf(sess))
		s.deps.Locks.ReleaseIfHeldBy(sess.DeviceID, sess.ID)
	}

	if sess.Phase != session.PhaseLive {
		return nil
	}
	now := s.opts.Now()
	_, err = s.deps.Store.UpdateSession(ctx, sessionID, func(cur *session.Session) error {
		if cur.Phase != session.PhaseLive {
			return errNotLive
		}
		cur.Phase = session.PhaseCancelled
		cur.EndedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errNotLive) {
		return err
	}
	s.logger.Info("セッションを解放しました", "session_id", sessionID, "device_id", sess.DeviceID)
	return nil
}

var errNotLive = errors.New("session is not live")

// Cancel はセッションを取り消し、成果物を削除する。支払い済みや撮影中なら取り消せない
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	defer s.lockSession(sessionID)()

	now := s.opts.Now()
	var refs []string
	sess, err := s.deps.Store.UpdateSession(ctx, sessionID, func(cur *session.Session) error {
		if cur.Paid || cur.Phase == session.PhasePaid {
			return errclass.ErrPreconditionFailed.WithMessage("支払い済みのセッションは取り消せません")
		}
		if cur.Phase == session.PhaseCapturing {
			return errclass.ErrPreconditionFailed.WithMessage("撮影中は取り消せません")
		}
		refs = []string{cur.PreviewRef, cur.OriginalRef, cur.LegacyRef}
		deleteAfter := now.Add(s.opts.Retention)
		cur.Phase = session.PhaseCancelled
		cur.EndedAt = &now
		cur.DeleteAfter = &deleteAfter
		cur.Scrub()
		return nil
	})
	if err != nil {
		return err
	}

	s.clearTimer(sessionID)
	if s.deps.Locks.IsHeldBy(sess.DeviceID, sess.ID) {
		s.deps.Streams.Stop(keyOf(sess))
		s.deps.Locks.ReleaseIfHeldBy(sess.DeviceID, sess.ID)
	}
	s.deleteBlobs(ctx, sessionID, refs...)
	s.logger.Info("セッションを取り消しました", "session_id", sessionID, "device_id", sess.DeviceID)
	return nil
}

func (s *Service) deleteBlobs(ctx context.Context, sessionID string, refs ...string) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := s.deps.Blobs.Delete(ctx, ref); err != nil {
			s.logger.Warn("成果物の削除に失敗しました", "session_id", sessionID, "key", ref, "error", err)
		}
	}
}

// ListOverlays はカメラのテナントが登録した素材一覧を返す
func (s *Service) ListOverlays(ctx context.Context, deviceID string) ([]OverlayView, error) {
	cam, ok := s.deps.Devices.GetCamera(deviceID)
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("カメラ %s が見つかりません", deviceID)
	}
	assets, err := s.deps.Store.ListOverlays(ctx, cam.TenantID)
	if err != nil {
		return nil, err
	}

	views := make([]OverlayView, 0, len(assets))
	for _, a := range assets {
		v := OverlayView{
			ID:       a.ID,
			Kind:     a.Kind,
			FileName: a.FileName,
			IsPaid:   a.IsPaid,
			Price:    a.EffectivePrice(),
			Position: a.Position,
		}
		if u, err := s.deps.Blobs.SignedURL(ctx, a.BlobRef, s.opts.PreviewURLTTL, blob.URLOptions{}); err == nil {
			v.PreviewURL = u
		} else {
			s.logger.Warn("素材URLの発行に失敗しました", "overlay_id", a.ID, "error", err)
		}
		views = append(views, v)
	}
	return views, nil
}

// CreatePayment は料金を確定し、決済URLまたは無料のダウンロード権を返す
func (s *Service) CreatePayment(ctx context.Context, sessionID, email string) (*payment.PaymentResult, error) {
	return s.deps.Gate.CreatePayment(ctx, sessionID, email)
}

// PaymentStatus はセッションIDまたは決済IDから決済状況を返す
func (s *Service) PaymentStatus(ctx context.Context, id string) (*payment.Status, error) {
	return s.deps.Gate.PaymentStatus(ctx, id)
}

// InspectGrant はダウンロード権を確認する
func (s *Service) InspectGrant(ctx context.Context, token string) (*payment.GrantInfo, error) {
	return s.deps.Gate.InspectGrant(ctx, token)
}

// Redeem はダウンロード権を1回分利用する
func (s *Service) Redeem(ctx context.Context, token, confirmation string) (*payment.Redemption, error) {
	return s.deps.Gate.Redeem(ctx, token, confirmation)
}

// HandleWebhook は署名を検証して決済イベントを反映する
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (payment.Outcome, error) {
	if s.deps.Processor == nil {
		return "", errclass.ErrPreconditionFailed.WithMessage("決済が設定されていません")
	}
	ev, err := s.deps.Processor.ParseEvent(payload, signature)
	if err != nil {
		return "", err
	}
	return s.deps.Gate.HandleEvent(ctx, ev)
}

// Close は全てのタイマーを止める
func (s *Service) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func subprocessError(err error) error {
	if errclass.CodeOf(err) != "" {
		return err
	}
	return errclass.ErrSubprocessFailure.WithMessage(err.Error())
}
