package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"towncapture/internal/blob"
	"towncapture/internal/errclass"
	"towncapture/internal/logging"
	"towncapture/internal/notify"
	"towncapture/internal/session"
)

// Options はGateの設定
type Options struct {
	Currency        string
	DefaultPricing  session.TenantPricing
	GrantTTL        time.Duration
	MaxUses         int
	SignedURLTTL    time.Duration
	Retention       time.Duration // 決済失敗後の保持期間
	Secret          []byte        // 確認値の署名鍵
	FilenamePrefix  string
	DownloadBaseURL string
	FrontendBaseURL string
	Now             func() time.Time
}

// Gate は料金の確定、決済イベントの反映、ダウンロード権の発行と利用を行う
type Gate struct {
	store     session.Store
	blobs     blob.Store
	processor Processor
	notifier  notify.Notifier
	opts      Options
	logger    *slog.Logger
}

// NewGate は新しいGateを作成する。processor がnilなら有料決済は利用できない
func NewGate(store session.Store, blobs blob.Store, processor Processor, notifier notify.Notifier, opts Options, logger *slog.Logger) *Gate {
	if opts.GrantTTL <= 0 {
		opts.GrantTTL = time.Hour
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = 3
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.Currency == "" {
		opts.Currency = "jpy"
	}
	if opts.FilenamePrefix == "" {
		opts.FilenamePrefix = "TownCapture"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Gate{
		store:     store,
		blobs:     blobs,
		processor: processor,
		notifier:  notifier,
		opts:      opts,
		logger:    logging.OrDefault(logger),
	}
}

// PaymentResult は決済作成の結果
type PaymentResult struct {
	Free       bool
	URL        string
	CheckoutID string
	Token      string
	Total      int
}

// payable は決済を作成・反映できる状態か
func payable(s *session.Session) bool {
	if s.DeletedAt != nil || !s.HasArtifacts() || s.Paid {
		return false
	}
	switch s.Phase {
	case session.PhaseCaptured, session.PhasePendingPayment, session.PhasePaymentFailed, session.PhaseExpired:
		return true
	}
	return false
}

// CreatePayment は料金を確定し、0円なら即座にダウンロード権を発行する
// 有料なら決済画面を作成してそのURLを返す
func (g *Gate) CreatePayment(ctx context.Context, sessionID, email string) (*PaymentResult, error) {
	sess, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !payable(sess) {
		return nil, errclass.ErrPreconditionFailed.WithMessagef("決済できない状態です: %s", sess.Phase)
	}

	pricing, err := g.pricingFor(ctx, sess.TenantID)
	if err != nil {
		return nil, err
	}
	snap := Quote(pricing, sess.CaptureKind, sess.ClipDuration, sess.Overlay)
	if email == "" {
		email = sess.EndUserEmail
	}

	if snap.Total == 0 {
		return g.grantFree(ctx, sess, snap, email)
	}

	if g.processor == nil {
		return nil, errclass.ErrUpstreamUnavailable.WithMessage("決済が設定されていません")
	}
	checkout, err := g.processor.CreateCheckout(ctx, CheckoutRequest{
		SessionID:   sess.ID,
		TenantID:    sess.TenantID,
		DeviceID:    sess.DeviceID,
		CaptureKind: string(sess.CaptureKind),
		DurationSec: sess.ClipDuration,
		Email:       email,
		Currency:    g.opts.Currency,
		Items:       LineItems(snap, sess.CaptureKind, sess.ClipDuration),
		Total:       snap.Total,
		SuccessURL:  g.frontendURL("/success?sessionId=" + sess.ID),
		CancelURL:   g.frontendURL("/capture.html?sessionId=" + sess.ID + "&canceled=1"),
	})
	if err != nil {
		return nil, err
	}

	_, err = g.store.UpdateSession(ctx, sess.ID, func(s *session.Session) error {
		if !payable(s) {
			return errclass.ErrPreconditionFailed.WithMessagef("決済できない状態です: %s", s.Phase)
		}
		s.Phase = session.PhasePendingPayment
		s.PaymentPhase = session.PaymentPending
		s.CheckoutID = checkout.ID
		s.CheckoutURL = checkout.URL
		s.PaymentAmount = snap.Total
		s.Pricing = &snap
		s.LastPaymentError = ""
		if email != "" {
			s.EndUserEmail = email
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("決済を作成しました", "session_id", sess.ID, "checkout_id", checkout.ID, "total", snap.Total)
	return &PaymentResult{URL: checkout.URL, CheckoutID: checkout.ID, Total: snap.Total}, nil
}

func (g *Gate) grantFree(ctx context.Context, sess *session.Session, snap session.PricingSnapshot, email string) (*PaymentResult, error) {
	grant := g.newGrant(sess)
	if err := g.store.CreateGrant(ctx, grant); err != nil {
		return nil, err
	}

	now := g.opts.Now()
	_, err := g.store.UpdateSession(ctx, sess.ID, func(s *session.Session) error {
		if !payable(s) {
			return errclass.ErrPreconditionFailed.WithMessagef("決済できない状態です: %s", s.Phase)
		}
		markPaid(s, grant, now)
		s.PaymentAmount = 0
		s.Pricing = &snap
		if email != "" {
			s.EndUserEmail = email
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("無料でダウンロード権を発行しました", "session_id", sess.ID)
	g.notifyGrant(ctx, sess, grant, email)
	return &PaymentResult{
		Free:  true,
		URL:   g.frontendURL("/success?sessionId=" + sess.ID),
		Token: grant.Token,
	}, nil
}

func markPaid(s *session.Session, grant *session.Grant, now time.Time) {
	s.Phase = session.PhasePaid
	s.PaymentPhase = session.PaymentPaid
	s.Paid = true
	s.PaidAt = &now
	s.DownloadToken = grant.Token
	s.LastPaymentError = ""
	// 支払い済みの成果物はダウンロード権の期限まで保持する
	expires := grant.ExpiresAt
	s.DeleteAfter = &expires
}

func (g *Gate) pricingFor(ctx context.Context, tenantID string) (session.TenantPricing, error) {
	p, err := g.store.GetPricing(ctx, tenantID)
	if err != nil {
		return session.TenantPricing{}, err
	}
	if p == nil {
		d := g.opts.DefaultPricing
		d.TenantID = tenantID
		return d, nil
	}
	return *p, nil
}

// Outcome はイベント反映の結果
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// HandleEvent は決済イベントを一度だけ反映する
// イベントIDの登録や反映に失敗した場合はエラーを返し、事業者の再送に任せる
// 反映に失敗したイベントは登録を取り消すので、再送は重複扱いにならない
func (g *Gate) HandleEvent(ctx context.Context, ev *Event) (Outcome, error) {
	if ev == nil || ev.ID == "" {
		return OutcomeIgnored, errclass.ErrInvalidArgument.WithMessage("イベントIDがありません")
	}

	claimed, err := g.store.ClaimEvent(ctx, session.ProcessedEvent{ID: ev.ID, Type: ev.Type, ProcessedAt: g.opts.Now()})
	if err != nil {
		return OutcomeIgnored, errclass.ErrUpstreamUnavailable.WithMessagef("イベントの登録に失敗: %v", err)
	}
	if !claimed {
		g.logger.Info("処理済みの決済イベントを無視しました", "event_id", ev.ID, "type", ev.Type)
		return OutcomeDuplicate, nil
	}
	if ev.Kind == EventIgnored {
		return OutcomeIgnored, nil
	}

	sess, err := g.findSession(ctx, ev)
	if err != nil {
		g.releaseEvent(ctx, ev)
		return OutcomeIgnored, err
	}
	if sess == nil {
		g.logger.Warn("決済イベントのセッションが見つかりません", "event_id", ev.ID, "type", ev.Type)
		return OutcomeIgnored, nil
	}

	d := Reconcile(sess, *ev)
	if d.Action == ActionNone {
		g.logger.Info("決済イベントを反映しませんでした", "event_id", ev.ID, "session_id", sess.ID, "reason", d.Reason)
		return OutcomeIgnored, nil
	}

	applied, err := g.apply(ctx, sess, *ev, d.Action)
	if err != nil {
		g.logger.Error("決済イベントの反映に失敗しました", "event_id", ev.ID, "session_id", sess.ID, "error", err)
		g.releaseEvent(ctx, ev)
		return OutcomeIgnored, err
	}
	if !applied {
		return OutcomeIgnored, nil
	}
	g.logger.Info("決済イベントを反映しました", "event_id", ev.ID, "session_id", sess.ID, "action", d.Action)
	return OutcomeApplied, nil
}

// releaseEvent は反映に失敗したイベントの登録を取り消し、再送で処理できるようにする
func (g *Gate) releaseEvent(ctx context.Context, ev *Event) {
	if err := g.store.ReleaseEvent(context.WithoutCancel(ctx), ev.ID); err != nil {
		g.logger.Error("決済イベントの登録を取り消せませんでした", "event_id", ev.ID, "error", err)
	}
}

func (g *Gate) findSession(ctx context.Context, ev *Event) (*session.Session, error) {
	var sess *session.Session
	var err error
	if ev.SessionID != "" {
		sess, err = g.store.GetSession(ctx, ev.SessionID)
	} else {
		err = errclass.ErrNotFound
	}
	if errors.Is(err, errclass.ErrNotFound) && ev.CheckoutID != "" {
		sess, err = g.store.FindSessionByCheckout(ctx, ev.CheckoutID)
	}
	if errors.Is(err, errclass.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

var errNoLongerApplicable = errors.New("no longer applicable")

// apply は判定結果を書き込む。書き込み直前にもう一度判定する
func (g *Gate) apply(ctx context.Context, sess *session.Session, ev Event, action Action) (bool, error) {
	now := g.opts.Now()

	var grant *session.Grant
	if action == ActionMarkPaid {
		grant = g.newGrant(sess)
		if err := retry(ctx, func() error { return g.store.CreateGrant(ctx, grant) }); err != nil {
			return false, err
		}
	}

	var updated *session.Session
	err := retry(ctx, func() error {
		var err error
		updated, err = g.store.UpdateSession(ctx, sess.ID, func(s *session.Session) error {
			if Reconcile(s, ev).Action != action {
				return errNoLongerApplicable
			}
			if s.CheckoutID == "" {
				s.CheckoutID = ev.CheckoutID
			}
			switch action {
			case ActionMarkPaid:
				markPaid(s, grant, now)
				if s.EndUserEmail == "" {
					s.EndUserEmail = ev.Email
				}
			case ActionMarkPending:
				s.Phase = session.PhasePendingPayment
				s.PaymentPhase = session.PaymentPending
			case ActionMarkFailed:
				s.Phase = session.PhasePaymentFailed
				s.PaymentPhase = session.PaymentFailed
				s.FailedAt = &now
				s.LastPaymentError = ev.ErrorMessage
				s.DeleteAfter = laterOf(s.DeleteAfter, now.Add(g.opts.Retention))
			case ActionMarkExpired:
				s.Phase = session.PhaseExpired
				s.PaymentPhase = session.PaymentExpired
				s.FailedAt = &now
				s.DeleteAfter = laterOf(s.DeleteAfter, now.Add(g.opts.Retention))
			}
			return nil
		})
		return err
	})
	if errors.Is(err, errNoLongerApplicable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if action == ActionMarkPaid {
		g.notifyGrant(ctx, updated, grant, updated.EndUserEmail)
	}
	return true, nil
}

func laterOf(cur *time.Time, t time.Time) *time.Time {
	if cur != nil && cur.After(t) {
		return cur
	}
	return &t
}

// retry は保存先の一時的な失敗のみ再試行する
func retry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, errclass.ErrUpstreamUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (g *Gate) newGrant(sess *session.Session) *session.Grant {
	now := g.opts.Now()
	return &session.Grant{
		Token:     newToken(),
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
		DeviceID:  sess.DeviceID,
		ExpiresAt: now.Add(g.opts.GrantTTL),
		MaxUses:   g.opts.MaxUses,
		CreatedAt: now,
	}
}

func (g *Gate) notifyGrant(ctx context.Context, sess *session.Session, grant *session.Grant, email string) {
	if email == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	err := g.notifier.NotifyDownload(ctx, notify.DownloadNotice{
		To:        email,
		SessionID: sess.ID,
		IsPhoto:   sess.CaptureKind == session.KindPhoto,
		URL:       g.DownloadURL(grant.Token),
		ExpiresAt: grant.ExpiresAt,
		MaxUses:   grant.MaxUses,
	})
	if err != nil {
		g.logger.Warn("ダウンロード案内の送信に失敗しました", "session_id", sess.ID, "error", err)
	}
}

// DownloadURL はダウンロードページのURLを返す
func (g *Gate) DownloadURL(token string) string {
	return strings.TrimRight(g.opts.DownloadBaseURL, "/") + "/" + token
}

func (g *Gate) frontendURL(p string) string {
	return strings.TrimRight(g.opts.FrontendBaseURL, "/") + p
}

// GrantInfo はダウンロードページに表示する内容
type GrantInfo struct {
	Token        string
	SessionID    string
	IsPhoto      bool
	ExpiresAt    time.Time
	MaxUses      int
	Remaining    int
	Confirmation string
}

// InspectGrant は回数を消費せずにダウンロード権を確認し、新しい確認値を発行する
func (g *Gate) InspectGrant(ctx context.Context, token string) (*GrantInfo, error) {
	now := g.opts.Now()
	nonce := newToken()

	var sess *session.Session
	grant, err := g.store.AtomicUpdateGrantIf(ctx, token,
		func(gr *session.Grant, s *session.Session) error {
			if err := validateGrant(gr, s, now); err != nil {
				return err
			}
			sess = s
			return nil
		},
		func(gr *session.Grant) { gr.PendingConfirmation = nonce },
	)
	if err != nil {
		return nil, grantError(err)
	}

	return &GrantInfo{
		Token:        grant.Token,
		SessionID:    grant.SessionID,
		IsPhoto:      sess.CaptureKind == session.KindPhoto,
		ExpiresAt:    grant.ExpiresAt,
		MaxUses:      grant.MaxUses,
		Remaining:    grant.Remaining(),
		Confirmation: g.signConfirmation(grant.Token, nonce),
	}, nil
}

// Redemption はダウンロード権の利用結果
type Redemption struct {
	URL       string
	FileName  string
	Remaining int
}

// Redeem は確認値を検証し、使用回数を1つ消費して原本の署名付きURLを返す
func (g *Gate) Redeem(ctx context.Context, token, confirmation string) (*Redemption, error) {
	nonce, ok := g.verifyConfirmation(token, confirmation)
	if !ok {
		return nil, errclass.ErrPreconditionFailed.WithMessage("ダウンロードページを開き直してください")
	}

	now := g.opts.Now()
	var signedURL, fileName string
	grant, err := g.store.AtomicUpdateGrantIf(ctx, token,
		func(gr *session.Grant, s *session.Session) error {
			if err := validateGrant(gr, s, now); err != nil {
				return err
			}
			if gr.PendingConfirmation == "" || !hmac.Equal([]byte(gr.PendingConfirmation), []byte(nonce)) {
				return errclass.ErrPreconditionFailed.WithMessage("ダウンロードページを開き直してください")
			}
			fileName = g.fileName(s)
			u, err := g.blobs.SignedURL(ctx, s.OriginalRef, g.opts.SignedURLTTL, blob.URLOptions{DownloadName: fileName})
			if err != nil {
				if errors.Is(err, errclass.ErrNotFound) {
					return errclass.ErrGrantInvalid.WithMessage("成果物がありません")
				}
				return errclass.ErrUpstreamUnavailable.WithMessagef("署名付きURLの発行に失敗: %v", err)
			}
			signedURL = u
			return nil
		},
		func(gr *session.Grant) {
			gr.UseCount++
			gr.PendingConfirmation = ""
			gr.LastRedeemedAt = &now
		},
	)
	if err != nil {
		return nil, grantError(err)
	}

	g.logger.Info("ダウンロード権を利用しました",
		"session_id", grant.SessionID,
		"use_count", grant.UseCount,
		"max_uses", grant.MaxUses,
	)
	return &Redemption{URL: signedURL, FileName: fileName, Remaining: grant.Remaining()}, nil
}

// validateGrant は回数、期限、セッション状態の順に確認する
func validateGrant(gr *session.Grant, s *session.Session, now time.Time) error {
	if gr.UseCount >= gr.MaxUses {
		return errclass.ErrGrantExhausted.WithMessage("ダウンロード回数の上限に達しました")
	}
	if !now.Before(gr.ExpiresAt) {
		return errclass.ErrGrantExpired.WithMessage("ダウンロードリンクの有効期限が切れました")
	}
	if s == nil || !s.Paid || s.Phase != session.PhasePaid || s.OriginalRef == "" {
		return errclass.ErrGrantInvalid.WithMessage("ダウンロードできない状態です")
	}
	return nil
}

func grantError(err error) error {
	if errors.Is(err, errclass.ErrNotFound) {
		return errclass.ErrGrantInvalid.WithMessage("ダウンロードリンクが無効です")
	}
	return err
}

func (g *Gate) fileName(s *session.Session) string {
	ext := ".mp4"
	if s.CaptureKind == session.KindPhoto {
		ext = ".jpg"
	}
	if e := path.Ext(s.OriginalRef); e != "" {
		ext = e
	}
	return fmt.Sprintf("%s_%s%s", g.opts.FilenamePrefix, s.ID, ext)
}

// signConfirmation は「nonce.署名」形式の確認値を返す
func (g *Gate) signConfirmation(token, nonce string) string {
	return nonce + "." + g.mac(token, nonce)
}

func (g *Gate) verifyConfirmation(token, confirmation string) (string, bool) {
	i := strings.LastIndexByte(confirmation, '.')
	if i <= 0 || i == len(confirmation)-1 {
		return "", false
	}
	nonce, sig := confirmation[:i], confirmation[i+1:]
	if !hmac.Equal([]byte(sig), []byte(g.mac(token, nonce))) {
		return "", false
	}
	return nonce, true
}

func (g *Gate) mac(token, nonce string) string {
	m := hmac.New(sha256.New, g.opts.Secret)
	m.Write([]byte(token + ":" + nonce))
	return hex.EncodeToString(m.Sum(nil))
}

// Status は決済状況の問い合わせ結果
type Status struct {
	Paid          bool
	Phase         string
	SessionID     string
	CheckoutID    string
	PreviewURL    string
	DownloadToken string
	DownloadURL   string
	CaptureKind   session.CaptureKind
	DurationSec   int
}

// PaymentStatus はセッションIDまたは決済IDから決済状況を返す
// 決済IDに対応するセッションがまだ無ければ保留中として返す
func (g *Gate) PaymentStatus(ctx context.Context, id string) (*Status, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("IDが空です")
	}

	var sess *session.Session
	var err error
	if strings.HasPrefix(id, "cs_") {
		sess, err = g.store.FindSessionByCheckout(ctx, id)
		if errors.Is(err, errclass.ErrNotFound) {
			return &Status{Phase: string(session.PaymentPending), CheckoutID: id}, nil
		}
	} else {
		sess, err = g.store.GetSession(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	st := &Status{
		Paid:          sess.Paid || sess.Phase == session.PhasePaid,
		Phase:         string(sess.Phase),
		SessionID:     sess.ID,
		CheckoutID:    sess.CheckoutID,
		PreviewURL:    sess.PreviewURL,
		DownloadToken: sess.DownloadToken,
		CaptureKind:   sess.CaptureKind,
		DurationSec:   sess.ClipDuration,
	}
	if sess.DownloadToken != "" {
		st.DownloadURL = g.DownloadURL(sess.DownloadToken)
	}
	return st, nil
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
