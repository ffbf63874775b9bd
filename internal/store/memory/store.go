// Package memory はプロセス内メモリに保持するセッションストア
//
// 開発時とテストで使う。全操作を1つのミューテックスで直列化する。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"towncapture/internal/errclass"
	"towncapture/internal/session"
)

// Store はsession.Storeのメモリ実装
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	grants   map[string]*session.Grant
	events   map[string]session.ProcessedEvent
	overlays map[string]session.OverlayAsset
	pricing  map[string]session.TenantPricing
	now      func() time.Time
}

// New は空のStoreを作成する
func New() *Store {
	return &Store{
		sessions: make(map[string]*session.Session),
		grants:   make(map[string]*session.Grant),
		events:   make(map[string]session.ProcessedEvent),
		overlays: make(map[string]session.OverlayAsset),
		pricing:  make(map[string]session.TenantPricing),
		now:      time.Now,
	}
}

// CreateSession はセッションを新規作成する
func (s *Store) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return errclass.ErrInvalidArgument.WithMessagef("セッションが既に存在します: %s", sess.ID)
	}
	c := sess.Clone()
	c.UpdatedAt = s.now()
	s.sessions[sess.ID] = c
	return nil
}

// GetSession はセッションを取得する
func (s *Store) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("セッション %s", id)
	}
	return sess.Clone(), nil
}

// UpdateSession は読み込み・変更・書き込みを行う
func (s *Store) UpdateSession(_ context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("セッション %s", id)
	}
	c := sess.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = id
	c.UpdatedAt = s.now()
	s.sessions[id] = c
	return c.Clone(), nil
}

// FindSessionByCheckout は決済IDからセッションを探す
func (s *Store) FindSessionByCheckout(_ context.Context, checkoutID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if checkoutID != "" && sess.CheckoutID == checkoutID {
			return sess.Clone(), nil
		}
	}
	return nil, errclass.ErrNotFound.WithMessagef("決済 %s", checkoutID)
}

// LatestSessionForDevice はカメラの最新セッションを返す
func (s *Store) LatestSessionForDevice(_ context.Context, deviceID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *session.Session
	for _, sess := range s.sessions {
		if sess.DeviceID != deviceID {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, errclass.ErrNotFound.WithMessagef("カメラ %s のセッション", deviceID)
	}
	return latest.Clone(), nil
}

// ListExpired は deleteAfter を過ぎた指定状態のセッションを返す
func (s *Store) ListExpired(_ context.Context, now time.Time, phases []session.Phase, limit int) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[session.Phase]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}

	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.DeleteAfter == nil || sess.DeleteAfter.After(now) || !want[sess.Phase] {
			continue
		}
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeleteAfter.Before(*out[j].DeleteAfter) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateGrant はダウンロード権を作成する
func (s *Store) CreateGrant(_ context.Context, g *session.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[g.Token]; exists {
		return errclass.ErrInvalidArgument.WithMessage("ダウンロード権が既に存在します")
	}
	c := *g
	s.grants[g.Token] = &c
	return nil
}

// GetGrant はダウンロード権を取得する
func (s *Store) GetGrant(_ context.Context, token string) (*session.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[token]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessage("ダウンロード権")
	}
	c := *g
	return &c, nil
}

// AtomicUpdateGrantIf は条件を満たす場合のみダウンロード権を更新する
func (s *Store) AtomicUpdateGrantIf(_ context.Context, token string, check func(*session.Grant, *session.Session) error, mutate func(*session.Grant)) (*session.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[token]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessage("ダウンロード権")
	}
	c := *g
	if check != nil {
		var sess *session.Session
		if stored, ok := s.sessions[g.SessionID]; ok {
			sess = stored.Clone()
		}
		if err := check(&c, sess); err != nil {
			return nil, err
		}
	}
	mutate(&c)
	s.grants[token] = &c

	out := c
	return &out, nil
}

// ClaimEvent は決済イベントIDを一度だけ登録する
func (s *Store) ClaimEvent(_ context.Context, ev session.ProcessedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.ID]; exists {
		return false, nil
	}
	s.events[ev.ID] = ev
	return true, nil
}

// ReleaseEvent は登録済みのイベントIDを取り消す
func (s *Store) ReleaseEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
	return nil
}

// ListOverlays はテナントのオーバーレイ素材一覧を返す
func (s *Store) ListOverlays(_ context.Context, tenantID string) ([]session.OverlayAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []session.OverlayAsset
	for _, a := range s.overlays {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetOverlay はオーバーレイ素材を取得する
func (s *Store) GetOverlay(_ context.Context, id string) (*session.OverlayAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.overlays[id]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("オーバーレイ %s", id)
	}
	return &a, nil
}

// GetPricing はテナントの料金設定を返す
func (s *Store) GetPricing(_ context.Context, tenantID string) (*session.TenantPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pricing[tenantID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// PutOverlay はオーバーレイ素材を登録する
func (s *Store) PutOverlay(a session.OverlayAsset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[a.ID] = a
}

// PutPricing はテナントの料金設定を登録する
func (s *Store) PutPricing(p session.TenantPricing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pricing[p.TenantID] = p
}

var _ session.Store = (*Store)(nil)
