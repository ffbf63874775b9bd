// Package devicelock はカメラごとの排他ロックを管理する
//
// ロックはプロセス内のメモリにのみ保持する。保持時間がTTLを超えたロックは
// Sweep で取り除かれるまで有効なままで、Acquire は失敗する。
package devicelock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"towncapture/internal/logging"
)

// DefaultTTL はロックの最大保持時間
const DefaultTTL = 2 * time.Minute

// Lock はカメラの占有状態
type Lock struct {
	DeviceID   string
	SessionID  string
	AcquiredAt time.Time
}

// Manager はカメラIDをキーにしたロック表
type Manager struct {
	mu     sync.Mutex
	locks  map[string]Lock
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option はManagerの設定を変更する
type Option func(*Manager)

// WithClock は時刻関数を差し替える
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager は新しいManagerを作成する。ttlが0以下ならDefaultTTL
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		locks:  make(map[string]Lock),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger)
	return m
}

// Acquire はロックを取得する。既に保持されていればfalse
func (m *Manager) Acquire(deviceID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.locks[deviceID]; held {
		return false
	}
	m.locks[deviceID] = Lock{DeviceID: deviceID, SessionID: sessionID, AcquiredAt: m.now()}
	return true
}

// Release はロックを解放する。保持されていなくてもエラーにしない
func (m *Manager) Release(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, deviceID)
}

// ReleaseIfHeldBy は指定セッションが保持している場合のみ解放する
func (m *Manager) ReleaseIfHeldBy(deviceID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, held := m.locks[deviceID]
	if !held || l.SessionID != sessionID {
		return false
	}
	delete(m.locks, deviceID)
	return true
}

// IsHeldBy は指定セッションがロックを保持しているかを返す
func (m *Manager) IsHeldBy(deviceID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, held := m.locks[deviceID]
	return held && l.SessionID == sessionID
}

// Get は現在のロックを返す
func (m *Manager) Get(deviceID string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, held := m.locks[deviceID]
	return l, held
}

// Sweep はTTLを超えたロックを削除し、解放したカメラIDを返す
func (m *Manager) Sweep() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var released []string
	for id, l := range m.locks {
		if now.Sub(l.AcquiredAt) > m.ttl {
			delete(m.locks, id)
			released = append(released, id)
		}
	}
	return released
}

// Start は定期的なSweepを開始する
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range m.Sweep() {
					m.logger.Warn("期限切れのロックを解放しました", "device_id", id)
				}
			}
		}
	}()
}

// Stop は定期Sweepを停止する
func (m *Manager) Stop() {
	m.mu.Lock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
