package kiosk

import (
	"context"
	"errors"
	"time"

	"towncapture/internal/errclass"
	"towncapture/internal/session"
)

// armTimer はライブ状態の上限タイマーを設定する。既存のタイマーは置き換える
func (s *Service) armTimer(sessionID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.timerMu.Lock()
		if s.timers[sessionID] == t {
			delete(s.timers, sessionID)
		}
		s.timerMu.Unlock()
		s.expireLive(sessionID)
	})
	s.timers[sessionID] = t
}

func (s *Service) clearTimer(sessionID string) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
}

// expireLive はまだ live のセッションだけを timeout にしてカメラを解放する
func (s *Service) expireLive(sessionID string) {
	defer s.lockSession(sessionID)()

	ctx := context.Background()
	now := s.opts.Now()
	sess, err := s.deps.Store.UpdateSession(ctx, sessionID, func(cur *session.Session) error {
		if cur.Phase != session.PhaseLive {
			return errNotLive
		}
		cur.Phase = session.PhaseTimeout
		cur.EndedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNotLive) && !errors.Is(err, errclass.ErrNotFound) {
			s.logger.Error("ライブ状態の期限処理に失敗しました", "session_id", sessionID, "error", err)
		}
		return
	}

	s.deps.Streams.Stop(keyOf(sess))
	s.deps.Locks.ReleaseIfHeldBy(sess.DeviceID, sess.ID)
	s.logger.Info("ライブ状態が時間切れになりました", "session_id", sessionID, "device_id", sess.DeviceID)
}

// ActiveTimers は設定中のタイマー数を返す
func (s *Service) ActiveTimers() int {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return len(s.timers)
}
