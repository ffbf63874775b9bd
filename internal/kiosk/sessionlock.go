package kiosk

import "sync"

type sessionMutex struct {
	mu   sync.Mutex
	refs int
}

// lockSession はセッション単位のロックを取り、解除関数を返す
// 待っている者がいなくなったロックは破棄する
func (s *Service) lockSession(sessionID string) func() {
	s.sessMu.Lock()
	m, ok := s.sessLocks[sessionID]
	if !ok {
		m = &sessionMutex{}
		s.sessLocks[sessionID] = m
	}
	m.refs++
	s.sessMu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()

		s.sessMu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(s.sessLocks, sessionID)
		}
		s.sessMu.Unlock()
	}
}

// lockedSessions は保持中のセッションロック数を返す
func (s *Service) lockedSessions() int {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return len(s.sessLocks)
}
