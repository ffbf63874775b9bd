package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"towncapture/internal/kiosk"
	"towncapture/internal/session"
)

const (
	statusPollInterval = time.Second
	wsWriteWait        = 10 * time.Second
	wsPongWait         = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 認証はセッションの秘密値で行う
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStatusSocket はセッションの状態が変わるたびに送信する
// 状態が終端に達したら接続を閉じる
func (s *Server) handleStatusSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocketの確立に失敗しました", "error", err)
		return
	}
	defer conn.Close()

	sessionID := c.Param("sessionId")
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 読み込みは切断検知のためだけに行う
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		st, err := s.kiosk.GetStatus(ctx, sessionID)
		if err != nil {
			_, code, _ := statusOf(err)
			s.writeSocket(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, code))
			return
		}

		data, err := json.Marshal(st)
		if err == nil && string(data) != string(last) {
			if err := s.writeSocket(conn, websocket.TextMessage, data); err != nil {
				return
			}
			last = data
		}
		if settled(st) {
			s.writeSocket(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.Phase)))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeSocket(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSocket(conn *websocket.Conn, messageType int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(messageType, data)
}

// settled はこれ以上状態が変わらないかを返す
// 決済失敗や期限切れは再決済で変わりうるため含めない。ただし掃除済みの期限切れは終端
func settled(st *kiosk.Status) bool {
	switch st.Phase {
	case session.PhasePaid, session.PhaseCancelled, session.PhaseTimeout:
		return true
	case session.PhaseExpired:
		return st.Scrubbed
	}
	return false
}
