package server

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"towncapture/internal/errclass"
	"towncapture/internal/kiosk"
)

// SessionSecretHeader はセッション操作の認証ヘッダー
const SessionSecretHeader = "X-Session-Secret"

// maxWebhookBody は決済イベント本文の上限
const maxWebhookBody = 64 * 1024

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	cameras := gin.H{"total": len(s.config.Camera.Devices)}
	if s.opts.Cameras != nil {
		list := s.opts.Cameras.GetCameras()
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

		counts := make(map[string]int)
		devices := make([]gin.H, 0, len(list))
		for _, cam := range list {
			counts[string(cam.Status)]++
			entry := gin.H{"id": cam.ID, "name": cam.Name, "status": cam.Status}
			act, err := s.kiosk.DeviceActivity(c.Request.Context(), cam.ID)
			if err != nil {
				s.logger.Warn("カメラの利用状況を取得できませんでした", "device_id", cam.ID, "error", err)
			} else {
				entry["busy"] = act.Busy
				entry["lastPhase"] = act.LastPhase
				entry["lastSessionAt"] = act.LastSessionAt
			}
			devices = append(devices, entry)
		}
		cameras["byStatus"] = counts
		cameras["devices"] = devices
	}

	resp := gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"cameras":   cameras,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if s.opts.Cleanup != nil {
		resp["cleanup"] = s.opts.Cleanup.Status()
	}
	c.JSON(http.StatusOK, resp)
}

// handleListOverlays はカメラで選べるフレームとロゴを返す
func (s *Server) handleListOverlays(c *gin.Context) {
	views, err := s.kiosk.ListOverlays(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlays": views})
}

// handleClaim はカメラを占有してセッションを開始する
func (s *Server) handleClaim(c *gin.Context) {
	res, err := s.kiosk.Claim(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// requireSession はセッションの秘密値を確認するミドルウェア
// WebSocketはヘッダーを付けられないためクエリでも受け付ける
func (s *Server) requireSession(c *gin.Context) {
	secret := c.GetHeader(SessionSecretHeader)
	if secret == "" {
		secret = c.Query("secret")
	}
	if err := s.kiosk.Authorize(c.Request.Context(), c.Param("sessionId"), secret); err != nil {
		s.writeError(c, err)
		return
	}
	c.Next()
}

func (s *Server) handleGetStatus(c *gin.Context) {
	st, err := s.kiosk.GetStatus(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type previewRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleStartPreview(c *gin.Context) {
	var req previewRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	p, err := s.kiosk.StartPreview(c.Request.Context(), c.Param("sessionId"), req.Force)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleStopPreview(c *gin.Context) {
	if err := s.kiosk.StopPreview(c.Request.Context(), c.Param("sessionId")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type overlaysRequest struct {
	FrameID string `json:"frameId"`
	LogoID  string `json:"logoId"`
}

func (s *Server) handleSetOverlays(c *gin.Context) {
	var req overlaysRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	sel, err := s.kiosk.SetOverlays(c.Request.Context(), c.Param("sessionId"), req.FrameID, req.LogoID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (s *Server) handleCapture(c *gin.Context) {
	var req kiosk.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errclass.ErrInvalidArgument.WithMessage("撮影内容を解析できません"))
		return
	}
	res, err := s.kiosk.Capture(c.Request.Context(), c.Param("sessionId"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type paymentRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleCreatePayment(c *gin.Context) {
	var req paymentRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.kiosk.CreatePayment(c.Request.Context(), c.Param("sessionId"), strings.TrimSpace(req.Email))
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{"free": res.Free, "total": res.Total}
	if res.Free {
		resp["downloadToken"] = res.Token
		resp["downloadUrl"] = s.config.DownloadBaseURL() + "/" + res.Token
	} else {
		resp["checkoutUrl"] = res.URL
		resp["checkoutId"] = res.CheckoutID
	}
	c.JSON(http.StatusOK, resp)
}

// handleSessionDownload は支払い済みならダウンロードページのURLを返す
func (s *Server) handleSessionDownload(c *gin.Context) {
	st, err := s.kiosk.PaymentStatus(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !st.Paid || st.DownloadURL == "" {
		paymentRequired(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"downloadUrl": st.DownloadURL})
}

func (s *Server) handleRelease(c *gin.Context) {
	if err := s.kiosk.Release(c.Request.Context(), c.Param("sessionId")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.kiosk.Cancel(c.Request.Context(), c.Param("sessionId")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePaymentStatus は決済完了画面から状況を問い合わせる
func (s *Server) handlePaymentStatus(c *gin.Context) {
	st, err := s.kiosk.PaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"paid":          st.Paid,
		"phase":         st.Phase,
		"sessionId":     st.SessionID,
		"checkoutId":    st.CheckoutID,
		"previewUrl":    st.PreviewURL,
		"downloadToken": st.DownloadToken,
		"downloadUrl":   st.DownloadURL,
		"captureType":   st.CaptureKind,
		"durationSec":   st.DurationSec,
	})
}

// handleWebhook は決済事業者からのイベントを受け付ける
// 登録前の失敗は500を返して再送させる
func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	outcome, err := s.kiosk.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		status, code, _ := statusOf(err)
		if status >= http.StatusInternalServerError || status == http.StatusConflict {
			status = http.StatusInternalServerError
		}
		s.logger.Warn("決済イベントを処理できませんでした", "status", status, "error", err)
		c.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

// bindOptionalJSON は本文があればJSONとして読み込む
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil {
		return errclass.ErrInvalidArgument.WithMessage("リクエスト本文を解析できません")
	}
	return nil
}
