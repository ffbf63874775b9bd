package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"towncapture/internal/errclass"
)

// errorResponse はAPIのエラー応答
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Refresh   bool      `json:"refresh,omitempty"` // 画面の再読み込みを促す
	Timestamp time.Time `json:"timestamp"`
}

// statusOf はエラー分類に対応するHTTPステータスと利用者向けメッセージを返す
func statusOf(err error) (int, string, string) {
	var e *errclass.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, "internal_error", "エラーが発生しました。時間をおいて再度お試しください"
	}

	msg := e.Message
	switch e.Code {
	case errclass.ErrBusy.Code:
		return http.StatusConflict, "busy", orDefault(msg, "カメラは使用中です。しばらくしてからお試しください")
	case errclass.ErrDeviceUnavailable.Code:
		return http.StatusServiceUnavailable, "device_unavailable", orDefault(msg, "カメラに接続できません。しばらくしてからお試しください")
	case errclass.ErrPreconditionFailed.Code:
		return http.StatusConflict, "precondition_failed", orDefault(msg, "画面を更新してください")
	case errclass.ErrGrantExpired.Code:
		return http.StatusGone, "link_expired", orDefault(msg, "ダウンロードリンクの有効期限が切れました")
	case errclass.ErrGrantExhausted.Code:
		return http.StatusGone, "link_exhausted", orDefault(msg, "ダウンロード回数の上限に達しました")
	case errclass.ErrGrantInvalid.Code:
		return http.StatusNotFound, "link_invalid", orDefault(msg, "ダウンロードリンクが無効です")
	case errclass.ErrNotFound.Code:
		return http.StatusNotFound, "not_found", orDefault(msg, "見つかりません")
	case errclass.ErrInvalidArgument.Code:
		return http.StatusBadRequest, "invalid_argument", orDefault(msg, "入力内容に誤りがあります")
	case errclass.ErrUnauthorized.Code:
		return http.StatusForbidden, "forbidden", "このセッションを操作する権限がありません"
	case errclass.ErrSignatureInvalid.Code:
		return http.StatusBadRequest, "signature_invalid", "署名が不正です"
	case errclass.ErrUpstreamUnavailable.Code:
		return http.StatusServiceUnavailable, "upstream_unavailable", "外部サービスに接続できません。時間をおいて再度お試しください"
	case errclass.ErrSubprocessFailure.Code:
		return http.StatusBadGateway, "capture_failed", "撮影に失敗しました。もう一度お試しください"
	case errclass.ErrDuplicateEvent.Code:
		return http.StatusOK, "duplicate_event", msg
	}
	return http.StatusInternalServerError, "internal_error", "エラーが発生しました。時間をおいて再度お試しください"
}

// writeError はエラーをJSONで返す
func (s *Server) writeError(c *gin.Context, err error) {
	status, code, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("リクエストの処理に失敗しました", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     code,
		Message:   msg,
		Refresh:   errors.Is(err, errclass.ErrPreconditionFailed),
		Timestamp: time.Now(),
	})
}

// paymentRequired は決済が必要なことを返す
func paymentRequired(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, errorResponse{
		Error:     "payment_required",
		Message:   "お支払いが必要です",
		Timestamp: time.Now(),
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
