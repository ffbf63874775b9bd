package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"towncapture/internal/errclass"
)

// ConfirmationCookie はダウンロード確認値を保持するCookie名
const ConfirmationCookie = "tc_dl_confirm"

var jst = time.FixedZone("JST", 9*60*60)

// landingPage はダウンロードページの表示内容
type landingPage struct {
	Title     string
	Message   string
	Kind      string
	ExpiresAt string
	Remaining int
	MaxUses   int
	Action    string
}

// handleDownloadLanding は回数を消費せずにダウンロードページを表示する
// 確認値はCookieに入れ、ボタンのPOSTでのみ利用する
func (s *Server) handleDownloadLanding(c *gin.Context) {
	token := c.Param("token")
	info, err := s.kiosk.InspectGrant(c.Request.Context(), token)
	if err != nil {
		s.renderDownloadError(c, err)
		return
	}

	maxAge := int(time.Until(info.ExpiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ConfirmationCookie, info.Confirmation, maxAge, downloadPath(token), "", c.Request.TLS != nil, true)

	kind := "動画"
	if info.IsPhoto {
		kind = "写真"
	}
	c.Header("Cache-Control", "no-store")
	c.HTML(http.StatusOK, "landing", landingPage{
		Title:     "TownCapture ダウンロード",
		Kind:      kind,
		ExpiresAt: info.ExpiresAt.In(jst).Format("2006/01/02 15:04"),
		Remaining: info.Remaining,
		MaxUses:   info.MaxUses,
		Action:    downloadPath(token) + "/go",
	})
}

// handleDownloadGoMethod はGETでの利用を拒否する
func (s *Server) handleDownloadGoMethod(c *gin.Context) {
	c.Header("Allow", http.MethodPost)
	c.String(http.StatusMethodNotAllowed, "Method Not Allowed")
}

// handleDownloadGo は確認値を検証して原本の署名付きURLへ転送する
func (s *Server) handleDownloadGo(c *gin.Context) {
	token := c.Param("token")
	confirmation, _ := c.Cookie(ConfirmationCookie)

	red, err := s.kiosk.Redeem(c.Request.Context(), token, confirmation)
	// 確認値は1回限り
	c.SetCookie(ConfirmationCookie, "", -1, downloadPath(token), "", c.Request.TLS != nil, true)
	if err != nil {
		if errclass.CodeOf(err) == errclass.ErrPreconditionFailed.Code {
			c.Redirect(http.StatusSeeOther, downloadPath(token))
			return
		}
		s.renderDownloadError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, red.URL)
}

func (s *Server) renderDownloadError(c *gin.Context, err error) {
	status, _, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("ダウンロードページの表示に失敗しました", "error", err)
	}
	c.Header("Cache-Control", "no-store")
	c.HTML(status, "download_error", landingPage{
		Title:   "TownCapture ダウンロード",
		Message: msg,
	})
}

func downloadPath(token string) string {
	return "/dl/" + token
}

const pageTemplates = `
{{define "landing"}}<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <meta name="robots" content="noindex">
    <title>{{.Title}}</title>
</head>
<body>
    <h1>{{.Kind}}のダウンロード</h1>
    <p>有効期限: {{.ExpiresAt}}</p>
    <p>残り回数: {{.Remaining}} / {{.MaxUses}}</p>
    <form method="post" action="{{.Action}}">
        <button type="submit">ダウンロード</button>
    </form>
</body>
</html>{{end}}
{{define "download_error"}}<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <meta name="robots" content="noindex">
    <title>{{.Title}}</title>
</head>
<body>
    <h1>ダウンロードできません</h1>
    <p>{{.Message}}</p>
</body>
</html>{{end}}
`
