// Package notify は購入者へのダウンロード案内メールを送る
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"towncapture/internal/config"
	"towncapture/internal/logging"
)

// DownloadNotice はダウンロード案内の内容
type DownloadNotice struct {
	To        string
	SessionID string
	IsPhoto   bool
	URL       string
	ExpiresAt time.Time
	MaxUses   int
}

// Notifier は通知の送信先
type Notifier interface {
	NotifyDownload(ctx context.Context, n DownloadNotice) error
}

// jst は案内メールで表示するタイムゾーン
var jst = time.FixedZone("JST", 9*60*60)

// Subject は件名を返す
func Subject(n DownloadNotice) string {
	if n.IsPhoto {
		return "Your Town Capture photo is ready"
	}
	return "Your Town Capture video is ready"
}

// Body は本文を返す
func Body(n DownloadNotice) string {
	kind := "video"
	if n.IsPhoto {
		kind = "photo"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your %s is ready.\r\n\r\n", kind)
	fmt.Fprintf(&b, "Download link:\r\n%s\r\n\r\n", n.URL)
	fmt.Fprintf(&b, "Available until: %s (JST)\r\n", n.ExpiresAt.In(jst).Format("2006/01/02 15:04"))
	if n.MaxUses > 0 {
		fmt.Fprintf(&b, "Downloads allowed: %d\r\n", n.MaxUses)
	}
	return b.String()
}

// SMTPNotifier はSMTPでメールを送る
type SMTPNotifier struct {
	cfg    config.MailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *slog.Logger
}

// NewSMTPNotifier は新しいSMTPNotifierを作成する
func NewSMTPNotifier(cfg config.MailConfig, logger *slog.Logger) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail, logger: logging.OrDefault(logger)}
}

// NotifyDownload は案内メールを送る
func (s *SMTPNotifier) NotifyDownload(ctx context.Context, n DownloadNotice) error {
	if n.To == "" {
		return nil
	}

	msg := buildMessage(s.cfg.From, n.To, Subject(n), Body(n))
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	// net/smtp はcontextを受け取らないため別goroutineで待つ
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.send(addr, auth, s.cfg.From, []string{n.To}, msg)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("メール送信に失敗: %w", err)
		}
		s.logger.Info("ダウンロード案内を送信しました", "session_id", n.SessionID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from, to, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

// Nop は何も送らないNotifier
type Nop struct{}

func (Nop) NotifyDownload(context.Context, DownloadNotice) error { return nil }

// Recorder はテスト用に通知を記録するNotifier
type Recorder struct {
	mu      sync.Mutex
	notices []DownloadNotice

	// Err が設定されていれば送信に失敗する
	Err error
}

func (r *Recorder) NotifyDownload(_ context.Context, n DownloadNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.notices = append(r.notices, n)
	return nil
}

// Notices は記録した通知を返す
func (r *Recorder) Notices() []DownloadNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DownloadNotice(nil), r.notices...)
}

var (
	_ Notifier = (*SMTPNotifier)(nil)
	_ Notifier = Nop{}
	_ Notifier = (*Recorder)(nil)
)
