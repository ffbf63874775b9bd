package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"towncapture/internal/camera"
	"towncapture/internal/cleanup"
	"towncapture/internal/config"
	"towncapture/internal/kiosk"
	"towncapture/internal/logging"
	"towncapture/internal/payment"
	"towncapture/internal/session"
)

// Kiosk はHTTPハンドラから呼び出す撮影セッションの操作
type Kiosk interface {
	Claim(ctx context.Context, deviceID string) (*kiosk.ClaimResult, error)
	Authorize(ctx context.Context, sessionID, secret string) error
	StartPreview(ctx context.Context, sessionID string, force bool) (*kiosk.Preview, error)
	StopPreview(ctx context.Context, sessionID string) error
	SetOverlays(ctx context.Context, sessionID, frameID, logoID string) (*session.OverlaySelection, error)
	Capture(ctx context.Context, sessionID string, req kiosk.CaptureRequest) (*kiosk.CaptureResult, error)
	GetStatus(ctx context.Context, sessionID string) (*kiosk.Status, error)
	Release(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string) error
	ListOverlays(ctx context.Context, deviceID string) ([]kiosk.OverlayView, error)
	CreatePayment(ctx context.Context, sessionID, email string) (*payment.PaymentResult, error)
	PaymentStatus(ctx context.Context, id string) (*payment.Status, error)
	InspectGrant(ctx context.Context, token string) (*payment.GrantInfo, error)
	Redeem(ctx context.Context, token, confirmation string) (*payment.Redemption, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (payment.Outcome, error)
	DeviceActivity(ctx context.Context, deviceID string) (*kiosk.DeviceActivity, error)
}

// Cameras はステータス表示用のカメラ一覧
type Cameras interface {
	GetCameras() []camera.Camera
}

// Options はサーバーの任意の依存
type Options struct {
	Cameras Cameras
	Cleanup *cleanup.Scheduler
	Logger  *slog.Logger

	// DevBlobs が設定されていれば /blob 以下で成果物を配信する（メモリ保存時のみ）
	DevBlobs http.Handler
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	kiosk      Kiosk
	opts       Options
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	limiter    *RateLimiter
	startedAt  time.Time
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, k Kiosk, opts Options) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:    cfg,
		kiosk:     k,
		opts:      opts,
		logger:    logging.OrDefault(opts.Logger),
		engine:    engine,
		limiter:   NewRateLimiter(cfg.Server.ClaimRatePerMinute, cfg.Server.ClaimBurst),
		startedAt: time.Now(),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	engine.Use(s.requestLogger())
	engine.SetHTMLTemplate(template.Must(template.New("pages").Parse(pageTemplates)))
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックとステータス
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/api/status", s.handleStatus)

	// HLSプレイリストとセグメント
	hls := s.engine.Group("/hls", noCache)
	hls.Static("/", s.config.Stream.OutputDir)

	public := s.engine.Group("/public")
	public.GET("/devices/:deviceId/overlays", s.handleListOverlays)
	public.POST("/devices/:deviceId/sessions", s.rateLimit, s.handleClaim)
	public.GET("/payments/:id/status", s.handlePaymentStatus)

	sess := public.Group("/sessions/:sessionId", s.requireSession)
	sess.GET("", s.handleGetStatus)
	sess.GET("/ws", s.handleStatusSocket)
	sess.POST("/preview", s.handleStartPreview)
	sess.DELETE("/preview", s.handleStopPreview)
	sess.PUT("/overlays", s.handleSetOverlays)
	sess.POST("/capture", s.handleCapture)
	sess.POST("/payment", s.handleCreatePayment)
	sess.GET("/download", s.handleSessionDownload)
	sess.POST("/release", s.handleRelease)
	sess.POST("/cancel", s.handleCancel)

	s.engine.POST("/webhooks/payment", s.handleWebhook)

	if s.opts.DevBlobs != nil {
		s.engine.GET("/blob/*key", noCache, gin.WrapH(http.StripPrefix("/blob", s.opts.DevBlobs)))
	}

	// ダウンロードページ
	s.engine.GET("/dl/:token", s.handleDownloadLanding)
	s.engine.GET("/dl/:token/go", s.handleDownloadGoMethod)
	s.engine.POST("/dl/:token/go", s.handleDownloadGo)
}

// Start はサーバーを起動する
// コンテキストのキャンセルかシグナルでグレースフルに停止する
func (s *Server) Start(ctx context.Context) error {
	shutdownCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.limiter.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストを構造化ログに記録する
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.FullPath() == "/hls/*filepath" {
			return
		}
		s.logger.Debug("HTTPリクエスト",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func noCache(c *gin.Context) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Next()
}
