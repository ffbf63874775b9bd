package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"towncapture/internal/blob"
	"towncapture/internal/camera"
	"towncapture/internal/capture"
	"towncapture/internal/cleanup"
	"towncapture/internal/config"
	"towncapture/internal/devicelock"
	"towncapture/internal/kiosk"
	"towncapture/internal/logging"
	"towncapture/internal/media"
	"towncapture/internal/notify"
	"towncapture/internal/overlay"
	"towncapture/internal/payment"
	"towncapture/internal/session"
	"towncapture/internal/store/memory"
	"towncapture/internal/store/postgres"
	"towncapture/internal/stream"
)

// app は起動に必要なコンポーネント一式
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *gorm.DB // メモリストア時はnil
	store   session.Store
	blobs   blob.Store
	cameras *camera.DefaultCameraManager
	locks   *devicelock.Manager
	streams *stream.Supervisor
	kiosk   *kiosk.Service
	sweeper *cleanup.Sweeper

	// メモリ保存時の成果物配信
	devBlobs http.Handler
}

// loadConfig は設定とロガーを用意する
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStores はレコードストアとオブジェクトストアを開く
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gorm.DB, session.Store, blob.Store, error) {
	var (
		db    *gorm.DB
		store session.Store
		blobs blob.Store
	)

	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL が未設定のためメモリストアを使用します")
		store = memory.New()
	} else {
		conn, err := postgres.Connect(cfg.Database.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("データベースへの接続に失敗: %w", err)
		}
		if err := postgres.Migrate(conn); err != nil {
			postgres.Close(conn)
			return nil, nil, nil, fmt.Errorf("マイグレーションに失敗: %w", err)
		}
		db = conn
		store = postgres.New(conn, logger)
	}

	if cfg.Storage.Bucket == "" {
		logger.Warn("S3_BUCKET が未設定のためメモリ上に成果物を保存します")
		blobs = blob.NewMemoryStore(cfg.Server.PublicBaseURL + "/blob")
	} else {
		s3, err := blob.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			if db != nil {
				postgres.Close(db)
			}
			return nil, nil, nil, fmt.Errorf("オブジェクトストレージの初期化に失敗: %w", err)
		}
		blobs = s3
	}

	return db, store, blobs, nil
}

// buildApp は設定からすべてのコンポーネントを組み立てる
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, store, blobs, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	runner := media.NewFFmpeg(cfg.Stream.FFmpegPath, logger)
	cameras := camera.NewDefaultCameraManager(cfg.Camera.Devices, camera.NewFFprobeProber(ffprobePath(cfg.Stream.FFmpegPath)), cfg.Camera, logger)
	locks := devicelock.NewManager(cfg.Lock.TTL, devicelock.WithLogger(logger))

	streams := stream.NewSupervisor(runner, stream.NewTable(), stream.Options{
		OutputDir:    cfg.Stream.OutputDir,
		StopGrace:    cfg.Stream.StopGrace,
		KillWait:     cfg.Stream.KillWait,
		RestartDelay: cfg.Stream.RestartDelay,
	}, logger)

	compositor := capture.NewCompositor(runner, blobs, capture.Options{
		WorkDir:         cfg.Capture.WorkDir,
		Timeout:         cfg.Capture.Timeout,
		PreviewMaxWidth: cfg.Capture.PreviewMaxWidth,
		PreviewText:     cfg.Capture.PreviewText,
	}, logger)

	resolver, err := overlay.NewResolver(store, blobs, cfg.Capture.OverlayCacheDir, cfg.Capture.OverlayCacheMax,
		cfg.Stream.LogoWidth, cfg.Stream.LogoPadding, logger)
	if err != nil {
		closeDB(db, logger)
		return nil, fmt.Errorf("オーバーレイの初期化に失敗: %w", err)
	}

	// 決済事業者が無い場合は無料モードのテナントのみ受け付ける
	var processor payment.Processor
	if cfg.Payment.StripeSecretKey != "" {
		processor = payment.NewStripeProcessor(cfg.Payment.StripeSecretKey, cfg.Payment.StripeWebhookSecret, cfg.Payment.PaymentMethods, logger)
	} else {
		logger.Warn("STRIPE_SECRET_KEY が未設定のため有料決済は利用できません")
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Mail.Host != "" {
		notifier = notify.NewSMTPNotifier(cfg.Mail, logger)
	}

	p := cfg.Payment.DefaultPricing
	gate := payment.NewGate(store, blobs, processor, notifier, payment.Options{
		Currency: cfg.Payment.Currency,
		DefaultPricing: session.TenantPricing{
			FreeMode:       p.FreeMode,
			PhotoPrice:     p.PhotoPrice,
			ShortClipPrice: p.ShortClipPrice,
			LongClipPrice:  p.LongClipPrice,
		},
		GrantTTL:        cfg.Download.GrantTTL,
		MaxUses:         cfg.Download.MaxUses,
		SignedURLTTL:    cfg.Download.SignedURLTTL,
		Retention:       cfg.Capture.Retention,
		Secret:          []byte(cfg.Download.Secret),
		FilenamePrefix:  cfg.Download.FilenamePrefix,
		DownloadBaseURL: cfg.DownloadBaseURL(),
		FrontendBaseURL: cfg.Server.FrontendBaseURL,
	}, logger)

	svc := kiosk.New(kiosk.Deps{
		Store:     store,
		Blobs:     blobs,
		Devices:   cameras,
		Locks:     locks,
		Streams:   streams,
		Capturer:  compositor,
		Overlays:  resolver,
		Gate:      gate,
		Processor: processor,
	}, kiosk.Options{
		LiveTimeout:   cfg.Stream.LiveTimeout,
		Retention:     cfg.Capture.Retention,
		PreviewURLTTL: cfg.Download.PreviewURLTTL,
	}, logger)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   store,
		blobs:   blobs,
		cameras: cameras,
		locks:   locks,
		streams: streams,
		kiosk:   svc,
		sweeper: cleanup.NewSweeper(store, blobs, logger),
	}
	if mem, ok := blobs.(*blob.MemoryStore); ok {
		a.devBlobs = mem
	}
	return a, nil
}

// close はバックグラウンド処理を止めて接続を閉じる
func (a *app) close(ctx context.Context) {
	a.kiosk.Close()
	a.streams.StopAll()
	a.locks.Stop()
	if err := a.cameras.Stop(ctx); err != nil {
		a.logger.Warn("カメラ監視の停止に失敗しました", "error", err)
	}
	closeDB(a.db, a.logger)
}

func closeDB(db *gorm.DB, logger *slog.Logger) {
	if db == nil {
		return
	}
	if err := postgres.Close(db); err != nil {
		logger.Warn("データベース接続のクローズに失敗しました", "error", err)
	}
}

// ffprobePath はffmpegと同じ場所のffprobeを返す
func ffprobePath(ffmpeg string) string {
	dir := filepath.Dir(ffmpeg)
	if dir == "." {
		return "ffprobe"
	}
	return filepath.Join(dir, "ffprobe")
}
