package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"towncapture/internal/cleanup"
	"towncapture/internal/server"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "HTTPサーバーを起動",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	scheduler, err := cleanup.NewScheduler(a.sweeper, cfg.Cleanup.Schedule, logger)
	if err != nil {
		a.close(context.Background())
		return err
	}

	if err := a.cameras.Start(ctx); err != nil {
		a.close(context.Background())
		return fmt.Errorf("カメラ監視の開始に失敗: %w", err)
	}
	a.locks.Start(ctx, cfg.Lock.SweepInterval)
	if err := scheduler.Start(ctx); err != nil {
		a.close(context.Background())
		return fmt.Errorf("掃除スケジューラの開始に失敗: %w", err)
	}

	srv := server.New(cfg, a.kiosk, server.Options{
		Cameras:  a.cameras,
		Cleanup:  scheduler,
		Logger:   logger,
		DevBlobs: a.devBlobs,
	})
	serveErr := srv.Start(ctx)

	// 停止はサーバー、掃除、セッションの順
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.Warn("掃除スケジューラの停止がタイムアウトしました", "error", err)
	}
	a.close(stopCtx)

	logger.Info("停止しました")
	return serveErr
}
