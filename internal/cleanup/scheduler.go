package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"towncapture/internal/logging"
)

// StatusInfo はスケジューラーの状態
type StatusInfo struct {
	Schedule   string    `json:"schedule"`
	Running    bool      `json:"running"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run"`
	LastReport *Report   `json:"last_report,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Scheduler はcron式に従ってSweepを実行する
type Scheduler struct {
	sweeper  *Sweeper
	schedule string
	logger   *slog.Logger

	mu      sync.RWMutex
	status  StatusInfo
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler は新しいSchedulerを作成する
func NewScheduler(sweeper *Sweeper, schedule string, logger *slog.Logger) (*Scheduler, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("無効なcron式: %q", schedule)
	}
	return &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logging.OrDefault(logger),
		status:   StatusInfo{Schedule: schedule},
	}, nil
}

// Start はスケジューラーを開始する
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.status.Running = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("掃除スケジューラーを開始しました", "schedule", s.schedule)
	return nil
}

// Stop はスケジューラーを停止し、実行中の掃除の終了を待つ
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.status.Running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("掃除スケジューラーを停止しました")
	return nil
}

// Status は現在の状態を返す
func (s *Scheduler) Status() StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.LastReport != nil {
		r := *st.LastReport
		st.LastReport = &r
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next, err := gronx.NextTickAfter(s.schedule, time.Now(), false)
		if err != nil {
			s.logger.Error("次回実行時刻の計算に失敗しました", "schedule", s.schedule, "error", err)
			return
		}
		s.mu.Lock()
		s.status.NextRun = next
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.RunOnce(ctx)
	}
}

// RunOnce は掃除を1回実行して状態を記録する
func (s *Scheduler) RunOnce(ctx context.Context) {
	report, err := s.sweeper.Sweep(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastRun = report.StartedAt
	s.status.LastReport = &report
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
		s.logger.Error("掃除に失敗しました", "error", err)
	}
}
