package camera

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"towncapture/internal/config"
	"towncapture/internal/logging"
)

// DefaultCameraManager はCamera Managerのデフォルト実装
type DefaultCameraManager struct {
	prober  Prober
	cameras map[string]*Camera
	mu      sync.RWMutex
	logger  *slog.Logger

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup

	// 死活監視設定
	probeInterval time.Duration
	probeTimeout  time.Duration
}

// NewDefaultCameraManager は設定のカメラ一覧から新しいDefaultCameraManagerを作成する
func NewDefaultCameraManager(devices []config.CameraDevice, prober Prober, cfg config.CameraConfig, logger *slog.Logger) *DefaultCameraManager {
	cameras := make(map[string]*Camera, len(devices))
	now := time.Now()
	for _, d := range devices {
		status := StatusActive
		if d.Inactive {
			status = StatusInactive
		}
		cameras[d.ID] = &Camera{
			ID:        d.ID,
			Name:      d.Name,
			TenantID:  d.TenantID,
			SourceURL: d.SourceURL,
			Status:    status,
			LastSeen:  now,
		}
	}

	return &DefaultCameraManager{
		prober:        prober,
		cameras:       cameras,
		logger:        logging.OrDefault(logger),
		stopCh:        make(chan struct{}),
		probeInterval: cfg.ProbeInterval,
		probeTimeout:  cfg.ProbeTimeout,
	}
}

// Start は死活監視を開始する。prober未設定か間隔0なら何もしない
func (m *DefaultCameraManager) Start(ctx context.Context) error {
	if m.prober == nil || m.probeInterval <= 0 {
		return nil
	}

	m.ProbeCameras(ctx)

	m.wg.Add(1)
	go m.backgroundProbe(ctx)
	return nil
}

// Stop は死活監視を停止する
func (m *DefaultCameraManager) Stop(_ context.Context) error {
	m.mu.Lock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// GetCameras は登録済みカメラ一覧を取得する
func (m *DefaultCameraManager) GetCameras() []Camera {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cameras := make([]Camera, 0, len(m.cameras))
	for _, camera := range m.cameras {
		cameras = append(cameras, *camera)
	}

	return cameras
}

// GetCamera は指定されたIDのカメラを取得する
func (m *DefaultCameraManager) GetCamera(id string) (*Camera, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	camera, exists := m.cameras[id]
	if !exists {
		return nil, false
	}

	// コピーを返す
	result := *camera
	return &result, true
}

// ProbeCameras は全カメラのソースを確認して状態を更新する
func (m *DefaultCameraManager) ProbeCameras(ctx context.Context) {
	if m.prober == nil {
		return
	}

	// 確認中はロックを保持しない
	targets := m.GetCameras()
	for _, cam := range targets {
		if cam.Status == StatusInactive {
			continue
		}

		probeCtx := ctx
		var cancel context.CancelFunc
		if m.probeTimeout > 0 {
			probeCtx, cancel = context.WithTimeout(ctx, m.probeTimeout)
		}
		ok := m.prober.IsSourceAvailable(probeCtx, cam.SourceURL)
		if cancel != nil {
			cancel()
		}

		m.setProbeResult(cam.ID, ok)
	}
}

// setProbeResult は確認結果を反映する
func (m *DefaultCameraManager) setProbeResult(id string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cam, exists := m.cameras[id]
	if !exists || cam.Status == StatusInactive {
		return
	}

	prev := cam.Status
	if ok {
		cam.Status = StatusActive
		cam.LastSeen = time.Now()
	} else {
		cam.Status = StatusOffline
	}

	if prev != cam.Status {
		m.logger.Info("カメラの状態が変化しました", "device_id", id, "from", prev, "to", cam.Status)
	}
}

// backgroundProbe は定期的なソース確認を実行する
func (m *DefaultCameraManager) backgroundProbe(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeCameras(ctx)
		}
	}
}

var _ Manager = (*DefaultCameraManager)(nil)
