package camera

import (
	"context"
	"os/exec"
	"strings"
	"sync"
)

// FFprobeProber はffprobeで映像ストリームの有無を確認する
type FFprobeProber struct {
	binary string
}

// NewFFprobeProber は新しいFFprobeProberを作成する
func NewFFprobeProber(binary string) *FFprobeProber {
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFprobeProber{binary: binary}
}

// IsSourceAvailable はソースから映像ストリームを取得できるか確認する
func (p *FFprobeProber) IsSourceAvailable(ctx context.Context, sourceURL string) bool {
	args := []string{"-v", "error"}
	if strings.HasPrefix(sourceURL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		sourceURL,
	)

	output, err := exec.CommandContext(ctx, p.binary, args...).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(output), "video")
}

// MockProber はテスト用のモックProber実装
type MockProber struct {
	mu          sync.Mutex
	unreachable map[string]bool
	calls       int
}

// NewMockProber は全ソースに到達可能なMockProberを作成する
func NewMockProber() *MockProber {
	return &MockProber{unreachable: make(map[string]bool)}
}

// IsSourceAvailable は到達不能に設定されていなければtrueを返す
func (m *MockProber) IsSourceAvailable(_ context.Context, sourceURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return !m.unreachable[sourceURL]
}

// SetUnreachable はテスト用にソースの到達可否を設定する
func (m *MockProber) SetUnreachable(sourceURL string, unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable[sourceURL] = unreachable
}

// Calls は確認の呼び出し回数を返す
func (m *MockProber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
