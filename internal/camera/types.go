package camera

import (
	"context"
	"time"
)

// Status はカメラの受付状態を表す
type Status string

const (
	StatusActive   Status = "active"   // 受付可能
	StatusOffline  Status = "offline"  // ソースに到達できない
	StatusInactive Status = "inactive" // 契約停止中
)

// Camera はキオスクとして登録されたカメラ
type Camera struct {
	ID        string    // カメラの一意識別子
	Name      string    // カメラの表示名
	TenantID  string    // 所有テナント
	SourceURL string    // 取り込みURL
	Status    Status    // 現在の状態
	LastSeen  time.Time // 最後にソースを確認できた時刻
}

// Available は受付可能かを返す
func (c Camera) Available() bool {
	return c.Status == StatusActive
}

// Manager はカメラ一覧と死活状態を管理するインターフェース
type Manager interface {
	// Start は死活監視を開始する
	Start(ctx context.Context) error

	// Stop は死活監視を停止する
	Stop(ctx context.Context) error

	// GetCameras は登録済みカメラ一覧を取得する
	GetCameras() []Camera

	// GetCamera は指定されたIDのカメラを取得する
	GetCamera(id string) (*Camera, bool)

	// ProbeCameras は全カメラのソースを一度だけ確認する
	ProbeCameras(ctx context.Context)
}

// Prober は取り込みソースへの到達性を確認する
type Prober interface {
	IsSourceAvailable(ctx context.Context, sourceURL string) bool
}
