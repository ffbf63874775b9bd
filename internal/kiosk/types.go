package kiosk

import (
	"context"
	"time"

	"towncapture/internal/camera"
	"towncapture/internal/capture"
	"towncapture/internal/overlay"
	"towncapture/internal/session"
	"towncapture/internal/stream"
)

// Devices はカメラ一覧の参照先
type Devices interface {
	GetCamera(id string) (*camera.Camera, bool)
}

// Streamer はライブプレビューの起動と停止を行う
type Streamer interface {
	Start(key stream.Key, sourceURL string, spec overlay.Spec, force bool) (string, error)
	Stop(key stream.Key)
	Running(key stream.Key) bool
}

// Capturer は撮影と成果物の保存を行う
type Capturer interface {
	Acquire(ctx context.Context, req capture.Request) (*capture.Result, error)
}

// OverlayResolver は選択内容から合成仕様を作る
type OverlayResolver interface {
	Resolve(ctx context.Context, sel session.OverlaySelection) (overlay.Spec, error)
}

// ClaimResult はセッション開始の結果
type ClaimResult struct {
	SessionID     string    `json:"sessionId"`
	SessionSecret string    `json:"sessionSecret"`
	DeviceID      string    `json:"cameraId"`
	LiveExpiresAt time.Time `json:"liveExpiresAt"`
}

// Preview はライブプレビューの配信先
type Preview struct {
	PlaylistURL string `json:"playlistUrl"`
}

// CaptureRequest は撮影要求。FrameID/LogoID がnilなら現在の選択を使う
type CaptureRequest struct {
	Kind        string  `json:"type"`
	DurationSec int     `json:"durationSec"`
	FrameID     *string `json:"frameId"`
	LogoID      *string `json:"logoId"`
}

// CaptureResult は撮影結果
type CaptureResult struct {
	Phase       session.Phase       `json:"phase"`
	Kind        session.CaptureKind `json:"captureType"`
	DurationSec int                 `json:"durationSec"`
	PreviewURL  string              `json:"previewUrl"`
}

// Status はセッションの状態
type Status struct {
	SessionID     string                   `json:"sessionId"`
	DeviceID      string                   `json:"cameraId"`
	Phase         session.Phase            `json:"phase"`
	PaymentPhase  session.PaymentPhase     `json:"paymentPhase"`
	Paid          bool                     `json:"paid"`
	Streaming     bool                     `json:"streaming"`
	CaptureKind   session.CaptureKind      `json:"captureType,omitempty"`
	DurationSec   int                      `json:"durationSec,omitempty"`
	PreviewURL    string                   `json:"previewUrl,omitempty"`
	Overlay       session.OverlaySelection `json:"overlay"`
	LiveExpiresAt time.Time                `json:"liveExpiresAt"`
	LastError     string                   `json:"lastError,omitempty"`
	// Scrubbed は掃除で成果物が削除済みであることを示す
	Scrubbed bool `json:"scrubbed,omitempty"`
}

// DeviceActivity はカメラの利用状況。セッションIDや秘密値は含めない
type DeviceActivity struct {
	DeviceID      string        `json:"cameraId"`
	Busy          bool          `json:"busy"`
	LastPhase     session.Phase `json:"lastPhase,omitempty"`
	LastSessionAt *time.Time    `json:"lastSessionAt,omitempty"`
}

// OverlayView は選択画面に表示するオーバーレイ素材
type OverlayView struct {
	ID         string              `json:"id"`
	Kind       session.OverlayKind `json:"kind"`
	FileName   string              `json:"fileName"`
	IsPaid     bool                `json:"isPaid"`
	Price      int                 `json:"price"`
	Position   string              `json:"position,omitempty"`
	PreviewURL string              `json:"previewUrl,omitempty"`
}
