// Package payment は料金計算、決済事業者との連携、決済イベントの反映、
// ダウンロード権の発行と利用を扱う
//
// 決済イベントはイベントIDを一度だけ登録してから反映する。登録前の失敗は
// 事業者の再送に任せ、登録後の書き込みはマージ更新として再試行する。
package payment

import "context"

// LineItem は決済明細
type LineItem struct {
	Name   string
	Amount int
}

// CheckoutRequest は決済画面の作成要求
type CheckoutRequest struct {
	SessionID   string
	TenantID    string
	DeviceID    string
	CaptureKind string
	DurationSec int
	Email       string
	Currency    string
	Items       []LineItem
	Total       int
	SuccessURL  string
	CancelURL   string
}

// Checkout は作成された決済画面
type Checkout struct {
	ID  string
	URL string
}

// EventKind は決済イベントの意味
type EventKind string

const (
	EventPaid    EventKind = "paid"
	EventPending EventKind = "pending"
	EventFailed  EventKind = "failed"
	EventExpired EventKind = "expired"
	EventIgnored EventKind = "ignored"
)

// Event は署名検証済みの決済イベント
type Event struct {
	ID              string
	Type            string
	Kind            EventKind
	SessionID       string
	CheckoutID      string
	PaymentIntentID string
	Email           string
	ErrorMessage    string
}

// Processor は外部の決済事業者
type Processor interface {
	// CreateCheckout は決済画面を作成する
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)

	// ParseEvent は署名を検証してイベントを解釈する
	// 署名が不正なら errclass.ErrSignatureInvalid
	ParseEvent(payload []byte, signature string) (*Event, error)
}
