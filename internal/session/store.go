// Package session は撮影セッション、ダウンロード権、処理済み決済イベントの
// データモデルと、それらを保存するストアの契約を定義する。
//
// 書き込みは基本的に後勝ちのマージだが、決済イベントの登録と
// ダウンロード権の使用回数の加算だけは不可分に行う。
package session

import (
	"context"
	"time"
)

// Store はセッション関連レコードの保存先
type Store interface {
	// CreateSession はセッションを新規作成する
	CreateSession(ctx context.Context, s *Session) error

	// GetSession はセッションを取得する。無ければ errclass.ErrNotFound
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession は読み込み・変更・書き込みを行う
	// fn がエラーを返した場合は何も書き込まずそのエラーを返す
	UpdateSession(ctx context.Context, id string, fn func(s *Session) error) (*Session, error)

	// FindSessionByCheckout は決済IDからセッションを探す
	FindSessionByCheckout(ctx context.Context, checkoutID string) (*Session, error)

	// LatestSessionForDevice はカメラの最新セッションを返す
	LatestSessionForDevice(ctx context.Context, deviceID string) (*Session, error)

	// ListExpired は deleteAfter を過ぎた指定状態のセッションを返す
	ListExpired(ctx context.Context, now time.Time, phases []Phase, limit int) ([]*Session, error)

	// CreateGrant はダウンロード権を作成する
	CreateGrant(ctx context.Context, g *Grant) error

	// GetGrant はダウンロード権を取得する。無ければ errclass.ErrNotFound
	GetGrant(ctx context.Context, token string) (*Grant, error)

	// AtomicUpdateGrantIf はダウンロード権と対応セッションを読み、
	// check が nil を返した場合のみ mutate を適用して書き込む。全体が不可分に実行される
	AtomicUpdateGrantIf(ctx context.Context, token string, check func(g *Grant, s *Session) error, mutate func(g *Grant)) (*Grant, error)

	// ClaimEvent は決済イベントIDを一度だけ登録する。既に登録済みならfalse
	ClaimEvent(ctx context.Context, ev ProcessedEvent) (bool, error)

	// ReleaseEvent は登録済みのイベントIDを取り消す。無くてもエラーにしない
	ReleaseEvent(ctx context.Context, id string) error

	// ListOverlays はテナントのオーバーレイ素材一覧を返す
	ListOverlays(ctx context.Context, tenantID string) ([]OverlayAsset, error)

	// GetOverlay はオーバーレイ素材を取得する。無ければ errclass.ErrNotFound
	GetOverlay(ctx context.Context, id string) (*OverlayAsset, error)

	// GetPricing はテナントの料金設定を返す。未設定ならnil
	GetPricing(ctx context.Context, tenantID string) (*TenantPricing, error)
}
