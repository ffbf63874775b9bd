// Package blob は成果物とオーバーレイ素材を保存するオブジェクトストレージ
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// URLOptions は署名付きURLの付加情報
type URLOptions struct {
	// DownloadName が空でなければ添付ファイルとしてダウンロードさせる
	DownloadName string
}

// Store はオブジェクトストレージの契約
type Store interface {
	// Upload はオブジェクトを保存する
	Upload(ctx context.Context, key string, r io.Reader, contentType string) error

	// Download はオブジェクトを w に書き出す
	Download(ctx context.Context, key string, w io.Writer) error

	// SignedURL は期限付きのURLを発行する
	SignedURL(ctx context.Context, key string, ttl time.Duration, opts URLOptions) (string, error)

	// Delete はオブジェクトを削除する。存在しなくてもエラーにしない
	Delete(ctx context.Context, key string) error
}

// UploadFile はローカルファイルをアップロードする
func UploadFile(ctx context.Context, store Store, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("アップロード元ファイルを開けません: %w", err)
	}
	defer f.Close()

	if err := store.Upload(ctx, key, f, contentType); err != nil {
		return fmt.Errorf("アップロードに失敗 (%s): %w", key, err)
	}
	return nil
}

// DownloadFile はオブジェクトをローカルファイルに保存する
func DownloadFile(ctx context.Context, store Store, key, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("保存先ファイルを作成できません: %w", err)
	}

	if err := store.Download(ctx, key, f); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("ダウンロードに失敗 (%s): %w", key, err)
	}
	return f.Close()
}
