package overlay

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"towncapture/internal/blob"
	"towncapture/internal/errclass"
	"towncapture/internal/logging"
	"towncapture/internal/session"
)

// AssetSource はオーバーレイ素材のメタデータ取得元
type AssetSource interface {
	GetOverlay(ctx context.Context, id string) (*session.OverlayAsset, error)
}

// Resolver は選択された素材をローカルファイルに取得して合成仕様を作る
// 素材は参照後に変更されないため、保存先パスをキーにキャッシュする
type Resolver struct {
	assets    AssetSource
	blobs     blob.Store
	dir       string
	logoWidth int
	padding   int
	logger    *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, string]
}

// NewResolver は新しいResolverを作成する
func NewResolver(assets AssetSource, blobs blob.Store, dir string, cacheSize, logoWidth, padding int, logger *slog.Logger) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("素材キャッシュディレクトリの作成に失敗: %w", err)
	}

	logger = logging.OrDefault(logger)
	cache, err := lru.NewWithEvict[string, string](cacheSize, func(ref, path string) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("キャッシュ素材の削除に失敗しました", "blob_ref", ref, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("素材キャッシュの作成に失敗: %w", err)
	}

	return &Resolver{
		assets:    assets,
		blobs:     blobs,
		dir:       dir,
		logoWidth: logoWidth,
		padding:   padding,
		logger:    logger,
		cache:     cache,
	}, nil
}

// Resolve は選択内容から合成仕様を作る。何も選ばれていなければ空のSpec
func (r *Resolver) Resolve(ctx context.Context, sel session.OverlaySelection) (Spec, error) {
	spec := Spec{
		LogoAnchor: ParseAnchor(sel.LogoPosition),
		LogoWidth:  r.logoWidth,
		Padding:    r.padding,
	}

	if sel.FrameID != "" {
		path, err := r.fetchAsset(ctx, sel.FrameID, session.OverlayFrame)
		if err != nil {
			return Spec{}, err
		}
		spec.FramePath = path
	}
	if sel.LogoID != "" {
		path, err := r.fetchAsset(ctx, sel.LogoID, session.OverlayLogo)
		if err != nil {
			return Spec{}, err
		}
		spec.LogoPath = path
	}
	return spec, nil
}

func (r *Resolver) fetchAsset(ctx context.Context, id string, kind session.OverlayKind) (string, error) {
	asset, err := r.assets.GetOverlay(ctx, id)
	if err != nil {
		return "", fmt.Errorf("オーバーレイ %s の取得に失敗: %w", id, err)
	}
	if asset.Kind != kind {
		return "", errclass.ErrInvalidArgument.WithMessagef("オーバーレイ %s は %s ではありません", id, kind)
	}
	return r.Fetch(ctx, asset.BlobRef)
}

// Fetch は保存先パスの素材をローカルに取得し、そのパスを返す
func (r *Resolver) Fetch(ctx context.Context, blobRef string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if path, ok := r.cache.Get(blobRef); ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		r.cache.Remove(blobRef)
	}

	sum := sha1.Sum([]byte(blobRef))
	ext := filepath.Ext(blobRef)
	if ext == "" {
		ext = ".png"
	}
	path := filepath.Join(r.dir, hex.EncodeToString(sum[:])+ext)

	if err := blob.DownloadFile(ctx, r.blobs, blobRef, path); err != nil {
		return "", fmt.Errorf("オーバーレイ素材のダウンロードに失敗: %w", err)
	}
	r.cache.Add(blobRef, path)
	r.logger.Debug("オーバーレイ素材を取得しました", "blob_ref", blobRef, "path", path)
	return path, nil
}

// Cached はキャッシュ済みの素材数を返す
func (r *Resolver) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
