// Package capture はカメラ映像から写真またはクリップを撮影し、
// 原本と透かし入りプレビューを保存する
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"towncapture/internal/blob"
	"towncapture/internal/errclass"
	"towncapture/internal/logging"
	"towncapture/internal/media"
	"towncapture/internal/overlay"
	"towncapture/internal/session"
)

// 保存先の接頭辞
const (
	OriginalPrefix = "capturesOriginal"
	PreviewPrefix  = "capturesPreview"
)

// Options はCompositorの設定
type Options struct {
	WorkDir         string
	Timeout         time.Duration
	PreviewMaxWidth int
	PreviewText     string
}

// Request は撮影要求
type Request struct {
	SessionID   string
	TenantID    string
	DeviceID    string
	SourceURL   string
	Kind        session.CaptureKind
	DurationSec int
	Overlay     overlay.Spec
}

// Result は保存した成果物
type Result struct {
	OriginalRef string
	PreviewRef  string
	ContentType string
	Extension   string
}

// Compositor は撮影と合成を行う
type Compositor struct {
	runner media.Runner
	blobs  blob.Store
	opts   Options
	logger *slog.Logger
}

// NewCompositor は新しいCompositorを作成する
func NewCompositor(runner media.Runner, blobs blob.Store, opts Options, logger *slog.Logger) *Compositor {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.PreviewMaxWidth <= 0 {
		opts.PreviewMaxWidth = 900
	}
	if opts.PreviewText == "" {
		opts.PreviewText = "PREVIEW - NOT PAID"
	}
	return &Compositor{
		runner: runner,
		blobs:  blobs,
		opts:   opts,
		logger: logging.OrDefault(logger),
	}
}

// Acquire は撮影し、原本とプレビューをアップロードする
// どちらかのアップロードに失敗した場合はもう一方も削除し、参照を返さない
func (c *Compositor) Acquire(ctx context.Context, req Request) (*Result, error) {
	if req.SourceURL == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("ソースURLが空です")
	}

	if err := os.MkdirAll(c.opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("作業ディレクトリの作成に失敗: %w", err)
	}
	dir, err := os.MkdirTemp(c.opts.WorkDir, "capture-")
	if err != nil {
		return nil, fmt.Errorf("作業ディレクトリの作成に失敗: %w", err)
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	ext, contentType := ".jpg", "image/jpeg"
	if req.Kind == session.KindClip {
		ext, contentType = ".mp4", "video/mp4"
	}
	originalPath := filepath.Join(dir, "original"+ext)
	previewPath := filepath.Join(dir, "preview"+ext)

	start := time.Now()
	var args []string
	if req.Kind == session.KindClip {
		args = ClipArgs(req.SourceURL, req.Overlay, session.CoerceDuration(req.Kind, req.DurationSec), originalPath)
	} else {
		args = PhotoArgs(req.SourceURL, req.Overlay, originalPath)
	}
	if err := c.runner.Run(ctx, args); err != nil {
		return nil, fmt.Errorf("撮影に失敗: %w", err)
	}
	if err := requireOutput(originalPath); err != nil {
		return nil, err
	}

	if req.Kind == session.KindClip {
		err = c.runner.Run(ctx, ClipPreviewArgs(originalPath, c.opts.PreviewMaxWidth, c.opts.PreviewText, previewPath))
	} else {
		err = WatermarkPhoto(originalPath, previewPath, c.opts.PreviewMaxWidth, c.opts.PreviewText)
	}
	if err != nil {
		return nil, fmt.Errorf("プレビューの生成に失敗: %w", err)
	}
	if err := requireOutput(previewPath); err != nil {
		return nil, err
	}

	// 試行ごとに別のキーへ書き込む
	name := req.SessionID + "-" + uuid.NewString()[:8] + ext
	res := &Result{
		OriginalRef: path.Join(OriginalPrefix, req.TenantID, req.DeviceID, name),
		PreviewRef:  path.Join(PreviewPrefix, req.TenantID, req.DeviceID, name),
		ContentType: contentType,
		Extension:   ext,
	}

	if err := blob.UploadFile(ctx, c.blobs, res.OriginalRef, originalPath, contentType); err != nil {
		return nil, errclass.ErrUpstreamUnavailable.WithMessagef("原本の保存に失敗: %v", err)
	}
	if err := blob.UploadFile(ctx, c.blobs, res.PreviewRef, previewPath, contentType); err != nil {
		if delErr := c.blobs.Delete(context.WithoutCancel(ctx), res.OriginalRef); delErr != nil {
			c.logger.Warn("原本の後始末に失敗しました", "key", res.OriginalRef, "error", delErr)
		}
		return nil, errclass.ErrUpstreamUnavailable.WithMessagef("プレビューの保存に失敗: %v", err)
	}

	c.logger.Info("撮影が完了しました",
		"session_id", req.SessionID,
		"device_id", req.DeviceID,
		"kind", req.Kind,
		"duration", req.DurationSec,
		"overlay", !req.Overlay.Empty(),
		"elapsed", time.Since(start),
	)
	return res, nil
}

func requireOutput(p string) error {
	info, err := os.Stat(p)
	if err != nil || info.Size() == 0 {
		return errclass.ErrSubprocessFailure.WithMessagef("出力ファイルがありません: %s", filepath.Base(p))
	}
	return nil
}

func sourceArgs(sourceURL string, spec overlay.Spec) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if strings.HasPrefix(sourceURL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", sourceURL)
	args = append(args, spec.InputArgs()...)
	args = append(args, spec.FilterArgs()...)
	return args
}

// PhotoArgs は1フレームを撮影するffmpeg引数を返す
func PhotoArgs(sourceURL string, spec overlay.Spec, out string) []string {
	args := sourceArgs(sourceURL, spec)
	return append(args, "-frames:v", "1", "-q:v", "2", out)
}

// ClipArgs は指定秒数を録画するffmpeg引数を返す
func ClipArgs(sourceURL string, spec overlay.Spec, seconds int, out string) []string {
	args := sourceArgs(sourceURL, spec)
	return append(args,
		"-t", strconv.Itoa(seconds),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-an",
		out,
	)
}

// ClipPreviewArgs は縮小と透かしを入れたプレビュー動画のffmpeg引数を返す
func ClipPreviewArgs(in string, maxWidth int, text, out string) []string {
	vf := fmt.Sprintf(
		"scale='min(%d,iw)':-2,drawtext=text='%s':fontcolor=white@0.7:fontsize=h/12:"+
			"x=(w-text_w)/2:y=(h-text_h)/2:box=1:boxcolor=black@0.4:boxborderw=12",
		maxWidth, escapeDrawtext(text))
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-vf", vf,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "30",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-an",
		out,
	}
}

func escapeDrawtext(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}
