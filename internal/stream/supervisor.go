// Package stream はカメラごとのライブプレビュー（HLS）プロセスを管理する
//
// プロセス表はキーごとに高々1つのプロセスを保持する。再起動要求では
// 旧プロセスの終了を待ってから新しいプロセスを起動する。
package stream

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"towncapture/internal/logging"
	"towncapture/internal/media"
	"towncapture/internal/overlay"
)

// Key はプロセス表のキー
type Key struct {
	TenantID string
	DeviceID string
}

// String はファイル名にも使えるキー文字列を返す
func (k Key) String() string {
	return sanitize(k.TenantID) + "_" + sanitize(k.DeviceID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, s)
}

// Table はプロセス表。Supervisorだけが変更する
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable は空のプロセス表を作成する
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Len は登録中のプロセス数を返す
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Has はキーのプロセスが登録されているかを返す
func (t *Table) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

type entry struct {
	proc      media.Process
	playlist  string
	startedAt time.Time
}

// Options はSupervisorの設定
type Options struct {
	OutputDir    string
	StopGrace    time.Duration
	KillWait     time.Duration
	RestartDelay time.Duration
}

// Supervisor はライブプレビュープロセスの監督役
type Supervisor struct {
	runner media.Runner
	table  *Table
	opts   Options
	logger *slog.Logger

	// 同一キーの起動・停止を直列化する
	keyMu sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSupervisor は新しいSupervisorを作成する
func NewSupervisor(runner media.Runner, table *Table, opts Options, logger *slog.Logger) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = time.Second
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 2 * time.Second
	}
	return &Supervisor{
		runner: runner,
		table:  table,
		opts:   opts,
		logger: logging.OrDefault(logger),
		locks:  make(map[string]*sync.Mutex),
	}
}

// PlaylistName はキーに対応するプレイリストのファイル名を返す
func PlaylistName(key Key) string {
	return key.String() + ".m3u8"
}

// Start はライブプレビューを起動し、プレイリストのファイル名を返す
// 起動済みで force でなければ既存のものを返す
func (s *Supervisor) Start(key Key, sourceURL string, spec overlay.Spec, force bool) (string, error) {
	k := key.String()
	l := s.keyLock(k)
	l.Lock()
	defer l.Unlock()

	if e, ok := s.get(k); ok {
		if !force {
			return e.playlist, nil
		}
		s.stopEntry(k, e)
		if s.opts.RestartDelay > 0 {
			time.Sleep(s.opts.RestartDelay)
		}
	}

	if err := os.MkdirAll(s.opts.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("HLS出力先の作成に失敗: %w", err)
	}
	s.removeOutputs(k)

	playlist := PlaylistName(key)
	args := BuildArgs(sourceURL, spec, filepath.Join(s.opts.OutputDir, k))

	proc, err := s.runner.Start(args)
	if err != nil {
		return "", fmt.Errorf("ライブプレビューの起動に失敗: %w", err)
	}

	e := &entry{proc: proc, playlist: playlist, startedAt: time.Now()}
	s.table.mu.Lock()
	s.table.entries[k] = e
	s.table.mu.Unlock()

	go s.watch(k, e)

	s.logger.Info("ライブプレビューを開始しました",
		"key", k,
		"pid", proc.PID(),
		"overlay", !spec.Empty(),
		"force", force,
	)
	return playlist, nil
}

// Stop はライブプレビューを停止する。起動していなければ何もしない
func (s *Supervisor) Stop(key Key) {
	k := key.String()
	l := s.keyLock(k)
	l.Lock()
	defer l.Unlock()

	if e, ok := s.get(k); ok {
		s.stopEntry(k, e)
	}
}

// Running はキーのプロセスが動作中かを返す
func (s *Supervisor) Running(key Key) bool {
	return s.table.Has(key.String())
}

// StopAll は全プロセスを停止する
func (s *Supervisor) StopAll() {
	s.table.mu.Lock()
	keys := make([]string, 0, len(s.table.entries))
	for k := range s.table.entries {
		keys = append(keys, k)
	}
	s.table.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			l := s.keyLock(k)
			l.Lock()
			defer l.Unlock()
			if e, ok := s.get(k); ok {
				s.stopEntry(k, e)
			}
		}(k)
	}
	wg.Wait()
}

func (s *Supervisor) get(k string) (*entry, bool) {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	e, ok := s.table.entries[k]
	return e, ok
}

// stopEntry は正常終了を要求し、応答がなければ強制終了する
func (s *Supervisor) stopEntry(k string, e *entry) {
	if !media.Terminate(e.proc, s.opts.StopGrace, s.opts.KillWait) {
		s.logger.Error("ライブプレビューが終了しません。表から除外します", "key", k, "pid", e.proc.PID())
	}
	s.remove(k, e)
}

// watch は終了コードに関わらずプロセス終了時に表から除外する
func (s *Supervisor) watch(k string, e *entry) {
	<-e.proc.Done()
	if s.remove(k, e) {
		s.logger.Warn("ライブプレビューが終了しました",
			"key", k,
			"error", e.proc.Err(),
			"uptime", time.Since(e.startedAt),
		)
	}
}

// remove は登録中のエントリが e と同じ場合のみ削除する
func (s *Supervisor) remove(k string, e *entry) bool {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if cur, ok := s.table.entries[k]; ok && cur == e {
		delete(s.table.entries, k)
		return true
	}
	return false
}

func (s *Supervisor) keyLock(k string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

// removeOutputs は前回のプレイリストとセグメントを削除する
func (s *Supervisor) removeOutputs(k string) {
	matches, err := filepath.Glob(filepath.Join(s.opts.OutputDir, k+"*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		base := filepath.Base(m)
		if base != k+".m3u8" && !strings.HasPrefix(base, k+"_") {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("古いHLSファイルの削除に失敗しました", "path", m, "error", err)
		}
	}
}

// BuildArgs はライブプレビュー用のffmpeg引数を組み立てる
// outputBase は拡張子なしの出力パス
func BuildArgs(sourceURL string, spec overlay.Spec, outputBase string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(sourceURL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", sourceURL,
	)
	args = append(args, spec.InputArgs()...)
	args = append(args, spec.FilterArgs()...)
	args = append(args,
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", "30",
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", "1",
		"-hls_list_size", "4",
		"-hls_flags", "delete_segments+omit_endlist",
		"-hls_segment_filename", outputBase+"_%03d.ts",
		outputBase+".m3u8",
	)
	return args
}
