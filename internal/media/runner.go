// Package media はffmpegサブプロセスの起動と停止を扱う
//
// 一度きりの処理（撮影、プレビュー生成）は Run、長時間動くライブ配信は
// Start で起動し、返された Process を通じて停止する。
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"towncapture/internal/errclass"
	"towncapture/internal/logging"
)

// Process は起動中のサブプロセス
type Process interface {
	// PID はプロセスIDを返す
	PID() int

	// Done は終了時にcloseされる
	Done() <-chan struct{}

	// Err は終了理由を返す。Done前はnil
	Err() error

	// Interrupt は正常終了を要求する（標準入力に"q"、SIGTERM）
	Interrupt() error

	// Kill は強制終了する
	Kill() error
}

// Runner はffmpegの実行手段
type Runner interface {
	// Run は終了まで待つ。失敗時は標準エラーの末尾を含む ErrSubprocessFailure
	Run(ctx context.Context, args []string) error

	// Start は長時間プロセスを起動する
	Start(args []string) (Process, error)
}

// FFmpeg はffmpegバイナリを直接起動するRunner
type FFmpeg struct {
	binary string
	logger *slog.Logger
}

// NewFFmpeg は新しいFFmpegを作成する
func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{binary: binary, logger: logging.OrDefault(logger)}
}

// Run はffmpegを実行し終了まで待つ
func (f *FFmpeg) Run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.binary, args...)
	tail := newTailBuffer(8 * 1024)
	cmd.Stderr = tail
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		f.logger.Error("ffmpegの実行に失敗しました",
			"error", err,
			"elapsed", time.Since(start),
			"stderr_tail", tail.Tail(20),
		)
		return errclass.ErrSubprocessFailure.WithMessagef("ffmpeg: %v: %s", err, tail.Tail(5))
	}
	return nil
}

// Start はffmpegを起動し、終了を監視する
func (f *FFmpeg) Start(args []string) (Process, error) {
	cmd := exec.Command(f.binary, args...)
	tail := newTailBuffer(8 * 1024)
	cmd.Stderr = tail
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdinパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errclass.ErrSubprocessFailure.WithMessagef("ffmpegの起動に失敗: %v", err)
	}

	p := &execProcess{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	go func() {
		waitErr := cmd.Wait()
		p.mu.Lock()
		p.err = waitErr
		p.mu.Unlock()
		close(p.done)

		if waitErr != nil {
			f.logger.Debug("ffmpegが終了しました",
				"pid", cmd.Process.Pid,
				"error", waitErr,
				"stderr_tail", tail.Tail(10),
			)
		}
	}()

	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Interrupt() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	// ffmpegは標準入力の"q"で出力を閉じて終了する
	_, _ = io.WriteString(p.stdin, "q\n")
	_ = p.stdin.Close()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		return fmt.Errorf("SIGTERMの送信に失敗: %w", err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		return fmt.Errorf("SIGKILLの送信に失敗: %w", err)
	}
	return nil
}

// Terminate は正常終了を要求し、grace 経過後に強制終了する
// 強制終了後も killWait 以内に終わらなければ false を返す
func Terminate(p Process, grace, killWait time.Duration) bool {
	_ = p.Interrupt()

	select {
	case <-p.Done():
		return true
	case <-time.After(grace):
	}

	_ = p.Kill()

	select {
	case <-p.Done():
		return true
	case <-time.After(killWait):
		return false
	}
}
