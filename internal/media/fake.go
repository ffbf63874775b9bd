package media

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"strings"
	"sync"
)

// FakeRunner はテスト用のRunner実装
// Run は出力パス（最後の引数）に拡張子に応じたダミーファイルを書き出す
type FakeRunner struct {
	mu        sync.Mutex
	runs      [][]string
	starts    [][]string
	processes []*FakeProcess

	// RunFunc が設定されていればRunの動作を置き換える
	RunFunc func(ctx context.Context, args []string) error
	// StartErr が設定されていればStartは失敗する
	StartErr error
	// IgnoreInterrupt が真なら起動したプロセスはInterruptで終了しない
	IgnoreInterrupt bool
}

// NewFakeRunner は新しいFakeRunnerを作成する
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// Run は呼び出しを記録し、ダミー出力を作成する
func (f *FakeRunner) Run(ctx context.Context, args []string) error {
	f.mu.Lock()
	f.runs = append(f.runs, append([]string(nil), args...))
	fn := f.RunFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, args)
	}
	return WriteDummyOutput(args)
}

// Start は呼び出しを記録し、FakeProcessを返す
func (f *FakeRunner) Start(args []string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts = append(f.starts, append([]string(nil), args...))
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	p := NewFakeProcess(len(f.processes) + 1000)
	p.ignoreInterrupt = f.IgnoreInterrupt
	f.processes = append(f.processes, p)
	return p, nil
}

// Runs はRunの呼び出し引数を返す
func (f *FakeRunner) Runs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.runs...)
}

// Starts はStartの呼び出し引数を返す
func (f *FakeRunner) Starts() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.starts...)
}

// Processes は起動したプロセスを返す
func (f *FakeRunner) Processes() []*FakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeProcess(nil), f.processes...)
}

// WriteDummyOutput は引数の最後を出力パスとみなしてダミーを書き出す
func WriteDummyOutput(args []string) error {
	if len(args) == 0 {
		return nil
	}
	out := args[len(args)-1]
	switch {
	case strings.HasSuffix(out, ".jpg"), strings.HasSuffix(out, ".jpeg"):
		img := image.NewRGBA(image.Rect(0, 0, 320, 240))
		for y := 0; y < 240; y++ {
			for x := 0; x < 320; x++ {
				img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
			}
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	case strings.HasSuffix(out, ".mp4"):
		return os.WriteFile(out, []byte("fake-mp4"), 0o644)
	}
	return nil
}

// FakeProcess はテスト用のProcess実装
type FakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu              sync.Mutex
	interrupts      int
	kills           int
	ignoreInterrupt bool
	stuck           bool
	err             error
}

// NewFakeProcess は新しいFakeProcessを作成する
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *FakeProcess) PID() int              { return p.pid }
func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *FakeProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupts++
	ignore := p.ignoreInterrupt
	p.mu.Unlock()

	if !ignore {
		p.Exit(nil)
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	stuck := p.stuck
	p.mu.Unlock()

	if !stuck {
		p.Exit(context.Canceled)
	}
	return nil
}

// Exit はプロセスの終了を模擬する
func (p *FakeProcess) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// SetStuck は強制終了にも応答しないプロセスにする
func (p *FakeProcess) SetStuck(stuck bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stuck = stuck
}

// SetIgnoreInterrupt はInterruptで終了しないプロセスにする
func (p *FakeProcess) SetIgnoreInterrupt(ignore bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreInterrupt = ignore
}

// Counts はInterruptとKillの呼び出し回数を返す
func (p *FakeProcess) Counts() (interrupts, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts, p.kills
}

var (
	_ Runner  = (*FakeRunner)(nil)
	_ Process = (*FakeProcess)(nil)
)
