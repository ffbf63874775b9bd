package devicelock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManager_AcquireRelease(t *testing.T) {
	m := NewManager(time.Minute)

	require.True(t, m.Acquire("d1", "s1"))
	assert.False(t, m.Acquire("d1", "s2"), "保持中のロックは取得できない")
	assert.True(t, m.IsHeldBy("d1", "s1"))
	assert.False(t, m.IsHeldBy("d1", "s2"))

	// 他のカメラは独立
	assert.True(t, m.Acquire("d2", "s3"))

	m.Release("d1")
	assert.False(t, m.IsHeldBy("d1", "s1"))
	assert.True(t, m.Acquire("d1", "s2"))

	// 未保持の解放はエラーにならない
	m.Release("unknown")
}

func TestManager_ReleaseIfHeldBy(t *testing.T) {
	m := NewManager(time.Minute)
	require.True(t, m.Acquire("d1", "s1"))

	assert.False(t, m.ReleaseIfHeldBy("d1", "s2"))
	assert.True(t, m.IsHeldBy("d1", "s1"))
	assert.True(t, m.ReleaseIfHeldBy("d1", "s1"))
	_, held := m.Get("d1")
	assert.False(t, held)
}

func TestManager_ConcurrentAcquire(t *testing.T) {
	m := NewManager(time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.Acquire("d1", fmt.Sprintf("s%d", i)) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "同時取得で成功するのは1つだけ")
}

func TestManager_SweepStaleLock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	m := NewManager(2*time.Minute, WithClock(clock.Now))

	require.True(t, m.Acquire("d1", "s1"))
	clock.Advance(time.Minute)
	require.True(t, m.Acquire("d2", "s2"))

	// TTL未満は残る
	assert.Empty(t, m.Sweep())

	clock.Advance(90 * time.Second)
	// 古いロックはSweepまで保持されたまま
	assert.False(t, m.Acquire("d1", "s9"))

	assert.Equal(t, []string{"d1"}, m.Sweep())
	assert.True(t, m.Acquire("d1", "s9"), "Sweep後は再取得できる")
	assert.True(t, m.IsHeldBy("d2", "s2"))
}

func TestManager_BackgroundSweep(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewManager(time.Second, WithClock(clock.Now))
	require.True(t, m.Acquire("d1", "s1"))
	clock.Advance(2 * time.Second)

	m.Start(context.Background(), 5*time.Millisecond)
	defer m.Stop()

	assert.Eventually(t, func() bool {
		_, held := m.Get("d1")
		return !held
	}, time.Second, 5*time.Millisecond)
}
