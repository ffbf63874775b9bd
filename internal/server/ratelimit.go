package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter はクライアントIPごとにトークンバケットで流量を制限する
type RateLimiter struct {
	limiters sync.Map // key → *limiterEntry
	r        rate.Limit
	burst    int
	stopCh   chan struct{}
	once     sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewRateLimiter は新しいRateLimiterを作成する
// rpm は1分あたりの回数。0以下なら制限しない
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	rl := &RateLimiter{r: r, burst: burst, stopCh: make(chan struct{})}
	if rl.Enabled() {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow は key からの要求を許可するかを返す
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}
	entry := rl.getOrCreate(key)
	entry.mu.Lock()
	entry.lastSeen = time.Now()
	entry.mu.Unlock()
	return entry.limiter.Allow()
}

// Enabled は制限が有効かを返す
func (rl *RateLimiter) Enabled() bool {
	return rl.r > 0
}

// Close は掃除ループを止める
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rl.r, rl.burst),
		lastSeen: time.Now(),
	}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanup(time.Now().Add(-10 * time.Minute))
		}
	}
}

func (rl *RateLimiter) cleanup(cutoff time.Time) {
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// rateLimit はセッション作成の連打を制限するミドルウェア
func (s *Server) rateLimit(c *gin.Context) {
	if !s.limiter.Allow(c.ClientIP()) {
		s.logger.Warn("リクエストを制限しました", "client_ip", c.ClientIP(), "path", c.FullPath())
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
			Error:   "rate_limited",
			Message: "しばらく時間をおいてから再度お試しください",
		})
		return
	}
	c.Next()
}
