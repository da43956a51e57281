// Package ratelimit provides token-bucket rate limiting middleware.
//
// The server runs two limiters: a general one keyed by client IP (or API
// key once authenticated) and a tight one keyed by user on step-up
// verification, which bounds code guessing.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustbank/internal/metrics"
)

// Config configures a limiter.
type Config struct {
	// Scope labels the limiter in metrics, e.g. "api" or "stepup".
	Scope string
	// RequestsPerMinute is the sustained rate per key.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle keys are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig is the general API limit.
func DefaultConfig() Config {
	return Config{
		Scope:             "api",
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// StepUpConfig limits verification attempts per user.
func StepUpConfig() Config {
	return Config{
		Scope:             "stepup",
		RequestsPerMinute: 5,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc derives the bucket key for a request. An empty key skips limiting.
type KeyFunc func(c *gin.Context) string

// ByClient keys on the API key prefix when present, else the client IP.
func ByClient(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return "auth:" + h[:min(20, len(h))]
	}
	return "ip:" + c.ClientIP()
}

// ByContextKey keys on a value set by earlier middleware (the user ID).
func ByContextKey(name string) KeyFunc {
	return func(c *gin.Context) string {
		return c.GetString(name)
	}
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// Limiter tracks token buckets by key.
type Limiter struct {
	cfg  Config
	now  func() time.Time
	mu   sync.Mutex
	keys map[string]*bucket
	stop chan struct{}
	once sync.Once
}

// New creates a limiter and starts its cleanup loop. Call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]*bucket),
		stop: make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock overrides the time source (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

// Stop ends the cleanup loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) rate() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			// A bucket idle this long has refilled completely.
			cutoff := l.now().Add(-2 * l.refillTime())
			for k, b := range l.keys {
				if b.lastCheck.Before(cutoff) {
					delete(l.keys, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) refillTime() time.Duration {
	r := l.rate()
	if r <= 0 {
		return time.Minute
	}
	return time.Duration(float64(l.cfg.BurstSize) / r * float64(time.Second))
}

// Allow takes a token for key. When none is left it returns false and the
// wait until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.keys[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastCheck: now}
		l.keys[key] = b
	}

	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.lastCheck).Seconds()*l.rate())
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate() <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - b.tokens) / l.rate() * float64(time.Second))
	return false, wait
}

// Middleware limits requests by key.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}
		ok, wait := l.Allow(k)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			metrics.RateLimitedTotal.WithLabelValues(l.cfg.Scope).Inc()
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"message":    "Too many requests. Please slow down.",
				"retryAfter": secs,
			})
			return
		}
		c.Next()
	}
}
