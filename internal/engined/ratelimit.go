package engined

import (
	"context"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Limit is a token bucket rate: Rate tokens per second up to Burst.
type Limit struct {
	Rate  float64
	Burst int
}

// DefaultLimits are applied per EngineService method.
var DefaultLimits = map[string]Limit{
	// Enrollment writes executions and may fan out to many sequences.
	MethodEnroll: {Rate: 20, Burst: 50},

	MethodPause:  {Rate: 20, Burst: 40},
	MethodResume: {Rate: 20, Burst: 40},
	MethodCancel: {Rate: 20, Burst: 40},

	MethodListLeadExecutions: {Rate: 100, Burst: 200},
	MethodGetHistory:         {Rate: 100, Burst: 200},
	MethodGetStats:           {Rate: 1000, Burst: 1000},
}

type bucket struct {
	limit   Limit
	tokens  float64
	updated time.Time
	total   int64
	denied  int64
}

func newBucket(limit Limit, now time.Time) *bucket {
	return &bucket{limit: limit, tokens: float64(limit.Burst), updated: now}
}

// refill must be called with the limiter lock held.
func (b *bucket) refill(now time.Time) {
	b.tokens += now.Sub(b.updated).Seconds() * b.limit.Rate
	if burst := float64(b.limit.Burst); b.tokens > burst {
		b.tokens = burst
	}
	b.updated = now
}

func (b *bucket) take(now time.Time) bool {
	b.total++
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	b.denied++
	return false
}

// RateLimiter holds one token bucket per method, plus an optional global
// bucket consulted first.
type RateLimiter struct {
	mu      sync.Mutex
	enabled bool
	limits  map[string]Limit
	buckets map[string]*bucket
	global  *bucket
	now     func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithLimits overrides or adds per-method limits.
func WithLimits(limits map[string]Limit) RateLimiterOption {
	return func(rl *RateLimiter) {
		for method, limit := range limits {
			rl.limits[method] = limit
		}
	}
}

// WithGlobalLimit caps the total request rate across methods.
func WithGlobalLimit(limit Limit) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.global = newBucket(limit, rl.now())
	}
}

// WithEnabled turns limiting on or off.
func WithEnabled(enabled bool) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.enabled = enabled
	}
}

// WithRateClock overrides the time source.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter creates a limiter seeded with DefaultLimits.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		enabled: true,
		limits:  make(map[string]Limit, len(DefaultLimits)),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for method, limit := range DefaultLimits {
		rl.limits[method] = limit
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow reports whether a call to method may proceed, consuming a token.
// Methods without a limit are only subject to the global bucket.
func (rl *RateLimiter) Allow(method string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.enabled {
		return true
	}
	now := rl.now()
	if rl.global != nil && !rl.global.take(now) {
		return false
	}

	b, ok := rl.buckets[method]
	if !ok {
		limit, limited := rl.limits[method]
		if !limited {
			return true
		}
		b = newBucket(limit, now)
		rl.buckets[method] = b
	}
	return b.take(now)
}

// SetEnabled turns limiting on or off at runtime.
func (rl *RateLimiter) SetEnabled(enabled bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.enabled = enabled
}

// Enabled reports whether limiting is on.
func (rl *RateLimiter) Enabled() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.enabled
}

// MethodStats summarizes one bucket.
type MethodStats struct {
	Method    string  `json:"method"`
	Available float64 `json:"available"`
	Rate      float64 `json:"rate"`
	Burst     int     `json:"burst"`
	Total     int64   `json:"total"`
	Denied    int64   `json:"denied"`
}

// Stats returns per-method statistics sorted by method name.
func (rl *RateLimiter) Stats() []MethodStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make([]MethodStats, 0, len(rl.limits))
	for method, limit := range rl.limits {
		ms := MethodStats{Method: method, Rate: limit.Rate, Burst: limit.Burst, Available: float64(limit.Burst)}
		if b, ok := rl.buckets[method]; ok {
			b.refill(now)
			ms.Available, ms.Total, ms.Denied = b.tokens, b.total, b.denied
		}
		stats = append(stats, ms)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Method < stats[j].Method })
	return stats
}

// GlobalStats returns the global bucket's statistics, or nil when unset.
func (rl *RateLimiter) GlobalStats() *MethodStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.global == nil {
		return nil
	}
	rl.global.refill(rl.now())
	return &MethodStats{
		Method:    "global",
		Available: rl.global.tokens,
		Rate:      rl.global.limit.Rate,
		Burst:     rl.global.limit.Burst,
		Total:     rl.global.total,
		Denied:    rl.global.denied,
	}
}

// UnaryServerInterceptor rejects calls over the limit with ResourceExhausted.
func (rl *RateLimiter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !rl.Allow(info.FullMethod) {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for method %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}
