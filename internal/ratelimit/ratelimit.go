package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var ErrLimited = errors.New("rate limit exceeded")

// Decision reports one Allow call. ResetAt is the end of the current window.
type Decision struct {
	Allowed bool
	Used    int64
	ResetAt time.Time
}

type Limiter interface {
	Allow(ctx context.Context, scope, key string, now time.Time) (Decision, error)
}

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RedisLimiter counts requests per key in fixed hourly windows, so several
// processes sharing one redis share one budget.
type RedisLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRedisLimiter(rdb *redis.Client, limit int64) *RedisLimiter {
	return &RedisLimiter{redis: rdb, limit: limit}
}

func (r *RedisLimiter) Allow(ctx context.Context, scope, key string, now time.Time) (Decision, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	redisKey := fmt.Sprintf("clawchat:ratelimit:%s:%s:%s", scope, key, windowStart.Format("2006010215"))
	used, err := incrWithTTLScript.Run(ctx, r.redis, []string{redisKey}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	return Decision{Allowed: used <= r.limit, Used: used, ResetAt: windowEnd}, nil
}

// DefaultMaxBuckets bounds how many keys a LocalLimiter tracks at once.
const DefaultMaxBuckets = 10000

// LocalLimiter is the in-process fallback when no redis is configured. Each
// key gets a token bucket refilled at limit per hour with a burst of limit.
// Once maxBuckets keys are tracked, refilled buckets are dropped; if none
// are, the oldest half is dropped.
type LocalLimiter struct {
	limit      int64
	maxBuckets int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	order   []string
}

func NewLocalLimiter(limit int64) *LocalLimiter {
	return &LocalLimiter{limit: limit, maxBuckets: DefaultMaxBuckets, buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(_ context.Context, scope, key string, now time.Time) (Decision, error) {
	id := scope + ":" + key
	l.mu.Lock()
	b, ok := l.buckets[id]
	if !ok {
		if len(l.buckets) >= l.maxBuckets {
			l.evict(now)
		}
		b = rate.NewLimiter(rate.Limit(float64(l.limit)/time.Hour.Seconds()), int(l.limit))
		l.buckets[id] = b
		l.order = append(l.order, id)
	}
	l.mu.Unlock()

	r := b.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, Used: l.limit + 1, ResetAt: now.Add(time.Hour)}, nil
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, Used: l.limit + 1, ResetAt: now.Add(delay)}, nil
	}
	used := l.limit - int64(b.TokensAt(now))
	return Decision{Allowed: true, Used: used, ResetAt: now.Add(time.Hour)}, nil
}

// evict must be called with mu held.
func (l *LocalLimiter) evict(now time.Time) {
	kept := l.order[:0]
	for _, id := range l.order {
		if l.buckets[id].TokensAt(now) >= float64(l.limit) {
			delete(l.buckets, id)
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	if len(l.buckets) < l.maxBuckets {
		return
	}
	drop := len(l.order) / 2
	for _, id := range l.order[:drop] {
		delete(l.buckets, id)
	}
	l.order = append([]string(nil), l.order[drop:]...)
}

// Unlimited allows everything. It stands in when a limit is configured as 0.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, string, time.Time) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// New picks the limiter for a per-hour budget: none for limit <= 0, redis
// when a client is given, the local bucket otherwise.
func New(rdb *redis.Client, limit int64) Limiter {
	switch {
	case limit <= 0:
		return Unlimited{}
	case rdb != nil:
		return NewRedisLimiter(rdb, limit)
	default:
		return NewLocalLimiter(limit)
	}
}
