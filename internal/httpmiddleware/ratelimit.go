package httpmiddleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"classattend/internal/auth"
)

// Limiter decides whether one more request for key fits the budget.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// RateLimit rejects requests over the limiter's budget. Authenticated
// callers are limited per principal, anonymous ones per client IP.
func RateLimit(l Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.Request.Context(), limitKey(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": http.StatusTooManyRequests, "message": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func limitKey(c *gin.Context) string {
	if caller, ok := auth.CallerFrom(c); ok {
		return caller.Role.String() + ":" + caller.ID
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// SimpleTokenBucket is an in-memory rate limiter for single-replica runs.
type SimpleTokenBucket struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
	now      func() time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity: capacity,
		rate:     perMinute,
		state:    make(map[string]*bucket),
		now:      time.Now,
	}
}

func (l *SimpleTokenBucket) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.state[key]
	now := l.now()
	if !ok {
		b = &bucket{tokens: l.capacity - 1, last: now}
		l.state[key] = b
		return true
	}
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// RedisWindow counts requests per key in fixed one-minute windows shared by
// every API replica. Redis errors fail open.
type RedisWindow struct {
	client    redis.UniversalClient
	prefix    string
	perMinute int
	log       *zap.Logger
	now       func() time.Time
}

func NewRedisWindow(client redis.UniversalClient, prefix string, perMinute int, log *zap.Logger) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix, perMinute: perMinute, log: log, now: time.Now}
}

func (l *RedisWindow) Allow(ctx context.Context, key string) bool {
	minute := l.now().Unix() / 60
	k := l.prefix + ":" + key + ":" + strconv.FormatInt(minute, 10)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
		return true
	}
	return incr.Val() <= int64(l.perMinute)
}
