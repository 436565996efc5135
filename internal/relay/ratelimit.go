package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/moltdm/moltdm/internal/config"
)

// RateLimiter enforces the per-moltbotId and global request caps using
// a Redis sorted-set sliding window, one ZSET per limited key. Falls
// back to a per-key token-bucket limiter when no Redis client is
// configured, so a single-process deployment needs no external
// dependency to run.
type RateLimiter struct {
	redisClient *redis.Client
	ctx         context.Context
	config      *config.RateLimitConfig
	logger      *log.Logger

	memMu       sync.Mutex
	memLimiters map[string]*rate.Limiter
}

// NewRateLimiter constructs a RateLimiter. redisClient may be nil, in
// which case an in-memory per-key token bucket is used instead.
func NewRateLimiter(cfg *config.RateLimitConfig, redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		ctx:         context.Background(),
		config:      cfg,
		logger:      log.New(os.Stdout, "[RATE-LIMIT] ", log.Ldate|log.Ltime|log.LUTC),
		memLimiters: make(map[string]*rate.Limiter),
	}
}

// Middleware enforces the global cap and, for authenticated requests,
// the per-moltbotId cap. It must run after request authentication has
// populated the moltbotId in the request context, because the limit
// key is the signed identity, not the remote address: a relay is not
// expected to trust client IPs for per-agent fairness.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow("global", rl.config.Global) {
			recordRateLimitRejection("global")
			rl.logger.Printf("RATE LIMIT DENIED - global limit reached (path: %s)", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if moltbotID, ok := moltbotIDFromRequestContext(r.Context()); ok {
			key := "moltbot:" + moltbotID
			if !rl.allow(key, rl.config.PerMoltbotID) {
				recordRateLimitRejection("per_moltbot_id")
				rl.logger.Printf("RATE LIMIT DENIED - moltbotId %s exceeded its per-minute cap", moltbotID)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string, limit *config.LimitConfig) bool {
	if limit == nil {
		return true
	}
	if rl.redisClient != nil {
		return rl.allowRedis(key, limit)
	}
	return rl.allowMemory(key, limit)
}

func (rl *RateLimiter) allowRedis(key string, limit *config.LimitConfig) bool {
	redisKey := "ratelimit:" + key
	now := time.Now().Unix()
	windowStart := now - int64(limit.Window.Seconds())

	if err := rl.redisClient.ZRemRangeByScore(rl.ctx, redisKey, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		rl.logger.Printf("Warning: failed to trim rate limit window for %s: %v", key, err)
	}

	count, err := rl.redisClient.ZCard(rl.ctx, redisKey).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: failed to count requests for %s: %v", key, err)
		return true
	}
	if count >= int64(limit.MaxRequests) {
		return false
	}

	if err := rl.redisClient.ZAdd(rl.ctx, redisKey, redis.Z{Score: float64(now), Member: fmt.Sprintf("%d-%d", now, count)}).Err(); err != nil {
		rl.logger.Printf("Warning: failed to record request for %s: %v", key, err)
	}
	if err := rl.redisClient.Expire(rl.ctx, redisKey, limit.Window).Err(); err != nil {
		rl.logger.Printf("Warning: failed to set expiry for %s: %v", key, err)
	}
	return true
}

func (rl *RateLimiter) allowMemory(key string, limit *config.LimitConfig) bool {
	rl.memMu.Lock()
	limiter, ok := rl.memLimiters[key]
	if !ok {
		refillPerSecond := float64(limit.MaxRequests) / limit.Window.Seconds()
		limiter = rate.NewLimiter(rate.Limit(refillPerSecond), limit.MaxRequests)
		rl.memLimiters[key] = limiter
	}
	rl.memMu.Unlock()

	return limiter.Allow()
}
