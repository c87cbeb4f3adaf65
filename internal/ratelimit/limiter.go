// Package ratelimit enforces per-IP limits on the credential endpoints
// and per-user limits on chat message submission. The store is Redis
// when available so limits hold across instances; otherwise local
// memory. Store failures fail open.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/chat"
	"github.com/M1PPosu/lazer-server-sub001/internal/config"
	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// Limiter bundles the configured rate limiters.
type Limiter struct {
	auth     *limiter.Limiter
	verify   *limiter.Limiter
	messages *limiter.Limiter
}

// New parses the configured rates ("count-PERIOD" format) and picks the
// backing store.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	authRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAuth)
	if err != nil {
		return nil, fmt.Errorf("invalid auth rate: %w", err)
	}
	verifyRate, err := limiter.NewRateFromFormatted(cfg.RateLimitVerify)
	if err != nil {
		return nil, fmt.Errorf("invalid verify rate: %w", err)
	}
	messagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid messages rate: %w", err)
	}

	var st limiter.Store
	if redisClient != nil {
		st, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("creating redis limiter store: %w", err)
		}
	} else {
		st = memory.NewStore()
	}

	return &Limiter{
		auth:     limiter.New(st, authRate),
		verify:   limiter.New(st, verifyRate),
		messages: limiter.New(st, messagesRate),
	}, nil
}

// Auth limits POST /oauth/token per client IP.
func (rl *Limiter) Auth() gin.HandlerFunc {
	return rl.byIP(rl.auth)
}

// Verify limits POST /session/verify per client IP.
func (rl *Limiter) Verify() gin.HandlerFunc {
	return rl.byIP(rl.verify)
}

func (rl *Limiter) byIP(l *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		rl.check(c, l, c.ClientIP(), "ip")
	}
}

// Messages limits chat message submission per authenticated user. Must
// run after the bearer middleware.
func (rl *Limiter) Messages() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		keyType := "ip"
		if v, ok := c.Get(chat.ContextUserKey); ok {
			key = strconv.FormatInt(int64(v.(*store.User).ID), 10)
			keyType = "user"
		}
		rl.check(c, rl.messages, key, keyType)
	}
}

func (rl *Limiter) check(c *gin.Context, l *limiter.Limiter, key, keyType string) {
	ctx := c.Request.Context()
	lctx, err := l.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		c.Next()
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), keyType).Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "Too many requests",
			"retry_after": lctx.Reset,
		})
		return
	}

	metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
	c.Next()
}
