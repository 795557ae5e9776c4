package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/impactledger/internal/config"
)

const keyWebhook = "webhook:%s:%s"

// WebhookLimiter caps inbound deliveries per source or provider across
// all instances. Without redis or when disabled every delivery is allowed.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewWebhookLimiter(cfg config.Config, client *redis.Client) *WebhookLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil || limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return &WebhookLimiter{}
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.WebhookRate,
		burst:  limitCfg.WebhookBurst,
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token for kind ("orders" or "payments") and name.
func (l *WebhookLimiter) Allow(ctx context.Context, kind, name string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhook, strings.ToLower(strings.TrimSpace(kind)), strings.ToLower(strings.TrimSpace(name)))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
