package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rate-limit scopes keep money-moving endpoints in separate counting windows,
// so a burst of top-ups cannot exhaust a provider's payout allowance.
const (
	RateLimitScopeTransaction = "tx"
	RateLimitScopePayout      = "payout"
)

// walletRateLimitScript counts a hit in a fixed window. The first hit arms the
// window's expiry and is told the full window remains; later hits read the
// remaining TTL. A counter that lost its TTL (flush, restore) is re-armed
// instead of lingering forever.
var walletRateLimitScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  return {hits, tonumber(ARGV[1])}
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// RedisWalletRateLimiter implements distributed rate limiting for the wallet's
// money-moving endpoints. Limits are per user so a runaway client cannot
// hammer the optimistic-concurrency path for everyone.
type RedisWalletRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWalletRateLimiter(client redis.UniversalClient, prefix string) *RedisWalletRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "sewago:wallet:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisWalletRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// ConsumeRateLimit counts a hit for scope/subject and reports the running
// count plus the retry-after horizon in whole seconds. A nil limiter or
// non-positive limit disables limiting.
func (r *RedisWalletRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.prefix + ":" + normalizedScope + ":" + normalizedSubject
	raw, err := walletRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	hits, remainingMs, err := decodeLimiterReply(raw)
	if err != nil {
		return 0, 0, err
	}

	retryAfter := int((remainingMs + 999) / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(hits), retryAfter, nil
}

// decodeLimiterReply unpacks the {hits, remaining-ttl-ms} pair the Lua script
// returns. go-redis hands Lua arrays back as []interface{} of int64s.
func decodeLimiterReply(raw interface{}) (hits int64, remainingMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter reply shape: %T", raw)
	}
	hits, ok = values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter hit count type: %T", values[0])
	}
	remainingMs, ok = values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if remainingMs < 0 {
		remainingMs = 0
	}
	return hits, remainingMs, nil
}
