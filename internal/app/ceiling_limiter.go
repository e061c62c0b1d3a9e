package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// The script reserves an amount against a daily budget key atomically: it only
// increments when the reservation fits, so two distributors cannot both slip
// under the ceiling.
var referralCeilingScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + amount > limit then
  return {0, current}
end
local total = redis.call("INCRBY", KEYS[1], amount)
if total == amount then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return {1, total}
`)

// ReferralCeilingLimiter enforces the per-beneficiary daily referral credit
// ceiling across service instances using Redis.
type ReferralCeilingLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewReferralCeilingLimiter(client redis.UniversalClient, prefix string) *ReferralCeilingLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "compensation:referral_ceiling"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &ReferralCeilingLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// ReserveDailyBudget atomically reserves amount against the beneficiary's
// budget for the given day. It reports whether the reservation fit and the
// running total after the call. A nil limiter or non-positive limit allows
// everything.
func (r *ReferralCeilingLimiter) ReserveDailyBudget(
	ctx context.Context,
	beneficiaryID string,
	day time.Time,
	amount int64,
	limit int64,
) (allowed bool, total int64, err error) {
	if r == nil || r.client == nil || limit <= 0 || amount <= 0 {
		return true, 0, nil
	}

	// Keep the key alive past the day boundary so late batch re-runs still see it.
	ttlMs := (48 * time.Hour).Milliseconds()
	key := fmt.Sprintf("%s:%s:%s", r.prefix, beneficiaryID, day.UTC().Format("2006-01-02"))

	rawResult, err := referralCeilingScript.Run(ctx, r.client, []string{key}, amount, limit, ttlMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis ceiling response shape: %T", rawResult)
	}

	fit, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis ceiling flag type: %T", values[0])
	}
	runningTotal, ok := values[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis ceiling total type: %T", values[1])
	}

	return fit == 1, runningTotal, nil
}

// ReleaseDailyBudget returns a previously reserved amount, for when the posting
// that followed the reservation was rejected.
func (r *ReferralCeilingLimiter) ReleaseDailyBudget(ctx context.Context, beneficiaryID string, day time.Time, amount int64) error {
	if r == nil || r.client == nil || amount <= 0 {
		return nil
	}
	key := fmt.Sprintf("%s:%s:%s", r.prefix, beneficiaryID, day.UTC().Format("2006-01-02"))
	return r.client.DecrBy(ctx, key, amount).Err()
}
