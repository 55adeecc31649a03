package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "vitals:dedup:"

// checkAndSet suppresses when the stored timestamp is inside the cooldown,
// otherwise stores now with a TTL of one cooldown.
var checkAndSet = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
if last and (now - tonumber(last)) < cooldown then
  return 1
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 0
`)

// RedisFilter shares suppression state between instances through Redis.
type RedisFilter struct {
	client   redis.Scripter
	cooldown time.Duration
	prefix   string
}

// NewRedisFilter constructs a Redis-backed filter.
func NewRedisFilter(client redis.Scripter, cooldown time.Duration, prefix string) (*RedisFilter, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisFilter{client: client, cooldown: cooldown, prefix: prefix}, nil
}

// ShouldSuppress implements Filter.
func (f *RedisFilter) ShouldSuppress(ctx context.Context, patientID, condition string, now time.Time) (bool, error) {
	key := f.prefix + keyFor(patientID, condition)
	res, err := checkAndSet.Run(ctx, f.client, []string{key}, now.UnixMilli(), f.cooldown.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("dedup: redis check: %w", err)
	}
	return res == 1, nil
}
