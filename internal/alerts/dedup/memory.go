package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"vitals-alerting/internal/observability/metrics"
)

const (
	defaultShards  = 64
	defaultMaxKeys = 100_000
)

type shard struct {
	mu   sync.Mutex
	last map[string]time.Time
	// limit is the size that triggers the next inline expiry pass.
	limit int
}

// MemoryFilter keeps last-emission timestamps in lock-striped maps. Keys that
// hash to different shards never contend; entries older than the cooldown are
// swept because they can no longer suppress anything. A key inside its
// cooldown is never dropped, so the size bound is soft: a shard that is still
// over its share after expiry keeps every live key and reports the overflow.
type MemoryFilter struct {
	cooldown    time.Duration
	maxPerShard int
	shards      []*shard
}

// MemoryOption configures a MemoryFilter.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	shards  int
	maxKeys int
}

// WithShards sets the number of lock stripes.
func WithShards(n int) MemoryOption {
	return func(c *memoryConfig) {
		if n > 0 {
			c.shards = n
		}
	}
}

// WithMaxKeys sets the number of tracked keys above which inserts trigger an
// expiry pass.
func WithMaxKeys(n int) MemoryOption {
	return func(c *memoryConfig) {
		if n > 0 {
			c.maxKeys = n
		}
	}
}

// NewMemoryFilter constructs an in-process filter.
func NewMemoryFilter(cooldown time.Duration, opts ...MemoryOption) *MemoryFilter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	cfg := memoryConfig{shards: defaultShards, maxKeys: defaultMaxKeys}
	for _, opt := range opts {
		opt(&cfg)
	}
	perShard := (cfg.maxKeys + cfg.shards - 1) / cfg.shards
	if perShard < 1 {
		perShard = 1
	}
	f := &MemoryFilter{
		cooldown:    cooldown,
		maxPerShard: perShard,
		shards:      make([]*shard, cfg.shards),
	}
	for i := range f.shards {
		f.shards[i] = &shard{last: make(map[string]time.Time), limit: perShard}
	}
	return f
}

// ShouldSuppress implements Filter.
func (f *MemoryFilter) ShouldSuppress(_ context.Context, patientID, condition string, now time.Time) (bool, error) {
	key := keyFor(patientID, condition)
	s := f.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[key]; ok && now.Sub(last) < f.cooldown {
		return true, nil
	}
	s.last[key] = now
	if len(s.last) > s.limit {
		f.shrink(s, now)
	}
	return false, nil
}

// Sweep drops every expired entry and returns how many were removed.
func (f *MemoryFilter) Sweep(now time.Time) int {
	removed := 0
	for _, s := range f.shards {
		s.mu.Lock()
		removed += f.expire(s, now)
		if len(s.last) <= f.maxPerShard {
			s.limit = f.maxPerShard
		}
		s.mu.Unlock()
	}
	return removed
}

// RunJanitor sweeps expired keys every interval until ctx is done.
func (f *MemoryFilter) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = f.cooldown
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.Sweep(now.UTC())
		}
	}
}

// Len returns the number of tracked keys.
func (f *MemoryFilter) Len() int {
	total := 0
	for _, s := range f.shards {
		s.mu.Lock()
		total += len(s.last)
		s.mu.Unlock()
	}
	return total
}

func (f *MemoryFilter) shardFor(key string) *shard {
	return f.shards[xxhash.Sum64String(key)%uint64(len(f.shards))]
}

// shrink runs with s.mu held. When expiry alone cannot bring the shard back
// under its share, the next pass is deferred until the shard doubles so
// inserts stay amortised O(1).
func (f *MemoryFilter) shrink(s *shard, now time.Time) {
	f.expire(s, now)
	if len(s.last) <= f.maxPerShard {
		s.limit = f.maxPerShard
		return
	}
	s.limit = 2 * len(s.last)
	metrics.IncDedupOverflow()
}

// expire runs with s.mu held.
func (f *MemoryFilter) expire(s *shard, now time.Time) int {
	removed := 0
	for key, at := range s.last {
		if now.Sub(at) >= f.cooldown {
			delete(s.last, key)
			removed++
		}
	}
	return removed
}
