package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/ports"
)

// rateLimitShard is a single shard of the rate limit store.
type rateLimitShard struct {
	mu    sync.Mutex
	state map[string]ratelimit.WindowState
}

// ShardedRateLimitStore is a sharded in-memory rate limit store.
// Sharding keeps the per-key exclusive-access contract without serializing
// unrelated keys behind one lock.
type ShardedRateLimitStore struct {
	shards    []*rateLimitShard
	numShards int
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// ShardedRateLimitConfig configures the sharded rate limit store.
type ShardedRateLimitConfig struct {
	NumShards       int           // Number of shards (default: 32)
	CleanupInterval time.Duration // How often to evict idle buckets (default: 5m)
}

// NewShardedRateLimitStore creates a new sharded in-memory rate limit store.
func NewShardedRateLimitStore(cfg ShardedRateLimitConfig) *ShardedRateLimitStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	s := &ShardedRateLimitStore{
		shards:    make([]*rateLimitShard, cfg.NumShards),
		numShards: cfg.NumShards,
		done:      make(chan struct{}),
	}

	for i := range s.shards {
		s.shards[i] = &rateLimitShard{
			state: make(map[string]ratelimit.WindowState),
		}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

// getShard returns the shard for a given key using consistent hashing.
func (s *ShardedRateLimitStore) getShard(keyID string) *rateLimitShard {
	h := fnv.New32a()
	h.Write([]byte(keyID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// GetAndCheck atomically loads state, runs the fixed-window check, and
// persists the updated state. The shard lock makes the read-check-write
// sequence exclusive per key; lost updates here would let a client exceed
// quota.
func (s *ShardedRateLimitStore) GetAndCheck(ctx context.Context, keyID string, cfg ratelimit.Config, now time.Time) (ratelimit.CheckResult, error) {
	shard := s.getShard(keyID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state := shard.state[keyID]
	result, newState := ratelimit.Check(state, cfg, now)
	shard.state[keyID] = newState

	return result, nil
}

// cleanupLoop periodically evicts buckets whose window is long past,
// bounding memory for many distinct keys.
func (s *ShardedRateLimitStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.doCleanup()
		case <-s.done:
			return
		}
	}
}

func (s *ShardedRateLimitStore) doCleanup() {
	// Evict buckets whose window started more than an hour ago.
	cutoff := time.Now().Add(-time.Hour)

	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, state := range shard.state {
			if state.WindowStart.Before(cutoff) {
				delete(shard.state, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (s *ShardedRateLimitStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Len returns the total number of buckets across all shards (for testing).
func (s *ShardedRateLimitStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.state)
		shard.mu.Unlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*ShardedRateLimitStore)(nil)
