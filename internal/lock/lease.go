package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token, so a
// lease that expired and was re-acquired elsewhere is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lease is a Redis-backed lease lock. The assignment engine takes it around
// each cycle so that two overlapping invocations (slow cycle, restarted
// process, second operator instance) can never assign concurrently. The TTL
// bounds how long a crashed holder can block the next cycle.
//
// If Redis is unreachable the lease degrades to an in-process mutex: a
// single deployment runs one orchestrator, so local exclusion still holds.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	token string
	local bool
}

// NewLease creates a lease on the given key. client may be nil, which
// forces local-only mode.
func NewLease(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *Lease {
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire attempts to take the lease. It returns false when another holder
// has it; that is a normal "skip this cycle" outcome, not an error.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.token != "" {
		l.mu.Unlock()
		return false, fmt.Errorf("lease %s already held by this process", l.key)
	}
	l.mu.Unlock()

	token := uuid.NewString()

	if l.client == nil {
		return l.acquireLocal(token), nil
	}

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		l.logger.Warn("Redis unavailable for lease, falling back to local lock",
			zap.String("key", l.key),
			zap.Error(err),
		)
		return l.acquireLocal(token), nil
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.token = token
	l.local = false
	l.mu.Unlock()
	return true, nil
}

func (l *Lease) acquireLocal(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		return false
	}
	l.token = token
	l.local = true
	return true
}

// Release gives the lease back. Safe to call when not held.
func (l *Lease) Release(ctx context.Context) {
	l.mu.Lock()
	token := l.token
	local := l.local
	l.token = ""
	l.local = false
	l.mu.Unlock()

	if token == "" || local || l.client == nil {
		return
	}

	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
		l.logger.Warn("Failed to release lease",
			zap.String("key", l.key),
			zap.Error(err),
		)
	}
}
