// Package convlock implements a distributed, per-conversation lock
// backed by Redis, so that two turns for the same conversation never run
// concurrently across orchestrator replicas.
package convlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// DefaultTTL bounds how long a lock may be held before it is considered
// abandoned (e.g. the holder crashed mid-turn) and eligible for another
// caller to acquire.
const DefaultTTL = 150 * time.Second

const keyPrefix = "convlock:"

// releaseScript deletes the lock key only if it still holds the token
// this Lock was acquired with, so a caller can never release a lock it
// no longer owns (e.g. after its TTL expired and another turn acquired
// it).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// extendScript refreshes a lock's TTL only if it still holds the token
// this Lock was acquired with.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// ErrNotHeld is returned by Release or Extend when the lock was already
// lost, typically because its TTL expired before the caller finished.
var ErrNotHeld = errors.New("convlock: lock not held")

// Lock is a held per-conversation lock. It must be released by the
// acquirer once the turn completes.
type Lock struct {
	client         *redis.Client
	conversationID string
	token          string
	logger         *zap.Logger
}

// Manager acquires per-conversation locks against a Redis instance.
type Manager struct {
	client *redis.Client
	logger *zap.Logger
}

// NewManager creates a Manager over client.
func NewManager(client *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{client: client, logger: logger.With(zap.String("component", "convlock.Manager"))}
}

func lockKey(conversationID string) string {
	return keyPrefix + conversationID
}

// Acquire attempts to take the lock for conversationID with ttl, failing
// immediately (rather than blocking) if another holder already has it.
// The Turn Controller is expected to surface this as a "try again"
// response rather than queueing turns.
func (m *Manager) Acquire(ctx context.Context, conversationID string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, lockKey(conversationID), token, ttl).Result()
	if err != nil {
		return nil, types.NewError(types.ErrLockUnattained, fmt.Sprintf("acquiring lock for %s", conversationID)).WithCause(err).WithRetryable(true)
	}
	if !ok {
		return nil, types.NewError(types.ErrLockUnattained, fmt.Sprintf("conversation %s is already locked", conversationID))
	}
	return &Lock{client: m.client, conversationID: conversationID, token: token, logger: m.logger}, nil
}

// AcquireWithRetry polls Acquire at interval until ctx is done, useful
// for callers willing to wait briefly rather than fail a turn outright.
func (m *Manager) AcquireWithRetry(ctx context.Context, conversationID string, ttl, interval time.Duration) (*Lock, error) {
	for {
		lock, err := m.Acquire(ctx, conversationID, ttl)
		if err == nil {
			return lock, nil
		}
		if !types.IsRetryable(err) && types.GetErrorCode(err) != types.ErrLockUnattained {
			return nil, err
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release gives up the lock. It is a no-op error (ErrNotHeld) if the
// lock's TTL already expired and was possibly acquired by another
// caller in the meantime.
func (l *Lock) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client, []string{lockKey(l.conversationID)}, l.token).Int64()
	if err != nil {
		return types.NewError(types.ErrLockUnattained, "releasing lock").WithCause(err).WithRetryable(true)
	}
	if res == 0 {
		l.logger.Warn("lock already lost before release", zap.String("conversation_id", l.conversationID))
		return ErrNotHeld
	}
	return nil
}

// Extend refreshes the lock's TTL, for turns that run long.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	res, err := extendScript.Run(ctx, l.client, []string{lockKey(l.conversationID)}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return types.NewError(types.ErrLockUnattained, "extending lock").WithCause(err).WithRetryable(true)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}
