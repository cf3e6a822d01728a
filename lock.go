package cancel

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is the interface for distributed locking. The engine acquires a lock
// per instance before executing it, so two processes resuming the same
// store never run the same instance concurrently.
type Lock interface {
	// Acquire attempts to acquire a lock for the instance.
	// Returns a token if successful, or an error if the lock is held.
	Acquire(ctx context.Context, instanceID string, ttl time.Duration) (string, error)

	// Release releases the lock for the instance.
	Release(ctx context.Context, instanceID string, token string) error
}

// NoOpLock is a lock that does nothing (for single-process use).
type NoOpLock struct{}

// Acquire always succeeds for NoOpLock.
func (l *NoOpLock) Acquire(ctx context.Context, instanceID string, ttl time.Duration) (string, error) {
	return "noop", nil
}

// Release does nothing for NoOpLock.
func (l *NoOpLock) Release(ctx context.Context, instanceID string, token string) error {
	return nil
}

// Ensure NoOpLock implements Lock.
var _ Lock = (*NoOpLock)(nil)

// PostgresLock implements Lock using PostgreSQL advisory locks.
type PostgresLock struct {
	db *sql.DB
}

// NewPostgresLock creates a new PostgresLock.
func NewPostgresLock(db *sql.DB) *PostgresLock {
	return &PostgresLock{db: db}
}

// hashToLockKey converts an instance ID to a 64-bit lock key using SHA-256.
func hashToLockKey(instanceID string) int64 {
	hash := sha256.Sum256([]byte(instanceID))
	// Read first 8 bytes as signed int64
	return int64(binary.BigEndian.Uint64(hash[:8]))
}

// Acquire attempts to acquire a PostgreSQL advisory lock.
func (l *PostgresLock) Acquire(ctx context.Context, instanceID string, ttl time.Duration) (string, error) {
	lockKey := hashToLockKey(instanceID)

	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired)
	if err != nil {
		return "", fmt.Errorf("advisory lock: %w", err)
	}

	if !acquired {
		return "", NewInstanceLockedError(instanceID)
	}

	// Return the lock key as the token
	return fmt.Sprintf("%d", lockKey), nil
}

// Release releases a PostgreSQL advisory lock.
func (l *PostgresLock) Release(ctx context.Context, instanceID string, token string) error {
	lockKey := hashToLockKey(instanceID)

	var released bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey).Scan(&released)
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}

	// Note: released will be false if we didn't hold the lock, which is fine
	return nil
}

// Ensure PostgresLock implements Lock.
var _ Lock = (*PostgresLock)(nil)

// RedisLock implements Lock with a SET NX PX token lock, for deployments
// whose store is not Postgres. The TTL bounds how long a crashed process
// can strand an instance.
type RedisLock struct {
	client    *redis.Client
	keyPrefix string
}

// releaseScript deletes the key only if the caller still holds the token,
// so an expired-and-reacquired lock is never released by the old owner.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// NewRedisLock creates a new RedisLock.
// keyPrefix defaults to "cancel:lock:" if empty.
func NewRedisLock(client *redis.Client, keyPrefix string) *RedisLock {
	if keyPrefix == "" {
		keyPrefix = "cancel:lock:"
	}
	return &RedisLock{client: client, keyPrefix: keyPrefix}
}

// Acquire attempts to acquire the Redis lock.
func (l *RedisLock) Acquire(ctx context.Context, instanceID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.keyPrefix+instanceID, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return "", NewInstanceLockedError(instanceID)
	}
	return token, nil
}

// Release releases the Redis lock if the token still matches.
func (l *RedisLock) Release(ctx context.Context, instanceID string, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.keyPrefix + instanceID}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Ensure RedisLock implements Lock.
var _ Lock = (*RedisLock)(nil)
