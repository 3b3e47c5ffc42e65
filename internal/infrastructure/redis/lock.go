package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when the lock is still held by someone else once
// the caller's context is done.
var ErrLockHeld = errors.New("lock held by another owner")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockConfig holds configuration for the lock
type LockConfig struct {
	// Prefix is prepended to every lock key
	Prefix string
	// TTL bounds how long a crashed holder keeps the lock
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts
	RetryInterval time.Duration
}

// DefaultLockConfig returns sensible defaults
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Prefix:        "patientsync:lock:",
		TTL:           15 * time.Second,
		RetryInterval: 25 * time.Millisecond,
	}
}

// Locker is a single-instance Redis lock (SET NX PX with a random token).
type Locker struct {
	client *redis.Client
	config LockConfig
	logger *zap.Logger
}

// NewLocker creates a new Locker
func NewLocker(client *redis.Client, cfg LockConfig, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: client, config: cfg, logger: logger}
}

// Lock retries until the key is acquired or ctx is done. The returned unlock
// releases the key only if this holder still owns it.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.config.Prefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(l.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(redisKey, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	released, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil {
		l.logger.Warn("failed to release lock", zap.String("key", redisKey), zap.Error(err))
		return
	}
	if released == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", redisKey))
	}
}
