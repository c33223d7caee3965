package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ledger-transfer/pkg/logging"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// releaseScript deletes a key only if it still holds our token, so a lock
// that expired and was re-acquired elsewhere is left alone.
var releaseScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	// Addr is the Redis address (host:port)
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces lock keys (default "ledger:lock:")
	KeyPrefix string

	// TTL bounds how long a crashed holder can block an account.
	TTL time.Duration

	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration

	DialTimeout time.Duration
}

// DefaultRedisLockerConfig returns defaults for a local Redis.
func DefaultRedisLockerConfig() RedisLockerConfig {
	return RedisLockerConfig{
		Addr:        "localhost:6379",
		KeyPrefix:   "ledger:lock:",
		TTL:         10 * time.Second,
		RetryDelay:  5 * time.Millisecond,
		DialTimeout: 5 * time.Second,
	}
}

// RedisLocker holds account locks in Redis so that several engine processes
// sharing one database serialise against each other.
type RedisLocker struct {
	client rueidis.Client
	config RedisLockerConfig
	logger *logging.Logger
	owned  bool
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker connects to Redis and pings it.
func NewRedisLocker(config RedisLockerConfig) (*RedisLocker, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("lock: no redis address configured")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{config.Addr},
		Username:     config.Username,
		Password:     config.Password,
		SelectDB:     config.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("lock: failed to create redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lock: failed to ping redis: %w", err)
	}

	l := NewRedisLockerWithClient(client, config)
	l.owned = true
	return l, nil
}

// NewRedisLockerWithClient uses an existing client. Close does not close it.
func NewRedisLockerWithClient(client rueidis.Client, config RedisLockerConfig) *RedisLocker {
	defaults := DefaultRedisLockerConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}

	return &RedisLocker{
		client: client,
		config: config,
		logger: logging.Global().Named("lock").Named("redis"),
	}
}

func (l *RedisLocker) Name() string { return "redis" }

func (l *RedisLocker) key(id int64) string {
	return l.config.KeyPrefix + strconv.FormatInt(id, 10)
}

// Lock acquires ids in ascending order under one random token.
func (l *RedisLocker) Lock(ctx context.Context, ids ...int64) (Unlock, error) {
	ids = normalize(ids)
	if len(ids) == 0 {
		return nil, ErrNoAccounts
	}

	token := uuid.NewString()
	held := make([]string, 0, len(ids))

	for _, id := range ids {
		key := l.key(id)
		if err := l.acquire(ctx, key, token); err != nil {
			l.release(held, token)
			return nil, fmt.Errorf("account %d: %w", id, err)
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(held, token) }) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ttl := l.config.TTL.Milliseconds()
	for {
		cmd := l.client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(ttl).Build()
		err := l.client.Do(ctx, cmd).Error()
		if err == nil {
			return nil
		}
		if !rueidis.IsRedisNil(err) {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
			}
			return fmt.Errorf("lock: redis set: %w", err)
		}

		timer := time.NewTimer(l.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}

// release runs with its own short deadline so that a cancelled transfer
// still frees its keys.
func (l *RedisLocker) release(keys []string, token string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := len(keys) - 1; i >= 0; i-- {
		err := releaseScript.Exec(ctx, l.client, []string{keys[i]}, []string{token}).Error()
		if err != nil {
			l.logger.Warn("failed to release lock; it will expire",
				zap.String("key", keys[i]),
				zap.Duration("ttl", l.config.TTL),
				zap.Error(err),
			)
		}
	}
}

// Close closes the client when the locker created it.
func (l *RedisLocker) Close() error {
	if l.owned {
		l.client.Close()
	}
	return nil
}
