package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "seatsync:lock:"

var (
	// ErrLeaseHeld indicates another worker owns the resource.
	ErrLeaseHeld = errors.New("locking: lease already held")
	// ErrLeaseLost indicates the lease expired or was taken over before release.
	ErrLeaseLost = errors.New("locking: lease no longer owned")
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lease is an acquired lock on one resource.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases keyed by resource name.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (Lease, error)
}

// LocalLocker serializes holders within one process. The ttl is ignored.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker constructs an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context, resource string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[resource]; busy {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, resource)
	}
	l.held[resource] = struct{}{}
	return &localLease{locker: l, resource: resource}, nil
}

type localLease struct {
	locker   *LocalLocker
	resource string
	once     sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.resource)
		l.locker.mu.Unlock()
	})
	return nil
}

// RedisConfig describes the Redis deployment backing shared leases.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Logger   *zap.Logger
}

// RedisLocker leases resources across processes with SET NX PX and a
// token-checked delete on release.
type RedisLocker struct {
	client redis.Cmdable
	closer func() error
	logger *zap.Logger
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("locking: redis ping failed: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("redis locker connected", zap.String("address", cfg.Address))
	return &RedisLocker{client: client, closer: client.Close, logger: logger}, nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client redis.Cmdable, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, logger: logger}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, resource string, ttl time.Duration) (Lease, error) {
	key := LeaseKey(resource)
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("locking: acquire %s: %w", resource, err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, resource)
	}
	l.logger.Debug("lease acquired", zap.String("resource", resource), zap.Duration("ttl", ttl))
	return &redisLease{client: l.client, key: key, token: token}, nil
}

// Close releases the underlying connection pool when the locker owns it.
func (l *RedisLocker) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	released, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("locking: release %s: %w", l.key, err)
	}
	if released == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

// LeaseKey is the Redis key guarding resource.
func LeaseKey(resource string) string {
	return keyPrefix + resource
}
