// Package redis provides a Redis implementation of storage.Backend. Each
// collection document lives in a string key and its lock is a token-guarded
// key set with NX and a bounded TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/fakesocket-go/storage"
)

// ErrLockLost is returned when a lease's lock expired or was taken over
// before the document could be stored.
var ErrLockLost = errors.New("redis: collection lock lost")

// Config for the Redis-backed collection store. Defaults can be loaded via
// envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// DB selects the logical database. ENV: FAKESOCKET_REDIS_DB
	DB int `env:"FAKESOCKET_REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: FAKESOCKET_REDIS_PREFIX
	KeyPrefix string `env:"FAKESOCKET_REDIS_PREFIX,default=fakesocket:"`
	// LockTTL bounds how long a crashed holder can keep a collection locked.
	// ENV: FAKESOCKET_REDIS_LOCK_TTL
	LockTTL time.Duration `env:"FAKESOCKET_REDIS_LOCK_TTL,default=30s"`
	// RetryDelay between lock attempts. ENV: FAKESOCKET_LOCK_RETRY
	RetryDelay time.Duration `env:"FAKESOCKET_LOCK_RETRY,default=5ms"`
}

// Backend implements storage.Backend on Redis.
type Backend struct {
	client     *redis.Client
	keyPrefix  string
	lockTTL    time.Duration
	retryDelay time.Duration
}

var _ storage.Backend = (*Backend)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Backend, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. The backend takes ownership of it.
func NewWithClient(cl *redis.Client, cfg Config) *Backend {
	b := &Backend{
		client:     cl,
		keyPrefix:  cfg.KeyPrefix,
		lockTTL:    cfg.LockTTL,
		retryDelay: cfg.RetryDelay,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "fakesocket:"
	}
	if b.lockTTL <= 0 {
		b.lockTTL = 30 * time.Second
	}
	if b.retryDelay <= 0 {
		b.retryDelay = 5 * time.Millisecond
	}
	return b
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redis config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) docKey(name string) string  { return b.keyPrefix + "doc:" + name }
func (b *Backend) lockKey(name string) string { return b.keyPrefix + "lock:" + name }

// Acquire polls SET NX until the lock is taken or ctx is done.
func (b *Backend) Acquire(ctx context.Context, name string) (storage.Lease, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	key := b.lockKey(name)

	t := time.NewTicker(b.retryDelay)
	defer t.Stop()
	for {
		ok, err := b.client.SetNX(ctx, key, token, b.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return &lease{b: b, name: name, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

var storeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type lease struct {
	b     *Backend
	name  string
	token string
	once  sync.Once
}

func (l *lease) Load(ctx context.Context) ([]byte, error) {
	doc, err := l.b.client.Get(ctx, l.b.docKey(l.name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", l.b.docKey(l.name), err)
	}
	return doc, nil
}

func (l *lease) Store(ctx context.Context, doc []byte) error {
	keys := []string{l.b.lockKey(l.name), l.b.docKey(l.name)}
	res, err := storeScript.Run(ctx, l.b.client, keys, l.token, doc).Int()
	if err != nil {
		return fmt.Errorf("set %s: %w", l.b.docKey(l.name), err)
	}
	if res != 1 {
		return ErrLockLost
	}
	return nil
}

func (l *lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = releaseScript.Run(context.WithoutCancel(ctx), l.b.client, []string{l.b.lockKey(l.name)}, l.token).Err()
		if errors.Is(err, redis.Nil) {
			err = nil
		}
	})
	return err
}
