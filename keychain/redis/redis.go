// Package redis provides a Redis-backed keychain backend, typically used for
// the Shared namespace when several processes of one security group share
// device identity.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/panyam/mobileauth/keychain"
)

// Config for the Redis backend. Defaults can be loaded via envdecode.
type Config struct {
	// Client is used as-is when set; Addr and DB are ignored.
	Client *redis.Client

	// Addr like "localhost:6379". ENV: KEYCHAIN_REDIS_ADDR
	Addr string `env:"KEYCHAIN_REDIS_ADDR,default=localhost:6379"`
	// DB index. ENV: KEYCHAIN_REDIS_DB
	DB int `env:"KEYCHAIN_REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: KEYCHAIN_REDIS_PREFIX
	KeyPrefix string `env:"KEYCHAIN_REDIS_PREFIX,default=mobileauth:keychain:"`
}

// Backend stores each item as a plain Redis string.
type Backend struct {
	client    *redis.Client
	keyPrefix string
}

// New connects (or adopts cfg.Client) and pings the server.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	cl := cfg.Client
	if cl == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl = redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	}
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mobileauth:keychain:"
	}
	return &Backend{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Backend, error) {
	var cfg Config
	// envdecode reports an error when no variable is set; tag defaults still apply.
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) key(namespace, key string) string {
	return b.keyPrefix + namespace + ":" + key
}

func (b *Backend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, b.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, keychain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (b *Backend) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := b.client.Set(ctx, b.key(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, namespace, key string) error {
	if err := b.client.Del(ctx, b.key(namespace, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
