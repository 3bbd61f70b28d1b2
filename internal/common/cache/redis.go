package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"judgeflow/internal/common/conn"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the configuration for Redis client.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"maxRetries"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`
	MinIdleConns int           `yaml:"minIdleConns"`
	Supervisor   conn.Config   `yaml:"supervisor"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	}
}

// RedisCache implements Cache using go-redis.
type RedisCache struct {
	client     *redis.Client
	supervisor *conn.Supervisor
}

// NewRedisCacheWithConfig connects to Redis and starts health supervision.
// The connection may still be down when this returns; callers consult Ready or rely on fail-open paths.
func NewRedisCacheWithConfig(ctx context.Context, config RedisConfig) (*RedisCache, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	r := &RedisCache{client: client}
	r.supervisor = conn.NewSupervisor("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, config.Supervisor)
	if err := r.supervisor.Start(ctx); err != nil {
		return r, fmt.Errorf("failed to ping redis: %w", err)
	}
	return r, nil
}

// NewRedisCacheWithClient wraps an existing client without health supervision.
func NewRedisCacheWithClient(client *redis.Client) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	return &RedisCache{client: client}, nil
}

func (r *RedisCache) Ready() bool {
	return r.supervisor.Ready()
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.observe(r.client.Ping(ctx).Err())
}

func (r *RedisCache) Close() error {
	r.supervisor.Stop()
	return r.client.Close()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, r.observe(err)
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.observe(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	return ok, r.observe(err)
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.observe(r.client.Del(ctx, keys...).Err())
}

// MGet returns one entry per key; missing keys come back as "".
func (r *RedisCache) MGet(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, r.observe(err)
	}
	out := make([]string, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

func (r *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	return n, r.observe(err)
}

func (r *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.observe(r.client.Expire(ctx, key, ttl).Err())
}

// TTL follows Redis semantics: -2 for a missing key, -1 for a key without expiry.
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	return d, r.observe(err)
}

// observe hands connection-level failures to the supervisor.
func (r *RedisCache) observe(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if conn.IsNetworkError(err) || errors.Is(err, redis.ErrClosed) {
		r.supervisor.ReportFailure(err)
	}
	return err
}
