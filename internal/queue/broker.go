package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/logx"
	"github.com/joao-brasil/store-backend/internal/metrics"
)

// ErrNoMessage is returned by BlockingPop when the timeout elapsed with the
// list still empty.
var ErrNoMessage = errors.New("no message before timeout")

// Broker is the list-based transport shared by producers and workers.
type Broker interface {
	// Push prepends value to the list at key. A positive ttl (re)sets the
	// key's expiry in the same round trip.
	Push(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// BlockingPop removes the oldest element of the list at key, blocking up
	// to timeout (whole seconds).
	BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	// Len returns the length of the list at key.
	Len(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// WholeSeconds rounds d up to a whole number of seconds, minimum one.
func WholeSeconds(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}

// RedisBroker implements Broker on Redis lists (LPUSH + BRPOP).
type RedisBroker struct {
	client redis.UniversalClient
	addr   string
	log    zerolog.Logger
}

// NewRedisBroker creates the Redis client. Connections are opened lazily;
// use Ping to check availability at startup.
func NewRedisBroker(cfg config.RedisConfig) *RedisBroker {
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		PoolSize:              cfg.PoolSize,
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ContextTimeoutEnabled: true,
	})
	return NewRedisBrokerFromClient(client, cfg.Addr)
}

// NewRedisBrokerFromClient wraps an already configured client.
func NewRedisBrokerFromClient(client redis.UniversalClient, addr string) *RedisBroker {
	return &RedisBroker{
		client: client,
		addr:   addr,
		log:    logx.Component("broker").With().Str("redis", addr).Logger(),
	}
}

// Ping checks connectivity to Redis.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		return errors.Wrapf(err, "redis ping %s", b.addr)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	return nil
}

// Push does LPUSH, plus EXPIRE in the same transactional pipeline when ttl > 0.
func (b *RedisBroker) Push(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var err error
	if ttl > 0 {
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, key, value)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
	} else {
		err = b.client.LPush(ctx, key, value).Err()
	}
	if err != nil {
		metrics.RedisOperations.WithLabelValues("lpush", "error").Inc()
		return errors.Wrapf(err, "lpush %s", key)
	}
	metrics.RedisOperations.WithLabelValues("lpush", "ok").Inc()
	return nil
}

// BlockingPop does BRPOP with the timeout in whole seconds.
func (b *RedisBroker) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BRPop(ctx, WholeSeconds(timeout), key).Result()
	if errors.Is(err, redis.Nil) {
		metrics.RedisOperations.WithLabelValues("brpop", "empty").Inc()
		return nil, ErrNoMessage
	}
	if err != nil {
		metrics.RedisOperations.WithLabelValues("brpop", "error").Inc()
		return nil, errors.Wrapf(err, "brpop %s", key)
	}
	metrics.RedisOperations.WithLabelValues("brpop", "ok").Inc()
	// res = [key, value]
	return []byte(res[1]), nil
}

// Len returns the length of the list.
func (b *RedisBroker) Len(ctx context.Context, key string) (int64, error) {
	n, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("llen", "error").Inc()
		return 0, errors.Wrapf(err, "llen %s", key)
	}
	return n, nil
}

// Close shuts down the Redis client.
func (b *RedisBroker) Close() error {
	b.log.Info().Msg("closing redis client")
	return b.client.Close()
}
