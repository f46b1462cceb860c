// Package redisstore implements store.Store over github.com/redis/go-redis/v9,
// the distributed C1 backend for multi-replica deployments. Grounded on
// _examples/flyingrobots-go-redis-work-queue's TenantManager: a thin struct
// wrapping *redis.Client, one method per store.Store operation, errors
// wrapped with operation context.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombarlow/orchestrator/internal/store"
)

// Store is a store.Store backed by Redis.
type Store struct {
	client *redis.Client
}

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and returns a Store. It does not ping eagerly;
// the first operation surfaces connectivity failures.
func New(cfg Config) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewFromClient wraps an already-constructed client, useful for tests that
// need a miniredis-backed client.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redisstore: %s %q: %w", op, key, err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("get", key, err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapErr("set", key, s.client.Set(ctx, key, value, ttl).Err())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return wrapErr("delete", key, s.client.Del(ctx, key).Err())
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("incr", key, err)
	}
	if n == 1 && ttl > 0 {
		// First increment starts the fixed window; EXPIRE only here so a
		// live window's TTL is never reset by later INCRs.
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, wrapErr("expire", key, err)
		}
	}
	return n, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, wrapErr("ttl", key, err)
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapErr("zadd", key, s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	return wrapErr("zrem", key, s.client.ZRem(ctx, key, member).Err())
}

func (s *Store) ZRank(ctx context.Context, key string, member string) (int64, bool, error) {
	rank, err := s.client.ZRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr("zrank", key, err)
	}
	return rank, true, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, wrapErr("zcard", key, err)
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.client.ZRange(ctx, key, start, stop).Result()
	return members, wrapErr("zrange", key, err)
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapErr("publish", channel, s.client.Publish(ctx, channel, payload).Err())
}

type subscription struct {
	pubsub *redis.PubSub
	ch     chan store.Message
	done   chan struct{}
}

func (sub *subscription) Channel() <-chan store.Message { return sub.ch }

func (sub *subscription) Close() error {
	select {
	case <-sub.done:
		return nil
	default:
		close(sub.done)
	}
	return sub.pubsub.Close()
}

func (s *Store) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, wrapErr("subscribe", channel, err)
	}
	sub := &subscription{
		pubsub: pubsub,
		ch:     make(chan store.Message, 64),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (sub *subscription) pump() {
	defer close(sub.ch)
	src := sub.pubsub.Channel()
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case sub.ch <- store.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-sub.done:
				return
			}
		}
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ store.Store = (*Store)(nil)
