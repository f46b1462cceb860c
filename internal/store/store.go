// Package store provides the typed key-value/list/sorted-set/pub-sub
// adapter over a shared backing store (C1). Job and workflow state is
// serialized as self-contained JSON records keyed by "{namespace}:{id}"
// with a configurable TTL, extended to a longer retention TTL on terminal
// status. Failures of the backing store surface as
// pkg/errors.StoreUnavailable; callers that can tolerate transient
// unavailability should wrap their Store with Retrying.
package store

import (
	"context"
	"time"
)

// Message is one pub-sub delivery on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub-sub subscription. Callers must call Close when
// done; Close is idempotent.
type Subscription interface {
	// Channel returns the delivery channel. It is closed when the
	// subscription is closed or the underlying connection is lost.
	Channel() <-chan Message
	Close() error
}

// Store is the full typed adapter C1 requires. Implementations: memstore
// (in-process, single-replica deployments and tests) and redisstore
// (distributed deployments, cross-replica pub-sub).
type Store interface {
	// Get returns the value for key, or ok=false if it does not exist or
	// has expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key with the given TTL. ttl<=0 means no
	// expiry. Writes are idempotent: setting the same key twice with the
	// same value is a no-op observably.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer counter at key by 1 and
	// returns the new value. If the key does not yet exist it is created
	// with value 1 and the given ttl applied (INCR+EXPIRE). ttl is only
	// applied on creation, matching spec §4.2's fixed-window semantics.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining time-to-live for key, or ok=false if the
	// key does not exist or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// ZAdd upserts member into the sorted set at key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key string, member string) error

	// ZRank returns member's 0-based rank (ascending score order) in the
	// sorted set at key, or ok=false if the member or key is absent.
	ZRank(ctx context.Context, key string, member string) (rank int64, ok bool, err error)

	// ZCard returns the number of members in the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRange returns members in score-ascending order within [start, stop]
	// (inclusive, 0-based, negative indices count from the end — same
	// convention as Redis ZRANGE).
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Publish delivers payload to all current subscribers of channel.
	// Delivery is best-effort: there is no persistence of missed messages.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases any resources held by the store (connections,
	// background goroutines).
	Close() error
}
