// Package memstore is an in-process implementation of store.Store, used
// for single-replica deployments and tests. It satisfies the full C1
// contract (TTL expiry, sorted sets, pub-sub) without an external
// dependency, grounded on internal/daemon/queue.MemoryQueue's
// mutex-guarded-map-plus-signal-channel idiom.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombarlow/orchestrator/internal/store"
)

type entry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

type zmember struct {
	member string
	score  float64
}

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	kv       map[string]entry
	zsets    map[string][]zmember
	subs     map[string][]*subscription
	closed   bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		kv:    make(map[string]entry),
		zsets: make(map[string][]zmember),
		subs:  make(map[string][]*subscription),
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) {
		if ok {
			delete(s.kv, key)
		}
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.kv[key] = entry{value: cp, expires: exp}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e, ok := s.kv[key]
	if !ok || e.expired(now) {
		var exp time.Time
		if ttl > 0 {
			exp = now.Add(ttl)
		}
		s.kv[key] = entry{value: []byte("1"), expires: exp}
		return 1, nil
	}
	n := int64(0)
	for _, b := range e.value {
		n = n*10 + int64(b-'0')
	}
	n++
	e.value = []byte(itoa(n))
	s.kv[key] = e
	return n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) {
		return 0, false, nil
	}
	if e.expires.IsZero() {
		return 0, false, nil
	}
	return time.Until(e.expires), true, nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	for i, m := range set {
		if m.member == member {
			set[i].score = score
			s.resort(key)
			return nil
		}
	}
	s.zsets[key] = append(set, zmember{member: member, score: score})
	s.resort(key)
	return nil
}

func (s *Store) resort(key string) {
	set := s.zsets[key]
	sort.SliceStable(set, func(i, j int) bool { return set[i].score < set[j].score })
}

func (s *Store) ZRem(_ context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	for i, m := range set {
		if m.member == member {
			s.zsets[key] = append(set[:i], set[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) ZRank(_ context.Context, key string, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.zsets[key] {
		if m.member == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *Store) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	n := int64(len(set))
	if n == 0 {
		return nil, nil
	}
	start = normalizeIndex(start, n)
	stop = normalizeIndex(stop, n)
	if start > stop || start >= n {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	out := make([]string, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, set[i].member)
	}
	return out, nil
}

func normalizeIndex(i, n int64) int64 {
	if i < 0 {
		i = n + i
	}
	if i < 0 {
		i = 0
	}
	return i
}

type subscription struct {
	ch     chan store.Message
	closed bool
	mu     sync.Mutex
}

func (sub *subscription) Channel() <-chan store.Message { return sub.ch }

func (sub *subscription) Close() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	sub.closed = true
	close(sub.ch)
	return nil
}

func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	subs := append([]*subscription(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- store.Message{Channel: channel, Payload: payload}:
			default:
				// Slow consumer: drop rather than block the publisher.
			}
		}
		sub.mu.Unlock()
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, channel string) (store.Subscription, error) {
	sub := &subscription{ch: make(chan store.Message, 64)}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.Close()
		}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
