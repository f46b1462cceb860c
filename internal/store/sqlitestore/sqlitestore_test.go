package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetSetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want ok=false", ok, err)
	}

	if err := s.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get(k) = %q ok=%v err=%v, want v1/true", v, ok, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("Get(k) after delete: ok=true")
	}
}

func TestSetTTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok, err := s.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("Get after TTL expiry: ok=%v err=%v, want false", ok, err)
	}
}

func TestIncr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, want := range []int64{1, 2, 3} {
		got, err := s.Incr(ctx, "counter", time.Hour)
		if err != nil {
			t.Fatalf("Incr[%d]: %v", i, err)
		}
		if got != want {
			t.Fatalf("Incr[%d] = %d, want %d", i, got, want)
		}
	}
}

func TestZSetOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ZAdd(ctx, "z", 3, "c"); err != nil {
		t.Fatalf("ZAdd c: %v", err)
	}
	if err := s.ZAdd(ctx, "z", 1, "a"); err != nil {
		t.Fatalf("ZAdd a: %v", err)
	}
	if err := s.ZAdd(ctx, "z", 2, "b"); err != nil {
		t.Fatalf("ZAdd b: %v", err)
	}

	card, err := s.ZCard(ctx, "z")
	if err != nil || card != 3 {
		t.Fatalf("ZCard = %d err=%v, want 3", card, err)
	}

	members, err := s.ZRange(ctx, "z", 0, -1)
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(members) != len(want) {
		t.Fatalf("ZRange = %v, want %v", members, want)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Fatalf("ZRange[%d] = %q, want %q", i, members[i], want[i])
		}
	}

	rank, ok, err := s.ZRank(ctx, "z", "b")
	if err != nil || !ok || rank != 1 {
		t.Fatalf("ZRank(b) = %d ok=%v err=%v, want 1/true", rank, ok, err)
	}

	if err := s.ZRem(ctx, "z", "b"); err != nil {
		t.Fatalf("ZRem: %v", err)
	}
	if card, _ := s.ZCard(ctx, "z"); card != 2 {
		t.Fatalf("ZCard after ZRem = %d, want 2", card)
	}
}

func TestPublishSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := s.Publish(ctx, "ch", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if string(msg.Payload) != "hello" {
			t.Fatalf("message payload = %q, want hello", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
