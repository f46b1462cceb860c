// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlitestore is an embedded, single-node implementation of
// store.Store backed by modernc.org/sqlite, for deployments that want
// durability across restarts without running Redis. Grounded on
// internal/controller/backend/sqlite.Backend's open-pragma-migrate
// construction sequence; pub-sub reuses memstore's in-process
// mutex-guarded-subscriber-list idiom since an embedded single-process
// database has no cross-replica fan-out to do.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombarlow/orchestrator/internal/store"
)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path (e.g. "/var/lib/orchestratord/state.db").
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[string][]*subscription
}

// New opens (creating if necessary) the SQLite database at cfg.Path,
// applies pragmas and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// storms under concurrent access, matching the teacher backend.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}

	s := &Store{db: db, subs: make(map[string][]*subscription)}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlitestore: pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS zsets (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_zsets_key_score ON zsets(key, score)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitestore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: get: %w", err)
	}
	if expiresAt.Valid && time.Now().Unix() > expiresAt.Int64 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("sqlitestore: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: incr begin: %w", err)
	}
	defer tx.Rollback()

	var value []byte
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)

	now := time.Now()
	expired := err == nil && expiresAt.Valid && now.Unix() > expiresAt.Int64

	var n int64
	switch {
	case err == sql.ErrNoRows || expired:
		n = 1
		var newExpiresAt sql.NullInt64
		if ttl > 0 {
			newExpiresAt = sql.NullInt64{Int64: now.Add(ttl).Unix(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		`, key, []byte("1"), newExpiresAt); err != nil {
			return 0, fmt.Errorf("sqlitestore: incr insert: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("sqlitestore: incr select: %w", err)
	default:
		n = parseInt(value) + 1
		if _, err := tx.ExecContext(ctx, `UPDATE kv SET value = ? WHERE key = ?`, []byte(formatInt(n)), key); err != nil {
			return 0, fmt.Errorf("sqlitestore: incr update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlitestore: incr commit: %w", err)
	}
	return n, nil
}

func parseInt(b []byte) int64 {
	var n int64
	neg := len(b) > 0 && b[0] == '-'
	start := 0
	if neg {
		start = 1
	}
	for _, c := range b[start:] {
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func formatInt(n int64) string {
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

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlitestore: ttl: %w", err)
	}
	if !expiresAt.Valid {
		return 0, false, nil
	}
	remaining := time.Until(time.Unix(expiresAt.Int64, 0))
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zsets (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	if err != nil {
		return fmt.Errorf("sqlitestore: zadd: %w", err)
	}
	return nil
}

func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM zsets WHERE key = ? AND member = ?`, key, member); err != nil {
		return fmt.Errorf("sqlitestore: zrem: %w", err)
	}
	return nil
}

func (s *Store) ZRank(ctx context.Context, key string, member string) (int64, bool, error) {
	members, err := s.zsetMembers(ctx, key)
	if err != nil {
		return 0, false, err
	}
	for i, m := range members {
		if m == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zsets WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: zcard: %w", err)
	}
	return n, nil
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.zsetMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	n := int64(len(members))
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
	return members[start : stop+1], nil
}

func (s *Store) zsetMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member, score FROM zsets WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: zrange query: %w", err)
	}
	defer rows.Close()

	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.member, &p.score); err != nil {
			return nil, fmt.Errorf("sqlitestore: zrange scan: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: zrange rows: %w", err)
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
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

// subscription mirrors memstore's in-process pub-sub: a single embedded
// database has one process to fan out to, so there is no need for a
// wire-level channel the way redisstore requires.
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
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.Close()
		}
	}
	s.subs = nil
	s.mu.Unlock()
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
