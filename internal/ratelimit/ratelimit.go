// Package ratelimit implements C2: a per-user fixed-window rate limiter
// backed by the shared store's INCR+EXPIRE primitive, fronted by an
// in-process golang.org/x/time/rate token bucket that smooths bursts
// without a store round trip on every request.
//
// Grounded on internal/daemon/auth/ratelimit.go's RateLimitConfig /
// ParseRateLimit / NamedRateLimiter shape; the token-bucket algorithm there
// is replaced with the store-backed fixed window spec §4.2 requires, kept
// only as the local burst-smoothing front end.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombarlow/orchestrator/internal/store"
	conductorerrors "github.com/tombarlow/orchestrator/pkg/errors"
)

// Config describes one named limit, e.g. "10/60s" parsed via ParseLimit.
type Config struct {
	Name      string
	Max       int
	WindowSec int
}

// ParseLimit parses "<max>/<window>" where window is a Go duration string
// (e.g. "10/60s", "5/1h"), matching the teacher's ParseRateLimit convention
// of "<max>/<unit>".
func ParseLimit(name, spec string) (Config, error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return Config{}, fmt.Errorf("ratelimit: invalid spec %q, want \"<max>/<window>\"", spec)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || max <= 0 {
		return Config{}, fmt.Errorf("ratelimit: invalid max in %q", spec)
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return Config{}, fmt.Errorf("ratelimit: invalid window in %q", spec)
	}
	return Config{Name: name, Max: max, WindowSec: int(window.Seconds())}, nil
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces one or more named limits for a user against the shared
// store. Each named limit is independent (e.g. "heavy" and "workflow" have
// separate windows and counters).
type Limiter struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	limits  map[string]Config
	buckets map[string]*rate.Limiter // per "name:userID", burst smoothing
}

// New creates a Limiter backed by s.
func New(s store.Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:   s,
		logger:  logger,
		limits:  make(map[string]Config),
		buckets: make(map[string]*rate.Limiter),
	}
}

// AddLimit registers or replaces a named limit.
func (l *Limiter) AddLimit(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[cfg.Name] = cfg
}

func (l *Limiter) burstBucket(name string, cfg Config, userID string) *rate.Limiter {
	key := name + ":" + userID
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		// Refill rate matched to the fixed window's average allowance;
		// burst equal to the window max so a user can spend the whole
		// window's budget immediately without being throttled twice.
		perSec := float64(cfg.Max) / float64(maxInt(cfg.WindowSec, 1))
		b = rate.NewLimiter(rate.Limit(perSec), cfg.Max)
		l.buckets[key] = b
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Allow checks whether userID may proceed under the named limit. It first
// consults the in-process token bucket (no store round trip on the common
// allowed path under burst load), then enforces the authoritative
// store-backed fixed window.
func (l *Limiter) Allow(ctx context.Context, name, userID string) (Result, error) {
	l.mu.Lock()
	cfg, ok := l.limits[name]
	l.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("ratelimit: unknown limit %q", name)
	}

	if !l.burstBucket(name, cfg, userID).Allow() {
		resetAt := time.Now().Add(time.Duration(cfg.WindowSec) * time.Second)
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	key := store.Key(store.NamespaceRate, name+":"+userID)
	window := time.Duration(cfg.WindowSec) * time.Second
	n, err := l.store.Incr(ctx, key, window)
	if err != nil {
		return Result{}, err
	}

	ttl, ok, err := l.store.TTL(ctx, key)
	resetAt := time.Now().Add(window)
	if err == nil && ok {
		resetAt = time.Now().Add(ttl)
	}

	if n > int64(cfg.Max) {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Result{Allowed: true, Remaining: cfg.Max - int(n), ResetAt: resetAt}, nil
}

// Require is a convenience wrapper that returns a typed
// RateLimitExceededError instead of a Result when the limit is exhausted,
// for callers (the job admission path) that want to return the error
// directly.
func (l *Limiter) Require(ctx context.Context, name, userID string) error {
	res, err := l.Allow(ctx, name, userID)
	if err != nil {
		return err
	}
	if !res.Allowed {
		l.mu.Lock()
		cfg := l.limits[name]
		l.mu.Unlock()
		return &conductorerrors.RateLimitExceededError{
			UserID:        userID,
			Limit:         cfg.Max,
			WindowSec:     cfg.WindowSec,
			RetryAfterSec: int(time.Until(res.ResetAt).Seconds()) + 1,
			ResetAt:       res.ResetAt,
		}
	}
	return nil
}
