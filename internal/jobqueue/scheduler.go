// Package jobqueue implements C5: a per-backendKind priority queue and
// scheduler. An active set of running jobs is bounded by maxConcurrent; a
// priority-ordered waiting queue holds the rest, scored
// (-priority, enqueueTime) so higher priority and earlier enqueue win ties.
//
// Grounded on internal/daemon/queue.MemoryQueue's priority-ordered linear
// insert and signal-channel blocking idiom, extended with the
// queuePosition/estimatedWaitSeconds bookkeeping spec §4.5 requires.
package jobqueue

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrQueueClosed is returned by operations on a closed Scheduler, matching
// internal/daemon/queue's ErrQueueClosed.
var ErrQueueClosed = errors.New("jobqueue: scheduler is closed")

// ErrQueueFull is returned by Submit when the waiting queue for a backend
// kind is saturated (spec §5's QueueFull admission rule).
var ErrQueueFull = errors.New("jobqueue: queue is full")

// Entry is a QueueEntry: a reference to a job held in the waiting queue.
type Entry struct {
	JobID       string
	Priority    int
	EnqueueTime time.Time
}

// Config bounds one backend kind's scheduler.
type Config struct {
	MaxConcurrent int
	MaxQueueSize  int
}

// Scheduler holds one backend kind's active set and waiting queue. Start
// is invoked by the caller (the job manager) once a slot frees up or
// admission succeeds immediately.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	active  map[string]struct{}
	waiting []*Entry // ordered by (-priority, enqueueTime)
	closed  bool

	// movingAvgDurationMs feeds estimatedWaitSeconds; updated by the job
	// manager via RecordDuration on every terminal job.
	movingAvgDurationMs float64
	observedDurations   int
}

// New creates a Scheduler for one backendKind.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{
		cfg:                 cfg,
		active:              make(map[string]struct{}),
		movingAvgDurationMs: 1000,
	}
}

// Admission is the outcome of Submit: either the job may start
// immediately, or it was enqueued with the given position/wait estimate.
type Admission struct {
	StartImmediately     bool
	QueuePosition        int // 1-based rank among waiters, 0 if StartImmediately
	EstimatedWaitSeconds float64
}

// Submit registers jobID with the given priority. If the active set has
// spare capacity, it is admitted immediately and added to the active set.
// Otherwise it is inserted into the waiting queue in priority order.
func (s *Scheduler) Submit(jobID string, priority int) (Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Admission{}, ErrQueueClosed
	}

	if len(s.active) < s.cfg.MaxConcurrent {
		s.active[jobID] = struct{}{}
		return Admission{StartImmediately: true}, nil
	}

	if s.cfg.MaxQueueSize > 0 && len(s.waiting) >= s.cfg.MaxQueueSize {
		return Admission{}, ErrQueueFull
	}

	entry := &Entry{JobID: jobID, Priority: priority, EnqueueTime: time.Now()}
	s.insertLocked(entry)
	pos := s.positionLocked(jobID)
	return Admission{
		StartImmediately:     false,
		QueuePosition:        pos,
		EstimatedWaitSeconds: s.estimatedWaitLocked(pos),
	}, nil
}

// insertLocked inserts entry keeping waiting sorted by (-priority,
// enqueueTime): a strictly-greater priority jumps ahead; equal priority
// goes to the end, preserving FIFO-within-priority exactly as
// internal/daemon/queue.MemoryQueue.Enqueue does.
func (s *Scheduler) insertLocked(entry *Entry) {
	for i, e := range s.waiting {
		if entry.Priority > e.Priority {
			s.waiting = append(s.waiting[:i], append([]*Entry{entry}, s.waiting[i:]...)...)
			return
		}
	}
	s.waiting = append(s.waiting, entry)
}

func (s *Scheduler) positionLocked(jobID string) int {
	for i, e := range s.waiting {
		if e.JobID == jobID {
			return i + 1
		}
	}
	return 0
}

func (s *Scheduler) estimatedWaitLocked(position int) float64 {
	active := len(s.active)
	if active < 1 {
		active = 1
	}
	rounds := math.Ceil(float64(position) / float64(active))
	return rounds * s.movingAvgDurationMs / 1000
}

// QueuePosition returns jobID's current 1-based rank among waiters, or 0 if
// it is not currently waiting (either active or unknown).
func (s *Scheduler) QueuePosition(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(jobID)
}

// EstimatedWaitSeconds returns the current wait estimate for jobID, 0 if
// not waiting.
func (s *Scheduler) EstimatedWaitSeconds(jobID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positionLocked(jobID)
	if pos == 0 {
		return 0
	}
	return s.estimatedWaitLocked(pos)
}

// Terminal removes jobID from the active set (if present) and pops the
// highest-priority waiter, admitting it into the active set. It returns
// the jobID of the newly-started waiter, if any.
func (s *Scheduler) Terminal(jobID string, durationMs float64) (started string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, jobID)
	if durationMs > 0 {
		s.recordDurationLocked(durationMs)
	}

	if s.closed || len(s.waiting) == 0 || len(s.active) >= s.cfg.MaxConcurrent {
		return "", false
	}

	next := s.waiting[0]
	s.waiting = s.waiting[1:]
	s.active[next.JobID] = struct{}{}
	return next.JobID, true
}

func (s *Scheduler) recordDurationLocked(durationMs float64) {
	s.observedDurations++
	// Simple exponentially-weighted moving average; 0.2 weight on the
	// newest sample, matching the teacher's bounded-sample style of
	// favoring recent behavior without unbounded memory.
	const alpha = 0.2
	s.movingAvgDurationMs = (1-alpha)*s.movingAvgDurationMs + alpha*durationMs
}

// Remove drops jobID from either the active set or the waiting queue
// without starting a replacement (used when a queued job is cancelled
// before it ever starts).
func (s *Scheduler) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
	for i, e := range s.waiting {
		if e.JobID == jobID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			return
		}
	}
}

// MaxQueueSize returns the configured waiting-queue cap (0 = unbounded).
func (s *Scheduler) MaxQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxQueueSize
}

// ActiveCount returns the number of jobs currently in the active set.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Waiting returns a snapshot of the current waiting queue, ordered.
func (s *Scheduler) Waiting() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.waiting))
	for i, e := range s.waiting {
		out[i] = *e
	}
	return out
}

// Drain closes the scheduler for new submissions and returns every
// currently-waiting entry so the caller can transition them to
// cancelled(errorKind=Shutdown) per spec §4.5.
func (s *Scheduler) Drain(_ context.Context) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	out := make([]Entry, len(s.waiting))
	for i, e := range s.waiting {
		out[i] = *e
	}
	s.waiting = nil
	return out
}
