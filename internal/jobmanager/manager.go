package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombarlow/orchestrator/internal/agentbackend"
	"github.com/tombarlow/orchestrator/internal/eventbus"
	"github.com/tombarlow/orchestrator/internal/jobqueue"
	"github.com/tombarlow/orchestrator/internal/store"
	conductorerrors "github.com/tombarlow/orchestrator/pkg/errors"
)

// Config bounds the manager's behavior. Per-backend-kind concurrency
// limits live on the individual jobqueue.Scheduler instances registered
// via RegisterBackend.
type Config struct {
	BufferMaxBytes  int           // default 8 MiB, spec §4.4
	DefaultTimeout  time.Duration // default 300s, spec §6.4 cli.defaultTimeoutMs
	ActiveTTL       time.Duration
	RetentionTTL    time.Duration
}

func (c *Config) applyDefaults() {
	if c.BufferMaxBytes <= 0 {
		c.BufferMaxBytes = 8 * 1024 * 1024
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = store.DefaultActiveTTL
	}
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = store.DefaultRetentionTTL
	}
}

// MetricsSink receives one record per terminal job, feeding C9.
type MetricsSink func(backendKind agentbackend.Kind, status Status, durationMs int64)

// handle is the manager's live, mutable tracking for one job. Job itself
// is guarded by mu; external readers only ever see State snapshots.
type handle struct {
	mu        sync.Mutex
	job       *Job
	cancelFn  context.CancelFunc
	cancelOnce sync.Once
	cancelled  chan struct{}
}

// Manager is the C4 process/job manager.
type Manager struct {
	cfg      Config
	store    store.Store
	bus      *eventbus.Bus
	registry *agentbackend.Registry
	logger   *slog.Logger
	metrics  MetricsSink

	mu         sync.Mutex
	jobs       map[string]*handle
	schedulers map[agentbackend.Kind]*jobqueue.Scheduler

	draining atomic.Bool
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }
func WithMetricsSink(fn MetricsSink) Option { return func(m *Manager) { m.metrics = fn } }

// New constructs a Manager. bus should be configured with a Snapshotter
// pointing at m.snapshotEvent (see Bind) before any Subscribe call.
func New(cfg Config, s store.Store, bus *eventbus.Bus, registry *agentbackend.Registry, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:        cfg,
		store:      s,
		bus:        bus,
		registry:   registry,
		logger:     slog.Default(),
		jobs:       make(map[string]*handle),
		schedulers: make(map[agentbackend.Kind]*jobqueue.Scheduler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterBackendQueue attaches the C5 scheduler governing admission for
// one backend kind (CLI=3, DSL=2 active by default per spec §4.5).
func (m *Manager) RegisterBackendQueue(kind agentbackend.Kind, sched *jobqueue.Scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedulers[kind] = sched
}

func (m *Manager) schedulerFor(kind agentbackend.Kind) (*jobqueue.Scheduler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedulers[kind]
	return s, ok
}

// Submit is the C4 submit operation.
func (m *Manager) Submit(ctx context.Context, spec Spec) (Admitted, error) {
	if m.draining.Load() {
		return Admitted{}, &conductorerrors.ValidationError{Message: "service is draining, not accepting new jobs"}
	}
	if spec.UserID == "" {
		return Admitted{}, &conductorerrors.UnauthorizedError{Reason: "missing userId"}
	}

	sched, ok := m.schedulerFor(spec.BackendKind)
	if !ok {
		return Admitted{}, &conductorerrors.BackendUnavailableError{AgentType: string(spec.BackendKind), Reason: "no scheduler registered"}
	}

	backend, err := m.registry.Get(spec.BackendKind)
	if err != nil {
		return Admitted{}, &conductorerrors.BackendUnavailableError{AgentType: string(spec.BackendKind), Reason: err.Error()}
	}
	if report, verr := backend.Validate(ctx, spec.Input); verr == nil && !report.Valid {
		return Admitted{}, &conductorerrors.ValidationError{Message: fmt.Sprintf("%v", report.Errors)}
	}

	jobID := spec.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	timeout := m.cfg.DefaultTimeout
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}

	job := &Job{
		JobID:       jobID,
		UserID:      spec.UserID,
		BackendKind: spec.BackendKind,
		Input:       spec.Input,
		Priority:    spec.Priority,
		TimeoutMs:   timeout.Milliseconds(),
		CreatedAt:   time.Now(),
		Status:      StatusPending,
	}

	h := &handle{job: job, cancelled: make(chan struct{})}

	m.mu.Lock()
	m.jobs[jobID] = h
	m.mu.Unlock()

	m.persistBestEffort(context.Background(), h)

	admission, err := sched.Submit(jobID, spec.Priority)
	if err != nil {
		m.mu.Lock()
		delete(m.jobs, jobID)
		m.mu.Unlock()
		if errors.Is(err, jobqueue.ErrQueueFull) {
			return Admitted{}, &conductorerrors.QueueFullError{BackendKind: string(spec.BackendKind), MaxQueueSize: sched.MaxQueueSize()}
		}
		return Admitted{}, &conductorerrors.BackendUnavailableError{AgentType: string(spec.BackendKind), Reason: "scheduler closed"}
	}

	if admission.StartImmediately {
		m.wg.Add(1)
		go m.run(h)
		return Admitted{JobID: jobID}, nil
	}

	h.mu.Lock()
	h.job.Status = StatusQueued
	pos := admission.QueuePosition
	h.job.QueuePosition = &pos
	h.mu.Unlock()
	m.persistBestEffort(context.Background(), h)
	m.publish(jobID, "cli:queued", map[string]any{
		"jobId": jobID, "queuePosition": admission.QueuePosition, "estimatedWaitSeconds": admission.EstimatedWaitSeconds,
	}, false)

	return Admitted{JobID: jobID, QueuePosition: admission.QueuePosition, EstimatedWaitSeconds: admission.EstimatedWaitSeconds}, nil
}

// run drives one job's execution against its backend. It is invoked both
// for immediate starts and for scheduler-admitted waiters.
func (m *Manager) run(h *handle) {
	defer m.wg.Done()

	h.mu.Lock()
	jobID := h.job.JobID
	kind := h.job.BackendKind
	input := h.job.Input
	timeoutMs := h.job.TimeoutMs
	now := time.Now()
	h.job.Status = StatusRunning
	h.job.StartedAt = &now
	h.job.QueuePosition = nil
	h.mu.Unlock()

	m.persistBestEffort(context.Background(), h)
	m.publish(jobID, string(kind)+":progress", map[string]any{"jobId": jobID, "status": "running"}, false)

	runCtx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	h.mu.Lock()
	h.cancelFn = cancel
	h.mu.Unlock()
	defer cancel()

	backend, err := m.registry.Get(kind)
	if err != nil {
		m.finish(h, StatusFailed, ErrorKindCrash, err.Error(), nil, nil, 0)
		return
	}

	start := time.Now()
	sink := m.sinkFor(h)
	result, execErr := backend.Execute(runCtx, input, sink)
	durationMs := time.Since(start).Milliseconds()

	status, kindErr, message := classify(runCtx, execErr)
	var exitCode *int
	if result.ExitCode != 0 || execErr == nil {
		ec := result.ExitCode
		exitCode = &ec
	}
	m.finish(h, status, kindErr, message, exitCode, result.ResultPayload, durationMs)
}

func classify(ctx context.Context, err error) (Status, ErrorKind, string) {
	if err == nil {
		return StatusCompleted, ErrorKindNone, ""
	}
	var cancelled *conductorerrors.CancelledError
	if errors.As(err, &cancelled) {
		if cancelled.Reason == "timeout" || ctx.Err() == context.DeadlineExceeded {
			return StatusTimeout, ErrorKindTimeout, err.Error()
		}
		return StatusCancelled, ErrorKindCancelled, err.Error()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return StatusTimeout, ErrorKindTimeout, err.Error()
	}
	var execFailed *conductorerrors.ExecutionFailedError
	if errors.As(err, &execFailed) {
		return StatusFailed, ErrorKindNone, err.Error()
	}
	return StatusFailed, ErrorKindCrash, err.Error()
}

// sinkFor adapts agentbackend.Event deliveries into buffer updates,
// progress tracking, and event bus publication, preserving the backend's
// emission order (spec §4.4's event-ordering guarantee).
func (m *Manager) sinkFor(h *handle) agentbackend.Sink {
	return func(ev agentbackend.Event) {
		jobID := h.job.JobID
		switch ev.Type {
		case agentbackend.EventStart:
			m.publish(jobID, string(h.job.BackendKind)+":started", map[string]any{"jobId": jobID}, false)
		case agentbackend.EventStdout:
			h.mu.Lock()
			h.job.StdoutBuffer, h.job.StdoutTruncated = appendCapped(h.job.StdoutBuffer, ev.Chunk, m.cfg.BufferMaxBytes)
			h.mu.Unlock()
			m.publish(jobID, string(h.job.BackendKind)+":progress", map[string]any{"jobId": jobID, "status": "running", "data": string(ev.Chunk)}, false)
		case agentbackend.EventStderr:
			h.mu.Lock()
			h.job.StderrBuffer, h.job.StderrTruncated = appendCapped(h.job.StderrBuffer, ev.Chunk, m.cfg.BufferMaxBytes)
			h.mu.Unlock()
		case agentbackend.EventProgress:
			h.mu.Lock()
			pct := int(ev.Percent)
			if pct > h.job.Progress {
				h.job.Progress = pct
			}
			h.mu.Unlock()
			m.publish(jobID, "dsl:progress", map[string]any{"jobId": jobID, "percent": ev.Percent, "stage": ev.Stage}, false)
		case agentbackend.EventPartial:
			m.publish(jobID, string(h.job.BackendKind)+":partial", map[string]any{"jobId": jobID, "delta": ev.Delta}, false)
		case agentbackend.EventEnd:
			// Terminal publication happens in finish(), once classify()
			// determines the authoritative status.
		}
	}
}

// finish transitions a job to its terminal state, persists it, publishes
// exactly one terminal event, and hands the scheduler slot to the next
// waiter.
func (m *Manager) finish(h *handle, status Status, kind ErrorKind, message string, exitCode *int, payload any, durationMs int64) {
	h.mu.Lock()
	if h.job.Status.IsTerminal() {
		h.mu.Unlock()
		return
	}
	now := time.Now()
	h.job.Status = status
	h.job.CompletedAt = &now
	h.job.ErrorKind = kind
	h.job.ErrorMessage = message
	h.job.ExitCode = exitCode
	h.job.ResultPayload = payload
	if status == StatusCompleted {
		h.job.Progress = 100
	}
	jobID := h.job.JobID
	kindStr := h.job.BackendKind
	h.mu.Unlock()

	m.persistBestEffort(context.Background(), h, m.cfg.RetentionTTL)

	eventType := string(kindStr) + ":complete"
	if status != StatusCompleted {
		eventType = string(kindStr) + ":error"
	}
	m.publish(jobID, eventType, map[string]any{
		"jobId": jobID, "status": status, "errorKind": kind, "message": message,
		"exitCode": exitCode, "durationMs": durationMs,
	}, true)

	if m.metrics != nil {
		m.metrics(kindStr, status, durationMs)
	}

	if sched, ok := m.schedulerFor(kindStr); ok {
		if nextID, started := sched.Terminal(jobID, float64(durationMs)); started {
			if next, ok := m.lookup(nextID); ok {
				m.wg.Add(1)
				go m.run(next)
			}
		}
	}
}

// Cancel is the C4 cancel operation: cooperative, idempotent on
// already-terminal jobs.
func (m *Manager) Cancel(jobID, byUser string) error {
	h, ok := m.lookup(jobID)
	if !ok {
		return &conductorerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	h.mu.Lock()
	owner := h.job.UserID
	terminal := h.job.Status.IsTerminal()
	queued := h.job.Status == StatusQueued || h.job.Status == StatusPending
	h.mu.Unlock()

	if owner != byUser {
		return &conductorerrors.ForbiddenError{Resource: "job", ID: jobID}
	}
	if terminal {
		return nil // AlreadyTerminal, idempotent
	}

	if queued {
		if sched, ok := m.schedulerFor(h.job.BackendKind); ok {
			sched.Remove(jobID)
		}
		m.finish(h, StatusCancelled, ErrorKindCancelled, "cancelled while queued", nil, nil, 0)
		return nil
	}

	h.cancelOnce.Do(func() {
		close(h.cancelled)
		h.mu.Lock()
		cancel := h.cancelFn
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}

// GetState is the C4 getState operation: authorization-checked read.
func (m *Manager) GetState(jobID, byUser string) (State, error) {
	h, ok := m.lookup(jobID)
	if !ok {
		return State{}, &conductorerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.job.UserID != byUser {
		return State{}, &conductorerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	return snapshotOf(h.job), nil
}

// Subscribe attaches a listener to jobID's event stream via the bus,
// replaying current state to late subscribers (spec §4.4).
func (m *Manager) Subscribe(jobID string) (<-chan eventbus.Event, func()) {
	sub := m.bus.Subscribe(jobID, false)
	return sub.Events(), sub.Unsubscribe
}

// SnapshotEvent implements eventbus.Snapshotter for the bus this manager
// feeds: synthesizes a Start/Snapshot event from current job state.
func (m *Manager) SnapshotEvent(jobID string) (eventbus.Event, bool) {
	h, ok := m.lookup(jobID)
	if !ok {
		return eventbus.Event{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	data, _ := json.Marshal(map[string]any{
		"jobId":    jobID,
		"status":   h.job.Status,
		"progress": h.job.Progress,
		"stdout":   string(h.job.StdoutBuffer),
	})
	return eventbus.Event{
		JobID: jobID, Seq: 0, Type: "snapshot", Data: data, Timestamp: time.Now(),
		Terminal: h.job.Status.IsTerminal(),
	}, true
}

func (m *Manager) lookup(jobID string) (*handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.jobs[jobID]
	return h, ok
}

func (m *Manager) publish(jobID, eventType string, data map[string]any, terminal bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		m.logger.Warn("jobmanager: failed to marshal event", slog.Any("error", err))
		return
	}
	m.bus.Publish(context.Background(), jobID, eventType, raw, terminal)
}

func (m *Manager) persistBestEffort(ctx context.Context, h *handle, ttlOverride ...time.Duration) {
	h.mu.Lock()
	jobCopy := *h.job
	h.mu.Unlock()

	ttl := m.cfg.ActiveTTL
	if len(ttlOverride) > 0 {
		ttl = ttlOverride[0]
	}
	key := store.Key(store.NamespaceJob, jobCopy.JobID)
	if err := store.PutJSON(ctx, m.store, key, &jobCopy, ttl); err != nil {
		// Spec §4.4/§7: store write failures after process start never abort
		// the job; it runs to completion and the last known state is
		// persisted best-effort.
		m.logger.Warn("jobmanager: best-effort persist failed", slog.String("jobId", jobCopy.JobID), slog.Any("error", err))
	}
}

// appendCapped appends chunk to buf, truncating from the head if the
// result would exceed max, and reports whether truncation occurred (spec
// §4.4's buffer cap rule).
func appendCapped(buf, chunk []byte, max int) ([]byte, bool) {
	buf = append(buf, chunk...)
	if len(buf) <= max {
		return buf, false
	}
	return buf[len(buf)-max:], true
}

// StartDraining stops accepting new submissions; WaitForDrain should be
// called afterward to await active jobs up to a timeout.
func (m *Manager) StartDraining() {
	m.draining.Store(true)
	m.mu.Lock()
	scheds := make([]*jobqueue.Scheduler, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		scheds = append(scheds, s)
	}
	m.mu.Unlock()
	for _, s := range scheds {
		for _, e := range s.Drain(context.Background()) {
			if h, ok := m.lookup(e.JobID); ok {
				m.finish(h, StatusCancelled, ErrorKindShutdown, "queue drained on shutdown", nil, nil, 0)
			}
		}
	}
}

// IsDraining reports whether the manager is shutting down.
func (m *Manager) IsDraining() bool { return m.draining.Load() }

// WaitForDrain awaits all active jobs settling, up to timeout, then force-
// cancels any that remain, matching runner.go's 100ms-ticker poll loop.
func (m *Manager) WaitForDrain(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.activeCount() == 0 {
			return
		}
		if time.Now().After(deadline) {
			m.forceCancelAll()
			return
		}
		select {
		case <-ctx.Done():
			m.forceCancelAll()
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.jobs {
		h.mu.Lock()
		if !h.job.Status.IsTerminal() {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

func (m *Manager) forceCancelAll() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.jobs))
	for _, h := range m.jobs {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.mu.Lock()
		terminal := h.job.Status.IsTerminal()
		h.mu.Unlock()
		if !terminal {
			h.cancelOnce.Do(func() {
				close(h.cancelled)
				h.mu.Lock()
				cancel := h.cancelFn
				h.mu.Unlock()
				if cancel != nil {
					cancel()
				}
			})
		}
	}
	m.wg.Wait()
}
