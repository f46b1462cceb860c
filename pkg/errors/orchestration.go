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

package errors

import (
	"fmt"
	"time"
)

// Kind is a wire-stable error classification. Transport adapters switch on
// this instead of matching on Error() text.
type Kind string

const (
	KindValidationFailed    Kind = "VALIDATION_FAILED"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindForbidden           Kind = "FORBIDDEN"
	KindNotFound            Kind = "NOT_FOUND"
	KindRateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	KindQueueFull           Kind = "QUEUE_FULL"
	KindBackendUnavailable  Kind = "BACKEND_UNAVAILABLE"
	KindExecutionFailed     Kind = "EXECUTION_FAILED"
	KindTimeout             Kind = "TIMEOUT"
	KindCancelled           Kind = "CANCELLED"
	KindInternal            Kind = "INTERNAL_ERROR"
	KindStoreUnavailable    Kind = "STORE_UNAVAILABLE"
)

// Kinded is implemented by every error type in this file so callers can
// recover the wire-stable kind with a single type switch/assertion.
type Kinded interface {
	error
	ErrorKind() Kind
}

// ForbiddenError indicates the caller does not own the job/workflow it
// attempted to read, cancel, or otherwise act on.
type ForbiddenError struct {
	Resource string
	ID       string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s: caller is not the owner", e.Resource, e.ID)
}

func (e *ForbiddenError) ErrorKind() Kind { return KindForbidden }

// RateLimitExceededError indicates admission was rejected by the rate
// limiter. RetryAfterSec is surfaced to the caller verbatim.
type RateLimitExceededError struct {
	UserID        string
	Limit         int
	WindowSec     int
	RetryAfterSec int
	ResetAt       time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for user %s: %d/%ds window, retry after %ds",
		e.UserID, e.Limit, e.WindowSec, e.RetryAfterSec)
}

func (e *RateLimitExceededError) ErrorKind() Kind { return KindRateLimitExceeded }

// QueueFullError indicates admission was rejected because the waiting
// queue for a backend kind is saturated.
type QueueFullError struct {
	BackendKind string
	MaxQueueSize int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue for backend %q is full (max %d)", e.BackendKind, e.MaxQueueSize)
}

func (e *QueueFullError) ErrorKind() Kind { return KindQueueFull }

// BackendUnavailableError indicates no agent backend (nor its SDK fallback)
// is usable for the requested agent type.
type BackendUnavailableError struct {
	AgentType string
	Reason    string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %q unavailable: %s", e.AgentType, e.Reason)
}

func (e *BackendUnavailableError) ErrorKind() Kind { return KindBackendUnavailable }

// ExecutionFailedError wraps a backend-reported failure (non-zero exit
// code, evaluator exception, etc.). Cause carries the original error.
type ExecutionFailedError struct {
	JobID  string
	Detail string
	Cause  error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("job %s execution failed: %s", e.JobID, e.Detail)
}

func (e *ExecutionFailedError) Unwrap() error { return e.Cause }

func (e *ExecutionFailedError) ErrorKind() Kind { return KindExecutionFailed }

// CancelledError indicates the job or workflow terminated due to caller or
// system cancellation (including timeout, which converts to cancellation at
// the innermost component).
type CancelledError struct {
	JobID  string
	Reason string // "user", "timeout", "shutdown"
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("job %s cancelled: %s", e.JobID, e.Reason)
}

func (e *CancelledError) ErrorKind() Kind { return KindCancelled }

// InternalErrorWire is INTERNAL_ERROR surfaced to callers with a generic
// message; Cause carries the real detail for server-side logging only and
// must never be serialized to the wire.
type InternalErrorWire struct {
	Cause error
}

func (e *InternalErrorWire) Error() string {
	return "internal error"
}

func (e *InternalErrorWire) Unwrap() error { return e.Cause }

func (e *InternalErrorWire) ErrorKind() Kind { return KindInternal }

// StoreUnavailableError indicates the shared state store (C1) could not be
// reached after the configured retry budget. The job manager tolerates this
// transiently: the in-memory job continues to run, and the last known state
// is persisted best-effort once the store recovers.
type StoreUnavailableError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

func (e *StoreUnavailableError) ErrorKind() Kind { return KindStoreUnavailable }

// UnauthorizedError indicates the transport layer presented no (or an
// invalid) authentication context. The orchestration core never verifies
// credentials itself; it surfaces this when a required userID is empty.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

func (e *UnauthorizedError) ErrorKind() Kind { return KindUnauthorized }

// ErrorKind implementations for the pre-existing error types so every
// error type in this package satisfies Kinded uniformly.

func (e *ValidationError) ErrorKind() Kind { return KindValidationFailed }

func (e *NotFoundError) ErrorKind() Kind { return KindNotFound }

func (e *TimeoutError) ErrorKind() Kind { return KindTimeout }
