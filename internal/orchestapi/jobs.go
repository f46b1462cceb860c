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

// Package orchestapi is the HTTP surface over C4 (jobmanager), C6
// (eventbus) and C7/C8 (workflow/collab), grounded on
// internal/daemon/api/runs.go's RunsHandler: same route shape
// (POST/GET/DELETE /v1/runs, SSE streaming of /logs via
// Accept: text/event-stream), adapted from runner.Runner to
// jobmanager.Manager.
package orchestapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tombarlow/orchestrator/internal/agentbackend"
	"github.com/tombarlow/orchestrator/internal/daemon/auth"
	"github.com/tombarlow/orchestrator/internal/daemon/httputil"
	"github.com/tombarlow/orchestrator/internal/jobmanager"
	"github.com/tombarlow/orchestrator/internal/ratelimit"
	conductorerrors "github.com/tombarlow/orchestrator/pkg/errors"
)

// JobsHandler handles job submission, inspection, streaming and
// cancellation requests.
type JobsHandler struct {
	manager *jobmanager.Manager
	limiter *ratelimit.Limiter
}

// NewJobsHandler creates a JobsHandler over manager, admission-checking
// every submission against limiter's "submit" limit.
func NewJobsHandler(manager *jobmanager.Manager, limiter *ratelimit.Limiter) *JobsHandler {
	return &JobsHandler{manager: manager, limiter: limiter}
}

// RegisterRoutes registers job API routes on mux.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/jobs", h.handleSubmit)
	mux.HandleFunc("GET /v1/jobs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/jobs/{id}/events", h.handleStream)
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.handleCancel)
}

// submitRequest is the POST /v1/jobs request body.
type submitRequest struct {
	BackendKind string         `json:"backendKind"`
	Input       map[string]any `json:"input"`
	Priority    int            `json:"priority,omitempty"`
	TimeoutMs   int64          `json:"timeoutMs,omitempty"`
}

func callerUserID(r *http.Request) (string, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		return "", false
	}
	return user.ID, true
}

func (h *JobsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerUserID(r)
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authenticated user")
		return
	}

	if h.limiter != nil {
		if err := h.limiter.Require(r.Context(), "submit", userID); err != nil {
			writeKindedError(w, err)
			return
		}
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.BackendKind == "" {
		httputil.WriteError(w, http.StatusBadRequest, "backendKind is required")
		return
	}

	admitted, err := h.manager.Submit(r.Context(), jobmanager.Spec{
		UserID:      userID,
		BackendKind: agentbackend.Kind(req.BackendKind),
		Input:       agentbackend.Input{Fields: req.Input},
		Priority:    req.Priority,
		TimeoutMs:   req.TimeoutMs,
	})
	if err != nil {
		writeKindedError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, admitted)
}

func (h *JobsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerUserID(r)
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authenticated user")
		return
	}
	id := r.PathValue("id")
	state, err := h.manager.GetState(id, userID)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, state)
}

func (h *JobsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerUserID(r)
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authenticated user")
		return
	}
	id := r.PathValue("id")
	if err := h.manager.Cancel(id, userID); err != nil {
		writeKindedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleStream serves job progress over SSE, grounded on
// api/runs.go's streamLogs: replay-then-subscribe, "event: done" on
// terminal events.
func (h *JobsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerUserID(r)
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authenticated user")
		return
	}
	id := r.PathValue("id")

	if _, err := h.manager.GetState(id, userID); err != nil {
		writeKindedError(w, err)
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		state, err := h.manager.GetState(id, userID)
		if err != nil {
			writeKindedError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, state)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsubscribe := h.manager.Subscribe(id)
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Terminal {
				fmt.Fprintf(w, "event: done\ndata: {\"jobId\":%q}\n\n", ev.JobID)
				flusher.Flush()
				return
			}
		}
	}
}

// writeKindedError maps a pkg/errors.Kinded error to its wire status code,
// matching pkg/errors/orchestration.go's Kind enum.
func writeKindedError(w http.ResponseWriter, err error) {
	var kinded conductorerrors.Kinded
	if !errors.As(err, &kinded) {
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch kinded.ErrorKind() {
	case conductorerrors.KindValidationFailed:
		status = http.StatusBadRequest
	case conductorerrors.KindUnauthorized:
		status = http.StatusUnauthorized
	case conductorerrors.KindForbidden:
		status = http.StatusForbidden
	case conductorerrors.KindNotFound:
		status = http.StatusNotFound
	case conductorerrors.KindRateLimitExceeded:
		status = http.StatusTooManyRequests
	case conductorerrors.KindQueueFull:
		status = http.StatusServiceUnavailable
	case conductorerrors.KindBackendUnavailable:
		status = http.StatusServiceUnavailable
	case conductorerrors.KindExecutionFailed:
		status = http.StatusUnprocessableEntity
	case conductorerrors.KindTimeout:
		status = http.StatusGatewayTimeout
	case conductorerrors.KindCancelled:
		status = http.StatusConflict
	case conductorerrors.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	httputil.WriteError(w, status, err.Error())
}
