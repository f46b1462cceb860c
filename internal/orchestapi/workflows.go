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

package orchestapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tombarlow/orchestrator/internal/collab"
	"github.com/tombarlow/orchestrator/internal/daemon/auth"
	"github.com/tombarlow/orchestrator/internal/daemon/httputil"
	"github.com/tombarlow/orchestrator/internal/ratelimit"
	"github.com/tombarlow/orchestrator/pkg/llm"
	"github.com/tombarlow/orchestrator/pkg/workflow"
)

// voteJudge extracts a participant's verdict from a trailing "AGREE" or
// "DISAGREE" token, the convention collab.Judge's doc comment describes
// (participants asked to end their turn with an explicit verdict).
func voteJudge(content string) (agree bool, ok bool) {
	upper := strings.ToUpper(content)
	switch {
	case strings.Contains(upper, "DISAGREE"):
		return false, true
	case strings.Contains(upper, "AGREE"):
		return true, true
	default:
		return false, false
	}
}

// WorkflowHandler runs multi-step agent workflows (sequential, parallel,
// conditional, map-reduce via foreach/depends_on) and the two collaboration
// patterns (self-critique, discussion) that sit above a single job.
type WorkflowHandler struct {
	executor *workflow.Executor
	limiter  *ratelimit.Limiter
	// respond builds the Responder a collab pattern drives; supplied by
	// the composition root since it depends on which backend produces
	// completions for collab rounds.
	respond func(agentbackend string) collab.Responder
	// costTracker accumulates cost/token records across runs so per-run
	// CostLimitEnforcer instances can sum "this run's" usage so far.
	costTracker *llm.CostTracker
}

// NewWorkflowHandler creates a WorkflowHandler.
func NewWorkflowHandler(executor *workflow.Executor, limiter *ratelimit.Limiter, respond func(agentbackend string) collab.Responder) *WorkflowHandler {
	return &WorkflowHandler{executor: executor, limiter: limiter, respond: respond, costTracker: llm.NewCostTracker()}
}

// RegisterRoutes registers workflow and collaboration API routes on mux.
func (h *WorkflowHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/workflows/run", h.handleRun)
	mux.HandleFunc("POST /v1/collab/critique", h.handleCritique)
	mux.HandleFunc("POST /v1/collab/discuss", h.handleDiscuss)
}

// runRequest is the POST /v1/workflows/run request body: a workflow
// definition (inline YAML, matching the teacher's workflow file format)
// plus initial inputs.
type runRequest struct {
	DefinitionYAML string         `json:"definitionYaml"`
	Inputs         map[string]any `json:"inputs,omitempty"`
}

func (h *WorkflowHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerUserID(r)
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authenticated user")
		return
	}
	if h.limiter != nil {
		if err := h.limiter.Require(r.Context(), "workflow", userID); err != nil {
			writeKindedError(w, err)
			return
		}
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var def workflow.Definition
	if err := yaml.Unmarshal([]byte(req.DefinitionYAML), &def); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid workflow definition: %v", err))
		return
	}
	if err := workflow.ValidateDAG(def.Steps); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid workflow: %v", err))
		return
	}
	secResult := workflow.ValidateSecurity(&def)
	if len(secResult.Errors) > 0 {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("workflow failed security validation: %s", secResult.Errors[0].Message))
		return
	}

	workflowContext := map[string]any{"inputs": req.Inputs}
	runID := uuid.NewString()
	runExecutor := h.executor.Clone().WithCostLimits(&def, h.costTracker, runID)
	result, err := workflow.RunDefinition(r.Context(), runExecutor, &def, workflowContext)
	if err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// critiqueRequest is the POST /v1/collab/critique request body.
type critiqueRequest struct {
	Task          string  `json:"task"`
	BackendKind   string  `json:"backendKind"`
	MaxIterations int     `json:"maxIterations,omitempty"`
	PassThreshold float64 `json:"passThreshold,omitempty"`
}

func (h *WorkflowHandler) handleCritique(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerUserID(r)
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authenticated user")
		return
	}
	if h.limiter != nil {
		if err := h.limiter.Require(r.Context(), "workflow", userID); err != nil {
			writeKindedError(w, err)
			return
		}
	}

	var req critiqueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Task == "" {
		httputil.WriteError(w, http.StatusBadRequest, "task is required")
		return
	}

	cfg := collab.CritiqueConfig{
		Generator:     h.respond(req.BackendKind),
		Critic:        h.respond(req.BackendKind),
		MaxIterations: req.MaxIterations,
		PassThreshold: req.PassThreshold,
	}

	result, err := collab.RunSelfCritique(r.Context(), cfg, req.Task)
	if err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// discussRequest is the POST /v1/collab/discuss request body.
type discussRequest struct {
	Topic        string   `json:"topic"`
	Participants []string `json:"participants"`
	MaxRounds    int      `json:"maxRounds,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
}

func (h *WorkflowHandler) handleDiscuss(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerUserID(r)
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authenticated user")
		return
	}
	if h.limiter != nil {
		if err := h.limiter.Require(r.Context(), "workflow", userID); err != nil {
			writeKindedError(w, err)
			return
		}
	}

	var req discussRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Topic == "" || len(req.Participants) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "topic and participants are required")
		return
	}

	participants := make([]collab.Participant, 0, len(req.Participants))
	for _, name := range req.Participants {
		participants = append(participants, collab.Participant{
			Name:      name,
			Responder: h.respond(name),
		})
	}

	cfg := collab.DiscussionConfig{
		Topic:        req.Topic,
		Participants: participants,
		MaxRounds:    req.MaxRounds,
		Strategy:     collab.ConsensusStrategy(req.Strategy),
	}
	if cfg.Strategy != collab.ConsensusFacilitator {
		cfg.Judge = voteJudge
	}

	result, err := collab.RunDiscussion(r.Context(), cfg)
	if err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
