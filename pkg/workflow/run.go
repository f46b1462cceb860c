package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tombarlow/orchestrator/pkg/errors"
)

// RunResult is the outcome of driving a full Definition through an
// Executor: one StepResult per step, keyed by step ID.
type RunResult struct {
	Steps map[string]*StepResult
}

// RunOption configures RunDefinition.
type RunOption func(*runConfig)

type runConfig struct {
	concurrency int
}

// WithRunConcurrency bounds how many independent, dependency-satisfied
// steps may execute at once when depends_on is used. Defaults to
// DefaultParallelConcurrency.
func WithRunConcurrency(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// RunDefinition drives every step of def through e to completion (or first
// unrecovered failure), honoring depends_on when present and falling back
// to plain array order otherwise (the pre-existing, untouched behavior for
// every workflow that does not use depends_on).
//
// Steps with no depends_on edges between them become independently
// runnable once their own dependencies finish; a full topological layer of
// independently-runnable steps executes concurrently, bounded by
// concurrency, before the next layer is computed. A step's type
// (condition, parallel, loop, llm, ...) continues to be interpreted
// entirely by Executor.Execute — RunDefinition only decides WHEN each
// top-level step becomes eligible to start.
//
// Grounded on the same Kahn's-algorithm layering as ValidateDAG, this is
// the piece a plain per-step executor never provided: a dependency-
// ordered, possibly-concurrent driver above individual step execution.
func RunDefinition(ctx context.Context, e *Executor, def *Definition, workflowContext map[string]interface{}, opts ...RunOption) (*RunResult, error) {
	if err := ValidateDAG(def.Steps); err != nil {
		return nil, err
	}

	cfg := runConfig{concurrency: DefaultParallelConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}

	templateCtx, _ := workflowContext["_templateContext"].(*TemplateContext)
	if templateCtx == nil {
		templateCtx = NewTemplateContext()
		workflowContext["_templateContext"] = templateCtx
	}

	result := &RunResult{Steps: make(map[string]*StepResult, len(def.Steps))}

	if !anyDependsOn(def.Steps) {
		// Unchanged behavior: plain sequential array order.
		for i := range def.Steps {
			step := &def.Steps[i]
			sr, err := e.Execute(ctx, step, workflowContext)
			if sr != nil {
				result.Steps[step.ID] = sr
				recordStepOutput(templateCtx, sr)
			}
			if err != nil {
				return result, fmt.Errorf("step %s: %w", step.ID, err)
			}
		}
		return result, nil
	}

	return runDAG(ctx, e, def.Steps, workflowContext, templateCtx, cfg, result)
}

func runDAG(ctx context.Context, e *Executor, steps []StepDefinition, workflowContext map[string]interface{}, templateCtx *TemplateContext, cfg runConfig, result *RunResult) (*RunResult, error) {
	byID := make(map[string]*StepDefinition, len(steps))
	index := make(map[string]int, len(steps))
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	remaining := make(map[string]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		byID[s.ID] = s
		index[s.ID] = i
		inDegree[s.ID] = len(s.DependsOn)
		remaining[s.ID] = true
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	for len(remaining) > 0 {
		var layer []string
		for id := range remaining {
			if inDegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		sort.Slice(layer, func(i, j int) bool { return index[layer[i]] < index[layer[j]] })

		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		sem := make(chan struct{}, cfg.concurrency)

		for _, id := range layer {
			wg.Add(1)
			sem <- struct{}{}
			go func(stepID string) {
				defer wg.Done()
				defer func() { <-sem }()

				step := byID[stepID]
				sr, err := e.Execute(ctx, step, workflowContext)

				mu.Lock()
				defer mu.Unlock()
				if sr != nil {
					result.Steps[stepID] = sr
					recordStepOutput(templateCtx, sr)
				}
				if err != nil && firstErr == nil {
					firstErr = fmt.Errorf("step %s: %w", stepID, err)
				}
			}(id)
		}
		wg.Wait()

		if firstErr != nil {
			return result, firstErr
		}

		for _, id := range layer {
			delete(remaining, id)
			for _, next := range dependents[id] {
				inDegree[next]--
			}
		}
	}

	return result, nil
}

func recordStepOutput(tc *TemplateContext, sr *StepResult) {
	if sr == nil {
		return
	}
	tc.SetStepOutput(sr.StepID, sr.Output)
}

// ReduceStepOutputs aggregates the Output[key] values of sourceStepIDs into
// a single slice, suitable for feeding a subsequent "reduce" step's Inputs
// in a map-reduce pattern (a foreach/parallel "map" step followed by a
// depends_on step that reduces over its siblings' results). Unknown source
// step IDs are skipped rather than erroring, since a conditional
// predecessor may have been skipped.
func ReduceStepOutputs(result *RunResult, key string, sourceStepIDs []string) []interface{} {
	out := make([]interface{}, 0, len(sourceStepIDs))
	for _, id := range sourceStepIDs {
		sr, ok := result.Steps[id]
		if !ok || sr.Output == nil {
			continue
		}
		if v, ok := sr.Output[key]; ok {
			out = append(out, v)
		}
	}
	return out
}

// StepError builds a validation-shaped error for a failed step reference,
// used by callers translating RunDefinition failures to the orchestration
// wire error taxonomy.
func StepError(stepID, detail string) error {
	return &errors.ValidationError{Field: "steps." + stepID, Message: detail}
}
