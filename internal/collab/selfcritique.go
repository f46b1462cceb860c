package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombarlow/orchestrator/pkg/errors"
)

// CriticScore is one named scoring dimension a critic reports, e.g.
// {"correctness": 0.9, "clarity": 0.6}. overallScore is the weighted sum
// against CritiqueConfig.ScoreWeights (spec's weighted overallScore rule).
type CriticScore map[string]float64

// Critique is one critic turn's structured feedback.
type Critique struct {
	Scores   CriticScore
	Feedback string
}

// IterationRecord is one self-critique round, mirroring
// pkg/workflow.IterationRecord's shape (iteration index, timestamp,
// duration, the round's content) generalized with the round's score.
type IterationRecord struct {
	Iteration    int
	Draft        string
	Critique     Critique
	OverallScore float64
	Timestamp    time.Time
	DurationMs   int64
}

// CritiqueConfig configures a self-critique loop.
type CritiqueConfig struct {
	Generator Responder // produces/refines the draft
	Critic    Responder // scores the draft against ScoreWeights' dimensions

	MaxIterations int             // default 5
	ScoreWeights  map[string]float64 // dimension -> weight; normalized internally
	PassThreshold float64         // overallScore at/above which the loop stops early

	GeneratorSystemPrompt string // system prompt used for every generator turn
	CriticSystemPrompt    string // system prompt used for every critic turn; must instruct JSON {"scores":{...},"feedback":"..."}
}

func (c *CritiqueConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if len(c.ScoreWeights) == 0 {
		c.ScoreWeights = map[string]float64{"overall": 1.0}
	}
}

// CritiqueResult is the outcome of RunSelfCritique: the best iteration
// (highest overallScore, latest iteration breaking ties) plus full history.
type CritiqueResult struct {
	Best         IterationRecord
	History      []IterationRecord
	TerminatedBy TerminatedBy
}

// critiqueResponse is the expected shape of the critic's JSON reply.
type critiqueResponse struct {
	Scores   map[string]float64 `json:"scores"`
	Feedback string             `json:"feedback"`
}

// RunSelfCritique drives generator -> critic rounds: the generator
// produces (or refines, given prior feedback) a draft, the critic scores
// it along CritiqueConfig's weighted dimensions, and the loop keeps the
// single highest-scoring iteration (ties broken by the latest iteration,
// matching the redesign note that a later equally-good revision should win
// since it reflects the most current feedback). Stops at PassThreshold or
// MaxIterations, whichever comes first — a do-while loop exactly like
// pkg/workflow.executeLoop's until-condition shape, generalized to a
// numeric score instead of a boolean expression.
func RunSelfCritique(ctx context.Context, cfg CritiqueConfig, task string) (CritiqueResult, error) {
	cfg.applyDefaults()
	if cfg.Generator == nil || cfg.Critic == nil {
		return CritiqueResult{}, &errors.ValidationError{Field: "generator/critic", Message: "self-critique requires both a generator and a critic responder"}
	}

	var history []IterationRecord
	var best *IterationRecord
	terminated := TerminatedByMaxIterations

	var priorFeedback string
	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			terminated = TerminatedByTimeout
			return buildResult(best, history, terminated), ctx.Err()
		default:
		}

		iterStart := time.Now()

		userPrompt := task
		if priorFeedback != "" {
			userPrompt = fmt.Sprintf("%s\n\nPrior critique feedback to address:\n%s", task, priorFeedback)
		}
		draft, err := cfg.Generator.Respond(ctx, cfg.GeneratorSystemPrompt, userPrompt)
		if err != nil {
			terminated = TerminatedByError
			return buildResult(best, history, terminated), fmt.Errorf("self-critique: generator iteration %d: %w", iteration, err)
		}

		critiqueText, err := cfg.Critic.Respond(ctx, cfg.CriticSystemPrompt, draft)
		if err != nil {
			terminated = TerminatedByError
			return buildResult(best, history, terminated), fmt.Errorf("self-critique: critic iteration %d: %w", iteration, err)
		}

		var parsed critiqueResponse
		if err := json.Unmarshal([]byte(critiqueText), &parsed); err != nil {
			// A critic that doesn't return structured JSON is scored as a
			// single "overall" dimension from the raw text length signal
			// being unavailable: treat as a failing score rather than
			// aborting the loop, so one bad critic turn doesn't waste the
			// whole run.
			parsed = critiqueResponse{Scores: map[string]float64{"overall": 0}, Feedback: critiqueText}
		}

		overall := weightedScore(parsed.Scores, cfg.ScoreWeights)
		record := IterationRecord{
			Iteration:    iteration,
			Draft:        draft,
			Critique:     Critique{Scores: parsed.Scores, Feedback: parsed.Feedback},
			OverallScore: overall,
			Timestamp:    time.Now(),
			DurationMs:   time.Since(iterStart).Milliseconds(),
		}
		history = append(history, record)
		history = truncateOldest(history, estimateRecordsSize)

		if best == nil || overall >= best.OverallScore {
			r := record
			best = &r
		}

		if overall >= cfg.PassThreshold {
			terminated = TerminatedByThreshold
			break
		}
		priorFeedback = parsed.Feedback
	}

	return buildResult(best, history, terminated), nil
}

func weightedScore(scores, weights map[string]float64) float64 {
	var total, weightSum float64
	for dim, w := range weights {
		weightSum += w
		if s, ok := scores[dim]; ok {
			total += s * w
		}
	}
	if weightSum == 0 {
		return 0
	}
	return total / weightSum
}

func estimateRecordsSize(records []IterationRecord) int {
	data, err := json.Marshal(records)
	if err != nil {
		return 0
	}
	return len(data)
}

func buildResult(best *IterationRecord, history []IterationRecord, terminated TerminatedBy) CritiqueResult {
	result := CritiqueResult{History: history, TerminatedBy: terminated}
	if best != nil {
		result.Best = *best
	}
	return result
}
