package agentbackend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pkgerrors "github.com/tombarlow/orchestrator/pkg/errors"
)

// DSLParser validates source text and reports diagnostics. Production
// deployments wire in the live-coding music DSL's real parser; this
// interface is the seam spec §9 calls for (the concrete evaluator is an
// external collaborator).
type DSLParser interface {
	Parse(source string) ValidationReport
}

// DSLEvaluator runs validated source to an audio artifact, reporting
// progress through stages. The evaluator owns the bounded evaluation
// budget (defaultDurationSec, clamped to [1, 300] per spec §6.4).
type DSLEvaluator interface {
	// Evaluate runs source for up to durationSec, calling onProgress as it
	// advances through stages. It must return promptly when ctx is
	// cancelled, leaving partial work undone.
	Evaluate(ctx context.Context, source string, durationSec int, onProgress func(percent float64, stage string)) (AudioArtifact, error)
}

// AudioArtifact is the DSL backend's terminal payload.
type AudioArtifact struct {
	Data       []byte
	SampleRate int
	Channels   int
	Format     string
}

// DSLConfig configures a DSLBackend.
type DSLConfig struct {
	Parser             DSLParser
	Evaluator           DSLEvaluator
	DefaultDurationSec  int // default 30, spec §6.4
	MaxDurationSec      int // default 300
	MinDurationSec      int // default 1
	Logger              *slog.Logger
}

// DSLBackend validates and evaluates live-coding DSL source in-process.
// Grounded on pkg/workflow's two-phase validate-then-execute step shape
// (executeLLMWithSchema's validate-before-advance pattern) generalized to
// the DSL's own validating -> rendering intermediate states (spec §3).
type DSLBackend struct {
	cfg DSLConfig
}

// NewDSLBackend constructs a DSLBackend.
func NewDSLBackend(cfg DSLConfig) *DSLBackend {
	if cfg.DefaultDurationSec <= 0 {
		cfg.DefaultDurationSec = 30
	}
	if cfg.MinDurationSec <= 0 {
		cfg.MinDurationSec = 1
	}
	if cfg.MaxDurationSec <= 0 {
		cfg.MaxDurationSec = 300
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DSLBackend{cfg: cfg}
}

func (b *DSLBackend) Kind() Kind { return KindDSL }

func (b *DSLBackend) SupportsStreaming() bool { return true }

func (b *DSLBackend) Validate(_ context.Context, input Input) (ValidationReport, error) {
	source, _ := input.Fields["source"].(string)
	if source == "" {
		return ValidationReport{Valid: false, Errors: []Diagnostic{{Message: "source is required", Severity: "error"}}}, nil
	}
	if b.cfg.Parser == nil {
		return ValidationReport{Valid: true}, nil
	}
	return b.cfg.Parser.Parse(source), nil
}

func (b *DSLBackend) Execute(ctx context.Context, input Input, sink Sink) (Result, error) {
	start := time.Now()
	sink(Event{Type: EventStart})

	report, err := b.Validate(ctx, input)
	if err != nil {
		return Result{}, err
	}
	if !report.Valid {
		result := Result{Success: false, ErrorMessage: "validation failed", ResultPayload: report}
		sink(Event{Type: EventEnd, Result: &result})
		return result, &pkgerrors.ExecutionFailedError{Detail: "dsl validation failed"}
	}

	source := input.Fields["source"].(string)
	durationSec := b.cfg.DefaultDurationSec
	if v, ok := input.Fields["durationSec"].(int); ok {
		durationSec = v
	}
	if durationSec < b.cfg.MinDurationSec {
		durationSec = b.cfg.MinDurationSec
	}
	if durationSec > b.cfg.MaxDurationSec {
		durationSec = b.cfg.MaxDurationSec
	}

	if b.cfg.Evaluator == nil {
		return Result{}, &pkgerrors.BackendUnavailableError{AgentType: string(KindDSL), Reason: "no evaluator configured"}
	}

	artifact, err := b.cfg.Evaluator.Evaluate(ctx, source, durationSec, func(percent float64, stage string) {
		sink(Event{Type: EventProgress, Percent: percent, Stage: stage})
	})

	duration := time.Since(start)
	if err != nil {
		result := Result{Success: false, ErrorMessage: err.Error(), DurationMs: duration.Milliseconds()}
		sink(Event{Type: EventEnd, Result: &result})
		if ctx.Err() != nil {
			return result, &pkgerrors.CancelledError{Reason: "timeout"}
		}
		return result, &pkgerrors.ExecutionFailedError{Detail: err.Error(), Cause: err}
	}

	result := Result{
		Success:      true,
		ResultPayload: artifact,
		DurationMs:   duration.Milliseconds(),
		Stdout:       fmt.Sprintf("rendered %d bytes at %dHz", len(artifact.Data), artifact.SampleRate),
	}
	sink(Event{Type: EventEnd, Result: &result})
	return result, nil
}
