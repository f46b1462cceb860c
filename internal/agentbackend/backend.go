// Package agentbackend implements C3: the agent backend registry. Each
// backend satisfies a uniform capability set so the job manager (C4) can
// drive any backendKind identically.
//
// Grounded on pkg/llm/registry.go's two-phase factory/activate Registry
// (renamed provider -> backend) and pkg/agent/agent.go's streaming/tool
// execution shape.
package agentbackend

import (
	"context"
)

// Kind identifies a backend implementation, matching spec §3's
// backendKind enum.
type Kind string

const (
	KindCLI    Kind = "cli"
	KindDSL    Kind = "dsl"
	KindCustom Kind = "custom"
)

// Input is the backend-specific opaque payload submitted with a job.
// Concrete backends type-assert the fields they need out of Fields.
type Input struct {
	// Fields carries the backend-specific parameters (prompt, source,
	// model, etc.) as an untyped map, mirroring pkg/workflow's
	// context-as-map convention at the backend boundary.
	Fields map[string]any
}

// EventType enumerates the BackendEvent variants spec §4.3 names.
type EventType string

const (
	EventStart    EventType = "start"
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventProgress EventType = "progress"
	EventPartial  EventType = "partial"
	EventEnd      EventType = "end"
)

// Event is one ordered delivery from a backend's execute loop to its sink.
type Event struct {
	Type    EventType
	Chunk   []byte  // Stdout / Stderr
	Percent float64 // Progress
	Stage   string  // Progress
	Delta   any     // Partial
	Result  *Result // End
}

// Sink receives ordered Events synchronously; a backend must not begin its
// next event until Sink returns, preserving the job's total order.
type Sink func(Event)

// Result is the backend's terminal, normalized output. Spec §9 calls out
// normalizing stdout-may-be-string-or-object drift at exactly this
// boundary: transport adapters render ResultPayload, never the raw
// backend-native shape.
type Result struct {
	Success      bool
	ExitCode     int
	Stdout       string
	Stderr       string
	ResultPayload any
	DurationMs   int64
	ErrorMessage string
}

// Diagnostic is one line/column validation finding, used by ValidationReport.
type Diagnostic struct {
	Line    int
	Column  int
	Message string
	Severity string // "error" | "warning"
}

// ValidationReport is returned by Validate. A report with Errors is never
// advanced to execution (spec §4.3's DSL validation-before-rendering rule).
type ValidationReport struct {
	Valid    bool
	Errors   []Diagnostic
	Warnings []Diagnostic
}

// Backend is the uniform capability set every agent backend implements.
type Backend interface {
	// Kind identifies this backend (cli, dsl, custom-name).
	Kind() Kind

	// Validate checks input before execution without side effects.
	Validate(ctx context.Context, input Input) (ValidationReport, error)

	// Execute runs input to completion, delivering ordered events to sink.
	// ctx carries cancellation/deadline; Execute must return promptly once
	// ctx is done, having delivered a terminal End event with
	// errorKind-appropriate Result.
	Execute(ctx context.Context, input Input, sink Sink) (Result, error)

	// SupportsStreaming reports whether Progress/Partial events are
	// meaningful for this backend (DSL reports percent/stage; a trivial
	// custom backend might only ever emit Start/End).
	SupportsStreaming() bool
}

// PostProcessor optionally transforms a backend's raw stdout before it is
// stored as ResultPayload. Spec §9 Open Question: markdown-fence stripping
// is modeled as a PostProcessor bound at registration, not hardcoded into
// the CLI backend.
type PostProcessor func(stdout string) string

// StripCodeFences is a PostProcessor that removes a single leading/trailing
// ``` fenced block, if present.
func StripCodeFences(stdout string) string {
	s := stdout
	trimmed := trimSpaceBoth(s)
	if len(trimmed) < 6 || trimmed[:3] != "```" {
		return s
	}
	rest := trimmed[3:]
	if nl := indexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if idx := lastIndexFence(rest); idx >= 0 {
		rest = rest[:idx]
	}
	return trimSpaceBoth(rest)
}

func trimSpaceBoth(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexFence(s string) int {
	for i := len(s) - 3; i >= 0; i-- {
		if s[i] == '`' && s[i+1] == '`' && s[i+2] == '`' {
			return i
		}
	}
	return -1
}
