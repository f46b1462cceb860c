package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/tombarlow/orchestrator/pkg/errors"
)

// Participant is one voice in a discussion loop.
type Participant struct {
	Name      string
	Responder Responder
	// Weight is consulted only by the "weighted" strategy; ignored
	// otherwise. Defaults to 1.0 if unset.
	Weight float64
	// SystemPrompt is this participant's standing system prompt.
	SystemPrompt string
}

// Contribution is one participant's turn in one round.
type Contribution struct {
	Participant string
	Content     string
	// Agree is this participant's up/down vote on the current proposal,
	// parsed from Content by the configured Judge (nil if no Judge).
	Agree *bool
}

// Round is every participant's contribution in declaration order for one
// discussion turn, mirroring the IterationRecord shape used by
// self-critique and pkg/workflow's loop history.
type Round struct {
	Index         int
	Contributions []Contribution
	Timestamp     time.Time
	DurationMs    int64
}

// ConsensusStrategy names the four consensus rules spec'd for discussion
// loops.
type ConsensusStrategy string

const (
	// ConsensusUnanimous requires every participant to agree.
	ConsensusUnanimous ConsensusStrategy = "unanimous"
	// ConsensusMajority requires a simple majority of participants to agree.
	ConsensusMajority ConsensusStrategy = "majority"
	// ConsensusWeighted requires agreeing participants' Weight sum to
	// exceed half the total weight.
	ConsensusWeighted ConsensusStrategy = "weighted"
	// ConsensusFacilitator delegates the consensus decision to a dedicated
	// Facilitator responder instead of counting votes.
	ConsensusFacilitator ConsensusStrategy = "facilitator"
)

// Judge extracts an agree/disagree vote from a participant's free-text
// contribution. Production wiring typically asks participants to end their
// turn with an explicit verdict token and has Judge parse it.
type Judge func(content string) (agree bool, ok bool)

// DiscussionConfig configures a discussion loop.
type DiscussionConfig struct {
	Participants []Participant
	Strategy     ConsensusStrategy
	MaxRounds    int // default 5

	Judge Judge // required for unanimous/majority/weighted

	// Facilitator is consulted once per round when Strategy is
	// ConsensusFacilitator; it receives the round's contributions rendered
	// as a single prompt and must reply with "CONSENSUS: <summary>" or
	// "CONTINUE".
	Facilitator       Responder
	FacilitatorPrompt string

	// Topic seeds the first round's prompt to every participant.
	Topic string
}

func (c *DiscussionConfig) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 5
	}
	if c.Strategy == "" {
		c.Strategy = ConsensusMajority
	}
	for i := range c.Participants {
		if c.Participants[i].Weight == 0 {
			c.Participants[i].Weight = 1.0
		}
	}
}

// DiscussionResult is the outcome of RunDiscussion.
type DiscussionResult struct {
	Rounds       []Round
	Outcome      string // facilitator's summary, or last round's combined content
	TerminatedBy TerminatedBy
}

// RunDiscussion drives participants through up to MaxRounds turns, each
// participant contributing once per round in declaration order (spec's
// fixed emission-order rule, so transcripts are reproducible across runs
// with the same participant list), checking consensus after every round
// per Strategy.
func RunDiscussion(ctx context.Context, cfg DiscussionConfig) (DiscussionResult, error) {
	cfg.applyDefaults()
	if len(cfg.Participants) == 0 {
		return DiscussionResult{}, &errors.ValidationError{Field: "participants", Message: "discussion requires at least one participant"}
	}
	if cfg.Strategy == ConsensusFacilitator && cfg.Facilitator == nil {
		return DiscussionResult{}, &errors.ValidationError{Field: "facilitator", Message: "facilitator strategy requires a Facilitator responder"}
	}
	if cfg.Strategy != ConsensusFacilitator && cfg.Judge == nil {
		return DiscussionResult{}, &errors.ValidationError{Field: "judge", Message: "unanimous/majority/weighted strategies require a Judge"}
	}

	var rounds []Round
	transcript := cfg.Topic
	terminated := TerminatedByMaxIterations
	outcome := ""

	for roundIdx := 0; roundIdx < cfg.MaxRounds; roundIdx++ {
		select {
		case <-ctx.Done():
			return DiscussionResult{Rounds: rounds, Outcome: outcome, TerminatedBy: TerminatedByTimeout}, ctx.Err()
		default:
		}

		roundStart := time.Now()
		contributions := make([]Contribution, 0, len(cfg.Participants))

		for _, p := range cfg.Participants {
			content, err := p.Responder.Respond(ctx, p.SystemPrompt, transcript)
			if err != nil {
				return DiscussionResult{Rounds: rounds, Outcome: outcome, TerminatedBy: TerminatedByError},
					fmt.Errorf("discussion: participant %s round %d: %w", p.Name, roundIdx, err)
			}
			c := Contribution{Participant: p.Name, Content: content}
			if cfg.Judge != nil {
				if agree, ok := cfg.Judge(content); ok {
					c.Agree = &agree
				}
			}
			contributions = append(contributions, c)
			transcript = appendTranscript(transcript, p.Name, content)
		}

		round := Round{Index: roundIdx, Contributions: contributions, Timestamp: time.Now(), DurationMs: time.Since(roundStart).Milliseconds()}
		rounds = append(rounds, round)
		rounds = truncateOldest(rounds, estimateRoundsSize)

		reached, roundOutcome, err := evaluateConsensus(ctx, cfg, contributions, transcript)
		if err != nil {
			return DiscussionResult{Rounds: rounds, Outcome: outcome, TerminatedBy: TerminatedByError}, err
		}
		if reached {
			terminated = TerminatedByConsensus
			outcome = roundOutcome
			break
		}
		outcome = roundOutcome
	}

	return DiscussionResult{Rounds: rounds, Outcome: outcome, TerminatedBy: terminated}, nil
}

func evaluateConsensus(ctx context.Context, cfg DiscussionConfig, contributions []Contribution, transcript string) (bool, string, error) {
	switch cfg.Strategy {
	case ConsensusUnanimous:
		for _, c := range contributions {
			if c.Agree == nil || !*c.Agree {
				return false, lastContent(contributions), nil
			}
		}
		return true, "unanimous agreement reached", nil

	case ConsensusMajority:
		agree, total := tally(contributions)
		return agree*2 > total, lastContent(contributions), nil

	case ConsensusWeighted:
		var agreeWeight, totalWeight float64
		for i, c := range contributions {
			w := cfg.Participants[i].Weight
			totalWeight += w
			if c.Agree != nil && *c.Agree {
				agreeWeight += w
			}
		}
		return agreeWeight*2 > totalWeight, lastContent(contributions), nil

	case ConsensusFacilitator:
		verdict, err := cfg.Facilitator.Respond(ctx, cfg.FacilitatorPrompt, transcript)
		if err != nil {
			return false, "", fmt.Errorf("discussion: facilitator: %w", err)
		}
		if len(verdict) >= len("CONSENSUS:") && verdict[:len("CONSENSUS:")] == "CONSENSUS:" {
			return true, verdict[len("CONSENSUS:"):], nil
		}
		return false, verdict, nil

	default:
		return false, lastContent(contributions), nil
	}
}

func tally(contributions []Contribution) (agree, total int) {
	for _, c := range contributions {
		total++
		if c.Agree != nil && *c.Agree {
			agree++
		}
	}
	return agree, total
}

func lastContent(contributions []Contribution) string {
	if len(contributions) == 0 {
		return ""
	}
	return contributions[len(contributions)-1].Content
}

func appendTranscript(transcript, participant, content string) string {
	return fmt.Sprintf("%s\n\n%s: %s", transcript, participant, content)
}

func estimateRoundsSize(rounds []Round) int {
	n := 0
	for _, r := range rounds {
		for _, c := range r.Contributions {
			n += len(c.Content)
		}
	}
	return n
}
