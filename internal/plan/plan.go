// Package plan holds the externally supplied interview plan. The plan
// is read-only from the bridge's perspective: it is validated once at
// session start and never mutated afterwards.
package plan

import (
	"errors"
	"fmt"
	"time"
)

// Stage is one section of the interview: a prompt for the agent to
// speak, a follow-up budget, and a soft time budget.
type Stage struct {
	Prompt            string        `json:"prompt"`
	ExpectedFollowUps int           `json:"expectedFollowUps"`
	TimeBudget        time.Duration `json:"timeBudget"`
}

// Candidate is the metadata supplied by the plan collaborator.
type Candidate struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

// Plan is the ordered sequence of stages for one interview.
type Plan struct {
	Stages []Stage `json:"stages"`
}

var (
	ErrEmptyPlan   = errors.New("plan has no stages")
	ErrEmptyPrompt = errors.New("stage prompt is empty")
)

// Validate checks the plan is usable before a session starts.
func (p *Plan) Validate() error {
	if p == nil || len(p.Stages) == 0 {
		return ErrEmptyPlan
	}
	for i, s := range p.Stages {
		if s.Prompt == "" {
			return fmt.Errorf("stage %d: %w", i, ErrEmptyPrompt)
		}
		if s.ExpectedFollowUps < 0 {
			return fmt.Errorf("stage %d: negative follow-up budget %d", i, s.ExpectedFollowUps)
		}
	}
	return nil
}
