package dialog

import (
	"strings"

	"ai-voice-interview-bridge/internal/plan"
)

// FollowUpPolicy decides whether the agent probes deeper after a
// candidate answer instead of moving to the next stage.
type FollowUpPolicy interface {
	// ShouldFollowUp is consulted once per answer. used counts the
	// follow-ups already asked in the current stage.
	ShouldFollowUp(stage plan.Stage, answer string, used int) bool
}

// budgetPolicy is the default: follow up while the stage and session
// budgets allow it, but never on an empty answer. A silent candidate
// gets the next question, not a probe into nothing.
type budgetPolicy struct {
	sessionMax int
}

// NewBudgetPolicy builds the default policy with a per-stage cap.
func NewBudgetPolicy(sessionMax int) FollowUpPolicy {
	return &budgetPolicy{sessionMax: sessionMax}
}

func (p *budgetPolicy) ShouldFollowUp(stage plan.Stage, answer string, used int) bool {
	if strings.TrimSpace(answer) == "" {
		return false
	}
	limit := stage.ExpectedFollowUps
	if p.sessionMax > 0 && limit > p.sessionMax {
		limit = p.sessionMax
	}
	return used < limit
}

// followUpPrompts is the deterministic probe rotation used when the
// policy asks for a follow-up.
var followUpPrompts = []string{
	"Could you expand on that with a concrete example?",
	"What was the most difficult part of that, and how did you handle it?",
	"If you did it again today, what would you change?",
}

func followUpPrompt(used int) string {
	return followUpPrompts[used%len(followUpPrompts)]
}
