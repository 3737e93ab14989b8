// Package models defines the data structures for turn records,
// transcripts, and the events published to the reporting collaborator.
package models

import "time"

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerAgent              Speaker = "agent"
	SpeakerCandidate          Speaker = "candidate"
	SpeakerSupervisorOverride Speaker = "supervisor-override"
)

// TurnRecord is one uninterrupted span of speech by a single speaker.
// Records are append-only; the transcript is the audit log of the
// whole conversation and is never edited after the fact.
type TurnRecord struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	StageIndex int       `json:"stageIndex"`

	// Truncated marks an agent turn cut off by a barge-in: Text is the
	// full planned utterance, but delivery stopped partway through.
	Truncated bool `json:"truncated,omitempty"`
}

// InstructionStatus is the lifecycle state of a supervisor instruction.
type InstructionStatus string

const (
	InstructionPending InstructionStatus = "pending"
	InstructionApplied InstructionStatus = "applied"
	InstructionDropped InstructionStatus = "dropped"
)

// SupervisorInstruction is a free-text steering directive queued by an
// operator and consumed at the next safe injection point. It is never
// lost silently: if the session ends before application it is recorded
// as dropped with a reason.
type SupervisorInstruction struct {
	Text       string            `json:"text"`
	ReceivedAt time.Time         `json:"receivedAt"`
	AppliedAt  time.Time         `json:"appliedAt,omitzero"`
	Status     InstructionStatus `json:"status"`
	DropReason string            `json:"dropReason,omitempty"`
}

// Transcript is the final output handed to the reporting collaborator:
// ordered turn records plus the log of supervisor instructions with
// their applied/dropped status.
type Transcript struct {
	SessionID    string                  `json:"sessionId"`
	Candidate    string                  `json:"candidate"`
	StartedAt    time.Time               `json:"startedAt"`
	EndedAt      time.Time               `json:"endedAt"`
	Turns        []TurnRecord            `json:"turns"`
	Instructions []SupervisorInstruction `json:"instructions"`
	Complete     bool                    `json:"complete"`
}

// TurnEvent is published after every recorded turn.
type TurnEvent struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	Speaker    Speaker `json:"speaker"`
	Text       string  `json:"text"`
	StageIndex int     `json:"stageIndex"`
	Timestamp  int64   `json:"timestamp"`
}

// TranscriptEvent carries the full transcript when the session ends.
type TranscriptEvent struct {
	EventType  string      `json:"eventType"`
	SessionID  string      `json:"sessionId"`
	Transcript *Transcript `json:"transcript"`
	Timestamp  int64       `json:"timestamp"`
}
