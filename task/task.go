// Package task defines the task model, its state machine and the persistence
// layer for agent work items.
package task

import (
	"encoding/json"
	"time"
)

// Priority is the requester's urgency hint. Lower values are more urgent.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// ClampPriority maps any integer onto the 1..4 range. Zero means "unset" and
// yields PriorityNormal.
func ClampPriority(p int) Priority {
	switch {
	case p == 0:
		return PriorityNormal
	case p < int(PriorityUrgent):
		return PriorityUrgent
	case p > int(PriorityLow):
		return PriorityLow
	}
	return Priority(p)
}

// ReviewDecision records how a human resolved a task in review.
type ReviewDecision string

const (
	DecisionNone     ReviewDecision = ""
	DecisionApproved ReviewDecision = "approved"
	DecisionRejected ReviewDecision = "rejected"
	DecisionModified ReviewDecision = "modified"
)

// RiskLevel is the agent's own assessment of a proposed action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Proposal is the reviewer-facing justification attached to a task when it
// enters review. It never influences the state machine.
type Proposal struct {
	Reasoning  string    `json:"reasoning"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Reversible bool      `json:"reversible"`
}

// Task is a unit of work moving through the state machine.
type Task struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	TaskType        string          `json:"task_type"`
	AssignedAgent   string          `json:"assigned_agent,omitempty"`
	RequestedBy     string          `json:"requested_by,omitempty"`
	Source          string          `json:"source,omitempty"`
	Status          Status          `json:"status"`
	Priority        Priority        `json:"priority"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	Labels          []string        `json:"labels,omitempty"`
	EstimatedEffort string          `json:"estimated_effort,omitempty"` // e.g. "1h", "3d", "1w"
	NeedsReview     bool            `json:"needs_review"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	Proposal        *Proposal       `json:"proposal,omitempty"`
	ReviewDecision  ReviewDecision  `json:"review_decision,omitempty"`
	ReviewedBy      string          `json:"reviewed_by,omitempty"`
	ModifyCount     int             `json:"modify_count"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	EscalatedAt     *time.Time      `json:"escalated_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate a snapshot without
// affecting shared state.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.Labels = append([]string(nil), t.Labels...)
	cp.Output = append(json.RawMessage(nil), t.Output...)
	if t.Proposal != nil {
		p := *t.Proposal
		cp.Proposal = &p
	}
	return &cp
}

// AuditEntry is one append-only row in the transition log.
type AuditEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status        *Status `json:"status,omitempty"`
	AssignedAgent string  `json:"assigned_agent,omitempty"`
	TaskType      string  `json:"task_type,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	Offset        int     `json:"offset,omitempty"`
}

// Claim identifies the agent row an assignment must lock, along with the
// version the caller observed.
type Claim struct {
	AgentID      string
	AgentVersion int64
}

// TransitionOpts describes the side effects that must commit atomically
// with a status change.
type TransitionOpts struct {
	Actor  string // dispatcher, heartbeat, executor, gate:<reviewer>
	Detail string

	// Claim binds the task to an idle agent (queued -> assigned).
	Claim *Claim

	// ReleaseAgent clears the assigned agent's current task.
	ReleaseAgent bool
}
