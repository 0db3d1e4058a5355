// Package agent defines agent identities, their autonomy levels and the
// registry contract the scheduler uses to find and bind idle workers.
package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// ErrNotFound is returned when no agent exists with the requested ID.
var ErrNotFound = errors.New("agent not found")

// AutonomyLevel controls how much human supervision an agent's output needs.
type AutonomyLevel int

const (
	AutonomySuggest    AutonomyLevel = 1 // suggest-only
	AutonomySupervised AutonomyLevel = 2 // needs approval
	AutonomyFull       AutonomyLevel = 3 // fully autonomous
)

// Valid reports whether l is within 1..3.
func (l AutonomyLevel) Valid() bool {
	return l >= AutonomySuggest && l <= AutonomyFull
}

// Status is a derived, display-only view of an agent's state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusWorking  Status = "working"
	StatusDisabled Status = "disabled"
)

// Agent is a capability-tagged worker identity.
type Agent struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	CapabilityTags []string      `json:"capability_tags"`
	AutonomyLevel  AutonomyLevel `json:"autonomy_level"`
	Enabled        bool          `json:"enabled"`
	CurrentTaskID  string        `json:"current_task_id,omitempty"`
	Endpoint       string        `json:"endpoint,omitempty"` // external agent service, optional
	LastHeartbeat  *time.Time    `json:"last_heartbeat,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Status derives the display status from the agent's fields.
func (a *Agent) Status() Status {
	switch {
	case !a.Enabled:
		return StatusDisabled
	case a.CurrentTaskID != "":
		return StatusWorking
	}
	return StatusIdle
}

// Idle reports whether the agent can take a new task.
func (a *Agent) Idle() bool {
	return a.Enabled && a.CurrentTaskID == ""
}

// NormalizeTag case-folds a capability tag or task type so that "Research"
// and "research" route to the same agents. A Caser holds state, so each call
// gets its own.
func NormalizeTag(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Can reports whether the agent's capability tags include taskType.
func (a *Agent) Can(taskType string) bool {
	want := NormalizeTag(taskType)
	return slices.ContainsFunc(a.CapabilityTags, func(tag string) bool {
		return NormalizeTag(tag) == want
	})
}

// Capable returns the enabled agents able to handle taskType.
func Capable(agents []*Agent, taskType string) []*Agent {
	var out []*Agent
	for _, a := range agents {
		if a.Enabled && a.Can(taskType) {
			out = append(out, a)
		}
	}
	return out
}

// Info is the registry snapshot exposed over the API.
type Info struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	CapabilityTags []string      `json:"capability_tags"`
	AutonomyLevel  AutonomyLevel `json:"autonomy_level"`
	Enabled        bool          `json:"enabled"`
	Status         Status        `json:"status"`
	CurrentTaskID  string        `json:"current_task_id,omitempty"`
	LastHeartbeat  *time.Time    `json:"last_heartbeat,omitempty"`
}

// Info returns the agent's API snapshot.
func (a *Agent) Info() Info {
	return Info{
		ID:             a.ID,
		Name:           a.Name,
		CapabilityTags: a.CapabilityTags,
		AutonomyLevel:  a.AutonomyLevel,
		Enabled:        a.Enabled,
		Status:         a.Status(),
		CurrentTaskID:  a.CurrentTaskID,
		LastHeartbeat:  a.LastHeartbeat,
	}
}

// Registry persists agent identities. Assignment of current_task_id is not
// part of this contract: it happens only inside task transitions.
type Registry interface {
	// ListAgents returns every registered agent ordered by ID.
	ListAgents(ctx context.Context) ([]*Agent, error)

	// GetAgent retrieves an agent by ID.
	GetAgent(ctx context.Context, id string) (*Agent, error)

	// UpsertAgent registers a new agent or updates the identity fields
	// (name, tags, autonomy, enabled, endpoint) of an existing one.
	UpsertAgent(ctx context.Context, a *Agent) error

	// SetEnabled enables or disables an agent. Agents are never deleted.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// TouchHeartbeat records liveness for the given agents.
	TouchHeartbeat(ctx context.Context, ids []string, at time.Time) error
}
