// Package worker defines the work-function contract agents fulfil and the
// registry the executor resolves them from.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/task"
)

// Input is handed to a work function for one execution.
type Input struct {
	TaskID      string   `json:"task_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	TaskType    string   `json:"task_type"`
	Labels      []string `json:"labels,omitempty"`
	AgentID     string   `json:"agent_id"`

	// ReviewerOutput carries a reviewer's replacement output when the task is
	// re-run after a modify decision.
	ReviewerOutput json.RawMessage `json:"reviewer_output,omitempty"`
}

// NewInput builds the input for t running on a.
func NewInput(t *task.Task, a *agent.Agent) Input {
	in := Input{
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		TaskType:    t.TaskType,
		Labels:      t.Labels,
		AgentID:     a.ID,
	}
	if t.ReviewDecision == task.DecisionModified {
		in.ReviewerOutput = t.Output
	}
	return in
}

// Result is what a work function reports back.
type Result struct {
	Output      json.RawMessage `json:"output"`
	LowRisk     bool            `json:"low_risk"`
	Reversible  bool            `json:"reversible"`
	Reasoning   string          `json:"reasoning,omitempty"`
	RiskLevel   task.RiskLevel  `json:"risk_level,omitempty"`
	ForceReview bool            `json:"force_review,omitempty"`
}

// Proposal converts the self-assessment into the reviewer-facing proposal.
func (r Result) Proposal() *task.Proposal {
	risk := r.RiskLevel
	if risk == "" {
		risk = task.RiskMedium
		if r.LowRisk {
			risk = task.RiskLow
		}
	}
	return &task.Proposal{Reasoning: r.Reasoning, RiskLevel: risk, Reversible: r.Reversible}
}

// Func performs one task on behalf of an agent. It must honour ctx
// cancellation.
type Func func(ctx context.Context, in Input) (Result, error)

// Registry maps agent IDs and task types to work functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds fn to key, which is an agent ID or a task type.
// Returns an error if key is already registered.
func (r *Registry) Register(key string, fn Func) error {
	if key == "" || fn == nil {
		return fmt.Errorf("worker: key and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[key]; exists {
		return fmt.Errorf("worker %q already registered", key)
	}
	r.funcs[key] = fn
	return nil
}

// Resolve finds the work function for an agent, falling back to the task
// type when the agent has none of its own.
func (r *Registry) Resolve(agentID, taskType string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.funcs[agentID]; ok {
		return fn, true
	}
	fn, ok := r.funcs[agent.NormalizeTag(taskType)]
	if !ok {
		fn, ok = r.funcs[taskType]
	}
	return fn, ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
