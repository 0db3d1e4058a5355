// Package gate records human decisions on work waiting in review.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/metrics"
	"github.com/acurioustractor/farmhand/task"
)

// ErrInvalidDecision is returned when a decision is missing required input.
var ErrInvalidDecision = errors.New("invalid decision")

// maxAttempts bounds retries after losing an optimistic lock to a
// concurrent writer.
const maxAttempts = 3

// Runner finishes or re-runs reviewed tasks. Implemented by
// *executor.Executor.
type Runner interface {
	Finalize(ctx context.Context, t *task.Task, by string) error
	ResumeAsync(ctx context.Context, taskID string)
}

// Gate applies approve, reject and modify decisions.
type Gate struct {
	store     task.Store
	runner    Runner
	bus       comms.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	maxModify int
}

// New creates a Gate. maxModify is the number of modify rounds allowed per
// task; values below 1 mean 1.
func New(store task.Store, runner Runner, bus comms.Bus, maxModify int, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if maxModify < 1 {
		maxModify = 1
	}
	return &Gate{store: store, runner: runner, bus: bus, maxModify: maxModify, logger: logger}
}

// WithMetrics attaches collectors.
func (g *Gate) WithMetrics(m *metrics.Metrics) *Gate {
	g.metrics = m
	return g
}

// ListPending returns tasks waiting in review, oldest first.
func (g *Gate) ListPending(ctx context.Context) ([]*task.Task, error) {
	status := task.StatusReview
	return g.store.List(ctx, task.Filter{Status: &status})
}

// Approve accepts the proposed output and completes the task.
func (g *Gate) Approve(ctx context.Context, id, reviewer string) (*task.Task, error) {
	return g.decide(ctx, id, func(t *task.Task) error {
		t.ReviewDecision = task.DecisionApproved
		t.ReviewedBy = reviewer
		return g.runner.Finalize(ctx, t, actor(reviewer))
	})
}

// Reject fails the task, recording feedback as its error.
func (g *Gate) Reject(ctx context.Context, id, reviewer, feedback string) (*task.Task, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, fmt.Errorf("%w: feedback is required", ErrInvalidDecision)
	}
	return g.decide(ctx, id, func(t *task.Task) error {
		t.ReviewDecision = task.DecisionRejected
		t.ReviewedBy = reviewer
		t.Error = feedback
		t.NeedsReview = false
		if err := g.store.Transition(ctx, t, task.StatusFailed, task.TransitionOpts{
			Actor: actor(reviewer), Detail: feedback, ReleaseAgent: true,
		}); err != nil {
			return err
		}
		g.metrics.Transition(string(task.StatusFailed))
		comms.Emit(ctx, g.bus, comms.TaskCompleted, t, feedback)
		return nil
	})
}

// Modify replaces the output and sends the task back to its agent, which
// re-runs with the reviewer's output attached. The result is gated again.
func (g *Gate) Modify(ctx context.Context, id, reviewer string, output json.RawMessage) (*task.Task, error) {
	if len(output) == 0 || !json.Valid(output) {
		return nil, fmt.Errorf("%w: output must be a JSON value", ErrInvalidDecision)
	}
	t, err := g.decide(ctx, id, func(t *task.Task) error {
		if t.ModifyCount >= g.maxModify {
			return fmt.Errorf("%w: task %s already modified %d time(s)", task.ErrModifyLimit, t.ID, t.ModifyCount)
		}
		t.Output = append(json.RawMessage(nil), output...)
		t.ReviewDecision = task.DecisionModified
		t.ReviewedBy = reviewer
		t.ModifyCount++
		t.NeedsReview = false
		if err := g.store.Transition(ctx, t, task.StatusWorking, task.TransitionOpts{Actor: actor(reviewer), Detail: "modified"}); err != nil {
			return err
		}
		g.metrics.Transition(string(task.StatusWorking))
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.runner.ResumeAsync(ctx, t.ID)
	return t, nil
}

// decide loads the task, checks it is in review and applies fn, retrying
// when a concurrent writer wins the version race.
func (g *Gate) decide(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var t *task.Task
		t, err = g.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status != task.StatusReview {
			return nil, fmt.Errorf("%w: task %s is %s", task.ErrNotInReview, id, t.Status)
		}
		err = fn(t)
		if err == nil {
			g.logger.Info("review decision recorded",
				slog.String("task_id", t.ID),
				slog.String("decision", string(t.ReviewDecision)),
				slog.String("reviewer", t.ReviewedBy),
			)
			return t, nil
		}
		if !errors.Is(err, task.ErrOptimisticLock) {
			return nil, err
		}
		g.logger.Debug("review decision lost lock, retrying", slog.String("task_id", id), slog.Int("attempt", attempt+1))
	}
	return nil, err
}

func actor(reviewer string) string {
	if reviewer == "" {
		reviewer = "anonymous"
	}
	return "gate:" + reviewer
}
