// Package executor runs assigned tasks through their work functions and
// applies the autonomy gate to the result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/metrics"
	"github.com/acurioustractor/farmhand/priority"
	"github.com/acurioustractor/farmhand/task"
	"github.com/acurioustractor/farmhand/worker"
)

const actor = "executor"

// ErrInterrupted is returned when the caller's context ends while a work
// function is running. The task stays in working.
var ErrInterrupted = errors.New("execution interrupted")

// Config tunes execution.
type Config struct {
	TaskTimeout   time.Duration // per-run deadline, default 10m
	Policy        Policy
	EndpointToken string       // bearer token for agents reached over HTTP
	HTTPClient    *http.Client // used for endpoint agents
}

// Executor moves tasks from assigned to a result state.
type Executor struct {
	store   task.Store
	agents  agent.Registry
	workers *worker.Registry
	bus     comms.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	wg sync.WaitGroup
}

// New creates an Executor. bus may be nil.
func New(store task.Store, agents agent.Registry, workers *worker.Registry, bus comms.Bus, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	return &Executor{
		store:   store,
		agents:  agents,
		workers: workers,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithMetrics attaches collectors.
func (e *Executor) WithMetrics(m *metrics.Metrics) *Executor {
	e.metrics = m
	return e
}

// Execute starts an assigned task. If a dependency is not done the task is
// left assigned and ErrDependenciesPending is returned. Otherwise the task
// ends in review, done or failed before Execute returns; only lock conflicts
// and store errors are returned after the task has started.
func (e *Executor) Execute(ctx context.Context, taskID string) error {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusAssigned {
		return fmt.Errorf("%w: task %s is %s, not %s", task.ErrInvalidStateTransition, t.ID, t.Status, task.StatusAssigned)
	}
	if len(t.DependsOn) > 0 {
		deps, err := e.store.Lookup(ctx, t.DependsOn)
		if err != nil {
			return fmt.Errorf("load dependencies: %w", err)
		}
		if !priority.DependenciesDone(t, deps) {
			return fmt.Errorf("%w: task %s", task.ErrDependenciesPending, t.ID)
		}
	}
	a, err := e.agents.GetAgent(ctx, t.AssignedAgent)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}

	started := e.now().UTC()
	t.StartedAt = &started
	if err := e.store.Transition(ctx, t, task.StatusWorking, task.TransitionOpts{Actor: actor}); err != nil {
		return err
	}
	e.metrics.Transition(string(task.StatusWorking))
	return e.run(ctx, t, a)
}

// Resume re-runs a task in working: one a reviewer sent back, or one whose
// run was interrupted by a shutdown.
func (e *Executor) Resume(ctx context.Context, taskID string) error {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusWorking {
		return fmt.Errorf("%w: task %s is %s, not %s", task.ErrInvalidStateTransition, t.ID, t.Status, task.StatusWorking)
	}
	a, err := e.agents.GetAgent(ctx, t.AssignedAgent)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	return e.run(ctx, t, a)
}

// ResumeAsync runs Resume on its own goroutine, detached from ctx's
// cancellation. Errors are logged.
func (e *Executor) ResumeAsync(ctx context.Context, taskID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Resume(context.WithoutCancel(ctx), taskID); err != nil {
			e.logger.Warn("resume failed", slog.String("task_id", taskID), slog.Any("err", err))
		}
	}()
}

// Wait blocks until background resumes have finished.
func (e *Executor) Wait() { e.wg.Wait() }

// Finalize completes a task a reviewer approved. The caller has already set
// the review decision on t.
func (e *Executor) Finalize(ctx context.Context, t *task.Task, by string) error {
	if t.Status != task.StatusReview {
		return fmt.Errorf("%w: task %s is %s", task.ErrNotInReview, t.ID, t.Status)
	}
	t.NeedsReview = false
	if err := e.store.Transition(ctx, t, task.StatusDone, task.TransitionOpts{Actor: by, ReleaseAgent: true}); err != nil {
		return err
	}
	e.metrics.Transition(string(task.StatusDone))
	comms.Emit(ctx, e.bus, comms.TaskCompleted, t, string(t.ReviewDecision))
	return nil
}

type runResult struct {
	res worker.Result
	err error
}

func (e *Executor) run(ctx context.Context, t *task.Task, a *agent.Agent) error {
	log := e.logger.With(slog.String("task_id", t.ID), slog.String("agent", a.ID))
	// Recording the outcome must survive cancellation of the run.
	wctx := context.WithoutCancel(ctx)

	fn, ok := e.resolve(a, t.TaskType)
	if !ok {
		err := fmt.Errorf("%w: no work function for agent %s or task type %s", task.ErrWorkFunction, a.ID, t.TaskType)
		log.Error("cannot execute task", slog.Any("err", err))
		return e.fail(wctx, t, err.Error())
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	begin := time.Now()
	ch := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- runResult{err: fmt.Errorf("work function panic: %v", r)}
			}
		}()
		res, err := fn(rctx, worker.NewInput(t, a))
		ch <- runResult{res: res, err: err}
	}()

	var out runResult
	returned := true
	select {
	case out = <-ch:
	case <-rctx.Done():
		select {
		case out = <-ch:
		default:
			returned = false
		}
	}

	switch settle(returned, out.err, ctx.Err(), rctx.Err()) {
	case outcomeTimeout:
		e.metrics.Execution("timeout", time.Since(begin))
		log.Warn("task timed out", slog.Duration("timeout", e.cfg.TaskTimeout))
		return e.fail(wctx, t, task.ErrTimeout.Error())
	case outcomeInterrupted:
		// Left in working for Recover on the next start.
		e.metrics.Execution("interrupted", time.Since(begin))
		log.Info("execution interrupted", slog.Any("err", ctx.Err()))
		return fmt.Errorf("%w: task %s: %w", ErrInterrupted, t.ID, ctx.Err())
	case outcomeError:
		e.metrics.Execution("error", time.Since(begin))
		log.Warn("work function failed", slog.Any("err", out.err))
		return e.fail(wctx, t, out.err.Error())
	}
	e.metrics.Execution("ok", time.Since(begin))
	return e.complete(wctx, t, a, out.res)
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeError
	outcomeTimeout
	outcomeInterrupted
)

// settle decides how a run ended. returned reports whether the work function
// answered; a successful answer always counts, even if the deadline has
// passed since.
func settle(returned bool, err, parentErr, runErr error) outcome {
	switch {
	case returned && err == nil:
		return outcomeOK
	case parentErr != nil:
		return outcomeInterrupted
	case !returned:
		return outcomeTimeout
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(runErr, context.DeadlineExceeded):
		return outcomeTimeout
	}
	return outcomeError
}

// resolve finds the work function: registered by agent, then by task type,
// then the agent's own HTTP endpoint.
func (e *Executor) resolve(a *agent.Agent, taskType string) (worker.Func, bool) {
	if e.workers != nil {
		if fn, ok := e.workers.Resolve(a.ID, taskType); ok {
			return fn, true
		}
	}
	if a.Endpoint != "" {
		return worker.HTTP(a.Endpoint, e.cfg.EndpointToken, e.cfg.HTTPClient), true
	}
	return nil, false
}

func (e *Executor) complete(ctx context.Context, t *task.Task, a *agent.Agent, res worker.Result) error {
	t.Output = res.Output
	t.Error = ""
	if e.cfg.Policy.RequiresReview(a, res) {
		t.NeedsReview = true
		t.Proposal = res.Proposal()
		t.ReviewDecision = task.DecisionNone
		if err := e.store.Transition(ctx, t, task.StatusReview, task.TransitionOpts{Actor: actor, Detail: string(t.Proposal.RiskLevel)}); err != nil {
			return err
		}
		e.metrics.Transition(string(task.StatusReview))
		e.logger.Info("task awaiting review", slog.String("task_id", t.ID), slog.String("agent", a.ID))
		comms.Emit(ctx, e.bus, comms.TaskNeedsReview, t, t.Proposal.Reasoning)
		return nil
	}

	t.NeedsReview = false
	if err := e.store.Transition(ctx, t, task.StatusDone, task.TransitionOpts{Actor: actor, ReleaseAgent: true}); err != nil {
		return err
	}
	e.metrics.Transition(string(task.StatusDone))
	e.logger.Info("task done", slog.String("task_id", t.ID), slog.String("agent", a.ID))
	comms.Emit(ctx, e.bus, comms.TaskCompleted, t, "")
	return nil
}

func (e *Executor) fail(ctx context.Context, t *task.Task, msg string) error {
	t.Error = msg
	t.NeedsReview = false
	if err := e.store.Transition(ctx, t, task.StatusFailed, task.TransitionOpts{Actor: actor, Detail: msg, ReleaseAgent: true}); err != nil {
		return err
	}
	e.metrics.Transition(string(task.StatusFailed))
	comms.Emit(ctx, e.bus, comms.TaskCompleted, t, msg)
	return nil
}
