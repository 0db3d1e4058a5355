// Package heartbeat runs the periodic scheduling loop: rank the backlog,
// bind idle agents to runnable work, start executions, escalate stale
// reviews and refresh agent liveness.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/metrics"
	"github.com/acurioustractor/farmhand/priority"
	"github.com/acurioustractor/farmhand/task"
	"github.com/acurioustractor/farmhand/worker"
)

const actor = "heartbeat"

// Runner executes an assigned task and re-runs one left in working.
// Implemented by *executor.Executor.
type Runner interface {
	Execute(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
}

// Config tunes the loop.
type Config struct {
	Interval        time.Duration // default 5m
	EscalationAfter time.Duration // default 48h
	TickBudget      time.Duration // how long a tick waits for executions, default Interval
	MaxParallel     int           // concurrent executions, default number of agents
	ProbeEndpoints  bool          // health-check agents with an endpoint before refreshing liveness
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.EscalationAfter <= 0 {
		c.EscalationAfter = 48 * time.Hour
	}
	if c.TickBudget <= 0 {
		c.TickBudget = c.Interval
	}
	return c
}

// Assignment is one task bound to one agent during a tick.
type Assignment struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// TickReport summarises one tick.
type TickReport struct {
	Ranked    int          `json:"ranked"`
	Assigned  []Assignment `json:"assigned"`
	Retried   int          `json:"retried"`  // assigned tasks whose execution never started
	Skipped   int          `json:"skipped"`  // lock conflicts, retried next tick
	Finished  int          `json:"finished"` // executions that returned within the tick budget
	Escalated []string     `json:"escalated"`
	Refreshed int          `json:"refreshed"`
}

// Heartbeat is the scheduling loop.
type Heartbeat struct {
	store   task.Store
	agents  agent.Registry
	engine  *priority.Engine
	runner  Runner
	bus     comms.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	client  *http.Client

	now   func() time.Time
	probe func(ctx context.Context, endpoint string) error

	tickMu  sync.Mutex
	ctxMu   sync.Mutex
	execCtx context.Context
	wg      sync.WaitGroup

	runMu   sync.Mutex
	running map[string]bool
}

// New creates a Heartbeat. bus may be nil.
func New(store task.Store, agents agent.Registry, engine *priority.Engine, runner Runner, bus comms.Bus, cfg Config, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Heartbeat{
		store:   store,
		agents:  agents,
		engine:  engine,
		runner:  runner,
		bus:     bus,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		client:  &http.Client{Timeout: 5 * time.Second},
		now:     time.Now,
		execCtx: context.Background(),
		running: make(map[string]bool),
	}
	h.probe = func(ctx context.Context, endpoint string) error {
		return worker.Probe(ctx, h.client, endpoint)
	}
	return h
}

// WithMetrics attaches collectors.
func (h *Heartbeat) WithMetrics(m *metrics.Metrics) *Heartbeat {
	h.metrics = m
	return h
}

// Wait blocks until every execution started by a tick has returned.
func (h *Heartbeat) Wait() { h.wg.Wait() }

func (h *Heartbeat) executionContext() context.Context {
	h.ctxMu.Lock()
	defer h.ctxMu.Unlock()
	return h.execCtx
}

// ErrTickInProgress is returned by TickWithin while another tick runs.
var ErrTickInProgress = errors.New("heartbeat tick already in progress")

// Tick runs one scheduling pass, waiting for any tick in progress. Ticks
// never overlap.
func (h *Heartbeat) Tick(ctx context.Context) (TickReport, error) {
	h.tickMu.Lock()
	defer h.tickMu.Unlock()
	return h.tick(ctx, h.cfg.TickBudget)
}

// TickWithin runs an on-demand pass that waits at most budget for the
// executions it starts; the rest continue in the background. budget is
// capped at the configured tick budget.
func (h *Heartbeat) TickWithin(ctx context.Context, budget time.Duration) (TickReport, error) {
	if !h.tickMu.TryLock() {
		return TickReport{}, ErrTickInProgress
	}
	defer h.tickMu.Unlock()
	if budget <= 0 || budget > h.cfg.TickBudget {
		budget = h.cfg.TickBudget
	}
	return h.tick(ctx, budget)
}

func (h *Heartbeat) tick(ctx context.Context, budget time.Duration) (TickReport, error) {
	begin := time.Now()
	now := h.now().UTC()
	var report TickReport

	open, index, err := h.snapshot(ctx)
	if err != nil {
		return report, err
	}
	agents, err := h.agents.ListAgents(ctx)
	if err != nil {
		return report, fmt.Errorf("list agents: %w", err)
	}
	retry, err := h.stranded(ctx)
	if err != nil {
		return report, err
	}
	report.Retried = len(retry)
	idle := agent.IdleOrder(agents)
	ranked := h.engine.Rank(open, index, capacity(idle), now)
	report.Ranked = len(ranked)

	report.Assigned, report.Skipped = h.assign(ctx, idle, ranked)
	report.Finished = h.execute(ctx, append(retry, report.Assigned...), len(agents), budget)

	report.Escalated, err = h.escalate(ctx, now)
	if err != nil {
		return report, err
	}
	report.Refreshed, err = h.refresh(ctx, agents, now)
	if err != nil {
		return report, err
	}

	h.metrics.Tick(time.Since(begin), len(open)-len(report.Assigned), h.reviewCount(ctx))
	h.logger.Info("heartbeat tick",
		slog.Int("ranked", report.Ranked),
		slog.Int("assigned", len(report.Assigned)),
		slog.Int("retried", report.Retried),
		slog.Int("skipped", report.Skipped),
		slog.Int("escalated", len(report.Escalated)),
		slog.Duration("took", time.Since(begin)),
	)
	return report, nil
}

// snapshot loads the queued backlog and every task it depends on.
func (h *Heartbeat) snapshot(ctx context.Context) ([]*task.Task, map[string]*task.Task, error) {
	queued := task.StatusQueued
	open, err := h.store.List(ctx, task.Filter{Status: &queued})
	if err != nil {
		return nil, nil, fmt.Errorf("list queued: %w", err)
	}
	var deps []string
	for _, t := range open {
		deps = append(deps, t.DependsOn...)
	}
	index, err := h.store.Lookup(ctx, deps)
	if err != nil {
		return nil, nil, fmt.Errorf("load dependencies: %w", err)
	}
	for _, t := range open {
		index[t.ID] = t
	}
	return open, index, nil
}

// stranded returns assigned tasks with no execution in flight: their run
// failed before the task reached working, or the process stopped first.
func (h *Heartbeat) stranded(ctx context.Context) ([]Assignment, error) {
	assigned := task.StatusAssigned
	tasks, err := h.store.List(ctx, task.Filter{Status: &assigned})
	if err != nil {
		return nil, fmt.Errorf("list assigned: %w", err)
	}
	h.runMu.Lock()
	defer h.runMu.Unlock()
	var out []Assignment
	for _, t := range tasks {
		if !h.running[t.ID] {
			out = append(out, Assignment{TaskID: t.ID, AgentID: t.AssignedAgent})
		}
	}
	return out, nil
}

// track marks id as running. It reports false if it already was.
func (h *Heartbeat) track(id string) bool {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.running[id] {
		return false
	}
	h.running[id] = true
	return true
}

func (h *Heartbeat) untrack(id string) {
	h.runMu.Lock()
	delete(h.running, id)
	h.runMu.Unlock()
}

// Recover re-runs tasks left in working by a previous process. Call it once
// at startup, before reviewers can send tasks back to working. The runs use
// ctx and continue in the background; Wait blocks on them.
func (h *Heartbeat) Recover(ctx context.Context) (int, error) {
	working := task.StatusWorking
	tasks, err := h.store.List(ctx, task.Filter{Status: &working})
	if err != nil {
		return 0, fmt.Errorf("list working: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if !h.track(t.ID) {
			continue
		}
		n++
		h.logger.Info("resuming interrupted task", slog.String("task_id", t.ID), slog.String("agent", t.AssignedAgent))
		h.wg.Add(1)
		go func(id string) {
			defer h.wg.Done()
			defer h.untrack(id)
			if err := h.runner.Resume(ctx, id); err != nil {
				h.logger.Warn("resume error", slog.String("task_id", id), slog.Any("err", err))
			}
		}(t.ID)
	}
	return n, nil
}

// capacity counts idle agents per capability tag.
func capacity(idle []*agent.Agent) map[string]int {
	c := make(map[string]int)
	for _, a := range idle {
		for _, tag := range a.CapabilityTags {
			c[agent.NormalizeTag(tag)]++
		}
	}
	return c
}

// assign offers each idle agent the best ranked task it can take.
func (h *Heartbeat) assign(ctx context.Context, idle []*agent.Agent, ranked []priority.Ranked) ([]Assignment, int) {
	claimed := make(map[string]bool)
	var assigned []Assignment
	skipped := 0

	for _, a := range idle {
		for _, r := range ranked {
			t := r.Task
			if claimed[t.ID] || !a.Can(t.TaskType) {
				continue
			}
			claimed[t.ID] = true
			err := h.store.Transition(ctx, t, task.StatusAssigned, task.TransitionOpts{
				Actor:  actor,
				Detail: fmt.Sprintf("score %d", r.Score),
				Claim:  &task.Claim{AgentID: a.ID, AgentVersion: a.Version},
			})
			if errors.Is(err, task.ErrOptimisticLock) {
				skipped++
				h.metrics.LockConflict()
				h.logger.Debug("assignment lost lock",
					slog.String("task_id", t.ID), slog.String("agent", a.ID))
				break
			}
			if err != nil {
				h.logger.Warn("assignment failed",
					slog.String("task_id", t.ID), slog.String("agent", a.ID), slog.Any("err", err))
				break
			}
			h.metrics.Assigned()
			h.metrics.Transition(string(task.StatusAssigned))
			comms.Emit(ctx, h.bus, comms.TaskAssigned, t, "")
			assigned = append(assigned, Assignment{TaskID: t.ID, AgentID: a.ID})
			break
		}
	}
	return assigned, skipped
}

// execute starts every assignment and waits up to budget. It returns how
// many executions finished in time; the rest keep running.
func (h *Heartbeat) execute(ctx context.Context, assigned []Assignment, agents int, budget time.Duration) int {
	if len(assigned) == 0 {
		return 0
	}
	limit := h.cfg.MaxParallel
	if limit <= 0 {
		limit = max(agents, 1)
	}
	runCtx := h.executionContext()

	var g errgroup.Group
	g.SetLimit(limit)
	var mu sync.Mutex
	finished := 0
	done := make(chan struct{})

	var started []Assignment
	for _, as := range assigned {
		if h.track(as.TaskID) {
			started = append(started, as)
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(done)
		for _, as := range started {
			g.Go(func() error {
				defer h.untrack(as.TaskID)
				if err := h.runner.Execute(runCtx, as.TaskID); err != nil {
					h.logger.Warn("execution error",
						slog.String("task_id", as.TaskID), slog.String("agent", as.AgentID), slog.Any("err", err))
				}
				mu.Lock()
				finished++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		h.logger.Info("tick budget spent, executions continue in background")
	case <-ctx.Done():
	}
	mu.Lock()
	defer mu.Unlock()
	return finished
}

// escalate signals review tasks that have waited too long. Status is never
// changed; escalated_at rate-limits repeats to one per threshold period.
func (h *Heartbeat) escalate(ctx context.Context, now time.Time) ([]string, error) {
	review := task.StatusReview
	pending, err := h.store.List(ctx, task.Filter{Status: &review})
	if err != nil {
		return nil, fmt.Errorf("list review: %w", err)
	}
	after := h.cfg.EscalationAfter
	var escalated []string
	for _, t := range pending {
		if now.Sub(t.UpdatedAt) < after {
			continue
		}
		if t.EscalatedAt != nil && now.Sub(*t.EscalatedAt) < after {
			continue
		}
		if err := h.store.MarkEscalated(ctx, t.ID, now); err != nil {
			if errors.Is(err, task.ErrNotInReview) {
				continue
			}
			return escalated, err
		}
		h.metrics.Escalated()
		waited := now.Sub(t.UpdatedAt).Round(time.Minute)
		h.logger.Warn("review escalated", slog.String("task_id", t.ID), slog.Duration("waiting", waited))
		comms.Emit(ctx, h.bus, comms.TaskEscalated, t, "in review for "+waited.String())
		escalated = append(escalated, t.ID)
	}
	return escalated, nil
}

// refresh records liveness for enabled agents. Agents with an endpoint must
// answer a health probe when probing is on.
func (h *Heartbeat) refresh(ctx context.Context, agents []*agent.Agent, now time.Time) (int, error) {
	var ids []string
	for _, a := range agents {
		if !a.Enabled {
			continue
		}
		if h.cfg.ProbeEndpoints && a.Endpoint != "" {
			if err := h.probe(ctx, a.Endpoint); err != nil {
				h.logger.Warn("agent probe failed", slog.String("agent", a.ID), slog.Any("err", err))
				continue
			}
		}
		ids = append(ids, a.ID)
	}
	if err := h.agents.TouchHeartbeat(ctx, ids, now); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (h *Heartbeat) reviewCount(ctx context.Context) int {
	review := task.StatusReview
	pending, err := h.store.List(ctx, task.Filter{Status: &review})
	if err != nil {
		return 0
	}
	return len(pending)
}
