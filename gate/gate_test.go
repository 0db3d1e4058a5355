package gate

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/executor"
	"github.com/acurioustractor/farmhand/task"
	"github.com/acurioustractor/farmhand/worker"
)

type fixture struct {
	store  *task.SQLiteStore
	exec   *executor.Executor
	gate   *Gate
	script *worker.Script
	bus    *comms.InMemoryBus
}

func newFixture(t *testing.T, maxModify int) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := agent.Sync(ctx, store, []agent.Spec{
		{ID: "a1", CapabilityTags: []string{"research"}, AutonomyLevel: agent.AutonomySupervised},
	}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	script := worker.NewScript(worker.Result{Output: json.RawMessage(`{"draft":1}`), Reasoning: "first pass"})
	workers := worker.NewRegistry()
	workers.Register("a1", script.Func())
	bus := comms.NewInMemoryBus(nil)
	exec := executor.New(store, store, workers, bus, executor.Config{}, nil)
	return &fixture{
		store:  store,
		exec:   exec,
		gate:   New(store, exec, bus, maxModify, nil),
		script: script,
		bus:    bus,
	}
}

// inReview drives a new task through assignment and execution into review.
func (f *fixture) inReview(t *testing.T) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk := &task.Task{Title: "t1", TaskType: "research"}
	if err := f.store.Create(ctx, tk, "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, _ := f.store.GetAgent(ctx, "a1")
	if err := f.store.Transition(ctx, tk, task.StatusAssigned, task.TransitionOpts{
		Claim: &task.Claim{AgentID: a.ID, AgentVersion: a.Version},
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := f.exec.Execute(ctx, tk.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := f.store.Get(ctx, tk.ID)
	if got.Status != task.StatusReview {
		t.Fatalf("setup: status = %s, want review", got.Status)
	}
	return got
}

func (f *fixture) agentHolds(t *testing.T) string {
	t.Helper()
	a, _ := f.store.GetAgent(context.Background(), "a1")
	return a.CurrentTaskID
}

func TestReject_FailsWithFeedback(t *testing.T) {
	f := newFixture(t, 1)
	tk := f.inReview(t)

	got, err := f.gate.Reject(context.Background(), tk.ID, "ben", "insufficient evidence")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != task.StatusFailed || got.Error != "insufficient evidence" {
		t.Errorf("got %s error=%q", got.Status, got.Error)
	}
	stored, _ := f.store.Get(context.Background(), tk.ID)
	if stored.ReviewDecision != task.DecisionRejected || stored.ReviewedBy != "ben" || stored.CompletedAt == nil {
		t.Errorf("stored = %+v", stored)
	}
	if h := f.agentHolds(t); h != "" {
		t.Errorf("agent still holds %q", h)
	}
	entries, _ := f.store.Audit(context.Background(), tk.ID)
	if last := entries[len(entries)-1]; last.Actor != "gate:ben" || last.To != task.StatusFailed {
		t.Errorf("last audit = %+v", last)
	}
}

func TestReject_RequiresFeedback(t *testing.T) {
	f := newFixture(t, 1)
	tk := f.inReview(t)
	if _, err := f.gate.Reject(context.Background(), tk.ID, "ben", "  "); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err = %v, want ErrInvalidDecision", err)
	}
	if got, _ := f.store.Get(context.Background(), tk.ID); got.Status != task.StatusReview {
		t.Errorf("status = %s, want review", got.Status)
	}
}

func TestApprove_IsNotRepeatable(t *testing.T) {
	f := newFixture(t, 1)
	tk := f.inReview(t)
	ctx := context.Background()

	got, err := f.gate.Approve(ctx, tk.ID, "ben")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != task.StatusDone || got.ReviewDecision != task.DecisionApproved {
		t.Errorf("got %s/%s", got.Status, got.ReviewDecision)
	}
	if string(got.Output) != `{"draft":1}` {
		t.Errorf("output = %s", got.Output)
	}
	if h := f.agentHolds(t); h != "" {
		t.Errorf("agent still holds %q", h)
	}

	if _, err := f.gate.Approve(ctx, tk.ID, "ben"); !errors.Is(err, task.ErrNotInReview) {
		t.Fatalf("second Approve err = %v, want ErrNotInReview", err)
	}
}

func TestApprove_UnknownTask(t *testing.T) {
	f := newFixture(t, 1)
	if _, err := f.gate.Approve(context.Background(), "nope", "ben"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestDecisionsRequireReview(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	tk := &task.Task{Title: "queued", TaskType: "research"}
	if err := f.store.Create(ctx, tk, "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.gate.Approve(ctx, tk.ID, "ben"); !errors.Is(err, task.ErrNotInReview) {
		t.Errorf("Approve err = %v", err)
	}
	if _, err := f.gate.Reject(ctx, tk.ID, "ben", "no"); !errors.Is(err, task.ErrNotInReview) {
		t.Errorf("Reject err = %v", err)
	}
	if _, err := f.gate.Modify(ctx, tk.ID, "ben", json.RawMessage(`1`)); !errors.Is(err, task.ErrNotInReview) {
		t.Errorf("Modify err = %v", err)
	}
}

func TestModify_ReRunsAndGatesAgain(t *testing.T) {
	f := newFixture(t, 1)
	tk := f.inReview(t)
	ctx := context.Background()

	got, err := f.gate.Modify(ctx, tk.ID, "ben", json.RawMessage(`{"draft":"edited"}`))
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if got.Status != task.StatusWorking || got.ModifyCount != 1 {
		t.Errorf("after modify: %s count=%d", got.Status, got.ModifyCount)
	}
	f.exec.Wait()

	calls := f.script.Calls()
	if len(calls) != 2 {
		t.Fatalf("work function calls = %d, want 2", len(calls))
	}
	if string(calls[1].ReviewerOutput) != `{"draft":"edited"}` {
		t.Errorf("rerun reviewer output = %s", calls[1].ReviewerOutput)
	}

	again, _ := f.store.Get(ctx, tk.ID)
	if again.Status != task.StatusReview {
		t.Fatalf("status after rerun = %s, want review", again.Status)
	}
	if h := f.agentHolds(t); h != tk.ID {
		t.Errorf("agent released during modify round (holds %q)", h)
	}

	if _, err := f.gate.Modify(ctx, tk.ID, "ben", json.RawMessage(`{}`)); !errors.Is(err, task.ErrModifyLimit) {
		t.Fatalf("second Modify err = %v, want ErrModifyLimit", err)
	}
	if _, err := f.gate.Approve(ctx, tk.ID, "ben"); err != nil {
		t.Fatalf("Approve after modify: %v", err)
	}
}

func TestModify_RequiresJSONOutput(t *testing.T) {
	f := newFixture(t, 1)
	tk := f.inReview(t)
	for _, out := range []json.RawMessage{nil, json.RawMessage(`not json`)} {
		if _, err := f.gate.Modify(context.Background(), tk.ID, "ben", out); !errors.Is(err, ErrInvalidDecision) {
			t.Errorf("Modify(%q) err = %v, want ErrInvalidDecision", out, err)
		}
	}
}

func TestListPending(t *testing.T) {
	f := newFixture(t, 1)
	tk := f.inReview(t)
	pending, err := f.gate.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != tk.ID {
		t.Errorf("pending = %v", pending)
	}
}

// conflictingRunner loses the first Finalize to a concurrent writer.
type conflictingRunner struct {
	Runner
	calls int
}

func (c *conflictingRunner) Finalize(ctx context.Context, t *task.Task, by string) error {
	c.calls++
	if c.calls == 1 {
		return task.ErrOptimisticLock
	}
	return c.Runner.Finalize(ctx, t, by)
}

func TestApprove_RetriesLockConflict(t *testing.T) {
	f := newFixture(t, 1)
	tk := f.inReview(t)
	runner := &conflictingRunner{Runner: f.exec}
	g := New(f.store, runner, nil, 1, nil)

	got, err := g.Approve(context.Background(), tk.ID, "ben")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != task.StatusDone || runner.calls != 2 {
		t.Errorf("status=%s calls=%d", got.Status, runner.calls)
	}
}
