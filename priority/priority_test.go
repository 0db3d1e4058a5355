package priority

import (
	"testing"
	"time"

	"github.com/acurioustractor/farmhand/task"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func queued(id string, age time.Duration, effort string, deps ...string) *task.Task {
	return &task.Task{
		ID:              id,
		Title:           id,
		TaskType:        "research",
		Status:          task.StatusQueued,
		Priority:        task.PriorityNormal,
		EstimatedEffort: effort,
		DependsOn:       deps,
		CreatedAt:       now.Add(-age),
	}
}

func indexOf(tasks ...*task.Task) map[string]*task.Task {
	m := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func ids(r []Ranked) []string {
	out := make([]string, len(r))
	for i, x := range r {
		out[i] = x.Task.ID
	}
	return out
}

func TestRank_SmallUnblockingTaskBeatsLargeTask(t *testing.T) {
	e := newEngine(t, Config{})
	t3 := queued("t3", time.Hour, "1w")
	t4 := queued("t4", time.Hour, "1h")
	t5 := queued("t5", time.Hour, "1d", "t4")
	open := []*task.Task{t3, t4, t5}

	ranked := e.Rank(open, indexOf(open...), nil, now)
	got := ids(ranked)
	if len(got) != 2 || got[0] != "t4" || got[1] != "t3" {
		t.Fatalf("ranking = %v, want [t4 t3]", got)
	}
	if ranked[0].Breakdown.Unlock != 10 || ranked[0].Breakdown.Effort != 20 {
		t.Errorf("t4 breakdown = %+v", ranked[0].Breakdown)
	}
	if ranked[1].Breakdown.Effort != 0 {
		t.Errorf("t3 effort = %d, want 0", ranked[1].Breakdown.Effort)
	}
}

func TestRank_ExcludesTasksWithPendingDependencies(t *testing.T) {
	e := newEngine(t, Config{})
	t1 := queued("t1", time.Hour, "1h")
	t2 := queued("t2", 2*time.Hour, "1h", "t1")

	for _, status := range []task.Status{task.StatusQueued, task.StatusAssigned, task.StatusWorking, task.StatusReview, task.StatusFailed} {
		t1.Status = status
		got := ids(e.Rank([]*task.Task{t1, t2}, indexOf(t1, t2), nil, now))
		for _, id := range got {
			if id == "t2" {
				t.Errorf("t1=%s: t2 ranked before dependency done", status)
			}
		}
	}

	t1.Status = task.StatusDone
	got := ids(e.Rank([]*task.Task{t2}, indexOf(t1, t2), nil, now))
	if len(got) != 1 || got[0] != "t2" {
		t.Errorf("after t1 done: ranking = %v, want [t2]", got)
	}

	orphan := queued("orphan", time.Hour, "1h", "missing")
	if got := e.Rank([]*task.Task{orphan}, indexOf(orphan), nil, now); len(got) != 0 {
		t.Errorf("missing dependency should exclude task, got %v", ids(got))
	}
}

func TestRank_UnlockCapped(t *testing.T) {
	e := newEngine(t, Config{})
	root := queued("root", time.Hour, "")
	open := []*task.Task{root}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		open = append(open, queued(id, time.Hour, "", "root"))
	}
	ranked := e.Rank(open, indexOf(open...), nil, now)
	if len(ranked) != 1 {
		t.Fatalf("ranked = %v, want only root", ids(ranked))
	}
	if ranked[0].Breakdown.Unlock != 30 {
		t.Errorf("unlock = %d, want 30", ranked[0].Breakdown.Unlock)
	}
	if ranked[0].Breakdown.Effort != 10 {
		t.Errorf("unknown effort = %d, want 10", ranked[0].Breakdown.Effort)
	}
}

func TestRank_CriticalityAndImpact(t *testing.T) {
	e := newEngine(t, Config{Impact: []ImpactRule{
		{Pattern: "*grant*", Weight: 10},
		{Pattern: "research", Weight: 10},
	}})
	tk := queued("t", time.Hour, "1h")
	tk.Title = "Apply for arts grant"
	tk.Labels = []string{"Critical", "milestone"}

	r := e.Rank([]*task.Task{tk}, indexOf(tk), nil, now)[0]
	if r.Breakdown.Criticality != 20 {
		t.Errorf("criticality = %d, want capped 20", r.Breakdown.Criticality)
	}
	if r.Breakdown.Impact != 15 {
		t.Errorf("impact = %d, want capped 15", r.Breakdown.Impact)
	}
	if r.Score != r.Breakdown.Total() {
		t.Errorf("score %d != total %d", r.Score, r.Breakdown.Total())
	}
}

func TestRank_Freshness(t *testing.T) {
	e := newEngine(t, Config{})
	cases := []struct {
		age  time.Duration
		want int
	}{
		{time.Hour, 15},
		{48 * time.Hour, 10},
		{5 * 24 * time.Hour, 5},
		{10 * 24 * time.Hour, 0},
		{20 * 24 * time.Hour, -5},
	}
	for _, c := range cases {
		if got := e.freshness(c.age); got != c.want {
			t.Errorf("freshness(%s) = %d, want %d", c.age, got, c.want)
		}
	}
}

func TestRank_TieBreaks(t *testing.T) {
	e := newEngine(t, Config{})
	a := queued("a", time.Hour, "1h")
	b := queued("b", time.Hour, "1h")
	b.Priority = task.PriorityUrgent
	c := queued("c", 2*time.Hour, "1h")
	d := queued("d", 2*time.Hour, "1h")

	got := ids(e.Rank([]*task.Task{a, d, c, b}, indexOf(a, b, c, d), nil, now))
	want := []string{"b", "c", "d", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRank_CapacityAndStatusFilter(t *testing.T) {
	e := newEngine(t, Config{})
	r := queued("r", time.Hour, "1h")
	f := queued("f", time.Hour, "1h")
	f.TaskType = "Finance"
	w := queued("w", time.Hour, "1h")
	w.Status = task.StatusWorking

	got := ids(e.Rank([]*task.Task{r, f, w}, indexOf(r, f, w), map[string]int{"finance": 1}, now))
	if len(got) != 1 || got[0] != "f" {
		t.Errorf("ranking = %v, want [f]", got)
	}
}

func TestParseEffort(t *testing.T) {
	cases := map[string]time.Duration{
		"30m":  30 * time.Minute,
		"1h":   time.Hour,
		"3d":   72 * time.Hour,
		"1w":   7 * 24 * time.Hour,
		"0.5d": 12 * time.Hour,
	}
	for in, want := range cases {
		got, ok := ParseEffort(in)
		if !ok || got != want {
			t.Errorf("ParseEffort(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	for _, bad := range []string{"", "soon", "3y", "-1d", "infd", "+infw", "nanw", "nand", "1e300d", "99999999w"} {
		if _, ok := ParseEffort(bad); ok {
			t.Errorf("ParseEffort(%q) should fail", bad)
		}
	}
}
