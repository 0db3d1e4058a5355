package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// memRegistry is an in-memory Registry for tests.
type memRegistry struct {
	mu     sync.Mutex
	agents map[string]*Agent
}

func newMemRegistry() *memRegistry {
	return &memRegistry{agents: make(map[string]*Agent)}
}

func (m *memRegistry) ListAgents(_ context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Agent
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memRegistry) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRegistry) UpsertAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	if prev, ok := m.agents[a.ID]; ok {
		cp.CurrentTaskID = prev.CurrentTaskID
		cp.Version = prev.Version + 1
	} else {
		cp.Version = 1
	}
	m.agents[a.ID] = &cp
	return nil
}

func (m *memRegistry) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Enabled = enabled
	return nil
}

func (m *memRegistry) TouchHeartbeat(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if a, ok := m.agents[id]; ok {
			a.LastHeartbeat = &at
		}
	}
	return nil
}

func TestAgent_CanFoldsCase(t *testing.T) {
	a := &Agent{CapabilityTags: []string{"Research", "grant-writing"}}
	if !a.Can("research") {
		t.Error("expected research to match Research")
	}
	if !a.Can(" GRANT-WRITING ") {
		t.Error("expected GRANT-WRITING to match grant-writing")
	}
	if a.Can("finance") {
		t.Error("finance should not match")
	}
}

func TestAgent_Status(t *testing.T) {
	cases := []struct {
		agent Agent
		want  Status
	}{
		{Agent{Enabled: true}, StatusIdle},
		{Agent{Enabled: true, CurrentTaskID: "t1"}, StatusWorking},
		{Agent{Enabled: false, CurrentTaskID: "t1"}, StatusDisabled},
	}
	for _, c := range cases {
		if got := c.agent.Status(); got != c.want {
			t.Errorf("Status() = %s, want %s", got, c.want)
		}
	}
}

func TestCapable(t *testing.T) {
	agents := []*Agent{
		{ID: "a", Enabled: true, CapabilityTags: []string{"research"}},
		{ID: "b", Enabled: false, CapabilityTags: []string{"research"}},
		{ID: "c", Enabled: true, CapabilityTags: []string{"finance"}},
	}
	got := Capable(agents, "Research")
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("Capable = %v, want [a]", got)
	}
}

func TestIdleOrder(t *testing.T) {
	agents := []*Agent{
		{ID: "w2", Enabled: true, AutonomyLevel: AutonomySupervised},
		{ID: "busy", Enabled: true, AutonomyLevel: AutonomyFull, CurrentTaskID: "t9"},
		{ID: "w1", Enabled: true, AutonomyLevel: AutonomySupervised},
		{ID: "full", Enabled: true, AutonomyLevel: AutonomyFull},
		{ID: "off", Enabled: false, AutonomyLevel: AutonomyFull},
	}
	got := IdleOrder(agents)
	want := []string{"full", "w1", "w2"}
	if len(got) != len(want) {
		t.Fatalf("IdleOrder len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("IdleOrder[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestSync(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	off := false
	specs := []Spec{
		{ID: "analyst", CapabilityTags: []string{"Finance"}, AutonomyLevel: AutonomyFull},
		{ID: "writer", Name: "Writer", CapabilityTags: []string{"drafting"}, AutonomyLevel: AutonomySuggest, Enabled: &off},
	}
	if err := Sync(ctx, reg, specs); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	a, err := reg.GetAgent(ctx, "analyst")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Name != "analyst" || !a.Enabled || a.CapabilityTags[0] != "finance" {
		t.Errorf("analyst = %+v", a)
	}
	w, _ := reg.GetAgent(ctx, "writer")
	if w.Enabled {
		t.Error("writer should be disabled")
	}
}

func TestSync_RejectsInvalidSpecs(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	bad := [][]Spec{
		{{ID: "", CapabilityTags: []string{"x"}, AutonomyLevel: 1}},
		{{ID: "a", CapabilityTags: []string{"x"}, AutonomyLevel: 0}},
		{{ID: "a", AutonomyLevel: 2}},
		{{ID: "a", CapabilityTags: []string{"x"}, AutonomyLevel: 2}, {ID: "a", CapabilityTags: []string{"y"}, AutonomyLevel: 2}},
	}
	for i, specs := range bad {
		if err := Sync(ctx, reg, specs); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
	if all, _ := reg.ListAgents(ctx); len(all) != 0 {
		t.Errorf("invalid specs wrote %d agents", len(all))
	}
}

func writeRegistry(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}
}

func TestLoadSpecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	writeRegistry(t, path, `
agents:
  - id: impact
    capability_tags: [impact, research]
    autonomy_level: 2
    endpoint: http://localhost:8001/impact
`)
	specs, err := LoadSpecs(path)
	if err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	if len(specs) != 1 || specs[0].ID != "impact" || specs[0].Endpoint == "" {
		t.Fatalf("specs = %+v", specs)
	}
	if specs[0].AutonomyLevel != AutonomySupervised {
		t.Errorf("autonomy = %d, want 2", specs[0].AutonomyLevel)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	writeRegistry(t, path, "agents: []\n")

	reg := newMemRegistry()
	w, err := NewWatcher(path, reg, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond
	synced := make(chan []Spec, 4)
	w.onSync = func(s []Spec) { synced <- s }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	writeRegistry(t, path, `
agents:
  - id: scout
    capability_tags: [research]
    autonomy_level: 3
`)

	deadline := time.After(5 * time.Second)
	for loaded := false; !loaded; {
		select {
		case specs := <-synced:
			loaded = len(specs) == 1 && specs[0].ID == "scout"
		case <-deadline:
			t.Fatal("timed out waiting for registry reload")
		}
	}
	if _, err := reg.GetAgent(context.Background(), "scout"); err != nil {
		t.Errorf("scout not registered: %v", err)
	}
	cancel()
	<-done
}
