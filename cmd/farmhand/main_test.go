package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/viper"
)

type recorded struct {
	method, path, auth string
	body               map[string]any
}

// fakeServer answers every request from a canned response map keyed by
// "METHOD /path" and records what it received.
func fakeServer(t *testing.T, responses map[string]string) (*httptest.Server, func() []recorded) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.RequestURI(), auth: r.Header.Get("Authorization")}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &rec.body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()

		resp, ok := responses[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"task not found: x"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), reqs...)
	}
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(viper.New())
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"--server", srv.URL, "--token", "tok"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestTaskCreate(t *testing.T) {
	srv, reqs := fakeServer(t, map[string]string{
		"POST /api/tasks": `{"id":"t-1","task_type":"grant","priority":2,"status":"queued"}`,
	})
	out, err := run(t, srv, "task", "create", "--urgency", "2", "--label", "critical", "find", "funders")
	if err != nil {
		t.Fatalf("execute: %v (%s)", err, out)
	}
	if !strings.Contains(out, "created task t-1 (grant, priority 2)") {
		t.Errorf("output = %q", out)
	}
	got := reqs()
	if len(got) != 1 {
		t.Fatalf("requests = %d", len(got))
	}
	r := got[0]
	if r.auth != "Bearer tok" {
		t.Errorf("auth = %q", r.auth)
	}
	if r.body["content"] != "find funders" || r.body["source"] != "cli" || r.body["urgency"] != float64(2) {
		t.Errorf("body = %v", r.body)
	}
}

func TestTasks_StatusFilter(t *testing.T) {
	srv, reqs := fakeServer(t, map[string]string{
		"GET /api/tasks": `[{"id":"t-1","title":"Find funders","task_type":"grant","status":"review","assigned_agent":"grant"}]`,
	})
	out, err := run(t, srv, "tasks", "--status", "review")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := reqs()[0].path; got != "/api/tasks?status=review" {
		t.Errorf("path = %q", got)
	}
	if !strings.Contains(out, "Find funders") || !strings.Contains(out, "review") {
		t.Errorf("output = %q", out)
	}
}

func TestReviewDecisions(t *testing.T) {
	srv, reqs := fakeServer(t, map[string]string{
		"POST /api/tasks/t-1/approve": `{"id":"t-1","status":"done"}`,
		"POST /api/tasks/t-1/reject":  `{"id":"t-1","status":"failed"}`,
		"POST /api/tasks/t-1/modify":  `{"id":"t-1","status":"working"}`,
	})

	out, err := run(t, srv, "approve", "t-1", "--reviewer", "ben")
	if err != nil || !strings.Contains(out, "task t-1 is done") {
		t.Errorf("approve: %v %q", err, out)
	}
	if _, err := run(t, srv, "reject", "t-1"); err == nil {
		t.Error("reject without feedback should fail")
	}
	if _, err := run(t, srv, "reject", "t-1", "-m", "wrong list"); err != nil {
		t.Errorf("reject: %v", err)
	}
	if _, err := run(t, srv, "modify", "t-1", "--output", "use the 2025 figures"); err != nil {
		t.Errorf("modify: %v", err)
	}

	got := reqs()
	if len(got) != 3 {
		t.Fatalf("requests = %d, want 3", len(got))
	}
	if got[0].body["reviewer"] != "ben" {
		t.Errorf("approve body = %v", got[0].body)
	}
	if got[1].body["feedback"] != "wrong list" {
		t.Errorf("reject body = %v", got[1].body)
	}
	if got[2].body["output"] != "use the 2025 figures" {
		t.Errorf("modify body = %v", got[2].body)
	}
}

func TestServerError(t *testing.T) {
	srv, _ := fakeServer(t, nil)
	_, err := run(t, srv, "task", "show", "x")
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "task not found") {
		t.Errorf("err = %v", err)
	}
}

func TestTick(t *testing.T) {
	srv, _ := fakeServer(t, map[string]string{
		"POST /api/heartbeat": `{"ranked":2,"assigned":[{"task_id":"t-1","agent_id":"grant"}],"skipped":0,"finished":1,"escalated":[],"refreshed":3}`,
	})
	out, err := run(t, srv, "tick")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "assigned 1") || !strings.Contains(out, "t-1 -> grant") {
		t.Errorf("output = %q", out)
	}
}

func TestEnvToken(t *testing.T) {
	t.Setenv("FARMHAND_TOKEN", "from-env")
	srv, reqs := fakeServer(t, map[string]string{"GET /api/agents": `[]`})
	root := newRootCmd(viper.New())
	root.SetOut(io.Discard)
	root.SetArgs([]string{"--server", srv.URL, "agents"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := reqs()[0].auth; got != "Bearer from-env" {
		t.Errorf("auth = %q", got)
	}
}
