package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/config"
	"github.com/acurioustractor/farmhand/task"
)

func TestBuild_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "data", "farmhand.db")
	cfg.Auth.APIKeys = []string{"k"}

	a, err := build(ctx, cfg, slog.Default())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()
	h := a.server.Handler()

	call := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer k")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := call(http.MethodPost, "/api/tasks", `{"content":"clean up duplicate contacts"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	var created task.Task
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.TaskType != "cleanup" {
		t.Fatalf("task_type = %q, want cleanup", created.TaskType)
	}

	if rr := call(http.MethodPost, "/api/heartbeat", ""); rr.Code != http.StatusOK {
		t.Fatalf("tick: %d %s", rr.Code, rr.Body.String())
	}
	a.heartbeat.Wait()
	a.bus.Wait()

	got, err := a.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusDone || got.AssignedAgent != "cleanup" {
		t.Errorf("task = %s by %q, want done by cleanup", got.Status, got.AssignedAgent)
	}
}

func TestLocalWorkers_SkipsEndpointAgents(t *testing.T) {
	reg := localWorkers([]agent.Spec{
		{ID: "local"},
		{ID: "remote", Endpoint: "http://agent.local"},
		{ID: "local"},
	}, slog.Default())
	keys := reg.Keys()
	if len(keys) != 1 || keys[0] != "local" {
		t.Errorf("keys = %v, want [local]", keys)
	}
}

func TestNewClassifier_Rules(t *testing.T) {
	c, err := newClassifier(config.DefaultConfig().Classifier)
	if err != nil {
		t.Fatalf("newClassifier: %v", err)
	}
	res, err := c.Classify(context.Background(), "Draft the funding application")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.TaskType != "grant" {
		t.Errorf("task_type = %q, want grant", res.TaskType)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	l := newLogger("debug", "json")
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
	l = newLogger("nonsense", "text")
	if l.Enabled(context.Background(), slog.LevelDebug) || !l.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("unknown level should default to info")
	}
}
