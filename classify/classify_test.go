package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRules_FirstMatchWins(t *testing.T) {
	r, err := NewRules([]Rule{
		{TaskType: "grant", Patterns: []string{"*grant*", "*funding*"}, Urgency: 2},
		{TaskType: "research", Patterns: []string{"*research*", "*find*"}},
	}, "")
	if err != nil {
		t.Fatalf("NewRules: %v", err)
	}

	cases := map[string]Result{
		"Find arts FUNDING for the gallery": {TaskType: "grant", Urgency: 2},
		"research local councils":           {TaskType: "research"},
	}
	for text, want := range cases {
		got, err := r.Classify(context.Background(), text)
		if err != nil {
			t.Errorf("Classify(%q): %v", text, err)
			continue
		}
		if got != want {
			t.Errorf("Classify(%q) = %+v, want %+v", text, got, want)
		}
	}
}

func TestRules_Fallback(t *testing.T) {
	r, _ := NewRules([]Rule{{TaskType: "grant", Patterns: []string{"*grant*"}}}, "general")
	got, err := r.Classify(context.Background(), "write a poem")
	if err != nil || got.TaskType != "general" {
		t.Fatalf("got %+v, %v; want general", got, err)
	}

	strict, _ := NewRules(nil, "")
	if _, err := strict.Classify(context.Background(), "write a poem"); err == nil {
		t.Error("expected error with no fallback")
	}
	if _, err := r.Classify(context.Background(), "   "); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestNewRules_MissingTaskType(t *testing.T) {
	if _, err := NewRules([]Rule{{Patterns: []string{"*"}}}, ""); err == nil {
		t.Error("expected error for missing task_type")
	}
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "tell the story" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{TaskType: "story", Urgency: 1})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, "tok", 0)
	got, err := c.Classify(context.Background(), "tell the story")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.TaskType != "story" || got.Urgency != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestHTTPClassifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, "", 0)
	if _, err := c.Classify(context.Background(), "x"); err == nil {
		t.Error("expected error for 400")
	}
}
