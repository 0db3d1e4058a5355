package ws

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/task"
)

func TestHub_StreamsBusEvents(t *testing.T) {
	hub := NewHub(nil)
	bus := comms.NewInMemoryBus(nil)
	defer hub.Attach(bus)()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != "event: connected" {
		t.Fatalf("first line = %q", lines.Text())
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(ctx, comms.NewEvent(comms.TaskNeedsReview, &task.Task{ID: "t1", Status: task.StatusReview}, ""))

	for lines.Scan() {
		if lines.Text() == "event: taskNeedsReview" {
			if !lines.Scan() || !strings.Contains(lines.Text(), `"task_id":"t1"`) {
				t.Fatalf("data line = %q", lines.Text())
			}
			return
		}
	}
	t.Fatalf("stream ended without event: %v", lines.Err())
}

func TestHub_DropsForSlowClient(t *testing.T) {
	hub := NewHub(nil)
	c := &client{ch: make(chan *comms.Event, 1)}
	hub.clients[c] = struct{}{}

	ev := comms.NewEvent(comms.TaskCreated, &task.Task{ID: "t1"}, "")
	hub.Broadcast(ev)
	hub.Broadcast(ev) // buffer full, must not block

	if len(c.ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(c.ch))
	}
}
