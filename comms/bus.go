package comms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryBus is a thread-safe in-process event bus. Each handler runs on its
// own goroutine, detached from the publisher's cancellation.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	history  []*Event
	maxHist  int
	nextID   int
	logger   *slog.Logger
	wg       sync.WaitGroup
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-event history cap.
func NewInMemoryBus(logger *slog.Logger) *InMemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		handlers: make(map[EventType][]handlerEntry),
		maxHist:  1000,
		logger:   logger,
	}
}

// Publish records ev and hands it to matching subscribers asynchronously.
func (b *InMemoryBus) Publish(ctx context.Context, ev *Event) {
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	var targets []Handler
	for _, e := range b.handlers[ev.Type] {
		targets = append(targets, e.handler)
	}
	for _, e := range b.handlers[AllEvents] {
		targets = append(targets, e.handler)
	}
	b.mu.Unlock()

	hctx := context.WithoutCancel(ctx)
	for _, h := range targets {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			if err := safeCall(hctx, h, ev); err != nil {
				b.logger.Warn("event handler failed",
					slog.String("event", string(ev.Type)),
					slog.String("task_id", ev.TaskID),
					slog.Any("err", err),
				)
			}
		}(h)
	}
}

func safeCall(ctx context.Context, h Handler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Subscribe registers a handler for typ. The returned function unsubscribes
// the handler.
func (b *InMemoryBus) Subscribe(typ EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[typ] = append(b.handlers[typ], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[typ]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, typ)
		} else {
			b.handlers[typ] = filtered
		}
	}
}

// History returns the most recent limit events for taskID in chronological
// order. An empty taskID matches every event.
func (b *InMemoryBus) History(taskID string, limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if taskID == "" || ev.TaskID == taskID {
			result = append(result, ev)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result
}

// Wait blocks until every in-flight handler has returned.
func (b *InMemoryBus) Wait() { b.wg.Wait() }
