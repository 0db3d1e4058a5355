// Package api defines the REST API handlers and the interfaces they consume.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/acurioustractor/farmhand/dispatch"
	"github.com/acurioustractor/farmhand/heartbeat"
	"github.com/acurioustractor/farmhand/task"
)

// Dispatcher enqueues new work. Implemented by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*task.Task, error)
}

// Reviewer records human decisions. Implemented by *gate.Gate.
type Reviewer interface {
	ListPending(ctx context.Context) ([]*task.Task, error)
	Approve(ctx context.Context, id, reviewer string) (*task.Task, error)
	Reject(ctx context.Context, id, reviewer, feedback string) (*task.Task, error)
	Modify(ctx context.Context, id, reviewer string, output json.RawMessage) (*task.Task, error)
}

// Ticker runs a scheduling pass on demand. Implemented by *heartbeat.Heartbeat.
type Ticker interface {
	TickWithin(ctx context.Context, budget time.Duration) (heartbeat.TickReport, error)
}
