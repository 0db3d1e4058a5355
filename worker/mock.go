package worker

import (
	"context"
	"encoding/json"
	"sync"
)

// Script is a scripted work function for local runs and tests. It cycles
// through the given results; with none it acknowledges every task with a
// low-risk, reversible result.
type Script struct {
	mu      sync.Mutex
	results []Result
	idx     int
	calls   []Input
}

// NewScript creates a Script that cycles through results.
func NewScript(results ...Result) *Script {
	return &Script{results: results}
}

// Func returns the work function backed by the script.
func (s *Script) Func() Func {
	return func(ctx context.Context, in Input) (Result, error) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls = append(s.calls, in)
		if len(s.results) == 0 {
			out, _ := json.Marshal(map[string]string{"summary": "Task acknowledged: " + in.Title})
			return Result{Output: out, LowRisk: true, Reversible: true}, nil
		}
		res := s.results[s.idx%len(s.results)]
		s.idx++
		return res, nil
	}
}

// Calls returns the inputs seen so far.
func (s *Script) Calls() []Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Input(nil), s.calls...)
}
