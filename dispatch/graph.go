package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/acurioustractor/farmhand/task"
)

// checkDependencies verifies that every dependency exists and that the
// stored graph reachable from them is acyclic. A new task has no dependents
// yet, so any cycle must already lie in what it would depend on.
func checkDependencies(ctx context.Context, store task.Store, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	graph := make(map[string][]string)
	frontier := deps
	for len(frontier) > 0 {
		found, err := store.Lookup(ctx, frontier)
		if err != nil {
			return fmt.Errorf("load dependencies: %w", err)
		}
		var next []string
		for _, id := range frontier {
			t, ok := found[id]
			if !ok {
				return fmt.Errorf("%w: dependency %s", task.ErrTaskNotFound, id)
			}
			graph[id] = t.DependsOn
			for _, dep := range t.DependsOn {
				if _, loaded := graph[dep]; !loaded && !slices.Contains(next, dep) {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if cycle := FindCycle(graph, deps); cycle != nil {
		return fmt.Errorf("%w: %s", task.ErrCyclicDependency, strings.Join(cycle, " -> "))
	}
	return nil
}

// FindCycle runs a depth-first search over graph from roots and returns the
// first cycle found as a path that starts and ends on the same node, or nil.
func FindCycle(graph map[string][]string, roots []string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(graph))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range graph[id] {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	sorted := append([]string(nil), roots...)
	sort.Strings(sorted)
	for _, r := range sorted {
		if color[r] == white {
			if c := visit(r); c != nil {
				return c
			}
		}
	}
	return nil
}
