package task

import (
	"errors"
	"sort"
)

var (
	// ErrBlocked is returned when a dependency can never be satisfied.
	ErrBlocked = errors.New("dependency blocked")

	// ErrCycle is returned when a dependency edge would close a cycle.
	ErrCycle = errors.New("dependency cycle")
)

// Resolution is the outcome of checking a task's dependencies.
type Resolution string

const (
	// Satisfied means every dependency has completed.
	Satisfied Resolution = "satisfied"
	// Waiting means at least one dependency is still open.
	Waiting Resolution = "waiting"
	// Blocked means at least one dependency failed, was cancelled, or does not exist.
	Blocked Resolution = "blocked"
)

// DependencyReport explains a Resolution.
type DependencyReport struct {
	State   Resolution `json:"state"`
	Waiting []string   `json:"waiting,omitempty"`
	Blocked []string   `json:"blocked,omitempty"`
	Missing []string   `json:"missing,omitempty"`
}

// ResolveDependencies evaluates deps against the given status lookup.
// Blocked wins over Waiting so callers can surface unreachable tasks.
func ResolveDependencies(deps []string, statuses map[string]Status) DependencyReport {
	var r DependencyReport
	for _, id := range deps {
		st, ok := statuses[id]
		switch {
		case !ok:
			r.Missing = append(r.Missing, id)
		case st == StatusCompleted:
		case st == StatusFailed || st == StatusCancelled:
			r.Blocked = append(r.Blocked, id)
		default:
			r.Waiting = append(r.Waiting, id)
		}
	}
	switch {
	case len(r.Blocked) > 0 || len(r.Missing) > 0:
		r.State = Blocked
	case len(r.Waiting) > 0:
		r.State = Waiting
	default:
		r.State = Satisfied
	}
	return r
}

// FindCycle returns one dependency cycle in the graph (task id -> depends on ids),
// or nil when the graph is acyclic. The returned path starts and ends on the
// same id.
func FindCycle(graph map[string][]string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(graph))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case visiting:
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == id {
					cycle := append([]string{}, stack[i:]...)
					return append(cycle, id)
				}
			}
			return []string{id, id}
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range graph[id] {
			if c := visit(dep); c != nil {
				return c
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := visit(id); c != nil {
			return c
		}
	}
	return nil
}
