// Package plan builds a dependency-ordered execution plan over stages from
// their consumes/depends relations, using Kahn's algorithm with
// lexicographic tie-breaking for determinism.
package plan

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownStage marks a consumes/depends reference to a stage that was
// never declared.
var ErrUnknownStage = errors.New("plan: reference to unknown stage")

// ErrCycle marks a dependency cycle; it is always returned with at least one
// member of the cycle named in its message.
var ErrCycle = errors.New("plan: dependency cycle")

// Graph is the planner's input: for each stage name, the set of stage names
// it depends on (consumes ∪ depends).
type Graph map[string][]string

// Plan is the planner's output: a topologically sorted stage order and an
// index for O(1) "does a precede b" lookups.
type Plan struct {
	Order []string
	Index map[string]int
}

// Order computes a dependency-ordered execution plan for graph.
//
// It first validates, using a small bounded pool of concurrent goroutines,
// that every name referenced by a consumes/depends edge is itself a declared
// stage (a key of graph) — this is pure validation, not stage execution, and
// completes before topological sort begins; stage execution itself remains
// strictly sequential (see package orchestrate).
func Order(graph Graph) (Plan, error) {
	if err := validateReferences(graph); err != nil {
		return Plan{}, err
	}

	indegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))
	for name := range graph {
		indegree[name] = 0
	}
	for name, deps := range graph {
		for _, d := range deps {
			indegree[name]++
			dependents[d] = append(dependents[d], name)
		}
	}

	ready := &stringHeap{}
	for name, deg := range indegree {
		if deg == 0 {
			*ready = append(*ready, name)
		}
	}
	sort.Strings(*ready)
	heap.Init(ready)

	order := make([]string, 0, len(graph))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		order = append(order, name)
		next := append([]string{}, dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	if len(order) != len(graph) {
		var residual []string
		for name, deg := range indegree {
			if deg > 0 {
				residual = append(residual, name)
			}
		}
		sort.Strings(residual)
		return Plan{}, fmt.Errorf("%w involving %v", ErrCycle, residual)
	}

	index := make(map[string]int, len(order))
	for i, name := range order {
		index[name] = i
	}
	return Plan{Order: order, Index: index}, nil
}

func validateReferences(graph Graph) error {
	var g errgroup.Group
	g.SetLimit(8)
	for name, deps := range graph {
		name, deps := name, deps
		g.Go(func() error {
			for _, d := range deps {
				if _, ok := graph[d]; !ok {
					return fmt.Errorf("%w: stage %q references %q", ErrUnknownStage, name, d)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// stringHeap is a min-heap over stage names, giving Kahn's algorithm a
// deterministic lexicographic tie-break among simultaneously-ready stages.
type stringHeap []string

func (h stringHeap) Len() int            { return len(h) }
func (h stringHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h stringHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *stringHeap) Push(x any)         { *h = append(*h, x.(string)) }
func (h *stringHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
