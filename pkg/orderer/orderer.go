// Package orderer sorts a change-set so every change runs after the changes
// it depends on.
package orderer

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"github.com/cuemby/flowsync/pkg/differ"
)

// CycleError is returned when changes depend on each other in a loop. Cycle
// lists the changes of one loop in dependency order.
type CycleError struct {
	Cycle []*differ.Change
}

func (e *CycleError) Error() string {
	names := make([]string, 0, len(e.Cycle)+1)
	for _, c := range e.Cycle {
		names = append(names, c.String())
	}
	if len(e.Cycle) > 0 {
		names = append(names, e.Cycle[0].String())
	}
	return "dependency cycle: " + strings.Join(names, " -> ")
}

// Order linearizes a change-set. A change comes after everything it depends
// on. Creations follow kind precedence (parameter contexts, process groups,
// controller services, processors, connections) and deletions the reverse.
// Among changes that are ready together the order is phase, then kind, then
// declaration order, so the result is deterministic.
func Order(cs *differ.ChangeSet) ([]*differ.Change, error) {
	if cs == nil || cs.Empty() {
		return nil, nil
	}

	byID := make(map[int]*differ.Change, cs.Len())
	for _, c := range cs.Changes {
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("change id %d is used twice", c.ID)
		}
		byID[c.ID] = c
	}

	deps, err := edges(cs, byID)
	if err != nil {
		return nil, err
	}

	indegree := make(map[int]int, len(byID))
	dependents := make(map[int][]int, len(byID))
	for id, before := range deps {
		indegree[id] = len(before)
		for _, b := range before {
			dependents[b] = append(dependents[b], id)
		}
	}

	ready := &queue{}
	for _, c := range cs.Changes {
		if indegree[c.ID] == 0 {
			heap.Push(ready, c)
		}
	}

	ordered := make([]*differ.Change, 0, cs.Len())
	for ready.Len() > 0 {
		c := heap.Pop(ready).(*differ.Change)
		ordered = append(ordered, c)
		for _, next := range dependents[c.ID] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, byID[next])
			}
		}
	}

	if len(ordered) < cs.Len() {
		return nil, &CycleError{Cycle: findCycle(cs, deps, indegree, byID)}
	}
	return ordered, nil
}

// edges merges the declared dependencies with kind precedence. The map holds,
// per change id, the ids that must come first.
func edges(cs *differ.ChangeSet, byID map[int]*differ.Change) (map[int][]int, error) {
	deps := make(map[int][]int, cs.Len())
	for _, c := range cs.Changes {
		before := make([]int, 0, len(c.DependsOn))
		for _, id := range c.DependsOn {
			if _, ok := byID[id]; !ok {
				return nil, fmt.Errorf("%s depends on unknown change %d", c, id)
			}
			before = append(before, id)
		}
		for _, other := range cs.Changes {
			if other.Op != c.Op || other == c {
				continue
			}
			switch {
			case c.Op == differ.OpCreate && other.Target.Kind.Rank() < c.Target.Kind.Rank():
				before = append(before, other.ID)
			case c.Op == differ.OpDelete && other.Target.Kind.Rank() > c.Target.Kind.Rank():
				before = append(before, other.ID)
			}
		}
		slices.Sort(before)
		deps[c.ID] = slices.Compact(before)
	}
	return deps, nil
}

// findCycle walks the unsorted remainder backwards along dependencies until a
// change repeats
func findCycle(cs *differ.ChangeSet, deps map[int][]int, indegree map[int]int, byID map[int]*differ.Change) []*differ.Change {
	var start int
	for _, c := range cs.Changes {
		if indegree[c.ID] > 0 {
			start = c.ID
			break
		}
	}

	pos := make(map[int]int)
	var path []int
	for id := start; id != 0; {
		if i, seen := pos[id]; seen {
			path = path[i:]
			break
		}
		pos[id] = len(path)
		path = append(path, id)

		next := 0
		for _, b := range deps[id] {
			if indegree[b] > 0 {
				next = b
				break
			}
		}
		id = next
	}

	// path runs from dependent to dependency; report it the other way round
	cycle := make([]*differ.Change, 0, len(path))
	for i := len(path) - 1; i >= 0; i-- {
		cycle = append(cycle, byID[path[i]])
	}
	return cycle
}

// queue is a min-heap of ready changes
type queue []*differ.Change

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if pa, pb := a.Op.Phase(), b.Op.Phase(); pa != pb {
		return pa < pb
	}
	ra, rb := a.Target.Kind.Rank(), b.Target.Kind.Rank()
	if ra != rb {
		if a.Op == differ.OpStop || a.Op == differ.OpDelete {
			return ra > rb
		}
		return ra < rb
	}
	return a.ID < b.ID
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(*differ.Change)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	*q = old[:n-1]
	return c
}
