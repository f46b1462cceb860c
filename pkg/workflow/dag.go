package workflow

import "github.com/tombarlow/orchestrator/pkg/errors"

// ValidateDAG checks that steps declaring DependsOn form a valid DAG: every
// referenced ID exists among steps, and no cycle exists. Steps with no
// DependsOn are unaffected and keep the executor's existing array-order
// semantics; DependsOn is only consulted when at least one step sets it.
//
// Grounded on the DAGScheduler's inDegree bookkeeping in the wider
// example pack: build an inDegree count per step, repeatedly remove
// zero-inDegree nodes, and treat leftover nodes after the final pass as a
// cycle (Kahn's algorithm), rather than attempting DFS back-edge detection.
func ValidateDAG(steps []StepDefinition) error {
	if !anyDependsOn(steps) {
		return nil
	}

	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return &errors.ValidationError{
					Field:      "depends_on",
					Message:    "step '" + s.ID + "' depends on unknown step '" + dep + "'",
					Suggestion: "depends_on entries must name another step's id in the same workflow",
				}
			}
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(steps) {
		return &errors.ValidationError{
			Field:      "depends_on",
			Message:    "workflow contains a dependency cycle",
			Suggestion: "remove the circular depends_on reference",
		}
	}
	return nil
}

func anyDependsOn(steps []StepDefinition) bool {
	for _, s := range steps {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// TopologicalOrder returns steps reordered so every step appears after all
// of its DependsOn predecessors, breaking ties by original array position
// (stable, so a workflow with no DependsOn is returned unchanged). Callers
// should run ValidateDAG first; TopologicalOrder assumes an acyclic graph.
func TopologicalOrder(steps []StepDefinition) []StepDefinition {
	if !anyDependsOn(steps) {
		return steps
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	ordered := make([]StepDefinition, 0, len(steps))
	for len(ready) > 0 {
		// Among currently-ready nodes, pick the one with the lowest original
		// index so output stays deterministic and close to declaration order.
		bestIdx := 0
		for i, id := range ready {
			if index[id] < index[ready[bestIdx]] {
				bestIdx = i
			}
		}
		id := ready[bestIdx]
		ready = append(ready[:bestIdx], ready[bestIdx+1:]...)

		ordered = append(ordered, steps[index[id]])
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return ordered
}
