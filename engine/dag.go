package engine

import (
	"fmt"
	"sort"

	"github.com/zipsa-ai/zipsa/core"
)

// ValidatePlan checks structural invariants before scheduling: non-empty,
// unique step IDs, known dependencies, and no cycles.
func ValidatePlan(plan *ExecutionPlan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return core.NewEngineError("plan.validate", core.KindPlanError,
			fmt.Errorf("plan has no steps: %w", core.ErrInvalidConfiguration))
	}

	seen := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.StepID == "" {
			return core.NewEngineError("plan.validate", core.KindPlanError,
				fmt.Errorf("step for worker %q has empty step_id: %w", step.WorkerName, core.ErrInvalidConfiguration))
		}
		if seen[step.StepID] {
			return core.NewEngineError("plan.validate", core.KindPlanError,
				fmt.Errorf("duplicate step_id %q: %w", step.StepID, core.ErrInvalidConfiguration))
		}
		seen[step.StepID] = true
	}

	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return core.NewEngineError("plan.validate", core.KindPlanError,
					fmt.Errorf("step %q depends on unknown step %q: %w", step.StepID, dep, core.ErrInvalidConfiguration))
			}
			if dep == step.StepID {
				return core.NewEngineError("plan.validate", core.KindPlanError,
					fmt.Errorf("step %q depends on itself: %w", step.StepID, core.ErrInvalidConfiguration))
			}
		}
	}

	if _, err := TopologicalWaves(plan.Steps); err != nil {
		return err
	}
	return nil
}

// TopologicalWaves groups steps into dependency waves using Kahn's
// algorithm: wave N contains every step whose dependencies all completed in
// waves < N. Steps inside one wave have no ordering between them and may run
// concurrently. Returns an error when the graph has a cycle.
func TopologicalWaves(steps []PlanStep) ([][]PlanStep, error) {
	byID := make(map[string]PlanStep, len(steps))
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)

	for _, step := range steps {
		byID[step.StepID] = step
		inDegree[step.StepID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.StepID)
		}
	}

	var waves [][]PlanStep
	remaining := len(steps)

	for remaining > 0 {
		var ready []string
		for id, deg := range inDegree {
			if deg == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, core.NewEngineError("plan.topo_sort", core.KindPlanError,
				fmt.Errorf("dependency cycle among %d remaining steps: %w", remaining, core.ErrInvalidConfiguration))
		}

		// Deterministic wave ordering: plan order, then step id
		sort.Slice(ready, func(i, j int) bool {
			a, b := byID[ready[i]], byID[ready[j]]
			if a.Order != b.Order {
				return a.Order < b.Order
			}
			return a.StepID < b.StepID
		})

		wave := make([]PlanStep, 0, len(ready))
		for _, id := range ready {
			wave = append(wave, byID[id])
			delete(inDegree, id)
			remaining--
			for _, dependent := range dependents[id] {
				if _, active := inDegree[dependent]; active {
					inDegree[dependent]--
				}
			}
		}
		waves = append(waves, wave)
	}

	return waves, nil
}
