package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/telemetry"
)

// Result reason recorded when a plan step names a missing or disabled
// worker. The evaluator excludes these from retry sets.
const SkipWorkerNotAvailable = "worker_not_available"

// CommitFunc persists a batch of scheduler updates. The engine binds it to
// an atomic StateStore.Commit; every wave or batch boundary produces exactly
// one call.
type CommitFunc func(ctx context.Context, patch StatePatch) error

// ScheduleOutcome carries the scheduler's view of one pass over a plan.
type ScheduleOutcome struct {
	Results    map[string]*WorkerResult
	StepStates map[string]ResultStatus
}

// FailedWorkers returns the worker names whose latest attempt failed or
// timed out, sorted for determinism.
func (o *ScheduleOutcome) FailedWorkers() []string {
	var failed []string
	for name, result := range o.Results {
		if result.Status == StatusFailed || result.Status == StatusTimeout {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// Scheduler runs plan steps under the Sequential, Parallel and DAG
// strategies. It never touches the state store directly; updates flow
// through the CommitFunc at batch boundaries, and workers only communicate
// through returned payloads.
type Scheduler struct {
	registry *Registry
	cfg      core.EngineConfig
	metrics  *Metrics
	logger   core.Logger

	// global caps total in-flight worker invocations across all runs
	global chan struct{}
}

// NewScheduler creates a scheduler. The global semaphore channel is shared
// across runs; pass nil to disable the process-wide cap.
func NewScheduler(registry *Registry, cfg core.EngineConfig, metrics *Metrics, logger core.Logger, global chan struct{}) *Scheduler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		registry: registry,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		global:   global,
	}
}

// Run executes the plan. priorResults seed collected data and attempt
// numbers (non-nil on retry passes). runDeadline is the absolute total-run
// deadline; per-step deadlines never exceed it.
//
// The returned outcome is valid even when err is non-nil: on cancellation
// or deadline expiry it holds every result recorded before the cut.
func (s *Scheduler) Run(
	ctx context.Context,
	plan *ExecutionPlan,
	priorResults map[string]*WorkerResult,
	carrier *core.ContextCarrier,
	runDeadline time.Time,
	todos []string,
	events *EventEmitter,
	commit CommitFunc,
) (*ScheduleOutcome, error) {
	outcome := &ScheduleOutcome{
		Results:    make(map[string]*WorkerResult),
		StepStates: make(map[string]ResultStatus),
	}

	if err := ValidatePlan(plan); err != nil {
		return outcome, err
	}

	var err error
	switch plan.Strategy {
	case StrategySequential:
		err = s.runSequential(ctx, plan, priorResults, carrier, runDeadline, todos, events, commit, outcome)
	case StrategyParallel:
		err = s.runParallel(ctx, plan, priorResults, carrier, runDeadline, todos, events, commit, outcome)
	case StrategyDAG:
		err = s.runDAG(ctx, plan, priorResults, carrier, runDeadline, todos, events, commit, outcome)
	default:
		err = core.NewEngineError("scheduler.run", core.KindPlanError,
			fmt.Errorf("unknown strategy %q: %w", plan.Strategy, core.ErrInvalidConfiguration))
	}
	return outcome, err
}

// runSequential executes steps in order, committing after every step so
// each step observes its predecessor's checkpoint. A non-success aborts the
// tail under strict mode; otherwise the tail is skipped with
// upstream_failure and the pass continues to report it.
func (s *Scheduler) runSequential(
	ctx context.Context,
	plan *ExecutionPlan,
	priorResults map[string]*WorkerResult,
	carrier *core.ContextCarrier,
	runDeadline time.Time,
	todos []string,
	events *EventEmitter,
	commit CommitFunc,
	outcome *ScheduleOutcome,
) error {
	steps := orderedSteps(plan.Steps)

	for i, step := range steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		collected := mergeCollected(priorResults, outcome.Results)
		result := s.executeStep(ctx, step, collected, priorResults, carrier, runDeadline, todos, events)
		outcome.Results[step.WorkerName] = result
		outcome.StepStates[step.StepID] = result.Status

		patch := StatePatch{
			FieldWorkerResults: map[string]*WorkerResult{step.WorkerName: result},
			FieldStepStates:    map[string]ResultStatus{step.StepID: result.Status},
		}

		if result.Status != StatusSuccess {
			if s.cfg.StrictSequential {
				// Abort the tail
				if err := commit(ctx, patch); err != nil {
					return err
				}
				return nil
			}
			// Mark the remaining tail skipped and stop
			skippedResults := make(map[string]*WorkerResult)
			skippedStates := make(map[string]ResultStatus)
			for _, rest := range steps[i+1:] {
				skip := skippedResult(rest.WorkerName, SkipUpstreamFailure)
				outcome.Results[rest.WorkerName] = skip
				outcome.StepStates[rest.StepID] = StatusSkipped
				skippedResults[rest.WorkerName] = skip
				skippedStates[rest.StepID] = StatusSkipped
			}
			for name, r := range skippedResults {
				patch[FieldWorkerResults].(map[string]*WorkerResult)[name] = r
			}
			for id, st := range skippedStates {
				patch[FieldStepStates].(map[string]ResultStatus)[id] = st
			}
			if err := commit(ctx, patch); err != nil {
				return err
			}
			return nil
		}

		if err := commit(ctx, patch); err != nil {
			return err
		}
	}
	return nil
}

// runParallel launches every step concurrently under the max_concurrent
// bound. Siblings never see each other's payloads; the batch commits once
// when all launched steps have terminated.
func (s *Scheduler) runParallel(
	ctx context.Context,
	plan *ExecutionPlan,
	priorResults map[string]*WorkerResult,
	carrier *core.ContextCarrier,
	runDeadline time.Time,
	todos []string,
	events *EventEmitter,
	commit CommitFunc,
	outcome *ScheduleOutcome,
) error {
	steps := orderedSteps(plan.Steps)
	collected := mergeCollected(priorResults, nil)

	s.launchWave(ctx, steps, func(PlanStep) map[string]*WorkerResult { return collected },
		priorResults, carrier, runDeadline, todos, events, outcome)

	patch := wavePatch(steps, outcome)
	if err := commit(ctx, patch); err != nil {
		return err
	}
	return ctx.Err()
}

// runDAG executes dependency waves. Steps whose dependencies did not all
// succeed are skipped with dependency_failed and never launched; each wave
// boundary commits atomically.
func (s *Scheduler) runDAG(
	ctx context.Context,
	plan *ExecutionPlan,
	priorResults map[string]*WorkerResult,
	carrier *core.ContextCarrier,
	runDeadline time.Time,
	todos []string,
	events *EventEmitter,
	commit CommitFunc,
	outcome *ScheduleOutcome,
) error {
	waves, err := TopologicalWaves(plan.Steps)
	if err != nil {
		return err
	}

	for _, wave := range waves {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var runnable []PlanStep
		for _, step := range wave {
			if failedDep := s.firstFailedDependency(step, plan, outcome); failedDep != "" {
				skip := skippedResult(step.WorkerName, SkipDependencyFailed)
				skip.Error = fmt.Sprintf("dependency %q did not succeed", failedDep)
				outcome.Results[step.WorkerName] = skip
				outcome.StepStates[step.StepID] = StatusSkipped
				continue
			}
			runnable = append(runnable, step)
		}

		s.launchWave(ctx, runnable, func(step PlanStep) map[string]*WorkerResult {
			return s.dependencyPayloads(step, plan, priorResults, outcome)
		}, priorResults, carrier, runDeadline, todos, events, outcome)

		patch := wavePatch(wave, outcome)
		if err := commit(ctx, patch); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// launchWave runs the given steps concurrently under the per-run bound,
// recording results into outcome under its own lock.
func (s *Scheduler) launchWave(
	ctx context.Context,
	steps []PlanStep,
	collectedFor func(PlanStep) map[string]*WorkerResult,
	priorResults map[string]*WorkerResult,
	carrier *core.ContextCarrier,
	runDeadline time.Time,
	todos []string,
	events *EventEmitter,
	outcome *ScheduleOutcome,
) {
	maxConcurrent := s.cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, step := range steps {
		if ctx.Err() != nil {
			// Stop launching; in-flight steps finish and record
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(step PlanStep) {
			defer wg.Done()
			defer func() { <-sem }()

			result := s.executeStep(ctx, step, collectedFor(step), priorResults, carrier, runDeadline, todos, events)

			mu.Lock()
			outcome.Results[step.WorkerName] = result
			outcome.StepStates[step.StepID] = result.Status
			mu.Unlock()
		}(step)
	}
	wg.Wait()
}

// executeStep runs one worker invocation with deadline enforcement, global
// in-flight capping and panic recovery.
func (s *Scheduler) executeStep(
	ctx context.Context,
	step PlanStep,
	collected map[string]*WorkerResult,
	priorResults map[string]*WorkerResult,
	carrier *core.ContextCarrier,
	runDeadline time.Time,
	todos []string,
	events *EventEmitter,
) (result *WorkerResult) {
	started := time.Now()
	attempt := 1
	if prior, ok := priorResults[step.WorkerName]; ok {
		attempt = prior.Attempt + 1
	}

	result = &WorkerResult{
		WorkerName: step.WorkerName,
		Attempt:    attempt,
		StartedAt:  started,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusFailed
			result.Error = fmt.Sprintf("worker panic: %v", r)
			result.Elapsed = time.Since(started)
			s.logger.Error("Worker panicked", map[string]interface{}{
				"operation": "step_execute",
				"worker":    step.WorkerName,
				"panic":     fmt.Sprintf("%v", r),
			})
		}
		s.metrics.Record("worker."+step.WorkerName, result.Elapsed, result.Status != StatusSuccess)
		events.Emit(EventToolEnd, step.WorkerName, "", map[string]interface{}{
			"status":  string(result.Status),
			"elapsed": result.Elapsed.String(),
			"attempt": result.Attempt,
		})
	}()

	worker, _, err := s.registry.Get(step.WorkerName)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		result.SkipReason = SkipWorkerNotAvailable
		result.Elapsed = time.Since(started)
		return result
	}

	// Deadline = min(step timeout, remaining run budget)
	remaining := time.Until(runDeadline)
	if remaining <= 0 {
		result.Status = StatusTimeout
		result.Error = "run budget exhausted before launch"
		result.Elapsed = 0
		return result
	}
	stepTimeout := step.Timeout
	if stepTimeout <= 0 || stepTimeout > remaining {
		stepTimeout = remaining
	}

	// Process-wide in-flight cap
	if s.global != nil {
		select {
		case s.global <- struct{}{}:
			defer func() { <-s.global }()
		case <-ctx.Done():
			result.Status = statusForContextError(ctx.Err())
			result.Error = ctx.Err().Error()
			result.Elapsed = time.Since(started)
			return result
		}
	}

	events.Emit(EventToolStart, step.WorkerName, "", map[string]interface{}{
		"attempt": attempt,
		"timeout": stepTimeout.String(),
	})

	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	stepCtx = core.WithCarrier(stepCtx, carrier)

	telemetry.AddSpanEvent(ctx, "worker.launch", attribute.String("worker", step.WorkerName))

	input := &WorkerInput{
		Query:         carrier.Query,
		OriginalQuery: carrier.Query,
		Parameters:    step.Parameters,
		CollectedData: successOnly(collected),
		Context:       carrier,
		Todos:         todos,
	}
	if q, ok := step.Parameters["query"].(string); ok && q != "" {
		input.Query = q
	}

	output, workerErr := worker.Execute(stepCtx, input)
	result.Elapsed = time.Since(started)

	switch {
	case workerErr == nil && output != nil:
		result.Status = StatusSuccess
		result.Payload = output.Payload
		result.Confidence = output.Confidence
		result.Sources = output.Sources
	case stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.Status = StatusTimeout
		result.Error = fmt.Sprintf("step deadline %s expired", stepTimeout)
	case ctx.Err() != nil:
		result.Status = statusForContextError(ctx.Err())
		result.Error = ctx.Err().Error()
	case workerErr != nil:
		result.Status = StatusFailed
		result.Error = workerErr.Error()
	default:
		result.Status = StatusFailed
		result.Error = "worker returned no output"
	}

	s.logger.Debug("Step finished", map[string]interface{}{
		"operation": "step_execute",
		"worker":    step.WorkerName,
		"status":    string(result.Status),
		"elapsed":   result.Elapsed.String(),
		"attempt":   attempt,
	})
	return result
}

// firstFailedDependency returns the step id of a dependency that did not
// succeed, walking transitively so a skipped intermediate also blocks.
func (s *Scheduler) firstFailedDependency(step PlanStep, plan *ExecutionPlan, outcome *ScheduleOutcome) string {
	for _, dep := range step.DependsOn {
		if outcome.StepStates[dep] != StatusSuccess {
			return dep
		}
	}
	return ""
}

// dependencyPayloads gathers the successful results of the step's direct
// and transitive dependencies.
func (s *Scheduler) dependencyPayloads(step PlanStep, plan *ExecutionPlan, priorResults map[string]*WorkerResult, outcome *ScheduleOutcome) map[string]*WorkerResult {
	byID := make(map[string]PlanStep, len(plan.Steps))
	for _, st := range plan.Steps {
		byID[st.StepID] = st
	}

	deps := make(map[string]bool)
	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			if deps[id] {
				continue
			}
			deps[id] = true
			if parent, ok := byID[id]; ok {
				walk(parent.DependsOn)
			}
		}
	}
	walk(step.DependsOn)

	out := make(map[string]*WorkerResult)
	for id := range deps {
		name := byID[id].WorkerName
		if r, ok := outcome.Results[name]; ok && r.Status == StatusSuccess {
			out[name] = r
		} else if r, ok := priorResults[name]; ok && r.Status == StatusSuccess {
			out[name] = r
		}
	}
	return out
}

func orderedSteps(steps []PlanStep) []PlanStep {
	out := make([]PlanStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].StepID < out[j].StepID
	})
	return out
}

// mergeCollected overlays this pass's results onto prior-run results.
func mergeCollected(prior, current map[string]*WorkerResult) map[string]*WorkerResult {
	out := make(map[string]*WorkerResult, len(prior)+len(current))
	for name, r := range prior {
		out[name] = r
	}
	for name, r := range current {
		out[name] = r
	}
	return out
}

// successOnly filters collected data down to successful results; workers
// never observe sibling failures.
func successOnly(collected map[string]*WorkerResult) map[string]*WorkerResult {
	out := make(map[string]*WorkerResult)
	for name, r := range collected {
		if r.Status == StatusSuccess {
			out[name] = r
		}
	}
	return out
}

func skippedResult(workerName, reason string) *WorkerResult {
	return &WorkerResult{
		WorkerName: workerName,
		Status:     StatusSkipped,
		SkipReason: reason,
		StartedAt:  time.Now(),
	}
}

func statusForContextError(err error) ResultStatus {
	if err == context.DeadlineExceeded {
		return StatusTimeout
	}
	return StatusFailed
}

// wavePatch builds the commit patch for one wave from the outcome entries
// belonging to the wave's steps.
func wavePatch(wave []PlanStep, outcome *ScheduleOutcome) StatePatch {
	results := make(map[string]*WorkerResult)
	states := make(map[string]ResultStatus)
	for _, step := range wave {
		if r, ok := outcome.Results[step.WorkerName]; ok {
			results[step.WorkerName] = r
		}
		if st, ok := outcome.StepStates[step.StepID]; ok {
			states[step.StepID] = st
		}
	}
	return StatePatch{
		FieldWorkerResults: results,
		FieldStepStates:    states,
	}
}
