package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/resilience"
	"github.com/zipsa-ai/zipsa/telemetry"
)

// Graph node names as they appear in agent_path and node timings.
const (
	nodeIngest     = "ingest"
	nodeAnalyze    = "analyze"
	nodePlan       = "plan"
	nodeSchedule   = "schedule"
	nodeEvaluate   = "evaluate"
	nodeSynthesize = "synthesize"
	nodeEmit       = "emit"
)

// Request is one query submitted to the engine.
type Request struct {
	Query           string
	ThreadID        string // empty starts a new thread
	SessionID       string
	UserID          string
	Language        string // overrides the configured default
	CredentialNames []string
}

// Result is the engine's user-visible response. Execute always returns one;
// terminal failures surface as ResponseType=error with an ErrorKind, never
// as a bare Go error.
type Result struct {
	RequestID    string                   `json:"request_id"`
	ThreadID     string                   `json:"thread_id"`
	ResponseType ResponseType             `json:"response_type"`
	Answer       string                   `json:"answer,omitempty"`
	Sources      []string                 `json:"sources,omitempty"`
	ErrorKind    core.ErrorKind           `json:"error_kind,omitempty"`
	Error        string                   `json:"error,omitempty"`
	RetryCount   int                      `json:"retry_count"`
	QualityScore float64                  `json:"quality_score"`
	Elapsed      time.Duration            `json:"elapsed"`
	FromCache    bool                     `json:"from_cache"`
	WorkerNames  []string                 `json:"worker_names,omitempty"`
	Workers      map[string]*WorkerResult `json:"workers,omitempty"`
}

// WorkflowEngine drives the Ingest → Analyze → Plan → Schedule → Evaluate →
// (Schedule | Synthesize) → Emit graph. The graph is constructed once per
// process; each Execute call runs it for one thread.
type WorkflowEngine struct {
	cfg         *core.Config
	registry    *Registry
	store       StateStore
	cache       *Cache
	metrics     *Metrics
	analyzer    *Analyzer
	planner     *Planner
	scheduler   *Scheduler
	evaluator   *Evaluator
	synthesizer *Synthesizer
	llm         *LLMCaller
	telemetry   core.Telemetry
	logger      core.Logger

	// global caps in-flight worker invocations across all runs
	global chan struct{}

	mu     sync.Mutex
	closed bool
	runs   sync.WaitGroup
}

// EngineOption customizes engine construction.
type EngineOption func(*engineDeps)

type engineDeps struct {
	logger    core.Logger
	telemetry core.Telemetry
	llmClient core.LLMClient
	store     StateStore
}

// WithLogger sets the engine logger.
func WithLogger(logger core.Logger) EngineOption {
	return func(d *engineDeps) { d.logger = logger }
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(t core.Telemetry) EngineOption {
	return func(d *engineDeps) { d.telemetry = t }
}

// WithLLMClient sets the LLM client. Without one every LLM-assisted path
// runs its deterministic fallback.
func WithLLMClient(client core.LLMClient) EngineOption {
	return func(d *engineDeps) { d.llmClient = client }
}

// WithStateStore overrides the config-selected state backend.
func WithStateStore(store StateStore) EngineOption {
	return func(d *engineDeps) { d.store = store }
}

// NewEngine constructs the engine from configuration. Workers are
// registered afterwards through Registry().
func NewEngine(cfg *core.Config, opts ...EngineOption) (*WorkflowEngine, error) {
	if cfg == nil {
		var err error
		cfg, err = core.NewConfig()
		if err != nil {
			return nil, err
		}
	}

	deps := &engineDeps{}
	for _, opt := range opts {
		opt(deps)
	}

	logger := deps.logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	tel := deps.telemetry
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}

	store := deps.store
	if store == nil {
		var err error
		store, err = buildStateStore(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	registry := NewRegistry(componentLogger(logger, "registry"))
	metrics := NewMetrics(tel)
	llm := NewLLMCaller(deps.llmClient, cfg.LLM, componentLogger(logger, "llm"))
	global := make(chan struct{}, maxGlobal(cfg.Engine.MaxGlobalInFlight))

	e := &WorkflowEngine{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		cache:       NewCache(cfg.Cache, componentLogger(logger, "cache")),
		metrics:     metrics,
		analyzer:    NewAnalyzer(llm, cfg.Intent, cfg.LLM, componentLogger(logger, "analyzer")),
		planner:     NewPlanner(registry, cfg.Engine, cfg.Retry, componentLogger(logger, "planner")),
		scheduler:   NewScheduler(registry, cfg.Engine, metrics, componentLogger(logger, "scheduler"), global),
		evaluator:   NewEvaluator(cfg.Evaluator, cfg.Engine.MaxRetries, componentLogger(logger, "evaluator")),
		synthesizer: NewSynthesizer(llm, cfg.LLM, cfg.Engine.Language, componentLogger(logger, "synthesizer")),
		llm:         llm,
		telemetry:   tel,
		logger:      logger,
		global:      global,
	}

	logger.Info("Workflow engine initialized", map[string]interface{}{
		"operation":      "engine_init",
		"state_provider": cfg.State.Provider,
		"cache_enabled":  cfg.Cache.Enabled,
		"max_retries":    cfg.Engine.MaxRetries,
	})
	return e, nil
}

func buildStateStore(cfg *core.Config, logger core.Logger) (StateStore, error) {
	// Disabled checkpointing swaps whatever backend is configured for the
	// in-process store: runs still need state for the retry loop
	if !cfg.Engine.CheckpointEnabled || cfg.State.Provider == "inmemory" {
		if cfg.Engine.CheckpointEnabled && cfg.State.TTL > 0 {
			// Expiring checkpoints need a TTL-capable backend
			provider := NewMemoryProvider(core.NewMemoryStore())
			return NewProviderStateStore(provider, cfg.State.TTL, componentLogger(logger, "statestore")), nil
		}
		return NewMemoryStateStore(componentLogger(logger, "statestore")), nil
	}
	return NewRedisStateStore(RedisStateStoreOptions{
		RedisURL:  cfg.State.RedisURL,
		KeyPrefix: cfg.State.KeyPrefix,
		TTL:       cfg.State.TTL,
		Logger:    componentLogger(logger, "statestore"),
	})
}

func componentLogger(logger core.Logger, component string) core.Logger {
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		return cl.WithComponent(component)
	}
	return logger
}

func maxGlobal(n int) int {
	if n < 1 {
		return 32
	}
	return n
}

// Registry exposes worker registration.
func (e *WorkflowEngine) Registry() *Registry {
	return e.registry
}

// Metrics exposes the per-node counters.
func (e *WorkflowEngine) Metrics() *Metrics {
	return e.metrics
}

// CacheStats exposes the result-cache counters.
func (e *WorkflowEngine) CacheStats() CacheStats {
	return e.cache.Stats()
}

// Execute runs one query to completion and returns the final payload.
func (e *WorkflowEngine) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := e.beginRun(); err != nil {
		return nil, err
	}
	defer e.runs.Done()
	return e.execute(ctx, req, nil), nil
}

// StreamEvents runs one query and returns its event stream. The channel
// closes when the run terminates; the sequence is finite and not
// restartable.
func (e *WorkflowEngine) StreamEvents(ctx context.Context, req *Request) (<-chan Event, error) {
	if err := e.beginRun(); err != nil {
		return nil, err
	}

	events := newEventEmitter(e.logger)
	go func() {
		defer e.runs.Done()
		defer events.Close()
		e.execute(ctx, req, events)
	}()
	return events.Events(), nil
}

// GetState returns the checkpointed state of a thread.
func (e *WorkflowEngine) GetState(ctx context.Context, threadID string) (*RunState, error) {
	state, _, err := e.store.Load(ctx, threadID)
	return state, err
}

// ListThreads lists threads, optionally filtered by session.
func (e *WorkflowEngine) ListThreads(ctx context.Context, sessionID string, limit int) ([]ThreadSummary, error) {
	return e.store.ListThreads(ctx, sessionID, limit)
}

// DeleteThread removes a thread's checkpointed state.
func (e *WorkflowEngine) DeleteThread(ctx context.Context, threadID string) error {
	return e.store.Delete(ctx, threadID)
}

// Close drains in-flight runs and releases the state backend. Execute and
// StreamEvents fail with ErrEngineClosed afterwards.
func (e *WorkflowEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.runs.Wait()
	return e.store.Close()
}

func (e *WorkflowEngine) beginRun() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrEngineClosed
	}
	e.runs.Add(1)
	return nil
}

// runSession tracks the commit chain for one run. The engine is the single
// writer per thread, so the version advances linearly.
type runSession struct {
	store    StateStore
	threadID string
	version  int64
}

func (rs *runSession) commit(ctx context.Context, patch StatePatch) error {
	version, err := rs.store.Commit(ctx, rs.threadID, rs.version, patch)
	if err != nil {
		return err
	}
	rs.version = version
	return nil
}

// execute drives the run state machine. It always produces a Result.
func (e *WorkflowEngine) execute(ctx context.Context, req *Request, events *EventEmitter) *Result {
	started := time.Now()

	language := req.Language
	if language == "" {
		language = e.cfg.Engine.Language
	}

	carrier := core.NewContextCarrier(req.UserID, req.SessionID, req.ThreadID, strings.TrimSpace(req.Query))
	carrier.Language = language
	carrier.Debug = e.cfg.Engine.DebugMode
	carrier.CredentialNames = req.CredentialNames

	result := &Result{
		RequestID: carrier.RequestID,
		ThreadID:  carrier.ThreadID,
	}

	ctx, span := e.telemetry.StartSpan(ctx, "engine.execute")
	defer span.End()
	span.SetAttribute("thread_id", carrier.ThreadID)
	span.SetAttribute("request_id", carrier.RequestID)

	// Ingest: input validation happens before any state exists
	events.Emit(EventNodeStart, nodeIngest, "", nil)
	if carrier.Query == "" {
		events.Emit(EventError, nodeIngest, "empty query", nil)
		return e.finishError(result, core.KindInvalidInput, "query is empty", started, events)
	}
	if len([]rune(carrier.Query)) > e.cfg.Engine.MaxQueryLength {
		events.Emit(EventError, nodeIngest, "query too long", nil)
		return e.finishError(result, core.KindInvalidInput,
			fmt.Sprintf("query exceeds maximum length %d", e.cfg.Engine.MaxQueryLength), started, events)
	}

	// Cache consult, before any worker runs
	fingerprint := Fingerprint(carrier.Query, carrier.UserID, carrier.SessionID, language)
	if e.cfg.Cache.Enabled {
		if cached, ok := e.cache.Get(fingerprint); ok {
			e.logger.Info("Cache hit", map[string]interface{}{
				"operation":  "cache_get",
				"thread_id":  carrier.ThreadID,
				"request_id": carrier.RequestID,
			})
			hit := *cached
			hit.RequestID = carrier.RequestID
			hit.ThreadID = carrier.ThreadID
			hit.FromCache = true
			hit.Elapsed = time.Since(started)
			events.Emit(EventNodeEnd, nodeIngest, "", map[string]interface{}{"cache": "hit"})
			emitTokens(events, hit.Answer)
			return &hit
		}
	}
	events.Emit(EventNodeEnd, nodeIngest, "", nil)

	// Root deadline for the whole run
	runDeadline := started.Add(e.cfg.Engine.TotalRunTimeout)
	runCtx, cancel := context.WithDeadline(ctx, runDeadline)
	defer cancel()
	runCtx = core.WithCarrier(runCtx, carrier)

	// Thread state: resuming an existing thread carries its accumulated
	// path and insights into the fresh run document
	state := NewRunState(carrier.ThreadID, carrier.SessionID, carrier.RequestID, carrier.Query)
	if req.ThreadID != "" {
		if prior, _, err := e.store.Load(runCtx, req.ThreadID); err == nil {
			state.AgentPath = prior.AgentPath
			state.Insights = prior.Insights
		}
	}
	version, err := e.store.Create(runCtx, state)
	if err != nil {
		return e.finishError(result, core.KindStateStoreUnavailable, err.Error(), started, events)
	}
	session := &runSession{store: e.store, threadID: carrier.ThreadID, version: version}

	res := e.runGraph(runCtx, session, state, carrier, events, started)

	// Map context expiry onto the run-level kinds
	if res == nil {
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			res = e.terminalError(runCtx, session, result, core.KindRunTimeout, "total run budget exceeded", started, events)
		case runCtx.Err() != nil:
			res = e.terminalCancel(runCtx, session, result, started, events)
		default:
			// The only non-context abort inside the graph is a failed commit
			res = e.terminalError(runCtx, session, result, core.KindStateStoreUnavailable, "checkpoint commit failed", started, events)
		}
	}

	if res.ResponseType == ResponseAnswer && e.cfg.Cache.Enabled && !res.FromCache {
		e.cache.Put(fingerprint, res)
	}

	e.metrics.Record("engine.execute", res.Elapsed, res.ResponseType == ResponseError)
	return res
}

// runGraph walks the node sequence. A nil return means the run context
// expired mid-node; the caller classifies it.
func (e *WorkflowEngine) runGraph(
	ctx context.Context,
	session *runSession,
	state *RunState,
	carrier *core.ContextCarrier,
	events *EventEmitter,
	started time.Time,
) *Result {
	result := &Result{
		RequestID: carrier.RequestID,
		ThreadID:  carrier.ThreadID,
	}

	// --- Analyze ---
	intent, ok := e.nodeAnalyze(ctx, session, carrier, events)
	if !ok {
		return e.ctxOrNil(ctx, session, result, started, events)
	}

	// Guidance intents bypass planning and scheduling entirely
	if intent.Kind == IntentIrrelevant || intent.Kind == IntentUnclear || intent.Kind == IntentError {
		if intent.Kind == IntentError {
			return e.terminalErrorWithNotes(ctx, session, result, core.KindIntentError, intent.Reasoning, started, events)
		}
		return e.nodeSynthesizeAndEmit(ctx, session, intent, nil, 0, 0, carrier, events, result, started)
	}

	// --- Plan ---
	plan, ok := e.nodePlan(ctx, session, intent, carrier, events)
	if !ok {
		return e.ctxOrNil(ctx, session, result, started, events)
	}
	if len(plan.Steps) == 0 {
		// Nothing to schedule; guidance per the empty-plan boundary rule
		guidanceIntent := &IntentRecord{Kind: IntentUnclear, Confidence: intent.Confidence}
		return e.nodeSynthesizeAndEmit(ctx, session, guidanceIntent, nil, 0, 0, carrier, events, result, started)
	}

	// --- Schedule / Evaluate loop ---
	activePlan := plan
	var quality float64
	retryCount := 0

	for {
		outcome, schedErr := e.nodeSchedule(ctx, session, activePlan, carrier, events, retryCount)
		if schedErr != nil {
			if core.KindOf(schedErr) == core.KindStateStoreUnavailable {
				return e.terminalError(ctx, session, result, core.KindStateStoreUnavailable, schedErr.Error(), started, events)
			}
			if ctx.Err() != nil {
				return e.ctxOrNil(ctx, session, result, started, events)
			}
			return e.terminalError(ctx, session, result, core.KindOf(schedErr), schedErr.Error(), started, events)
		}
		if ctx.Err() != nil {
			return e.ctxOrNil(ctx, session, result, started, events)
		}

		// Evaluate against freshly loaded state: retry_count must come from
		// the checkpoint, not a local counter, so resumption stays bounded
		fresh, _, loadErr := e.store.Load(ctx, carrier.ThreadID)
		if loadErr != nil {
			return e.terminalError(ctx, session, result, core.KindStateStoreUnavailable, loadErr.Error(), started, events)
		}
		retryCount = fresh.RetryCount

		events.Emit(EventNodeStart, nodeEvaluate, "", nil)
		evalStarted := time.Now()
		evaluation := e.evaluator.Evaluate(plan, fresh.WorkerResults, retryCount)
		quality = evaluation.QualityScore

		patch := StatePatch{
			FieldStatus:         RunEvaluating,
			FieldQualityScore:   evaluation.QualityScore,
			FieldNeedsRetry:     evaluation.NeedsRetry,
			FieldRetryWorkerSet: evaluation.RetryWorkerSet,
			FieldFailedWorkers:  outcome.FailedWorkers(),
			FieldAgentPath:      []string{nodeEvaluate},
			FieldNodeTimings:    []NodeTiming{{Node: nodeEvaluate, StartedAt: evalStarted, Elapsed: time.Since(evalStarted)}},
		}
		if len(evaluation.Notes) > 0 {
			patch[FieldEvaluationNotes] = evaluation.Notes
			patch[FieldInsights] = evaluation.Notes
		}
		if err := session.commit(ctx, patch); err != nil {
			return e.terminalError(ctx, session, result, core.KindStateStoreUnavailable, err.Error(), started, events)
		}
		events.Emit(EventNodeEnd, nodeEvaluate, "", map[string]interface{}{
			"quality_score": evaluation.QualityScore,
			"needs_retry":   evaluation.NeedsRetry,
		})
		e.metrics.Record("node."+nodeEvaluate, time.Since(evalStarted), false)

		if !evaluation.NeedsRetry {
			// Exhausted failures surface as worker_failed when nothing succeeded
			if len(fresh.SuccessfulResults()) == 0 {
				return e.terminalErrorWithResults(ctx, session, result, fresh, core.KindWorkerFailed,
					"all workers failed", quality, retryCount, started, events)
			}
			return e.nodeSynthesizeAndEmit(ctx, session, intent, fresh, quality, retryCount, carrier, events, result, started)
		}

		// Backoff before relaunch, honoring cancellation
		retryCount++
		if err := session.commit(ctx, StatePatch{
			FieldStatus:     RunAwaitingRetry,
			FieldRetryCount: retryCount,
		}); err != nil {
			return e.terminalError(ctx, session, result, core.KindStateStoreUnavailable, err.Error(), started, events)
		}

		backoff := e.retryBackoff(activePlan, evaluation.RetryWorkerSet)
		if err := backoff.Sleep(ctx, retryCount); err != nil {
			return e.ctxOrNil(ctx, session, result, started, events)
		}

		activePlan = plan.Subset(evaluation.RetryWorkerSet)
		if len(activePlan.Steps) == 0 {
			return e.terminalError(ctx, session, result, core.KindWorkerFailed,
				"retry set resolved to empty plan", started, events)
		}
	}
}

// nodeAnalyze runs the analyzer and checkpoints the intent.
func (e *WorkflowEngine) nodeAnalyze(
	ctx context.Context,
	session *runSession,
	carrier *core.ContextCarrier,
	events *EventEmitter,
) (*IntentRecord, bool) {
	events.Emit(EventNodeStart, nodeAnalyze, "", nil)
	nodeStarted := time.Now()

	if err := session.commit(ctx, StatePatch{
		FieldStatus:    RunAnalyzing,
		FieldAgentPath: []string{nodeIngest, nodeAnalyze},
	}); err != nil {
		return nil, false
	}

	intent := e.analyzer.Analyze(ctx, carrier.Query, carrier)
	telemetry.AddSpanEvent(ctx, "intent.classified",
		attribute.String("kind", string(intent.Kind)),
		attribute.Float64("confidence", intent.Confidence))

	if err := session.commit(ctx, StatePatch{
		FieldIntent:      intent,
		FieldNodeTimings: []NodeTiming{{Node: nodeAnalyze, StartedAt: nodeStarted, Elapsed: time.Since(nodeStarted)}},
	}); err != nil {
		return nil, false
	}

	events.Emit(EventNodeEnd, nodeAnalyze, "", map[string]interface{}{
		"kind":       string(intent.Kind),
		"confidence": intent.Confidence,
	})
	e.metrics.Record("node."+nodeAnalyze, time.Since(nodeStarted), false)
	return intent, true
}

// nodePlan runs the planner and checkpoints the plan.
func (e *WorkflowEngine) nodePlan(
	ctx context.Context,
	session *runSession,
	intent *IntentRecord,
	carrier *core.ContextCarrier,
	events *EventEmitter,
) (*ExecutionPlan, bool) {
	events.Emit(EventNodeStart, nodePlan, "", nil)
	nodeStarted := time.Now()

	plan := e.planner.Plan(intent, carrier.Query)

	if err := session.commit(ctx, StatePatch{
		FieldStatus:      RunPlanning,
		FieldPlan:        plan,
		FieldAgentPath:   []string{nodePlan},
		FieldNodeTimings: []NodeTiming{{Node: nodePlan, StartedAt: nodeStarted, Elapsed: time.Since(nodeStarted)}},
	}); err != nil {
		return nil, false
	}

	events.Emit(EventNodeEnd, nodePlan, "", map[string]interface{}{
		"strategy": string(plan.Strategy),
		"steps":    len(plan.Steps),
	})
	e.metrics.Record("node."+nodePlan, time.Since(nodeStarted), false)
	return plan, true
}

// nodeSchedule runs one scheduling pass over the active plan.
func (e *WorkflowEngine) nodeSchedule(
	ctx context.Context,
	session *runSession,
	plan *ExecutionPlan,
	carrier *core.ContextCarrier,
	events *EventEmitter,
	retryCount int,
) (*ScheduleOutcome, error) {
	events.Emit(EventNodeStart, nodeSchedule, "", map[string]interface{}{
		"strategy":    string(plan.Strategy),
		"retry_count": retryCount,
	})
	nodeStarted := time.Now()

	if err := session.commit(ctx, StatePatch{
		FieldStatus:    RunScheduling,
		FieldAgentPath: []string{nodeSchedule},
	}); err != nil {
		return nil, err
	}

	// Prior results seed attempt counts and DAG collected data on retries
	prior, _, err := e.store.Load(ctx, carrier.ThreadID)
	if err != nil {
		return nil, err
	}

	var todos []string
	if retryCount > 0 {
		todos = prior.EvaluationNotes
	}

	runDeadline, _ := ctx.Deadline()
	outcome, schedErr := e.scheduler.Run(ctx, plan, prior.WorkerResults, carrier, runDeadline, todos, events, session.commit)

	elapsed := time.Since(nodeStarted)
	if commitErr := session.commit(ctx, StatePatch{
		FieldNodeTimings: []NodeTiming{{Node: nodeSchedule, StartedAt: nodeStarted, Elapsed: elapsed}},
		FieldErrorCounts: scheduleErrorCounts(outcome),
	}); commitErr != nil && schedErr == nil {
		schedErr = commitErr
	}

	events.Emit(EventNodeEnd, nodeSchedule, "", map[string]interface{}{
		"failed": outcome.FailedWorkers(),
	})
	e.metrics.Record("node."+nodeSchedule, elapsed, schedErr != nil)
	return outcome, schedErr
}

func scheduleErrorCounts(outcome *ScheduleOutcome) map[string]int {
	counts := make(map[string]int)
	for _, r := range outcome.Results {
		switch r.Status {
		case StatusFailed:
			counts[string(core.KindWorkerFailed)]++
		case StatusTimeout:
			counts[string(core.KindWorkerTimeout)]++
		case StatusSkipped:
			if r.SkipReason == SkipDependencyFailed {
				counts[string(core.KindDependencyFailed)]++
			}
		}
	}
	return counts
}

// nodeSynthesizeAndEmit runs the synthesizer and finalizes the run.
func (e *WorkflowEngine) nodeSynthesizeAndEmit(
	ctx context.Context,
	session *runSession,
	intent *IntentRecord,
	state *RunState,
	quality float64,
	retryCount int,
	carrier *core.ContextCarrier,
	events *EventEmitter,
	result *Result,
	started time.Time,
) *Result {
	events.Emit(EventNodeStart, nodeSynthesize, "", nil)
	nodeStarted := time.Now()

	if err := session.commit(ctx, StatePatch{
		FieldStatus:    RunSynthesizing,
		FieldAgentPath: []string{nodeSynthesize},
	}); err != nil {
		return e.terminalError(ctx, session, result, core.KindStateStoreUnavailable, err.Error(), started, events)
	}

	var results map[string]*WorkerResult
	if state != nil {
		results = state.WorkerResults
	}
	synthesis := e.synthesizer.Synthesize(ctx, intent, results, events)

	now := time.Now()
	if err := session.commit(ctx, StatePatch{
		FieldStatus:       RunCompleted,
		FieldFinalAnswer:  synthesis.Answer,
		FieldSources:      synthesis.Sources,
		FieldResponseType: synthesis.Type,
		FieldAgentPath:    []string{nodeEmit},
		FieldNodeTimings:  []NodeTiming{{Node: nodeSynthesize, StartedAt: nodeStarted, Elapsed: time.Since(nodeStarted)}},
		FieldEndedAt:      now,
	}); err != nil {
		return e.terminalError(ctx, session, result, core.KindStateStoreUnavailable, err.Error(), started, events)
	}

	events.Emit(EventNodeEnd, nodeSynthesize, "", map[string]interface{}{"type": string(synthesis.Type)})
	e.metrics.Record("node."+nodeSynthesize, time.Since(nodeStarted), false)

	result.ResponseType = synthesis.Type
	result.Answer = synthesis.Answer
	result.Sources = synthesis.Sources
	result.QualityScore = quality
	result.RetryCount = retryCount
	result.Elapsed = time.Since(started)
	if state != nil {
		result.Workers = state.WorkerResults
		for name := range state.WorkerResults {
			result.WorkerNames = append(result.WorkerNames, name)
		}
	}
	return result
}

// retryBackoff picks the backoff policy for the retry sleep: the strictest
// (longest initial delay) policy among the retried steps, falling back to
// the engine default.
func (e *WorkflowEngine) retryBackoff(plan *ExecutionPlan, retrySet []string) *resilience.RetryConfig {
	policy := RetryPolicy{
		MaxRetries:   e.cfg.Engine.MaxRetries,
		Backoff:      resilienceBackoff(e.cfg.Retry.BackoffKind),
		InitialDelay: e.cfg.Retry.InitialDelay,
		MaxDelay:     e.cfg.Retry.MaxDelay,
	}
	for _, name := range retrySet {
		if step := plan.StepFor(name); step != nil && step.Retry.InitialDelay > policy.InitialDelay {
			policy = step.Retry
		}
	}
	return policy.retryConfig()
}

// ctxOrNil converts a context error into the matching terminal result, or
// returns nil so the caller classifies a non-context abort.
func (e *WorkflowEngine) ctxOrNil(ctx context.Context, session *runSession, result *Result, started time.Time, events *EventEmitter) *Result {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return e.terminalError(ctx, session, result, core.KindRunTimeout, "total run budget exceeded", started, events)
	case context.Canceled:
		return e.terminalCancel(ctx, session, result, started, events)
	default:
		return nil
	}
}

// terminalError finalizes a failed run. State commits run on a detached
// context so the final status lands even when the run context is dead.
func (e *WorkflowEngine) terminalError(
	ctx context.Context,
	session *runSession,
	result *Result,
	kind core.ErrorKind,
	message string,
	started time.Time,
	events *EventEmitter,
) *Result {
	commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := session.commit(commitCtx, StatePatch{
		FieldStatus:       RunFailed,
		FieldResponseType: ResponseError,
		FieldErrors:       map[string]string{string(kind): message},
		FieldErrorCounts:  map[string]int{string(kind): 1},
		FieldEndedAt:      time.Now(),
	}); err != nil {
		e.logger.Error("Failed to checkpoint terminal state", map[string]interface{}{
			"operation": "run_finalize",
			"thread_id": session.threadID,
			"error":     err.Error(),
		})
	}
	return e.finishError(result, kind, message, started, events)
}

func (e *WorkflowEngine) terminalErrorWithNotes(
	ctx context.Context,
	session *runSession,
	result *Result,
	kind core.ErrorKind,
	message string,
	started time.Time,
	events *EventEmitter,
) *Result {
	if message == "" {
		message = string(kind)
	}
	return e.terminalError(ctx, session, result, kind, message, started, events)
}

func (e *WorkflowEngine) terminalErrorWithResults(
	ctx context.Context,
	session *runSession,
	result *Result,
	state *RunState,
	kind core.ErrorKind,
	message string,
	quality float64,
	retryCount int,
	started time.Time,
	events *EventEmitter,
) *Result {
	res := e.terminalError(ctx, session, result, kind, message, started, events)
	res.QualityScore = quality
	res.RetryCount = retryCount
	res.Workers = state.WorkerResults
	return res
}

// terminalCancel finalizes a cancelled run: partial results stay in state,
// no synthesizer runs.
func (e *WorkflowEngine) terminalCancel(
	ctx context.Context,
	session *runSession,
	result *Result,
	started time.Time,
	events *EventEmitter,
) *Result {
	commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := session.commit(commitCtx, StatePatch{
		FieldStatus:      RunCancelled,
		FieldErrorCounts: map[string]int{string(core.KindCancelled): 1},
		FieldEndedAt:     time.Now(),
	}); err != nil {
		e.logger.Error("Failed to checkpoint cancelled state", map[string]interface{}{
			"operation": "run_finalize",
			"thread_id": session.threadID,
			"error":     err.Error(),
		})
	}
	return e.finishError(result, core.KindCancelled, "run cancelled by caller", started, events)
}

// finishError fills the error payload on the result.
func (e *WorkflowEngine) finishError(result *Result, kind core.ErrorKind, message string, started time.Time, events *EventEmitter) *Result {
	result.ResponseType = ResponseError
	result.ErrorKind = kind
	result.Error = message
	result.Elapsed = time.Since(started)

	events.Emit(EventError, nodeEmit, message, map[string]interface{}{"kind": string(kind)})

	e.logger.Warn("Run finished with error", map[string]interface{}{
		"operation":  "run_finalize",
		"thread_id":  result.ThreadID,
		"request_id": result.RequestID,
		"error_kind": string(kind),
		"error":      message,
	})
	return result
}
