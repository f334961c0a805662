package engine

import (
	"time"

	"github.com/zipsa-ai/zipsa/resilience"
)

// IntentKind classifies what the user is asking for
type IntentKind string

const (
	IntentSearch         IntentKind = "search"
	IntentCalculation    IntentKind = "calculation"
	IntentRecommendation IntentKind = "recommendation"
	IntentConsultation   IntentKind = "consultation"
	IntentUnclear        IntentKind = "unclear"
	IntentIrrelevant     IntentKind = "irrelevant"
	IntentError          IntentKind = "error"
)

// Entity keys produced by the analyzer
const (
	EntityLocation        = "location"
	EntityPriceRange      = "price_range"
	EntitySizeRange       = "size_range"
	EntityTransactionType = "transaction_type"
	EntityPropertyType    = "property_type"
)

// IntentRecord is the analyzer's classification of one query
type IntentRecord struct {
	Kind       IntentKind        `json:"kind"`
	Entities   map[string]string `json:"entities,omitempty"`
	Confidence float64           `json:"confidence"`
	Keywords   []string          `json:"keywords,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// Strategy selects how plan steps are scheduled
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyDAG        Strategy = "dag"
)

// RetryPolicy defines per-step backoff applied before a retry re-schedule
type RetryPolicy struct {
	MaxRetries   int                    `json:"max_retries"`
	Backoff      resilience.BackoffKind `json:"backoff"`
	InitialDelay time.Duration          `json:"initial_delay"`
	MaxDelay     time.Duration          `json:"max_delay"`
}

// retryConfig converts the policy for use with the resilience package.
func (p RetryPolicy) retryConfig() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxRetries:   p.MaxRetries,
		Backoff:      p.Backoff,
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
	}
}

// resilienceBackoff maps a config string onto a backoff kind, defaulting to
// exponential for unknown values.
func resilienceBackoff(kind string) resilience.BackoffKind {
	switch kind {
	case "constant":
		return resilience.BackoffConstant
	case "linear":
		return resilience.BackoffLinear
	default:
		return resilience.BackoffExponential
	}
}

// PlanStep is one worker invocation in an execution plan
type PlanStep struct {
	StepID     string                 `json:"step_id"`
	WorkerName string                 `json:"worker_name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	Timeout    time.Duration          `json:"timeout"`
	Retry      RetryPolicy            `json:"retry"`
	Priority   int                    `json:"priority"`
	Order      int                    `json:"order"`
}

// ExecutionPlan is the frozen set of worker invocations for one run.
// Retries reuse the same plan filtered to the retry worker set.
type ExecutionPlan struct {
	PlanID    string     `json:"plan_id"`
	Strategy  Strategy   `json:"strategy"`
	Steps     []PlanStep `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
}

// Subset returns a copy of the plan restricted to the given worker names,
// with dependencies filtered to the surviving steps. Used by the retry loop.
func (p *ExecutionPlan) Subset(workerNames []string) *ExecutionPlan {
	keep := make(map[string]bool, len(workerNames))
	for _, name := range workerNames {
		keep[name] = true
	}

	sub := &ExecutionPlan{
		PlanID:    p.PlanID,
		Strategy:  p.Strategy,
		CreatedAt: p.CreatedAt,
	}

	kept := make(map[string]bool)
	for _, step := range p.Steps {
		if keep[step.WorkerName] {
			kept[step.StepID] = true
		}
	}
	for _, step := range p.Steps {
		if !keep[step.WorkerName] {
			continue
		}
		copied := step
		copied.DependsOn = nil
		for _, dep := range step.DependsOn {
			if kept[dep] {
				copied.DependsOn = append(copied.DependsOn, dep)
			}
		}
		sub.Steps = append(sub.Steps, copied)
	}
	return sub
}

// StepFor returns the plan step executing the given worker, if any.
func (p *ExecutionPlan) StepFor(workerName string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].WorkerName == workerName {
			return &p.Steps[i]
		}
	}
	return nil
}

// ResultStatus is the terminal status of one step attempt
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusSkipped ResultStatus = "skipped"
	StatusTimeout ResultStatus = "timeout"
)

// Skip reasons recorded on skipped steps
const (
	SkipUpstreamFailure  = "upstream_failure"
	SkipDependencyFailed = "dependency_failed"
)

// WorkerResult is the outcome of one worker attempt. The latest attempt for
// a worker name is authoritative.
type WorkerResult struct {
	WorkerName string                 `json:"worker_name"`
	Status     ResultStatus           `json:"status"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Confidence float64                `json:"confidence"`
	Elapsed    time.Duration          `json:"elapsed"`
	Error      string                 `json:"error,omitempty"`
	Sources    []string               `json:"sources,omitempty"`
	Attempt    int                    `json:"attempt"`
	StartedAt  time.Time              `json:"started_at"`
	SkipReason string                 `json:"skip_reason,omitempty"`
}

// ResponseType tags the user-visible payload
type ResponseType string

const (
	ResponseAnswer    ResponseType = "answer"
	ResponseGuidance  ResponseType = "guidance"
	ResponseError     ResponseType = "error"
	ResponseProcessed ResponseType = "processed"
)

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunInitialized   RunStatus = "initialized"
	RunAnalyzing     RunStatus = "analyzing"
	RunPlanning      RunStatus = "planning"
	RunScheduling    RunStatus = "scheduling"
	RunEvaluating    RunStatus = "evaluating"
	RunAwaitingRetry RunStatus = "awaiting_retry"
	RunSynthesizing  RunStatus = "synthesizing"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunCancelled     RunStatus = "cancelled"
)

// NodeTiming records how long one graph node took
type NodeTiming struct {
	Node      string        `json:"node"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// RunStateSchemaVersion tags persisted records for forward migration
const RunStateSchemaVersion = 2

// RunState is the checkpointable document for one thread. It is mutated
// only through StatePatch commits against the state store.
type RunState struct {
	SchemaVersion int `json:"schema_version"`

	// Identifiers
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`

	// Inputs
	Query  string        `json:"query"`
	Intent *IntentRecord `json:"intent,omitempty"`

	// Plan
	Plan       *ExecutionPlan `json:"plan,omitempty"`
	StepCursor int            `json:"step_cursor"`

	// Execution
	WorkerResults map[string]*WorkerResult `json:"worker_results,omitempty"`
	FailedWorkers []string                 `json:"failed_workers,omitempty"`
	RetryCount    int                      `json:"retry_count"`
	StepStates    map[string]ResultStatus  `json:"step_states,omitempty"`

	// Evaluation
	QualityScore    float64  `json:"quality_score"`
	NeedsRetry      bool     `json:"needs_retry"`
	RetryWorkerSet  []string `json:"retry_worker_set,omitempty"`
	EvaluationNotes []string `json:"evaluation_notes,omitempty"`

	// Output
	FinalAnswer  string       `json:"final_answer,omitempty"`
	Sources      []string     `json:"sources,omitempty"`
	ResponseType ResponseType `json:"response_type,omitempty"`

	// Lifecycle
	Status      RunStatus         `json:"status"`
	Errors      map[string]string `json:"errors,omitempty"`
	ErrorCounts map[string]int    `json:"error_counts,omitempty"`
	AgentPath   []string          `json:"agent_path,omitempty"`
	Insights    []string          `json:"insights,omitempty"`
	NodeTimings []NodeTiming      `json:"node_timings,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewRunState creates the initial state for one run
func NewRunState(threadID, sessionID, requestID, query string) *RunState {
	now := time.Now()
	return &RunState{
		SchemaVersion: RunStateSchemaVersion,
		ThreadID:      threadID,
		SessionID:     sessionID,
		RequestID:     requestID,
		Query:         query,
		WorkerResults: make(map[string]*WorkerResult),
		StepStates:    make(map[string]ResultStatus),
		Errors:        make(map[string]string),
		ErrorCounts:   make(map[string]int),
		Status:        RunInitialized,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// SuccessfulResults returns the results with status success, keyed by worker name.
func (s *RunState) SuccessfulResults() map[string]*WorkerResult {
	out := make(map[string]*WorkerResult)
	for name, r := range s.WorkerResults {
		if r.Status == StatusSuccess {
			out[name] = r
		}
	}
	return out
}

// ThreadSummary is a lightweight listing entry for one thread
type ThreadSummary struct {
	ThreadID     string       `json:"thread_id"`
	SessionID    string       `json:"session_id"`
	Query        string       `json:"query"`
	Status       RunStatus    `json:"status"`
	ResponseType ResponseType `json:"response_type,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
