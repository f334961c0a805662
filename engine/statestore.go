package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// Patch field names. Commit applies each field through its reducer; fields
// not listed here are rejected so that typos fail loudly.
const (
	FieldStatus          = "status"
	FieldIntent          = "intent"
	FieldPlan            = "plan"
	FieldStepCursor      = "step_cursor"
	FieldWorkerResults   = "worker_results"
	FieldFailedWorkers   = "failed_workers"
	FieldRetryCount      = "retry_count"
	FieldStepStates      = "step_states"
	FieldQualityScore    = "quality_score"
	FieldNeedsRetry      = "needs_retry"
	FieldRetryWorkerSet  = "retry_worker_set"
	FieldEvaluationNotes = "evaluation_notes"
	FieldFinalAnswer     = "final_answer"
	FieldSources         = "sources"
	FieldResponseType    = "response_type"
	FieldErrors          = "errors"
	FieldErrorCounts     = "error_counts"
	FieldAgentPath       = "agent_path"
	FieldInsights        = "insights"
	FieldNodeTimings     = "node_timings"
	FieldEndedAt         = "ended_at"
)

// StatePatch is a set of field updates applied atomically by Commit.
// Reducer semantics per field:
//
//	worker_results       merge by worker name (latest attempt wins)
//	errors               merge by key
//	error_counts         integer add by key
//	step_states          merge by step id
//	node_timings         append
//	agent_path           append
//	evaluation_notes     append
//	insights             append, dropping duplicates
//	everything else      last write wins
type StatePatch map[string]interface{}

// StateStore persists thread-scoped run state with optimistic versioning.
// Create initializes a thread at version 1; Commit applies a patch only when
// baseVersion matches the stored version, returning the new version.
// ListThreads filters by session when sessionID is non-empty; limit <= 0
// means no limit.
type StateStore interface {
	Create(ctx context.Context, state *RunState) (int64, error)
	Load(ctx context.Context, threadID string) (*RunState, int64, error)
	Commit(ctx context.Context, threadID string, baseVersion int64, patch StatePatch) (int64, error)
	ListThreads(ctx context.Context, sessionID string, limit int) ([]ThreadSummary, error)
	Delete(ctx context.Context, threadID string) error
	Close() error
}

// applyPatch mutates state in place according to the reducer table.
func applyPatch(state *RunState, patch StatePatch) error {
	for field, value := range patch {
		if err := applyField(state, field, value); err != nil {
			return err
		}
	}
	state.UpdatedAt = time.Now()
	return nil
}

// patchValue narrows a patch value to the reducer's expected type. A
// mismatch is a caller bug reported as an error, never a panic: the commit
// fails and the stored state stays intact.
func patchValue[T any](field string, value interface{}) (T, error) {
	v, ok := value.(T)
	if !ok {
		return v, fmt.Errorf("patch field %q holds %T, want %T: %w",
			field, value, v, core.ErrInvalidConfiguration)
	}
	return v, nil
}

func applyField(state *RunState, field string, value interface{}) error {
	switch field {
	case FieldStatus:
		v, err := patchValue[RunStatus](field, value)
		if err != nil {
			return err
		}
		state.Status = v
	case FieldIntent:
		v, err := patchValue[*IntentRecord](field, value)
		if err != nil {
			return err
		}
		state.Intent = v
	case FieldPlan:
		v, err := patchValue[*ExecutionPlan](field, value)
		if err != nil {
			return err
		}
		state.Plan = v
	case FieldStepCursor:
		v, err := patchValue[int](field, value)
		if err != nil {
			return err
		}
		state.StepCursor = v
	case FieldWorkerResults:
		results, err := patchValue[map[string]*WorkerResult](field, value)
		if err != nil {
			return err
		}
		if state.WorkerResults == nil {
			state.WorkerResults = make(map[string]*WorkerResult, len(results))
		}
		for name, r := range results {
			state.WorkerResults[name] = r
		}
	case FieldFailedWorkers:
		v, err := patchValue[[]string](field, value)
		if err != nil {
			return err
		}
		state.FailedWorkers = v
	case FieldRetryCount:
		v, err := patchValue[int](field, value)
		if err != nil {
			return err
		}
		state.RetryCount = v
	case FieldStepStates:
		states, err := patchValue[map[string]ResultStatus](field, value)
		if err != nil {
			return err
		}
		if state.StepStates == nil {
			state.StepStates = make(map[string]ResultStatus, len(states))
		}
		for id, st := range states {
			state.StepStates[id] = st
		}
	case FieldQualityScore:
		v, err := patchValue[float64](field, value)
		if err != nil {
			return err
		}
		state.QualityScore = v
	case FieldNeedsRetry:
		v, err := patchValue[bool](field, value)
		if err != nil {
			return err
		}
		state.NeedsRetry = v
	case FieldRetryWorkerSet:
		v, err := patchValue[[]string](field, value)
		if err != nil {
			return err
		}
		state.RetryWorkerSet = v
	case FieldEvaluationNotes:
		v, err := patchValue[[]string](field, value)
		if err != nil {
			return err
		}
		state.EvaluationNotes = append(state.EvaluationNotes, v...)
	case FieldFinalAnswer:
		v, err := patchValue[string](field, value)
		if err != nil {
			return err
		}
		state.FinalAnswer = v
	case FieldSources:
		v, err := patchValue[[]string](field, value)
		if err != nil {
			return err
		}
		state.Sources = v
	case FieldResponseType:
		v, err := patchValue[ResponseType](field, value)
		if err != nil {
			return err
		}
		state.ResponseType = v
	case FieldErrors:
		errs, err := patchValue[map[string]string](field, value)
		if err != nil {
			return err
		}
		if state.Errors == nil {
			state.Errors = make(map[string]string, len(errs))
		}
		for k, v := range errs {
			state.Errors[k] = v
		}
	case FieldErrorCounts:
		counts, err := patchValue[map[string]int](field, value)
		if err != nil {
			return err
		}
		if state.ErrorCounts == nil {
			state.ErrorCounts = make(map[string]int, len(counts))
		}
		for k, n := range counts {
			state.ErrorCounts[k] += n
		}
	case FieldAgentPath:
		v, err := patchValue[[]string](field, value)
		if err != nil {
			return err
		}
		state.AgentPath = append(state.AgentPath, v...)
	case FieldInsights:
		insights, err := patchValue[[]string](field, value)
		if err != nil {
			return err
		}
		for _, insight := range insights {
			if !containsString(state.Insights, insight) {
				state.Insights = append(state.Insights, insight)
			}
		}
	case FieldNodeTimings:
		v, err := patchValue[[]NodeTiming](field, value)
		if err != nil {
			return err
		}
		state.NodeTimings = append(state.NodeTimings, v...)
	case FieldEndedAt:
		v, err := patchValue[time.Time](field, value)
		if err != nil {
			return err
		}
		state.EndedAt = v
	default:
		return fmt.Errorf("unknown patch field %q: %w", field, core.ErrInvalidConfiguration)
	}
	return nil
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

// cloneState deep-copies a run state through JSON so callers can never
// alias the stored document.
func cloneState(state *RunState) (*RunState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("cloning run state: %w", err)
	}
	var out RunState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cloning run state: %w", err)
	}
	return &out, nil
}

// migrateState upgrades records persisted by earlier schema versions.
// Version 1 predates error_counts and insights; missing maps are
// initialized so reducers can run against old records.
func migrateState(state *RunState) {
	if state.SchemaVersion >= RunStateSchemaVersion {
		return
	}
	if state.ErrorCounts == nil {
		state.ErrorCounts = make(map[string]int)
	}
	if state.Errors == nil {
		state.Errors = make(map[string]string)
	}
	if state.WorkerResults == nil {
		state.WorkerResults = make(map[string]*WorkerResult)
	}
	if state.StepStates == nil {
		state.StepStates = make(map[string]ResultStatus)
	}
	state.SchemaVersion = RunStateSchemaVersion
}

type memoryRecord struct {
	state   *RunState
	version int64
}

// MemoryStateStore is the default in-process StateStore. State is deep
// copied on every load and commit, so callers never share memory with the
// store.
type MemoryStateStore struct {
	mu      sync.RWMutex
	threads map[string]*memoryRecord
	logger  core.Logger
}

// NewMemoryStateStore creates an empty in-memory state store
func NewMemoryStateStore(logger core.Logger) *MemoryStateStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MemoryStateStore{
		threads: make(map[string]*memoryRecord),
		logger:  logger,
	}
}

// Create initializes a thread at version 1. Creating an existing thread
// resets it; the engine only does this when starting a fresh run on a
// caller-supplied thread id.
func (m *MemoryStateStore) Create(ctx context.Context, state *RunState) (int64, error) {
	copied, err := cloneState(state)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[state.ThreadID] = &memoryRecord{state: copied, version: 1}

	m.logger.Debug("Thread state created", map[string]interface{}{
		"operation": "state_create",
		"thread_id": state.ThreadID,
	})
	return 1, nil
}

// Load returns a copy of the thread state and its current version.
func (m *MemoryStateStore) Load(ctx context.Context, threadID string) (*RunState, int64, error) {
	m.mu.RLock()
	record, ok := m.threads[threadID]
	m.mu.RUnlock()

	if !ok {
		return nil, 0, fmt.Errorf("thread %q: %w", threadID, core.ErrThreadNotFound)
	}

	copied, err := cloneState(record.state)
	if err != nil {
		return nil, 0, err
	}
	migrateState(copied)
	return copied, record.version, nil
}

// Commit applies a patch when baseVersion matches the stored version.
func (m *MemoryStateStore) Commit(ctx context.Context, threadID string, baseVersion int64, patch StatePatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.threads[threadID]
	if !ok {
		return 0, fmt.Errorf("thread %q: %w", threadID, core.ErrThreadNotFound)
	}
	if record.version != baseVersion {
		return 0, fmt.Errorf("thread %q at version %d, commit based on %d: %w",
			threadID, record.version, baseVersion, core.ErrVersionConflict)
	}

	// Apply against a copy so a reducer type error leaves state intact
	next, err := cloneState(record.state)
	if err != nil {
		return 0, err
	}
	if err := applyPatch(next, patch); err != nil {
		return 0, err
	}

	record.state = next
	record.version++
	return record.version, nil
}

// ListThreads returns summaries, most recently updated first.
func (m *MemoryStateStore) ListThreads(ctx context.Context, sessionID string, limit int) ([]ThreadSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]ThreadSummary, 0, len(m.threads))
	for _, record := range m.threads {
		s := record.state
		if sessionID != "" && s.SessionID != sessionID {
			continue
		}
		summaries = append(summaries, ThreadSummary{
			ThreadID:     s.ThreadID,
			SessionID:    s.SessionID,
			Query:        s.Query,
			Status:       s.Status,
			ResponseType: s.ResponseType,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Delete removes a thread. Deleting an unknown thread is not an error.
func (m *MemoryStateStore) Delete(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStateStore) Close() error {
	return nil
}
