package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipsa-ai/zipsa/core"
)

func newTestEngine(t *testing.T, cfg *core.Config, workers ...Worker) *WorkflowEngine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	for i, w := range workers {
		require.NoError(t, e.Registry().Register(w, WorkerConfig{Priority: i + 1}))
	}
	return e
}

func searchRequest(query string) *Request {
	return &Request{
		Query:     query,
		SessionID: "session-1",
		UserID:    "user-1",
	}
}

func TestExecuteSequentialAnswer(t *testing.T) {
	e := newTestEngine(t, nil,
		okWorker(WorkerSearch, 0.9),
		okWorker(WorkerPrice, 0.8),
	)

	res, err := e.Execute(context.Background(), searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)

	assert.Equal(t, ResponseAnswer, res.ResponseType)
	assert.Contains(t, res.Answer, "search ok")
	assert.Contains(t, res.Answer, "price ok")
	assert.ElementsMatch(t, []string{"search-source", "price-source"}, res.Sources)
	assert.Zero(t, res.RetryCount)
	assert.Greater(t, res.QualityScore, 0.6)
	assert.False(t, res.FromCache)
	assert.NotEmpty(t, res.ThreadID)

	state, err := e.GetState(context.Background(), res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, state.Status)
	assert.Contains(t, state.AgentPath, nodeIngest)
	assert.Contains(t, state.AgentPath, nodeAnalyze)
	assert.Contains(t, state.AgentPath, nodePlan)
	assert.Contains(t, state.AgentPath, nodeSchedule)
	assert.Contains(t, state.AgentPath, nodeEvaluate)
	assert.Contains(t, state.AgentPath, nodeSynthesize)
	assert.Contains(t, state.AgentPath, nodeEmit)
	assert.Equal(t, res.Answer, state.FinalAnswer)
}

func TestExecuteRetryRecoversFlakyWorker(t *testing.T) {
	price := flakyWorker(WorkerPrice, 1)
	e := newTestEngine(t, nil,
		okWorker(WorkerSearch, 0.9),
		price,
	)

	// 강남+아파트 make two entities, so search and price fan out in parallel;
	// price fails once and the evaluator relaunches just that worker
	res, err := e.Execute(context.Background(), searchRequest("강남구 아파트 시세 알려줘"))
	require.NoError(t, err)

	require.Equal(t, ResponseAnswer, res.ResponseType)
	assert.Equal(t, 1, res.RetryCount)
	assert.Contains(t, res.Answer, "price recovered")
	assert.EqualValues(t, 2, price.callCount())

	require.Contains(t, res.Workers, WorkerPrice)
	assert.Equal(t, 2, res.Workers[WorkerPrice].Attempt)
	assert.Equal(t, StatusSuccess, res.Workers[WorkerPrice].Status)

	state, err := e.GetState(context.Background(), res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.RetryCount)
}

func TestExecuteGuidanceForIrrelevantQuery(t *testing.T) {
	search := okWorker(WorkerSearch, 0.9)
	e := newTestEngine(t, nil, search)

	res, err := e.Execute(context.Background(), searchRequest("오늘 날씨 어때"))
	require.NoError(t, err)

	assert.Equal(t, ResponseGuidance, res.ResponseType)
	assert.Contains(t, res.Answer, "부동산")
	assert.Zero(t, search.callCount())
}

func TestExecuteRunTimeoutCheckpointsPartialState(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TotalRunTimeout = 150 * time.Millisecond
	e := newTestEngine(t, cfg, slowWorker(WorkerSearch, 2*time.Second))

	res, err := e.Execute(context.Background(), searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)

	assert.Equal(t, ResponseError, res.ResponseType)
	assert.Equal(t, core.KindRunTimeout, res.ErrorKind)

	// The timed-out attempt is still checkpointed for inspection
	state, err := e.GetState(context.Background(), res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, state.Status)
	require.Contains(t, state.WorkerResults, WorkerSearch)
	assert.Equal(t, StatusTimeout, state.WorkerResults[WorkerSearch].Status)
	assert.Equal(t, 1, state.ErrorCounts[string(core.KindRunTimeout)])
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	e := newTestEngine(t, nil, okWorker(WorkerSearch, 0.9))

	res, err := e.Execute(context.Background(), searchRequest("   "))
	require.NoError(t, err)
	assert.Equal(t, ResponseError, res.ResponseType)
	assert.Equal(t, core.KindInvalidInput, res.ErrorKind)

	res, err = e.Execute(context.Background(), searchRequest(strings.Repeat("가", 1001)))
	require.NoError(t, err)
	assert.Equal(t, ResponseError, res.ResponseType)
	assert.Equal(t, core.KindInvalidInput, res.ErrorKind)
}

func TestExecuteAllWorkersFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxRetries = 0
	search := failingWorker(WorkerSearch)
	e := newTestEngine(t, cfg, search)

	res, err := e.Execute(context.Background(), searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)

	assert.Equal(t, ResponseError, res.ResponseType)
	assert.Equal(t, core.KindWorkerFailed, res.ErrorKind)
	assert.Contains(t, res.Error, "all workers failed")
	assert.EqualValues(t, 1, search.callCount())
}

func TestExecuteIntentErrorWithoutCredential(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Provider = "openai"
	e := newTestEngine(t, cfg, okWorker(WorkerSearch, 0.9))

	res, err := e.Execute(context.Background(), searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)

	assert.Equal(t, ResponseError, res.ResponseType)
	assert.Equal(t, core.KindIntentError, res.ErrorKind)
}

func TestExecuteCacheHit(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Enabled = true
	search := okWorker(WorkerSearch, 0.9)
	e := newTestEngine(t, cfg, search)

	first, err := e.Execute(context.Background(), searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)
	require.Equal(t, ResponseAnswer, first.ResponseType)

	second, err := e.Execute(context.Background(), searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Equal(t, first.Answer, second.Answer)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.EqualValues(t, 1, search.callCount())
	assert.EqualValues(t, 1, e.CacheStats().Hits)
}

func TestExecuteCancellation(t *testing.T) {
	e := newTestEngine(t, nil, slowWorker(WorkerSearch, 2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := e.Execute(ctx, searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)

	assert.Equal(t, ResponseError, res.ResponseType)
	assert.Equal(t, core.KindCancelled, res.ErrorKind)

	state, stateErr := e.GetState(context.Background(), res.ThreadID)
	require.NoError(t, stateErr)
	assert.Equal(t, RunCancelled, state.Status)
}

func TestStreamEvents(t *testing.T) {
	e := newTestEngine(t, nil, okWorker(WorkerSearch, 0.9))

	events, err := e.StreamEvents(context.Background(), searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)

	seen := make(map[EventType]int)
	var tokens strings.Builder
	for event := range events {
		seen[event.Type]++
		if event.Type == EventToken {
			tokens.WriteString(event.Content)
		}
	}

	// Channel closed: the sequence is finite
	assert.Greater(t, seen[EventNodeStart], 0)
	assert.Greater(t, seen[EventNodeEnd], 0)
	assert.Greater(t, seen[EventToolStart], 0)
	assert.Greater(t, seen[EventToolEnd], 0)
	assert.Contains(t, tokens.String(), "search ok")
}

func TestThreadLifecycle(t *testing.T) {
	e := newTestEngine(t, nil, okWorker(WorkerSearch, 0.9))

	res, err := e.Execute(context.Background(), &Request{
		Query:     "아파트 매물 찾아줘",
		SessionID: "session-a",
		UserID:    "user-1",
	})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &Request{
		Query:     "아파트 매물 찾아줘",
		SessionID: "session-b",
		UserID:    "user-2",
	})
	require.NoError(t, err)

	threads, err := e.ListThreads(context.Background(), "session-a", 10)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, res.ThreadID, threads[0].ThreadID)

	all, err := e.ListThreads(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, e.DeleteThread(context.Background(), res.ThreadID))
	_, err = e.GetState(context.Background(), res.ThreadID)
	assert.ErrorIs(t, err, core.ErrThreadNotFound)
}

func TestCloseRejectsNewRuns(t *testing.T) {
	e := newTestEngine(t, nil, okWorker(WorkerSearch, 0.9))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close()) // idempotent

	_, err := e.Execute(context.Background(), searchRequest("아파트 매물 찾아줘"))
	assert.ErrorIs(t, err, core.ErrEngineClosed)

	_, err = e.StreamEvents(context.Background(), searchRequest("아파트 매물 찾아줘"))
	assert.ErrorIs(t, err, core.ErrEngineClosed)
}

func TestExecuteMetricsRecorded(t *testing.T) {
	e := newTestEngine(t, nil, okWorker(WorkerSearch, 0.9))

	_, err := e.Execute(context.Background(), searchRequest("아파트 매물 찾아줘"))
	require.NoError(t, err)

	snapshot := e.Metrics().Snapshot()
	assert.Positive(t, snapshot["engine.execute"].Success)
	assert.Positive(t, snapshot["node."+nodeAnalyze].Success)
	assert.Positive(t, snapshot["worker."+WorkerSearch].Success)
}
