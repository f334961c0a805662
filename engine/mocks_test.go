package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// mockLLMClient routes every call through a single function.
type mockLLMClient struct {
	fn    func(ctx context.Context, req *core.LLMRequest) (*core.LLMResponse, error)
	calls int64
}

func (m *mockLLMClient) Call(ctx context.Context, req *core.LLMRequest) (*core.LLMResponse, error) {
	atomic.AddInt64(&m.calls, 1)
	return m.fn(ctx, req)
}

func (m *mockLLMClient) callCount() int64 {
	return atomic.LoadInt64(&m.calls)
}

// stubWorker executes a caller-supplied function.
type stubWorker struct {
	name  string
	fn    func(ctx context.Context, input *WorkerInput) (*WorkerOutput, error)
	calls int64
}

func (w *stubWorker) Name() string { return w.name }

func (w *stubWorker) Execute(ctx context.Context, input *WorkerInput) (*WorkerOutput, error) {
	atomic.AddInt64(&w.calls, 1)
	return w.fn(ctx, input)
}

func (w *stubWorker) callCount() int64 {
	return atomic.LoadInt64(&w.calls)
}

// okWorker always succeeds with a fixed summary.
func okWorker(name string, confidence float64) *stubWorker {
	return &stubWorker{
		name: name,
		fn: func(ctx context.Context, input *WorkerInput) (*WorkerOutput, error) {
			return &WorkerOutput{
				Payload:    map[string]interface{}{"summary": name + " ok"},
				Confidence: confidence,
				Sources:    []string{name + "-source"},
			}, nil
		},
	}
}

// failingWorker always fails.
func failingWorker(name string) *stubWorker {
	return &stubWorker{
		name: name,
		fn: func(ctx context.Context, input *WorkerInput) (*WorkerOutput, error) {
			return nil, fmt.Errorf("%s broke: %w", name, core.ErrWorkerFailed)
		},
	}
}

// flakyWorker fails the first failures calls, then succeeds.
func flakyWorker(name string, failures int64) *stubWorker {
	var n int64
	return &stubWorker{
		name: name,
		fn: func(ctx context.Context, input *WorkerInput) (*WorkerOutput, error) {
			if atomic.AddInt64(&n, 1) <= failures {
				return nil, fmt.Errorf("%s transient failure: %w", name, core.ErrWorkerFailed)
			}
			return &WorkerOutput{
				Payload:    map[string]interface{}{"summary": name + " recovered"},
				Confidence: 0.9,
				Sources:    []string{name + "-source"},
			}, nil
		},
	}
}

// slowWorker sleeps until the duration elapses or the context expires.
func slowWorker(name string, d time.Duration) *stubWorker {
	return &stubWorker{
		name: name,
		fn: func(ctx context.Context, input *WorkerInput) (*WorkerOutput, error) {
			select {
			case <-time.After(d):
				return &WorkerOutput{
					Payload:    map[string]interface{}{"summary": name + " done"},
					Confidence: 0.9,
				}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// noopCommit is a CommitFunc for scheduler tests that don't inspect patches.
func noopCommit(ctx context.Context, patch StatePatch) error { return nil }

// testConfig returns defaults tuned for fast tests.
func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Engine.TotalRunTimeout = 5 * time.Second
	cfg.Engine.PerStepDefaultTimeout = time.Second
	cfg.Engine.SequentialBudget = 4 * time.Second
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Cache.Enabled = false
	return cfg
}

// singleStepPlan builds a one-step sequential plan for a worker.
func singleStepPlan(workerName string, timeout time.Duration) *ExecutionPlan {
	return &ExecutionPlan{
		PlanID:   "plan-" + workerName,
		Strategy: StrategySequential,
		Steps: []PlanStep{
			{StepID: workerName, WorkerName: workerName, Timeout: timeout},
		},
		CreatedAt: time.Now(),
	}
}

func testCarrier(query string) *core.ContextCarrier {
	return core.NewContextCarrier("user-1", "session-1", "", query)
}
