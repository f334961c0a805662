package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// WorkerInput carries everything a worker needs for one invocation.
type WorkerInput struct {
	// Query is the text the worker should act on. For retries the planner
	// may rewrite it; OriginalQuery always carries the user's text.
	Query         string
	OriginalQuery string

	// Parameters are the plan step's extracted entities and options.
	Parameters map[string]interface{}

	// CollectedData holds successful upstream results keyed by worker name.
	// Empty for workers with no dependencies.
	CollectedData map[string]*WorkerResult

	// Context identifies the requesting user/session/thread.
	Context *core.ContextCarrier

	// Todos are free-form instructions from the planner, e.g. which
	// sub-questions to prioritize on a retry.
	Todos []string
}

// WorkerOutput is what a worker returns on success.
type WorkerOutput struct {
	Payload    map[string]interface{}
	Confidence float64
	Sources    []string
	Metadata   map[string]interface{}
}

// Worker is a domain capability the scheduler can invoke. Implementations
// must be safe for concurrent use; the same worker may run in parallel for
// different threads.
type Worker interface {
	Name() string
	Execute(ctx context.Context, input *WorkerInput) (*WorkerOutput, error)
}

// WorkerConfig captures registration-time settings for one worker.
type WorkerConfig struct {
	// Priority orders workers within a sequential plan (lower runs first).
	Priority int

	// Timeout bounds a single invocation. Zero means the engine default.
	Timeout time.Duration

	// Retry overrides the engine retry policy for this worker.
	Retry *RetryPolicy

	// Description surfaces in ListWorkers and planner prompts.
	Description string
}

type registration struct {
	worker  Worker
	config  WorkerConfig
	enabled bool
}

// Registry holds the available workers. Registration happens at engine
// construction; Enable/Disable can flip availability at runtime.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*registration
	logger  core.Logger
}

// NewRegistry creates an empty worker registry
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		workers: make(map[string]*registration),
		logger:  logger,
	}
}

// Register adds a worker. Registering a name twice replaces the previous
// entry; workers start enabled.
func (r *Registry) Register(w Worker, config WorkerConfig) error {
	if w == nil {
		return fmt.Errorf("%w: nil worker", core.ErrInvalidConfiguration)
	}
	name := w.Name()
	if name == "" {
		return fmt.Errorf("%w: worker has empty name", core.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[name]; exists {
		r.logger.Warn("Replacing registered worker", map[string]interface{}{
			"operation": "worker_register",
			"worker":    name,
		})
	}
	r.workers[name] = &registration{worker: w, config: config, enabled: true}

	r.logger.Info("Worker registered", map[string]interface{}{
		"operation": "worker_register",
		"worker":    name,
		"priority":  config.Priority,
		"timeout":   config.Timeout.String(),
	})
	return nil
}

// Get returns an enabled worker and its config by name.
func (r *Registry) Get(name string) (Worker, WorkerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.workers[name]
	if !ok {
		return nil, WorkerConfig{}, fmt.Errorf("worker %q: %w", name, core.ErrWorkerNotAvailable)
	}
	if !reg.enabled {
		return nil, WorkerConfig{}, fmt.Errorf("worker %q is disabled: %w", name, core.ErrWorkerNotAvailable)
	}
	return reg.worker, reg.config, nil
}

// Enable marks a worker available for scheduling.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable takes a worker out of scheduling. Plans referencing a disabled
// worker fail that step with worker_failed.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("worker %q: %w", name, core.ErrWorkerNotAvailable)
	}
	reg.enabled = enabled

	r.logger.Info("Worker availability changed", map[string]interface{}{
		"operation": "worker_toggle",
		"worker":    name,
		"enabled":   enabled,
	})
	return nil
}

// AvailableNames returns enabled worker names sorted by priority, then name.
func (r *Registry) AvailableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		name     string
		priority int
	}
	entries := make([]entry, 0, len(r.workers))
	for name, reg := range r.workers {
		if reg.enabled {
			entries = append(entries, entry{name, reg.config.Priority})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].name < entries[j].name
	})

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// WorkerInfo describes a registered worker for listing APIs.
type WorkerInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Priority    int           `json:"priority"`
	Timeout     time.Duration `json:"timeout"`
	Enabled     bool          `json:"enabled"`
}

// ListWorkers returns all registrations, enabled or not, sorted by name.
func (r *Registry) ListWorkers() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]WorkerInfo, 0, len(r.workers))
	for name, reg := range r.workers {
		infos = append(infos, WorkerInfo{
			Name:        name,
			Description: reg.config.Description,
			Priority:    reg.config.Priority,
			Timeout:     reg.config.Timeout,
			Enabled:     reg.enabled,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
