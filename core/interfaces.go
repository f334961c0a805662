package core

import (
	"context"
	"encoding/json"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger can derive a child logger scoped to a component name.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// LLMClient is the structured-call abstraction over a language model.
// Implementations are provided by the application; the engine only depends
// on this interface. A nil or failing client always has a deterministic
// fallback inside the engine.
type LLMClient interface {
	Call(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// LLMRequest describes one structured model call.
type LLMRequest struct {
	SystemPrompt string
	UserPrompt   string

	// ResponseSchema is an optional JSON Schema document. When set, the
	// caller expects the response content to be a JSON object conforming
	// to the schema.
	ResponseSchema json.RawMessage

	Model          string
	Temperature    float32
	MaxTokens      int
	ResponseFormat string // "json" or "text"
	Timeout        time.Duration
}

// LLMResponse is the raw model output plus usage accounting.
type LLMResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage for LLM responses
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Memory interface for key/value state storage
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// CircuitBreaker guards calls to an unreliable dependency.
type CircuitBreaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
