package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/resilience"
)

// LLMCaller wraps an LLMClient with the structured-call discipline used by
// the analyzer and synthesizer: timeout enforcement, circuit breaking,
// markdown fence stripping, and JSON Schema validation of parsed output.
// Every call site keeps a deterministic fallback; a validation failure here
// is a signal to fall back, never a run failure.
type LLMCaller struct {
	client  core.LLMClient
	breaker *resilience.CircuitBreaker
	logger  core.Logger
	timeout time.Duration

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewLLMCaller creates a caller. A nil client is allowed; every call then
// returns ErrLLMUnavailable and the caller's fallback path runs.
func NewLLMCaller(client core.LLMClient, cfg core.LLMConfig, logger core.Logger) *LLMCaller {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig("llm")
	breakerCfg.Logger = logger

	return &LLMCaller{
		client:   client,
		breaker:  resilience.NewCircuitBreaker(breakerCfg),
		logger:   logger,
		timeout:  timeout,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Available reports whether a client is configured and the breaker admits calls.
func (c *LLMCaller) Available() bool {
	return c.client != nil && c.breaker.GetState() != "open"
}

// CallJSON performs a structured call: the response content must parse as
// JSON, validate against req.ResponseSchema when set, and unmarshal into out.
func (c *LLMCaller) CallJSON(ctx context.Context, req *core.LLMRequest, out interface{}) error {
	if c.client == nil {
		return core.NewEngineError("llm.call", core.KindLLMUnavailable, core.ErrLLMUnavailable)
	}

	if req.Timeout <= 0 {
		req.Timeout = c.timeout
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = "json"
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	var resp *core.LLMResponse
	err := c.breaker.Execute(ctx, func() error {
		var callErr error
		resp, callErr = c.client.Call(ctx, req)
		return callErr
	})
	if err != nil {
		c.logger.Warn("LLM call failed", map[string]interface{}{
			"operation": "llm_call",
			"model":     req.Model,
			"error":     err.Error(),
		})
		return core.NewEngineError("llm.call", core.KindLLMUnavailable,
			fmt.Errorf("%w: %v", core.ErrLLMUnavailable, err))
	}

	content := StripMarkdownFences(resp.Content)

	if len(req.ResponseSchema) > 0 {
		if err := c.validate(req.ResponseSchema, content); err != nil {
			c.logger.Warn("LLM response failed schema validation", map[string]interface{}{
				"operation": "llm_validate",
				"model":     resp.Model,
				"error":     err.Error(),
			})
			return core.NewEngineError("llm.validate", core.KindLLMUnavailable, err)
		}
	}

	if err := json.Unmarshal([]byte(content), out); err != nil {
		return core.NewEngineError("llm.decode", core.KindLLMUnavailable,
			fmt.Errorf("decoding LLM response: %w", err))
	}
	return nil
}

// CallText performs an unstructured call returning the raw content.
func (c *LLMCaller) CallText(ctx context.Context, req *core.LLMRequest) (string, error) {
	if c.client == nil {
		return "", core.NewEngineError("llm.call", core.KindLLMUnavailable, core.ErrLLMUnavailable)
	}

	if req.Timeout <= 0 {
		req.Timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	var resp *core.LLMResponse
	err := c.breaker.Execute(ctx, func() error {
		var callErr error
		resp, callErr = c.client.Call(ctx, req)
		return callErr
	})
	if err != nil {
		return "", core.NewEngineError("llm.call", core.KindLLMUnavailable,
			fmt.Errorf("%w: %v", core.ErrLLMUnavailable, err))
	}
	return strings.TrimSpace(resp.Content), nil
}

func (c *LLMCaller) validate(schemaJSON json.RawMessage, content string) error {
	schema, err := c.compile(schemaJSON)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("response violates schema: %w", err)
	}
	return nil
}

// compile caches compiled schemas keyed by the raw schema text. The analyzer
// and synthesizer reuse a handful of static schemas, so the cache stays tiny.
func (c *LLMCaller) compile(schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaJSON)

	c.mu.Lock()
	defer c.mu.Unlock()

	if schema, ok := c.compiled[key]; ok {
		return schema, nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.compiled[key] = schema
	return schema, nil
}

// StripMarkdownFences removes a surrounding ```json ... ``` or ``` ... ```
// block that models often wrap JSON responses in.
func StripMarkdownFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line (e.g. "json")
		firstLine := strings.TrimSpace(trimmed[:idx])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}[]") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
