package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// ProductionLogger implements core.Logger with structured output.
//
// Logging layers:
//   - JSON format for production/K8s environments (log aggregation)
//   - Text format for local development
//   - Level filtering with DEBUG gated behind debug mode
type ProductionLogger struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
	mu        sync.Mutex
}

// NewLogger creates a logger from logging configuration.
// Configuration priority:
//  1. Explicit config (highest)
//  2. Environment variables (ZIPSA_LOG_LEVEL, ZIPSA_LOG_FORMAT, ZIPSA_DEBUG)
//  3. Auto-detection (K8s environment selects JSON)
//  4. Defaults (lowest)
func NewLogger(service string, cfg core.LoggingConfig) *ProductionLogger {
	level := strings.ToUpper(cfg.Level)
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("ZIPSA_DEBUG") == "true" || level == "DEBUG"

	format := cfg.Format
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}

	return &ProductionLogger{
		level:   level,
		debug:   debug,
		service: service,
		format:  format,
		output:  os.Stdout,
	}
}

// SetOutput redirects log output. Used by tests.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// WithComponent returns a child logger tagged with a component name.
func (l *ProductionLogger) WithComponent(component string) core.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &ProductionLogger{
		level:     l.level,
		debug:     l.debug,
		service:   l.service,
		component: component,
		format:    l.format,
		output:    l.output,
	}
}

// Info logs informational messages
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	msgLevel, ok := levels[level]
	if !ok {
		return true
	}
	minLevel, ok := levels[l.level]
	if !ok {
		minLevel = 1
	}
	return msgLevel >= minLevel
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.service,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if k == "timestamp" || k == "level" || k == "service" || k == "component" || k == "message" {
			continue
		}
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, "%s [%s] %s (marshal error: %v)\n", timestamp, level, msg, err)
		return
	}
	fmt.Fprintln(l.output, string(data))
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s [%s]", timestamp, level))
	if l.component != "" {
		sb.WriteString(fmt.Sprintf(" [%s]", l.component))
	}
	sb.WriteString(" " + msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}
	fmt.Fprintln(l.output, sb.String())
}
