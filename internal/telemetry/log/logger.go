// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides structured logging for the workflow monitor and
// its collaborators. A logger is always constructed and injected, never
// reached through a process-wide singleton.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Standard field keys used across the monitor's components.
const (
	WorkflowKey   = "workflow"
	InvocationKey = "invocation_id"
	FunctionKey   = "function"
	EventKey      = "event"
	DurationKey   = "duration_ms"
	StatusKey     = "status"
	KeyKey        = "key"
	RunKey        = "run_id"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error). Default: info.
	Level string

	// Format sets the output format (json, text). Default: json.
	Format Format

	// Output is the writer for log output. Default: os.Stderr.
	Output io.Writer

	// AddSource adds source file and line information to logs. Default: false.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - FAASR_DEBUG: true/1 enables debug level and source logging (takes precedence)
//   - FAASR_LOG_LEVEL: debug, info, warn, error
//   - FAASR_LOG_FORMAT: json, text (default: json)
//   - FAASR_LOG_SOURCE: 1 enables source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("FAASR_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("FAASR_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("FAASR_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("FAASR_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithWorkflow returns a logger carrying the workflow name, invocation ID,
// and a fresh run ID. The invocation ID identifies the workflow execution
// being watched; the run ID identifies this particular monitor process, so
// separate monitor launches against the same invocation (e.g. a restart
// after a crash) don't interleave indistinguishably in aggregated logs.
func WithWorkflow(logger *slog.Logger, workflowName, invocationID string) *slog.Logger {
	return logger.With(
		slog.String(WorkflowKey, workflowName),
		slog.String(InvocationKey, invocationID),
		slog.String(RunKey, uuid.NewString()),
	)
}

// WithFunction returns a logger carrying the function identity.
func WithFunction(logger *slog.Logger, functionName string) *slog.Logger {
	return logger.With(slog.String(FunctionKey, functionName))
}

// Error creates an error attribute.
func Error(err error) slog.Attr { return slog.Any("error", err) }
