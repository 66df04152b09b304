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

// Package agent implements the per-function polling agent: it owns a
// tailer, subscribes to its lifecycle events, derives the function's
// observed status, and mines its logs for the downstream identities it
// actually invoked.
package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/faasr-go/monitor/internal/eventbus"
	"github.com/faasr-go/monitor/internal/payload"
	"github.com/faasr-go/monitor/internal/store"
	"github.com/faasr-go/monitor/internal/tailer"
	"github.com/faasr-go/monitor/internal/telemetry/log"
	"github.com/faasr-go/monitor/pkg/faasrerrors"
)

// Config configures an Agent.
type Config struct {
	// Name is the function identity, e.g. "f2" or "f2(3)".
	Name string

	WorkflowName     string
	InvocationFolder string

	// PollInterval is the tailer's polling cadence Δ. Default 3s.
	PollInterval time.Duration

	StreamLogs bool

	Accessor store.Accessor
	Logger   *slog.Logger
}

// Agent is one function identity's polling agent. Exactly one per
// identity; the agent exclusively owns its tailer.
type Agent struct {
	name             string
	bareName         string
	replicaIdx       int
	workflowName     string
	invocationFolder string
	doneKey          string
	accessor         store.Accessor
	logger           *slog.Logger

	tailer *tailer.Tailer
	bus    *eventbus.Bus

	invokePattern *regexp.Regexp

	mu          sync.Mutex
	status      Status
	invocations map[string]struct{} // nil until the log scan has run

	runCtx context.Context
}

// New constructs an Agent and its owned Tailer, wiring the tailer's events
// back into the agent's own handlers.
func New(cfg Config) *Agent {
	bare, idx := payload.BareName(cfg.Name)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithFunction(logger, cfg.Name)

	a := &Agent{
		name:             cfg.Name,
		bareName:         bare,
		replicaIdx:       idx,
		workflowName:     cfg.WorkflowName,
		invocationFolder: cfg.InvocationFolder,
		doneKey:          DoneKey(cfg.InvocationFolder, bare, idx),
		accessor:         cfg.Accessor,
		logger:           logger,
		status:           Pending,
		invokePattern:    invocationPattern(cfg.WorkflowName),
		runCtx:           context.Background(),
	}

	a.bus = eventbus.New()
	a.bus.On(eventbus.LogCreated, a.onLogCreated)
	a.bus.On(eventbus.LogUpdated, a.onLogUpdated)
	a.bus.On(eventbus.LogComplete, a.onLogComplete)

	a.tailer = tailer.New(tailer.Config{
		FunctionName: cfg.Name,
		LogKey:       LogKey(cfg.InvocationFolder, bare, idx),
		Interval:     cfg.PollInterval,
		StreamLogs:   cfg.StreamLogs,
		Accessor:     cfg.Accessor,
		Bus:          a.bus,
		Logger:       logger,
	})

	return a
}

func invocationPattern(workflowName string) *regexp.Regexp {
	return regexp.MustCompile(`Successfully invoked:\s*` + regexp.QuoteMeta(workflowName) + `-(\S+)`)
}

// Name returns the function identity this agent tracks.
func (a *Agent) Name() string { return a.name }

// SetInitialStatus sets the agent's starting status. Called once at
// monitor startup, before any tailer event can arrive.
func (a *Agent) SetInitialStatus(s Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

// Status returns the agent's current observed status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Invocations returns a snapshot copy of the downstream identities this
// function has been observed to invoke, and whether the scan has run yet
// (false means "pending" per the invocation-resolution algorithm).
func (a *Agent) Invocations() (identities []string, determined bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.invocations == nil {
		return nil, false
	}
	out := make([]string, 0, len(a.invocations))
	for id := range a.invocations {
		out = append(out, id)
	}
	return out, true
}

// Invoked reports whether this agent's invocation scan found target among
// the functions it invoked. The second return value is false if the scan
// has not run yet.
func (a *Agent) Invoked(target string) (invoked bool, determined bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.invocations == nil {
		return false, false
	}
	_, ok := a.invocations[target]
	return ok, true
}

// LogsStarted reports whether the owned tailer has observed the log object
// to exist yet.
func (a *Agent) LogsStarted() bool { return a.tailer.LogsStarted() }

// LogsComplete reports whether the owned tailer has drained.
func (a *Agent) LogsComplete() bool { return a.tailer.LogsComplete() }

// LogContent returns the concatenated, parsed log text observed so far.
func (a *Agent) LogContent() string { return a.tailer.Content() }

// Start begins the owned tailer's polling loop on its own goroutine.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()
	go a.tailer.Run(ctx)
}

// Stop requests the owned tailer to exit.
func (a *Agent) Stop() { a.tailer.Stop() }

// Done returns a channel that closes once the owned tailer has exited.
func (a *Agent) Done() <-chan struct{} { return a.tailer.Done() }

// Advance applies the monotonic status-transition rule; it is a no-op if
// next does not strictly outrank the current status.
func (a *Agent) Advance(next Status) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !canAdvance(a.status, next) {
		return false
	}
	a.status = next
	return true
}

func (a *Agent) currentCtx() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runCtx
}

func (a *Agent) onLogCreated(_ eventbus.Event) error {
	a.mu.Lock()
	cur := a.status
	a.mu.Unlock()
	if cur == Invoked || cur == Pending {
		a.Advance(Running)
	}
	return nil
}

func (a *Agent) onLogUpdated(_ eventbus.Event) error {
	a.evaluate()
	if IsFinal(a.Status()) {
		a.extractInvocations()
	}
	return nil
}

func (a *Agent) onLogComplete(_ eventbus.Event) error {
	a.evaluate()
	if IsFinal(a.Status()) {
		a.extractInvocations()
	}
	return nil
}

// evaluate applies the Failed/Completed derivation rules against the
// tailer's accumulated entries, in priority order: an observed [ERROR]
// always wins over the completion marker.
func (a *Agent) evaluate() {
	entries := a.tailer.Entries()
	if containsError(entries) {
		if a.Advance(Failed) {
			a.logger.Info("function failed")
		}
		a.tailer.Stop()
		return
	}

	exists, err := a.accessor.Exists(a.currentCtx(), a.doneKey)
	if err != nil {
		if faasrerrors.IsBusy(err) {
			a.logger.Debug("done marker check deferred", log.Error(err))
		} else {
			a.logger.Warn("done marker check failed", log.Error(err))
		}
		return
	}
	if exists {
		if a.Advance(Completed) {
			a.logger.Info("function completed")
		}
	}
}

func containsError(entries []string) bool {
	for _, e := range entries {
		if strings.Contains(e, "[ERROR]") {
			return true
		}
	}
	return false
}

// extractInvocations scans the accumulated log text for
// "Successfully invoked: <workflow>-<suffix>" occurrences and records the
// deduplicated set of downstream identities.
func (a *Agent) extractInvocations() {
	content := a.tailer.Content()
	matches := a.invokePattern.FindAllStringSubmatch(content, -1)

	set := make(map[string]struct{}, len(matches))
	prefix := a.workflowName + "-"
	for _, m := range matches {
		suffix := m[1]
		suffix = strings.TrimSuffix(suffix, ",")
		suffix = strings.TrimSuffix(suffix, ".")
		if strings.HasPrefix(suffix, prefix) {
			suffix = strings.TrimPrefix(suffix, prefix)
		}
		if suffix == "" {
			continue
		}
		set[suffix] = struct{}{}
	}

	a.mu.Lock()
	a.invocations = set
	a.mu.Unlock()
}
