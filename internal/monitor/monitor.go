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

// Package monitor implements the workflow monitor: the concurrent state
// machine that owns every function agent, derives the actual invocation
// graph from their logs, propagates failure as a skip cascade, enforces
// an inactivity timeout, and tears everything down cleanly.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/faasr-go/monitor/internal/agent"
	"github.com/faasr-go/monitor/internal/payload"
	"github.com/faasr-go/monitor/internal/store"
	"github.com/faasr-go/monitor/internal/telemetry/log"
	"github.com/faasr-go/monitor/internal/telemetry/metrics"
	"github.com/faasr-go/monitor/pkg/faasrerrors"
)

// requiredEnv lists the environment variables the monitor validates at
// startup; additional per-backend credentials may be required by the
// accessor but are not validated here.
var requiredEnv = []string{
	"S3_AccessKey",
	"S3_SecretKey",
	"GH_PAT",
	"GITHUB_REPOSITORY",
	"GITHUB_REF_NAME",
}

const (
	// DefaultCheckInterval is the monitoring tick cadence.
	DefaultCheckInterval = 1 * time.Second

	// DefaultPollInterval is each tailer's polling cadence Δ.
	DefaultPollInterval = 3 * time.Second

	// DefaultTimeout is the inactivity budget before the monitor declares
	// a timeout.
	DefaultTimeout = 5 * time.Minute
)

// stopReason names why the monitoring loop stopped.
type stopReason int

const (
	stopNone stopReason = iota
	stopAllCompleted
	stopTimeout
	stopShutdown
)

// Config configures a Monitor.
type Config struct {
	Payload *payload.Payload

	CheckInterval time.Duration
	PollInterval  time.Duration
	Timeout       time.Duration
	StreamLogs    bool

	// Accessor overrides the default S3-backed accessor, primarily for
	// tests. When nil, New builds one from Payload's default data
	// store and the S3_AccessKey / S3_SecretKey environment variables.
	Accessor store.Accessor

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// Getenv overrides os.Getenv, for tests.
	Getenv func(string) string
}

// Monitor owns the full set of function agents and drives the global
// state machine on a dedicated goroutine.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	graph  *payload.Graph

	agents map[string]*agent.Agent

	checkInterval time.Duration
	timeout       time.Duration

	mu                 sync.Mutex
	prevStatuses       map[string]agent.Status
	failureDetected    bool
	monitoringComplete bool
	shutdownRequested  bool
	lastChange         time.Time

	doneCh chan struct{}
	once   sync.Once

	runCancel context.CancelFunc
}

// New validates the environment and payload, derives the graph, and
// constructs one agent per function identity. It does not start
// monitoring; call Start for that.
func New(ctx context.Context, cfg Config) (*Monitor, error) {
	getenv := cfg.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	var missing []string
	for _, name := range requiredEnv {
		if getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &faasrerrors.InitializationError{Missing: missing}
	}

	if cfg.Payload == nil {
		return nil, &faasrerrors.InitializationError{Reason: "no workflow payload supplied"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithWorkflow(logger, cfg.Payload.WorkflowName, cfg.Payload.InvocationID)
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	graph, err := payload.BuildGraph(cfg.Payload)
	if err != nil {
		return nil, err
	}

	accessor := cfg.Accessor
	if accessor == nil {
		ds := cfg.Payload.Store()
		accessor, err = store.NewS3Accessor(ctx, store.Config{
			Bucket:    ds.Bucket,
			Endpoint:  ds.Endpoint,
			Region:    ds.Region,
			AccessKey: getenv("S3_AccessKey"),
			SecretKey: getenv("S3_SecretKey"),
			Logger:    logger,
		})
		if err != nil {
			return nil, &faasrerrors.InitializationError{Reason: "accessor construction failed", Cause: err}
		}
	}

	invocationFolder := fmt.Sprintf("%s/%s", cfg.Payload.FaaSrLog, cfg.Payload.InvocationID)

	m := &Monitor{
		cfg:           cfg,
		logger:        logger,
		graph:         graph,
		agents:        make(map[string]*agent.Agent, len(graph.Identities)),
		checkInterval: cfg.CheckInterval,
		timeout:       cfg.Timeout,
		prevStatuses:  make(map[string]agent.Status, len(graph.Identities)),
		doneCh:        make(chan struct{}),
		lastChange:    timeNow(),
	}

	for _, id := range graph.Identities {
		a := agent.New(agent.Config{
			Name:             id,
			WorkflowName:     cfg.Payload.WorkflowName,
			InvocationFolder: invocationFolder,
			PollInterval:     cfg.PollInterval,
			StreamLogs:       cfg.StreamLogs,
			Accessor:         accessor,
			Logger:           logger,
		})
		if id == graph.EntryPoint {
			a.SetInitialStatus(agent.Invoked)
		} else {
			a.SetInitialStatus(agent.Pending)
		}
		m.agents[id] = a
		m.prevStatuses[id] = a.Status()
	}

	return m, nil
}

// timeNow is the monitor's single wall-clock read: the inactivity timeout
// compares it against lastChange, the time of the last observed status
// transition.
func timeNow() time.Time { return time.Now() }

// Start starts every agent's tailer, installs signal handlers for
// graceful shutdown, and begins the monitoring loop. It returns
// immediately; use Wait or Done to block until monitoring finishes.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.runCancel = cancel
	m.mu.Unlock()

	for _, a := range m.agents {
		a.Start(runCtx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			m.logger.Info("shutdown signal received")
			m.RequestShutdown()
		case <-runCtx.Done():
		}
	}()

	go m.run(runCtx, sigCh)
}

// Wait blocks until the monitoring loop exits.
func (m *Monitor) Wait() { <-m.doneCh }

// Done returns a channel that closes once monitoring has finished.
func (m *Monitor) Done() <-chan struct{} { return m.doneCh }

func (m *Monitor) run(ctx context.Context, sigCh chan os.Signal) {
	defer signal.Stop(sigCh)
	defer m.once.Do(func() { close(m.doneCh) })

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		reason := m.tick(ctx)
		if reason != stopNone {
			m.finish(reason)
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.finish(stopShutdown)
			return
		}
	}
}

// tick runs one monitoring iteration: resolve pending agents, detect
// changes, and decide whether the loop should stop.
func (m *Monitor) tick(ctx context.Context) stopReason {
	start := timeNow()
	defer func() {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordTick(ctx, time.Since(start).Seconds())
		}
	}()

	m.mu.Lock()
	if m.shutdownRequested {
		m.mu.Unlock()
		return stopShutdown
	}
	m.mu.Unlock()

	changed := false
	for name, a := range m.agents {
		if a.Status() == agent.Pending {
			if resolved, ok := m.resolveInvocation(name); ok {
				if a.Advance(resolved) {
					changed = true
				}
			}
		}
	}

	activeAgents := 0
	anyFailed := false
	allFinal := true
	for name, a := range m.agents {
		cur := a.Status()
		if cur == agent.Failed {
			anyFailed = true
		}
		if !agent.IsFinal(cur) {
			allFinal = false
			activeAgents++
		}

		m.mu.Lock()
		prev := m.prevStatuses[name]
		if prev != cur {
			m.prevStatuses[name] = cur
			changed = true
			m.logger.Info("status transition", "function", name, "from", prev, log.StatusKey, cur)
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.RecordTransition(ctx)
			}
		}
		m.mu.Unlock()
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetActiveAgents(activeAgents)
	}

	m.mu.Lock()
	if changed {
		m.lastChange = timeNow()
	}
	wasFailureDetected := m.failureDetected
	justDetected := anyFailed && !wasFailureDetected
	if justDetected {
		m.failureDetected = true
		m.logger.Info("failure detected")
	}
	failureDetected := m.failureDetected
	sinceChange := timeNow().Sub(m.lastChange)
	m.mu.Unlock()

	if justDetected {
		// Once a failure is recorded, every other tailer is drained
		// proactively: the cascade fires as soon as they've stopped, not
		// once they happen to stall on their own.
		for _, a := range m.agents {
			if !agent.IsFinal(a.Status()) {
				a.Stop()
			}
		}
	}

	if allFinal {
		return stopAllCompleted
	}

	if failureDetected && m.allTailersDrained() {
		m.cascade()
		return stopAllCompleted
	}

	if sinceChange > m.timeout {
		return stopTimeout
	}

	return stopNone
}

// allTailersDrained reports whether every non-final agent's tailer has
// finished polling (logs_complete) or the agent has since become final.
func (m *Monitor) allTailersDrained() bool {
	for _, a := range m.agents {
		if agent.IsFinal(a.Status()) {
			continue
		}
		if !a.LogsComplete() {
			return false
		}
	}
	return true
}

// cascade reassigns every non-final agent to Skipped.
func (m *Monitor) cascade() {
	for name, a := range m.agents {
		if agent.IsFinal(a.Status()) {
			continue
		}
		if a.Advance(agent.Skipped) {
			m.logger.Info("status transition", "function", name, log.StatusKey, agent.Skipped, "reason", "failure cascade")
		}
	}
}

// resolveInvocation implements the invocation-resolution algorithm for a
// single pending agent.
func (m *Monitor) resolveInvocation(name string) (agent.Status, bool) {
	parents := m.graph.Parents(name)
	if len(parents) == 0 {
		// The entry point is set to Invoked at startup and never passes
		// through this resolver; a non-entry identity with no parents is
		// unreachable in a well-formed graph and is left Pending.
		return agent.Pending, false
	}

	anyPending := false
	for _, parentName := range parents {
		parentAgent, ok := m.agents[parentName]
		if !ok {
			continue
		}
		if parentAgent.Status() == agent.Failed || !parentAgent.LogsStarted() {
			// A failed parent never got to make a deliberate
			// invoke/don't-invoke decision, and a parent whose log never
			// appeared never ran at all (its own invocations, if any were
			// recorded via a forced tailer stop, are artifacts of the
			// failure cascade, not a real scan). Leave the child pending so
			// the cascade, not a premature NotInvoked, resolves it.
			anyPending = true
			continue
		}
		invoked, determined := parentAgent.Invoked(name)
		if !determined {
			anyPending = true
			continue
		}
		if invoked {
			return agent.Invoked, true
		}
	}

	if anyPending {
		return agent.Pending, false
	}
	return agent.NotInvoked, true
}

// finish applies the terminal status assignment for reason, then requests
// every tailer to stop and waits for their exit.
func (m *Monitor) finish(reason stopReason) {
	switch reason {
	case stopTimeout:
		for name, a := range m.agents {
			if !agent.IsFinal(a.Status()) {
				if a.Advance(agent.Timeout) {
					m.logger.Info("status transition", "function", name, log.StatusKey, agent.Timeout, "reason", "inactivity timeout")
				}
			}
		}
	case stopShutdown:
		for name, a := range m.agents {
			if !agent.IsFinal(a.Status()) {
				if a.Advance(agent.Skipped) {
					m.logger.Info("status transition", "function", name, log.StatusKey, agent.Skipped, "reason", "shutdown")
				}
			}
		}
	case stopAllCompleted:
		// statuses are already final; nothing to assign.
	}

	for _, a := range m.agents {
		a.Stop()
	}
	deadline := time.After(m.checkInterval*2 + 2*time.Second)
	for _, a := range m.agents {
		select {
		case <-a.Done():
		case <-deadline:
		}
	}

	m.mu.Lock()
	m.monitoringComplete = true
	m.mu.Unlock()

	if m.runCancel != nil {
		m.runCancel()
	}
}

// GetFunctionStatuses returns a snapshot mapping from function identity to
// status.
func (m *Monitor) GetFunctionStatuses() map[string]agent.Status {
	out := make(map[string]agent.Status, len(m.agents))
	for name, a := range m.agents {
		out[name] = a.Status()
	}
	return out
}

// GetFunctionLogsContent returns the concatenated log text observed for
// name.
func (m *Monitor) GetFunctionLogsContent(name string) string {
	a, ok := m.agents[name]
	if !ok {
		return ""
	}
	return a.LogContent()
}

// RequestShutdown sets shutdown_requested; the next tick observes it and
// begins graceful teardown.
func (m *Monitor) RequestShutdown() {
	m.mu.Lock()
	m.shutdownRequested = true
	m.mu.Unlock()
}

// Shutdown requests graceful shutdown and waits up to timeout for the
// monitoring loop to stop. It reports whether the loop stopped in time.
func (m *Monitor) Shutdown(timeout time.Duration) bool {
	m.RequestShutdown()
	select {
	case <-m.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ForceShutdown marks monitoring complete and shutdown-requested
// immediately, without waiting for tailers to drain.
func (m *Monitor) ForceShutdown() {
	m.mu.Lock()
	m.shutdownRequested = true
	m.monitoringComplete = true
	m.mu.Unlock()
	if m.runCancel != nil {
		m.runCancel()
	}
	m.once.Do(func() { close(m.doneCh) })
}

// Cleanup performs a graceful shutdown, forcing it if it does not
// complete within timeout.
func (m *Monitor) Cleanup(timeout time.Duration) {
	if !m.Shutdown(timeout) {
		m.ForceShutdown()
	}
}

// MonitoringComplete reports whether the monitoring loop has finished.
func (m *Monitor) MonitoringComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoringComplete
}

// ShutdownRequested reports whether shutdown has been requested.
func (m *Monitor) ShutdownRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownRequested
}

// FailureDetected reports whether any agent has been observed to fail.
func (m *Monitor) FailureDetected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureDetected
}

// Snapshot is a diagnostics aggregate beyond the bare status map, used by
// the CLI's --json output.
type Snapshot struct {
	Statuses          map[string]agent.Status `json:"statuses"`
	LogBytes          map[string]int          `json:"log_bytes"`
	FailureDetected   bool                    `json:"failure_detected"`
	ShutdownRequested bool                    `json:"shutdown_requested"`
	Complete          bool                    `json:"complete"`
}

// Snapshot builds a diagnostics aggregate of the monitor's current state.
func (m *Monitor) Snapshot() Snapshot {
	statuses := m.GetFunctionStatuses()
	logBytes := make(map[string]int, len(m.agents))
	for name := range m.agents {
		logBytes[name] = len(m.GetFunctionLogsContent(name))
	}
	return Snapshot{
		Statuses:          statuses,
		LogBytes:          logBytes,
		FailureDetected:   m.FailureDetected(),
		ShutdownRequested: m.ShutdownRequested(),
		Complete:          m.MonitoringComplete(),
	}
}

// ExitCode derives the CLI exit code from the final status map: 0 if
// every function reached Completed or NotInvoked, 2 if any reached
// Timeout, 1 otherwise (any Failed or Skipped).
func ExitCode(statuses map[string]agent.Status) int {
	sawTimeout := false
	sawFailureLike := false
	for _, s := range statuses {
		switch s {
		case agent.Completed, agent.NotInvoked:
		case agent.Timeout:
			sawTimeout = true
		default:
			sawFailureLike = true
		}
	}
	switch {
	case sawTimeout:
		return 2
	case sawFailureLike:
		return 1
	default:
		return 0
	}
}

// FormatStatuses renders a stable, sorted "name: status" report, used by
// the CLI's plain-text output mode.
func FormatStatuses(statuses map[string]agent.Status) string {
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\n", name, statuses[name])
	}
	return b.String()
}
