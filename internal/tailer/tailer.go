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

// Package tailer polls the object store for one function's log object,
// reconstructing its parsed entries and emitting lifecycle events to
// whatever owns it.
package tailer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/faasr-go/monitor/internal/eventbus"
	"github.com/faasr-go/monitor/internal/store"
	"github.com/faasr-go/monitor/internal/telemetry/log"
	"github.com/faasr-go/monitor/pkg/faasrerrors"
)

// Config configures a Tailer.
type Config struct {
	FunctionName string
	LogKey       string

	// Interval is the polling cadence Δ. Default 3s.
	Interval time.Duration

	// StreamLogs, when true, re-emits every newly observed entry through
	// Logger at Info level for human consumption.
	StreamLogs bool

	Accessor store.Accessor
	Bus      *eventbus.Bus
	Logger   *slog.Logger
}

// Tailer is a long-running, per-function polling task.
type Tailer struct {
	cfg Config

	mu           sync.Mutex
	entries      []string
	logsStarted  bool
	logsComplete bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	limiter *rate.Limiter
}

// New constructs a Tailer from cfg. Call Run to start polling.
func New(cfg Config) *Tailer {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tailer{
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
	}
}

// Entries returns a snapshot copy of the parsed log entries observed so far.
func (t *Tailer) Entries() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.entries))
	copy(out, t.entries)
	return out
}

// Content concatenates the observed entries with newline separators.
func (t *Tailer) Content() string {
	entries := t.Entries()
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += "\n"
		}
		out += e
	}
	return out
}

// LogsStarted reports whether the log object has ever been observed to exist.
func (t *Tailer) LogsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logsStarted
}

// LogsComplete reports whether the polling loop has exited.
func (t *Tailer) LogsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logsComplete
}

// Stop requests the polling loop to exit. It does not block; use Done to
// wait for the exit to complete.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Done returns a channel that closes once the polling loop has exited and
// LogComplete has been emitted.
func (t *Tailer) Done() <-chan struct{} { return t.doneCh }

// Run executes the polling loop until Stop is called or ctx is done. It is
// meant to be run on its own goroutine.
func (t *Tailer) Run(ctx context.Context) {
	defer func() {
		t.mu.Lock()
		t.logsComplete = true
		t.mu.Unlock()
		_ = t.cfg.Bus.Emit(eventbus.Event{Type: eventbus.LogComplete, Function: t.cfg.FunctionName})
		close(t.doneCh)
	}()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		t.poll(ctx)

		if !t.waitTick(ctx) {
			return
		}
	}
}

// waitTick paces the loop to the configured interval via the rate limiter,
// returning false as soon as a shutdown request or context cancellation
// interrupts the wait.
func (t *Tailer) waitTick(ctx context.Context) bool {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
		close(stopped)
	}()
	defer func() { <-stopped }()

	if err := t.limiter.Wait(waitCtx); err != nil {
		select {
		case <-t.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
			return false
		}
	}
	return true
}

func (t *Tailer) poll(ctx context.Context) {
	t.mu.Lock()
	started := t.logsStarted
	t.mu.Unlock()

	if !started {
		exists, err := t.cfg.Accessor.Exists(ctx, t.cfg.LogKey)
		if err != nil {
			t.logPollError("tailer exists check failed", err)
			return
		}
		if !exists {
			return
		}

		raw, err := t.cfg.Accessor.Get(ctx, t.cfg.LogKey)
		if err != nil {
			t.logPollError("tailer initial fetch failed", err)
			return
		}
		entries := ParseEntries(raw)

		t.mu.Lock()
		t.logsStarted = true
		t.entries = entries
		t.mu.Unlock()

		t.streamNew(nil, entries)
		_ = t.cfg.Bus.Emit(eventbus.Event{Type: eventbus.LogCreated, Function: t.cfg.FunctionName})
		if len(entries) > 0 {
			_ = t.cfg.Bus.Emit(eventbus.Event{Type: eventbus.LogUpdated, Function: t.cfg.FunctionName, NewEntries: entries})
		}
		return
	}

	raw, err := t.cfg.Accessor.Get(ctx, t.cfg.LogKey)
	if err != nil {
		t.logPollError("tailer refetch failed", err)
		return
	}
	entries := ParseEntries(raw)

	t.mu.Lock()
	prev := t.entries
	changed := entriesChanged(prev, entries)
	t.entries = entries
	t.mu.Unlock()

	if changed {
		newEntries := newSuffix(prev, entries)
		t.streamNew(prev, entries)
		_ = t.cfg.Bus.Emit(eventbus.Event{Type: eventbus.LogUpdated, Function: t.cfg.FunctionName, NewEntries: newEntries})
	}
}

// logPollError reports a failed poll at a severity matched to its cause:
// token pool saturation is expected under load and retries on the next
// tick, so it stays at Debug; anything else is a genuine backend problem.
func (t *Tailer) logPollError(msg string, err error) {
	switch {
	case faasrerrors.IsBusy(err):
		t.cfg.Logger.Debug(msg, log.Error(err))
	case faasrerrors.IsNotFound(err):
		t.cfg.Logger.Warn("tailer log object disappeared", log.Error(err))
	default:
		t.cfg.Logger.Warn(msg, log.Error(err))
	}
}

func (t *Tailer) streamNew(prev, cur []string) {
	if !t.cfg.StreamLogs {
		return
	}
	for _, e := range newSuffix(prev, cur) {
		t.cfg.Logger.Info("log entry", "function", t.cfg.FunctionName, "entry", e)
	}
}

// entriesChanged reports whether the parsed entries differ from the
// previous snapshot, by length or content of the last entry, per the
// tailer's LogUpdated trigger condition.
func entriesChanged(prev, cur []string) bool {
	if len(prev) != len(cur) {
		return true
	}
	if len(cur) == 0 {
		return false
	}
	return prev[len(prev)-1] != cur[len(cur)-1]
}

func newSuffix(prev, cur []string) []string {
	if len(cur) <= len(prev) {
		return nil
	}
	return cur[len(prev):]
}
