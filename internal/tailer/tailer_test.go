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

package tailer

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faasr-go/monitor/internal/eventbus"
	"github.com/faasr-go/monitor/internal/store/storetest"
)

func TestParseEntriesRoundTrip(t *testing.T) {
	entries := ParseEntries("[1.0] a\n[2.0] b\nb'")
	require.Len(t, entries, 2)
	assert.Equal(t, "[1.0] a", entries[0])
	assert.Equal(t, "[2.0] b\nb'", entries[1])
}

func TestParseEntriesEmpty(t *testing.T) {
	assert.Empty(t, ParseEntries(""))
}

func TestTailerLifecycleEvents(t *testing.T) {
	s := storetest.New()
	bus := eventbus.New()

	var mu sync.Mutex
	var seen []eventbus.Type
	bus.On(eventbus.LogCreated, func(e eventbus.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})
	bus.On(eventbus.LogUpdated, func(e eventbus.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})
	bus.On(eventbus.LogComplete, func(e eventbus.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})

	tl := New(Config{
		FunctionName: "f1",
		LogKey:       "logs/inv/f1.txt",
		Interval:     10 * time.Millisecond,
		Accessor:     s,
		Bus:          bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tl.Run(ctx)

	time.Sleep(15 * time.Millisecond)
	s.Put("logs/inv/f1.txt", "[1.0] started")

	require.Eventually(t, func() bool { return tl.LogsStarted() }, time.Second, 5*time.Millisecond)

	s.Put("logs/inv/f1.txt", "[1.0] started\n[2.0] done")
	require.Eventually(t, func() bool { return len(tl.Entries()) == 2 }, time.Second, 5*time.Millisecond)

	tl.Stop()
	select {
	case <-tl.Done():
	case <-time.After(time.Second):
		t.Fatal("tailer did not stop in time")
	}

	assert.True(t, tl.LogsComplete())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, eventbus.LogCreated)
	assert.Contains(t, seen, eventbus.LogUpdated)
	assert.Equal(t, eventbus.LogComplete, seen[len(seen)-1])
}

func TestTailerShutdownLatency(t *testing.T) {
	s := storetest.New()
	bus := eventbus.New()

	tl := New(Config{
		FunctionName: "f1",
		LogKey:       "logs/inv/f1.txt",
		Interval:     20 * time.Millisecond,
		Accessor:     s,
		Bus:          bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tl.Run(ctx)

	start := time.Now()
	tl.Stop()
	select {
	case <-tl.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("tailer did not stop within bound")
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestTailerSurvivesLogObjectDisappearing(t *testing.T) {
	s := storetest.New()
	bus := eventbus.New()
	var logBuf bytes.Buffer

	tl := New(Config{
		FunctionName: "f1",
		LogKey:       "logs/inv/f1.txt",
		Interval:     10 * time.Millisecond,
		Accessor:     s,
		Bus:          bus,
		Logger:       slog.New(slog.NewTextHandler(&logBuf, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tl.Run(ctx)

	s.Put("logs/inv/f1.txt", "[1.0] started")
	require.Eventually(t, func() bool { return tl.LogsStarted() }, time.Second, 5*time.Millisecond)

	s.Delete("logs/inv/f1.txt")
	require.Eventually(t, func() bool {
		return bytes.Contains(logBuf.Bytes(), []byte("tailer log object disappeared"))
	}, time.Second, 5*time.Millisecond)

	tl.Stop()
	select {
	case <-tl.Done():
	case <-time.After(time.Second):
		t.Fatal("tailer did not stop in time")
	}

	assert.Equal(t, 1, len(tl.Entries()), "last successfully observed entries should be retained")
}

func TestTailerBusyAccessorLogsAtDebugNotWarn(t *testing.T) {
	s := storetest.New()
	s.Busy = true
	bus := eventbus.New()
	var logBuf bytes.Buffer

	tl := New(Config{
		FunctionName: "f1",
		LogKey:       "logs/inv/f1.txt",
		Interval:     10 * time.Millisecond,
		Accessor:     s,
		Bus:          bus,
		Logger:       slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tl.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	tl.Stop()
	select {
	case <-tl.Done():
	case <-time.After(time.Second):
		t.Fatal("tailer did not stop in time")
	}

	assert.Empty(t, logBuf.String(), "a busy store should not be logged at warn level")
}
