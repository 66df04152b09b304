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

// Package metrics exposes the workflow monitor's OpenTelemetry
// instrumentation: tick duration, status-transition counts, and the
// number of agents currently in flight.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// Collector records the workflow monitor's runtime metrics.
type Collector struct {
	ticksTotal       metric.Int64Counter
	tickLatency      metric.Float64Histogram
	transitionsTotal metric.Int64Counter
	storeErrorsTotal metric.Int64Counter

	mu           sync.Mutex
	activeAgents int64
}

// New constructs a Collector whose instruments are registered on meter.
// meter must not be nil.
func New(meter metric.Meter) (*Collector, error) {
	ticksTotal, err := meter.Int64Counter(
		"faasr_monitor_ticks_total",
		metric.WithDescription("Number of monitoring ticks executed"),
	)
	if err != nil {
		return nil, err
	}

	tickLatency, err := meter.Float64Histogram(
		"faasr_monitor_tick_duration_seconds",
		metric.WithDescription("Duration of each monitoring tick"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	transitionsTotal, err := meter.Int64Counter(
		"faasr_monitor_status_transitions_total",
		metric.WithDescription("Number of function status transitions observed"),
	)
	if err != nil {
		return nil, err
	}

	storeErrorsTotal, err := meter.Int64Counter(
		"faasr_monitor_store_errors_total",
		metric.WithDescription("Number of object-store errors observed by tailers"),
	)
	if err != nil {
		return nil, err
	}

	c := &Collector{
		ticksTotal:       ticksTotal,
		tickLatency:      tickLatency,
		transitionsTotal: transitionsTotal,
		storeErrorsTotal: storeErrorsTotal,
	}

	if _, err := meter.Int64ObservableGauge(
		"faasr_monitor_active_agents",
		metric.WithDescription("Number of function agents not yet in a final state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			o.Observe(c.activeAgents)
			return nil
		}),
	); err != nil {
		return nil, err
	}

	return c, nil
}

// RecordTick records one monitoring tick's wall-clock duration in seconds.
func (c *Collector) RecordTick(ctx context.Context, seconds float64) {
	c.ticksTotal.Add(ctx, 1)
	c.tickLatency.Record(ctx, seconds)
}

// RecordTransition records one function status transition.
func (c *Collector) RecordTransition(ctx context.Context) {
	c.transitionsTotal.Add(ctx, 1)
}

// RecordStoreError records one object-store failure observed by a tailer.
func (c *Collector) RecordStoreError(ctx context.Context) {
	c.storeErrorsTotal.Add(ctx, 1)
}

// SetActiveAgents updates the gauge of agents not yet in a final state.
func (c *Collector) SetActiveAgents(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeAgents = int64(n)
}
