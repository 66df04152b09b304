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

package metrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectOne(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumInt64(m metricdata.Metrics) int64 {
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestCollectorRecordTick(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c, err := New(mp.Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	c.RecordTick(ctx, 0.5)
	c.RecordTick(ctx, 1.5)

	rm := collectOne(t, reader)

	m, ok := findMetric(rm, "faasr_monitor_ticks_total")
	if !ok {
		t.Fatal("expected ticks_total metric to be present")
	}
	if got := sumInt64(m); got != 2 {
		t.Errorf("ticks_total = %d, want 2", got)
	}

	hist, ok := findMetric(rm, "faasr_monitor_tick_duration_seconds")
	if !ok {
		t.Fatal("expected tick_duration_seconds metric to be present")
	}
	histData, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected histogram data, got %T", hist.Data)
	}
	if len(histData.DataPoints) != 1 || histData.DataPoints[0].Count != 2 {
		t.Errorf("unexpected histogram data points: %+v", histData.DataPoints)
	}
}

func TestCollectorRecordTransitionAndStoreError(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c, err := New(mp.Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	c.RecordTransition(ctx)
	c.RecordTransition(ctx)
	c.RecordTransition(ctx)
	c.RecordStoreError(ctx)

	rm := collectOne(t, reader)

	transitions, ok := findMetric(rm, "faasr_monitor_status_transitions_total")
	if !ok {
		t.Fatal("expected status_transitions_total metric to be present")
	}
	if got := sumInt64(transitions); got != 3 {
		t.Errorf("status_transitions_total = %d, want 3", got)
	}

	storeErrors, ok := findMetric(rm, "faasr_monitor_store_errors_total")
	if !ok {
		t.Fatal("expected store_errors_total metric to be present")
	}
	if got := sumInt64(storeErrors); got != 1 {
		t.Errorf("store_errors_total = %d, want 1", got)
	}
}

func TestCollectorSetActiveAgents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c, err := New(mp.Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.SetActiveAgents(4)

	rm := collectOne(t, reader)

	m, ok := findMetric(rm, "faasr_monitor_active_agents")
	if !ok {
		t.Fatal("expected active_agents gauge to be present")
	}
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected gauge data, got %T", m.Data)
	}
	if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 4 {
		t.Errorf("unexpected gauge data points: %+v", gauge.DataPoints)
	}
}
