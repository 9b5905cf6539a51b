package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetrics_RecordsSupervisionEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordSend(ctx, "ok")
	m.RecordSend(ctx, "retried")
	m.RecordAgentRestart(ctx, "send")
	m.RecordProbe(ctx, false, 2*time.Second)
	m.RecordProbe(ctx, true, 10*time.Millisecond)
	m.RecordGatewayRestart(ctx, "ok")
	m.RecordReaped(ctx, "node-host")
	m.RecordUIRequest(ctx, "/api/agent/send", 202)

	sums := collect(t, reader)
	want := map[string]int64{
		"naia.agent.sends":            2,
		"naia.agent.restarts":         1,
		"naia.gateway.probe.failures": 1,
		"naia.gateway.restarts":       1,
		"naia.orphans.reaped":         1,
		"naia.ui.requests":            1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Fatalf("%s = %d, want %d (all: %v)", name, sums[name], v, sums)
		}
	}
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordSend(ctx, "ok")
	m.RecordAgentRestart(ctx, "ui")
	m.RecordProbe(ctx, false, time.Second)
	m.RecordGatewayRestart(ctx, "error")
	m.RecordReaped(ctx, "agent")
	m.RecordUIRequest(ctx, "/healthz", 200)
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	m, err := NewMetrics(Disabled().Meter)
	if err != nil || m == nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
}
