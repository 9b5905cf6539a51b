package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the supervision instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	AgentSends      metric.Int64Counter
	AgentRestarts   metric.Int64Counter
	ProbeDuration   metric.Float64Histogram
	ProbeFailures   metric.Int64Counter
	GatewayRestarts metric.Int64Counter
	OrphansReaped   metric.Int64Counter
	UIRequests      metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.AgentSends, err = meter.Int64Counter("naia.agent.sends",
		metric.WithDescription("Messages written to the agent, by outcome"),
	); err != nil {
		return nil, err
	}
	if m.AgentRestarts, err = meter.Int64Counter("naia.agent.restarts",
		metric.WithDescription("Agent respawns, by trigger"),
	); err != nil {
		return nil, err
	}
	if m.ProbeDuration, err = meter.Float64Histogram("naia.gateway.probe.duration",
		metric.WithDescription("Gateway health probe latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ProbeFailures, err = meter.Int64Counter("naia.gateway.probe.failures",
		metric.WithDescription("Failed gateway health probes"),
	); err != nil {
		return nil, err
	}
	if m.GatewayRestarts, err = meter.Int64Counter("naia.gateway.restarts",
		metric.WithDescription("Gateway restart attempts, by outcome"),
	); err != nil {
		return nil, err
	}
	if m.OrphansReaped, err = meter.Int64Counter("naia.orphans.reaped",
		metric.WithDescription("Processes from earlier sessions terminated at startup"),
	); err != nil {
		return nil, err
	}
	if m.UIRequests, err = meter.Int64Counter("naia.ui.requests",
		metric.WithDescription("Webview API requests, by route"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordSend(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.AgentSends.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordAgentRestart(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.AgentRestarts.Add(ctx, 1, metric.WithAttributes(AttrTrigger.String(trigger)))
}

func (m *Metrics) RecordProbe(ctx context.Context, healthy bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProbeDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("healthy", healthy)))
	if !healthy {
		m.ProbeFailures.Add(ctx, 1)
	}
}

func (m *Metrics) RecordGatewayRestart(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.GatewayRestarts.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordReaped(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.OrphansReaped.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role)))
}

func (m *Metrics) RecordUIRequest(ctx context.Context, route string, status int) {
	if m == nil {
		return
	}
	m.UIRequests.Add(ctx, 1, metric.WithAttributes(AttrRoute.String(route), attribute.Int("status", status)))
}
