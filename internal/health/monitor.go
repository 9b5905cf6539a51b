// Package health probes the gateway on a fixed interval, reports every
// outcome to the UI, and restarts the gateway after consecutive failures.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/naia/internal/bus"
	"github.com/basket/naia/internal/gateway"
)

// Gateway is the part of gateway.Supervisor the monitor drives.
type Gateway interface {
	Probe(ctx context.Context) bool
	TryRestart(ctx context.Context) (attempted bool, st gateway.Status, err error)
}

type Options struct {
	Gateway   Gateway
	Publisher bus.Publisher
	Logger    *slog.Logger
	// Interval between probes; the first probe happens one interval after Start.
	Interval time.Duration
	// Threshold is the consecutive failure count that triggers a restart.
	Threshold int
	// Managed is whether the gateway being watched was launched by us.
	Managed bool
}

type Monitor struct {
	gw        Gateway
	pub       bus.Publisher
	logger    *slog.Logger
	interval  time.Duration
	threshold int32

	failures atomic.Int32
	managed  atomic.Bool
	stopped  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		gw:        opts.Gateway,
		pub:       opts.Publisher,
		logger:    logger.With("component", "health"),
		interval:  interval,
		threshold: int32(threshold),
	}
	m.managed.Store(opts.Managed)
	return m
}

// Start runs the probe loop in the background until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("gateway health monitor started", "interval", m.interval, "threshold", m.threshold)
}

// Stop sets the shutdown flag, interrupts the loop and waits for it. A probe
// or restart in flight is cancelled through its context.
func (m *Monitor) Stop() {
	m.stopped.Store(true)
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Failures is the current consecutive failure count.
func (m *Monitor) Failures() int {
	return int(m.failures.Load())
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.stopped.Load() {
				return
			}
			m.Tick(ctx)
		}
	}
}

// Tick runs one probe cycle.
func (m *Monitor) Tick(ctx context.Context) {
	if m.gw.Probe(ctx) {
		if m.failures.Swap(0) > 0 {
			m.logger.Info("gateway recovered")
		}
		m.publish(bus.GatewayStatus{Running: true, Healthy: true, Managed: m.managed.Load()})
		return
	}

	n := m.failures.Add(1)
	m.logger.Warn("gateway health check failed", "consecutive", n)
	m.publish(bus.GatewayStatus{Running: false, Healthy: false, Managed: m.managed.Load(), Failures: int(n)})

	if n < m.threshold || m.stopped.Load() {
		return
	}
	m.logger.Info("attempting gateway restart")
	attempted, st, err := m.gw.TryRestart(ctx)
	switch {
	case !attempted:
		m.logger.Info("gateway restart skipped, another operation holds the gateway")
	case err != nil:
		// A completed attempt starts a new window: the next restart needs
		// another full run of failures.
		m.failures.Store(0)
		m.logger.Error("gateway restart failed", "error", err, "consecutive", n)
	default:
		m.failures.Store(0)
		m.managed.Store(st.Managed)
		m.logger.Info("gateway restarted", "managed", st.Managed)
		m.publish(bus.GatewayStatus{Running: true, Healthy: st.Running, Managed: st.Managed, Restarted: true})
	}
}

func (m *Monitor) publish(st bus.GatewayStatus) {
	if m.pub != nil {
		m.pub.Publish(bus.TopicGatewayStatus, st)
	}
}
