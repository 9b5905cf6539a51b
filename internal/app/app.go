// Package app wires the supervisors together and owns the startup and
// shutdown order of the shell host.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/naia/internal/agent"
	"github.com/basket/naia/internal/bus"
	"github.com/basket/naia/internal/config"
	"github.com/basket/naia/internal/gateway"
	"github.com/basket/naia/internal/health"
	"github.com/basket/naia/internal/otel"
	"github.com/basket/naia/internal/pidfile"
	"github.com/basket/naia/internal/proc"
	"github.com/basket/naia/internal/reaper"
	"github.com/basket/naia/internal/resolve"
	"github.com/basket/naia/internal/telemetry"
)

// onDemandProbeTimeout bounds the UI's explicit gateway health check.
const onDemandProbeTimeout = 3 * time.Second

type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Level is adjusted live when log_level changes in config.yaml.
	Level   *slog.LevelVar
	Bus     *bus.Bus
	Audit   agent.Auditor
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// Overrides for tests; nil selects the real implementation.
	AgentLauncher   agent.Launcher
	GatewayLauncher gateway.Launcher
	Prober          gateway.Prober
	Signals         reaper.Signaler
	Env             *resolve.Env
}

// App is one shell host session.
type App struct {
	logger *slog.Logger
	level  *slog.LevelVar
	bus    *bus.Bus
	env    resolve.Env

	cfgMu sync.Mutex
	cfg   config.Config

	Agent   *agent.Supervisor
	Gateway *gateway.Supervisor
	reaper  *reaper.Reaper
	uiProbe gateway.Prober

	monitorMu sync.Mutex
	monitor   *health.Monitor

	shutdownOnce sync.Once
}

func New(opts Options) *App {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := opts.Level
	if level == nil {
		level = new(slog.LevelVar)
		level.Set(telemetry.ParseLevel(cfg.LogLevel))
	}
	b := opts.Bus
	if b == nil {
		b = bus.New()
	}
	env := resolve.SystemEnv()
	if opts.Env != nil {
		env = *opts.Env
	}
	pids := pidfile.NewStore(cfg.RunDir())

	a := &App{
		logger: logger,
		level:  level,
		bus:    b,
		env:    env,
		cfg:    cfg,
	}

	launch := opts.AgentLauncher
	if launch == nil {
		launch = AgentLauncher(env, cfg.Agent, logger)
	}
	a.Agent = agent.NewSupervisor(agent.Options{
		Launch:    launch,
		Publisher: b,
		Audit:     opts.Audit,
		Pids:      pids,
		Logger:    logger,
		Metrics:   opts.Metrics,
		Settle:    cfg.RestartSettle(),
	})
	a.Agent.SetDebug(cfg.DebugE2E)

	prober, uiProbe := opts.Prober, opts.Prober
	if prober == nil {
		hp := gateway.NewHTTPProber(cfg.GatewayHealthURL(), cfg.ProbeTimeout())
		hp.Metrics = opts.Metrics
		hp.Tracer = opts.Tracer
		ui := gateway.NewHTTPProber(cfg.GatewayHealthURL(), onDemandProbeTimeout)
		ui.Tracer = opts.Tracer
		prober, uiProbe = hp, ui
	}
	a.uiProbe = uiProbe

	gl := opts.GatewayLauncher
	if gl == nil {
		gl = gateway.OpenClawLauncher{Env: env, Gateway: cfg.Gateway, HomeDir: cfg.HomeDir, Logger: logger}
	}
	a.Gateway = gateway.NewSupervisor(gateway.Options{
		Launcher:       gl,
		Prober:         prober,
		Pids:           pids,
		Logger:         logger,
		Metrics:        opts.Metrics,
		HealthWait:     time.Duration(cfg.Gateway.HealthWaitMS) * time.Millisecond,
		HealthPoll:     time.Duration(cfg.Gateway.HealthPollMS) * time.Millisecond,
		NodeHostSettle: time.Duration(cfg.Gateway.NodeHostSettleMS) * time.Millisecond,
	})

	a.reaper = reaper.New(reaper.Options{
		Pids:    pids,
		Signals: opts.Signals,
		Grace:   cfg.ReaperGrace(),
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	return a
}

// AgentLauncher starts the resolved agent command with piped stdio. The
// agent's stderr is inherited so its diagnostics reach the host's terminal.
func AgentLauncher(env resolve.Env, settings config.AgentConfig, logger *slog.Logger) agent.Launcher {
	return func() (*proc.Process, error) {
		cmd := env.AgentCommand(resolve.AgentSettings{
			Path:   settings.Path,
			Script: settings.Script,
			Runner: settings.Runner,
		})
		logger.Info("starting agent-core", "command", cmd.Name, "script", cmd.Script, "dev", cmd.Dev)
		return proc.Start(proc.Command{
			Name:       cmd.Name,
			Args:       cmd.Args,
			PipeStdin:  true,
			PipeStdout: true,
		})
	}
}

// Bus is the event stream the UI subscribes to.
func (a *App) Bus() *bus.Bus { return a.bus }

func (a *App) Config() config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Start reaps orphans, brings up the gateway (and, if it came up, the health
// monitor), then the agent. Missing subsystems are logged, not returned.
func (a *App) Start(ctx context.Context) {
	cfg := a.Config()
	a.logger.Info("=== session started ===", "log_dir", cfg.LogDir())

	if out := a.reaper.Reap(ctx); len(out) > 0 {
		a.logger.Info("orphan cleanup finished", "records", len(out))
	}

	st, err := a.Gateway.Start(ctx)
	if err != nil {
		a.logger.Warn("running without gateway (tools will be unavailable)", "error", err)
	}
	a.bus.Publish(bus.TopicGatewayStatus, bus.GatewayStatus{Running: st.Running, Healthy: st.Running, Managed: st.Managed})

	if st.Running {
		m := health.NewMonitor(health.Options{
			Gateway:   a.Gateway,
			Publisher: a.bus,
			Logger:    a.logger,
			Interval:  cfg.HealthInterval(),
			Threshold: cfg.Health.FailureThreshold,
			Managed:   st.Managed,
		})
		m.Start(ctx)
		a.monitorMu.Lock()
		a.monitor = m
		a.monitorMu.Unlock()
	}

	if err := a.Agent.Start(); err != nil {
		a.logger.Warn("agent-core not available", "error", err)
		a.logger.Warn("running without agent (chat will be unavailable)")
		a.bus.Publish(bus.TopicAgentStatus, bus.AgentStatus{Running: false, Reason: err.Error()})
		return
	}
	a.logger.Info("agent-core started", "pid", a.Agent.Pid())
}

// Shutdown stops the monitor first so it cannot restart what is being torn
// down, then kills the agent before the gateway it depends on.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.monitorMu.Lock()
		m := a.monitor
		a.monitor = nil
		a.monitorMu.Unlock()
		if m != nil {
			m.Stop()
		}

		a.Agent.Shutdown()
		a.Gateway.Shutdown()
		a.logger.Info("=== session ended ===")
	})
}

// MonitorFailures is the health monitor's consecutive failure count, or 0
// when no monitor is running.
func (a *App) MonitorFailures() int {
	a.monitorMu.Lock()
	defer a.monitorMu.Unlock()
	if a.monitor == nil {
		return 0
	}
	return a.monitor.Failures()
}

// Status is the host-wide snapshot served at /healthz.
type Status struct {
	Agent struct {
		Running bool `json:"running"`
		Pid     int  `json:"pid,omitempty"`
	} `json:"agent"`
	Gateway         gateway.Status `json:"gateway"`
	MonitorRunning  bool           `json:"monitor_running"`
	MonitorFailures int            `json:"monitor_failures"`
	Fingerprint     string         `json:"config_fingerprint"`
}

func (a *App) Status() Status {
	var st Status
	st.Agent.Pid = a.Agent.Pid()
	st.Agent.Running = st.Agent.Pid != 0
	st.Gateway = a.Gateway.Status()
	a.monitorMu.Lock()
	if a.monitor != nil {
		st.MonitorRunning = true
		st.MonitorFailures = a.monitor.Failures()
	}
	a.monitorMu.Unlock()
	st.Fingerprint = a.Config().Fingerprint()
	return st
}

// Send forwards one UI message to the agent.
func (a *App) Send(ctx context.Context, message string) error {
	return a.Agent.Send(ctx, message)
}

func (a *App) Cancel(ctx context.Context, requestID string) error {
	return a.Agent.Cancel(ctx, requestID)
}

func (a *App) RestartAgent(ctx context.Context) error {
	return a.Agent.Restart(ctx)
}

// ProbeGateway runs an on-demand health check. It never fails; an
// unreachable gateway is reported as false.
func (a *App) ProbeGateway(ctx context.Context) bool {
	return a.uiProbe.Probe(ctx)
}
