// Package gateway supervises the OpenClaw gateway and its companion node
// host. A gateway that was already listening when the shell started is
// attached to but never owned: it is probed and reported, never killed.
package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/naia/internal/lockreg"
	"github.com/basket/naia/internal/otel"
	"github.com/basket/naia/internal/pidfile"
	"github.com/basket/naia/internal/proc"
)

// Handle is the supervised gateway. gateway is nil when attached to an
// external instance; nodeHost is nil when it could not be started.
type Handle struct {
	gateway   *proc.Process
	nodeHost  *proc.Process
	weSpawned bool
}

func (h *Handle) WeSpawned() bool { return h.weSpawned }

func (h *Handle) HasNodeHost() bool { return h.nodeHost != nil }

// Status is the externally visible gateway state.
type Status struct {
	Running  bool `json:"running"`
	Managed  bool `json:"managed"`
	NodeHost bool `json:"node_host"`
}

type Options struct {
	Launcher Launcher
	Prober   Prober
	Pids     *pidfile.Store
	Logger   *slog.Logger
	Metrics  *otel.Metrics

	// HealthWait bounds the post-spawn readiness poll; HealthPoll is its step.
	HealthWait time.Duration
	HealthPoll time.Duration
	// NodeHostSettle is the pause after starting the node host so it can
	// connect before the agent does.
	NodeHostSettle time.Duration
}

type Supervisor struct {
	guard    *lockreg.Guard[*Handle]
	launcher Launcher
	prober   Prober
	pids     *pidfile.Store
	logger   *slog.Logger
	metrics  *otel.Metrics

	healthWait     time.Duration
	healthPoll     time.Duration
	nodeHostSettle time.Duration

	// lastProbe is the most recent probe result. It is the only liveness
	// signal for an attached gateway, which has no child to watch.
	lastProbe atomic.Bool
}

func NewSupervisor(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	poll := opts.HealthPoll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Supervisor{
		guard:          lockreg.New[*Handle]("state.gateway", nil, logger),
		launcher:       opts.Launcher,
		prober:         opts.Prober,
		pids:           opts.Pids,
		logger:         logger,
		metrics:        opts.Metrics,
		healthWait:     opts.HealthWait,
		healthPoll:     poll,
		nodeHostSettle: opts.NodeHostSettle,
	}
}

// Probe reports whether the gateway answers right now.
func (s *Supervisor) Probe(ctx context.Context) bool {
	ok := s.prober != nil && s.prober.Probe(ctx)
	s.lastProbe.Store(ok)
	return ok
}

// Spawn attaches to a healthy gateway or launches a new one, then starts the
// node host. The returned handle is not installed.
func (s *Supervisor) Spawn(ctx context.Context) (*Handle, error) {
	if s.Probe(ctx) {
		s.logger.Info("gateway already running, reusing existing instance")
		h := &Handle{weSpawned: false}
		// The external gateway may not have a node host attached.
		if paths, err := s.launcher.Resolve(ctx); err == nil {
			h.nodeHost = s.spawnNodeHost(ctx, paths, false)
		} else {
			s.logger.Warn("node host skipped", "error", err)
		}
		return h, nil
	}

	paths, err := s.launcher.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	gw, err := s.launcher.StartGateway(paths)
	if err != nil {
		return nil, err
	}
	s.writePid(pidfile.RoleGateway, gw.Pid())

	if s.waitHealthy(ctx, gw) {
		s.logger.Info("gateway healthy", "pid", gw.Pid())
	} else {
		s.logger.Warn("gateway spawned but not yet healthy, continuing anyway", "pid", gw.Pid())
	}

	return &Handle{
		gateway:   gw,
		nodeHost:  s.spawnNodeHost(ctx, paths, true),
		weSpawned: true,
	}, nil
}

// waitHealthy polls until the gateway answers, the wait elapses, or the
// child exits.
func (s *Supervisor) waitHealthy(ctx context.Context, gw *proc.Process) bool {
	deadline := time.Now().Add(s.healthWait)
	for time.Now().Before(deadline) {
		t := time.NewTimer(s.healthPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-gw.Done():
			t.Stop()
			s.logger.Warn("gateway exited during startup", "pid", gw.Pid())
			return false
		case <-t.C:
		}
		if s.Probe(ctx) {
			return true
		}
	}
	return false
}

func (s *Supervisor) spawnNodeHost(ctx context.Context, paths Paths, settle bool) *proc.Process {
	nh, err := s.launcher.StartNodeHost(paths)
	if err != nil {
		s.logger.Error("node host spawn failed", "error", err)
		return nil
	}
	s.writePid(pidfile.RoleNodeHost, nh.Pid())
	if settle && s.nodeHostSettle > 0 {
		t := time.NewTimer(s.nodeHostSettle)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nh
}

// teardown kills the node host, then the gateway if we own it. Must be
// called under the guard.
func (s *Supervisor) teardown(cur **Handle) {
	h := *cur
	if h == nil {
		return
	}
	*cur = nil
	if h.nodeHost != nil {
		s.logger.Info("killing node host", "pid", h.nodeHost.Pid())
		_ = h.nodeHost.Kill()
		s.removePid(pidfile.RoleNodeHost)
	}
	if h.weSpawned && h.gateway != nil {
		s.logger.Info("killing gateway", "pid", h.gateway.Pid())
		_ = h.gateway.Kill()
		s.removePid(pidfile.RoleGateway)
		return
	}
	s.logger.Info("gateway not managed by us, leaving it running")
}

// Start replaces the installed handle with a fresh Spawn.
func (s *Supervisor) Start(ctx context.Context) (Status, error) {
	var (
		st  Status
		err error
	)
	s.guard.With(func(cur **Handle) {
		s.teardown(cur)
		var h *Handle
		if h, err = s.Spawn(ctx); err != nil {
			s.logger.Error("gateway not available", "error", err)
			return
		}
		*cur = h
		st = s.statusOf(h)
		s.logger.Info("gateway ready", "managed", st.Managed, "node_host", st.NodeHost)
	})
	return st, err
}

// TryRestart tears down and respawns the gateway unless another caller holds
// the guard. attempted is false when the guard was busy. On failure the
// guard is left holding no handle.
func (s *Supervisor) TryRestart(ctx context.Context) (attempted bool, st Status, err error) {
	attempted = s.guard.TryWith(func(cur **Handle) {
		s.teardown(cur)
		var h *Handle
		if h, err = s.Spawn(ctx); err != nil {
			s.logger.Error("gateway restart failed", "error", err)
			s.metrics.RecordGatewayRestart(ctx, "failed")
			return
		}
		*cur = h
		st = s.statusOf(h)
		s.logger.Info("gateway restarted", "managed", st.Managed)
		s.metrics.RecordGatewayRestart(ctx, "ok")
	})
	if !attempted {
		s.logger.Debug("gateway guard busy, restart skipped")
		s.metrics.RecordGatewayRestart(ctx, "skipped")
	}
	return attempted, st, err
}

// Shutdown tears down the installed handle.
func (s *Supervisor) Shutdown() {
	s.guard.With(s.teardown)
}

// Status reports the installed handle. A spawned gateway that has exited is
// reported as not running; an attached one is running while its last probe
// succeeded.
func (s *Supervisor) Status() Status {
	var st Status
	s.guard.With(func(cur **Handle) {
		if *cur != nil {
			st = s.statusOf(*cur)
		}
	})
	return st
}

func (s *Supervisor) statusOf(h *Handle) Status {
	running := s.lastProbe.Load()
	if h.weSpawned && h.gateway != nil {
		running = !h.gateway.Exited()
	}
	return Status{
		Running:  running,
		Managed:  h.weSpawned,
		NodeHost: h.nodeHost != nil && !h.nodeHost.Exited(),
	}
}

func (s *Supervisor) writePid(role pidfile.Role, pid int) {
	if s.pids == nil {
		return
	}
	if err := s.pids.Write(role, pid); err != nil {
		s.logger.Warn("write pid record failed", "role", role, "error", err)
	}
}

func (s *Supervisor) removePid(role pidfile.Role) {
	if s.pids == nil {
		return
	}
	if err := s.pids.Remove(role); err != nil {
		s.logger.Warn("remove pid record failed", "role", role, "error", err)
	}
}
