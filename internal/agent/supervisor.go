// Package agent supervises the agent child process: it owns the single live
// handle, relays the child's JSON-line output, and restarts the child when a
// send finds it gone.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/naia/internal/bus"
	"github.com/basket/naia/internal/lockreg"
	"github.com/basket/naia/internal/otel"
	"github.com/basket/naia/internal/pidfile"
	"github.com/basket/naia/internal/proc"
	"github.com/basket/naia/internal/protocol"
	"github.com/basket/naia/internal/shared"
)

var (
	// ErrNotRunning means there is no live agent and no way to start one.
	ErrNotRunning = errors.New("agent-core not running")
	// ErrWrite means the message could not be written to the agent's stdin.
	ErrWrite = errors.New("write to agent failed")
	// ErrRestart means a respawn needed by a send did not succeed.
	ErrRestart = errors.New("agent restart failed")
)

// maxLineBytes bounds one protocol line from the agent.
const maxLineBytes = 16 << 20

// Launcher starts a new agent child with stdin and stdout piped.
type Launcher func() (*proc.Process, error)

// Auditor receives agent protocol messages for optional recording.
type Auditor interface {
	MaybeLogEvent(msg map[string]any)
	LogApprovalDecision(msg map[string]any)
}

// Handle is one spawned agent child.
type Handle struct {
	proc *proc.Process
	w    *bufio.Writer
}

func (h *Handle) Pid() int { return h.proc.Pid() }

func (h *Handle) Exited() bool { return h.proc.Exited() }

func (h *Handle) write(message string) error {
	if _, err := h.w.WriteString(message); err != nil {
		return err
	}
	if err := h.w.WriteByte('\n'); err != nil {
		return err
	}
	return h.w.Flush()
}

func (h *Handle) kill() {
	h.proc.Close()
	_ = h.proc.Kill()
}

type Options struct {
	// Launch is the restart authority. Without it Send never respawns.
	Launch    Launcher
	Publisher bus.Publisher
	Audit     Auditor
	Pids      *pidfile.Store
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	// Settle is the pause between a respawn and the retried write.
	Settle time.Duration
}

type Supervisor struct {
	guard   *lockreg.Guard[*Handle]
	launch  Launcher
	pub     bus.Publisher
	audit   Auditor
	pids    *pidfile.Store
	logger  *slog.Logger
	metrics *otel.Metrics
	settle  time.Duration

	debug atomic.Bool
}

func NewSupervisor(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")
	return &Supervisor{
		guard:   lockreg.New[*Handle]("state.agent", nil, logger),
		launch:  opts.Launch,
		pub:     opts.Publisher,
		audit:   opts.Audit,
		pids:    opts.Pids,
		logger:  logger,
		metrics: opts.Metrics,
		settle:  opts.Settle,
	}
}

// SetDebug toggles end-to-end debug logging of protocol summaries.
func (s *Supervisor) SetDebug(on bool) { s.debug.Store(on) }

// Spawn launches a child, records its PID and starts its relay. The handle is
// not installed; Start and the restart path do that under the guard.
func (s *Supervisor) Spawn() (*Handle, error) {
	if s.launch == nil {
		return nil, ErrNotRunning
	}
	p, err := s.launch()
	if err != nil {
		return nil, err
	}
	stdin, stdout := p.Stdin(), p.Stdout()
	if stdin == nil || stdout == nil {
		p.Close()
		_ = p.Kill()
		return nil, fmt.Errorf("%w: agent stdio not piped", proc.ErrPipeCapture)
	}
	h := &Handle{proc: p, w: bufio.NewWriter(stdin)}
	if s.pids != nil {
		if err := s.pids.Write(pidfile.RoleAgent, h.Pid()); err != nil {
			s.logger.Warn("write agent pid record failed", "error", err)
		}
	}
	s.logger.Info("agent-core spawned", "pid", h.Pid())
	s.publishStatus(bus.AgentStatus{Running: true, Pid: h.Pid()})
	go s.relay(h, stdout)
	return h, nil
}

// Start spawns a child and installs it, releasing any previous handle.
func (s *Supervisor) Start() error {
	var err error
	s.guard.With(func(cur **Handle) {
		s.release(cur)
		var h *Handle
		if h, err = s.Spawn(); err == nil {
			*cur = h
		}
	})
	return err
}

// Restart kills the current child (if any) and starts a new one.
func (s *Supervisor) Restart(ctx context.Context) error {
	err := s.Start()
	if err == nil {
		s.metrics.RecordAgentRestart(ctx, "ui")
	}
	return err
}

// Running reports whether a live child is installed.
func (s *Supervisor) Running() bool {
	var live bool
	s.guard.With(func(cur **Handle) {
		live = *cur != nil && !(*cur).Exited()
	})
	return live
}

// Pid returns the current child PID or 0.
func (s *Supervisor) Pid() int {
	pid := 0
	s.guard.With(func(cur **Handle) {
		if *cur != nil && !(*cur).Exited() {
			pid = (*cur).Pid()
		}
	})
	return pid
}

// Send writes one message line to the agent. If the child is missing, has
// exited, or the write fails, the stale handle is dropped; with a launcher
// configured the child is respawned and the write is retried exactly once.
func (s *Supervisor) Send(ctx context.Context, message string) error {
	s.inspectOutbound(message)

	err := s.writeCurrent(message)
	if err == nil {
		s.metrics.RecordSend(ctx, "ok")
		return nil
	}
	if s.launch == nil {
		s.metrics.RecordSend(ctx, "failed")
		return err
	}

	s.logger.Warn("agent unavailable, restarting agent-core", "reason", err, "request_id", shared.RequestID(ctx))
	if rerr := s.respawnIfDead(); rerr != nil {
		s.metrics.RecordSend(ctx, "failed")
		return fmt.Errorf("%w: %v", ErrRestart, rerr)
	}
	s.metrics.RecordAgentRestart(ctx, "send")

	if s.settle > 0 {
		t := time.NewTimer(s.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if err := s.writeCurrent(message); err != nil {
		s.metrics.RecordSend(ctx, "failed")
		return err
	}
	s.metrics.RecordSend(ctx, "retried")
	return nil
}

// Cancel asks the agent to abandon the stream for requestID. It goes through
// the same restart-and-retry path as Send.
func (s *Supervisor) Cancel(ctx context.Context, requestID string) error {
	return s.Send(shared.WithRequestID(ctx, requestID), protocol.CancelStream(requestID))
}

// writeCurrent writes to the installed child under the guard. Any failure
// leaves the guard holding no handle.
func (s *Supervisor) writeCurrent(message string) error {
	var err error
	s.guard.With(func(cur **Handle) {
		h := *cur
		if h == nil {
			err = ErrNotRunning
			return
		}
		if h.Exited() {
			s.logger.Warn("agent-core exited", "pid", h.Pid())
			s.release(cur)
			err = ErrNotRunning
			return
		}
		if werr := h.write(message); werr != nil {
			s.logger.Error("write to agent failed", "pid", h.Pid(), "error", werr)
			s.release(cur)
			err = fmt.Errorf("%w: %v", ErrWrite, werr)
		}
	})
	return err
}

// respawnIfDead installs a new child unless another caller already did.
func (s *Supervisor) respawnIfDead() error {
	var err error
	s.guard.With(func(cur **Handle) {
		if *cur != nil && !(*cur).Exited() {
			return
		}
		s.release(cur)
		var h *Handle
		if h, err = s.Spawn(); err != nil {
			return
		}
		*cur = h
		s.logger.Info("agent-core restarted", "pid", h.Pid())
	})
	return err
}

// release kills and forgets the handle. Must be called under the guard.
func (s *Supervisor) release(cur **Handle) {
	h := *cur
	if h == nil {
		return
	}
	*cur = nil
	h.kill()
	if s.pids != nil {
		if err := s.pids.Remove(pidfile.RoleAgent); err != nil {
			s.logger.Warn("remove agent pid record failed", "error", err)
		}
	}
}

// Shutdown kills the child and removes its PID record.
func (s *Supervisor) Shutdown() {
	s.guard.With(func(cur **Handle) {
		if *cur != nil {
			s.logger.Info("killing agent-core", "pid", (*cur).Pid())
		}
		s.release(cur)
	})
}

// WaitExit blocks until the installed child exits or timeout elapses.
func (s *Supervisor) WaitExit(timeout time.Duration) bool {
	var h *Handle
	s.guard.With(func(cur **Handle) { h = *cur })
	if h == nil {
		return true
	}
	return h.proc.WaitTimeout(timeout)
}

func (s *Supervisor) publishStatus(st bus.AgentStatus) {
	if s.pub != nil {
		s.pub.Publish(bus.TopicAgentStatus, st)
	}
}
