// Package reaper terminates processes left running by a shell session that
// exited without cleaning up, using the PID records that session wrote.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/naia/internal/otel"
	"github.com/basket/naia/internal/pidfile"
	"github.com/basket/naia/internal/proc"
)

// Signaler checks and signals processes by PID.
type Signaler interface {
	Alive(pid int) bool
	Terminate(pid int) error
	ForceKill(pid int) error
}

type Options struct {
	Pids    *pidfile.Store
	Signals Signaler
	// Grace is the wait between SIGTERM and the liveness re-check.
	Grace   time.Duration
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// Outcome describes what happened to one role's record.
type Outcome struct {
	Role    pidfile.Role `json:"role"`
	Pid     int          `json:"pid,omitempty"`
	Invalid bool         `json:"invalid,omitempty"`
	Alive   bool         `json:"alive"`
	Forced  bool         `json:"forced,omitempty"`
}

type Reaper struct {
	pids    *pidfile.Store
	sig     Signaler
	grace   time.Duration
	logger  *slog.Logger
	metrics *otel.Metrics
}

func New(opts Options) *Reaper {
	sig := opts.Signals
	if sig == nil {
		sig = proc.OS{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	return &Reaper{
		pids:    opts.Pids,
		sig:     sig,
		grace:   grace,
		logger:  logger.With("component", "reaper"),
		metrics: opts.Metrics,
	}
}

// Reap inspects every role's record. It must run before any child of those
// roles is spawned. Every record found is removed.
func (r *Reaper) Reap(ctx context.Context) []Outcome {
	var out []Outcome
	for _, role := range pidfile.Roles() {
		if o, ok := r.reapRole(ctx, role); ok {
			out = append(out, o)
		}
	}
	return out
}

func (r *Reaper) reapRole(ctx context.Context, role pidfile.Role) (Outcome, bool) {
	pid, err := r.pids.Read(role)
	switch {
	case errors.Is(err, pidfile.ErrNoRecord):
		return Outcome{}, false
	case errors.Is(err, pidfile.ErrInvalidPidRecord):
		r.logger.Warn("invalid pid record, discarding", "role", role, "error", err)
		r.remove(role)
		return Outcome{Role: role, Invalid: true}, true
	case err != nil:
		r.logger.Warn("unreadable pid record, discarding", "role", role, "error", err)
		r.remove(role)
		return Outcome{Role: role, Invalid: true}, true
	}

	o := Outcome{Role: role, Pid: pid}
	defer r.remove(role)

	if !r.sig.Alive(pid) {
		r.logger.Info("stale pid record", "role", role, "pid", pid)
		return o, true
	}
	o.Alive = true
	r.logger.Info("orphan found, sending SIGTERM", "role", role, "pid", pid)
	if err := r.sig.Terminate(pid); err != nil {
		r.logger.Warn("SIGTERM failed", "role", role, "pid", pid, "error", err)
	}

	t := time.NewTimer(r.grace)
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	t.Stop()

	if r.sig.Alive(pid) {
		r.logger.Warn("orphan still alive, sending SIGKILL", "role", role, "pid", pid)
		if err := r.sig.ForceKill(pid); err != nil {
			r.logger.Warn("SIGKILL failed", "role", role, "pid", pid, "error", err)
		}
		o.Forced = true
	}
	r.metrics.RecordReaped(ctx, string(role))
	return o, true
}

func (r *Reaper) remove(role pidfile.Role) {
	if err := r.pids.Remove(role); err != nil {
		r.logger.Warn("remove pid record failed", "role", role, "error", err)
	}
}
