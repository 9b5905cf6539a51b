package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/basket/naia/internal/config"
	"github.com/basket/naia/internal/pidfile"
	"github.com/basket/naia/internal/reaper"
	"github.com/basket/naia/internal/telemetry"
)

// runReapCommand runs the orphan reaper once. It takes the instance lock so
// it never kills the children of a live session.
func runReapCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: naia reap")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	lock, err := pidfile.AcquireInstanceLock(cfg.RunDir())
	if errors.Is(err, pidfile.ErrInstanceRunning) {
		fmt.Fprintln(os.Stderr, "reap: a naia shell is running; its children are not orphans")
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "reap: %v\n", err)
		return 1
	}
	defer lock.Release()

	logger, closer, err := telemetry.NewLogger(ctx, cfg.HomeDir, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reap: logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	r := reaper.New(reaper.Options{
		Pids:   pidfile.NewStore(cfg.RunDir()),
		Grace:  cfg.ReaperGrace(),
		Logger: logger,
	})
	outcomes := r.Reap(ctx)
	if len(outcomes) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no pid records"))
		return 0
	}
	for _, o := range outcomes {
		var what string
		switch {
		case o.Invalid:
			what = warnStyle.Render("invalid record discarded")
		case o.Forced:
			what = failStyle.Render(fmt.Sprintf("pid %d killed (ignored SIGTERM)", o.Pid))
		case o.Alive:
			what = passStyle.Render(fmt.Sprintf("pid %d terminated", o.Pid))
		default:
			what = dimStyle.Render(fmt.Sprintf("pid %d already gone, record removed", o.Pid))
		}
		fmt.Fprintln(out, labelStyle.Render(string(o.Role))+what)
	}
	return 0
}
