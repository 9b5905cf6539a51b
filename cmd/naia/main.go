package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/naia/internal/app"
	"github.com/basket/naia/internal/audit"
	"github.com/basket/naia/internal/bus"
	"github.com/basket/naia/internal/config"
	otelPkg "github.com/basket/naia/internal/otel"
	"github.com/basket/naia/internal/pidfile"
	"github.com/basket/naia/internal/shared"
	"github.com/basket/naia/internal/shellapi"
	"github.com/basket/naia/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

const envUsage = `
ENVIRONMENT VARIABLES:
  NAIA_HOME                     Data directory (default: ~/.naia)
  NAIA_LOG_LEVEL                debug, info, warn or error
  NAIA_DEBUG_E2E                Log agent traffic summaries (1, true, True, TRUE or yes)
  NAIA_AGENT_PATH               Interpreter for the agent script (default: node)
  NAIA_AGENT_SCRIPT             Agent entry script
  NAIA_AGENT_RUNNER             Runner for .ts agent scripts (default: npx)
  NAIA_UI_BIND_ADDR             UI API listen address (default: 127.0.0.1:18790)
  NAIA_HEALTH_INTERVAL_SECONDS  Gateway health probe interval
  NAIA_UI_TOKEN                 Fixed UI API token instead of <home>/ui.token
`

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

HOST MODE (default):
  %s                          Reap orphans, start the gateway and agent, serve the UI API

SUBCOMMANDS:
  %s status                   Show the running host's health (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s reap                     Terminate children left by a crashed session
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprint(os.Stderr, envUsage)
}

func main() {
	verbose := flag.Bool("v", false, "mirror logs to stderr even when not attached to a terminal")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "reap":
			os.Exit(runReapCommand(ctx, args[1:], os.Stdout))
		case "run":
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	var echo io.Writer
	if *verbose || isatty.IsTerminal(os.Stderr.Fd()) {
		echo = os.Stderr
	}
	runHost(ctx, echo)
}

func runHost(ctx context.Context, echo io.Writer) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	ctx = shared.WithSessionID(ctx, shared.NewSessionID())
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(ctx, cfg.HomeDir, level, echo)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_missing", cfg.FileMissing)

	lock, err := pidfile.AcquireInstanceLock(cfg.RunDir())
	if err != nil {
		fatalStartup(logger, "E_INSTANCE_LOCK", err)
	}
	defer lock.Release()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	opts := app.Options{
		Config:  cfg,
		Logger:  logger,
		Level:   level,
		Bus:     bus.New(),
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
	}

	// A broken audit database costs the audit trail, not the session.
	auditStore, err := audit.Open(cfg.AuditDBPath())
	if err != nil {
		logger.Warn("audit log unavailable", "path", cfg.AuditDBPath(), "error", err)
	} else {
		defer auditStore.Close()
		opts.Audit = auditStore
		retention, err := audit.NewRetention(auditStore, cfg.Audit.RetentionDays, cfg.Audit.RetentionSchedule, logger)
		if err != nil {
			logger.Warn("audit retention disabled", "error", err)
		} else {
			retention.Start()
			defer retention.Stop()
		}
	}

	host := app.New(opts)
	host.Start(ctx)
	defer host.Shutdown()

	if err := host.WatchConfig(ctx); err != nil {
		logger.Warn("config hot-reload unavailable", "error", err)
	}

	token, err := shellapi.LoadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_UI_TOKEN", err)
	}
	api := shellapi.New(shellapi.Config{
		Backend:      host,
		Bus:          host.Bus(),
		Audit:        auditStore,
		AuthToken:    token,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.UIBindAddr)
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("ui listener port in use", "bind_addr", cfg.UIBindAddr, "hint", portOccupantHint(cfg.UIBindAddr))
		}
		host.Shutdown()
		fatalStartup(logger, "E_UI_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("ui api listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("ui api server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ui api shutdown", "error", err)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"shell","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change ui_bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change ui_bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command
