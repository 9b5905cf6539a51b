package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/naia/internal/config"
	"github.com/basket/naia/internal/gateway"
	"github.com/basket/naia/internal/pidfile"
	"github.com/basket/naia/internal/proc"
	"github.com/basket/naia/internal/resolve"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Deps are the host lookups the checks use. Zero fields select the real ones.
type Deps struct {
	Env    *resolve.Env
	Prober gateway.Prober
	Alive  func(pid int) bool
}

type checker struct {
	cfg    *config.Config
	env    resolve.Env
	prober gateway.Prober
	alive  func(int) bool
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, deps Deps) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	c := checker{cfg: cfg, prober: deps.Prober, alive: deps.Alive}
	if deps.Env != nil {
		c.env = *deps.Env
	} else {
		c.env = resolve.SystemEnv()
	}
	if c.prober == nil && cfg != nil {
		c.prober = gateway.NewHTTPProber(cfg.GatewayHealthURL(), cfg.ProbeTimeout())
	}
	if c.alive == nil {
		c.alive = proc.Alive
	}

	checks := []func(context.Context) CheckResult{
		c.checkConfig,
		c.checkNode,
		c.checkOpenClaw,
		c.checkAgentScript,
		c.checkRunDir,
		c.checkGateway,
		c.checkPidRecords,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx))
	}
	return d
}

func (c checker) checkConfig(context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if c.cfg.FileMissing {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "No config.yaml, using defaults",
			Detail: config.ConfigPath(c.cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(c.cfg.HomeDir))}
}

func (c checker) checkNode(ctx context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Node Runtime", Status: StatusSkip, Message: "Config missing"}
	}
	node, err := c.env.NodeBinary(ctx, c.cfg.Gateway.MinNodeMajor)
	if err != nil {
		return CheckResult{
			Name:    "Node Runtime",
			Status:  StatusWarn,
			Message: fmt.Sprintf("No Node.js %d+ found (gateway will be unavailable)", c.cfg.Gateway.MinNodeMajor),
			Detail:  "checked PATH, ~/.nvm/versions/node and ~/.config/nvm/versions/node",
		}
	}
	return CheckResult{Name: "Node Runtime", Status: StatusPass, Message: node}
}

func (c checker) checkOpenClaw(context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "OpenClaw", Status: StatusSkip, Message: "Config missing"}
	}
	bin, err := c.env.OpenClawBin(c.cfg.Gateway.OpenClawBin)
	if err != nil {
		return CheckResult{
			Name:    "OpenClaw",
			Status:  StatusWarn,
			Message: "OpenClaw CLI not installed (gateway will be unavailable)",
			Detail:  c.env.DefaultOpenClawBin(),
		}
	}
	cfgPath := c.env.OpenClawConfig(c.cfg.Gateway.ConfigPath)
	if _, err := os.Stat(cfgPath); err != nil {
		return CheckResult{Name: "OpenClaw", Status: StatusWarn, Message: fmt.Sprintf("CLI at %s, config missing", bin), Detail: cfgPath}
	}
	return CheckResult{Name: "OpenClaw", Status: StatusPass, Message: bin, Detail: cfgPath}
}

func (c checker) checkAgentScript(context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Agent", Status: StatusSkip, Message: "Config missing"}
	}
	cmd := c.env.AgentCommand(resolve.AgentSettings{
		Path:   c.cfg.Agent.Path,
		Script: c.cfg.Agent.Script,
		Runner: c.cfg.Agent.Runner,
	})
	line := strings.Join(append([]string{cmd.Name}, cmd.Args...), " ")
	script := cmd.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(c.env.WorkDir, script)
	}
	if _, err := os.Stat(script); err != nil {
		return CheckResult{Name: "Agent", Status: StatusWarn, Message: "Agent script not found (chat will be unavailable)", Detail: line}
	}
	msg := "Entry script found"
	if cmd.Dev {
		msg = "Development entry script found"
	}
	return CheckResult{Name: "Agent", Status: StatusPass, Message: msg, Detail: line}
}

func (c checker) checkRunDir(context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	dir := c.cfg.RunDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Run dir not creatable: %v", err)}
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Run dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Run directory writable", Detail: dir}
}

func (c checker) checkGateway(ctx context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	url := c.cfg.GatewayHealthURL()
	if c.prober.Probe(ctx) {
		return CheckResult{Name: "Gateway", Status: StatusPass, Message: "Gateway responding", Detail: url}
	}
	return CheckResult{Name: "Gateway", Status: StatusWarn, Message: "Gateway not responding (the shell launches it on start)", Detail: url}
}

func (c checker) checkPidRecords(context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "PID Records", Status: StatusSkip, Message: "Config missing"}
	}
	store := pidfile.NewStore(c.cfg.RunDir())
	var details []string
	for _, role := range pidfile.Roles() {
		pid, err := store.Read(role)
		switch {
		case errors.Is(err, pidfile.ErrNoRecord):
			continue
		case err != nil:
			details = append(details, fmt.Sprintf("%s: invalid record", role))
		case c.alive(pid):
			details = append(details, fmt.Sprintf("%s: pid %d running", role, pid))
		default:
			details = append(details, fmt.Sprintf("%s: pid %d stale", role, pid))
		}
	}
	if len(details) == 0 {
		return CheckResult{Name: "PID Records", Status: StatusPass, Message: "No leftover records"}
	}
	return CheckResult{
		Name:    "PID Records",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%d leftover record(s), cleaned up on next start or by `naia reap`", len(details)),
		Detail:  strings.Join(details, ", "),
	}
}
