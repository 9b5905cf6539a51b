// Package resolve locates the executables and files the shell launches:
// the Node runtime, the OpenClaw CLI and config, and the agent entry script.
// Each lookup is an ordered list of candidates; the first hit wins.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrResolution is wrapped by every lookup that finds no candidate.
var ErrResolution = errors.New("resolution failed")

// Env is the view of the host the lookups consult. Tests substitute fields.
type Env struct {
	HomeDir string
	WorkDir string
	Stat    func(string) (fs.FileInfo, error)
	ReadDir func(string) ([]fs.DirEntry, error)
	// Output runs name with args and returns trimmed stdout.
	Output func(ctx context.Context, name string, args ...string) (string, error)
}

// SystemEnv reads the real filesystem and runs real commands.
func SystemEnv() Env {
	home, _ := os.UserHomeDir()
	wd, _ := os.Getwd()
	return Env{
		HomeDir: home,
		WorkDir: wd,
		Stat:    os.Stat,
		ReadDir: os.ReadDir,
		Output: func(ctx context.Context, name string, args ...string) (string, error) {
			out, err := exec.CommandContext(ctx, name, args...).Output()
			return strings.TrimSpace(string(out)), err
		},
	}
}

func (e Env) exists(path string) bool {
	_, err := e.Stat(path)
	return err == nil
}

// candidate yields a value or reports that it does not apply.
type candidate func() (string, bool)

func firstOf(what string, cands ...candidate) (string, error) {
	for _, c := range cands {
		if v, ok := c(); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrResolution, what)
}

// ParseNodeMajor extracts the major version from "v22.3.0" or "22.3.0".
func ParseNodeMajor(version string) (int, bool) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	head, _, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(head)
	if err != nil || major < 0 {
		return 0, false
	}
	return major, true
}

// NodeBinary returns "node" when the PATH node is new enough, otherwise the
// bin/node of the newest qualifying nvm install.
func (e Env) NodeBinary(ctx context.Context, minMajor int) (string, error) {
	fromPath := func() (string, bool) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		out, err := e.Output(cctx, "node", "-v")
		if err != nil {
			return "", false
		}
		major, ok := ParseNodeMajor(out)
		return "node", ok && major >= minMajor
	}
	fromNvm := func(root string) candidate {
		return func() (string, bool) {
			return e.newestNvmNode(root, minMajor)
		}
	}
	return firstOf(fmt.Sprintf("Node.js %d+ not found (checked system PATH and nvm)", minMajor),
		fromPath,
		fromNvm(filepath.Join(e.HomeDir, ".nvm", "versions", "node")),
		fromNvm(filepath.Join(e.HomeDir, ".config", "nvm", "versions", "node")),
	)
}

func (e Env) newestNvmNode(root string, minMajor int) (string, bool) {
	entries, err := e.ReadDir(root)
	if err != nil {
		return "", false
	}
	type install struct {
		major int
		dir   string
	}
	var installs []install
	for _, entry := range entries {
		major, ok := ParseNodeMajor(entry.Name())
		if !ok || major < minMajor {
			continue
		}
		installs = append(installs, install{major: major, dir: filepath.Join(root, entry.Name())})
	}
	sort.SliceStable(installs, func(i, j int) bool { return installs[i].major > installs[j].major })
	for _, in := range installs {
		bin := filepath.Join(in.dir, "bin", "node")
		if e.exists(bin) {
			return bin, true
		}
	}
	return "", false
}

// DefaultOpenClawBin is the CLI installed by the OpenClaw setup script.
func (e Env) DefaultOpenClawBin() string {
	return filepath.Join(e.HomeDir, ".naia", "openclaw", "node_modules", ".bin", "openclaw")
}

// OpenClawBin returns override (if set) or the default install path; the
// chosen path must exist.
func (e Env) OpenClawBin(override string) (string, error) {
	path := override
	if path == "" {
		path = e.DefaultOpenClawBin()
	}
	if !e.exists(path) {
		return "", fmt.Errorf("%w: OpenClaw not installed at %s (run config/scripts/setup-openclaw.sh)", ErrResolution, path)
	}
	return path, nil
}

// OpenClawConfig prefers ~/.openclaw/openclaw.json and falls back to the
// legacy ~/.naia/openclaw/openclaw.json even when neither exists.
func (e Env) OpenClawConfig(override string) string {
	if override != "" {
		return override
	}
	primary := filepath.Join(e.HomeDir, ".openclaw", "openclaw.json")
	legacy := filepath.Join(e.HomeDir, ".naia", "openclaw", "openclaw.json")
	path, _ := firstOf("openclaw config",
		func() (string, bool) { return primary, e.exists(primary) },
		func() (string, bool) { return legacy, true },
	)
	return path
}

// AgentCommand is the resolved agent launch line.
type AgentCommand struct {
	Name   string
	Args   []string
	Script string
	// Dev is true when the script was discovered in a source checkout.
	Dev bool
}

// AgentSettings are the configured agent overrides.
type AgentSettings struct {
	Path   string
	Script string
	Runner string
}

// AgentCommand resolves how to start the agent. TypeScript entry points run
// through "<runner> tsx"; anything else runs under the configured interpreter.
func (e Env) AgentCommand(s AgentSettings) AgentCommand {
	path := s.Path
	if path == "" {
		path = "node"
	}
	runner := s.Runner
	if runner == "" {
		runner = "npx"
	}

	script := s.Script
	dev := false
	if script == "" {
		script, dev = e.devAgentScript()
	}

	if strings.HasSuffix(script, ".ts") {
		return AgentCommand{Name: runner, Args: []string{"tsx", script, "--stdio"}, Script: script, Dev: dev}
	}
	return AgentCommand{Name: path, Args: []string{script, "--stdio"}, Script: script, Dev: dev}
}

func (e Env) devAgentScript() (string, bool) {
	dev := func(rel string) candidate {
		return func() (string, bool) {
			p := filepath.Join(e.WorkDir, rel)
			if !e.exists(p) {
				return "", false
			}
			if abs, err := filepath.EvalSymlinks(p); err == nil {
				p = abs
			}
			return p, true
		}
	}
	script, err := firstOf("agent script",
		dev(filepath.Join("..", "..", "agent", "src", "index.ts")),
		dev(filepath.Join("..", "agent", "src", "index.ts")),
	)
	if err != nil {
		return filepath.Join("..", "agent", "dist", "index.js"), false
	}
	return script, true
}
