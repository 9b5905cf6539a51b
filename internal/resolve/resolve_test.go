package resolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testEnv(t *testing.T, nodeVersion string, nodeErr error) Env {
	t.Helper()
	home := t.TempDir()
	work := filepath.Join(home, "naia", "shell", "src-tauri")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return Env{
		HomeDir: home,
		WorkDir: work,
		Stat:    os.Stat,
		ReadDir: os.ReadDir,
		Output: func(_ context.Context, name string, args ...string) (string, error) {
			if name != "node" || len(args) != 1 || args[0] != "-v" {
				t.Fatalf("unexpected command %s %v", name, args)
			}
			return nodeVersion, nodeErr
		},
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, nil, 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestParseNodeMajor(t *testing.T) {
	cases := map[string]int{"v22.3.0": 22, "20.11.1": 20, " v18\n": 18}
	for in, want := range cases {
		got, ok := ParseNodeMajor(in)
		if !ok || got != want {
			t.Fatalf("ParseNodeMajor(%q) = %d, %v", in, got, ok)
		}
	}
	if _, ok := ParseNodeMajor("system"); ok {
		t.Fatalf("expected non-version dir name to be rejected")
	}
}

func TestNodeBinary_PrefersPath(t *testing.T) {
	env := testEnv(t, "v22.14.0", nil)
	touch(t, filepath.Join(env.HomeDir, ".nvm", "versions", "node", "v24.0.0", "bin", "node"))

	got, err := env.NodeBinary(context.Background(), 22)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "node" {
		t.Fatalf("expected PATH node, got %q", got)
	}
}

func TestNodeBinary_FallsBackToNewestNvm(t *testing.T) {
	env := testEnv(t, "v20.1.0", nil)
	root := filepath.Join(env.HomeDir, ".nvm", "versions", "node")
	touch(t, filepath.Join(root, "v22.1.0", "bin", "node"))
	touch(t, filepath.Join(root, "v23.4.0", "bin", "node"))
	touch(t, filepath.Join(root, "v18.0.0", "bin", "node"))

	got, err := env.NodeBinary(context.Background(), 22)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(root, "v23.4.0", "bin", "node"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestNodeBinary_XDGNvm(t *testing.T) {
	env := testEnv(t, "", errors.New("node: not found"))
	bin := filepath.Join(env.HomeDir, ".config", "nvm", "versions", "node", "v22.0.0", "bin", "node")
	touch(t, bin)

	got, err := env.NodeBinary(context.Background(), 22)
	if err != nil || got != bin {
		t.Fatalf("expected %q, got %q (%v)", bin, got, err)
	}
}

func TestNodeBinary_NotFound(t *testing.T) {
	env := testEnv(t, "v16.0.0", nil)
	touch(t, filepath.Join(env.HomeDir, ".nvm", "versions", "node", "v20.0.0", "bin", "node"))
	// Qualifying version without a binary does not count.
	if err := os.MkdirAll(filepath.Join(env.HomeDir, ".nvm", "versions", "node", "v22.0.0"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, err := env.NodeBinary(context.Background(), 22)
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
}

func TestOpenClawBin(t *testing.T) {
	env := testEnv(t, "", nil)
	if _, err := env.OpenClawBin(""); !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution for missing install, got %v", err)
	}
	touch(t, env.DefaultOpenClawBin())
	got, err := env.OpenClawBin("")
	if err != nil || got != env.DefaultOpenClawBin() {
		t.Fatalf("expected default install, got %q (%v)", got, err)
	}
}

func TestOpenClawConfig_PrimaryThenLegacy(t *testing.T) {
	env := testEnv(t, "", nil)
	legacy := filepath.Join(env.HomeDir, ".naia", "openclaw", "openclaw.json")
	if got := env.OpenClawConfig(""); got != legacy {
		t.Fatalf("expected legacy fallback %q, got %q", legacy, got)
	}
	primary := filepath.Join(env.HomeDir, ".openclaw", "openclaw.json")
	touch(t, primary)
	if got := env.OpenClawConfig(""); got != primary {
		t.Fatalf("expected primary %q, got %q", primary, got)
	}
	if got := env.OpenClawConfig("/etc/oc.json"); got != "/etc/oc.json" {
		t.Fatalf("expected override, got %q", got)
	}
}

func TestAgentCommand_ExplicitJS(t *testing.T) {
	env := testEnv(t, "", nil)
	cmd := env.AgentCommand(AgentSettings{Path: "/usr/bin/node", Script: "/srv/agent/index.js"})
	if cmd.Name != "/usr/bin/node" {
		t.Fatalf("unexpected runner %q", cmd.Name)
	}
	if len(cmd.Args) != 2 || cmd.Args[0] != "/srv/agent/index.js" || cmd.Args[1] != "--stdio" {
		t.Fatalf("unexpected args %v", cmd.Args)
	}
}

func TestAgentCommand_TypeScriptUsesTsx(t *testing.T) {
	env := testEnv(t, "", nil)
	cmd := env.AgentCommand(AgentSettings{Script: "/srv/agent/src/index.ts"})
	if cmd.Name != "npx" {
		t.Fatalf("expected default runner npx, got %q", cmd.Name)
	}
	want := []string{"tsx", "/srv/agent/src/index.ts", "--stdio"}
	for i, a := range want {
		if cmd.Args[i] != a {
			t.Fatalf("unexpected args %v", cmd.Args)
		}
	}
}

func TestAgentCommand_DiscoversDevCheckout(t *testing.T) {
	env := testEnv(t, "", nil)
	script := filepath.Join(env.HomeDir, "naia", "agent", "src", "index.ts")
	touch(t, script)

	cmd := env.AgentCommand(AgentSettings{})
	if !cmd.Dev {
		t.Fatalf("expected dev discovery")
	}
	resolved, _ := filepath.EvalSymlinks(script)
	if cmd.Script != resolved {
		t.Fatalf("expected %q, got %q", resolved, cmd.Script)
	}
	if cmd.Name != "npx" {
		t.Fatalf("expected tsx runner for dev script, got %q", cmd.Name)
	}
}

func TestAgentCommand_ProductionFallback(t *testing.T) {
	env := testEnv(t, "", nil)
	cmd := env.AgentCommand(AgentSettings{})
	if cmd.Dev {
		t.Fatalf("no checkout present, expected production fallback")
	}
	if cmd.Name != "node" || cmd.Args[0] != filepath.Join("..", "agent", "dist", "index.js") {
		t.Fatalf("unexpected command %s %v", cmd.Name, cmd.Args)
	}
}
