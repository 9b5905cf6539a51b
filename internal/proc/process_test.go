package proc

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStart_EchoesThroughPipes(t *testing.T) {
	p, err := Start(Command{Name: "cat", PipeStdin: true, PipeStdout: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Kill()

	if p.Pid() <= 0 {
		t.Fatalf("expected positive pid, got %d", p.Pid())
	}
	if p.Exited() {
		t.Fatalf("cat exited immediately")
	}
	if _, err := p.Stdin().Write([]byte("{\"type\":\"ping\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != `{"type":"ping"}` {
		t.Fatalf("unexpected echo %q", line)
	}

	p.Close()
	if !p.WaitTimeout(2 * time.Second) {
		t.Fatalf("cat did not exit after stdin closed")
	}
	if !p.Exited() {
		t.Fatalf("expected Exited after wait")
	}
}

func TestStart_StdoutEOFAfterExit(t *testing.T) {
	p, err := Start(Command{Name: "sh", Args: []string{"-c", "echo done"}, PipeStdout: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	scanner := bufio.NewScanner(p.Stdout())
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 1 || lines[0] != "done" {
		t.Fatalf("unexpected output %v", lines)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestStart_MissingExecutable(t *testing.T) {
	_, err := Start(Command{Name: filepath.Join(t.TempDir(), "no-such-binary")})
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestKill_StopsChild(t *testing.T) {
	p, err := Start(Command{Name: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !p.WaitTimeout(2 * time.Second) {
		t.Fatalf("sleep survived kill")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill after exit should be a no-op, got %v", err)
	}
}

func TestStart_RedirectsStdoutToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "gateway.log")
	f, err := os.Create(logPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	p, err := Start(Command{Name: "sh", Args: []string{"-c", "echo out; echo err 1>&2"}, Stdout: f, Stderr: f})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = p.Wait()
	raw, _ := os.ReadFile(logPath)
	if !strings.Contains(string(raw), "out") || !strings.Contains(string(raw), "err") {
		t.Fatalf("expected both streams in log, got %q", raw)
	}
}

func TestStart_EnvAppended(t *testing.T) {
	p, err := Start(Command{Name: "sh", Args: []string{"-c", "printf %s \"$OPENCLAW_CONFIG_PATH\""}, Env: []string{"OPENCLAW_CONFIG_PATH=/x/openclaw.json"}, PipeStdout: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	out, _ := bufio.NewReader(p.Stdout()).ReadString('\n')
	_ = p.Wait()
	if out != "/x/openclaw.json" {
		t.Fatalf("expected env passthrough, got %q", out)
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatalf("non-positive pids are never alive")
	}

	p, err := Start(Command{Name: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := p.Pid()
	_ = p.Wait()
	if Alive(pid) {
		t.Fatalf("reaped child %d reported alive", pid)
	}
}

func TestAlive_UsesProcRoot(t *testing.T) {
	root := t.TempDir()
	old := procRoot
	procRoot = root
	defer func() { procRoot = old }()

	if err := os.Mkdir(filepath.Join(root, "31337"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := os.Stat("/proc"); err != nil {
		t.Skip("no /proc on this platform")
	}
	if !Alive(31337) {
		t.Fatalf("expected fake /proc entry to count as alive")
	}
}
