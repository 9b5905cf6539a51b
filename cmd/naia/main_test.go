package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/basket/naia/internal/app"
	"github.com/basket/naia/internal/config"
	"github.com/basket/naia/internal/doctor"
	"github.com/basket/naia/internal/pidfile"
)

// setTestHome points NAIA_HOME at a temp dir with the given config.yaml.
func setTestHome(t *testing.T, yaml string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("NAIA_HOME", home)
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyHost(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var st app.Status
		st.Agent.Running = true
		st.Agent.Pid = 42
		st.Gateway.Running = true
		st.Gateway.Managed = true
		st.MonitorRunning = true
		st.MonitorFailures = 2
		_ = json.NewEncoder(w).Encode(st)
	}))
	defer ts.Close()
	setTestHome(t, `ui_bind_addr: "`+ts.Listener.Addr().String()+`"`)

	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	for _, want := range []string{"pid 42", "(managed)", "2 consecutive failures"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("status output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if code := runStatusCommand(context.Background(), []string{"-json"}, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0 for -json", code)
	}
	var st app.Status
	if err := json.Unmarshal(out.Bytes(), &st); err != nil || st.Agent.Pid != 42 {
		t.Fatalf("expected raw healthz json, got %q (%v)", out.String(), err)
	}
}

func TestRunStatusCommand_UnhealthyHost(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	setTestHome(t, `ui_bind_addr: "`+ts.Listener.Addr().String()+`"`)

	if code := runStatusCommand(context.Background(), nil, &bytes.Buffer{}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestHome(t, `ui_bind_addr: "127.0.0.1:1"`)
	if code := runStatusCommand(context.Background(), nil, &bytes.Buffer{}); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setTestHome(t, "log_level: info\n")

	var out bytes.Buffer
	code := runDoctorCommand(context.Background(), []string{"-json"}, &out)
	if code == 2 {
		t.Fatalf("unexpected usage error")
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("doctor -json output not parseable: %v\n%s", err, out.String())
	}
	if len(diag.Results) == 0 || diag.Results[0].Name != "Config" {
		t.Fatalf("unexpected results %+v", diag.Results)
	}
}

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	setTestHome(t, "")
	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), nil, &out); code == 2 {
		t.Fatalf("unexpected usage error")
	}
	if !strings.Contains(out.String(), "Naia Doctor Report") || !strings.Contains(out.String(), "PID Records") {
		t.Fatalf("unexpected report:\n%s", out.String())
	}
	if code := runDoctorCommand(context.Background(), []string{"--bogus"}, &out); code != 2 {
		t.Fatalf("got exit code %d, want 2 for unknown flag", code)
	}
}

func TestRunReapCommand_RemovesStaleRecord(t *testing.T) {
	home := setTestHome(t, "")
	store := pidfile.NewStore(filepath.Join(home, "run"))
	// A pid that no live process can hold on Linux (above pid_max).
	if err := store.Write(pidfile.RoleGateway, 1<<30); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	if code := runReapCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "already gone") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if _, err := store.Read(pidfile.RoleGateway); !errors.Is(err, pidfile.ErrNoRecord) {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestRunReapCommand_RefusesWhileHostRuns(t *testing.T) {
	home := setTestHome(t, "")
	lock, err := pidfile.AcquireInstanceLock(filepath.Join(home, "run"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer lock.Release()

	if code := runReapCommand(context.Background(), nil, &bytes.Buffer{}); code != 1 {
		t.Fatalf("got exit code %d, want 1 while another session holds the lock", code)
	}
}

func TestIsAddrInUse(t *testing.T) {
	err := &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	if !isAddrInUse(err) {
		t.Fatalf("expected EADDRINUSE to be detected")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatalf("unexpected match")
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("echo", "4321") }
	if got := portOccupantHint("127.0.0.1:18790"); !strings.Contains(got, "PID 4321") {
		t.Fatalf("expected occupant pid in hint, got %q", got)
	}

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("false") }
	if got := portOccupantHint("127.0.0.1:18790"); !strings.Contains(got, "Port 18790 is already in use") {
		t.Fatalf("unexpected fallback hint %q", got)
	}
}

func TestEnvUsage_MatchesConfigParser(t *testing.T) {
	for _, name := range []string{
		"NAIA_HOME", "NAIA_LOG_LEVEL", "NAIA_DEBUG_E2E", "NAIA_AGENT_PATH", "NAIA_AGENT_SCRIPT",
		"NAIA_AGENT_RUNNER", "NAIA_UI_BIND_ADDR", "NAIA_HEALTH_INTERVAL_SECONDS", "NAIA_UI_TOKEN",
	} {
		if !strings.Contains(envUsage, name) {
			t.Errorf("usage does not mention %s", name)
		}
	}

	var spellings string
	for _, line := range strings.Split(envUsage, "\n") {
		if strings.Contains(line, "NAIA_DEBUG_E2E") {
			spellings = line[strings.Index(line, "(")+1 : strings.LastIndex(line, ")")]
		}
	}
	words := strings.FieldsFunc(strings.ReplaceAll(spellings, " or ", ","), func(r rune) bool { return r == ',' || r == ' ' })
	if len(words) == 0 {
		t.Fatalf("no NAIA_DEBUG_E2E spellings in usage")
	}
	for _, w := range words {
		if !config.ParseBoolFlag(w) {
			t.Errorf("usage advertises %q but the config parser rejects it", w)
		}
	}
}
