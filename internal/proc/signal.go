package proc

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// procRoot is swapped in tests.
var procRoot = "/proc"

// Alive reports whether pid names an existing process. On Linux this is a
// /proc lookup; elsewhere it falls back to a null signal.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" {
		if _, err := os.Stat(procRoot); err == nil {
			_, err := os.Stat(filepath.Join(procRoot, strconv.Itoa(pid)))
			return err == nil
		}
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Terminate sends SIGTERM to pid.
func Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// ForceKill sends SIGKILL to pid.
func ForceKill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// OS exposes Alive, Terminate and ForceKill as a value for injection.
type OS struct{}

func (OS) Alive(pid int) bool { return Alive(pid) }
func (OS) Terminate(pid int) error { return Terminate(pid) }
func (OS) ForceKill(pid int) error { return ForceKill(pid) }
