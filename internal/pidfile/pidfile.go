// Package pidfile persists the PIDs of spawned children as <run>/<role>.pid so
// a later session can find and terminate processes a crashed session left
// behind.
package pidfile

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Role names a supervised child process.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleGateway  Role = "gateway"
	RoleNodeHost Role = "node-host"
)

// Roles lists every role the orphan reaper inspects, in reap order.
func Roles() []Role {
	return []Role{RoleAgent, RoleGateway, RoleNodeHost}
}

var (
	// ErrNoRecord is returned by Read when no record exists for the role.
	ErrNoRecord = errors.New("no pid record")
	// ErrInvalidPidRecord marks a record that is non-numeric, not positive,
	// or outside the signed 32-bit range.
	ErrInvalidPidRecord = errors.New("invalid pid record")
)

// Store reads and writes PID records under one directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(role Role) string {
	return filepath.Join(s.dir, string(role)+".pid")
}

// Write records pid for role, replacing any previous record atomically.
func (s *Store) Write(role Role, pid int) error {
	if err := ValidatePID(int64(pid)); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+string(role)+".pid.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp pid file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close pid file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path(role)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename pid file: %w", err)
	}
	return nil
}

// Read returns the recorded PID for role. A missing record yields
// ErrNoRecord; a malformed one yields ErrInvalidPidRecord.
func (s *Store) Read(role Role) (int, error) {
	data, err := os.ReadFile(s.Path(role))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoRecord
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	return ParsePID(string(data))
}

// Remove deletes the record for role. Removing a missing record is not an error.
func (s *Store) Remove(role Role) error {
	if err := os.Remove(s.Path(role)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// ParsePID parses the trimmed decimal contents of a record.
func ParsePID(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPidRecord, trimmed)
	}
	if err := ValidatePID(v); err != nil {
		return 0, err
	}
	return int(v), nil
}

// ValidatePID rejects values that cannot name a single process. Zero and
// negative values would signal a process group.
func ValidatePID(v int64) error {
	if v <= 0 || v > math.MaxInt32 {
		return fmt.Errorf("%w: %d", ErrInvalidPidRecord, v)
	}
	return nil
}
