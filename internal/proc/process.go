// Package proc starts and tracks child processes. Each Process is reaped by
// its own goroutine, so liveness checks never block and never race a reader
// of the child's stdout.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	// ErrSpawn wraps failures to launch the executable.
	ErrSpawn = errors.New("spawn failed")
	// ErrPipeCapture wraps failures to create stdin/stdout pipes.
	ErrPipeCapture = errors.New("pipe capture failed")
)

// Command describes a child to launch.
type Command struct {
	Name string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string

	// PipeStdin exposes the child's stdin through Process.Stdin.
	PipeStdin bool
	// PipeStdout exposes the child's stdout through Process.Stdout.
	// When false, stdout goes to Stdout (or is discarded if nil).
	PipeStdout bool
	Stdout     io.Writer
	// Stderr receives the child's stderr; nil inherits the parent's stderr.
	Stderr io.Writer
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

// Process is a running (or exited) child.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Start launches c. On error nothing is left running.
func Start(c Command) (*Process, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir

	p := &Process{cmd: cmd, done: make(chan struct{})}

	if c.PipeStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdin: %v", ErrPipeCapture, err)
		}
		p.stdin = stdin
	}

	var stdoutW *os.File
	if c.PipeStdout {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdout: %v", ErrPipeCapture, err)
		}
		p.stdout = r
		stdoutW = w
		cmd.Stdout = w
	} else if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}

	if c.Stderr != nil {
		cmd.Stderr = c.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if stdoutW != nil {
			stdoutW.Close()
			p.stdout.Close()
		}
		if p.stdin != nil {
			p.stdin.Close()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, c.Name, err)
	}
	// The child holds its own copy of the write end; ours would keep
	// the reader from ever seeing EOF.
	if stdoutW != nil {
		stdoutW.Close()
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdin is nil unless the command set PipeStdin.
func (p *Process) Stdin() io.Writer {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

// Stdout is nil unless the command set PipeStdout. The caller owns reading
// it; Close releases it.
func (p *Process) Stdout() io.ReadCloser {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Exited reports, without blocking, whether the child has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Kill sends SIGKILL unless the child already exited. It does not wait.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Wait blocks until the child exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// WaitTimeout waits up to d and reports whether the child exited.
func (p *Process) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Close closes the stdin pipe so the child sees EOF.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			p.stdin.Close()
		}
	})
}
