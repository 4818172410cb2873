package execx

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running child the caller supervises.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error
	Kill() error
}

// Starter abstracts process spawning so supervisors can be unit-tested
// without executing real binaries.
type Starter interface {
	Start(path string, dir string, args ...string) (Process, error)
}

// OSStarter spawns processes on the host via os/exec.
type OSStarter struct {
	Env []string
}

func NewOSStarter() *OSStarter {
	return &OSStarter{}
}

func (s *OSStarter) Start(path string, dir string, args ...string) (Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return &osProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *osProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *osProcess) Stdout() io.Reader { return p.stdout }
func (p *osProcess) Stderr() io.Reader { return p.stderr }
func (p *osProcess) Wait() error       { return p.cmd.Wait() }

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// EnsureExecutable creates logsDir if needed and sets 0755 on the helper's
// folder, its logs folder and the executable itself.
func EnsureExecutable(path, dir, logsDir string) error {
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return err
		}
	}
	for _, p := range []string{logsDir, dir, path} {
		if p == "" {
			continue
		}
		if err := os.Chmod(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ExitCode extracts the exit status from a Wait error, -1 when unknown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
