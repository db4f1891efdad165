package relay

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/multierr"
)

var (
	// ErrPipe is wrapped by Spawn errors caused by pipe creation.
	ErrPipe = errors.New("creating pipe")
	// ErrSpawn is wrapped by Spawn errors caused by process creation.
	ErrSpawn = errors.New("starting process")
)

// Process is a single running program whose standard streams are wired to pipes.
// The parent holds the near end of each pipe: Stdin is written to, Stdout and Stderr are read from.
//
// A successful Spawn only means the executable was launched.
// A program that starts and immediately exits is observed by the reader as EOF on Stdout and Stderr.
type Process struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	cmd *exec.Cmd

	closeOnce sync.Once
	closeErr  error

	reapOnce sync.Once
	exitCode int
	reapErr  error
}

type pipe struct {
	r *os.File
	w *os.File
}

func (p pipe) close() error {
	return multierr.Combine(p.r.Close(), p.w.Close())
}

// Spawn starts program with no arguments.
// The program is executed directly, without a PATH lookup.
func Spawn(program string) (*Process, error) {
	var pipes [3]pipe
	for i := range pipes {
		r, w, err := os.Pipe()
		if err != nil {
			for _, p := range pipes[:i] {
				p.close()
			}
			return nil, fmt.Errorf("%w: %w", ErrPipe, err)
		}
		pipes[i] = pipe{r: r, w: w}
	}
	stdin, stdout, stderr := pipes[0], pipes[1], pipes[2]

	cmd := &exec.Cmd{
		Path:   program,
		Args:   []string{program},
		Stdin:  stdin.r,
		Stdout: stdout.w,
		Stderr: stderr.w,
	}
	startErr := cmd.Start()

	// the child has its own copies of the far ends now
	stdin.r.Close()
	stdout.w.Close()
	stderr.w.Close()

	if startErr != nil {
		stdin.w.Close()
		stdout.r.Close()
		stderr.r.Close()
		return nil, fmt.Errorf("%w %q: %w", ErrSpawn, program, startErr)
	}

	return &Process{
		Stdin:  stdin.w,
		Stdout: stdout.r,
		Stderr: stderr.r,
		cmd:    cmd,
	}, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// ClosePipes closes the three near pipe ends. Only the first call has any effect.
func (p *Process) ClosePipes() error {
	p.closeOnce.Do(func() {
		p.closeErr = multierr.Combine(
			p.Stdin.Close(),
			p.Stdout.Close(),
			p.Stderr.Close(),
		)
	})
	return p.closeErr
}

// Reap blocks until the process exits and returns its exit code.
// The exit code is -1 if the process was terminated by a signal.
// It is safe to call more than once; the process is only waited on the first time.
func (p *Process) Reap() (int, error) {
	p.reapOnce.Do(func() {
		err := p.cmd.Wait()
		p.exitCode = p.cmd.ProcessState.ExitCode()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				p.reapErr = fmt.Errorf("waiting for process %d: %w", p.cmd.Process.Pid, err)
			}
		}
	})
	return p.exitCode, p.reapErr
}

// Kill sends SIGKILL to the process. It does not reap it.
func (p *Process) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
