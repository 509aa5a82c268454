package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Child is a running OS process with piped standard streams.
//
// Stdout and Stderr must be drained by the owner, otherwise the child may
// block on a full pipe and never be observed as exited.
type Child interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	PID() int
	Signal(sig os.Signal) error
	Kill() error

	// Done is closed once the process has exited and its output has been fully delivered.
	Done() <-chan struct{}
	// ExitCode is -1 until Done is closed, or if the exit status could not be determined.
	ExitCode() int
	// Err is the error from waiting on the process, if any.
	Err() error
}

// Spawner starts a new child. Tests substitute a fake.
type Spawner func() (Child, error)

// Command describes how to launch the child process.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// WaitDelay bounds how long Wait waits for output after the process exits,
	// for children that leave grandchildren holding the pipes open.
	WaitDelay time.Duration
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Spawner returns a Spawner that runs this command.
func (c Command) Spawner() Spawner {
	return func() (Child, error) { return startCommand(c) }
}

type execChild struct {
	cmd *exec.Cmd

	stdin   io.WriteCloser
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done     chan struct{}
	exitCode int
	err      error
}

func startCommand(c Command) (*execChild, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	// Output goes through in-memory pipes rather than StdoutPipe, so that Wait
	// only returns after the reader has consumed everything the child wrote.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	ch := &execChild{
		cmd:      cmd,
		stdin:    stdin,
		stdoutR:  stdoutR,
		stdoutW:  stdoutW,
		stderrR:  stderrR,
		stderrW:  stderrW,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutW.Close()
		stderrW.Close()
		return nil, err
	}

	go ch.wait()
	return ch, nil
}

func (c *execChild) wait() {
	err := c.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	c.exitCode = exitCode
	c.err = err
	c.stdoutW.Close()
	c.stderrW.Close()
	close(c.done)
}

func (c *execChild) Stdin() io.WriteCloser { return c.stdin }
func (c *execChild) Stdout() io.Reader     { return c.stdoutR }
func (c *execChild) Stderr() io.Reader     { return c.stderrR }
func (c *execChild) PID() int              { return c.cmd.Process.Pid }
func (c *execChild) Done() <-chan struct{} { return c.done }

func (c *execChild) Signal(sig os.Signal) error {
	err := c.cmd.Process.Signal(sig)
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

func (c *execChild) Kill() error {
	err := c.cmd.Process.Kill()
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

func (c *execChild) ExitCode() int {
	select {
	case <-c.done:
		return c.exitCode
	default:
		return -1
	}
}

func (c *execChild) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
