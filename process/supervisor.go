package process

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Supervisor owns at most one child process and its lifecycle state.
//
// Start and Stop are serialized; a Start issued while a Stop is in flight
// fails fast with ErrConflictingOperation. An exit observer runs for every
// spawned child and resets the state to stopped when the child dies on its own.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	log   *zap.SugaredLogger
	spawn Spawner

	graceInterval time.Duration
	stopTimeout   time.Duration

	onSpawn   func(Child)
	onRunning func(Child)
	onExit    func(c Child, unexpected bool)

	// opMu serializes Start, Stop and unexpected-exit handling
	opMu sync.Mutex

	// mu guards state and child
	mu    sync.Mutex
	state State
	child Child
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithGraceInterval sets how long a freshly spawned child must stay alive before it counts as running.
func WithGraceInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.graceInterval = d
	}
}

// WithStopTimeout sets how long Stop waits after SIGTERM before sending SIGKILL.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithSpawnHook is called as soon as the OS process exists, before the grace interval.
// This is where the child's output should start being drained.
func WithSpawnHook(f func(Child)) Option {
	return func(s *Supervisor) {
		s.onSpawn = f
	}
}

// WithRunningHook is called when the child transitions to running.
func WithRunningHook(f func(Child)) Option {
	return func(s *Supervisor) {
		s.onRunning = f
	}
}

// WithExitHook is called exactly once per spawned child after it exits.
// unexpected is false only when the exit was initiated by Stop.
func WithExitHook(f func(c Child, unexpected bool)) Option {
	return func(s *Supervisor) {
		s.onExit = f
	}
}

func NewSupervisor(spawn Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:           zap.NewNop().Sugar(),
		spawn:         spawn,
		graceInterval: 1 * time.Second,
		stopTimeout:   5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the PID of the current child, or 0 if there is none.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return 0
	}
	return s.child.PID()
}

// Start spawns the child unless it is already running, in which case it returns alreadyRunning=true.
// It returns once the child has stayed alive for the grace interval.
func (s *Supervisor) Start(ctx context.Context) (alreadyRunning bool, err error) {
	if s.State() == StateStopping {
		return false, ErrConflictingOperation
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.State() {
	case StateRunning:
		return true, nil
	case StateStopping:
		return false, ErrConflictingOperation
	}

	child, err := s.spawn()
	if err != nil {
		s.log.Debugf("spawn error: %s", err)
		return false, &SpawnError{Err: err}
	}
	s.mu.Lock()
	s.child = child
	s.mu.Unlock()

	s.log.Debugw("spawned process", "PID", child.PID())
	if s.onSpawn != nil {
		s.onSpawn(child)
	}
	go s.observe(child)

	timer := time.NewTimer(s.graceInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-child.Done():
		s.clear(child)
		s.exited(child, true)
		return false, &SpawnError{Err: fmt.Errorf("%w with exit code %d", ErrExitedDuringStartup, child.ExitCode())}
	case <-ctx.Done():
		if err := child.Kill(); err != nil {
			s.log.Debugf("error killing process: %s", err)
		}
		<-child.Done()
		s.clear(child)
		s.exited(child, false)
		return false, ctx.Err()
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Infow("process running", "PID", child.PID())
	if s.onRunning != nil {
		s.onRunning(child)
	}
	return false, nil
}

// Stop terminates the child and waits for it to exit, escalating to SIGKILL after the stop timeout.
// It returns wasRunning=false if there was nothing to stop.
func (s *Supervisor) Stop(ctx context.Context) (wasRunning bool, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning || s.child == nil {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateStopping
	child := s.child
	s.mu.Unlock()

	s.log.Infow("stopping process", "PID", child.PID())
	s.terminate(ctx, child)

	s.clear(child)
	s.exited(child, false)
	return true, nil
}

func (s *Supervisor) terminate(ctx context.Context, child Child) {
	// closing stdin lets well-behaved children exit on EOF
	if err := child.Stdin().Close(); err != nil {
		s.log.Debugf("error closing stdin: %s", err)
	}
	if err := child.Signal(syscall.SIGTERM); err != nil {
		s.log.Debugf("error sending SIGTERM: %s", err)
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-child.Done():
		return
	case <-timer.C:
		s.log.Warnw("process did not exit after SIGTERM, killing", "PID", child.PID(), "Timeout", s.stopTimeout)
	case <-ctx.Done():
		s.log.Debugf("stop context done, killing: %s", ctx.Err())
	}
	if err := child.Kill(); err != nil {
		s.log.Debugf("error killing process: %s", err)
	}
	<-child.Done()
}

// observe waits for the child to exit and handles exits that nobody asked for.
func (s *Supervisor) observe(child Child) {
	<-child.Done()

	// Holding opMu means a Start or Stop touching this child has finished;
	// if either of them handled the exit, the child is no longer current.
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.child != child {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.child = nil
	s.mu.Unlock()

	s.log.Warnw("process exited unexpectedly", "PID", child.PID(), "ExitCode", child.ExitCode(), "Error", child.Err())
	s.exited(child, true)
}

func (s *Supervisor) clear(child Child) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == child {
		s.child = nil
	}
	s.state = StateStopped
}

func (s *Supervisor) exited(child Child, unexpected bool) {
	s.log.Debugw("process exited", "PID", child.PID(), "ExitCode", child.ExitCode(), "Unexpected", unexpected)
	if s.onExit != nil {
		s.onExit(child, unexpected)
	}
}
