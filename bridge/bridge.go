package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/guseggert/mcpbridge/process"
	"github.com/guseggert/mcpbridge/rpc"
	"go.uber.org/zap"
)

const readBufSize = 32 * 1024

// Bridge brokers request/response calls against a single supervised child process.
//
// The child's stdout has exactly one reader, the dispatch loop started when the
// child is spawned. Requests may be sent once the child is running; when the
// child exits, for any reason, every outstanding call fails with rpc.ErrProcessTerminated.
type Bridge struct {
	log *zap.SugaredLogger

	cmd           process.Command
	spawner       process.Spawner
	graceInterval time.Duration
	stopTimeout   time.Duration
	callTimeout   time.Duration
	maxLineSize   int

	supervisor *process.Supervisor
	broker     *rpc.Broker
	stderr     *fanout
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

// WithSpawner replaces the command-based spawner, e.g. with a fake child in tests.
func WithSpawner(s process.Spawner) Option {
	return func(b *Bridge) {
		b.spawner = s
	}
}

func WithGraceInterval(d time.Duration) Option {
	return func(b *Bridge) {
		b.graceInterval = d
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.stopTimeout = d
	}
}

// WithCallTimeout sets the timeout used by calls that don't specify one.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.callTimeout = d
	}
}

// WithMaxLineSize caps the size of a single line read from the child.
func WithMaxLineSize(n int) Option {
	return func(b *Bridge) {
		b.maxLineSize = n
	}
}

// New builds a Bridge for the given command. Nothing is spawned until StartProcess.
func New(cmd process.Command, opts ...Option) *Bridge {
	b := &Bridge{
		log:           zap.NewNop().Sugar(),
		cmd:           cmd,
		graceInterval: 1 * time.Second,
		stopTimeout:   5 * time.Second,
		callTimeout:   rpc.DefaultTimeout,
		maxLineSize:   rpc.DefaultMaxLineSize,
		stderr:        newFanout(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.spawner == nil {
		b.spawner = cmd.Spawner()
	}

	b.broker = rpc.NewBroker(
		rpc.WithBrokerLogger(b.log.Named("broker")),
		rpc.WithDefaultTimeout(b.callTimeout),
	)
	b.supervisor = process.NewSupervisor(
		b.spawner,
		process.WithLogger(b.log.Named("supervisor")),
		process.WithGraceInterval(b.graceInterval),
		process.WithStopTimeout(b.stopTimeout),
		process.WithSpawnHook(b.onSpawn),
		process.WithRunningHook(b.onRunning),
		process.WithExitHook(b.onExit),
	)
	return b
}

// StartProcess starts the child, reporting alreadyRunning=true without spawning if it is up.
func (b *Bridge) StartProcess(ctx context.Context) (alreadyRunning bool, err error) {
	return b.supervisor.Start(ctx)
}

// StopProcess stops the child, reporting wasRunning=false if there was nothing to stop.
func (b *Bridge) StopProcess(ctx context.Context) (wasRunning bool, err error) {
	return b.supervisor.Stop(ctx)
}

// State returns the lifecycle state of the child.
func (b *Bridge) State() process.State { return b.supervisor.State() }

// PID returns the child's PID, or 0 when there is no child.
func (b *Bridge) PID() int { return b.supervisor.PID() }

// Outstanding returns the number of calls waiting for a reply.
func (b *Bridge) Outstanding() int { return b.broker.Outstanding() }

// Send issues a call and returns its handle without waiting.
// A non-positive timeout uses the bridge's call timeout.
func (b *Bridge) Send(method string, params any, timeout time.Duration) (*rpc.Call, error) {
	if b.supervisor.State() != process.StateRunning {
		return nil, rpc.ErrNotRunning
	}
	return b.broker.Send(method, params, timeout)
}

// Call issues a call and waits for its outcome. Cancelling ctx abandons the call.
func (b *Bridge) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c, err := b.Send(method, params, timeout)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// SubscribeStderr returns a channel of the child's stderr output and a function to unsubscribe.
// Output is dropped for subscribers that fall behind.
func (b *Bridge) SubscribeStderr() (<-chan []byte, func()) {
	return b.stderr.subscribe()
}

func (b *Bridge) onSpawn(c process.Child) {
	go b.dispatchLoop(c.Stdout())
	go b.drainStderr(c.Stderr())
}

func (b *Bridge) onRunning(c process.Child) {
	b.broker.Attach(c.Stdin())
}

func (b *Bridge) onExit(c process.Child, unexpected bool) {
	if unexpected {
		b.log.Warnw("child exited, failing outstanding calls", "PID", c.PID(), "ExitCode", c.ExitCode(), "Outstanding", b.broker.Outstanding())
	}
	b.broker.Invalidate(rpc.ErrProcessTerminated)
}

// dispatchLoop is the single reader of the child's stdout.
func (b *Bridge) dispatchLoop(r io.Reader) {
	dec := rpc.Decoder{
		MaxLineSize: b.maxLineSize,
		OnMalformed: func(line []byte, err error) {
			b.log.Debugw("dropping non-protocol output", "Line", truncate(line, 200), "Error", err)
		},
	}
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		for _, m := range dec.Feed(buf[:n]) {
			b.broker.Dispatch(m)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				b.log.Debugf("stdout read error: %s", err)
			}
			return
		}
	}
}

func (b *Bridge) drainStderr(r io.Reader) {
	log := b.log.Named("child")
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			log.Debugf("stderr: %s", truncate(bytes.TrimRight(chunk, "\n"), 1024))
			b.stderr.publish(chunk)
		}
		if err != nil {
			return
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
