package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout applies to calls sent with a non-positive timeout.
const DefaultTimeout = 5 * time.Second

// Broker multiplexes independent calls onto one child stream and matches replies by id.
//
// The broker is detached until Attach is called with the child's stdin, and
// becomes detached again on Invalidate. Requests are written by one goroutine
// per attachment, in the order they were sent. Replies are delivered with
// Dispatch, which must be driven by a single reader of the child's stdout.
type Broker struct {
	log            *zap.SugaredLogger
	newID          func() ID
	onStray        func(Message)
	defaultTimeout time.Duration

	mu      sync.Mutex
	out     *frameWriter
	pending map[ID]*Call
}

type BrokerOption func(b *Broker)

func WithBrokerLogger(l *zap.SugaredLogger) BrokerOption {
	return func(b *Broker) {
		b.log = l
	}
}

// WithIDGenerator replaces the UUID generator. Generated ids must not repeat
// while a previous call with the same id is outstanding.
func WithIDGenerator(f func() ID) BrokerOption {
	return func(b *Broker) {
		b.newID = f
	}
}

// WithStrayHandler sets a callback for messages that matched no outstanding call.
func WithStrayHandler(f func(Message)) BrokerOption {
	return func(b *Broker) {
		b.onStray = f
	}
}

func WithDefaultTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.defaultTimeout = d
	}
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		log:            zap.NewNop().Sugar(),
		newID:          func() ID { return ID(uuid.NewString()) },
		defaultTimeout: DefaultTimeout,
		pending:        map[ID]*Call{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Attach makes the broker ready to send on w.
func (b *Broker) Attach(w io.Writer) {
	out := newFrameWriter(w)
	b.mu.Lock()
	prev := b.out
	b.out = out
	b.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
	go b.writeLoop(out)
}

// Attached reports whether Send currently has somewhere to write.
func (b *Broker) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out != nil
}

// Invalidate detaches the writer and completes every outstanding call with err.
// Queued frames that were not yet written are dropped.
func (b *Broker) Invalidate(err error) {
	b.mu.Lock()
	out := b.out
	b.out = nil
	calls := b.pending
	b.pending = map[ID]*Call{}
	b.mu.Unlock()

	if out != nil {
		out.stop()
	}
	if len(calls) > 0 {
		b.log.Debugw("invalidating outstanding calls", "Count", len(calls), "Error", err)
	}
	for _, c := range calls {
		c.stopTimer()
		c.complete(nil, err)
	}
}

// Outstanding returns the number of calls waiting for a reply.
func (b *Broker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Send registers a call, queues it for the child, and returns its handle without
// waiting for the write. It fails with ErrNotRunning when the broker is detached.
// A failed write resolves the call with ErrProcessTerminated.
func (b *Broker) Send(method string, params any, timeout time.Duration) (*Call, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	id := b.newID()
	line, err := Encode(method, id, params)
	if err != nil {
		return nil, err
	}

	c := &Call{
		id:       id,
		method:   method,
		deadline: time.Now().Add(timeout),
		broker:   b,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.out == nil {
		return nil, ErrNotRunning
	}
	if _, exists := b.pending[id]; exists {
		return nil, fmt.Errorf("duplicate request id %q", id)
	}
	b.pending[id] = c
	c.timer = time.AfterFunc(timeout, func() { b.resolve(id, nil, ErrTimeout) })
	b.out.enqueue(frame{id: id, method: method, line: line})
	return c, nil
}

// writeLoop drains out until it is stopped. It is the only writer of out.w.
func (b *Broker) writeLoop(out *frameWriter) {
	for {
		f, ok := out.next()
		if !ok {
			return
		}
		if !b.isPending(f.id) {
			// resolved before it reached the child
			continue
		}
		if _, err := out.w.Write(f.line); err != nil {
			b.log.Debugw("error writing request", "ID", f.id, "Method", f.method, "Error", err)
			b.resolve(f.id, nil, fmt.Errorf("%w: writing request: %s", ErrProcessTerminated, err))
			continue
		}
		b.log.Debugw("sent request", "ID", f.id, "Method", f.method)
	}
}

// Call is a shorthand for Send followed by Wait.
func (b *Broker) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c, err := b.Send(method, params, timeout)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// Dispatch routes a decoded message to its outstanding call.
// Messages that match nothing are discarded.
func (b *Broker) Dispatch(m Message) {
	if !m.IsResponse() {
		b.stray(m)
		return
	}
	var ok bool
	if m.Error != nil {
		ok = b.resolve(m.ID, nil, newRemoteError(m.Error))
	} else {
		ok = b.resolve(m.ID, m.Result, nil)
	}
	if !ok {
		b.stray(m)
	}
}

func (b *Broker) stray(m Message) {
	b.log.Debugw("discarding unmatched message", "ID", m.ID, "Method", m.Method)
	if b.onStray != nil {
		b.onStray(m)
	}
}

func (b *Broker) isPending(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	return ok
}

func (b *Broker) remove(id ID) *Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return c
}

// resolve completes the call with the given outcome if it is still outstanding.
// Removing the registry entry is what makes a resolver the single winner.
func (b *Broker) resolve(id ID, result json.RawMessage, err error) bool {
	c := b.remove(id)
	if c == nil {
		return false
	}
	c.stopTimer()
	c.complete(result, err)
	return true
}

// Call is the handle of one outstanding request.
type Call struct {
	id       ID
	method   string
	deadline time.Time
	broker   *Broker
	timer    *time.Timer

	done   chan struct{}
	result json.RawMessage
	err    error
}

func (c *Call) ID() ID                { return c.id }
func (c *Call) Method() string        { return c.method }
func (c *Call) Deadline() time.Time   { return c.deadline }
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome once Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.result, c.err
}

// Wait blocks until the call resolves. If ctx ends first, the call is cancelled.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.broker.resolve(c.id, nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		<-c.done
	}
	return c.result, c.err
}

// Cancel abandons the call. It is a no-op if the call already resolved.
func (c *Call) Cancel() {
	c.broker.resolve(c.id, nil, ErrCancelled)
}

func (c *Call) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Call) complete(result json.RawMessage, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

type frame struct {
	id     ID
	method string
	line   []byte
}

// frameWriter is an unbounded FIFO of frames bound to one child's stdin.
type frameWriter struct {
	w io.Writer

	m       sync.Mutex
	queue   []frame
	stopped bool
	wake    chan struct{}
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w, wake: make(chan struct{}, 1)}
}

func (f *frameWriter) enqueue(fr frame) {
	f.m.Lock()
	f.queue = append(f.queue, fr)
	f.m.Unlock()
	f.signal()
}

func (f *frameWriter) stop() {
	f.m.Lock()
	f.stopped = true
	f.queue = nil
	f.m.Unlock()
	f.signal()
}

func (f *frameWriter) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// next blocks until a frame is queued or the writer is stopped.
func (f *frameWriter) next() (frame, bool) {
	for {
		f.m.Lock()
		if f.stopped {
			f.m.Unlock()
			return frame{}, false
		}
		if len(f.queue) > 0 {
			fr := f.queue[0]
			f.queue[0] = frame{}
			f.queue = f.queue[1:]
			f.m.Unlock()
			return fr, true
		}
		f.m.Unlock()
		<-f.wake
	}
}
