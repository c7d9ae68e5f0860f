// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/kestrelipc/kestrel/core/log"
	"github.com/kestrelipc/kestrel/core/worker"
	"github.com/kestrelipc/kestrel/transport"
	"github.com/kestrelipc/kestrel/wire"
)

// errorEventName is the conventional name of error response events.
const errorEventName = "error"

// State is the dispatcher lifecycle state of a Connection.
type State uint32

const (
	// StateStarting means the transport is not connected yet.
	StateStarting State = iota
	// StateHandshaking means the encrypted overlay is negotiating keys.
	StateHandshaking
	// StateRunning means events flow.
	StateRunning
	// StateClosing means teardown has begun.
	StateClosing
	// StateClosed means both loops have exited and all replies drained.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateHandshaking:
		return "Handshaking"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// connOptions is the builder's per connection configuration snapshot.
type connOptions struct {
	maxPayload        int64
	sendQueueDepth    int
	maxPendingReplies int
	replyTimeout      time.Duration
}

type sendCtx struct {
	ev     *wire.Event
	doneCh chan error
}

// Connection is one dispatcher: a read loop routing inbound frames to
// reply waiters or handlers, and a single writer draining the send queue.
type Connection struct {
	worker.Worker

	log      *logging.Logger
	opts     connOptions
	registry *Registry
	replies  *replyTable
	ctx      *Context

	r transport.ReadHalf
	w transport.WriteHalf

	sendCh chan *sendCtx
	nextID uint64

	state     uint32
	closeOnce sync.Once
	closedCh  chan struct{}

	errLock sync.Mutex
	err     error
}

func newConnection(backend *log.Backend, name string, reg *Registry, opts connOptions, seed map[interface{}]interface{}) *Connection {
	c := &Connection{
		log:      backend.GetLogger(name),
		opts:     opts,
		registry: reg,
		sendCh:   make(chan *sendCtx, opts.sendQueueDepth),
		closedCh: make(chan struct{}),
	}
	c.replies = newReplyTable(backend.GetLogger(name+"/replies"), opts.maxPendingReplies)
	c.ctx = newContext(c, seed)
	return c
}

// Context returns the shared per connection context.
func (c *Connection) Context() *Context { return c.ctx }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(atomic.LoadUint32(&c.state))
}

func (c *Connection) setState(s State) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// Err returns the error that tore the connection down, nil while running
// or after a clean shutdown.
func (c *Connection) Err() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	if errors.Is(c.err, ErrShutdown) {
		return nil
	}
	return c.err
}

func (c *Connection) storeErr(err error) {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// start binds the connection to a connected (and, for secure transports,
// handshaked) stream and spawns the read and write loops.
func (c *Connection) start(stream transport.Stream) {
	c.r, c.w = stream.Split()
	c.setState(StateRunning)
	c.Go(c.readWorker)
	c.Go(c.writeWorker)
}

// Close initiates a graceful shutdown and returns immediately; Done is
// closed when teardown completes.
func (c *Connection) Close() {
	c.shutdown(ErrShutdown)
}

// Done is closed once teardown completes.
func (c *Connection) Done() <-chan struct{} {
	return c.closedCh
}

// shutdown drives Running -> Closing -> Closed exactly once. Both stream
// halves are closed to unblock the loops; every pending reply resolves
// with a closed failure; handlers observe the halt signal.
func (c *Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.storeErr(err)
		if errors.Is(err, ErrShutdown) {
			c.log.Debugf("shutting down")
		} else {
			c.log.Warningf("closing connection: %v", err)
		}
		if c.w != nil {
			c.w.Close()
		}
		if c.r != nil {
			c.r.Close()
		}
		go func() {
			c.Halt()
			c.replies.drainAll(ErrShutdown)
			c.replies.Halt()
			c.setState(StateClosed)
			close(c.closedCh)
		}()
	})
}

func (c *Connection) readWorker() {
	for {
		ev, err := wire.ReadEvent(c.r, c.opts.maxPayload)
		if err != nil {
			select {
			case <-c.HaltCh():
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				c.log.Debugf("peer closed the connection")
				c.shutdown(ErrShutdown)
			} else {
				c.shutdown(classify(err))
			}
			return
		}
		eventsReceived.Inc()
		c.dispatch(ev)
	}
}

func (c *Connection) dispatch(ev *wire.Event) {
	if ev.IsResponse() {
		if c.replies.resolve(ev.ReferenceID, ev) {
			return
		}
		// Nobody awaits this id; the sender may have chosen not to.
		// Route it through handler lookup by name instead of dropping it.
		c.log.Debugf("unawaited response to id %d (%s), routing by name", ev.ReferenceID, ev.Name)
	}

	h := c.registry.lookup(ev.Namespace, ev.Name)
	if h == nil {
		if isErrorResponse(ev) {
			c.log.Warningf("dropping unhandled error response to id %d", ev.ReferenceID)
			return
		}
		c.log.Debugf("no handler for event %q (namespace %q)", ev.Name, ev.Namespace)
		c.emitErrorResponse(ev, KindUnknownEvent.String(), ev.Name)
		return
	}

	c.Go(func() {
		c.runHandler(h, ev)
	})
}

func (c *Connection) runHandler(h Handler, ev *wire.Event) {
	err := h(c.ctx, ev)
	if err == nil {
		return
	}
	handlerFailures.Inc()
	if isErrorResponse(ev) {
		// Responding to an error with an error would loop.
		c.log.Errorf("error handler failed: %v (dropped)", err)
		return
	}
	code := KindHandlerFailure.String()
	if IsKind(err, KindSerialization) {
		code = KindSerialization.String()
	}
	c.emitErrorResponse(ev, code, err.Error())
}

func isErrorResponse(ev *wire.Event) bool {
	return ev.IsResponse() && ev.Name == errorEventName
}

func (c *Connection) emitErrorResponse(ev *wire.Event, code, message string) {
	body := wire.Serialize(ErrorBody{Code: code, Message: message})
	if _, err := c.ctx.Emitter.EmitResponse(ev.ID, errorEventName, body); err != nil {
		c.log.Warningf("failed to emit error response to id %d: %v", ev.ID, err)
	}
}

func (c *Connection) writeWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case sctx := <-c.sendCh:
			err := wire.WriteEvent(c.w, sctx.ev)
			if err == nil {
				err = c.w.Flush()
			}
			if err == nil {
				eventsEmitted.Inc()
			}
			sctx.doneCh <- err
			if err != nil {
				select {
				case <-c.HaltCh():
				default:
					c.shutdown(classify(err))
				}
				return
			}
		}
	}
}

// enqueue places an encoded event on the bounded send queue and waits for
// the writer to put it on the wire. The queue applies backpressure.
func (c *Connection) enqueue(ev *wire.Event) error {
	if s := c.State(); s != StateRunning {
		return ErrShutdown
	}

	sctx := &sendCtx{ev: ev, doneCh: make(chan error, 1)}
	select {
	case c.sendCh <- sctx:
	case <-c.HaltCh():
		return ErrShutdown
	}

	select {
	case err := <-sctx.doneCh:
		if err != nil {
			return classify(err)
		}
		return nil
	case <-c.HaltCh():
		return ErrShutdown
	}
}
