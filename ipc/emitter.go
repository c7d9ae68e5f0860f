// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kestrelipc/kestrel/wire"
)

// Emitter sends events on one connection. It is safe for concurrent use;
// events reach the wire in the order their emit calls were accepted by
// the send queue.
type Emitter struct {
	conn *Connection
}

// EmitMetadata describes an emitted event and allows awaiting its reply.
type EmitMetadata struct {
	// ID is the event id assigned at enqueue.
	ID uint64

	conn *Connection
}

// Emit sends an initial event without a namespace.
func (e *Emitter) Emit(name string, p wire.Payload) (*EmitMetadata, error) {
	return e.send("", name, 0, p)
}

// EmitTo sends an initial event into a namespace.
func (e *Emitter) EmitTo(namespace, name string, p wire.Payload) (*EmitMetadata, error) {
	return e.send(namespace, name, 0, p)
}

// EmitResponse sends a response to the event with id ref.
func (e *Emitter) EmitResponse(ref uint64, name string, p wire.Payload) (*EmitMetadata, error) {
	return e.send("", name, ref, p)
}

// EmitResponseTo sends a response into a namespace.
func (e *Emitter) EmitResponseTo(ref uint64, namespace, name string, p wire.Payload) (*EmitMetadata, error) {
	return e.send(namespace, name, ref, p)
}

func (e *Emitter) send(namespace, name string, ref uint64, p wire.Payload) (*EmitMetadata, error) {
	var payload []byte
	if p != nil {
		var err error
		payload, err = p.MarshalPayload()
		if err != nil {
			return nil, &Error{Kind: KindSerialization, Err: err}
		}
	}

	ev := &wire.Event{
		ID:          atomic.AddUint64(&e.conn.nextID, 1),
		Type:        wire.EventInitial,
		ReferenceID: ref,
		Namespace:   namespace,
		Name:        name,
		Payload:     payload,
	}
	if ref != 0 {
		ev.Type = wire.EventResponse
	}

	if err := e.conn.enqueue(ev); err != nil {
		return nil, err
	}
	return &EmitMetadata{ID: ev.ID, conn: e.conn}, nil
}

// AwaitReply blocks until the peer responds to the emitted event, the
// connection's default reply deadline passes, or ctx is cancelled.
func (m *EmitMetadata) AwaitReply(ctx context.Context) (*wire.Event, error) {
	return m.AwaitReplyTimeout(ctx, m.conn.opts.replyTimeout)
}

// AwaitReplyTimeout is AwaitReply with an explicit deadline.
func (m *EmitMetadata) AwaitReplyTimeout(ctx context.Context, d time.Duration) (*wire.Event, error) {
	ch, err := m.conn.replies.register(m.ID, time.Now().Add(d))
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.ev, res.err
	case <-timer.C:
		m.conn.replies.cancel(m.ID)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.conn.replies.cancel(m.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, newError(KindClosed, "await cancelled: %v", ctx.Err())
	case <-m.conn.HaltCh():
		return nil, ErrShutdown
	}
}
