// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelipc/kestrel/wire"
)

func testServer(t *testing.T, configure func(*Builder)) *Server {
	b := NewBuilder().Address("127.0.0.1:0").Transport(TCP)
	configure(b)
	srv, err := b.BuildServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func testClient(t *testing.T, addr string, configure func(*Builder)) *Context {
	b := NewBuilder().Address(addr).Transport(TCP)
	if configure != nil {
		configure(b)
	}
	ctx, err := b.BuildClient(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx.Close()
		<-ctx.Done()
	})
	return ctx
}

func TestPingPong(t *testing.T) {
	srv := testServer(t, func(b *Builder) {
		b.On("ping", func(ctx *Context, ev *wire.Event) error {
			_, err := ctx.Emitter.EmitResponse(ev.ID, "pong", nil)
			return err
		})
	})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.Emit("ping", nil)
	require.NoError(t, err)

	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pong", reply.Name)
	require.True(t, reply.IsResponse())
	require.Equal(t, meta.ID, reply.ReferenceID)
}

func TestNamespacedDispatch(t *testing.T) {
	var globalCalled int32
	srv := testServer(t, func(b *Builder) {
		b.On("ping", func(ctx *Context, ev *wire.Event) error {
			atomic.AddInt32(&globalCalled, 1)
			_, err := ctx.Emitter.EmitResponse(ev.ID, "pong", nil)
			return err
		})
		b.Namespace("my_ns").On("ping", func(ctx *Context, ev *wire.Event) error {
			_, err := ctx.Emitter.EmitResponse(ev.ID, "ns-pong", nil)
			return err
		})
	})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.EmitTo("my_ns", "ping", nil)
	require.NoError(t, err)
	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ns-pong", reply.Name)
	require.Equal(t, int32(0), atomic.LoadInt32(&globalCalled))
}

func TestUnknownEvent(t *testing.T) {
	srv := testServer(t, func(b *Builder) {})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.Emit("nope", nil)
	require.NoError(t, err)
	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "error", reply.Name)

	var body ErrorBody
	require.NoError(t, reply.Data(&body))
	require.Equal(t, "UnknownEvent", body.Code)
	require.Equal(t, "nope", body.Message)
}

func TestHandlerFailureResponse(t *testing.T) {
	srv := testServer(t, func(b *Builder) {
		b.On("explode", func(ctx *Context, ev *wire.Event) error {
			return newError(KindHandlerFailure, "kaboom")
		})
	})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.Emit("explode", nil)
	require.NoError(t, err)
	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "error", reply.Name)

	var body ErrorBody
	require.NoError(t, reply.Data(&body))
	require.Equal(t, "HandlerFailure", body.Code)
}

func TestAwaitReplyTimeout(t *testing.T) {
	srv := testServer(t, func(b *Builder) {
		b.On("never_answered", func(ctx *Context, ev *wire.Event) error {
			select {
			case <-time.After(time.Second):
			case <-ctx.HaltCh():
			}
			return nil
		})
	})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.Emit("never_answered", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = meta.AwaitReplyTimeout(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, IsKind(err, KindTimeout))
	require.Less(t, elapsed, 150*time.Millisecond)
}

func TestTandemEcho(t *testing.T) {
	srv := testServer(t, func(b *Builder) {
		b.On("tandem", func(ctx *Context, ev *wire.Event) error {
			first, second, err := wire.SplitTandem(ev.Payload)
			if err != nil {
				return err
			}
			_, err = ctx.Emitter.EmitResponse(ev.ID, "tandem", wire.Tandem{
				First:  wire.Bytes(second),
				Second: wire.Bytes(first),
			})
			return err
		})
	})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.Emit("tandem", wire.Tandem{
		First:  wire.Bytes("hello"),
		Second: wire.Bytes("world"),
	})
	require.NoError(t, err)

	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)
	first, second, err := wire.SplitTandem(reply.Payload)
	require.NoError(t, err)
	require.Equal(t, "world", string(first))
	require.Equal(t, "hello", string(second))
}

func TestSerializedPayloadAcrossFormats(t *testing.T) {
	type greeting struct {
		Who string `cbor:"who" codec:"who"`
	}
	srv := testServer(t, func(b *Builder) {
		b.On("greet", func(ctx *Context, ev *wire.Event) error {
			var g greeting
			if err := ev.Data(&g); err != nil {
				return &Error{Kind: KindSerialization, Err: err}
			}
			_, err := ctx.Emitter.EmitResponse(ev.ID, "greeted", wire.Serialized{
				Format: wire.FormatMsgpack,
				Value:  greeting{Who: "hello " + g.Who},
			})
			return err
		})
	})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.Emit("greet", wire.Serialize(greeting{Who: "kestrel"}))
	require.NoError(t, err)
	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)

	var g greeting
	require.NoError(t, reply.Data(&g))
	require.Equal(t, "hello kestrel", g.Who)
}

func TestContextData(t *testing.T) {
	type counterKey struct{}
	srv := testServer(t, func(b *Builder) {
		b.Insert(counterKey{}, int64(41))
		b.On("bump", func(ctx *Context, ev *wire.Event) error {
			v, ok := ctx.Get(counterKey{})
			if !ok {
				return newError(KindHandlerFailure, "no counter")
			}
			ctx.Set(counterKey{}, v.(int64)+1)
			v, _ = ctx.Get(counterKey{})
			_, err := ctx.Emitter.EmitResponse(ev.ID, "bumped", wire.Serialize(v))
			return err
		})
	})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.Emit("bump", nil)
	require.NoError(t, err)
	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)

	var got int64
	require.NoError(t, reply.Data(&got))
	require.Equal(t, int64(42), got)
}

func TestUnixTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.sock")
	b := NewBuilder().Address(path).Transport(Unix).
		On("ping", func(ctx *Context, ev *wire.Event) error {
			_, err := ctx.Emitter.EmitResponse(ev.ID, "pong", nil)
			return err
		})
	srv, err := b.BuildServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client := testClient(t, path, func(b *Builder) { b.Transport(Unix) })
	meta, err := client.Emitter.Emit("ping", nil)
	require.NoError(t, err)
	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pong", reply.Name)
}

func TestSecureTransportEndToEnd(t *testing.T) {
	psk := []byte("shared ipc secret")
	srv := testServer(t, func(b *Builder) {
		b.Transport(SecureTCP).Secret(psk)
		b.On("ping", func(ctx *Context, ev *wire.Event) error {
			_, err := ctx.Emitter.EmitResponse(ev.ID, "pong", nil)
			return err
		})
	})
	client := testClient(t, srv.Addr().String(), func(b *Builder) {
		b.Transport(SecureTCP).Secret(psk)
	})

	meta, err := client.Emitter.Emit("ping", nil)
	require.NoError(t, err)
	reply, err := meta.AwaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pong", reply.Name)
}

func TestSecureTransportWrongSecret(t *testing.T) {
	srv := testServer(t, func(b *Builder) {
		b.Transport(SecureTCP).Secret([]byte("right"))
	})

	b := NewBuilder().Address(srv.Addr().String()).Transport(SecureTCP).Secret([]byte("wrong"))
	_, err := b.BuildClient(context.Background())
	require.Error(t, err)
	require.True(t, IsKind(err, KindCrypto) || IsKind(err, KindIo))
}

func TestShutdownDrainsPendingReplies(t *testing.T) {
	srv := testServer(t, func(b *Builder) {
		b.On("stall", func(ctx *Context, ev *wire.Event) error {
			<-ctx.HaltCh()
			return nil
		})
	})
	client := testClient(t, srv.Addr().String(), nil)

	meta, err := client.Emitter.Emit("stall", nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := meta.AwaitReplyTimeout(context.Background(), 10*time.Second)
		errCh <- err
	}()

	// Give the await a moment to register, then tear the server down.
	time.Sleep(50 * time.Millisecond)
	srv.Shutdown()

	select {
	case err := <-errCh:
		require.True(t, IsKind(err, KindClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("pending reply did not resolve on shutdown")
	}
}

func TestConnectionStates(t *testing.T) {
	srv := testServer(t, func(b *Builder) {})
	client := testClient(t, srv.Addr().String(), nil)

	conn := client.Connection()
	require.Equal(t, StateRunning, conn.State())

	conn.Close()
	<-conn.Done()
	require.Equal(t, StateClosed, conn.State())
	require.NoError(t, conn.Err())
}

func TestEmitOnClosedConnection(t *testing.T) {
	srv := testServer(t, func(b *Builder) {})
	client := testClient(t, srv.Addr().String(), nil)

	client.Close()
	<-client.Done()

	_, err := client.Emitter.Emit("ping", nil)
	require.True(t, IsKind(err, KindClosed))
}

func TestEventIDsUniqueAndOrdered(t *testing.T) {
	ca, cb := net.Pipe()
	conn := newTestConn(t, &pipeStream{conn: ca}, newRegistry())

	const count = 20
	go func() {
		for i := 0; i < count; i++ {
			conn.Context().Emitter.Emit("seq", nil)
		}
	}()

	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < count; i++ {
		ev, err := wire.ReadEvent(cb, 0)
		require.NoError(t, err)
		require.False(t, seen[ev.ID], "event id %d reused", ev.ID)
		seen[ev.ID] = true
		require.Greater(t, ev.ID, last, "wire order does not follow emit order")
		last = ev.ID
	}
}
