// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package secure

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"

	"github.com/kestrelipc/kestrel/transport"
)

// pipeStream adapts one end of a net.Pipe to the Stream capability.
type pipeStream struct {
	conn net.Conn
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *pipeStream) Close() error                { return p.conn.Close() }

func (p *pipeStream) Split() (transport.ReadHalf, transport.WriteHalf) {
	return &pipeHalf{conn: p.conn}, &pipeHalf{conn: p.conn}
}

type pipeHalf struct {
	conn net.Conn
}

func (h *pipeHalf) Read(b []byte) (int, error)  { return h.conn.Read(b) }
func (h *pipeHalf) Write(b []byte) (int, error) { return h.conn.Write(b) }
func (h *pipeHalf) Flush() error                { return nil }
func (h *pipeHalf) Close() error                { return h.conn.Close() }

// corruptStream flips one ciphertext byte of the nth write.
type corruptStream struct {
	*pipeStream
	n     int
	count int
}

func (c *corruptStream) Write(b []byte) (int, error) {
	c.count++
	if c.count == c.n {
		mangled := append([]byte{}, b...)
		mangled[len(mangled)-1] ^= 0x01
		return c.pipeStream.Write(mangled)
	}
	return c.pipeStream.Write(b)
}

func (c *corruptStream) Split() (transport.ReadHalf, transport.WriteHalf) {
	return &pipeHalf{conn: c.conn}, &corruptHalf{c: c}
}

type corruptHalf struct {
	c *corruptStream
}

func (h *corruptHalf) Write(b []byte) (int, error) { return h.c.Write(b) }
func (h *corruptHalf) Flush() error                { return nil }
func (h *corruptHalf) Close() error                { return h.c.conn.Close() }

// securePair performs a handshake over an in-memory pipe and returns the
// two encrypted streams.
func securePair(t *testing.T, initiator, responder transport.Stream, icfg, rcfg *Config) (transport.Stream, transport.Stream) {
	type result struct {
		s   transport.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := Wrap(initiator, icfg)
		ch <- result{s: s, err: err}
	}()
	rs, rerr := Wrap(responder, rcfg)
	ires := <-ch
	require.NoError(t, ires.err)
	require.NoError(t, rerr)
	return ires.s, rs
}

func newPipePair() (*pipeStream, *pipeStream) {
	ca, cb := net.Pipe()
	return &pipeStream{conn: ca}, &pipeStream{conn: cb}
}

func TestSecureRoundTrip(t *testing.T) {
	pa, pb := newPipePair()
	psk := []byte("sekrit")
	a, b := securePair(t, pa, pb,
		&Config{PSK: psk, Role: RoleInitiator},
		&Config{PSK: psk, Role: RoleResponder})

	_, aw := a.Split()
	go func() {
		aw.Write([]byte("hello encrypted world"))
		aw.Flush()
	}()

	buf := make([]byte, len("hello encrypted world"))
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, "hello encrypted world", string(buf))
}

func TestSecurePartialDelivery(t *testing.T) {
	pa, pb := newPipePair()
	a, b := securePair(t, pa, pb,
		&Config{Role: RoleInitiator},
		&Config{Role: RoleResponder})

	go func() {
		a.Write([]byte("abcdef"))
		_, aw := a.Split()
		aw.Flush()
	}()

	// One package, delivered over several short reads from the residue.
	var got []byte
	one := make([]byte, 1)
	for len(got) < 6 {
		n, err := b.Read(one)
		require.NoError(t, err)
		got = append(got, one[:n]...)
	}
	require.Equal(t, "abcdef", string(got))
}

func TestSecureMultiPackage(t *testing.T) {
	pa, pb := newPipePair()
	a, b := securePair(t, pa, pb,
		&Config{Role: RoleInitiator},
		&Config{Role: RoleResponder})

	// Spans several full packages plus a short trailing one.
	payload := frand.Bytes(3*WriteBufSize + 100)
	go func() {
		a.Write(payload)
		_, aw := a.Split()
		aw.Flush()
	}()

	got := make([]byte, len(payload))
	_, err := io.ReadFull(b, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSecureWrongPSK(t *testing.T) {
	pa, pb := newPipePair()

	errCh := make(chan error, 1)
	go func() {
		_, err := Wrap(pa, &Config{PSK: []byte("right"), Role: RoleInitiator})
		if err != nil {
			pa.Close()
		}
		errCh <- err
	}()
	_, err := Wrap(pb, &Config{PSK: []byte("wrong"), Role: RoleResponder})
	require.Error(t, err)
	pb.Close()
	require.Error(t, <-errCh)
}

func TestSecureTamperClosesWithAuthError(t *testing.T) {
	pa, pb := newPipePair()
	// Writes on the initiator: 1 hello, 2 key confirmation, 3 first data
	// package. Corrupt the data package.
	ca := &corruptStream{pipeStream: pa, n: 3}
	a, b := securePair(t, ca, pb,
		&Config{Role: RoleInitiator},
		&Config{Role: RoleResponder})

	go func() {
		a.Write([]byte("tampered"))
		_, aw := a.Split()
		aw.Flush()
	}()

	buf := make([]byte, 8)
	_, err := b.Read(buf)
	require.ErrorIs(t, err, ErrAuth)

	// The failure is latched.
	_, err = b.Read(buf)
	require.ErrorIs(t, err, ErrAuth)
}

func TestSecureSplitHalvesIndependent(t *testing.T) {
	pa, pb := newPipePair()
	a, b := securePair(t, pa, pb,
		&Config{Role: RoleInitiator},
		&Config{Role: RoleResponder})

	ar, aw := a.Split()
	br, bw := b.Split()

	go func() {
		aw.Write([]byte("ping"))
		aw.Flush()
	}()
	buf := make([]byte, 4)
	_, err := io.ReadFull(br, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	go func() {
		bw.Write([]byte("pong"))
		bw.Flush()
	}()
	_, err = io.ReadFull(ar, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))
}
