// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseStream(t *testing.T, listener Listener, dial func(context.Context) (Stream, error)) {
	accepted := make(chan Stream, 1)
	go func() {
		s, _, err := listener.Accept()
		require.NoError(t, err)
		accepted <- s
	}()

	client, err := dial(context.Background())
	require.NoError(t, err)
	server := <-accepted

	cr, cw := client.Split()
	sr, sw := server.Split()

	_, err = cw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, cw.Flush())

	buf := make([]byte, 5)
	_, err = io.ReadFull(sr, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = sw.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(cr, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	// Write side close delivers EOF to the peer reader.
	require.NoError(t, cw.Close())
	_, err = sr.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	server.Close()
	client.Close()
}

func TestTCPStream(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	exerciseStream(t, l, func(ctx context.Context) (Stream, error) {
		return DialTCP(ctx, l.Addr().String())
	})
}

func TestUnixStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.sock")
	l, err := ListenUnix(path)
	require.NoError(t, err)
	defer l.Close()

	exerciseStream(t, l, func(ctx context.Context) (Stream, error) {
		return DialUnix(ctx, path)
	})
}

func TestDialRefused(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = DialTCP(context.Background(), addr)
	require.Error(t, err)
}
