// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ipc wires the kestrel event dispatcher: handler registration,
// client and server construction, the reply correlator, and the per
// connection context handed to handlers.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelipc/kestrel/core/log"
	"github.com/kestrelipc/kestrel/secure"
	"github.com/kestrelipc/kestrel/transport"
	"github.com/kestrelipc/kestrel/wire"
)

// TransportKind selects how a builder connects or listens.
type TransportKind int

const (
	// TCP is plain TCP, address "host:port".
	TCP TransportKind = iota
	// Unix is a Unix domain socket, address is a filesystem path.
	Unix
	// SecureTCP is TCP with the authenticated encryption overlay.
	SecureTCP
	// SecureUnix is a Unix socket with the encryption overlay.
	SecureUnix
)

func (k TransportKind) secured() bool {
	return k == SecureTCP || k == SecureUnix
}

// Builder assembles the handler registry, connection limits, and
// transport selection for a client or server. All registration happens
// here; the registry is immutable once a dispatcher runs.
type Builder struct {
	addr       string
	kind       TransportKind
	psk        []byte
	logBackend *log.Backend

	registry *Registry
	data     map[interface{}]interface{}
	opts     connOptions
}

// NewBuilder returns a Builder with default limits: 64 MiB payload cap,
// 10,000 pending replies, a send queue depth of 64, and a 30 second
// default reply deadline.
func NewBuilder() *Builder {
	return &Builder{
		registry: newRegistry(),
		data:     make(map[interface{}]interface{}),
		opts: connOptions{
			maxPayload:        wire.DefaultMaxPayloadSize,
			sendQueueDepth:    64,
			maxPendingReplies: 10000,
			replyTimeout:      30 * time.Second,
		},
	}
}

// Address sets the peer or bind address. For TCP kinds this is
// "host:port"; for Unix kinds a socket path.
func (b *Builder) Address(addr string) *Builder {
	b.addr = addr
	return b
}

// Transport selects the transport kind.
func (b *Builder) Transport(kind TransportKind) *Builder {
	b.kind = kind
	return b
}

// Secret sets pre-shared key material for the secure transports.
func (b *Builder) Secret(psk []byte) *Builder {
	b.psk = append([]byte{}, psk...)
	return b
}

// Timeout sets the default AwaitReply deadline.
func (b *Builder) Timeout(d time.Duration) *Builder {
	b.opts.replyTimeout = d
	return b
}

// MaxPayload caps inbound frame payloads.
func (b *Builder) MaxPayload(n int64) *Builder {
	b.opts.maxPayload = n
	return b
}

// Logging attaches a log backend; without one, logging is disabled.
func (b *Builder) Logging(backend *log.Backend) *Builder {
	b.logBackend = backend
	return b
}

// On registers a global handler for the event name.
func (b *Builder) On(name string, h Handler) *Builder {
	b.registry.on(name, h)
	return b
}

// Namespace opens a namespace scope for handler registration.
func (b *Builder) Namespace(name string) *NamespaceBuilder {
	return &NamespaceBuilder{parent: b, name: name}
}

// Insert seeds the context key/value store. Server builders seed every
// accepted connection's store with these entries.
func (b *Builder) Insert(key, value interface{}) *Builder {
	b.data[key] = value
	return b
}

// NamespaceBuilder registers handlers within one namespace.
type NamespaceBuilder struct {
	parent *Builder
	name   string
}

// On registers a handler for (namespace, name).
func (n *NamespaceBuilder) On(name string, h Handler) *NamespaceBuilder {
	n.parent.registry.onNamespace(n.name, name, h)
	return n
}

// Done returns to the parent builder.
func (n *NamespaceBuilder) Done() *Builder {
	return n.parent
}

func (b *Builder) backend() (*log.Backend, error) {
	if b.logBackend != nil {
		return b.logBackend, nil
	}
	return log.New("", "ERROR", true)
}

// BuildClient connects to the configured address and returns the
// connection's Context once the dispatcher is running.
func (b *Builder) BuildClient(ctx context.Context) (*Context, error) {
	if b.addr == "" {
		return nil, errors.New("ipc: no address configured")
	}
	backend, err := b.backend()
	if err != nil {
		return nil, err
	}

	conn := newConnection(backend, "client", b.registry, b.opts, b.data)

	var stream transport.Stream
	switch b.kind {
	case TCP, SecureTCP:
		stream, err = transport.DialTCP(ctx, b.addr)
	case Unix, SecureUnix:
		stream, err = transport.DialUnix(ctx, b.addr)
	default:
		err = fmt.Errorf("ipc: unknown transport kind %d", b.kind)
	}
	if err != nil {
		conn.replies.Halt()
		return nil, classify(err)
	}

	if b.kind.secured() {
		conn.setState(StateHandshaking)
		wrapped, werr := secure.Wrap(stream, &secure.Config{PSK: b.psk, Role: secure.RoleInitiator})
		if werr != nil {
			stream.Close()
			conn.replies.Halt()
			return nil, classify(werr)
		}
		stream = wrapped
	}

	conn.start(stream)
	return conn.Context(), nil
}

// BuildServer binds a listener on the configured address and starts
// accepting connections; every accepted stream gets its own dispatcher
// sharing the registry.
func (b *Builder) BuildServer() (*Server, error) {
	if b.addr == "" {
		return nil, errors.New("ipc: no address configured")
	}
	backend, err := b.backend()
	if err != nil {
		return nil, err
	}

	var listener transport.Listener
	switch b.kind {
	case TCP, SecureTCP:
		listener, err = transport.ListenTCP(b.addr)
	case Unix, SecureUnix:
		listener, err = transport.ListenUnix(b.addr)
	default:
		err = fmt.Errorf("ipc: unknown transport kind %d", b.kind)
	}
	if err != nil {
		return nil, classify(err)
	}
	if b.kind.secured() {
		listener = secure.NewListener(listener, &secure.Config{PSK: b.psk})
	}

	srv := &Server{
		log:      backend.GetLogger("server"),
		backend:  backend,
		listener: listener,
		registry: b.registry,
		opts:     b.opts,
		seed:     b.data,
	}
	srv.Go(srv.acceptWorker)
	return srv, nil
}
