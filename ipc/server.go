// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/kestrelipc/kestrel/core/log"
	"github.com/kestrelipc/kestrel/core/worker"
	"github.com/kestrelipc/kestrel/transport"
)

// Server accepts connections and runs one dispatcher per peer. All
// connections share the immutable handler registry; each gets a fresh
// context whose store is seeded from the builder's inserts.
type Server struct {
	worker.Worker

	log      *logging.Logger
	backend  *log.Backend
	listener transport.Listener
	registry *Registry
	opts     connOptions
	seed     map[interface{}]interface{}

	connLock sync.Mutex
	conns    map[*Connection]struct{}
	connSeq  int
	closed   bool
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptWorker() {
	for {
		stream, addr, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Handshake failures on secure listeners land here; the
			// listener itself is still good.
			s.log.Warningf("accept: %v", err)
			continue
		}
		s.onNewConn(stream, addr)
	}
}

func (s *Server) onNewConn(stream transport.Stream, addr net.Addr) {
	s.connLock.Lock()
	if s.closed {
		s.connLock.Unlock()
		stream.Close()
		return
	}
	s.connSeq++
	name := fmt.Sprintf("conn:%d", s.connSeq)
	conn := newConnection(s.backend, name, s.registry, s.opts, s.seed)
	if s.conns == nil {
		s.conns = make(map[*Connection]struct{})
	}
	s.conns[conn] = struct{}{}
	s.connLock.Unlock()

	s.log.Debugf("new connection %s from %v", name, addr)
	conn.start(stream)

	s.Go(func() {
		<-conn.Done()
		s.connLock.Lock()
		delete(s.conns, conn)
		s.connLock.Unlock()
	})
}

// Shutdown stops accepting, closes every live connection, and blocks
// until all of them have fully torn down.
func (s *Server) Shutdown() {
	s.connLock.Lock()
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connLock.Unlock()

	s.listener.Close()
	for _, c := range conns {
		c.Close()
		<-c.Done()
	}
	s.Halt()
}
