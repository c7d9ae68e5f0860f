// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import "sync"

// Context is the per connection state shared by every handler: the event
// emitter, a typed key/value store, and the cancellation signal. Handlers
// receive a shared reference; the context lives exactly as long as its
// connection.
type Context struct {
	// Emitter sends events on this connection.
	Emitter *Emitter

	conn *Connection

	dataLock sync.RWMutex
	data     map[interface{}]interface{}
}

func newContext(conn *Connection, seed map[interface{}]interface{}) *Context {
	data := make(map[interface{}]interface{}, len(seed))
	for k, v := range seed {
		data[k] = v
	}
	ctx := &Context{
		conn: conn,
		data: data,
	}
	ctx.Emitter = &Emitter{conn: conn}
	return ctx
}

// Get returns the value stored under key.
func (c *Context) Get(key interface{}) (interface{}, bool) {
	c.dataLock.RLock()
	defer c.dataLock.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Set stores value under key.
func (c *Context) Set(key, value interface{}) {
	c.dataLock.Lock()
	defer c.dataLock.Unlock()
	c.data[key] = value
}

// HaltCh is the cancellation token: it is closed when the connection
// enters teardown. Handlers select on it at blocking points.
func (c *Context) HaltCh() <-chan struct{} {
	return c.conn.HaltCh()
}

// Close shuts the connection down gracefully.
func (c *Context) Close() {
	c.conn.Close()
}

// Done is closed once the connection has fully torn down: read and write
// loops joined, handlers returned, pending replies drained.
func (c *Context) Done() <-chan struct{} {
	return c.conn.Done()
}

// Connection exposes the underlying dispatcher connection.
func (c *Context) Connection() *Connection {
	return c.conn
}
