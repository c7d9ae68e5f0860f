// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import "github.com/kestrelipc/kestrel/wire"

// Handler is invoked by the dispatcher for a matching event. Handlers run
// concurrently with the read loop and with each other; a non-nil error is
// reported to the peer as an `error` response event.
type Handler func(ctx *Context, ev *wire.Event) error

// Registry is the two level name to handler table: global handlers keyed
// by event name and per namespace handlers keyed by (namespace, name).
// It is assembled by the builder and immutable once a dispatcher runs.
type Registry struct {
	global     map[string]Handler
	namespaces map[string]map[string]Handler
}

func newRegistry() *Registry {
	return &Registry{
		global:     make(map[string]Handler),
		namespaces: make(map[string]map[string]Handler),
	}
}

func (r *Registry) on(name string, h Handler) {
	r.global[name] = h
}

func (r *Registry) onNamespace(namespace, name string, h Handler) {
	ns, ok := r.namespaces[namespace]
	if !ok {
		ns = make(map[string]Handler)
		r.namespaces[namespace] = ns
	}
	ns[name] = h
}

// lookup returns the handler for the event, or nil. An event with a
// namespace consults only that namespace's table; without one, only the
// global table.
func (r *Registry) lookup(namespace, name string) Handler {
	if namespace != "" {
		return r.namespaces[namespace][name]
	}
	return r.global[name]
}
