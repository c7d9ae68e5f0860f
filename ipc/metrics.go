// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "emitted_events_total",
		Help:      "Number of events placed on the wire.",
	})
	eventsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "received_events_total",
		Help:      "Number of events decoded from the wire.",
	})
	handlerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "handler_failures_total",
		Help:      "Number of handler invocations that returned an error.",
	})
	repliesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "expired_replies_total",
		Help:      "Number of reply waiters that hit their deadline.",
	})
)

func init() {
	prometheus.MustRegister(eventsEmitted)
	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(handlerFailures)
	prometheus.MustRegister(repliesExpired)
}
