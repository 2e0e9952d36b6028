// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the base node's Prometheus metrics.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferrypost_messages_delivered_total",
		Help: "Number of messages handed to a live session or relay uplink",
	})
	messagesQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferrypost_messages_queued_total",
		Help: "Number of messages stored in the offline queue",
	})
	messagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferrypost_messages_dropped_total",
		Help: "Number of messages dropped due to TTL or bounce budget",
	})
	messagesBounced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferrypost_messages_bounced_total",
		Help: "Number of bounce re-queues after failed delivery",
	})
	routeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ferrypost_route_failures_total",
		Help: "Number of routing failures by reason",
	}, []string{"reason"})
	relaysOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ferrypost_relays_online",
		Help: "Number of relays currently online in the directory",
	})
	usersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ferrypost_users_online",
		Help: "Number of usernames currently online in the registry",
	})
	spoolSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferrypost_spool_expired_total",
		Help: "Number of spooled messages reclaimed by the expiry sweep",
	})
)

func init() {
	prometheus.MustRegister(messagesDelivered)
	prometheus.MustRegister(messagesQueued)
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(messagesBounced)
	prometheus.MustRegister(routeFailures)
	prometheus.MustRegister(relaysOnline)
	prometheus.MustRegister(usersOnline)
	prometheus.MustRegister(spoolSwept)
}

// MessageDelivered increments the delivered message counter.
func MessageDelivered() { messagesDelivered.Inc() }

// MessageQueued increments the offline queue counter.
func MessageQueued() { messagesQueued.Inc() }

// MessageDropped increments the dropped message counter.
func MessageDropped() { messagesDropped.Inc() }

// MessageBounced increments the bounce counter.
func MessageBounced() { messagesBounced.Inc() }

// RouteFailure increments the failure counter for the given reason.
func RouteFailure(reason string) { routeFailures.WithLabelValues(reason).Inc() }

// RelaysOnline records the current number of online relays.
func RelaysOnline(n int) { relaysOnline.Set(float64(n)) }

// UsersOnline records the current number of online users.
func UsersOnline(n int) { usersOnline.Set(float64(n)) }

// SpoolSwept adds to the expiry sweep counter.
func SpoolSwept(n int) { spoolSwept.Add(float64(n)) }
