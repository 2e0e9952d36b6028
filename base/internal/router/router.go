// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router implements the base node's message routing decision:
// deliver to a directly attached client, forward to the owning relay's
// uplink, or queue offline when the caller opted into bouncing.
package router

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/base/directory"
	"github.com/ferrypost/ferrypost/base/internal/instrument"
	"github.com/ferrypost/ferrypost/base/registry"
	"github.com/ferrypost/ferrypost/base/spool"
	"github.com/ferrypost/ferrypost/core/wire/commands"
)

var (
	// ErrNotFound is the error returned when the destination username has
	// no record.  Recoverable by the caller via bounce-and-queue.
	ErrNotFound = errors.New("router: no such user")

	// ErrOffline is the error returned when the destination exists but is
	// not currently connected.  Same recovery path as ErrNotFound.
	ErrOffline = errors.New("router: user offline")

	// ErrRelayUnavailable is the error returned when the destination's
	// owning relay or session is stale or disconnected.  Transient;
	// surfaced to the caller and never auto-retried.
	ErrRelayUnavailable = errors.New("router: relay unavailable")

	// ErrExpired is the error returned when the message is past its
	// expiry instant, at which point it is permanently dropped.
	ErrExpired = errors.New("router: message expired")

	// ErrBounceLimit is the error returned when a bounce attempt exceeds
	// the message's bounce budget, at which point the message is
	// permanently dropped.
	ErrBounceLimit = errors.New("router: bounce limit exceeded")
)

// Sender is a live transport session capable of fire-and-forget delivery.
type Sender interface {
	ID() string
	Notify(event string, payload interface{}) error
}

// SessionTable resolves stable session identifiers to live sessions.
// Separating the lookup from the registry keeps records plain data; the
// live handle lives in an explicitly owned transient table.
type SessionTable interface {
	Lookup(sessionID string) (Sender, bool)
}

// Options modifies a single Route call.
type Options struct {
	// Bounce opts the sender into having the message queued (or
	// re-queued) when direct delivery is impossible.
	Bounce bool
}

// Result is the outcome of a successful Route call.
type Result struct {
	// Delivered is true when the message was handed to a live session.
	Delivered bool

	// Bounced is true when the message was stored in the offline queue.
	Bounced bool

	// ExpiresAt is the queue expiry instant, set when Bounced.
	ExpiresAt time.Time
}

// Config holds the routing knobs the Router consumes.
type Config struct {
	// HeartbeatTimeout bounds how stale a relay's heartbeat may be while
	// the relay still counts as reachable.
	HeartbeatTimeout time.Duration
}

// Router decides message fates.  It owns no state of its own; every
// decision consults the registry and directory, and failed deliveries land
// in the spool when the sender opted into bouncing.
type Router struct {
	cfg      *Config
	registry *registry.Registry
	dir      *directory.Directory
	spool    spool.Spool
	sessions SessionTable
	clock    clock.Clock
	log      *logging.Logger
}

// New constructs a Router.
func New(cfg *Config, reg *registry.Registry, dir *directory.Directory, sp spool.Spool, sessions SessionTable, clk clock.Clock, log *logging.Logger) *Router {
	return &Router{
		cfg:      cfg,
		registry: reg,
		dir:      dir,
		spool:    sp,
		sessions: sessions,
		clock:    clk,
		log:      log,
	}
}

// Route attempts delivery of msg, consulting the registry for the
// destination and the directory for relay reachability.  No retries happen
// here; retry is the caller's responsibility via the bounce mechanism,
// which is bounded by the message's expiry and bounce budget.
func (r *Router) Route(msg *spool.Message, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	now := r.clock.Now()

	if !now.Before(msg.ExpiresAt) {
		instrument.MessageDropped()
		return nil, ErrExpired
	}
	if msg.BounceCount > msg.MaxBounces {
		instrument.MessageDropped()
		return nil, ErrBounceLimit
	}

	rec, ok := r.registry.Lookup(msg.To)
	if !ok {
		return r.fail(msg, opts, ErrNotFound)
	}
	if !rec.Online {
		return r.fail(msg, opts, ErrOffline)
	}

	switch rec.Attachment.Kind {
	case registry.AttachDirect:
		return r.deliverDirect(msg, rec, opts)
	case registry.AttachViaRelay:
		return r.forwardToRelay(msg, rec, opts, now)
	default:
		return r.fail(msg, opts, ErrNotFound)
	}
}

// deliverDirect hands the message to the client's own transport session on
// the base node.
func (r *Router) deliverDirect(msg *spool.Message, rec *registry.UserRecord, opts *Options) (*Result, error) {
	s, ok := r.sessions.Lookup(rec.SocketID)
	if !ok {
		// The session died without triggering disconnect cleanup yet.
		// Treated as a transient failure.
		r.log.Debugf("Stale session %v for user '%v'", rec.SocketID, msg.To)
		return r.fail(msg, opts, ErrRelayUnavailable)
	}

	if err := s.Notify(commands.DeliverMessage, deliverEvent(msg)); err != nil {
		r.log.Debugf("Failed to deliver %v to session %v: %v", msg.ID, s.ID(), err)
		return r.fail(msg, opts, ErrRelayUnavailable)
	}
	instrument.MessageDelivered()
	return &Result{Delivered: true}, nil
}

// forwardToRelay hands the message to the owning relay's uplink session.
// The relay performs final local delivery and reports back via
// confirmMessageDelivery.
func (r *Router) forwardToRelay(msg *spool.Message, rec *registry.UserRecord, opts *Options, now time.Time) (*Result, error) {
	relay, ok := r.dir.Lookup(rec.Attachment.RelayID)
	if !ok || relay.Status != directory.StatusOnline {
		return r.fail(msg, opts, ErrRelayUnavailable)
	}
	if now.Sub(relay.LastHeartbeat) >= r.cfg.HeartbeatTimeout {
		r.log.Debugf("Relay %v heartbeat is stale, not forwarding %v", relay.ID, msg.ID)
		return r.fail(msg, opts, ErrRelayUnavailable)
	}

	s, ok := r.sessions.Lookup(relay.SessionID)
	if !ok {
		return r.fail(msg, opts, ErrRelayUnavailable)
	}
	if err := s.Notify(commands.DeliverMessage, deliverEvent(msg)); err != nil {
		r.log.Debugf("Failed to forward %v to relay %v: %v", msg.ID, relay.ID, err)
		return r.fail(msg, opts, ErrRelayUnavailable)
	}
	instrument.MessageDelivered()
	return &Result{Delivered: true}, nil
}

// fail resolves a delivery failure: queue the message when the sender
// opted into bouncing (charging the bounce budget for transient relay
// failures), otherwise surface the typed error.
func (r *Router) fail(msg *spool.Message, opts *Options, cause error) (*Result, error) {
	if !opts.Bounce {
		instrument.RouteFailure(reasonOf(cause))
		return nil, cause
	}

	if errors.Is(cause, ErrRelayUnavailable) {
		// The message was re-offered for routing rather than queued on
		// first failure, so this delivery attempt consumed a bounce.
		msg.BounceCount++
		instrument.MessageBounced()
	}

	if err := r.spool.StoreMessage(msg, r.clock.Now()); err != nil {
		instrument.MessageDropped()
		if errors.Is(err, spool.ErrExpired) {
			return nil, ErrExpired
		}
		if errors.Is(err, spool.ErrBounceLimit) {
			return nil, ErrBounceLimit
		}
		return nil, err
	}
	instrument.MessageQueued()
	return &Result{Bounced: true, ExpiresAt: msg.ExpiresAt}, nil
}

func deliverEvent(msg *spool.Message) *commands.DeliverMessageEvent {
	expires := msg.ExpiresAt
	return &commands.DeliverMessageEvent{
		ID:               msg.ID,
		From:             msg.From,
		To:               msg.To,
		Message:          msg.Content,
		FromDeviceID:     msg.FromDeviceID,
		Encrypted:        msg.Encrypted,
		EncryptedContent: msg.EncryptedContent,
		IV:               msg.IV,
		Timestamp:        msg.Timestamp,
		ExpiresAt:        &expires,
		BounceCount:      msg.BounceCount,
	}
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return commands.ReasonNotFound
	case errors.Is(err, ErrOffline):
		return commands.ReasonOffline
	case errors.Is(err, ErrRelayUnavailable):
		return commands.ReasonRelayUnavailable
	case errors.Is(err, ErrExpired):
		return commands.ReasonExpired
	case errors.Is(err, ErrBounceLimit):
		return commands.ReasonBounceLimit
	default:
		return commands.ReasonTransportFailure
	}
}

// Reason maps a routing error to its wire-level acknowledgement reason.
func Reason(err error) string {
	return reasonOf(err)
}
