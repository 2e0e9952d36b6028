// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package liveness implements the periodic sweep that demotes stale relays
// to offline, cascades that into marking their users offline, reclaims
// long-idle registry entries, and expires spooled messages.
package liveness

import (
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/base/directory"
	"github.com/ferrypost/ferrypost/base/internal/instrument"
	"github.com/ferrypost/ferrypost/base/registry"
	"github.com/ferrypost/ferrypost/base/spool"
	"github.com/ferrypost/ferrypost/core/worker"
)

// Broadcaster pushes status transitions to every connected session so
// clients can re-evaluate their relay assignment without polling.
type Broadcaster interface {
	BroadcastUserStatus(username string, online bool)
	BroadcastRelayStatus(relayID string, status directory.Status)
}

// Config holds the monitor's timing knobs.  The relay heartbeat timeout,
// the user-facing acknowledgement timeout and the spool expiry are
// different timers with different purposes; none of them share a value.
type Config struct {
	// SweepInterval is how often the relay/user sweep runs.
	SweepInterval time.Duration

	// HeartbeatTimeout is how stale a relay's heartbeat may get before
	// the relay is demoted to offline.
	HeartbeatTimeout time.Duration

	// RelayGracePeriod is how long an offline relay is remembered before
	// deletion.
	RelayGracePeriod time.Duration

	// UserIdleEviction is how long an offline user record is kept before
	// deletion.
	UserIdleEviction time.Duration

	// SpoolSweepInterval is how often expired spool entries are
	// reclaimed.
	SpoolSweepInterval time.Duration
}

// Monitor is the liveness sweep worker.
type Monitor struct {
	worker.Worker

	cfg       *Config
	registry  *registry.Registry
	dir       *directory.Directory
	spool     spool.Spool
	broadcast Broadcaster
	clock     clock.Clock
	log       *logging.Logger
}

// New constructs and starts a Monitor.
func New(cfg *Config, reg *registry.Registry, dir *directory.Directory, sp spool.Spool, b Broadcaster, clk clock.Clock, log *logging.Logger) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		registry:  reg,
		dir:       dir,
		spool:     sp,
		broadcast: b,
		clock:     clk,
		log:       log,
	}
	m.Go(m.sweepWorker)
	m.Go(m.spoolWorker)
	return m
}

func (m *Monitor) sweepWorker() {
	defer m.log.Debugf("Halting liveness sweep worker.")

	t := m.clock.Ticker(m.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-m.HaltCh():
			return
		case <-t.C:
		}
		m.Sweep()
	}
}

func (m *Monitor) spoolWorker() {
	defer m.log.Debugf("Halting spool expiry worker.")

	t := m.clock.Ticker(m.cfg.SpoolSweepInterval)
	defer t.Stop()

	for {
		select {
		case <-m.HaltCh():
			return
		case <-t.C:
		}
		n, err := m.spool.SweepExpired(m.clock.Now())
		if err != nil {
			m.log.Errorf("Spool expiry sweep failed: %v", err)
			continue
		}
		if n > 0 {
			m.log.Debugf("Reclaimed %v expired spool entries.", n)
			instrument.SpoolSwept(n)
		}
	}
}

// Sweep runs one iteration of the relay/user sweep.  Exported so tests can
// drive the state machine without waiting for ticker fires.
func (m *Monitor) Sweep() {
	now := m.clock.Now()

	// Relays whose heartbeats went stale go offline, and every user they
	// owned goes offline with them.  The users are not resurrected when
	// the relay returns; they must re-register.
	demoted := m.dir.SweepStale(now.Add(-m.cfg.HeartbeatTimeout))
	for _, relay := range demoted {
		m.log.Noticef("Relay %v went offline (heartbeat timeout).", relay.ID)
		m.broadcast.BroadcastRelayStatus(relay.ID, directory.StatusOffline)

		for _, username := range m.registry.MarkRelayOffline(relay.ID) {
			m.log.Debugf("User '%v' marked offline (relay %v down).", username, relay.ID)
			m.broadcast.BroadcastUserStatus(username, false)
		}
	}

	// Offline relays that never came back within the grace period are
	// forgotten entirely.
	for _, id := range m.dir.SweepDead(now.Add(-(m.cfg.HeartbeatTimeout + m.cfg.RelayGracePeriod))) {
		m.log.Noticef("Relay %v deleted (grace period elapsed).", id)
	}

	// Long-idle offline users are evicted.
	for _, username := range m.registry.EvictIdle(now.Add(-m.cfg.UserIdleEviction)) {
		m.log.Debugf("User '%v' evicted (idle).", username)
	}

	instrument.RelaysOnline(m.dir.OnlineCount())
	instrument.UsersOnline(m.registry.OnlineCount())
}
