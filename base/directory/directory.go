// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory tracks every relay known to the base node: liveness as
// observed through heartbeats, advertised capabilities, and the uplink
// session used to reach it.
package directory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a relay's lifecycle state.
type Status string

const (
	// StatusOnline marks a relay with a live uplink and fresh heartbeats.
	StatusOnline Status = "online"

	// StatusOffline marks a relay whose heartbeats stopped or whose
	// uplink disconnected.  Offline relays are kept for a grace period in
	// case they return.
	StatusOffline Status = "offline"
)

// Capabilities describes what a relay offers.
type Capabilities struct {
	OfflineRelay bool
	Encryption   bool
}

// RelayRecord is the directory's view of a single relay.
type RelayRecord struct {
	ID            string
	IP            string
	Port          int
	SessionID     string
	Status        Status
	Capabilities  Capabilities
	LastHeartbeat time.Time

	// ConnectedUsers and PendingMessageCount are advisory counters
	// reported by the relay, not authoritative state.
	ConnectedUsers      int
	PendingMessageCount int
}

// Directory is the relay database.
type Directory struct {
	sync.RWMutex

	relays map[string]*RelayRecord
}

// New constructs an empty Directory.
func New() *Directory {
	return &Directory{
		relays: make(map[string]*RelayRecord),
	}
}

// Register adds or resurrects a relay.  The relay identifier is the
// deterministic "ip:port" when the address is known, otherwise a generated
// identifier tied to the uplink session so relays behind NAT can still
// participate with advisory address fields.
func (d *Directory) Register(ip string, port int, sessionID string, caps Capabilities, now time.Time) *RelayRecord {
	id := fmt.Sprintf("%v:%v", ip, port)
	if ip == "" {
		id = "relay-" + uuid.NewString()
	}

	d.Lock()
	defer d.Unlock()

	rec, ok := d.relays[id]
	if !ok {
		rec = &RelayRecord{ID: id}
		d.relays[id] = rec
	}
	rec.IP = ip
	rec.Port = port
	rec.SessionID = sessionID
	rec.Status = StatusOnline
	rec.Capabilities = caps
	rec.LastHeartbeat = now
	return copyRecord(rec)
}

// Heartbeat refreshes a relay's liveness and advisory counters.  Unknown
// relay identifiers are tolerated by creating the record on the fly, which
// covers the late registration race; created is true in that case.
// revived is true when the heartbeat brought an offline record back
// online, so the caller can broadcast the status transition.
func (d *Directory) Heartbeat(relayID, sessionID string, connectedUsers, pendingMessages int, now time.Time) (rec *RelayRecord, created, revived bool) {
	d.Lock()
	defer d.Unlock()

	r, ok := d.relays[relayID]
	if !ok {
		r = &RelayRecord{ID: relayID}
		d.relays[relayID] = r
		created = true
	}
	revived = !created && r.Status == StatusOffline
	r.Status = StatusOnline
	if sessionID != "" {
		r.SessionID = sessionID
	}
	r.ConnectedUsers = connectedUsers
	r.PendingMessageCount = pendingMessages
	r.LastHeartbeat = now
	return copyRecord(r), created, revived
}

// Lookup returns a copy of the record for relayID, if any.
func (d *Directory) Lookup(relayID string) (*RelayRecord, bool) {
	d.RLock()
	defer d.RUnlock()

	r, ok := d.relays[relayID]
	if !ok {
		return nil, false
	}
	return copyRecord(r), true
}

// ListAvailable returns the relays currently usable for assignment,
// filtered to StatusOnline.
func (d *Directory) ListAvailable() []*RelayRecord {
	d.RLock()
	defer d.RUnlock()

	var out []*RelayRecord
	for _, r := range d.relays {
		if r.Status == StatusOnline {
			out = append(out, copyRecord(r))
		}
	}
	return out
}

// MarkOffline transitions relayID to offline, returning true iff the
// relay existed and was online (ie. a status transition the caller should
// broadcast).
func (d *Directory) MarkOffline(relayID string) bool {
	d.Lock()
	defer d.Unlock()

	r, ok := d.relays[relayID]
	if !ok || r.Status == StatusOffline {
		return false
	}
	r.Status = StatusOffline
	r.SessionID = ""
	return true
}

// SweepStale demotes online relays whose last heartbeat predates the
// cutoff and returns the demoted records.
func (d *Directory) SweepStale(cutoff time.Time) []*RelayRecord {
	d.Lock()
	defer d.Unlock()

	var demoted []*RelayRecord
	for _, r := range d.relays {
		if r.Status != StatusOnline || !r.LastHeartbeat.Before(cutoff) {
			continue
		}
		r.Status = StatusOffline
		r.SessionID = ""
		demoted = append(demoted, copyRecord(r))
	}
	return demoted
}

// SweepDead deletes offline relays whose last heartbeat predates the
// cutoff, ie. those that never returned within the grace period.
func (d *Directory) SweepDead(cutoff time.Time) []string {
	d.Lock()
	defer d.Unlock()

	var deleted []string
	for id, r := range d.relays {
		if r.Status != StatusOffline || !r.LastHeartbeat.Before(cutoff) {
			continue
		}
		delete(d.relays, id)
		deleted = append(deleted, id)
	}
	return deleted
}

// OnlineCount returns the number of online relays, for instrumentation.
func (d *Directory) OnlineCount() int {
	d.RLock()
	defer d.RUnlock()

	n := 0
	for _, r := range d.relays {
		if r.Status == StatusOnline {
			n++
		}
	}
	return n
}

func copyRecord(r *RelayRecord) *RelayRecord {
	cp := *r
	return &cp
}
