// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package registry implements the base node's authoritative mapping of
// usernames to relay assignment, device identity and online status.  It is
// pure state with key-scoped invariants and does no network I/O.
package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoSuchUser is the error returned when an operation targets a
	// username with no record.
	ErrNoSuchUser = errors.New("registry: no such user")

	// ErrConflict is the error returned when a registration is rejected
	// because the username is held online by a different device.
	ErrConflict = errors.New("registry: username held by another device")
)

// AttachmentKind discriminates how a user reaches the overlay.
type AttachmentKind uint8

const (
	// AttachDirect means the client is connected straight to the base node.
	AttachDirect AttachmentKind = iota

	// AttachViaRelay means the client is terminated by a relay.
	AttachViaRelay
)

// Attachment identifies where a user's connection terminates: either a
// transport session on the base node, or an owning relay.
type Attachment struct {
	Kind      AttachmentKind
	SessionID string
	RelayID   string
}

// Direct returns an Attachment for a client connected to the base node via
// the given transport session.
func Direct(sessionID string) Attachment {
	return Attachment{Kind: AttachDirect, SessionID: sessionID}
}

// ViaRelay returns an Attachment for a client owned by the given relay.
func ViaRelay(relayID string) Attachment {
	return Attachment{Kind: AttachViaRelay, RelayID: relayID}
}

// UserRecord is the authoritative state for a single username.
type UserRecord struct {
	Username     string
	DeviceID     string
	Online       bool
	SocketID     string
	Attachment   Attachment
	KnownDevices []string
	PublicKey    []byte
	LastSeen     time.Time
}

func (u *UserRecord) knowsDevice(deviceID string) bool {
	for _, d := range u.KnownDevices {
		if d == deviceID {
			return true
		}
	}
	return false
}

func copyRecord(u *UserRecord) *UserRecord {
	cp := *u
	cp.KnownDevices = append([]string(nil), u.KnownDevices...)
	cp.PublicKey = append([]byte(nil), u.PublicKey...)
	return &cp
}

// RegisterResult reports the outcome of a successful registration.
type RegisterResult struct {
	// IsNewDevice is true when the username existed before but was
	// claimed by a device it had never been associated with.  The caller
	// decides whether to surface a trust warning; the registry only
	// records the fact.
	IsNewDevice bool
}

// Registry is the username database.  All mutation is serialized behind a
// single lock, preserving the single-authority invariant.
type Registry struct {
	sync.RWMutex

	users map[string]*UserRecord
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		users: make(map[string]*UserRecord),
	}
}

// Register creates or reclaims the record for username, bound to deviceID
// and the given attachment.  Reconnection from the same device always
// succeeds and overwrites the relay/socket assignment, supporting relay
// migration.  A different device is rejected with ErrConflict while the
// record is online, and counts as a device change while it is offline.
func (r *Registry) Register(username, deviceID string, att Attachment, publicKey []byte) (*RegisterResult, error) {
	r.Lock()
	defer r.Unlock()

	res := new(RegisterResult)
	u, ok := r.users[username]
	if !ok {
		u = &UserRecord{
			Username:     username,
			DeviceID:     deviceID,
			KnownDevices: []string{deviceID},
		}
		r.users[username] = u
	} else {
		if u.Online && u.DeviceID != deviceID {
			return nil, ErrConflict
		}
		if !u.knowsDevice(deviceID) {
			res.IsNewDevice = true
			u.KnownDevices = append(u.KnownDevices, deviceID)
		}
		u.DeviceID = deviceID
	}

	u.Online = true
	u.Attachment = att
	u.SocketID = att.SessionID
	if len(publicKey) != 0 {
		u.PublicKey = append([]byte(nil), publicKey...)
	}
	return res, nil
}

// MarkOnline transitions username to online under the given transport
// session.  The transition is idempotent; unknown usernames are ignored.
func (r *Registry) MarkOnline(username, socketID string) {
	r.Lock()
	defer r.Unlock()

	u, ok := r.users[username]
	if !ok {
		return
	}
	u.Online = true
	u.SocketID = socketID
}

// MarkOffline transitions username to offline and stamps LastSeen.  The
// transition is idempotent; unknown usernames are ignored.
func (r *Registry) MarkOffline(username string) {
	r.Lock()
	defer r.Unlock()
	r.markOfflineLocked(username)
}

func (r *Registry) markOfflineLocked(username string) {
	u, ok := r.users[username]
	if !ok || !u.Online {
		return
	}
	u.Online = false
	u.SocketID = ""
	u.LastSeen = time.Now()
}

// Lookup returns a copy of the record for username, if any.
func (r *Registry) Lookup(username string) (*UserRecord, bool) {
	r.RLock()
	defer r.RUnlock()

	u, ok := r.users[username]
	if !ok {
		return nil, false
	}
	return copyRecord(u), true
}

// Release hard-deletes the record for username, returning true if it
// existed.  Used on explicit logout; the caller is responsible for
// broadcasting the usernameReleased event.
func (r *Registry) Release(username string) bool {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.users[username]; !ok {
		return false
	}
	delete(r.users, username)
	return true
}

// UsersOnRelay returns the usernames currently attached via the given
// relay.
func (r *Registry) UsersOnRelay(relayID string) []string {
	r.RLock()
	defer r.RUnlock()

	var out []string
	for name, u := range r.users {
		if u.Attachment.Kind == AttachViaRelay && u.Attachment.RelayID == relayID {
			out = append(out, name)
		}
	}
	return out
}

// MarkRelayOffline marks every online user owned by relayID as offline and
// returns the affected usernames, so the caller can broadcast the status
// changes.
func (r *Registry) MarkRelayOffline(relayID string) []string {
	r.Lock()
	defer r.Unlock()

	var affected []string
	for name, u := range r.users {
		if !u.Online || u.Attachment.Kind != AttachViaRelay || u.Attachment.RelayID != relayID {
			continue
		}
		r.markOfflineLocked(name)
		affected = append(affected, name)
	}
	return affected
}

// EvictIdle deletes records that have been offline since before the cutoff
// and returns the evicted usernames.  Online records are never touched.
func (r *Registry) EvictIdle(cutoff time.Time) []string {
	r.Lock()
	defer r.Unlock()

	var evicted []string
	for name, u := range r.users {
		if u.Online || u.LastSeen.IsZero() {
			continue
		}
		if u.LastSeen.Before(cutoff) {
			delete(r.users, name)
			evicted = append(evicted, name)
		}
	}
	return evicted
}

// OnlineCount returns the number of online records, for instrumentation.
func (r *Registry) OnlineCount() int {
	r.RLock()
	defer r.RUnlock()

	n := 0
	for _, u := range r.users {
		if u.Online {
			n++
		}
	}
	return n
}
