// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/core/wire"
	"github.com/ferrypost/ferrypost/core/wire/commands"
)

// localUser is the relay's mirror record for a directly attached client.
// The base node remains the source of truth for uniqueness; this map is
// the fast path for zero-hop delivery only.
type localUser struct {
	deviceID  string
	sessionID string
}

// Agent is the relay's local registry mirror and client session table.
type Agent struct {
	sync.RWMutex

	log *logging.Logger

	users    map[string]*localUser
	sessions map[string]*wire.Session
}

func newAgent(log *logging.Logger) *Agent {
	return &Agent{
		log:      log,
		users:    make(map[string]*localUser),
		sessions: make(map[string]*wire.Session),
	}
}

// AddSession tracks a live client session.
func (a *Agent) AddSession(s *wire.Session) {
	a.Lock()
	defer a.Unlock()
	a.sessions[s.ID()] = s
}

// RemoveSession drops a client session and returns the usernames that
// were attached to it.
func (a *Agent) RemoveSession(sessionID string) []string {
	a.Lock()
	defer a.Unlock()

	delete(a.sessions, sessionID)
	var orphaned []string
	for name, u := range a.users {
		if u.sessionID == sessionID {
			delete(a.users, name)
			orphaned = append(orphaned, name)
		}
	}
	return orphaned
}

// Sessions returns a snapshot of the live client sessions, for relaying
// broadcasts downstream.
func (a *Agent) Sessions() []*wire.Session {
	a.RLock()
	defer a.RUnlock()

	out := make([]*wire.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// RegisterLocal mirrors a username ahead of the upstream claim, so spool
// flushes racing down the uplink before the registration ack find the user
// deliverable.  The base node stays the single authority for uniqueness:
// the caller must undo a rejected claim via RestoreLocal with the returned
// previous mapping.
func (a *Agent) RegisterLocal(username, deviceID, sessionID string) *localUser {
	a.Lock()
	defer a.Unlock()
	prev := a.users[username]
	a.users[username] = &localUser{deviceID: deviceID, sessionID: sessionID}
	return prev
}

// RestoreLocal reinstates the mapping returned by RegisterLocal after the
// base node rejected the claim.
func (a *Agent) RestoreLocal(username string, prev *localUser) {
	a.Lock()
	defer a.Unlock()
	if prev == nil {
		delete(a.users, username)
		return
	}
	a.users[username] = prev
}

// RemoveLocal forgets a mirrored username.
func (a *Agent) RemoveLocal(username string) {
	a.Lock()
	defer a.Unlock()
	delete(a.users, username)
}

// UserCount reports the number of mirrored users, for heartbeat advisory
// counters.
func (a *Agent) UserCount() int {
	a.RLock()
	defer a.RUnlock()
	return len(a.users)
}

// DeliverLocal attempts zero-hop delivery to a directly attached client.
// It returns false when the username is not mirrored here or its session
// is gone.
func (a *Agent) DeliverLocal(ev *commands.DeliverMessageEvent) bool {
	a.RLock()
	u, ok := a.users[ev.To]
	var s *wire.Session
	if ok {
		s, ok = a.sessions[u.sessionID]
	}
	a.RUnlock()
	if !ok {
		return false
	}

	if err := s.Notify(commands.DeliverMessage, ev); err != nil {
		a.log.Debugf("Local delivery of %v to '%v' failed: %v", ev.ID, ev.To, err)
		return false
	}
	return true
}
