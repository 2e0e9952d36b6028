// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package base

import (
	"sync"

	"github.com/ferrypost/ferrypost/base/internal/router"
	"github.com/ferrypost/ferrypost/core/wire"
)

// sessionTable owns the live transport handles, keyed by stable session
// identifier.  Registry and directory records refer to sessions only by
// identifier; the handle itself lives here.
type sessionTable struct {
	sync.RWMutex

	sessions map[string]*wire.Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*wire.Session),
	}
}

func (t *sessionTable) Add(s *wire.Session) {
	t.Lock()
	defer t.Unlock()
	t.sessions[s.ID()] = s
}

func (t *sessionTable) Remove(id string) {
	t.Lock()
	defer t.Unlock()
	delete(t.sessions, id)
}

// Lookup implements router.SessionTable.
func (t *sessionTable) Lookup(id string) (router.Sender, bool) {
	t.RLock()
	defer t.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	return s, true
}

// All returns a snapshot of the live sessions, for broadcasts.
func (t *sessionTable) All() []*wire.Session {
	t.RLock()
	defer t.RUnlock()

	out := make([]*wire.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
