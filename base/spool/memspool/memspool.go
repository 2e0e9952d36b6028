// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memspool implements the offline message queue entirely in
// memory.  It is the default backend; queued messages do not survive a
// base node restart.
package memspool

import (
	"sync"
	"time"

	"github.com/ferrypost/ferrypost/base/spool"
)

type memSpool struct {
	sync.Mutex

	queues map[string][]*spool.Message
}

// New creates an empty in-memory spool.
func New() spool.Spool {
	return &memSpool{
		queues: make(map[string][]*spool.Message),
	}
}

func (s *memSpool) StoreMessage(m *spool.Message, now time.Time) error {
	if !now.Before(m.ExpiresAt) {
		return spool.ErrExpired
	}
	if m.BounceCount > m.MaxBounces {
		return spool.ErrBounceLimit
	}

	cp := *m

	s.Lock()
	defer s.Unlock()
	s.queues[m.To] = append(s.queues[m.To], &cp)
	return nil
}

func (s *memSpool) Drain(username string, now time.Time) ([]*spool.Message, error) {
	s.Lock()
	defer s.Unlock()

	q, ok := s.queues[username]
	if !ok {
		return nil, nil
	}
	delete(s.queues, username)

	out := make([]*spool.Message, 0, len(q))
	for _, m := range q {
		if !m.Deliverable(now) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memSpool) ConfirmDelivered(username, messageID string) error {
	s.Lock()
	defer s.Unlock()

	q, ok := s.queues[username]
	if !ok {
		return nil
	}
	for i, m := range q {
		if m.ID != messageID {
			continue
		}
		s.queues[username] = append(q[:i], q[i+1:]...)
		if len(s.queues[username]) == 0 {
			delete(s.queues, username)
		}
		return nil
	}
	return nil
}

func (s *memSpool) SweepExpired(now time.Time) (int, error) {
	s.Lock()
	defer s.Unlock()

	dropped := 0
	for user, q := range s.queues {
		kept := q[:0]
		for _, m := range q {
			if m.Deliverable(now) {
				kept = append(kept, m)
			} else {
				dropped++
			}
		}
		if len(kept) == 0 {
			delete(s.queues, user)
		} else {
			s.queues[user] = kept
		}
	}
	return dropped, nil
}

func (s *memSpool) Remove(username string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.queues, username)
	return nil
}

func (s *memSpool) Close() {}
