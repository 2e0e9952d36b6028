// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package memspool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferrypost/ferrypost/base/spool"
)

func testMessage(id, to string, now, expiresAt time.Time) *spool.Message {
	return &spool.Message{
		ID:         id,
		From:       "sender",
		To:         to,
		Content:    "hello",
		Timestamp:  now,
		ExpiresAt:  expiresAt,
		MaxBounces: 10,
	}
}

func TestDrainOrderAndClear(t *testing.T) {
	require := require.New(t)
	s := New()
	defer s.Close()
	now := time.Now()
	expires := now.Add(time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(s.StoreMessage(testMessage(fmt.Sprintf("m-%d", i), "alice", now, expires), now))
	}

	msgs, err := s.Drain("alice", now)
	require.NoError(err)
	require.Len(msgs, 5)
	for i, m := range msgs {
		require.Equal(fmt.Sprintf("m-%d", i), m.ID)
	}

	// The drain cleared the queue.
	msgs, err = s.Drain("alice", now)
	require.NoError(err)
	require.Empty(msgs)
}

func TestStoreRejectsExpired(t *testing.T) {
	require := require.New(t)
	s := New()
	defer s.Close()
	now := time.Now()

	err := s.StoreMessage(testMessage("m-1", "alice", now, now.Add(-time.Second)), now)
	require.Equal(spool.ErrExpired, err)

	m := testMessage("m-2", "alice", now, now.Add(time.Hour))
	m.BounceCount = 11
	require.Equal(spool.ErrBounceLimit, s.StoreMessage(m, now))
}

func TestStoreUsesCallerClock(t *testing.T) {
	require := require.New(t)
	s := New()
	defer s.Close()

	// Expiry is judged against the instant the caller supplies, not the
	// wall clock.  A message whose deadline is an hour in the past is
	// accepted when stored "at" an instant before that deadline.
	past := time.Now().Add(-2 * time.Hour)
	m := testMessage("m-1", "alice", past, past.Add(time.Minute))
	require.NoError(s.StoreMessage(m, past))

	require.Equal(spool.ErrExpired, s.StoreMessage(m, past.Add(time.Minute)))
}

func TestDrainSkipsExpired(t *testing.T) {
	require := require.New(t)
	s := New()
	defer s.Close()
	now := time.Now()

	require.NoError(s.StoreMessage(testMessage("m-1", "alice", now, now.Add(time.Millisecond)), now))
	require.NoError(s.StoreMessage(testMessage("m-2", "alice", now, now.Add(time.Hour)), now))

	msgs, err := s.Drain("alice", now.Add(time.Second))
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal("m-2", msgs[0].ID)
}

func TestConfirmDelivered(t *testing.T) {
	require := require.New(t)
	s := New()
	defer s.Close()
	now := time.Now()
	expires := now.Add(time.Hour)

	require.NoError(s.StoreMessage(testMessage("m-1", "alice", now, expires), now))
	require.NoError(s.StoreMessage(testMessage("m-2", "alice", now, expires), now))

	require.NoError(s.ConfirmDelivered("alice", "m-1"))
	// Confirming a message that already raced a drain is not an error.
	require.NoError(s.ConfirmDelivered("alice", "m-1"))
	require.NoError(s.ConfirmDelivered("bob", "m-9"))

	msgs, err := s.Drain("alice", now)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal("m-2", msgs[0].ID)
}

func TestSweepExpired(t *testing.T) {
	require := require.New(t)
	s := New()
	defer s.Close()
	now := time.Now()

	require.NoError(s.StoreMessage(testMessage("m-1", "alice", now, now.Add(time.Millisecond)), now))
	require.NoError(s.StoreMessage(testMessage("m-2", "alice", now, now.Add(time.Hour)), now))
	require.NoError(s.StoreMessage(testMessage("m-3", "bob", now, now.Add(time.Millisecond)), now))

	n, err := s.SweepExpired(now.Add(time.Second))
	require.NoError(err)
	require.Equal(2, n)

	msgs, err := s.Drain("alice", now)
	require.NoError(err)
	require.Len(msgs, 1)
}

func TestRemove(t *testing.T) {
	require := require.New(t)
	s := New()
	defer s.Close()
	now := time.Now()

	require.NoError(s.StoreMessage(testMessage("m-1", "alice", now, now.Add(time.Hour)), now))
	require.NoError(s.Remove("alice"))

	msgs, err := s.Drain("alice", now)
	require.NoError(err)
	require.Empty(msgs)
}
