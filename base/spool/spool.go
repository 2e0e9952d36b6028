// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package spool defines the offline message queue abstract interface.  A
// spool holds, per recipient username, an append-ordered list of pending
// messages bounded by an absolute expiry instant and a bounce budget.
package spool

import (
	"errors"
	"time"
)

var (
	// ErrExpired is the error returned when a message is stored or
	// re-offered past its expiry instant.
	ErrExpired = errors.New("spool: message expired")

	// ErrBounceLimit is the error returned when a message has exhausted
	// its bounce budget and may not be re-queued.
	ErrBounceLimit = errors.New("spool: bounce limit exceeded")
)

// Message is a single spooled message.  Content and the
// EncryptedContent/IV pair are mutually exclusive, discriminated by
// Encrypted; both are opaque to the queue.
type Message struct {
	ID           string
	From         string
	To           string
	FromDeviceID string

	Content          string
	Encrypted        bool
	EncryptedContent string
	IV               string

	Timestamp   time.Time
	ExpiresAt   time.Time
	BounceCount int
	MaxBounces  int
}

// Deliverable returns true while the message remains eligible for a
// delivery attempt: before expiry and within its bounce budget.
func (m *Message) Deliverable(now time.Time) bool {
	return now.Before(m.ExpiresAt) && m.BounceCount <= m.MaxBounces
}

// Spool is the interface provided by all offline queue implementations.
type Spool interface {
	// StoreMessage appends a message to the recipient's queue.  Messages
	// already past their expiry or bounce budget as of now are rejected
	// with ErrExpired or ErrBounceLimit.
	StoreMessage(m *Message, now time.Time) error

	// Drain atomically returns and clears all non-expired messages for
	// username, in append order.  It is called exactly once at the moment
	// a username transitions to online, giving at most one delivery
	// attempt per drain.
	Drain(username string, now time.Time) ([]*Message, error)

	// ConfirmDelivered removes a single message from username's queue if
	// it is still present.  Absent messages are not an error; the
	// delivery raced a drain.
	ConfirmDelivered(username, messageID string) error

	// SweepExpired removes entries past their expiry and returns how many
	// were dropped.  Purely memory reclamation; expiry is also enforced
	// at delivery time.
	SweepExpired(now time.Time) (int, error)

	// Remove drops the entire queue for username.
	Remove(username string) error

	// Close closes the Spool instance.
	Close()
}
