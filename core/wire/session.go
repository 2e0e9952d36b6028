// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the message-typed session abstraction used
// between clients, relays and the base node: persistent bidirectional
// WebSocket connections carrying JSON envelopes with an event name, an
// opaque payload, and optional request/acknowledgement correlation.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/core/worker"
)

const (
	// DefaultAckTimeout bounds how long a Request waits for the peer's
	// acknowledgement before reporting a transport failure.
	DefaultAckTimeout = 10 * time.Second

	writeQueueDepth = 64
	writeDeadline   = 30 * time.Second
)

var (
	// ErrAckTimeout is the error returned when a request's acknowledgement
	// did not arrive within the timeout.  Callers must treat it exactly
	// like an explicit failure response.
	ErrAckTimeout = errors.New("wire: acknowledgement timeout")

	// ErrSessionHalted is the error returned when the session terminated
	// before the operation completed.
	ErrSessionHalted = errors.New("wire: session halted")
)

// Envelope is the on-the-wire frame.  Seq is non-zero when the sender
// expects an acknowledgement; Ack carries the Seq being acknowledged.
type Envelope struct {
	Event   string          `json:"event"`
	Seq     uint64          `json:"seq,omitempty"`
	Ack     uint64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler processes an inbound event.  A non-nil return value is sent back
// as the acknowledgement payload; handlers for fire-and-forget events
// return nil.
type Handler func(s *Session, payload []byte) interface{}

// Session is a single live peer connection.
type Session struct {
	worker.Worker

	id   string
	conn *websocket.Conn
	log  *logging.Logger

	handlers map[string]Handler

	writeCh chan *Envelope

	pendingLock sync.Mutex
	pending     map[uint64]chan *Envelope

	onClose func(*Session)

	nextSeq    uint64
	ackTimeout time.Duration
	closeOnce  sync.Once
}

// SessionConfig bundles the parameters for NewSession.
type SessionConfig struct {
	// Conn is the established WebSocket connection the session owns.
	Conn *websocket.Conn

	// Log is the logger the session writes to.
	Log *logging.Logger

	// AckTimeout overrides DefaultAckTimeout when non-zero.
	AckTimeout time.Duration

	// OnClose, if set, is invoked exactly once after the session's read
	// loop terminates for any reason.
	OnClose func(*Session)
}

// NewSession wraps an established connection.  Handlers must be registered
// via Handle before calling Start.
func NewSession(cfg *SessionConfig) *Session {
	s := &Session{
		id:         uuid.NewString(),
		conn:       cfg.Conn,
		log:        cfg.Log,
		handlers:   make(map[string]Handler),
		writeCh:    make(chan *Envelope, writeQueueDepth),
		pending:    make(map[uint64]chan *Envelope),
		onClose:    cfg.OnClose,
		ackTimeout: cfg.AckTimeout,
	}
	if s.ackTimeout == 0 {
		s.ackTimeout = DefaultAckTimeout
	}
	return s
}

// ID returns the stable session identifier.
func (s *Session) ID() string {
	return s.id
}

// Handle registers fn for the named event.  Not safe to call after Start.
func (s *Session) Handle(event string, fn Handler) {
	s.handlers[event] = fn
}

// Start launches the session's read and write loops.
func (s *Session) Start() {
	s.Go(s.writeWorker)
	s.Go(s.readWorker)
}

// Close tears the session down and waits for its workers to return.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.Halt()
	})
}

// Notify sends a fire-and-forget event.
func (s *Session) Notify(event string, payload interface{}) error {
	env, err := newEnvelope(event, 0, 0, payload)
	if err != nil {
		return err
	}
	return s.enqueue(env)
}

// Request sends an event and blocks until the peer's acknowledgement is
// decoded into out, the context expires, or the ack timeout elapses.  A
// missing acknowledgement is a failure, never pending-forever.
func (s *Session) Request(ctx context.Context, event string, payload, out interface{}) error {
	seq := atomic.AddUint64(&s.nextSeq, 1)
	env, err := newEnvelope(event, seq, 0, payload)
	if err != nil {
		return err
	}

	ch := make(chan *Envelope, 1)
	s.pendingLock.Lock()
	s.pending[seq] = ch
	s.pendingLock.Unlock()
	defer func() {
		s.pendingLock.Lock()
		delete(s.pending, seq)
		s.pendingLock.Unlock()
	}()

	if err = s.enqueue(env); err != nil {
		return err
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Payload, out)
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.HaltCh():
		return ErrSessionHalted
	}
}

func (s *Session) enqueue(env *Envelope) error {
	select {
	case s.writeCh <- env:
		return nil
	case <-s.HaltCh():
		return ErrSessionHalted
	}
}

func (s *Session) readWorker() {
	defer func() {
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
		// Unblock anything still waiting on an acknowledgement.
		go s.Halt()
	}()

	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.HaltCh():
			default:
				s.log.Debugf("Session %v: read failed: %v", s.id, err)
			}
			return
		}

		env := new(Envelope)
		if err = json.Unmarshal(b, env); err != nil {
			s.log.Warningf("Session %v: malformed envelope: %v", s.id, err)
			continue
		}

		if env.Ack != 0 {
			s.dispatchAck(env)
			continue
		}
		s.dispatchEvent(env)
	}
}

func (s *Session) dispatchAck(env *Envelope) {
	s.pendingLock.Lock()
	ch, ok := s.pending[env.Ack]
	if ok {
		delete(s.pending, env.Ack)
	}
	s.pendingLock.Unlock()
	if !ok {
		s.log.Debugf("Session %v: stray ack for seq %v", s.id, env.Ack)
		return
	}
	ch <- env
}

// dispatchEvent runs the handler inline so a given peer's events are
// processed in arrival order.
func (s *Session) dispatchEvent(env *Envelope) {
	fn, ok := s.handlers[env.Event]
	if !ok {
		s.log.Warningf("Session %v: no handler for event '%v'", s.id, env.Event)
		return
	}

	resp := fn(s, env.Payload)
	if resp == nil || env.Seq == 0 {
		return
	}
	ack, err := newEnvelope(env.Event, 0, env.Seq, resp)
	if err != nil {
		s.log.Errorf("Session %v: failed to encode ack for '%v': %v", s.id, env.Event, err)
		return
	}
	if err = s.enqueue(ack); err != nil {
		s.log.Debugf("Session %v: failed to enqueue ack: %v", s.id, err)
	}
}

func (s *Session) writeWorker() {
	defer s.conn.Close()

	for {
		select {
		case <-s.HaltCh():
			return
		case env := <-s.writeCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteJSON(env); err != nil {
				s.log.Debugf("Session %v: write failed: %v", s.id, err)
				return
			}
		}
	}
}

func newEnvelope(event string, seq, ack uint64, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Event: event,
		Seq:   seq,
		Ack:   ack,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: failed to encode '%v' payload: %v", event, err)
		}
		env.Payload = b
	}
	return env, nil
}
