// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/core/wire"
	"github.com/ferrypost/ferrypost/core/wire/commands"
	"github.com/ferrypost/ferrypost/core/worker"
)

// Uplink maintains the relay's persistent session to the base node,
// reconnecting with exponential backoff.  While the uplink is down the
// relay fails closed: it never invents authority over usernames, and all
// non-local destinations are unavailable until the session is restored.
type Uplink struct {
	worker.Worker

	s   *Server
	log *logging.Logger

	sync.RWMutex
	session *wire.Session
	relayID string
}

func newUplink(s *Server) *Uplink {
	u := &Uplink{
		s:   s,
		log: s.logBackend.GetLogger("uplink"),
	}
	u.Go(u.connectWorker)
	return u
}

// Session returns the live uplink session, or false while disconnected.
func (u *Uplink) Session() (*wire.Session, bool) {
	u.RLock()
	defer u.RUnlock()
	return u.session, u.session != nil
}

// RelayID returns the identifier the base node assigned on registration.
func (u *Uplink) RelayID() string {
	u.RLock()
	defer u.RUnlock()
	return u.relayID
}

func (u *Uplink) connectWorker() {
	defer u.log.Debugf("Halting uplink worker.")

	backoff := u.s.cfg.Parameters.ReconnectBackoff()
	maxBackoff := u.s.cfg.Parameters.MaxBackoff()

	for {
		select {
		case <-u.HaltCh():
			return
		default:
		}

		sess, closedCh, err := u.dial()
		if err != nil {
			u.log.Warningf("Uplink connect failed: %v (retry in %v)", err, backoff)
			select {
			case <-u.HaltCh():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = u.s.cfg.Parameters.ReconnectBackoff()

		u.heartbeatLoop(sess, closedCh)

		// The session is gone; fail closed until the next connect.
		u.Lock()
		u.session = nil
		u.Unlock()
		sess.Close()
		u.log.Warningf("Uplink to base node lost.")
	}
}

func (u *Uplink) dial() (*wire.Session, <-chan struct{}, error) {
	target := url.URL{Scheme: "ws", Host: u.s.cfg.Relay.BaseNodeAddress, Path: "/session"}
	conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		return nil, nil, err
	}

	closedCh := make(chan struct{})
	sess := wire.NewSession(&wire.SessionConfig{
		Conn:       conn,
		Log:        u.s.logBackend.GetLogger("uplink/session"),
		AckTimeout: u.s.cfg.Parameters.AckTimeout(),
		OnClose:    func(*wire.Session) { close(closedCh) },
	})
	sess.Handle(commands.DeliverMessage, u.onDeliverMessage)
	sess.Handle(commands.UserStatusUpdate, u.makeForwarder(commands.UserStatusUpdate))
	sess.Handle(commands.RelayStatusUpdate, u.makeForwarder(commands.RelayStatusUpdate))
	sess.Handle(commands.UsernameReleased, u.makeForwarder(commands.UsernameReleased))
	sess.Start()

	// Register before exposing the session, so callers only ever see an
	// uplink that holds a relay identity.
	req := &commands.RegisterRelayRequest{
		IP:   u.s.cfg.Relay.AdvertiseIP,
		Port: u.s.cfg.Relay.AdvertisePort,
		Capabilities: commands.Capabilities{
			OfflineRelay: u.s.cfg.Relay.OfflineRelay,
			Encryption:   u.s.cfg.Relay.Encryption,
		},
	}
	resp := new(commands.RegisterRelayResponse)
	if err = sess.Request(context.Background(), commands.RegisterRelay, req, resp); err != nil {
		sess.Close()
		return nil, nil, err
	}
	if !resp.Success {
		sess.Close()
		return nil, nil, fmt.Errorf("relay: registration rejected: %v", resp.Reason)
	}

	u.Lock()
	u.session = sess
	u.relayID = resp.RelayID
	u.Unlock()
	u.log.Noticef("Uplink established, registered as relay %v.", resp.RelayID)
	return sess, closedCh, nil
}

func (u *Uplink) heartbeatLoop(sess *wire.Session, closedCh <-chan struct{}) {
	t := time.NewTicker(u.s.cfg.Parameters.HeartbeatInterval())
	defer t.Stop()

	for {
		select {
		case <-u.HaltCh():
			return
		case <-closedCh:
			return
		case <-t.C:
		}

		req := &commands.RelayHeartbeatRequest{
			RelayID:        u.RelayID(),
			Status:         "online",
			ConnectedUsers: u.s.agent.UserCount(),
		}
		resp := new(commands.RelayHeartbeatResponse)
		if err := sess.Request(context.Background(), commands.RelayHeartbeat, req, resp); err != nil {
			u.log.Warningf("Heartbeat failed: %v", err)
			sess.Close()
			return
		}
	}
}

// onDeliverMessage handles a message the base node forwarded for one of
// this relay's clients.  Local delivery is attempted first; when the user
// is no longer here the message is re-offered to the base node with the
// bounce flag, keeping the TTL and bounce budget intact, rather than being
// dropped or stored under invented authority.
func (u *Uplink) onDeliverMessage(sess *wire.Session, payload []byte) interface{} {
	ev := new(commands.DeliverMessageEvent)
	if err := json.Unmarshal(payload, ev); err != nil {
		u.log.Warningf("Malformed deliverMessage from base: %v", err)
		return nil
	}

	if u.s.agent.DeliverLocal(ev) {
		// Confirm from a fresh go routine; a request issued from inside
		// the handler would deadlock the session's read loop.
		go u.confirmDelivery(sess, ev)
		return nil
	}

	u.log.Debugf("User '%v' not local, re-offering %v to base.", ev.To, ev.ID)
	go u.bounceToBase(sess, ev)
	return nil
}

func (u *Uplink) confirmDelivery(sess *wire.Session, ev *commands.DeliverMessageEvent) {
	req := &commands.ConfirmMessageDeliveryRequest{MessageID: ev.ID, To: ev.To}
	resp := new(commands.ConfirmMessageDeliveryResponse)
	if err := sess.Request(context.Background(), commands.ConfirmMessageDelivery, req, resp); err != nil {
		u.log.Debugf("Failed to confirm delivery of %v: %v", ev.ID, err)
	}
}

func (u *Uplink) bounceToBase(sess *wire.Session, ev *commands.DeliverMessageEvent) {
	req := &commands.SendMessageRequest{
		From:             ev.From,
		To:               ev.To,
		Message:          ev.Message,
		DeviceID:         ev.FromDeviceID,
		Encrypted:        ev.Encrypted,
		EncryptedContent: ev.EncryptedContent,
		IV:               ev.IV,
		Bounce:           true,
		BounceCount:      ev.BounceCount + 1,
	}
	if ev.ExpiresAt != nil {
		secs, ok := bounceTTLSeconds(*ev.ExpiresAt, time.Now())
		if !ok {
			u.log.Debugf("Dropping %v, expired in flight.", ev.ID)
			return
		}
		req.TTLSeconds = secs
	}

	resp := new(commands.SendMessageResponse)
	if err := sess.Request(context.Background(), commands.SendMessage, req, resp); err != nil {
		u.log.Debugf("Failed to re-offer %v: %v", ev.ID, err)
	}
}

// bounceTTLSeconds converts a message's remaining lifetime to the whole
// seconds carried on a re-offer, rounding up so a live message never
// collapses to zero, which the base node would read as "apply the default
// TTL".  ok is false once the expiry instant has passed.
func bounceTTLSeconds(expiresAt, now time.Time) (uint64, bool) {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	return uint64((remaining + time.Second - 1) / time.Second), true
}

// makeForwarder relays a base node broadcast down to every local client.
func (u *Uplink) makeForwarder(event string) wire.Handler {
	return func(_ *wire.Session, payload []byte) interface{} {
		raw := json.RawMessage(payload)
		for _, s := range u.s.agent.Sessions() {
			if err := s.Notify(event, raw); err != nil {
				u.log.Debugf("Failed to forward '%v' to session %v: %v", event, s.ID(), err)
			}
		}
		return nil
	}
}
