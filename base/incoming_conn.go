// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package base

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/base/directory"
	"github.com/ferrypost/ferrypost/base/internal/router"
	"github.com/ferrypost/ferrypost/base/registry"
	"github.com/ferrypost/ferrypost/base/spool"
	"github.com/ferrypost/ferrypost/core/wire"
	"github.com/ferrypost/ferrypost/core/wire/commands"
)

// incomingConn tracks what a single session has registered, so transport
// disconnects can be cascaded into registry and directory state.
type incomingConn struct {
	sync.Mutex

	s       *Server
	session *wire.Session
	log     *logging.Logger
	rAddr   string

	relayID   string
	usernames map[string]struct{}
}

func (s *Server) onNewConn(conn *websocket.Conn, remoteAddr string) {
	c := &incomingConn{
		s:         s,
		log:       s.logBackend.GetLogger("conn"),
		rAddr:     remoteAddr,
		usernames: make(map[string]struct{}),
	}
	c.session = wire.NewSession(&wire.SessionConfig{
		Conn:       conn,
		Log:        s.logBackend.GetLogger("session"),
		AckTimeout: s.cfg.Parameters.AckTimeout(),
		OnClose:    c.onClose,
	})

	c.session.Handle(commands.RegisterRelay, c.onRegisterRelay)
	c.session.Handle(commands.RelayHeartbeat, c.onRelayHeartbeat)
	c.session.Handle(commands.RegisterUser, c.onRegisterUser)
	c.session.Handle(commands.CheckUser, c.onCheckUser)
	c.session.Handle(commands.SendMessage, c.onSendMessage)
	c.session.Handle(commands.ConfirmMessageDelivery, c.onConfirmDelivery)
	c.session.Handle(commands.GetAvailableRelays, c.onGetAvailableRelays)
	c.session.Handle(commands.UserLogout, c.onUserLogout)

	s.sessions.Add(c.session)
	c.session.Start()
}

func (c *incomingConn) onRegisterRelay(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.RegisterRelayRequest)
	if err := json.Unmarshal(payload, req); err != nil {
		c.log.Warningf("Peer %v: malformed registerRelay: %v", c.rAddr, err)
		return &commands.RegisterRelayResponse{Reason: commands.ReasonMalformedRequest}
	}

	rec := c.s.dir.Register(req.IP, req.Port, c.session.ID(), directory.Capabilities{
		OfflineRelay: req.Capabilities.OfflineRelay,
		Encryption:   req.Capabilities.Encryption,
	}, c.s.clock.Now())

	c.Lock()
	c.relayID = rec.ID
	c.Unlock()

	c.log.Noticef("Relay %v registered from %v.", rec.ID, c.rAddr)
	c.s.BroadcastRelayStatus(rec.ID, directory.StatusOnline)
	return &commands.RegisterRelayResponse{Success: true, RelayID: rec.ID}
}

func (c *incomingConn) onRelayHeartbeat(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.RelayHeartbeatRequest)
	if err := json.Unmarshal(payload, req); err != nil {
		c.log.Warningf("Peer %v: malformed relayHeartbeat: %v", c.rAddr, err)
		return &commands.RelayHeartbeatResponse{}
	}

	c.Lock()
	relayID := req.RelayID
	if relayID == "" {
		relayID = c.relayID
	}
	c.Unlock()

	if relayID == "" {
		// A heartbeat from a relay that never registered and supplied no
		// identifier.  Favor availability over strict validation: mint a
		// record tied to this session.
		rec := c.s.dir.Register("", 0, c.session.ID(), directory.Capabilities{}, c.s.clock.Now())
		c.Lock()
		c.relayID = rec.ID
		c.Unlock()
		c.log.Warningf("Peer %v: heartbeat without registration, assigned %v.", c.rAddr, rec.ID)
		return &commands.RelayHeartbeatResponse{Success: true, RelayID: rec.ID}
	}

	_, created, revived := c.s.dir.Heartbeat(relayID, c.session.ID(), req.ConnectedUsers, req.PendingMessageCount, c.s.clock.Now())
	if created {
		c.log.Warningf("Peer %v: heartbeat for unknown relay %v, record created.", c.rAddr, relayID)
	}
	c.Lock()
	c.relayID = relayID
	c.Unlock()
	if created || revived {
		// A heartbeat that brings a relay online is a status transition the
		// clients never otherwise hear about.
		c.s.BroadcastRelayStatus(relayID, directory.StatusOnline)
	}
	return &commands.RelayHeartbeatResponse{Success: true, RelayID: relayID}
}

func (c *incomingConn) onRegisterUser(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.RegisterUserRequest)
	if err := json.Unmarshal(payload, req); err != nil || req.Username == "" || req.DeviceID == "" {
		c.log.Warningf("Peer %v: malformed registerUser", c.rAddr)
		return &commands.RegisterUserResponse{Reason: commands.ReasonMalformedRequest}
	}

	att := registry.Direct(c.session.ID())
	if req.RelayID != "" {
		att = registry.ViaRelay(req.RelayID)
	}

	res, err := c.s.registry.Register(req.Username, req.DeviceID, att, req.PublicKey)
	if err != nil {
		c.log.Debugf("Registration of '%v' rejected: %v", req.Username, err)
		return &commands.RegisterUserResponse{Reason: commands.ReasonConflict}
	}

	if att.Kind == registry.AttachDirect {
		c.Lock()
		c.usernames[req.Username] = struct{}{}
		c.Unlock()
	}
	c.s.BroadcastUserStatus(req.Username, true)

	// Flush the offline queue.  The messages are enqueued on this
	// session ahead of the acknowledgement, so the transport's FIFO
	// ordering delivers them before the registration ack; for relay-owned
	// users this session is the uplink and the relay does the final hop.
	msgs, err := c.s.spool.Drain(req.Username, c.s.clock.Now())
	if err != nil {
		c.log.Errorf("Failed to drain spool for '%v': %v", req.Username, err)
	}
	for _, m := range msgs {
		if err = c.session.Notify(commands.DeliverMessage, deliverEvent(m)); err != nil {
			c.log.Debugf("Failed to flush %v to '%v': %v", m.ID, req.Username, err)
			break
		}
	}

	c.log.Noticef("User '%v' registered (device %v, %v pending).", req.Username, req.DeviceID, len(msgs))
	return &commands.RegisterUserResponse{
		Success:         true,
		IsNewDevice:     res.IsNewDevice,
		PendingMessages: len(msgs),
	}
}

func (c *incomingConn) onCheckUser(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.CheckUserRequest)
	if err := json.Unmarshal(payload, req); err != nil {
		return &commands.CheckUserResponse{}
	}
	rec, ok := c.s.registry.Lookup(req.Username)
	if !ok {
		return &commands.CheckUserResponse{}
	}
	return &commands.CheckUserResponse{Exists: true, Online: rec.Online}
}

func (c *incomingConn) onSendMessage(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.SendMessageRequest)
	if err := json.Unmarshal(payload, req); err != nil || req.To == "" {
		c.log.Warningf("Peer %v: malformed sendMessage", c.rAddr)
		return &commands.SendMessageResponse{Reason: commands.ReasonMalformedRequest}
	}

	now := c.s.clock.Now()
	ttl := c.s.cfg.Parameters.MessageTTL()
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	// A bounce re-offer from the destination's own relay means the relay
	// no longer terminates that user; the relay is authoritative about
	// its local clients, so demote the record before routing.  The
	// message then lands in the offline queue instead of circulating.
	c.Lock()
	fromRelay := c.relayID
	c.Unlock()
	if fromRelay != "" && req.Bounce {
		if rec, ok := c.s.registry.Lookup(req.To); ok && rec.Online &&
			rec.Attachment.Kind == registry.AttachViaRelay && rec.Attachment.RelayID == fromRelay {
			c.s.registry.MarkOffline(req.To)
			c.s.BroadcastUserStatus(req.To, false)
		}
	}

	msg := &spool.Message{
		ID:               uuid.NewString(),
		From:             req.From,
		To:               req.To,
		FromDeviceID:     req.DeviceID,
		Content:          req.Message,
		Encrypted:        req.Encrypted,
		EncryptedContent: req.EncryptedContent,
		IV:               req.IV,
		Timestamp:        now,
		ExpiresAt:        now.Add(ttl),
		BounceCount:      req.BounceCount,
		MaxBounces:       c.s.cfg.Parameters.MaxBounces,
	}

	res, err := c.s.router.Route(msg, &router.Options{Bounce: req.Bounce})
	if err != nil {
		c.log.Debugf("Routing '%v' -> '%v' failed: %v", req.From, req.To, err)
		return &commands.SendMessageResponse{Reason: router.Reason(err)}
	}
	if res.Bounced {
		expires := res.ExpiresAt
		return &commands.SendMessageResponse{Bounced: true, ExpiresAt: &expires}
	}
	return &commands.SendMessageResponse{Delivered: true}
}

func (c *incomingConn) onConfirmDelivery(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.ConfirmMessageDeliveryRequest)
	if err := json.Unmarshal(payload, req); err != nil {
		return &commands.ConfirmMessageDeliveryResponse{}
	}
	if err := c.s.spool.ConfirmDelivered(req.To, req.MessageID); err != nil {
		c.log.Errorf("Failed to confirm delivery of %v: %v", req.MessageID, err)
		return &commands.ConfirmMessageDeliveryResponse{}
	}
	return &commands.ConfirmMessageDeliveryResponse{Success: true}
}

func (c *incomingConn) onGetAvailableRelays(_ *wire.Session, payload []byte) interface{} {
	relays := c.s.dir.ListAvailable()
	resp := &commands.RelayListResponse{Relays: make([]commands.RelayInfo, 0, len(relays))}
	for _, r := range relays {
		resp.Relays = append(resp.Relays, commands.RelayInfo{
			ID:     r.ID,
			IP:     r.IP,
			Port:   r.Port,
			Status: string(r.Status),
		})
	}
	return resp
}

func (c *incomingConn) onUserLogout(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.UserLogoutEvent)
	if err := json.Unmarshal(payload, req); err != nil {
		return nil
	}

	rec, ok := c.s.registry.Lookup(req.Username)
	if !ok || rec.DeviceID != req.DeviceID {
		// Releasing a username requires holding its device identity.
		c.log.Debugf("Peer %v: ignored logout for '%v'", c.rAddr, req.Username)
		return nil
	}
	if c.s.registry.Release(req.Username) {
		c.Lock()
		delete(c.usernames, req.Username)
		c.Unlock()
		c.log.Noticef("User '%v' logged out, username released.", req.Username)
		c.s.BroadcastUserStatus(req.Username, false)
		c.s.broadcastUsernameReleased(req.Username)
	}
	return nil
}

// onClose cascades a transport disconnect into registry and directory
// state: the session's relay goes offline with its users, and the
// session's direct users go offline.
func (c *incomingConn) onClose(sess *wire.Session) {
	c.s.sessions.Remove(sess.ID())

	c.Lock()
	relayID := c.relayID
	usernames := make([]string, 0, len(c.usernames))
	for u := range c.usernames {
		usernames = append(usernames, u)
	}
	c.Unlock()

	if relayID != "" {
		if c.s.dir.MarkOffline(relayID) {
			c.log.Noticef("Relay %v disconnected.", relayID)
			c.s.BroadcastRelayStatus(relayID, directory.StatusOffline)
			for _, u := range c.s.registry.MarkRelayOffline(relayID) {
				c.s.BroadcastUserStatus(u, false)
			}
		}
	}

	for _, u := range usernames {
		// Only demote the record if this session still owns it; the user
		// may have migrated to another relay in the meantime.
		rec, ok := c.s.registry.Lookup(u)
		if !ok || !rec.Online || rec.SocketID != sess.ID() {
			continue
		}
		c.s.registry.MarkOffline(u)
		c.log.Debugf("User '%v' disconnected.", u)
		c.s.BroadcastUserStatus(u, false)
	}
}

func deliverEvent(m *spool.Message) *commands.DeliverMessageEvent {
	expires := m.ExpiresAt
	return &commands.DeliverMessageEvent{
		ID:               m.ID,
		From:             m.From,
		To:               m.To,
		Message:          m.Content,
		FromDeviceID:     m.FromDeviceID,
		Encrypted:        m.Encrypted,
		EncryptedContent: m.EncryptedContent,
		IV:               m.IV,
		Timestamp:        m.Timestamp,
		ExpiresAt:        &expires,
		BounceCount:      m.BounceCount,
	}
}
