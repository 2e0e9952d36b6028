// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/core/wire"
	"github.com/ferrypost/ferrypost/core/wire/commands"
)

// clientConn tracks what a single local client session has registered, so
// transport disconnects can be cascaded into the local mirror and upstream.
type clientConn struct {
	sync.Mutex

	s       *Server
	session *wire.Session
	log     *logging.Logger
	rAddr   string

	usernames map[string]struct{}
}

func (s *Server) onNewConn(conn *websocket.Conn, remoteAddr string) {
	c := &clientConn{
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

	c.session.Handle(commands.RegisterUser, c.onRegisterUser)
	c.session.Handle(commands.CheckUser, c.onCheckUser)
	c.session.Handle(commands.SendMessage, c.onSendMessage)
	c.session.Handle(commands.ConfirmMessageDelivery, c.onConfirmDelivery)
	c.session.Handle(commands.GetAvailableRelays, c.onGetAvailableRelays)
	c.session.Handle(commands.UserLogout, c.onUserLogout)

	s.agent.AddSession(c.session)
	c.session.Start()
}

// onRegisterUser forwards the claim upstream.  The base node is the single
// authority for username uniqueness; a rejected claim is rolled out of the
// local mirror, and nothing is mirrored while the uplink is down.
func (c *clientConn) onRegisterUser(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.RegisterUserRequest)
	if err := json.Unmarshal(payload, req); err != nil || req.Username == "" || req.DeviceID == "" {
		c.log.Warningf("Peer %v: malformed registerUser", c.rAddr)
		return &commands.RegisterUserResponse{Reason: commands.ReasonMalformedRequest}
	}

	up, ok := c.s.uplink.Session()
	if !ok {
		return &commands.RegisterUserResponse{Reason: commands.ReasonRelayUnavailable}
	}

	// Mirror before the upstream request.  The base node flushes the
	// user's spool down the uplink ahead of the registration ack, and
	// those deliverMessage events must find the user deliverable here or
	// they bounce straight back.
	prev := c.s.agent.RegisterLocal(req.Username, req.DeviceID, c.session.ID())

	req.RelayID = c.s.uplink.RelayID()
	resp := new(commands.RegisterUserResponse)
	if err := up.Request(context.Background(), commands.RegisterUser, req, resp); err != nil {
		c.s.agent.RestoreLocal(req.Username, prev)
		c.log.Warningf("Upstream registerUser for '%v' failed: %v", req.Username, err)
		return &commands.RegisterUserResponse{Reason: commands.ReasonRelayUnavailable}
	}
	if !resp.Success {
		c.s.agent.RestoreLocal(req.Username, prev)
		return resp
	}

	c.Lock()
	c.usernames[req.Username] = struct{}{}
	c.Unlock()
	c.log.Noticef("User '%v' registered locally (device %v).", req.Username, req.DeviceID)
	return resp
}

func (c *clientConn) onCheckUser(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.CheckUserRequest)
	if err := json.Unmarshal(payload, req); err != nil {
		return &commands.CheckUserResponse{}
	}

	up, ok := c.s.uplink.Session()
	if !ok {
		return &commands.CheckUserResponse{}
	}
	resp := new(commands.CheckUserResponse)
	if err := up.Request(context.Background(), commands.CheckUser, req, resp); err != nil {
		c.log.Debugf("Upstream checkUser for '%v' failed: %v", req.Username, err)
		return &commands.CheckUserResponse{}
	}
	return resp
}

// onSendMessage tries the local fast path first; two clients of the same
// relay exchange messages without a round trip to the base node.  Everything
// else is forwarded upstream, and the base node's verdict is passed through
// to the sender unchanged.
func (c *clientConn) onSendMessage(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.SendMessageRequest)
	if err := json.Unmarshal(payload, req); err != nil || req.To == "" {
		c.log.Warningf("Peer %v: malformed sendMessage", c.rAddr)
		return &commands.SendMessageResponse{Reason: commands.ReasonMalformedRequest}
	}

	ev := &commands.DeliverMessageEvent{
		ID:               uuid.NewString(),
		From:             req.From,
		To:               req.To,
		Message:          req.Message,
		FromDeviceID:     req.DeviceID,
		Encrypted:        req.Encrypted,
		EncryptedContent: req.EncryptedContent,
		IV:               req.IV,
		Timestamp:        time.Now(),
	}
	if c.s.agent.DeliverLocal(ev) {
		c.log.Debugf("Delivered %v to '%v' locally.", ev.ID, req.To)
		return &commands.SendMessageResponse{Delivered: true}
	}

	up, ok := c.s.uplink.Session()
	if !ok {
		return &commands.SendMessageResponse{Reason: commands.ReasonRelayUnavailable}
	}
	resp := new(commands.SendMessageResponse)
	if err := up.Request(context.Background(), commands.SendMessage, req, resp); err != nil {
		c.log.Warningf("Upstream sendMessage to '%v' failed: %v", req.To, err)
		return &commands.SendMessageResponse{Reason: commands.ReasonTransportFailure}
	}
	return resp
}

func (c *clientConn) onConfirmDelivery(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.ConfirmMessageDeliveryRequest)
	if err := json.Unmarshal(payload, req); err != nil {
		return &commands.ConfirmMessageDeliveryResponse{}
	}

	up, ok := c.s.uplink.Session()
	if !ok {
		return &commands.ConfirmMessageDeliveryResponse{}
	}
	resp := new(commands.ConfirmMessageDeliveryResponse)
	if err := up.Request(context.Background(), commands.ConfirmMessageDelivery, req, resp); err != nil {
		c.log.Debugf("Upstream delivery confirmation for %v failed: %v", req.MessageID, err)
		return &commands.ConfirmMessageDeliveryResponse{}
	}
	return resp
}

func (c *clientConn) onGetAvailableRelays(_ *wire.Session, payload []byte) interface{} {
	up, ok := c.s.uplink.Session()
	if !ok {
		return &commands.RelayListResponse{Relays: []commands.RelayInfo{}}
	}
	resp := new(commands.RelayListResponse)
	if err := up.Request(context.Background(), commands.GetAvailableRelays, nil, resp); err != nil {
		c.log.Debugf("Upstream getAvailableRelays failed: %v", err)
		return &commands.RelayListResponse{Relays: []commands.RelayInfo{}}
	}
	return resp
}

func (c *clientConn) onUserLogout(_ *wire.Session, payload []byte) interface{} {
	req := new(commands.UserLogoutEvent)
	if err := json.Unmarshal(payload, req); err != nil {
		return nil
	}

	c.s.agent.RemoveLocal(req.Username)
	c.Lock()
	delete(c.usernames, req.Username)
	c.Unlock()

	if up, ok := c.s.uplink.Session(); ok {
		if err := up.Notify(commands.UserLogout, req); err != nil {
			c.log.Debugf("Failed to forward logout for '%v': %v", req.Username, err)
		}
	}
	c.log.Noticef("User '%v' logged out.", req.Username)
	return nil
}

// onClose drops the session's users from the local mirror.  No upstream
// notification is sent; the base node keeps routing to this relay, and an
// undeliverable message comes back as a bounce re-offer that demotes the
// user there.
func (c *clientConn) onClose(sess *wire.Session) {
	for _, u := range c.s.agent.RemoveSession(sess.ID()) {
		c.log.Debugf("User '%v' disconnected.", u)
	}
}
