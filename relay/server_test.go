// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/core/wire"
	"github.com/ferrypost/ferrypost/core/wire/commands"
	"github.com/ferrypost/ferrypost/relay/config"
)

// fakeBase terminates the relay's uplink the way the base node does: it
// assigns a relay identity, accepts the first claim of each username with a
// single spooled message flushed ahead of the ack, and rejects duplicates.
type fakeBase struct {
	sync.Mutex

	srv *httptest.Server

	registered map[string]bool
	sendCh     chan *commands.SendMessageRequest
	confirmCh  chan *commands.ConfirmMessageDeliveryRequest
}

func newFakeBase(t *testing.T) *fakeBase {
	fb := &fakeBase{
		registered: make(map[string]bool),
		sendCh:     make(chan *commands.SendMessageRequest, 8),
		confirmCh:  make(chan *commands.ConfirmMessageDeliveryRequest, 8),
	}
	log := logging.MustGetLogger("fakebase")
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		sess := wire.NewSession(&wire.SessionConfig{Conn: conn, Log: log})
		sess.Handle(commands.RegisterRelay, func(_ *wire.Session, _ []byte) interface{} {
			return &commands.RegisterRelayResponse{Success: true, RelayID: "relay-1"}
		})
		sess.Handle(commands.RelayHeartbeat, func(_ *wire.Session, _ []byte) interface{} {
			return &commands.RelayHeartbeatResponse{Success: true, RelayID: "relay-1"}
		})
		sess.Handle(commands.RegisterUser, func(s *wire.Session, payload []byte) interface{} {
			in := new(commands.RegisterUserRequest)
			if err := json.Unmarshal(payload, in); err != nil {
				return &commands.RegisterUserResponse{Reason: commands.ReasonMalformedRequest}
			}
			fb.Lock()
			taken := fb.registered[in.Username]
			fb.registered[in.Username] = true
			fb.Unlock()
			if taken {
				return &commands.RegisterUserResponse{Reason: commands.ReasonConflict}
			}

			// Flush the spool down the uplink before acknowledging the
			// registration; the write queue preserves this ordering on
			// the wire.
			s.Notify(commands.DeliverMessage, &commands.DeliverMessageEvent{
				ID:        "m-1",
				From:      "alice",
				To:        in.Username,
				Message:   "hello",
				Timestamp: time.Now(),
			})
			return &commands.RegisterUserResponse{Success: true, PendingMessages: 1}
		})
		sess.Handle(commands.SendMessage, func(_ *wire.Session, payload []byte) interface{} {
			in := new(commands.SendMessageRequest)
			if json.Unmarshal(payload, in) == nil {
				fb.sendCh <- in
			}
			return &commands.SendMessageResponse{Bounced: true}
		})
		sess.Handle(commands.ConfirmMessageDelivery, func(_ *wire.Session, payload []byte) interface{} {
			in := new(commands.ConfirmMessageDeliveryRequest)
			if json.Unmarshal(payload, in) == nil {
				fb.confirmCh <- in
			}
			return &commands.ConfirmMessageDeliveryResponse{Success: true}
		})
		sess.Start()
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBase) addr() string {
	return fb.srv.Listener.Addr().String()
}

// testServer brings up a full relay node wired to the fake base and waits
// for the uplink to register.
func testServer(t *testing.T, fb *fakeBase) *Server {
	require := require.New(t)

	cfg := &config.Config{
		Relay: &config.Relay{
			Addresses:       []string{"127.0.0.1:0"},
			BaseNodeAddress: fb.addr(),
			DataDir:         t.TempDir(),
		},
		Logging:    &config.Logging{Disable: true},
		Parameters: &config.Parameters{AckTimeoutSeconds: 5},
	}
	require.NoError(cfg.FixupAndValidate())

	s, err := New(cfg)
	require.NoError(err, "New()")
	t.Cleanup(s.Shutdown)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, ok := s.uplink.Session(); ok {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for uplink registration")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// testClient opens a client session against the relay's first listener.
func testClient(t *testing.T, s *Server, onDeliver func(*commands.DeliverMessageEvent)) *wire.Session {
	wsURL := "ws://" + s.listeners[0].l.Addr().String() + sessionPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Dial()")

	sess := wire.NewSession(&wire.SessionConfig{
		Conn: conn,
		Log:  logging.MustGetLogger("relay-test-client"),
	})
	sess.Handle(commands.DeliverMessage, func(_ *wire.Session, payload []byte) interface{} {
		ev := new(commands.DeliverMessageEvent)
		if json.Unmarshal(payload, ev) == nil && onDeliver != nil {
			onDeliver(ev)
		}
		return nil
	})
	sess.Start()
	t.Cleanup(sess.Close)
	return sess
}

func TestRegisterUserFlushesSpool(t *testing.T) {
	require := require.New(t)
	fb := newFakeBase(t)
	s := testServer(t, fb)

	delivered := make(chan *commands.DeliverMessageEvent, 4)
	client := testClient(t, s, func(ev *commands.DeliverMessageEvent) { delivered <- ev })

	// The claim's ack arrives after the flushed message on the uplink, so
	// the user must already be deliverable here when the flush lands.
	resp := new(commands.RegisterUserResponse)
	err := client.Request(context.Background(), commands.RegisterUser,
		&commands.RegisterUserRequest{Username: "bob", DeviceID: "d1"}, resp)
	require.NoError(err)
	require.True(resp.Success)
	require.Equal(1, resp.PendingMessages)

	select {
	case ev := <-delivered:
		require.Equal("m-1", ev.ID)
		require.Equal("bob", ev.To)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for flushed message")
	}

	// The relay confirms the delivery upstream instead of bouncing.
	select {
	case confirm := <-fb.confirmCh:
		require.Equal("m-1", confirm.MessageID)
		require.Equal("bob", confirm.To)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery confirmation")
	}
	select {
	case sent := <-fb.sendCh:
		t.Fatalf("message %v re-offered to base instead of delivered", sent)
	default:
	}

	require.Equal(1, s.agent.UserCount())
}

func TestRegisterUserRejectedClaimRollback(t *testing.T) {
	require := require.New(t)
	fb := newFakeBase(t)
	s := testServer(t, fb)

	delivered := make(chan *commands.DeliverMessageEvent, 4)
	client1 := testClient(t, s, func(ev *commands.DeliverMessageEvent) { delivered <- ev })
	client2 := testClient(t, s, nil)

	resp := new(commands.RegisterUserResponse)
	err := client1.Request(context.Background(), commands.RegisterUser,
		&commands.RegisterUserRequest{Username: "bob", DeviceID: "d1"}, resp)
	require.NoError(err)
	require.True(resp.Success)
	<-delivered // the registration flush

	// A competing claim is rejected upstream and must not disturb the
	// established mirror entry.
	resp = new(commands.RegisterUserResponse)
	err = client2.Request(context.Background(), commands.RegisterUser,
		&commands.RegisterUserRequest{Username: "bob", DeviceID: "d2"}, resp)
	require.NoError(err)
	require.False(resp.Success)
	require.Equal(commands.ReasonConflict, resp.Reason)
	require.Equal(1, s.agent.UserCount())

	// Local delivery still reaches the original claimant's session.
	sendResp := new(commands.SendMessageResponse)
	err = client2.Request(context.Background(), commands.SendMessage,
		&commands.SendMessageRequest{From: "mallory", To: "bob", Message: "hi"}, sendResp)
	require.NoError(err)
	require.True(sendResp.Delivered)

	select {
	case ev := <-delivered:
		require.Equal("bob", ev.To)
		require.Equal("hi", ev.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}
