// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package base

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/base/config"
	"github.com/ferrypost/ferrypost/base/directory"
	"github.com/ferrypost/ferrypost/base/registry"
	"github.com/ferrypost/ferrypost/core/wire"
	"github.com/ferrypost/ferrypost/core/wire/commands"
)

func testServer(t *testing.T) *Server {
	require := require.New(t)

	cfg := &config.Config{
		BaseNode: &config.BaseNode{
			Addresses:   []string{"127.0.0.1:0"},
			HTTPAddress: "127.0.0.1:0",
			DataDir:     t.TempDir(),
		},
		Logging: &config.Logging{Disable: true},
	}
	require.NoError(cfg.FixupAndValidate())

	s, err := New(cfg)
	require.NoError(err, "New()")
	t.Cleanup(s.Shutdown)
	return s
}

// testSession opens a client session against the server's first listener.
// Broadcast events named in handlers are decoded and fed to the matching
// channel.
func testSession(t *testing.T, s *Server, handlers map[string]wire.Handler) *wire.Session {
	wsURL := "ws://" + s.listeners[0].l.Addr().String() + sessionPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Dial()")

	sess := wire.NewSession(&wire.SessionConfig{
		Conn: conn,
		Log:  logging.MustGetLogger("base-test-client"),
	})
	for event, h := range handlers {
		sess.Handle(event, h)
	}
	sess.Start()
	t.Cleanup(sess.Close)
	return sess
}

func TestHeartbeatRevivalBroadcast(t *testing.T) {
	require := require.New(t)
	s := testServer(t)

	statusCh := make(chan *commands.RelayStatusUpdateEvent, 8)
	onStatus := func(_ *wire.Session, payload []byte) interface{} {
		ev := new(commands.RelayStatusUpdateEvent)
		if json.Unmarshal(payload, ev) == nil {
			statusCh <- ev
		}
		return nil
	}
	testSession(t, s, map[string]wire.Handler{commands.RelayStatusUpdate: onStatus})
	relay := testSession(t, s, nil)

	regResp := new(commands.RegisterRelayResponse)
	err := relay.Request(context.Background(), commands.RegisterRelay,
		&commands.RegisterRelayRequest{IP: "203.0.113.7", Port: 29485}, regResp)
	require.NoError(err)
	require.True(regResp.Success)

	// Registration announces the relay online.
	waitStatus := func(want string) *commands.RelayStatusUpdateEvent {
		select {
		case ev := <-statusCh:
			require.Equal(want, ev.Status)
			return ev
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for '%v' status broadcast", want)
			return nil
		}
	}
	ev := waitStatus(string(directory.StatusOnline))
	require.Equal(regResp.RelayID, ev.RelayID)

	// Heartbeats against a live record announce nothing.
	hbResp := new(commands.RelayHeartbeatResponse)
	err = relay.Request(context.Background(), commands.RelayHeartbeat,
		&commands.RelayHeartbeatRequest{RelayID: regResp.RelayID, Status: "online"}, hbResp)
	require.NoError(err)
	require.True(hbResp.Success)
	select {
	case ev := <-statusCh:
		t.Fatalf("unexpected status broadcast: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// A heartbeat that revives a demoted relay is a transition the
	// connected clients must hear about.
	require.True(s.dir.MarkOffline(regResp.RelayID))
	err = relay.Request(context.Background(), commands.RelayHeartbeat,
		&commands.RelayHeartbeatRequest{RelayID: regResp.RelayID, Status: "online"}, hbResp)
	require.NoError(err)
	ev = waitStatus(string(directory.StatusOnline))
	require.Equal(regResp.RelayID, ev.RelayID)
}

func TestRelayDiscoveryLeastLoaded(t *testing.T) {
	require := require.New(t)
	s := testServer(t)

	var reply struct {
		Success  bool                `json:"success"`
		Relay    *commands.RelayInfo `json:"relay"`
		Fallback bool                `json:"fallback"`
	}
	discover := func() {
		resp, err := http.Get("http://" + s.http.l.Addr().String() + "/relay")
		require.NoError(err)
		defer resp.Body.Close()
		reply.Relay, reply.Fallback = nil, false
		require.NoError(json.NewDecoder(resp.Body).Decode(&reply))
		require.True(reply.Success)
	}

	// With no relay available the base node offers itself.
	discover()
	require.True(reply.Fallback)
	require.Nil(reply.Relay)

	now := time.Now()
	s.dir.Register("10.0.0.1", 9000, "sess-1", directory.Capabilities{}, now)
	s.dir.Register("10.0.0.2", 9000, "sess-2", directory.Capabilities{}, now)
	for _, u := range []string{"u1", "u2"} {
		_, err := s.registry.Register(u, "d1", registry.ViaRelay("10.0.0.1:9000"), nil)
		require.NoError(err)
	}
	_, err := s.registry.Register("u3", "d1", registry.ViaRelay("10.0.0.2:9000"), nil)
	require.NoError(err)

	// Discovery steers the next client to the relay with the fewest
	// attached users.
	discover()
	require.NotNil(reply.Relay)
	require.Equal("10.0.0.2:9000", reply.Relay.ID)
}
