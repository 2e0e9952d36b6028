// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

type testPayload struct {
	Value string `json:"value"`
}

// testPair spins up an httptest WebSocket server and returns the two ends
// of one live connection as Sessions.  setup registers the server side's
// handlers before its read loop starts.
func testPair(t *testing.T, setup func(*Session)) (client *Session) {
	log := logging.MustGetLogger("wire-test")
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		s := NewSession(&SessionConfig{Conn: conn, Log: log})
		setup(s)
		s.Start()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Dial()")

	client = NewSession(&SessionConfig{Conn: conn, Log: log})
	t.Cleanup(client.Close)
	return client
}

func TestSessionRequestAck(t *testing.T) {
	require := require.New(t)

	client := testPair(t, func(s *Session) {
		s.Handle("ping", func(_ *Session, payload []byte) interface{} {
			in := new(testPayload)
			if err := json.Unmarshal(payload, in); err != nil {
				return &testPayload{Value: "error"}
			}
			return &testPayload{Value: "pong:" + in.Value}
		})
	})
	client.Start()

	out := new(testPayload)
	err := client.Request(context.Background(), "ping", &testPayload{Value: "1"}, out)
	require.NoError(err)
	require.Equal("pong:1", out.Value)

	// Correlation survives interleaved requests.
	err = client.Request(context.Background(), "ping", &testPayload{Value: "2"}, out)
	require.NoError(err)
	require.Equal("pong:2", out.Value)
}

func TestSessionNotifyOrder(t *testing.T) {
	require := require.New(t)

	got := make(chan string, 8)
	client := testPair(t, func(s *Session) {
		s.Handle("note", func(_ *Session, payload []byte) interface{} {
			in := new(testPayload)
			if json.Unmarshal(payload, in) == nil {
				got <- in.Value
			}
			return nil
		})
	})
	client.Start()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(client.Notify("note", &testPayload{Value: v}))
	}

	// Handlers run inline in the read loop, so arrival order is
	// preserved per peer.
	for _, want := range []string{"a", "b", "c"} {
		select {
		case v := <-got:
			require.Equal(want, v)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}
}

func TestSessionAckTimeout(t *testing.T) {
	require := require.New(t)

	// The peer has no handler for the event, so no acknowledgement ever
	// arrives.
	client := testPair(t, func(s *Session) {})
	client.ackTimeout = 100 * time.Millisecond
	client.Start()

	err := client.Request(context.Background(), "void", &testPayload{}, nil)
	require.Equal(ErrAckTimeout, err)
}

func TestSessionOnClose(t *testing.T) {
	require := require.New(t)

	var server *Session
	ready := make(chan struct{})
	client := testPair(t, func(s *Session) {
		server = s
		close(ready)
	})

	closed := make(chan struct{})
	client.onClose = func(*Session) { close(closed) }
	client.Start()

	<-ready
	server.Close()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}

	// Operations on a halted session fail instead of hanging.
	err := client.Request(context.Background(), "ping", &testPayload{}, nil)
	require.Error(err)
}
