// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package base

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/core/worker"
)

const sessionPath = "/session"

// listener accepts WebSocket sessions from clients and relays.
type listener struct {
	worker.Worker

	s   *Server
	l   net.Listener
	srv *http.Server
	log *logging.Logger

	upgrader websocket.Upgrader
}

func newListener(s *Server, id int, addr string) (*listener, error) {
	netListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &listener{
		s:   s,
		l:   netListener,
		log: s.logBackend.GetLogger(fmt.Sprintf("listener:%d", id)),
		upgrader: websocket.Upgrader{
			// Browser clients connect from arbitrary origins; access
			// control happens at registration, not at upgrade time.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	m := http.NewServeMux()
	m.HandleFunc(sessionPath, l.onUpgrade)
	l.srv = &http.Server{Handler: m}

	l.Go(l.serveWorker)
	l.Go(l.haltWorker)
	l.log.Noticef("Listening on: %v", netListener.Addr())
	return l, nil
}

func (l *listener) serveWorker() {
	if err := l.srv.Serve(l.l); err != nil && err != http.ErrServerClosed {
		select {
		case <-l.HaltCh():
		default:
			l.log.Errorf("Critical accept failure: %v", err)
		}
	}
}

func (l *listener) haltWorker() {
	<-l.HaltCh()
	l.log.Noticef("Stopping listening on: %v", l.l.Addr())
	l.srv.Close()
}

func (l *listener) onUpgrade(w http.ResponseWriter, req *http.Request) {
	conn, err := l.upgrader.Upgrade(w, req, nil)
	if err != nil {
		l.log.Debugf("Failed to upgrade connection from %v: %v", req.RemoteAddr, err)
		return
	}
	l.log.Debugf("Accepted new connection: %v", req.RemoteAddr)
	l.s.onNewConn(conn, req.RemoteAddr)
}
