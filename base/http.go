// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package base

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/core/wire/commands"
	"github.com/ferrypost/ferrypost/core/worker"
)

// httpServer is the plain HTTP fallback used by clients before a
// persistent session exists: liveness probing, relay discovery, and the
// metrics endpoint.
type httpServer struct {
	worker.Worker

	s   *Server
	l   net.Listener
	srv *http.Server
	log *logging.Logger
}

func newHTTPServer(s *Server, addr string) (*httpServer, error) {
	netListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	h := &httpServer{
		s:   s,
		l:   netListener,
		log: s.logBackend.GetLogger("http"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/relay", h.onRelay).Methods(http.MethodGet)
	r.HandleFunc("/health", h.onHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	h.srv = &http.Server{Handler: r}

	h.Go(h.serveWorker)
	h.Go(h.haltWorker)
	h.log.Noticef("HTTP listening on: %v", netListener.Addr())
	return h, nil
}

func (h *httpServer) serveWorker() {
	if err := h.srv.Serve(h.l); err != nil && err != http.ErrServerClosed {
		select {
		case <-h.HaltCh():
		default:
			h.log.Errorf("HTTP serve failure: %v", err)
		}
	}
}

func (h *httpServer) haltWorker() {
	<-h.HaltCh()
	h.srv.Close()
}

// onRelay answers the pre-session relay discovery probe with the least
// loaded available relay, by the registry's authoritative attachment count
// rather than the heartbeat's advisory one.  When no relay is available the
// base node offers itself as the fallback.
func (h *httpServer) onRelay(w http.ResponseWriter, req *http.Request) {
	type relayReply struct {
		Success  bool                `json:"success"`
		Relay    *commands.RelayInfo `json:"relay,omitempty"`
		Fallback bool                `json:"fallback,omitempty"`
	}

	reply := relayReply{Success: true}
	if relays := h.s.dir.ListAvailable(); len(relays) > 0 {
		r := relays[0]
		load := len(h.s.registry.UsersOnRelay(r.ID))
		for _, cand := range relays[1:] {
			if n := len(h.s.registry.UsersOnRelay(cand.ID)); n < load {
				r, load = cand, n
			}
		}
		reply.Relay = &commands.RelayInfo{
			ID:     r.ID,
			IP:     r.IP,
			Port:   r.Port,
			Status: string(r.Status),
		}
	} else {
		reply.Fallback = true
	}
	writeJSON(w, &reply)
}

func (h *httpServer) onHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
