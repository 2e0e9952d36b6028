// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package base implements the ferrypost base node: the single coordinating
// process holding the authoritative user registry, relay directory and
// offline message queue.
package base

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/ferrypost/ferrypost/base/config"
	"github.com/ferrypost/ferrypost/base/directory"
	"github.com/ferrypost/ferrypost/base/internal/liveness"
	"github.com/ferrypost/ferrypost/base/internal/router"
	"github.com/ferrypost/ferrypost/base/registry"
	"github.com/ferrypost/ferrypost/base/spool"
	"github.com/ferrypost/ferrypost/base/spool/boltspool"
	"github.com/ferrypost/ferrypost/base/spool/memspool"
	"github.com/ferrypost/ferrypost/core/log"
	"github.com/ferrypost/ferrypost/core/wire/commands"
)

// Server is a base node instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	clock    clock.Clock
	registry *registry.Registry
	dir      *directory.Directory
	spool    spool.Spool
	router   *router.Router
	monitor  *liveness.Monitor
	sessions *sessionTable

	listeners []*listener
	http      *httpServer

	fatalErrCh chan error
	haltedCh   chan struct{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.BaseNode.DataDir

	// Ensure the data directory exists (or can be created), and that it
	// has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("base: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("base: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("base: DataDir '%v' is not a directory", d)
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.BaseNode.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("base")
	}
	return err
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// BroadcastUserStatus implements liveness.Broadcaster.
func (s *Server) BroadcastUserStatus(username string, online bool) {
	s.broadcast(commands.UserStatusUpdate, &commands.UserStatusUpdateEvent{
		Username: username,
		Online:   online,
	})
}

// BroadcastRelayStatus implements liveness.Broadcaster.
func (s *Server) BroadcastRelayStatus(relayID string, status directory.Status) {
	s.broadcast(commands.RelayStatusUpdate, &commands.RelayStatusUpdateEvent{
		RelayID: relayID,
		Status:  string(status),
	})
}

func (s *Server) broadcastUsernameReleased(username string) {
	s.broadcast(commands.UsernameReleased, &commands.UsernameReleasedEvent{
		Username: username,
	})
}

func (s *Server) broadcast(event string, payload interface{}) {
	for _, sess := range s.sessions.All() {
		if err := sess.Notify(event, payload); err != nil {
			s.log.Debugf("Broadcast '%v' to session %v failed: %v", event, sess.ID(), err)
		}
	}
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	// Halt the listeners first so no new sessions arrive.
	for _, l := range s.listeners {
		l.Halt()
	}
	if s.http != nil {
		s.http.Halt()
	}

	// Tear down the remaining sessions.
	for _, sess := range s.sessions.All() {
		sess.Close()
	}

	if s.monitor != nil {
		s.monitor.Halt()
		s.monitor = nil
	}
	if s.spool != nil {
		s.spool.Close()
		s.spool = nil
	}
	close(s.fatalErrCh)

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.clock = clock.New()
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan struct{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}

	s.registry = registry.New()
	s.dir = directory.New()
	s.sessions = newSessionTable()

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Bring up the offline queue.
	var err error
	switch cfg.Spool.Backend {
	case config.BackendBolt:
		s.spool, err = boltspool.New(cfg.SpoolDBPath())
	case config.BackendMemory:
		s.spool = memspool.New()
	default:
		err = fmt.Errorf("base: unknown spool backend: %v", cfg.Spool.Backend)
	}
	if err != nil {
		return nil, err
	}

	s.router = router.New(&router.Config{
		HeartbeatTimeout: cfg.Parameters.HeartbeatTimeout(),
	}, s.registry, s.dir, s.spool, s.sessions, s.clock, s.logBackend.GetLogger("router"))

	s.monitor = liveness.New(&liveness.Config{
		SweepInterval:      cfg.Parameters.SweepInterval(),
		HeartbeatTimeout:   cfg.Parameters.HeartbeatTimeout(),
		RelayGracePeriod:   cfg.Parameters.RelayGracePeriod(),
		UserIdleEviction:   cfg.Parameters.UserIdleEviction(),
		SpoolSweepInterval: cfg.Parameters.SpoolSweepInterval(),
	}, s.registry, s.dir, s.spool, s, s.clock, s.logBackend.GetLogger("liveness"))

	// Start up the session listeners.
	for i, addr := range cfg.BaseNode.Addresses {
		l, err := newListener(s, i, addr)
		if err != nil {
			s.log.Errorf("Failed to start listener '%v': %v", addr, err)
			continue
		}
		s.listeners = append(s.listeners, l)
	}
	if len(s.listeners) == 0 {
		return nil, fmt.Errorf("base: failed to start all listeners")
	}

	// Start up the HTTP fallback listener.
	if s.http, err = newHTTPServer(s, cfg.BaseNode.HTTPAddress); err != nil {
		return nil, err
	}

	isOk = true
	return s, nil
}
