// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the relay node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress  = ":29485"
	defaultLogLevel = "NOTICE"

	defaultHeartbeatInterval = 15 // seconds
	defaultAckTimeout        = 10
	defaultReconnectBackoff  = 1
	defaultMaxBackoff        = 60
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Relay is the relay's top level configuration section.
type Relay struct {
	// Addresses are the IP address/port combinations the relay binds to
	// for incoming client sessions.
	Addresses []string

	// BaseNodeAddress is the host:port of the base node's session
	// listener.
	BaseNodeAddress string

	// AdvertiseIP and AdvertisePort form the relay's routable address as
	// registered with the base node.  Leave empty behind NAT; the base
	// node then assigns a generated identifier and treats the address as
	// advisory.
	AdvertiseIP   string
	AdvertisePort int

	// DataDir is the absolute path to the relay's state files.
	DataDir string

	// OfflineRelay and Encryption are the capabilities advertised on
	// registration.
	OfflineRelay bool
	Encryption   bool
}

func (rCfg *Relay) validate() error {
	if len(rCfg.Addresses) == 0 {
		rCfg.Addresses = []string{defaultAddress}
	}
	for _, v := range rCfg.Addresses {
		if err := ensureAddr(v); err != nil {
			return fmt.Errorf("config: Relay: Address '%v' is invalid: %v", v, err)
		}
	}
	if rCfg.BaseNodeAddress == "" {
		return errors.New("config: Relay: BaseNodeAddress is missing")
	}
	if err := ensureAddr(rCfg.BaseNodeAddress); err != nil {
		return fmt.Errorf("config: Relay: BaseNodeAddress '%v' is invalid: %v", rCfg.BaseNodeAddress, err)
	}
	if !filepath.IsAbs(rCfg.DataDir) {
		return fmt.Errorf("config: Relay: DataDir '%v' is not an absolute path", rCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Parameters holds the relay's timing knobs, in seconds.
type Parameters struct {
	// HeartbeatIntervalSeconds is how often the relay heartbeats over
	// its uplink.
	HeartbeatIntervalSeconds uint64

	// AckTimeoutSeconds bounds every request/acknowledgement exchange.
	AckTimeoutSeconds uint64

	// ReconnectBackoffSeconds is the initial uplink reconnect delay; it
	// doubles on every failed attempt.
	ReconnectBackoffSeconds uint64

	// MaxBackoffSeconds caps the uplink reconnect delay.
	MaxBackoffSeconds uint64
}

func (pCfg *Parameters) applyDefaults() {
	if pCfg.HeartbeatIntervalSeconds == 0 {
		pCfg.HeartbeatIntervalSeconds = defaultHeartbeatInterval
	}
	if pCfg.AckTimeoutSeconds == 0 {
		pCfg.AckTimeoutSeconds = defaultAckTimeout
	}
	if pCfg.ReconnectBackoffSeconds == 0 {
		pCfg.ReconnectBackoffSeconds = defaultReconnectBackoff
	}
	if pCfg.MaxBackoffSeconds == 0 {
		pCfg.MaxBackoffSeconds = defaultMaxBackoff
	}
}

// HeartbeatInterval returns the heartbeat interval as a Duration.
func (pCfg *Parameters) HeartbeatInterval() time.Duration {
	return time.Duration(pCfg.HeartbeatIntervalSeconds) * time.Second
}

// AckTimeout returns the acknowledgement timeout as a Duration.
func (pCfg *Parameters) AckTimeout() time.Duration {
	return time.Duration(pCfg.AckTimeoutSeconds) * time.Second
}

// ReconnectBackoff returns the initial reconnect delay as a Duration.
func (pCfg *Parameters) ReconnectBackoff() time.Duration {
	return time.Duration(pCfg.ReconnectBackoffSeconds) * time.Second
}

// MaxBackoff returns the reconnect delay cap as a Duration.
func (pCfg *Parameters) MaxBackoff() time.Duration {
	return time.Duration(pCfg.MaxBackoffSeconds) * time.Second
}

// Config is the top level relay configuration.
type Config struct {
	Relay      *Relay
	Logging    *Logging
	Parameters *Parameters
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Relay == nil {
		return errors.New("config: No Relay block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Parameters == nil {
		cfg.Parameters = &Parameters{}
	}

	if err := cfg.Relay.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Parameters.applyDefaults()
	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func ensureAddr(a string) error {
	_, port, err := net.SplitHostPort(a)
	if err != nil {
		return err
	}
	if port == "" {
		return errors.New("missing port")
	}
	return nil
}
