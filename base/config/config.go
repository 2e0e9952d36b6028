// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the base node configuration.
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
	defaultAddress     = ":29483"
	defaultHTTPAddress = ":29484"
	defaultLogLevel    = "NOTICE"

	// BackendMemory is the in-memory spool backend.
	BackendMemory = "memory"

	// BackendBolt is the boltdb spool backend.
	BackendBolt = "bolt"

	defaultSpoolDB = "spool.db"

	defaultHeartbeatTimeout   = 35 // seconds
	defaultRelayGracePeriod   = 60
	defaultUserIdleEviction   = 600
	defaultSweepInterval      = 10
	defaultSpoolSweepInterval = 60
	defaultMessageTTL         = 4 * 60 * 60 // 4 hours
	defaultMaxBounces         = 10
	defaultAckTimeout         = 10
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// BaseNode is the base node's top level configuration section.
type BaseNode struct {
	// Addresses are the IP address/port combinations the base node binds
	// to for incoming client and relay sessions.
	Addresses []string

	// HTTPAddress is the bind address of the HTTP fallback listener
	// serving relay discovery, health probing and metrics.
	HTTPAddress string

	// DataDir is the absolute path to the base node's state files.
	DataDir string
}

func (bCfg *BaseNode) validate() error {
	if len(bCfg.Addresses) == 0 {
		bCfg.Addresses = []string{defaultAddress}
	}
	for _, v := range bCfg.Addresses {
		if err := ensureAddr(v); err != nil {
			return fmt.Errorf("config: BaseNode: Address '%v' is invalid: %v", v, err)
		}
	}
	if bCfg.HTTPAddress == "" {
		bCfg.HTTPAddress = defaultHTTPAddress
	}
	if err := ensureAddr(bCfg.HTTPAddress); err != nil {
		return fmt.Errorf("config: BaseNode: HTTPAddress '%v' is invalid: %v", bCfg.HTTPAddress, err)
	}
	if !filepath.IsAbs(bCfg.DataDir) {
		return fmt.Errorf("config: BaseNode: DataDir '%v' is not an absolute path", bCfg.DataDir)
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

// Spool is the offline queue configuration.
type Spool struct {
	// Backend selects the queue implementation, BackendMemory or
	// BackendBolt.
	Backend string

	// SpoolDB is the boltdb file, relative paths resolve against
	// DataDir.  Only consumed by the bolt backend.
	SpoolDB string
}

func (sCfg *Spool) validate() error {
	switch sCfg.Backend {
	case "":
		sCfg.Backend = BackendMemory
	case BackendMemory, BackendBolt:
	default:
		return fmt.Errorf("config: Spool: Backend '%v' is invalid", sCfg.Backend)
	}
	if sCfg.SpoolDB == "" {
		sCfg.SpoolDB = defaultSpoolDB
	}
	return nil
}

// Parameters holds the overlay's timing and budget knobs.  All of the
// values are in seconds except MaxBounces.
type Parameters struct {
	// HeartbeatTimeoutSeconds is how stale a relay's heartbeat may get
	// before the relay is demoted to offline.
	HeartbeatTimeoutSeconds uint64

	// RelayGracePeriodSeconds is how long an offline relay is remembered
	// before deletion.
	RelayGracePeriodSeconds uint64

	// UserIdleEvictionSeconds is how long an offline user record is kept
	// before deletion.
	UserIdleEvictionSeconds uint64

	// SweepIntervalSeconds is how often the liveness sweep runs.
	SweepIntervalSeconds uint64

	// SpoolSweepIntervalSeconds is how often expired queue entries are
	// reclaimed.
	SpoolSweepIntervalSeconds uint64

	// MessageTTLSeconds is the default offline queue lifetime granted to
	// bounced messages.
	MessageTTLSeconds uint64

	// MaxBounces is the default bounce budget per message.
	MaxBounces int

	// AckTimeoutSeconds bounds every request/acknowledgement exchange.
	AckTimeoutSeconds uint64
}

func (pCfg *Parameters) validate() error {
	if pCfg.MaxBounces < 0 {
		return fmt.Errorf("config: Parameters: MaxBounces %v is invalid", pCfg.MaxBounces)
	}
	return nil
}

func (pCfg *Parameters) applyDefaults() {
	if pCfg.HeartbeatTimeoutSeconds == 0 {
		pCfg.HeartbeatTimeoutSeconds = defaultHeartbeatTimeout
	}
	if pCfg.RelayGracePeriodSeconds == 0 {
		pCfg.RelayGracePeriodSeconds = defaultRelayGracePeriod
	}
	if pCfg.UserIdleEvictionSeconds == 0 {
		pCfg.UserIdleEvictionSeconds = defaultUserIdleEviction
	}
	if pCfg.SweepIntervalSeconds == 0 {
		pCfg.SweepIntervalSeconds = defaultSweepInterval
	}
	if pCfg.SpoolSweepIntervalSeconds == 0 {
		pCfg.SpoolSweepIntervalSeconds = defaultSpoolSweepInterval
	}
	if pCfg.MessageTTLSeconds == 0 {
		pCfg.MessageTTLSeconds = defaultMessageTTL
	}
	if pCfg.MaxBounces == 0 {
		pCfg.MaxBounces = defaultMaxBounces
	}
	if pCfg.AckTimeoutSeconds == 0 {
		pCfg.AckTimeoutSeconds = defaultAckTimeout
	}
}

// HeartbeatTimeout returns the heartbeat timeout as a Duration.
func (pCfg *Parameters) HeartbeatTimeout() time.Duration {
	return time.Duration(pCfg.HeartbeatTimeoutSeconds) * time.Second
}

// RelayGracePeriod returns the relay grace period as a Duration.
func (pCfg *Parameters) RelayGracePeriod() time.Duration {
	return time.Duration(pCfg.RelayGracePeriodSeconds) * time.Second
}

// UserIdleEviction returns the user idle eviction period as a Duration.
func (pCfg *Parameters) UserIdleEviction() time.Duration {
	return time.Duration(pCfg.UserIdleEvictionSeconds) * time.Second
}

// SweepInterval returns the liveness sweep interval as a Duration.
func (pCfg *Parameters) SweepInterval() time.Duration {
	return time.Duration(pCfg.SweepIntervalSeconds) * time.Second
}

// SpoolSweepInterval returns the spool sweep interval as a Duration.
func (pCfg *Parameters) SpoolSweepInterval() time.Duration {
	return time.Duration(pCfg.SpoolSweepIntervalSeconds) * time.Second
}

// MessageTTL returns the default message lifetime as a Duration.
func (pCfg *Parameters) MessageTTL() time.Duration {
	return time.Duration(pCfg.MessageTTLSeconds) * time.Second
}

// AckTimeout returns the acknowledgement timeout as a Duration.
func (pCfg *Parameters) AckTimeout() time.Duration {
	return time.Duration(pCfg.AckTimeoutSeconds) * time.Second
}

// Config is the top level base node configuration.
type Config struct {
	BaseNode   *BaseNode
	Logging    *Logging
	Spool      *Spool
	Parameters *Parameters
}

// SpoolDBPath resolves the spool database file against DataDir.
func (cfg *Config) SpoolDBPath() string {
	if filepath.IsAbs(cfg.Spool.SpoolDB) {
		return cfg.Spool.SpoolDB
	}
	return filepath.Join(cfg.BaseNode.DataDir, cfg.Spool.SpoolDB)
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if cfg.BaseNode == nil {
		return errors.New("config: No BaseNode block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Spool == nil {
		cfg.Spool = &Spool{}
	}
	if cfg.Parameters == nil {
		cfg.Parameters = &Parameters{}
	}

	// Validate and fixup the various sections.
	if err := cfg.BaseNode.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Spool.validate(); err != nil {
		return err
	}
	if err := cfg.Parameters.validate(); err != nil {
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
