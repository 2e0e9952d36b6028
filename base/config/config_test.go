// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	const basicConfig = `# A basic configuration example.
[BaseNode]
DataDir = "/var/lib/ferrypost"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load()")

	require.Equal([]string{":29483"}, cfg.BaseNode.Addresses)
	require.Equal(":29484", cfg.BaseNode.HTTPAddress)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(BackendMemory, cfg.Spool.Backend)
	require.Equal("/var/lib/ferrypost/spool.db", cfg.SpoolDBPath())
	require.Equal(35*time.Second, cfg.Parameters.HeartbeatTimeout())
	require.Equal(4*time.Hour, cfg.Parameters.MessageTTL())
	require.Equal(10, cfg.Parameters.MaxBounces)
}

func TestConfigOverrides(t *testing.T) {
	require := require.New(t)

	const fullConfig = `
[BaseNode]
Addresses = [ "127.0.0.1:30000" ]
HTTPAddress = "127.0.0.1:30001"
DataDir = "/var/lib/ferrypost"

[Logging]
Level = "debug"
File = "base.log"

[Spool]
Backend = "bolt"
SpoolDB = "queue.db"

[Parameters]
HeartbeatTimeoutSeconds = 20
MessageTTLSeconds = 60
MaxBounces = 3
`
	cfg, err := Load([]byte(fullConfig))
	require.NoError(err, "Load()")

	require.Equal([]string{"127.0.0.1:30000"}, cfg.BaseNode.Addresses)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(BackendBolt, cfg.Spool.Backend)
	require.Equal("/var/lib/ferrypost/queue.db", cfg.SpoolDBPath())
	require.Equal(20*time.Second, cfg.Parameters.HeartbeatTimeout())
	require.Equal(time.Minute, cfg.Parameters.MessageTTL())
	require.Equal(3, cfg.Parameters.MaxBounces)
}

func TestConfigRejectsInvalid(t *testing.T) {
	require := require.New(t)

	// No BaseNode section.
	_, err := Load([]byte(`[Logging]`))
	require.Error(err)

	// Relative DataDir.
	_, err = Load([]byte(`
[BaseNode]
DataDir = "data"
`))
	require.Error(err)

	// Malformed bind address.
	_, err = Load([]byte(`
[BaseNode]
Addresses = [ "not an address" ]
DataDir = "/var/lib/ferrypost"
`))
	require.Error(err)

	// Unknown spool backend.
	_, err = Load([]byte(`
[BaseNode]
DataDir = "/var/lib/ferrypost"
[Spool]
Backend = "postgres"
`))
	require.Error(err)

	// Unknown keys are rejected rather than silently dropped.
	_, err = Load([]byte(`
[BaseNode]
DataDir = "/var/lib/ferrypost"
Addressess = [ ":29483" ]
`))
	require.Error(err)
}
