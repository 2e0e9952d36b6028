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

	const basicConfig = `
[Relay]
BaseNodeAddress = "127.0.0.1:29483"
DataDir = "/var/lib/ferrypost-relay"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load()")

	require.Equal([]string{":29485"}, cfg.Relay.Addresses)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(15*time.Second, cfg.Parameters.HeartbeatInterval())
	require.Equal(time.Second, cfg.Parameters.ReconnectBackoff())
	require.Equal(time.Minute, cfg.Parameters.MaxBackoff())
}

func TestConfigRejectsInvalid(t *testing.T) {
	require := require.New(t)

	// BaseNodeAddress is mandatory; a relay without an uplink target is
	// useless.
	_, err := Load([]byte(`
[Relay]
DataDir = "/var/lib/ferrypost-relay"
`))
	require.Error(err)

	_, err = Load([]byte(`
[Relay]
BaseNodeAddress = "127.0.0.1:29483"
DataDir = "relative"
`))
	require.Error(err)

	_, err = Load([]byte(`
[Relay]
BaseNodeAddress = "127.0.0.1:29483"
DataDir = "/var/lib/ferrypost-relay"
[Logging]
Level = "LOUD"
`))
	require.Error(err)
}
