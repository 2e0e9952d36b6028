// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterUniqueness(t *testing.T) {
	require := require.New(t)
	r := New()

	res, err := r.Register("alice", "dev-1", Direct("sock-1"), nil)
	require.NoError(err)
	require.False(res.IsNewDevice)

	// Same device reconnecting is idempotent and may move attachments.
	res, err = r.Register("alice", "dev-1", ViaRelay("relay-1"), nil)
	require.NoError(err)
	require.False(res.IsNewDevice)

	rec, ok := r.Lookup("alice")
	require.True(ok)
	require.Equal(AttachViaRelay, rec.Attachment.Kind)
	require.Equal("relay-1", rec.Attachment.RelayID)

	// A different device may not steal an online username.
	_, err = r.Register("alice", "dev-2", Direct("sock-2"), nil)
	require.Equal(ErrConflict, err)
}

func TestRegisterNewDeviceWhileOffline(t *testing.T) {
	require := require.New(t)
	r := New()

	_, err := r.Register("bob", "dev-1", Direct("sock-1"), nil)
	require.NoError(err)
	r.MarkOffline("bob")

	res, err := r.Register("bob", "dev-2", Direct("sock-2"), nil)
	require.NoError(err)
	require.True(res.IsNewDevice)

	rec, ok := r.Lookup("bob")
	require.True(ok)
	require.True(rec.Online)
	require.Equal("dev-2", rec.DeviceID)
	require.Contains(rec.KnownDevices, "dev-1")
	require.Contains(rec.KnownDevices, "dev-2")
}

func TestLookupReturnsCopy(t *testing.T) {
	require := require.New(t)
	r := New()

	_, err := r.Register("carol", "dev-1", Direct("sock-1"), []byte{0x01})
	require.NoError(err)

	rec, ok := r.Lookup("carol")
	require.True(ok)
	rec.Online = false
	rec.PublicKey[0] = 0xff

	rec2, ok := r.Lookup("carol")
	require.True(ok)
	require.True(rec2.Online)
	require.Equal(byte(0x01), rec2.PublicKey[0])
}

func TestRelease(t *testing.T) {
	require := require.New(t)
	r := New()

	_, err := r.Register("dave", "dev-1", Direct("sock-1"), nil)
	require.NoError(err)
	require.True(r.Release("dave"))
	require.False(r.Release("dave"))

	_, ok := r.Lookup("dave")
	require.False(ok)

	// The username is immediately reusable by anyone.
	_, err = r.Register("dave", "dev-9", Direct("sock-9"), nil)
	require.NoError(err)
}

func TestMarkRelayOffline(t *testing.T) {
	require := require.New(t)
	r := New()

	_, err := r.Register("u1", "d1", ViaRelay("relay-1"), nil)
	require.NoError(err)
	_, err = r.Register("u2", "d2", ViaRelay("relay-1"), nil)
	require.NoError(err)
	_, err = r.Register("u3", "d3", ViaRelay("relay-2"), nil)
	require.NoError(err)

	affected := r.MarkRelayOffline("relay-1")
	require.ElementsMatch([]string{"u1", "u2"}, affected)

	rec, ok := r.Lookup("u1")
	require.True(ok)
	require.False(rec.Online)
	rec, ok = r.Lookup("u3")
	require.True(ok)
	require.True(rec.Online)

	// Subsequent sweeps find nothing left to demote.
	require.Empty(r.MarkRelayOffline("relay-1"))
}

func TestEvictIdle(t *testing.T) {
	require := require.New(t)
	r := New()

	_, err := r.Register("idle", "d1", Direct("s1"), nil)
	require.NoError(err)
	_, err = r.Register("fresh", "d2", Direct("s2"), nil)
	require.NoError(err)
	r.MarkOffline("idle")
	r.MarkOffline("fresh")

	// Records made offline just now survive an eviction pass in the past.
	require.Empty(r.EvictIdle(time.Now().Add(-time.Hour)))

	evicted := r.EvictIdle(time.Now().Add(time.Hour))
	require.ElementsMatch([]string{"idle", "fresh"}, evicted)
	_, ok := r.Lookup("idle")
	require.False(ok)
}

func TestUsersOnRelay(t *testing.T) {
	require := require.New(t)
	r := New()

	_, err := r.Register("u1", "d1", ViaRelay("relay-1"), nil)
	require.NoError(err)
	_, err = r.Register("u2", "d2", Direct("s1"), nil)
	require.NoError(err)
	require.Equal([]string{"u1"}, r.UsersOnRelay("relay-1"))
	require.Empty(r.UsersOnRelay("relay-9"))
}

func TestMarkOnline(t *testing.T) {
	require := require.New(t)
	r := New()

	_, err := r.Register("alice", "d1", Direct("s1"), nil)
	require.NoError(err)
	r.MarkOffline("alice")
	r.MarkOnline("alice", "s2")

	rec, ok := r.Lookup("alice")
	require.True(ok)
	require.True(rec.Online)
	require.Equal("s2", rec.SocketID)
}

func TestOnlineCount(t *testing.T) {
	require := require.New(t)
	r := New()

	_, err := r.Register("a", "d1", Direct("s1"), nil)
	require.NoError(err)
	_, err = r.Register("b", "d2", Direct("s2"), nil)
	require.NoError(err)
	require.Equal(2, r.OnlineCount())

	r.MarkOffline("a")
	require.Equal(1, r.OnlineCount())
}
