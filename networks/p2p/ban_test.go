// Copyright 2019 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ground-x/nodep2p/common"
)

// TestBanRegistryHardBanPersists checks a hard ban survives reload from
// the backing store (§4.6).
func TestBanRegistryHardBanPersists(t *testing.T) {
	store := NewMemoryBanStore()
	r := NewBanRegistry(store, time.Minute)

	id := BanByNodeId(common.NodeId(1))
	require.NoError(t, r.AddBan(id))
	assert.True(t, r.IsBanned(id))

	reloaded := NewBanRegistry(store, time.Minute)
	assert.True(t, reloaded.IsBanned(id))
}

// TestBanRegistrySocketBanCoveredByIpBan checks that a hard ban on a bare
// IP also rejects a socket-specific ban check against the same IP, since
// a differently-ported reconnect from a banned source must still be
// refused.
func TestBanRegistrySocketBanCoveredByIpBan(t *testing.T) {
	r := NewBanRegistry(nil, time.Minute)
	ip := net.ParseIP("10.0.0.5")
	require.NoError(t, r.AddBan(BanByAddress(ip)))

	assert.True(t, r.IsBanned(BanBySocketAddr(ip, 30303)))
}

// TestBanRegistrySoftBanExpires checks a soft ban stops blocking once its
// TTL elapses.
func TestBanRegistrySoftBanExpires(t *testing.T) {
	r := NewBanRegistry(nil, time.Minute)
	ip := net.ParseIP("10.0.0.9")
	id := BanByAddress(ip)
	r.SoftBan(id)
	assert.True(t, r.IsBanned(id))

	assert.Equal(t, 1, r.ExpireSoftBans(time.Now().Add(2*time.Minute)))
	assert.False(t, r.IsBanned(id))
}

// TestBanRegistryRemoveBanLiftsHardBan checks RemoveBan actually clears a
// previously added hard ban, including from the backing store.
func TestBanRegistryRemoveBanLiftsHardBan(t *testing.T) {
	store := NewMemoryBanStore()
	r := NewBanRegistry(store, time.Minute)
	id := BanByNodeId(common.NodeId(42))
	require.NoError(t, r.AddBan(id))
	require.NoError(t, r.RemoveBan(id))
	assert.False(t, r.IsBanned(id))

	reloaded := NewBanRegistry(store, time.Minute)
	assert.False(t, reloaded.IsBanned(id))
}
