// Copyright 2018 The klaytn Authors
// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package discover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestBucketsInsertThenRemove checks a peer is retrievable after Insert
// and gone after Remove.
func TestBucketsInsertThenRemove(t *testing.T) {
	local := NodeId(0)
	b := NewBuckets(local, 4)

	peer := NodeId(123)
	b.Insert(peer, []NetworkId{1})
	assert.Equal(t, 1, b.Len())
	assert.Contains(t, b.All(0, nil), peer)

	b.Remove(peer)
	assert.Equal(t, 0, b.Len())
}

// TestBucketsInsertIgnoresSelf checks the local id is never inserted into
// its own directory.
func TestBucketsInsertIgnoresSelf(t *testing.T) {
	local := NodeId(7)
	b := NewBuckets(local, 4)
	b.Insert(local, nil)
	assert.Equal(t, 0, b.Len())
}

// TestBucketsInsertReplacesExisting checks re-inserting the same id
// updates its network membership rather than duplicating the entry (I4).
func TestBucketsInsertReplacesExisting(t *testing.T) {
	local := NodeId(0)
	b := NewBuckets(local, 4)
	peer := NodeId(55)

	b.Insert(peer, []NetworkId{1})
	b.Insert(peer, []NetworkId{2})

	assert.Equal(t, 1, b.Len())
	assert.Equal(t, []NetworkId{2}, b.Networks(peer))
}

// TestBucketsOverflowEvictsOldest checks a bucket at capacity evicts its
// least-recently-seen entry to make room for a newcomer (I5).
func TestBucketsOverflowEvictsOldest(t *testing.T) {
	local := NodeId(0)
	b := NewBuckets(local, 2)

	// 8, 9 and 10 all have bit 3 as their highest set bit, so against a
	// local id of 0 they land in the same bucket.
	b.Insert(NodeId(8), nil)
	b.Insert(NodeId(9), nil)
	b.Insert(NodeId(10), nil)

	assert.Equal(t, 2, b.Len())
	all := b.All(0, nil)
	assert.NotContains(t, all, NodeId(8))
}

// TestBucketsUpdateNetworksAndTouch checks membership and last-seen both
// update in place without duplicating the entry.
func TestBucketsUpdateNetworksAndTouch(t *testing.T) {
	local := NodeId(0)
	b := NewBuckets(local, 4)
	peer := NodeId(9)
	b.Insert(peer, []NetworkId{1})

	b.UpdateNetworks(peer, []NetworkId{1, 2})
	assert.ElementsMatch(t, []NetworkId{1, 2}, b.Networks(peer))

	b.Touch(peer)
	assert.Equal(t, 1, b.Len())
}

// TestBucketsClosestOrdersByXorDistance checks Closest returns ids nearest
// the target first.
func TestBucketsClosestOrdersByXorDistance(t *testing.T) {
	local := NodeId(0)
	b := NewBuckets(local, 16)
	b.Insert(NodeId(0b0001), nil)
	b.Insert(NodeId(0b1000), nil)
	b.Insert(NodeId(0b0010), nil)

	closest := b.Closest(NodeId(0), 2)
	assert.Equal(t, NodeId(0b0001), closest[0])
	assert.Equal(t, NodeId(0b0010), closest[1])
}

// TestBucketsRandomExcludesRequestorAndRespectsNetworkFilter checks Random
// never returns the requestor and only returns peers overlapping the
// requested networks.
func TestBucketsRandomExcludesRequestorAndRespectsNetworkFilter(t *testing.T) {
	local := NodeId(0)
	b := NewBuckets(local, 16)
	requestor := NodeId(1)
	b.Insert(requestor, []NetworkId{1})
	b.Insert(NodeId(2), []NetworkId{1})
	b.Insert(NodeId(3), []NetworkId{2})

	out := b.Random(requestor, 10, []NetworkId{1})
	assert.NotContains(t, out, requestor)
	assert.Contains(t, out, NodeId(2))
	assert.NotContains(t, out, NodeId(3))
}

// TestBucketsEvictOlderThanDropsStaleEntries checks EvictOlderThan removes
// only entries whose last_seen precedes the cutoff.
func TestBucketsEvictOlderThanDropsStaleEntries(t *testing.T) {
	local := NodeId(0)
	b := NewBuckets(local, 16)
	b.Insert(NodeId(1), nil)

	cutoff := time.Now().Add(time.Hour)
	evicted := b.EvictOlderThan(cutoff)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, b.Len())
}
