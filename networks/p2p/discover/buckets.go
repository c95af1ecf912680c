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
//
// This file is derived from networks/p2p/discover/table.go (Kademlia
// table with per-NodeType storages). Rewritten for a single bucketed
// peer directory keyed by per-peer network membership instead of node
// type storages.

// Package discover implements the Kademlia-style bucketed peer directory
// (§4.1, C2).
package discover

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/ground-x/nodep2p/common"
	"github.com/ground-x/nodep2p/log"
)

var logger = log.NewModuleLogger(log.P2PDiscover)

// NodeId and NetworkId are re-exported so callers of this package never
// import common directly for these two types.
type NodeId = common.NodeId
type NetworkId = common.NetworkId

// entry is one (peer, network membership, last_seen) tuple kept by a
// bucket (§3's Buckets data model).
type entry struct {
	id       NodeId
	networks map[NetworkId]struct{}
	lastSeen time.Time
}

func (e *entry) hasAny(nets []NetworkId) bool {
	if len(nets) == 0 {
		return true
	}
	for _, n := range nets {
		if _, ok := e.networks[n]; ok {
			return true
		}
	}
	return false
}

type bucket struct {
	entries []*entry // tail = most recently seen
}

// Buckets is the Kademlia-style bucketed peer directory (C2). Bucket
// index for peer p is the position of the highest differing bit between
// local_id and p.id, per spec.md §4.1 — deliberately not the
// off-by-one variant the original table.go's distance helper used.
type Buckets struct {
	mu      sync.RWMutex
	localId NodeId
	size    int // K, per-bucket capacity (I5)
	buckets []*bucket

	rand   *mrand.Rand
	randMu sync.Mutex
}

// NewBuckets builds an empty directory of numBuckets buckets (64, one
// per bit of the 64-bit NodeId space), each bounded to size entries.
func NewBuckets(localId NodeId, size int) *Buckets {
	b := &Buckets{
		localId: localId,
		size:    size,
		buckets: make([]*bucket, 64),
		rand:    mrand.New(mrand.NewSource(0)),
	}
	for i := range b.buckets {
		b.buckets[i] = &bucket{}
	}
	b.reseed()
	return b
}

func (b *Buckets) reseed() {
	var seed [8]byte
	crand.Read(seed[:])
	b.randMu.Lock()
	b.rand.Seed(int64(binary.BigEndian.Uint64(seed[:])))
	b.randMu.Unlock()
}

func (b *Buckets) bucketIndex(id NodeId) int {
	return b.localId.BucketIndex(id, len(b.buckets))
}

// Insert replaces any existing entry for the same id (I4). On overflow
// the least-recently-seen entry is evicted before the newcomer is
// appended at the tail (§4.1).
func (b *Buckets) Insert(id NodeId, networks []NetworkId) {
	if id == b.localId {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	nets := toSet(networks)
	idx := b.bucketIndex(id)
	bk := b.buckets[idx]

	for i, e := range bk.entries {
		if e.id == id {
			bk.entries = append(bk.entries[:i], bk.entries[i+1:]...)
			break
		}
	}

	if len(bk.entries) >= b.size {
		logger.Debug("bucket overflow, evicting oldest", "bucket", idx, "evicted", bk.entries[0].id)
		bk.entries = bk.entries[1:]
	}
	bk.entries = append(bk.entries, &entry{id: id, networks: nets, lastSeen: time.Now()})
}

// Remove drops the peer if present in any bucket.
func (b *Buckets) Remove(id NodeId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.bucketIndex(id)
	bk := b.buckets[idx]
	for i, e := range bk.entries {
		if e.id == id {
			bk.entries = append(bk.entries[:i], bk.entries[i+1:]...)
			return
		}
	}
}

// UpdateNetworks overwrites the network membership recorded for id, if
// present (applied when a peer sends JoinNetwork/LeaveNetwork).
func (b *Buckets) UpdateNetworks(id NodeId, networks []NetworkId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.bucketIndex(id)
	for _, e := range b.buckets[idx].entries {
		if e.id == id {
			e.networks = toSet(networks)
			e.lastSeen = time.Now()
			return
		}
	}
}

// Touch refreshes last_seen for a peer, independent of a network update.
func (b *Buckets) Touch(id NodeId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.bucketIndex(id)
	for _, e := range b.buckets[idx].entries {
		if e.id == id {
			e.lastSeen = time.Now()
			return
		}
	}
}

// Closest returns the k peers whose ids are nearest target by XOR
// distance, restricted to those that exist.
func (b *Buckets) Closest(target NodeId, k int) []NodeId {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var all []NodeId
	for _, bk := range b.buckets {
		for _, e := range bk.entries {
			all = append(all, e.id)
		}
	}
	sortByDistance(all, target)
	if k < len(all) {
		all = all[:k]
	}
	return all
}

// Random returns up to k peers drawn uniformly at random from the
// entries overlapping nets, excluding requestor. Used by bootstrappers
// answering GetPeers (§4.1, §4.9). The shuffle uses a freshly reseeded
// local RNG per call, per §4.1 ("shuffles deterministically with a fresh
// RNG seed").
func (b *Buckets) Random(requestor NodeId, k int, nets []NetworkId) []NodeId {
	b.mu.RLock()
	var candidates []NodeId
	for _, bk := range b.buckets {
		for _, e := range bk.entries {
			if e.id == requestor {
				continue
			}
			if e.hasAny(nets) {
				candidates = append(candidates, e.id)
			}
		}
	}
	b.mu.RUnlock()

	b.reseed()
	b.randMu.Lock()
	b.rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	b.randMu.Unlock()

	if k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

// All returns every peer overlapping nets, excluding excludeSender. The
// router does not use it: a normal node's GetPeers answer and broadcast
// target selection both walk the reactor's established connections.
func (b *Buckets) All(excludeSender NodeId, nets []NetworkId) []NodeId {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []NodeId
	for _, bk := range b.buckets {
		for _, e := range bk.entries {
			if e.id == excludeSender {
				continue
			}
			if e.hasAny(nets) {
				out = append(out, e.id)
			}
		}
	}
	return out
}

// Networks returns the recorded network membership for a peer, or nil if
// the peer is not present.
func (b *Buckets) Networks(id NodeId) []NetworkId {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := b.bucketIndex(id)
	for _, e := range b.buckets[idx].entries {
		if e.id == id {
			out := make([]NetworkId, 0, len(e.networks))
			for n := range e.networks {
				out = append(out, n)
			}
			return out
		}
	}
	return nil
}

func (b *Buckets) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, bk := range b.buckets {
		n += len(bk.entries)
	}
	return n
}

// EvictOlderThan drops entries whose last_seen precedes cutoff. Invoked
// only in bootstrapper mode (§4.1).
func (b *Buckets) EvictOlderThan(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for _, bk := range b.buckets {
		kept := bk.entries[:0]
		for _, e := range bk.entries {
			if e.lastSeen.Before(cutoff) {
				evicted++
				continue
			}
			kept = append(kept, e)
		}
		bk.entries = kept
	}
	return evicted
}

func toSet(nets []NetworkId) map[NetworkId]struct{} {
	s := make(map[NetworkId]struct{}, len(nets))
	for _, n := range nets {
		s[n] = struct{}{}
	}
	return s
}

func sortByDistance(ids []NodeId, target NodeId) {
	// insertion sort: bucket sizes and k are both small in practice, so
	// this avoids pulling in sort.Slice's interface overhead for what
	// is usually a few dozen elements.
	for i := 1; i < len(ids); i++ {
		v := ids[i]
		j := i - 1
		for j >= 0 && target.Distance(ids[j]) > target.Distance(v) {
			ids[j+1] = ids[j]
			j--
		}
		ids[j+1] = v
	}
}
