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
	"sync"

	"github.com/ground-x/nodep2p/common"
)

// DeduplicationQueues holds one fixed-capacity digest set per payload
// class (§4.5, I7). Each class's Cache is a plain LRU: a hit is a
// duplicate, a miss inserts and evicts the oldest entry on overflow,
// both O(1) amortized — exactly common.LRUConfig's shape, reused rather
// than hand-rolling a ring buffer of digests.
type DeduplicationQueues struct {
	mu     sync.Mutex
	queues map[PayloadClass]common.Cache
}

// NewDeduplicationQueues builds one queue per class, using the
// short-lived capacity for Block/FinalizationRecord and the long-lived
// capacity for Transaction/FinalizationMessage (§3).
func NewDeduplicationQueues(shortLived, longLived int) (*DeduplicationQueues, error) {
	classes := []PayloadClass{PayloadBlock, PayloadFinalizationRecord, PayloadFinalizationMessage, PayloadTransaction}
	q := &DeduplicationQueues{queues: make(map[PayloadClass]common.Cache, len(classes))}
	for _, c := range classes {
		capacity := longLived
		if c.isShortLived() {
			capacity = shortLived
		}
		cache, err := common.NewCache(common.LRUConfig{CacheSize: capacity})
		if err != nil {
			return nil, err
		}
		q.queues[c] = cache
	}
	return q, nil
}

// CheckAndInsert reports whether digest was already seen for the given
// class. A miss inserts it. Unknown classes are treated as always-novel
// (never deduplicated), matching §4.5's "one of the four known classes"
// scoping.
func (q *DeduplicationQueues) CheckAndInsert(class PayloadClass, digest common.Digest) (duplicate bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cache, ok := q.queues[class]
	if !ok {
		return false
	}
	if cache.Contains(digest) {
		return true
	}
	cache.Add(digest, struct{}{})
	return false
}

func (q *DeduplicationQueues) Len(class PayloadClass) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cache, ok := q.queues[class]; ok {
		return cache.Len()
	}
	return 0
}
