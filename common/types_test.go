// Copyright 2018 The go-klaytn Authors
// This file is part of the go-klaytn library.
//
// The go-klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-klaytn library. If not, see <http://www.gnu.org/licenses/>.

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBucketIndexHighestDifferingBit checks the canonical definition:
// the bucket index is the position of the highest differing bit, not an
// off-by-one neighbor of it.
func TestBucketIndexHighestDifferingBit(t *testing.T) {
	local := NodeId(0)
	// Differs only in the lowest bit (bit 0): farthest from the top, so
	// it lands in the last bucket.
	assert.Equal(t, 63, local.BucketIndex(NodeId(1), 64))

	// Differs only in the highest bit (bit 63): closest to the top, so
	// it lands in bucket 0.
	assert.Equal(t, 0, local.BucketIndex(NodeId(1<<63), 64))

	// Two ids differing in bits 5 and 2: bit 5 is the highest differing
	// bit, giving bucket index 63-5 = 58.
	assert.Equal(t, 58, local.BucketIndex(NodeId(0b100100), 64))
}

func TestBucketIndexIdenticalIds(t *testing.T) {
	local := NodeId(42)
	assert.Equal(t, 0, local.BucketIndex(local, 64))
}

func TestBucketIndexClampedToRange(t *testing.T) {
	local := NodeId(0)
	// Lowest-bit difference wants bucket 63 in a full 64-bucket table;
	// clamped into a 16-bucket table it saturates at the last bucket.
	idx := local.BucketIndex(NodeId(1), 16)
	assert.Equal(t, 15, idx)
}

func TestNodeIdStringIsFixedWidthHex(t *testing.T) {
	id := NodeId(0xdeadbeef)
	assert.Len(t, id.String(), 16)
}

func TestRandomNodeIdIsNotDeterministic(t *testing.T) {
	a := RandomNodeId()
	b := RandomNodeId()
	assert.NotEqual(t, a, b)
}
