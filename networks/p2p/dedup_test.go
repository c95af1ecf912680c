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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ground-x/nodep2p/common"
)

func digestOf(b byte) common.Digest {
	var d common.Digest
	d[0] = b
	return d
}

// TestCheckAndInsertFirstSeenIsNotDuplicate checks the first sighting of a
// digest in a class is reported as novel and subsequent sightings as
// duplicates (I7).
func TestCheckAndInsertFirstSeenIsNotDuplicate(t *testing.T) {
	q, err := NewDeduplicationQueues(4, 4)
	require.NoError(t, err)

	assert.False(t, q.CheckAndInsert(PayloadBlock, digestOf(1)))
	assert.True(t, q.CheckAndInsert(PayloadBlock, digestOf(1)))
}

// TestCheckAndInsertIsScopedPerClass checks the same digest is tracked
// independently per payload class.
func TestCheckAndInsertIsScopedPerClass(t *testing.T) {
	q, err := NewDeduplicationQueues(4, 4)
	require.NoError(t, err)

	assert.False(t, q.CheckAndInsert(PayloadBlock, digestOf(7)))
	assert.False(t, q.CheckAndInsert(PayloadTransaction, digestOf(7)))
}

// TestCheckAndInsertEvictsOldestOnOverflow checks a class at capacity
// evicts its oldest digest, making room to re-admit it as novel again.
func TestCheckAndInsertEvictsOldestOnOverflow(t *testing.T) {
	q, err := NewDeduplicationQueues(2, 2)
	require.NoError(t, err)

	assert.False(t, q.CheckAndInsert(PayloadBlock, digestOf(1)))
	assert.False(t, q.CheckAndInsert(PayloadBlock, digestOf(2)))
	assert.False(t, q.CheckAndInsert(PayloadBlock, digestOf(3)))
	assert.Equal(t, 2, q.Len(PayloadBlock))

	assert.False(t, q.CheckAndInsert(PayloadBlock, digestOf(1)))
}
