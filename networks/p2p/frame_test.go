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
)

// TestFrameRoundTrip checks that a frame encoded by EncodeFrame decodes
// back to the same payload in a single Feed call.
func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello consensus")
	framed, err := EncodeFrame(payload)
	require.NoError(t, err)

	d := NewFrameDecoder(1 << 20)
	frames, err := d.Feed(framed)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0])
}

// TestFrameDecoderAcrossMultipleFeeds splits a single frame across three
// Feed calls, including a split inside the length prefix itself.
func TestFrameDecoderAcrossMultipleFeeds(t *testing.T) {
	payload := []byte("a slightly longer payload that gets chunked")
	framed, err := EncodeFrame(payload)
	require.NoError(t, err)

	d := NewFrameDecoder(1 << 20)

	frames, err := d.Feed(framed[:2])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = d.Feed(framed[2:10])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = d.Feed(framed[10:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0])
}

// TestFrameDecoderMultipleFramesInOneFeed checks that two back-to-back
// frames delivered in a single read both come out, in order.
func TestFrameDecoderMultipleFramesInOneFeed(t *testing.T) {
	a, err := EncodeFrame([]byte("first"))
	require.NoError(t, err)
	b, err := EncodeFrame([]byte("second"))
	require.NoError(t, err)

	d := NewFrameDecoder(1 << 20)
	frames, err := d.Feed(append(a, b...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("first"), frames[0])
	assert.Equal(t, []byte("second"), frames[1])
}

// TestFrameDecoderRejectsOversizedLength checks the §4.2 cap: a length
// prefix beyond the configured maximum terminates decoding with
// ErrFrameTooLarge rather than allocating it.
func TestFrameDecoderRejectsOversizedLength(t *testing.T) {
	oversized, err := EncodeFrame(make([]byte, 100))
	require.NoError(t, err)

	d := NewFrameDecoder(10)
	_, err = d.Feed(oversized)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
