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

// Package p2p implements the networking core: peer discovery, the
// handshake/encryption state machine, connection lifecycle, the socket
// reactor, the gossip router and the consensus bridge.
package p2p

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrFrameTooLarge is returned by FrameDecoder.Feed when an advertised
// frame length exceeds MaxFrameLength (spec.md §4.2: "A length greater
// than 2^28 is rejected and the connection is terminated").
var ErrFrameTooLarge = errors.New("frame length exceeds maximum")

// FrameDecoder reassembles length-prefixed frames (u32 BE length || bytes)
// out of an arbitrarily chunked byte stream. A single call to Feed can
// yield zero, one, or many complete frames; partial frames are buffered
// across calls.
type FrameDecoder struct {
	maxLen uint32
	buf    []byte

	// wantLen is the length of the frame currently being assembled, or
	// -1 if we have not yet read a complete length prefix.
	wantLen int
}

func NewFrameDecoder(maxLen uint32) *FrameDecoder {
	return &FrameDecoder{maxLen: maxLen, wantLen: -1}
}

// Feed appends newly-read bytes to the decoder's buffer and returns every
// frame that became complete as a result, in arrival order. The caller
// can always tell "more bytes needed" (zero frames, nil error) from
// "frame ready" (non-empty slice) without peeking at internal state.
func (d *FrameDecoder) Feed(b []byte) ([][]byte, error) {
	d.buf = append(d.buf, b...)

	var frames [][]byte
	for {
		if d.wantLen < 0 {
			if len(d.buf) < 4 {
				break
			}
			length := binary.BigEndian.Uint32(d.buf[:4])
			if length > d.maxLen {
				return frames, ErrFrameTooLarge
			}
			d.wantLen = int(length)
			d.buf = d.buf[4:]
		}
		if len(d.buf) < d.wantLen {
			break
		}
		frame := make([]byte, d.wantLen)
		copy(frame, d.buf[:d.wantLen])
		d.buf = d.buf[d.wantLen:]
		d.wantLen = -1
		frames = append(frames, frame)
	}
	return frames, nil
}

// EncodeFrame prefixes payload with its big-endian u32 length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > (1 << 32 - 1) {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}
