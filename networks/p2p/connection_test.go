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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeSocket is a rawSocket that never blocks: writes always succeed in
// full and are recorded in order, reads are served from a preloaded
// buffer and report EAGAIN once drained.
type fakeSocket struct {
	writes  [][]byte
	toRead  []byte
	addr    net.Addr
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{addr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 30303}}
}

func (f *fakeSocket) Write(b []byte) (int, error) {
	cp := append([]byte{}, b...)
	f.writes = append(f.writes, cp)
	return len(b), nil
}

func (f *fakeSocket) Read(b []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, unix.EAGAIN
	}
	n := copy(b, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakeSocket) Close() error       { return nil }
func (f *fakeSocket) RemoteAddr() net.Addr { return f.addr }
func (f *fakeSocket) Fd() int             { return 0 }

func newTestConnection() (*Connection, *fakeSocket) {
	sock := newFakeSocket()
	remote := NewRemotePeer(net.ParseIP("127.0.0.1"), 30303, PeerTypeNode)
	return NewConnection(Token(1), sock, remote, 1<<20), sock
}

// TestSendPendingDrainsHighQueueBeforeNormal checks a high-priority frame
// queued after normal-priority ones is still written first (R2, P7).
func TestSendPendingDrainsHighQueueBeforeNormal(t *testing.T) {
	c, sock := newTestConnection()

	require.NoError(t, c.Enqueue([]byte("normal-1"), PriorityNormal))
	require.NoError(t, c.Enqueue([]byte("high-1"), PriorityHigh))
	require.NoError(t, c.Enqueue([]byte("normal-2"), PriorityNormal))

	wouldBlock, err := c.SendPending()
	require.NoError(t, err)
	assert.False(t, wouldBlock)
	require.Len(t, sock.writes, 3)

	d := NewFrameDecoder(1 << 20)
	var got [][]byte
	for _, w := range sock.writes {
		frames, ferr := d.Feed(w)
		require.NoError(t, ferr)
		got = append(got, frames...)
	}
	require.Len(t, got, 3)
	assert.Equal(t, []byte("high-1"), got[0])
	assert.Equal(t, []byte("normal-1"), got[1])
	assert.Equal(t, []byte("normal-2"), got[2])
}

// TestEnqueueAfterCloseFails checks a closed connection refuses further
// sends rather than silently growing an abandoned queue.
func TestEnqueueAfterCloseFails(t *testing.T) {
	c, _ := newTestConnection()
	require.NoError(t, c.Close())
	err := c.Enqueue([]byte("too late"), PriorityNormal)
	assert.ErrorIs(t, err, errClosed)
}

// TestReadFramesAssemblesPlaintextBeforeSession checks a connection
// without a session yet (mid-handshake) decodes raw frames without
// attempting AEAD open.
func TestReadFramesAssemblesPlaintextBeforeSession(t *testing.T) {
	c, sock := newTestConnection()
	framed, err := EncodeFrame([]byte("raw handshake bytes"))
	require.NoError(t, err)
	sock.toRead = framed

	payloads, open, err := c.ReadFrames()
	require.NoError(t, err)
	assert.True(t, open)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("raw handshake bytes"), payloads[0])
}

// TestReadFramesDecryptsWithSession checks a post-handshake connection
// opens frames sealed under its session before handing back plaintext.
func TestReadFramesDecryptsWithSession(t *testing.T) {
	c, sock := newTestConnection()
	var shared [32]byte
	session, err := NewSession(shared, true)
	require.NoError(t, err)
	peerSession, err := NewSession(shared, false)
	require.NoError(t, err)
	c.SetSession(session)

	sealed := peerSession.Seal([]byte("established payload"))
	framed, err := EncodeFrame(sealed)
	require.NoError(t, err)
	sock.toRead = framed

	payloads, open, err := c.ReadFrames()
	require.NoError(t, err)
	assert.True(t, open)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("established payload"), payloads[0])
}

// TestDropOldestNormalLeavesHighQueueAlone checks the bridge backpressure
// helper only ever discards from the normal queue.
func TestDropOldestNormalLeavesHighQueueAlone(t *testing.T) {
	c, _ := newTestConnection()
	require.NoError(t, c.Enqueue([]byte("high"), PriorityHigh))
	require.NoError(t, c.Enqueue([]byte("normal"), PriorityNormal))

	assert.True(t, c.DropOldestNormal())
	assert.False(t, c.DropOldestNormal())

	wouldBlock, err := c.SendPending()
	require.NoError(t, err)
	assert.False(t, wouldBlock)
}
