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
	"sync"
	"time"

	set "gopkg.in/fatih/set.v0"

	"github.com/ground-x/nodep2p/log"
)

// Priority selects which of a connection's two outbound FIFOs a frame is
// queued on. High-priority frames may overtake normal-priority ones
// pending on the same connection (R2, P7).
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Stats tracks the per-connection counters spec.md's data model lists,
// plus invalid_packets, carried in from original_source/ (see
// SPEC_FULL.md §3) as a finer-grained sibling of failed_packets.
type Stats struct {
	Created         time.Time
	LastSeen        time.Time
	LastPingSent    time.Time
	LastLatency     time.Duration
	LatencyValid    bool
	MessagesSent    uint64
	MessagesRecv    uint64
	FailedPackets   uint64
	InvalidPackets  uint64
}

const maxFailedPackets = 32

// rawSocket is the non-blocking socket surface the reactor's epoll loop
// drives. It is satisfied by *netSocket (reactor.go), which wraps a raw
// fd with golang.org/x/sys/unix syscalls so EAGAIN surfaces directly
// instead of being hidden by the standard library's internal netpoller.
type rawSocket interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
	Fd() int
}

// Connection is the per-socket state machine: buffers, stats, priority
// send queues and the post-handshake flag (§3, §4.4).
type Connection struct {
	Token      Token
	conn       rawSocket
	RemotePeer RemotePeer

	mu sync.Mutex

	decoder    *FrameDecoder
	handshaker *Handshaker
	session    *Session

	isPostHandshake bool
	remoteNetworks  *set.Set

	stats Stats

	highQueue   [][]byte
	normalQueue [][]byte

	closed bool

	// wantWrite is notified whenever a frame is queued onto a connection
	// that was previously drained, so the reactor can re-arm EPOLLOUT —
	// Enqueue/EnqueueRaw have no standing access to the epoll fd, and the
	// reactor only ever rearms writability from inside the readiness loop
	// itself otherwise.
	wantWrite func(Token)

	logger log.Logger
}

// Token is the reactor's map key for a connection; it never changes for
// the connection's lifetime (§4.7).
type Token uint64

func NewConnection(token Token, conn rawSocket, remote RemotePeer, maxFrameLen uint32) *Connection {
	now := time.Now()
	c := &Connection{
		Token:          token,
		conn:           conn,
		RemotePeer:     remote,
		decoder:        NewFrameDecoder(maxFrameLen),
		remoteNetworks: set.New(),
		stats:          Stats{Created: now, LastSeen: now},
		logger:         log.NewModuleLogger(log.P2PConnection).NewWith("token", uint64(token)),
	}
	return c
}

// SetWantWriteNotifier registers the callback the reactor uses to re-arm
// EPOLLOUT when a frame lands on an empty connection. Set once, by the
// reactor, when the connection is first registered as a candidate.
func (c *Connection) SetWantWriteNotifier(fn func(Token)) {
	c.mu.Lock()
	c.wantWrite = fn
	c.mu.Unlock()
}

func (c *Connection) IsPostHandshake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isPostHandshake
}

// MarkPostHandshake flips the connection to established, recording the
// peer id discovered by the handshake (I2, I3).
func (c *Connection) MarkPostHandshake(id NodeId, port uint16, networks []NetworkId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RemotePeer.SetId(id)
	c.RemotePeer.ExternalPort = port
	for _, n := range networks {
		c.remoteNetworks.Add(n)
	}
	c.isPostHandshake = true
}

func (c *Connection) SetSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) SetHandshaker(h *Handshaker) {
	c.mu.Lock()
	c.handshaker = h
	c.mu.Unlock()
}

func (c *Connection) Handshaker() *Handshaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaker
}

// HasNetwork reports whether the remote peer advertised membership in n.
func (c *Connection) HasNetwork(n NetworkId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNetworks.Has(n)
}

// UpdateNetworks applies a JoinNetwork/LeaveNetwork request.
func (c *Connection) UpdateNetworks(add bool, n NetworkId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if add {
		c.remoteNetworks.Add(n)
	} else {
		c.remoteNetworks.Remove(n)
	}
}

func (c *Connection) Networks() []NetworkId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NetworkId, 0, c.remoteNetworks.Size())
	for _, v := range c.remoteNetworks.List() {
		out = append(out, v.(NetworkId))
	}
	return out
}

func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Connection) touchLastSeen() {
	if c.RemotePeer.PeerType.IsBootstrapper() {
		return
	}
	c.stats.LastSeen = time.Now()
}

// Enqueue frames plaintext into the given priority FIFO. If the session
// is established the plaintext is sealed first; otherwise (still mid
// handshake) bytes are queued raw.
func (c *Connection) Enqueue(plaintext []byte, prio Priority) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	payload := plaintext
	if c.session != nil {
		payload = c.session.Seal(plaintext)
	}
	framed, err := EncodeFrame(payload)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	wasEmpty := len(c.highQueue) == 0 && len(c.normalQueue) == 0
	if prio == PriorityHigh {
		c.highQueue = append(c.highQueue, framed)
	} else {
		c.normalQueue = append(c.normalQueue, framed)
	}
	notify := c.wantWrite
	c.mu.Unlock()
	if wasEmpty && notify != nil {
		notify(c.Token)
	}
	return nil
}

// EnqueueRaw queues an already-framed, already-sealed (or pre-session
// handshake) byte slice, used by the handshake path before a Session
// exists.
func (c *Connection) EnqueueRaw(framed []byte, prio Priority) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	wasEmpty := len(c.highQueue) == 0 && len(c.normalQueue) == 0
	if prio == PriorityHigh {
		c.highQueue = append(c.highQueue, framed)
	} else {
		c.normalQueue = append(c.normalQueue, framed)
	}
	notify := c.wantWrite
	c.mu.Unlock()
	if wasEmpty && notify != nil {
		notify(c.Token)
	}
	return nil
}

// DropOldestNormal discards the oldest normal-priority frame, used by the
// consensus bridge's backpressure policy (§4.11, §7 kind 6).
func (c *Connection) DropOldestNormal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.normalQueue) == 0 {
		return false
	}
	c.normalQueue = c.normalQueue[1:]
	return true
}

// SendPending drains both FIFOs to the socket, high-priority first and
// fully, matching R1/R2/P7: frames within a class are written in FIFO
// order and high preempts normal. Returns wouldBlock=true on a would-block so
// the reactor can retry on the next writable event, and err on a fatal
// write error.
func (c *Connection) SendPending() (wouldBlock bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wb, err := c.drainQueue(&c.highQueue); wb || err != nil {
		return wb, err
	}
	return c.drainQueue(&c.normalQueue)
}

// drainQueue writes frames from *q to the socket until the queue is
// empty or the write would block, removing each frame only once it has
// been written in full.
func (c *Connection) drainQueue(q *[][]byte) (wouldBlock bool, err error) {
	for len(*q) > 0 {
		frame := (*q)[0]
		n, werr := c.conn.Write(frame)
		if werr != nil {
			if isWouldBlock(werr) {
				if n > 0 {
					(*q)[0] = frame[n:]
				}
				return true, nil
			}
			return false, werr
		}
		if n < len(frame) {
			(*q)[0] = frame[n:]
			return true, nil
		}
		*q = (*q)[1:]
	}
	return false, nil
}

// ReadFrames reads available bytes non-blockingly and returns every
// complete plaintext NetworkMessage payload assembled this call. A
// read-decrypt failure increments FailedPackets/InvalidPackets; after
// maxFailedPackets the caller should close the connection (§4.4).
func (c *Connection) ReadFrames() (payloads [][]byte, open bool, err error) {
	buf := make([]byte, 64*1024)
	n, rerr := c.conn.Read(buf)
	if n == 0 && rerr == nil {
		return nil, true, nil
	}
	if rerr != nil {
		if isWouldBlock(rerr) {
			return nil, true, nil
		}
		if n == 0 {
			return nil, false, rerr
		}
	}
	frames, ferr := c.decoder.Feed(buf[:n])
	if ferr != nil {
		c.mu.Lock()
		c.stats.InvalidPackets++
		c.mu.Unlock()
		return nil, false, ferr
	}

	c.mu.Lock()
	for _, f := range frames {
		plain := f
		if c.session != nil {
			pt, operr := c.session.Open(f)
			if operr != nil {
				c.stats.FailedPackets++
				c.stats.InvalidPackets++
				continue
			}
			plain = pt
		}
		payloads = append(payloads, plain)
		c.stats.MessagesRecv++
	}
	c.touchLastSeen()
	failed := c.stats.FailedPackets
	c.mu.Unlock()

	if failed >= maxFailedPackets {
		return payloads, false, errTooManyFailures
	}
	if rerr != nil && !isWouldBlock(rerr) {
		return payloads, false, nil
	}
	return payloads, true, nil
}

func (c *Connection) RecordSent() {
	c.mu.Lock()
	c.stats.MessagesSent++
	c.mu.Unlock()
}

func (c *Connection) RecordPingSent(t time.Time) {
	c.mu.Lock()
	c.stats.LastPingSent = t
	c.mu.Unlock()
}

func (c *Connection) RecordPong(now time.Time) {
	c.mu.Lock()
	if !c.stats.LastPingSent.IsZero() {
		c.stats.LastLatency = now.Sub(c.stats.LastPingSent)
		c.stats.LatencyValid = true
	}
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
