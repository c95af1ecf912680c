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
	"sync/atomic"

	"github.com/ground-x/nodep2p/common"
	"github.com/ground-x/nodep2p/log"
)

// Envelope is the unit exchanged across the consensus bridge (§6).
type Envelope struct {
	Producer   *NodeId
	NetworkId  NetworkId
	Class      PayloadClass
	Payload    []byte
	Identifier *common.Identifier
}

// ConsensusBridge is the pair of typed channel groups connecting the
// router to the external consensus collaborator (§4.11, §6). Inbound
// lanes are network->consensus; outbound are consensus->network.
type ConsensusBridge struct {
	logger log.Logger

	inboundHi chan Envelope
	inboundLo chan Envelope

	outboundHi chan Envelope
	outboundLo chan Envelope

	maxFrame int

	hiLoad    int64 // inbound hi-lane sends since the last full lo batch, for adaptive lo batching
	closeOnce sync.Once
	closed    chan struct{}
}

const bridgeQueueCapacity = 4096

// NewConsensusBridge builds the four lanes. maxFrame bounds payload size
// accepted on any lane (§4.11, §7 kind 6's "oversized payloads refused
// before queueing").
func NewConsensusBridge(maxFrame int) *ConsensusBridge {
	return &ConsensusBridge{
		logger:     log.NewModuleLogger(log.P2PBridge),
		inboundHi:  make(chan Envelope, bridgeQueueCapacity),
		inboundLo:  make(chan Envelope, bridgeQueueCapacity),
		outboundHi: make(chan Envelope, bridgeQueueCapacity),
		outboundLo: make(chan Envelope, bridgeQueueCapacity),
		maxFrame:   maxFrame,
		closed:     make(chan struct{}),
	}
}

func laneFor(class PayloadClass) bool { return class.isHiPriority() }

// SendInbound is called by the router for a freshly deduplicated packet
// destined for the consensus collaborator. It never blocks: a full lane
// is backpressure into the network, and per §5 the only recourse is to
// drop the oldest normal-priority outbound frame elsewhere, not to block
// the router goroutine.
func (b *ConsensusBridge) SendInbound(e Envelope) error {
	if len(e.Payload) > b.maxFrame {
		return errOversizedPayload
	}
	ch := b.inboundLo
	if laneFor(e.Class) {
		ch = b.inboundHi
		atomic.AddInt64(&b.hiLoad, 1)
	}
	select {
	case ch <- e:
		return nil
	default:
		b.logger.Warn("inbound bridge lane full, dropping envelope", "class", e.Class)
		return errBridgeOverflow
	}
}

// RecvOutbound returns one outbound envelope, taking a pending hi-lane
// envelope ahead of any lo-lane one. It blocks until at least one
// envelope (or a stop) is available. The adaptively sized lo batch is
// DrainOutboundLoBatch's job.
func (b *ConsensusBridge) RecvOutbound() (Envelope, bool) {
	select {
	case e := <-b.outboundHi:
		return e, true
	default:
	}

	select {
	case e := <-b.outboundHi:
		return e, true
	case e := <-b.outboundLo:
		return e, true
	case <-b.closed:
		return Envelope{}, false
	}
}

// loBatchSize returns a decreasing function of recent hi-lane load: a
// quiet hi lane allows a large lo batch, a busy one shrinks it so
// consensus has room to breathe, per §4.11.
func (b *ConsensusBridge) loBatchSize() int {
	load := atomic.LoadInt64(&b.hiLoad)
	switch {
	case load == 0:
		return 64
	case load < 8:
		return 32
	case load < 64:
		return 8
	default:
		return 1
	}
}

// DrainOutboundLoBatch pulls up to loBatchSize() envelopes from the lo
// lane without blocking, used by the consumer after it has exhausted the
// hi lane.
func (b *ConsensusBridge) DrainOutboundLoBatch() []Envelope {
	n := b.loBatchSize()
	out := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-b.outboundLo:
			out = append(out, e)
		default:
			return out
		}
	}
	atomic.StoreInt64(&b.hiLoad, 0)
	return out
}

// SendOutbound is called by the consensus collaborator to push a new
// envelope into the network (maintenance.go relays outboundHi/Lo into
// broadcasts via the router).
func (b *ConsensusBridge) SendOutbound(e Envelope) error {
	if len(e.Payload) > b.maxFrame {
		return errOversizedPayload
	}
	ch := b.outboundLo
	if laneFor(e.Class) {
		ch = b.outboundHi
	}
	select {
	case <-b.closed:
		return errBridgeClosed
	default:
	}
	select {
	case ch <- e:
		return nil
	case <-b.closed:
		return errBridgeClosed
	}
}

func (b *ConsensusBridge) RecvInboundHi() (Envelope, bool) {
	select {
	case e := <-b.inboundHi:
		return e, true
	case <-b.closed:
		return Envelope{}, false
	}
}

func (b *ConsensusBridge) RecvInboundLo() (Envelope, bool) {
	select {
	case e := <-b.inboundLo:
		return e, true
	case <-b.closed:
		return Envelope{}, false
	}
}

// Stop terminates the bridge; blocked Recv* calls unblock with ok=false.
func (b *ConsensusBridge) Stop() {
	b.closeOnce.Do(func() { close(b.closed) })
}
