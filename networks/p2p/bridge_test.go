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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBridgeSendInboundRejectsOversizedPayload checks the bridge refuses
// to queue a payload larger than its configured frame limit.
func TestBridgeSendInboundRejectsOversizedPayload(t *testing.T) {
	b := NewConsensusBridge(8)
	defer b.Stop()
	err := b.SendInbound(Envelope{Class: PayloadTransaction, Payload: make([]byte, 9)})
	assert.ErrorIs(t, err, errOversizedPayload)
}

// TestBridgeRoutesByPayloadClassLane checks Block/FinalizationRecord land
// on the hi lane and Transaction/FinalizationMessage land on the lo lane.
func TestBridgeRoutesByPayloadClassLane(t *testing.T) {
	b := NewConsensusBridge(1024)
	defer b.Stop()

	require.NoError(t, b.SendInbound(Envelope{Class: PayloadBlock, Payload: []byte("block")}))
	e, ok := b.RecvInboundHi()
	require.True(t, ok)
	assert.Equal(t, PayloadBlock, e.Class)

	require.NoError(t, b.SendInbound(Envelope{Class: PayloadTransaction, Payload: []byte("tx")}))
	e, ok = b.RecvInboundLo()
	require.True(t, ok)
	assert.Equal(t, PayloadTransaction, e.Class)
}

// TestBridgeRecvOutboundPrefersHiLane checks a pending hi-lane envelope is
// always returned ahead of an also-pending lo-lane one.
func TestBridgeRecvOutboundPrefersHiLane(t *testing.T) {
	b := NewConsensusBridge(1024)
	defer b.Stop()

	require.NoError(t, b.SendOutbound(Envelope{Class: PayloadTransaction, Payload: []byte("lo")}))
	require.NoError(t, b.SendOutbound(Envelope{Class: PayloadBlock, Payload: []byte("hi")}))

	e, ok := b.RecvOutbound()
	require.True(t, ok)
	assert.Equal(t, PayloadBlock, e.Class)
}

// TestBridgeDrainOutboundLoBatchShrinksUnderHiLoad checks the lo batch
// size is a decreasing function of recent hi-lane load, per the adaptive
// batching rule.
func TestBridgeDrainOutboundLoBatchShrinksUnderHiLoad(t *testing.T) {
	b := NewConsensusBridge(1024)
	defer b.Stop()

	for i := 0; i < 100; i++ {
		require.NoError(t, b.SendOutbound(Envelope{Class: PayloadTransaction, Payload: []byte("lo")}))
	}
	for i := 0; i < 100; i++ {
		require.NoError(t, b.SendInbound(Envelope{Class: PayloadBlock, Payload: []byte("hi")}))
	}

	batch := b.DrainOutboundLoBatch()
	assert.LessOrEqual(t, len(batch), 1)
}

// TestBridgeStopUnblocksReceivers checks Stop wakes up blocked Recv calls
// with ok=false rather than hanging forever.
func TestBridgeStopUnblocksReceivers(t *testing.T) {
	b := NewConsensusBridge(1024)

	done := make(chan bool, 1)
	go func() {
		_, ok := b.RecvInboundHi()
		done <- ok
	}()

	b.Stop()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("RecvInboundHi did not unblock after Stop")
	}
}

// TestBridgeSendOutboundAfterStopFails checks a producer cannot enqueue
// into a stopped bridge.
func TestBridgeSendOutboundAfterStopFails(t *testing.T) {
	b := NewConsensusBridge(1024)
	b.Stop()
	err := b.SendOutbound(Envelope{Class: PayloadBlock, Payload: []byte("x")})
	assert.ErrorIs(t, err, errBridgeClosed)
}
