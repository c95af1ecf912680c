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

// TestEncodeDecodeBroadcastPacket checks a broadcast packet with an
// exclusion list survives the wire round trip, including the payload's
// class tag.
func TestEncodeDecodeBroadcastPacket(t *testing.T) {
	orig := &NetworkMessage{
		Kind: KindPacket,
		Packet: &NetworkPacket{
			Destination: BroadcastExcept(common.NodeId(1), common.NodeId(2)),
			NetworkId:   5,
			PayloadTag:  PayloadTransaction,
			Payload:     []byte("tx bytes"),
		},
	}
	b, err := EncodeMessage(orig)
	require.NoError(t, err)

	decoded, err := DecodeMessage(b)
	require.NoError(t, err)
	require.NotNil(t, decoded.Packet)
	assert.True(t, decoded.Packet.Destination.IsBroadcast())
	assert.True(t, decoded.Packet.Destination.Excludes(common.NodeId(1)))
	assert.False(t, decoded.Packet.Destination.Excludes(common.NodeId(3)))
	assert.Equal(t, NetworkId(5), decoded.Packet.NetworkId)
	assert.Equal(t, PayloadTransaction, decoded.Packet.PayloadTag)
	assert.Equal(t, []byte("tx bytes"), decoded.Packet.Payload)
}

// TestEncodeDecodeHandshakeRequest checks the handshake info request
// variant, which carries the most fields of any request, round trips.
func TestEncodeDecodeHandshakeRequest(t *testing.T) {
	orig := &NetworkMessage{
		Kind: KindRequest,
		Request: &NetworkRequest{
			Kind: ReqHandshake,
			Handshake: &HandshakeInfo{
				NodeId:          common.NodeId(99),
				ExternalPort:    30303,
				Networks:        []NetworkId{1, 2, 3},
				ProtocolVersion: protocolVersion,
			},
		},
	}
	b, err := EncodeMessage(orig)
	require.NoError(t, err)

	decoded, err := DecodeMessage(b)
	require.NoError(t, err)
	require.NotNil(t, decoded.Request)
	require.NotNil(t, decoded.Request.Handshake)
	assert.Equal(t, orig.Request.Handshake, decoded.Request.Handshake)
}

// TestEncodePacketRejectsEmptyDestination checks a packet built without
// going through DirectTo/BroadcastExcept is rejected rather than silently
// encoded as garbage.
func TestEncodePacketRejectsEmptyDestination(t *testing.T) {
	msg := &NetworkMessage{Kind: KindPacket, Packet: &NetworkPacket{}}
	_, err := EncodeMessage(msg)
	assert.Error(t, err)
}

// TestPacketDigestIgnoresEnvelope checks two packets with identical
// payloads but different destinations/network ids hash to the same
// digest, since dedup keys only on the payload.
func TestPacketDigestIgnoresEnvelope(t *testing.T) {
	a := &NetworkPacket{Destination: DirectTo(common.NodeId(1)), NetworkId: 1, Payload: []byte("x")}
	b := &NetworkPacket{Destination: BroadcastExcept(), NetworkId: 2, Payload: []byte("x")}
	assert.Equal(t, a.Digest(), b.Digest())
}
