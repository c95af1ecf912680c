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

// TestHandshakeTwoMessageKeyAgreement drives the full initiator/responder
// exchange and checks both sides land on the same session key (the
// round-trip is verified via Seal/Open rather than comparing raw keys,
// which are unexported).
func TestHandshakeTwoMessageKeyAgreement(t *testing.T) {
	initiator, err := NewHandshaker(true)
	require.NoError(t, err)
	responder, err := NewHandshaker(false)
	require.NoError(t, err)

	first, err := initiator.FirstMessage()
	require.NoError(t, err)
	assert.Equal(t, HandshakeKeyExchangeA, initiator.State())

	reply, respSession, err := responder.AdvanceResponder(first)
	require.NoError(t, err)
	assert.Equal(t, HandshakeComplete, responder.State())

	initSession, err := initiator.AdvanceInitiator(reply)
	require.NoError(t, err)
	assert.Equal(t, HandshakeKeyExchangeB, initiator.State())
	initiator.Complete()
	assert.Equal(t, HandshakeComplete, initiator.State())

	ct := initSession.Seal([]byte("handshake complete"))
	pt, err := respSession.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("handshake complete"), pt)
}

// TestHandshakeFirstMessageRejectsResponder checks FirstMessage is only
// callable by the initiator.
func TestHandshakeFirstMessageRejectsResponder(t *testing.T) {
	responder, err := NewHandshaker(false)
	require.NoError(t, err)
	_, err = responder.FirstMessage()
	assert.Error(t, err)
}

// TestHandshakeAdvanceResponderRejectsShortMessage checks a malformed
// (wrong-length) key exchange message is a protocol violation, not a
// panic.
func TestHandshakeAdvanceResponderRejectsShortMessage(t *testing.T) {
	responder, err := NewHandshaker(false)
	require.NoError(t, err)
	_, _, err = responder.AdvanceResponder([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrHandshakeProtocol)
}

// TestValidateHandshakeInfoRejectsSelfDial checks a peer claiming the
// local node's own id is refused.
func TestValidateHandshakeInfoRejectsSelfDial(t *testing.T) {
	local := common.NodeId(1)
	info := &HandshakeInfo{ProtocolVersion: protocolVersion, NodeId: local}
	err := ValidateHandshakeInfo(info, local, func(common.NodeId) bool { return false })
	assert.ErrorIs(t, err, ErrHandshakeSelfDial)
}

// TestValidateHandshakeInfoRejectsDuplicate checks a peer id that already
// has an established connection is refused.
func TestValidateHandshakeInfoRejectsDuplicate(t *testing.T) {
	local := common.NodeId(1)
	peer := common.NodeId(2)
	info := &HandshakeInfo{ProtocolVersion: protocolVersion, NodeId: peer}
	err := ValidateHandshakeInfo(info, local, func(id common.NodeId) bool { return id == peer })
	assert.ErrorIs(t, err, ErrHandshakeDuplicate)
}

// TestValidateHandshakeInfoRejectsVersionMismatch checks a differing
// protocol version is refused before identity checks run.
func TestValidateHandshakeInfoRejectsVersionMismatch(t *testing.T) {
	local := common.NodeId(1)
	info := &HandshakeInfo{ProtocolVersion: protocolVersion + 1, NodeId: common.NodeId(2)}
	err := ValidateHandshakeInfo(info, local, func(common.NodeId) bool { return false })
	assert.ErrorIs(t, err, ErrHandshakeVersion)
}

// TestValidateHandshakeInfoAccepts checks a well-formed, non-self,
// non-duplicate peer passes validation.
func TestValidateHandshakeInfoAccepts(t *testing.T) {
	local := common.NodeId(1)
	info := &HandshakeInfo{ProtocolVersion: protocolVersion, NodeId: common.NodeId(2)}
	err := ValidateHandshakeInfo(info, local, func(common.NodeId) bool { return false })
	assert.NoError(t, err)
}
