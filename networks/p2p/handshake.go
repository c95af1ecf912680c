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
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"

	"github.com/ground-x/nodep2p/log"
)

// HandshakeState is the state machine's current position, advancing
// Init -> KeyExchangeA -> KeyExchangeB -> Complete (§4.3).
type HandshakeState int

const (
	HandshakeInit HandshakeState = iota
	HandshakeKeyExchangeA
	HandshakeKeyExchangeB
	HandshakeComplete
)

// Handshake failure reasons; all of them close the connection without
// touching Buckets (§4.3, §7 kind 3).
var (
	ErrHandshakeProtocol   = errors.New("handshake protocol violation")
	ErrHandshakeVersion    = errors.New("handshake protocol version mismatch")
	ErrHandshakeSelfDial   = errors.New("handshake peer id equals local id")
	ErrHandshakeDuplicate  = errors.New("handshake peer id already connected")
)

// Handshaker drives the two-message ephemeral X25519 key agreement that
// produces a Session, then the subsequent HandshakeInfo exchange that
// promotes a connection to post-handshake. The ephemeral keys are not
// bound to any long-term identity, so neither side is authenticated: the
// peer's NodeId is whatever its HandshakeInfo claims.
type Handshaker struct {
	state       HandshakeState
	initiator   bool
	localSecret [32]byte
	localPublic [32]byte
	logger      log.Logger
}

// NewHandshaker generates a fresh ephemeral X25519 keypair for one
// connection attempt. Keys are never reused across connections.
func NewHandshaker(initiator bool) (*Handshaker, error) {
	h := &Handshaker{state: HandshakeInit, initiator: initiator, logger: log.NewModuleLogger(log.P2PHandshake)}
	if _, err := rand.Read(h.localSecret[:]); err != nil {
		return nil, errors.Wrap(err, "generating ephemeral key")
	}
	pub, err := curve25519.X25519(h.localSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "deriving ephemeral public key")
	}
	copy(h.localPublic[:], pub)
	return h, nil
}

// FirstMessage returns the initiator's first key-agreement message: its
// ephemeral public key. Only valid for the initiator, in HandshakeInit.
func (h *Handshaker) FirstMessage() ([]byte, error) {
	if !h.initiator || h.state != HandshakeInit {
		return nil, errors.New("FirstMessage called out of order")
	}
	h.state = HandshakeKeyExchangeA
	return append([]byte{}, h.localPublic[:]...), nil
}

// AdvanceResponder consumes the initiator's ephemeral public key and
// returns the responder's own ephemeral public key plus the derived
// session. Only valid for the responder, in HandshakeInit.
func (h *Handshaker) AdvanceResponder(peerMsg []byte) (reply []byte, session *Session, err error) {
	if h.initiator || h.state != HandshakeInit {
		return nil, nil, ErrHandshakeProtocol
	}
	if len(peerMsg) != 32 {
		return nil, nil, ErrHandshakeProtocol
	}
	shared, err := curve25519.X25519(h.localSecret[:], peerMsg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "computing shared secret")
	}
	var sharedArr [32]byte
	copy(sharedArr[:], shared)
	session, err = NewSession(sharedArr, false)
	if err != nil {
		return nil, nil, err
	}
	h.state = HandshakeComplete
	return append([]byte{}, h.localPublic[:]...), session, nil
}

// AdvanceInitiator consumes the responder's ephemeral public key and
// completes the agreement. Only valid for the initiator, in
// HandshakeKeyExchangeA.
func (h *Handshaker) AdvanceInitiator(peerMsg []byte) (*Session, error) {
	if !h.initiator || h.state != HandshakeKeyExchangeA {
		return nil, ErrHandshakeProtocol
	}
	if len(peerMsg) != 32 {
		return nil, ErrHandshakeProtocol
	}
	shared, err := curve25519.X25519(h.localSecret[:], peerMsg)
	if err != nil {
		return nil, errors.Wrap(err, "computing shared secret")
	}
	var sharedArr [32]byte
	copy(sharedArr[:], shared)
	session, err := NewSession(sharedArr, true)
	if err != nil {
		return nil, err
	}
	h.state = HandshakeKeyExchangeB
	return session, nil
}

// Complete marks the key agreement finished once the initiator has
// confirmed the responder's message was processed (the responder is
// already HandshakeComplete as soon as it replies).
func (h *Handshaker) Complete() {
	h.state = HandshakeComplete
}

func (h *Handshaker) State() HandshakeState { return h.state }

// ValidateHandshakeInfo applies §4.3's completion checks: protocol
// version match, peer id must not equal the local id, and the peer must
// not already be connected.
func ValidateHandshakeInfo(info *HandshakeInfo, localId NodeId, alreadyConnected func(NodeId) bool) error {
	if info.ProtocolVersion != protocolVersion {
		return ErrHandshakeVersion
	}
	if info.NodeId == localId {
		return ErrHandshakeSelfDial
	}
	if alreadyConnected(info.NodeId) {
		return ErrHandshakeDuplicate
	}
	return nil
}
