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
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Session is the bidirectional AEAD pair produced by the handshake's key
// agreement. Treated as a black-box AEAD+DH construction per spec.md §1
// ("Cryptographic primitive implementations" are out of scope) — this
// file only wires together golang.org/x/crypto primitives, it does not
// design a cipher.
type Session struct {
	sealAEAD   aeadCipher
	openAEAD   aeadCipher
	sendNonce  uint64
	recvNonce  uint64
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// deriveSessionKeys expands a raw X25519 shared secret into two
// independent directional keys using plain (unkeyed) blake2b hashing as
// a cheap HKDF stand-in: each direction's key is blake2b-256(secret || label).
// initiator selects which derived key encrypts which direction so both
// peers agree on the assignment without an extra round trip.
func deriveSessionKeys(shared [32]byte, initiator bool) (sealKey, openKey [32]byte) {
	toResponder := blake2b.Sum256(append(append([]byte{}, shared[:]...), []byte("initiator->responder")...))
	toInitiator := blake2b.Sum256(append(append([]byte{}, shared[:]...), []byte("responder->initiator")...))
	if initiator {
		return toResponder, toInitiator
	}
	return toInitiator, toResponder
}

// NewSession builds the session AEAD pair from the raw DH output.
func NewSession(shared [32]byte, initiator bool) (*Session, error) {
	sealKey, openKey := deriveSessionKeys(shared, initiator)
	sealAEAD, err := chacha20poly1305.New(sealKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "constructing seal AEAD")
	}
	openAEAD, err := chacha20poly1305.New(openKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "constructing open AEAD")
	}
	return &Session{sealAEAD: sealAEAD, openAEAD: openAEAD}, nil
}

func nonceFromCounter(n uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], n)
	return nonce
}

// Seal encrypts plaintext with the next send nonce. Nonces are a strictly
// increasing counter per direction. The counter is not checked for
// wrap-around; at 2^64 messages per connection that is not a practical
// concern.
func (s *Session) Seal(plaintext []byte) []byte {
	n := atomic.AddUint64(&s.sendNonce, 1) - 1
	nonce := nonceFromCounter(n, s.sealAEAD.NonceSize())
	return s.sealAEAD.Seal(nil, nonce, plaintext, nil)
}

// Open decrypts a ciphertext produced by the peer's Seal using the
// matching receive counter. Frames must arrive in order (guaranteed by
// TCP plus this connection's own FIFO framing), so a plain counter
// suffices; out-of-order delivery would require a replay window instead.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	n := atomic.AddUint64(&s.recvNonce, 1) - 1
	nonce := nonceFromCounter(n, s.openAEAD.NonceSize())
	pt, err := s.openAEAD.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "AEAD open failed")
	}
	return pt, nil
}
