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

// TestSessionSealOpenRoundTrip checks a message sealed by the initiator's
// session decrypts correctly through the responder's session, and vice
// versa, once both derive the same shared secret.
func TestSessionSealOpenRoundTrip(t *testing.T) {
	var shared [32]byte
	for i := range shared {
		shared[i] = byte(i)
	}

	initSession, err := NewSession(shared, true)
	require.NoError(t, err)
	respSession, err := NewSession(shared, false)
	require.NoError(t, err)

	ct := initSession.Seal([]byte("ping"))
	pt, err := respSession.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), pt)

	ct2 := respSession.Seal([]byte("pong"))
	pt2, err := initSession.Open(ct2)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), pt2)
}

// TestSessionOpenRejectsTamperedCiphertext checks the AEAD tag catches a
// flipped byte.
func TestSessionOpenRejectsTamperedCiphertext(t *testing.T) {
	var shared [32]byte
	initSession, err := NewSession(shared, true)
	require.NoError(t, err)
	respSession, err := NewSession(shared, false)
	require.NoError(t, err)

	ct := initSession.Seal([]byte("hello"))
	ct[0] ^= 0xff
	_, err = respSession.Open(ct)
	assert.Error(t, err)
}

// TestSessionNoncesAdvancePerMessage checks each Seal call uses a fresh
// nonce, so sealing the same plaintext twice never produces the same
// ciphertext.
func TestSessionNoncesAdvancePerMessage(t *testing.T) {
	var shared [32]byte
	s, err := NewSession(shared, true)
	require.NoError(t, err)

	a := s.Seal([]byte("repeat"))
	b := s.Seal([]byte("repeat"))
	assert.NotEqual(t, a, b)
}
