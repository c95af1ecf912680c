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
	"golang.org/x/crypto/blake2b"

	"github.com/ground-x/nodep2p/common"
)

// fingerprint derives the 8-byte dedup digest from a packet payload.
// blake2b is already a direct dependency (golang.org/x/crypto) pulled in
// for the handshake's session keys; reusing it here avoids adding a
// second hash primitive for a non-cryptographic fingerprint.
func fingerprint(payload []byte) common.Digest {
	full := blake2b.Sum256(payload)
	var d common.Digest
	copy(d[:], full[:8])
	return d
}

// identifier derives the 32-byte envelope identifier handed to the
// consensus bridge alongside a payload (§6).
func identifier(payload []byte) common.Identifier {
	return blake2b.Sum256(payload)
}
