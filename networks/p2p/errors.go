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
	"errors"

	"golang.org/x/sys/unix"
)

var (
	errClosed          = errors.New("connection closed")
	errTooManyFailures = errors.New("too many failed packets")

	errOversizedPayload       = errors.New("payload exceeds max frame length")
	errBridgeOverflow         = errors.New("consensus bridge lane full")
	errBridgeClosed           = errors.New("consensus bridge closed")
	errPeerBanned             = errors.New("peer is banned")
	errTooManyCandidatesPerIP = errors.New("too many candidate connections from this address")
)

// isWouldBlock reports whether err is the non-blocking socket's "try
// again" signal (§5: "operations that would block return 'not ready'
// and are retried after the next readiness event"). Raw sockets surface
// this as a unix.Errno, not the net package's wrapped *net.OpError.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
