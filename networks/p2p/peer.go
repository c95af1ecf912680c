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
	"fmt"
	"net"

	"github.com/ground-x/nodep2p/common"
)

// NodeId and NetworkId are re-exported from common so package callers never
// need to import both.
type NodeId = common.NodeId
type NetworkId = common.NetworkId

// PeerType distinguishes a normal gossip participant from a bootstrapper,
// which only ever serves peer-list exchange.
type PeerType uint8

const (
	PeerTypeNode PeerType = iota
	PeerTypeBootstrapper
)

func (t PeerType) String() string {
	switch t {
	case PeerTypeNode:
		return "node"
	case PeerTypeBootstrapper:
		return "bootstrapper"
	default:
		return "unknown"
	}
}

func (t PeerType) IsBootstrapper() bool { return t == PeerTypeBootstrapper }

// RemotePeer describes the other end of a connection. Id is only known
// once the handshake completes; until then it is the zero value and
// HasId() reports false.
type RemotePeer struct {
	Address      net.IP
	ExternalPort uint16
	PeerType     PeerType

	id    NodeId
	hasID bool
}

func NewRemotePeer(addr net.IP, port uint16, pt PeerType) RemotePeer {
	return RemotePeer{Address: addr, ExternalPort: port, PeerType: pt}
}

func (p *RemotePeer) SetId(id NodeId) {
	p.id = id
	p.hasID = true
}

func (p RemotePeer) Id() (NodeId, bool) { return p.id, p.hasID }

func (p RemotePeer) String() string {
	if p.hasID {
		return fmt.Sprintf("%s@%s:%d", p.id, p.Address, p.ExternalPort)
	}
	return fmt.Sprintf("?@%s:%d", p.Address, p.ExternalPort)
}
