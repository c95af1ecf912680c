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
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ground-x/nodep2p/common"
)

// MessageKind tags the outer NetworkMessage union.
type MessageKind uint16

const (
	KindRequest MessageKind = iota
	KindResponse
	KindPacket
)

// RequestKind enumerates every Request/Response variant. Responses reuse
// the same tag values: on the wire the MessageKind u16 tells a request
// from a response, and a second u16 names the specific variant.
type RequestKind uint16

const (
	ReqPing RequestKind = iota
	ReqPong
	ReqHandshake
	ReqGetPeers
	ReqPeerList
	ReqJoinNetwork
	ReqLeaveNetwork
	ReqBanNode
	ReqUnbanNode
	ReqRetransmit
)

// PayloadClass identifies the four gossip payload families the dedup
// queues and the consensus bridge key on.
type PayloadClass uint16

const (
	PayloadBlock PayloadClass = iota
	PayloadFinalizationRecord
	PayloadFinalizationMessage
	PayloadTransaction
)

func (c PayloadClass) String() string {
	switch c {
	case PayloadBlock:
		return "block"
	case PayloadFinalizationRecord:
		return "finalization-record"
	case PayloadFinalizationMessage:
		return "finalization-message"
	case PayloadTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// isHiPriority reports whether the payload class takes the bridge's hi
// lane (Block, FinalizationRecord) rather than the lo lane.
func (c PayloadClass) isHiPriority() bool {
	return c == PayloadBlock || c == PayloadFinalizationRecord
}

// isShortLived reports whether the payload class uses the dedup queues'
// smaller, short-lived capacity.
func (c PayloadClass) isShortLived() bool {
	return c == PayloadBlock || c == PayloadFinalizationRecord
}

// Destination selects a direct recipient or a broadcast with exclusions.
type Destination struct {
	Direct    *NodeId
	Broadcast []NodeId // exclusion list; only meaningful when isBcast is set (BroadcastExcept)
	isBcast   bool
}

func DirectTo(id NodeId) Destination           { return Destination{Direct: &id} }
func BroadcastExcept(excl ...NodeId) Destination { return Destination{Broadcast: excl, isBcast: true} }

func (d Destination) IsBroadcast() bool { return d.isBcast }

func (d Destination) Excludes(id NodeId) bool {
	for _, e := range d.Broadcast {
		if e == id {
			return true
		}
	}
	return false
}

// NetworkPacket is a gossip payload destined for one or many peers.
type NetworkPacket struct {
	Destination Destination
	NetworkId   NetworkId
	PayloadTag  PayloadClass
	Payload     []byte
}

// NetworkRequest is a closed union of request variants; only one field is
// populated, matching the one-populated-field-of-many convention used for
// tagged unions throughout this codebase's wire types.
type NetworkRequest struct {
	Kind RequestKind

	// ReqPing, ReqPong carry no payload.
	// ReqHandshake:
	Handshake *HandshakeInfo
	// ReqGetPeers:
	GetPeersNetworks []NetworkId
	// ReqPeerList:
	PeerList []PeerAddr
	// ReqJoinNetwork / ReqLeaveNetwork:
	Network NetworkId
	// ReqBanNode / ReqUnbanNode:
	Ban BanId
	// ReqRetransmit:
	RetransmitSince time.Time
}

// NetworkResponse mirrors NetworkRequest's shape for reply variants that
// are not simply request/response pairs over the same tag (Pong answers
// Ping inline and is modeled as a Request for simplicity, matching the
// original source's flat request enum).
type NetworkResponse struct {
	Kind RequestKind
}

// HandshakeInfo is exchanged once the key-agreement completes; see
// handshake.go.
type HandshakeInfo struct {
	NodeId          NodeId
	ExternalPort    uint16
	Networks        []NetworkId
	ProtocolVersion uint16
}

// PeerAddr is the minimal addressing info exchanged in a PeerList.
type PeerAddr struct {
	Id   NodeId
	IP   [16]byte // net.IP, fixed width on the wire
	Port uint16
}

// NetworkMessage is the tagged union carried by every post-handshake
// frame, stamped with the send/receive timestamps spec.md's data model
// calls for.
type NetworkMessage struct {
	Kind     MessageKind
	Request  *NetworkRequest
	Response *NetworkResponse
	Packet   *NetworkPacket

	SentAt     time.Time
	ReceivedAt time.Time
}

const protocolVersion = 1

// EncodeMessage serializes a NetworkMessage to its plaintext wire form,
// per §6: u16 variant-tag, request/response fields per variant, or for
// Packet a destination-tag, network_id, payload-length, payload.
func EncodeMessage(m *NetworkMessage) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = appendU16(buf, uint16(m.Kind))
	switch m.Kind {
	case KindRequest:
		if m.Request == nil {
			return nil, errors.New("nil request body")
		}
		return encodeRequest(buf, m.Request)
	case KindResponse:
		if m.Response == nil {
			return nil, errors.New("nil response body")
		}
		buf = appendU16(buf, uint16(m.Response.Kind))
		return buf, nil
	case KindPacket:
		if m.Packet == nil {
			return nil, errors.New("nil packet body")
		}
		return encodePacket(buf, m.Packet)
	default:
		return nil, errors.Errorf("unknown message kind %d", m.Kind)
	}
}

func encodeRequest(buf []byte, r *NetworkRequest) ([]byte, error) {
	buf = appendU16(buf, uint16(r.Kind))
	switch r.Kind {
	case ReqPing, ReqPong:
		return buf, nil
	case ReqHandshake:
		if r.Handshake == nil {
			return nil, errors.New("nil handshake body")
		}
		h := r.Handshake
		var idb [8]byte
		binary.BigEndian.PutUint64(idb[:], uint64(h.NodeId))
		buf = append(buf, idb[:]...)
		buf = appendU16(buf, h.ExternalPort)
		buf = appendU16(buf, uint16(len(h.Networks)))
		for _, n := range h.Networks {
			buf = appendU16(buf, uint16(n))
		}
		buf = appendU16(buf, h.ProtocolVersion)
		return buf, nil
	case ReqGetPeers:
		buf = appendU16(buf, uint16(len(r.GetPeersNetworks)))
		for _, n := range r.GetPeersNetworks {
			buf = appendU16(buf, uint16(n))
		}
		return buf, nil
	case ReqPeerList:
		buf = appendU16(buf, uint16(len(r.PeerList)))
		for _, p := range r.PeerList {
			var idb [8]byte
			binary.BigEndian.PutUint64(idb[:], uint64(p.Id))
			buf = append(buf, idb[:]...)
			buf = append(buf, p.IP[:]...)
			buf = appendU16(buf, p.Port)
		}
		return buf, nil
	case ReqJoinNetwork, ReqLeaveNetwork:
		buf = appendU16(buf, uint16(r.Network))
		return buf, nil
	case ReqBanNode, ReqUnbanNode:
		return encodeBanId(buf, r.Ban), nil
	case ReqRetransmit:
		var tb [8]byte
		binary.BigEndian.PutUint64(tb[:], uint64(r.RetransmitSince.Unix()))
		buf = append(buf, tb[:]...)
		return buf, nil
	default:
		return nil, errors.Errorf("unknown request kind %d", r.Kind)
	}
}

func encodePacket(buf []byte, p *NetworkPacket) ([]byte, error) {
	if p.Destination.IsBroadcast() {
		buf = append(buf, 1)
		buf = appendU16(buf, uint16(len(p.Destination.Broadcast)))
		for _, id := range p.Destination.Broadcast {
			var idb [8]byte
			binary.BigEndian.PutUint64(idb[:], uint64(id))
			buf = append(buf, idb[:]...)
		}
	} else {
		if p.Destination.Direct == nil {
			return nil, errors.New("packet has neither direct nor broadcast destination")
		}
		buf = append(buf, 0)
		var idb [8]byte
		binary.BigEndian.PutUint64(idb[:], uint64(*p.Destination.Direct))
		buf = append(buf, idb[:]...)
	}
	buf = appendU16(buf, uint16(p.NetworkId))

	payload := make([]byte, 2+len(p.Payload))
	binary.BigEndian.PutUint16(payload, uint16(p.PayloadTag))
	copy(payload[2:], p.Payload)

	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(payload)))
	buf = append(buf, lb[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(b []byte) (*NetworkMessage, error) {
	r := &byteReader{b: b}
	kind, err := r.u16()
	if err != nil {
		return nil, errors.Wrap(err, "truncated message kind")
	}
	m := &NetworkMessage{Kind: MessageKind(kind)}
	switch m.Kind {
	case KindRequest:
		req, err := decodeRequest(r)
		if err != nil {
			return nil, err
		}
		m.Request = req
	case KindResponse:
		rk, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(err, "truncated response kind")
		}
		m.Response = &NetworkResponse{Kind: RequestKind(rk)}
	case KindPacket:
		pkt, err := decodePacket(r)
		if err != nil {
			return nil, err
		}
		m.Packet = pkt
	default:
		return nil, errors.Errorf("unknown message kind %d", m.Kind)
	}
	return m, nil
}

func decodeRequest(r *byteReader) (*NetworkRequest, error) {
	kind, err := r.u16()
	if err != nil {
		return nil, errors.Wrap(err, "truncated request kind")
	}
	req := &NetworkRequest{Kind: RequestKind(kind)}
	switch req.Kind {
	case ReqPing, ReqPong:
		return req, nil
	case ReqHandshake:
		idb, err := r.bytes(8)
		if err != nil {
			return nil, errors.Wrap(err, "truncated handshake id")
		}
		port, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(err, "truncated handshake port")
		}
		n, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(err, "truncated handshake network count")
		}
		nets := make([]NetworkId, n)
		for i := range nets {
			v, err := r.u16()
			if err != nil {
				return nil, errors.Wrap(err, "truncated handshake network entry")
			}
			nets[i] = NetworkId(v)
		}
		ver, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(err, "truncated handshake version")
		}
		req.Handshake = &HandshakeInfo{
			NodeId:          common.NodeId(binary.BigEndian.Uint64(idb)),
			ExternalPort:    port,
			Networks:        nets,
			ProtocolVersion: ver,
		}
		return req, nil
	case ReqGetPeers:
		n, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(err, "truncated get-peers count")
		}
		nets := make([]NetworkId, n)
		for i := range nets {
			v, err := r.u16()
			if err != nil {
				return nil, errors.Wrap(err, "truncated get-peers entry")
			}
			nets[i] = NetworkId(v)
		}
		req.GetPeersNetworks = nets
		return req, nil
	case ReqPeerList:
		n, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(err, "truncated peer-list count")
		}
		peers := make([]PeerAddr, n)
		for i := range peers {
			idb, err := r.bytes(8)
			if err != nil {
				return nil, errors.Wrap(err, "truncated peer-list id")
			}
			ipb, err := r.bytes(16)
			if err != nil {
				return nil, errors.Wrap(err, "truncated peer-list ip")
			}
			port, err := r.u16()
			if err != nil {
				return nil, errors.Wrap(err, "truncated peer-list port")
			}
			peers[i].Id = common.NodeId(binary.BigEndian.Uint64(idb))
			copy(peers[i].IP[:], ipb)
			peers[i].Port = port
		}
		req.PeerList = peers
		return req, nil
	case ReqJoinNetwork, ReqLeaveNetwork:
		n, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(err, "truncated network id")
		}
		req.Network = NetworkId(n)
		return req, nil
	case ReqBanNode, ReqUnbanNode:
		ban, err := decodeBanId(r)
		if err != nil {
			return nil, err
		}
		req.Ban = ban
		return req, nil
	case ReqRetransmit:
		tb, err := r.bytes(8)
		if err != nil {
			return nil, errors.Wrap(err, "truncated retransmit timestamp")
		}
		req.RetransmitSince = time.Unix(int64(binary.BigEndian.Uint64(tb)), 0)
		return req, nil
	default:
		return nil, errors.Errorf("unknown request kind %d", req.Kind)
	}
}

func decodePacket(r *byteReader) (*NetworkPacket, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, errors.Wrap(err, "truncated destination tag")
	}
	p := &NetworkPacket{}
	switch tag {
	case 0:
		idb, err := r.bytes(8)
		if err != nil {
			return nil, errors.Wrap(err, "truncated direct id")
		}
		id := common.NodeId(binary.BigEndian.Uint64(idb))
		p.Destination = DirectTo(id)
	case 1:
		n, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(err, "truncated exclusion count")
		}
		excl := make([]NodeId, n)
		for i := range excl {
			idb, err := r.bytes(8)
			if err != nil {
				return nil, errors.Wrap(err, "truncated exclusion id")
			}
			excl[i] = common.NodeId(binary.BigEndian.Uint64(idb))
		}
		p.Destination = BroadcastExcept(excl...)
	default:
		return nil, errors.Errorf("unknown destination tag %d", tag)
	}

	netid, err := r.u16()
	if err != nil {
		return nil, errors.Wrap(err, "truncated packet network id")
	}
	p.NetworkId = NetworkId(netid)

	plen, err := r.u32()
	if err != nil {
		return nil, errors.Wrap(err, "truncated payload length")
	}
	payload, err := r.bytes(int(plen))
	if err != nil {
		return nil, errors.Wrap(err, "truncated payload")
	}
	if len(payload) < 2 {
		return nil, errors.New("payload missing class tag")
	}
	p.PayloadTag = PayloadClass(binary.BigEndian.Uint16(payload))
	p.Payload = payload[2:]
	return p, nil
}

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) byte() (byte, error) {
	if r.off+1 > len(r.b) {
		return 0, fmt.Errorf("out of bytes")
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	bs, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(bs), nil
}

func (r *byteReader) u32() (uint32, error) {
	bs, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(bs), nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.b) {
		return nil, fmt.Errorf("out of bytes")
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// Digest returns the 8-byte payload fingerprint used by the deduplication
// queues. It covers only the payload bytes, not the envelope.
func (p *NetworkPacket) Digest() common.Digest {
	return fingerprint(p.Payload)
}
