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
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ground-x/nodep2p/log"
	"github.com/ground-x/nodep2p/networks/p2p/discover"
)

// Router is the dispatch point every decoded NetworkMessage passes
// through: handshake advancement, inline Request/Response handling, and
// Packet dedup/network-scoping/consensus-handoff/broadcast fan-out
// (§4.8, C9). It is the thin facade the reactor calls back through,
// rather than letting connection goroutines touch Buckets or the
// consensus bridge directly.
type Router struct {
	cfg            Config
	localId        NodeId
	isBootstrapper bool
	externalPort   uint16
	logger         log.Logger

	reactor *Reactor
	buckets *discover.Buckets
	bans    *BanRegistry
	dedup   *DeduplicationQueues
	bridge  *ConsensusBridge

	mu            sync.RWMutex
	localNetworks map[NetworkId]struct{}
	peerListHook  func(from NodeId, peers []PeerAddr)

	rand   *rand.Rand
	randMu sync.Mutex
}

// NewRouter wires the collaborators a router needs. SetReactor must be
// called once the reactor that owns this router exists, since the two
// hold a circular reference.
func NewRouter(cfg Config, localId NodeId, isBootstrapper bool, externalPort uint16, buckets *discover.Buckets, bans *BanRegistry, dedup *DeduplicationQueues, bridge *ConsensusBridge) *Router {
	nets := make(map[NetworkId]struct{}, len(cfg.Networks))
	for _, n := range cfg.Networks {
		nets[n] = struct{}{}
	}
	return &Router{
		cfg:            cfg,
		localId:        localId,
		isBootstrapper: isBootstrapper,
		externalPort:   externalPort,
		logger:         log.NewModuleLogger(log.P2PRouter),
		buckets:        buckets,
		bans:           bans,
		dedup:          dedup,
		bridge:         bridge,
		localNetworks:  nets,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (rt *Router) SetReactor(r *Reactor) { rt.reactor = r }

// IsBootstrapper reports whether this node is serving as a bootstrapper,
// used by maintenance.go to gate bucket-eviction housekeeping (§4.1,
// §4.10: "invoked only in bootstrapper mode").
func (rt *Router) IsBootstrapper() bool { return rt.isBootstrapper }

// Buckets exposes the peer directory for maintenance.go's housekeeping
// sweep; the router itself owns no timer, so eviction is driven from
// there.
func (rt *Router) Buckets() *discover.Buckets { return rt.buckets }

// SetPeerListHook registers the callback invoked with every PeerList
// reply received, so maintenance.go can feed discovered addresses into
// its own dial queue without the router knowing about bootstrap policy.
func (rt *Router) SetPeerListHook(fn func(from NodeId, peers []PeerAddr)) {
	rt.mu.Lock()
	rt.peerListHook = fn
	rt.mu.Unlock()
}

func (rt *Router) JoinLocalNetwork(n NetworkId) {
	rt.mu.Lock()
	rt.localNetworks[n] = struct{}{}
	rt.mu.Unlock()
}

func (rt *Router) LeaveLocalNetwork(n NetworkId) {
	rt.mu.Lock()
	delete(rt.localNetworks, n)
	rt.mu.Unlock()
}

func (rt *Router) hasLocalNetwork(n NetworkId) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.localNetworks[n]
	return ok
}

func (rt *Router) localNetworkList() []NetworkId {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]NetworkId, 0, len(rt.localNetworks))
	for n := range rt.localNetworks {
		out = append(out, n)
	}
	return out
}

// AcceptGuard runs before a freshly accepted socket is registered as a
// candidate: hard/soft ban check plus the per-IP candidate cap carried
// in from original_source/ (SPEC_FULL.md §3).
func (rt *Router) AcceptGuard(addr *net.TCPAddr) error {
	if rt.bans.IsBanned(BanByAddress(addr.IP)) {
		return errPeerBanned
	}
	if rt.reactor != nil && rt.cfg.MaxCandidatesPerIP > 0 {
		n := 0
		for _, c := range rt.reactor.Candidates() {
			if c.RemotePeer.Address.Equal(addr.IP) {
				n++
			}
		}
		if n >= rt.cfg.MaxCandidatesPerIP {
			return errTooManyCandidatesPerIP
		}
	}
	return nil
}

// OnAccepted initializes the responder side of the handshake state
// machine for a freshly accepted connection.
func (rt *Router) OnAccepted(c *Connection, tok Token) {
	h, err := NewHandshaker(false)
	if err != nil {
		rt.logger.Error("failed to start responder handshake", "err", err)
		rt.terminate(tok)
		return
	}
	c.SetHandshaker(h)
}

// InitiateHandshake starts the initiator side after a successful dial
// (called by maintenance.go, not the reactor, since dialing is driven by
// bootstrap/housekeeping policy rather than readiness events).
func (rt *Router) InitiateHandshake(c *Connection) error {
	h, err := NewHandshaker(true)
	if err != nil {
		return err
	}
	c.SetHandshaker(h)
	first, err := h.FirstMessage()
	if err != nil {
		return err
	}
	return c.Enqueue(first, PriorityHigh)
}

// OnConnectionClosed drops the peer from Buckets if it had been
// established; candidates that never completed a handshake were never
// inserted.
func (rt *Router) OnConnectionClosed(c *Connection, tok Token) {
	if id, ok := c.RemotePeer.Id(); ok {
		rt.buckets.Remove(id)
	}
}

// HandleFrame is the reactor's single entry point for a decrypted (or,
// pre-session, raw handshake) payload read off a connection.
func (rt *Router) HandleFrame(c *Connection, tok Token, payload []byte) {
	if c.Session() == nil {
		rt.handleHandshakeBytes(c, tok, payload)
		return
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		rt.protocolViolation(c, tok, "malformed message")
		return
	}
	msg.ReceivedAt = time.Now()
	if !c.IsPostHandshake() {
		rt.handlePreEstablished(c, tok, msg)
		return
	}
	rt.dispatch(c, tok, msg)
}

// handleHandshakeBytes advances the two-message key agreement. The
// handshaker's own state distinguishes a responder seeing the
// initiator's first message (Init) from an initiator seeing the
// responder's reply (KeyExchangeA); nothing else should arrive as raw
// bytes before a Session exists.
func (rt *Router) handleHandshakeBytes(c *Connection, tok Token, payload []byte) {
	h := c.Handshaker()
	if h == nil {
		rt.protocolViolation(c, tok, "handshake bytes before handshaker ready")
		return
	}
	switch h.State() {
	case HandshakeInit:
		reply, session, err := h.AdvanceResponder(payload)
		if err != nil {
			rt.protocolViolation(c, tok, "key exchange failed")
			return
		}
		// reply is the raw 32-byte key-exchange message the initiator
		// expects; it must go out unsealed, so enqueue it before the
		// session is attached to the connection (Enqueue seals whenever
		// a session is present).
		if err := c.Enqueue(reply, PriorityHigh); err != nil {
			rt.terminate(tok)
			return
		}
		c.SetSession(session)
		rt.sendLocalHandshakeInfo(c, tok)
	case HandshakeKeyExchangeA:
		session, err := h.AdvanceInitiator(payload)
		if err != nil {
			rt.protocolViolation(c, tok, "key exchange failed")
			return
		}
		c.SetSession(session)
		h.Complete()
		rt.sendLocalHandshakeInfo(c, tok)
	default:
		rt.protocolViolation(c, tok, "unexpected handshake bytes")
	}
}

func (rt *Router) sendLocalHandshakeInfo(c *Connection, tok Token) {
	info := &HandshakeInfo{
		NodeId:          rt.localId,
		ExternalPort:    rt.externalPort,
		Networks:        rt.localNetworkList(),
		ProtocolVersion: protocolVersion,
	}
	msg := &NetworkMessage{Kind: KindRequest, Request: &NetworkRequest{Kind: ReqHandshake, Handshake: info}, SentAt: time.Now()}
	encoded, err := EncodeMessage(msg)
	if err != nil {
		rt.logger.Error("failed to encode local handshake info", "err", err)
		rt.terminate(tok)
		return
	}
	if err := c.Enqueue(encoded, PriorityHigh); err != nil {
		rt.terminate(tok)
	}
}

// handlePreEstablished expects exactly one thing from a session-bearing,
// not-yet-established connection: the peer's HandshakeInfo (§4.3).
func (rt *Router) handlePreEstablished(c *Connection, tok Token, msg *NetworkMessage) {
	if msg.Kind != KindRequest || msg.Request == nil || msg.Request.Kind != ReqHandshake || msg.Request.Handshake == nil {
		rt.protocolViolation(c, tok, "expected handshake info")
		return
	}
	info := msg.Request.Handshake
	if err := ValidateHandshakeInfo(info, rt.localId, rt.isConnectedTo); err != nil {
		rt.logger.Debug("rejecting handshake", "peer", c.RemoteAddr(), "err", err)
		rt.terminate(tok)
		return
	}
	c.MarkPostHandshake(info.NodeId, info.ExternalPort, info.Networks)
	rt.buckets.Insert(info.NodeId, info.Networks)
	rt.reactor.QueueChange(ConnChange{Kind: ConnPromote, Token: tok})
	rt.logger.Debug("peer established", "peer", c.RemotePeer.String())
}

// IsConnectedTo reports whether id is the remote end of an established
// connection, used by maintenance.go to skip redialing a peer already
// learned from a PeerList reply (the dial-time duplicate-peer guard,
// SPEC_FULL.md §3).
func (rt *Router) IsConnectedTo(id NodeId) bool { return rt.isConnectedTo(id) }

func (rt *Router) isConnectedTo(id NodeId) bool {
	if rt.reactor == nil {
		return false
	}
	for _, c := range rt.reactor.Established() {
		if pid, ok := c.RemotePeer.Id(); ok && pid == id {
			return true
		}
	}
	return false
}

func (rt *Router) protocolViolation(c *Connection, tok Token, reason string) {
	rt.logger.Debug("protocol violation", "peer", c.RemoteAddr(), "reason", reason)
	if ip := extractIP(c.RemoteAddr()); ip != nil {
		rt.bans.SoftBan(BanByAddress(ip))
	}
	rt.terminate(tok)
}

func (rt *Router) terminate(tok Token) {
	if rt.reactor != nil {
		rt.reactor.QueueChange(ConnChange{Kind: ConnRemoveByToken, Token: tok})
	}
}

func extractIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

func (rt *Router) dispatch(c *Connection, tok Token, msg *NetworkMessage) {
	switch msg.Kind {
	case KindRequest:
		rt.dispatchRequest(c, tok, msg.Request)
	case KindResponse:
		rt.logger.Trace("response received", "kind", msg.Response.Kind)
	case KindPacket:
		rt.dispatchPacket(c, tok, msg.Packet)
	}
}

func (rt *Router) dispatchRequest(c *Connection, tok Token, req *NetworkRequest) {
	switch req.Kind {
	case ReqPing:
		rt.reply(c, ReqPong)
	case ReqPong:
		c.RecordPong(time.Now())
	case ReqGetPeers:
		rt.handleGetPeers(c, req.GetPeersNetworks)
	case ReqPeerList:
		rt.mu.RLock()
		hook := rt.peerListHook
		rt.mu.RUnlock()
		if hook != nil {
			sender, _ := c.RemotePeer.Id()
			hook(sender, req.PeerList)
		}
	case ReqJoinNetwork:
		c.UpdateNetworks(true, req.Network)
		if id, ok := c.RemotePeer.Id(); ok {
			rt.buckets.UpdateNetworks(id, c.Networks())
		}
	case ReqLeaveNetwork:
		c.UpdateNetworks(false, req.Network)
		if id, ok := c.RemotePeer.Id(); ok {
			rt.buckets.UpdateNetworks(id, c.Networks())
		}
	case ReqBanNode:
		rt.handleBanNode(tok, req.Ban, true)
	case ReqUnbanNode:
		rt.handleBanNode(tok, req.Ban, false)
	case ReqRetransmit:
		rt.logger.Debug("retransmit request ignored", "since", req.RetransmitSince)
	case ReqHandshake:
		rt.protocolViolation(c, tok, "duplicate handshake after establishment")
	}
}

func (rt *Router) reply(c *Connection, kind RequestKind) {
	msg := &NetworkMessage{Kind: KindRequest, Request: &NetworkRequest{Kind: kind}, SentAt: time.Now()}
	b, err := EncodeMessage(msg)
	if err != nil {
		return
	}
	if c.Enqueue(b, PriorityHigh) == nil {
		c.RecordSent()
	}
}

// handleGetPeers answers per §4.1/§4.9: a bootstrapper returns a random
// sample of its Buckets directory, a normal node returns its established
// Node peers excluding the requestor.
func (rt *Router) handleGetPeers(c *Connection, nets []NetworkId) {
	requestor, _ := c.RemotePeer.Id()
	var ids []NodeId
	if rt.isBootstrapper {
		limit := rt.cfg.DesiredPeers
		if limit <= 0 || limit > 100 {
			limit = 100
		}
		ids = rt.buckets.Random(requestor, limit, nets)
	} else {
		ids = rt.establishedNodePeers(requestor, nets)
	}
	peers := make([]PeerAddr, 0, len(ids))
	for _, id := range ids {
		if pa, ok := rt.peerAddrFor(id); ok {
			peers = append(peers, pa)
		}
	}
	rt.replyPeerList(c, peers)
}

func (rt *Router) establishedNodePeers(exclude NodeId, nets []NetworkId) []NodeId {
	if rt.reactor == nil {
		return nil
	}
	var out []NodeId
	for _, c := range rt.reactor.Established() {
		id, ok := c.RemotePeer.Id()
		if !ok || id == exclude || c.RemotePeer.PeerType.IsBootstrapper() {
			continue
		}
		if networkOverlap(c.Networks(), nets) {
			out = append(out, id)
		}
	}
	return out
}

func (rt *Router) peerAddrFor(id NodeId) (PeerAddr, bool) {
	if rt.reactor == nil {
		return PeerAddr{}, false
	}
	for _, c := range rt.reactor.Established() {
		if pid, ok := c.RemotePeer.Id(); ok && pid == id {
			var ipb [16]byte
			if ip16 := c.RemotePeer.Address.To16(); ip16 != nil {
				copy(ipb[:], ip16)
			}
			return PeerAddr{Id: id, IP: ipb, Port: c.RemotePeer.ExternalPort}, true
		}
	}
	return PeerAddr{}, false
}

func (rt *Router) replyPeerList(c *Connection, peers []PeerAddr) {
	msg := &NetworkMessage{Kind: KindRequest, Request: &NetworkRequest{Kind: ReqPeerList, PeerList: peers}, SentAt: time.Now()}
	b, err := EncodeMessage(msg)
	if err != nil {
		rt.logger.Error("failed to encode peer list", "err", err)
		return
	}
	c.Enqueue(b, PriorityNormal)
}

func networkOverlap(have, want []NetworkId) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[NetworkId]struct{}, len(have))
	for _, n := range have {
		set[n] = struct{}{}
	}
	for _, n := range want {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

// handleBanNode applies a Ban/UnbanNode request: persist, close any
// live connection the ban now matches, and (unless trust propagation is
// disabled) relay the same request on to the rest of the mesh.
func (rt *Router) handleBanNode(exclude Token, ban BanId, add bool) {
	var err error
	if add {
		err = rt.bans.AddBan(ban)
	} else {
		err = rt.bans.RemoveBan(ban)
	}
	if err != nil {
		rt.logger.Error("failed to update ban store", "ban", ban, "err", err)
	}
	if add {
		rt.closeMatchingBan(ban, exclude)
	}
	if !rt.cfg.DisableTrustPropagation {
		rt.propagateBan(ban, add, exclude)
	}
}

func (rt *Router) closeMatchingBan(ban BanId, exclude Token) {
	if rt.reactor == nil {
		return
	}
	for tok, c := range rt.reactor.Established() {
		if tok != exclude && banMatchesConnection(ban, c) {
			rt.reactor.QueueChange(ConnChange{Kind: ConnExpel, Token: tok})
		}
	}
	for tok, c := range rt.reactor.Candidates() {
		if tok != exclude && banMatchesConnection(ban, c) {
			rt.reactor.QueueChange(ConnChange{Kind: ConnExpel, Token: tok})
		}
	}
}

func banMatchesConnection(ban BanId, c *Connection) bool {
	switch ban.Kind {
	case BanById:
		id, ok := c.RemotePeer.Id()
		return ok && id == ban.Id
	case BanByIp:
		return c.RemotePeer.Address.Equal(ban.IP)
	case BanBySocket:
		return c.RemotePeer.Address.Equal(ban.IP) && c.RemotePeer.ExternalPort == ban.Port
	default:
		return false
	}
}

func (rt *Router) propagateBan(ban BanId, add bool, exclude Token) {
	if rt.reactor == nil {
		return
	}
	kind := ReqBanNode
	if !add {
		kind = ReqUnbanNode
	}
	msg := &NetworkMessage{Kind: KindRequest, Request: &NetworkRequest{Kind: kind, Ban: ban}, SentAt: time.Now()}
	b, err := EncodeMessage(msg)
	if err != nil {
		rt.logger.Error("failed to encode ban propagation", "err", err)
		return
	}
	for tok, c := range rt.reactor.Established() {
		if tok != exclude {
			c.Enqueue(b, PriorityNormal)
		}
	}
}

// dispatchPacket implements §4.8's dedup/scoping/handoff/fan-out chain.
// Bootstrapper connections never carry consensus packets (§1): a
// bootstrapper only ever serves peer-list exchange.
func (rt *Router) dispatchPacket(c *Connection, tok Token, p *NetworkPacket) {
	if c.RemotePeer.PeerType.IsBootstrapper() {
		rt.logger.Debug("dropping packet from bootstrapper connection", "peer", c.RemotePeer.String())
		return
	}
	sender, _ := c.RemotePeer.Id()
	if rt.dedup.CheckAndInsert(p.PayloadTag, p.Digest()) {
		return
	}
	deliverLocally := rt.hasLocalNetwork(p.NetworkId)

	if p.Destination.IsBroadcast() {
		if deliverLocally {
			rt.deliverToBridge(p, sender)
		}
		rt.relayBroadcast(p, sender, tok)
		return
	}
	if dst := p.Destination.Direct; dst != nil {
		if *dst == rt.localId {
			if deliverLocally {
				rt.deliverToBridge(p, sender)
			}
			return
		}
		rt.forwardDirect(p, *dst)
	}
}

func (rt *Router) deliverToBridge(p *NetworkPacket, sender NodeId) {
	id := identifier(p.Payload)
	env := Envelope{Producer: &sender, NetworkId: p.NetworkId, Class: p.PayloadTag, Payload: p.Payload, Identifier: &id}
	if err := rt.bridge.SendInbound(env); err != nil {
		rt.logger.Warn("bridge inbound overflow, dropping packet", "class", p.PayloadTag, "err", err)
	}
}

// relayBroadcast re-sends a broadcast packet to every other post-
// handshake, non-bootstrapper peer overlapping the packet's network,
// subsampled by floor(n * relay_broadcast_percentage) per the resolved
// relay-percentage rounding question.
func (rt *Router) relayBroadcast(p *NetworkPacket, sender NodeId, excludeTok Token) {
	if rt.reactor == nil {
		return
	}
	established := rt.reactor.Established()
	var targets []Token
	for tok, c := range established {
		if tok == excludeTok || c.RemotePeer.PeerType.IsBootstrapper() {
			continue
		}
		id, ok := c.RemotePeer.Id()
		if !ok || id == sender || p.Destination.Excludes(id) {
			continue
		}
		if !c.HasNetwork(p.NetworkId) {
			continue
		}
		targets = append(targets, tok)
	}
	targets = rt.subsample(targets)
	if len(targets) == 0 {
		return
	}

	exclusions := append(append([]NodeId{}, p.Destination.Broadcast...), sender)
	outPkt := &NetworkPacket{
		Destination: BroadcastExcept(exclusions...),
		NetworkId:   p.NetworkId,
		PayloadTag:  p.PayloadTag,
		Payload:     p.Payload,
	}
	msg := &NetworkMessage{Kind: KindPacket, Packet: outPkt, SentAt: time.Now()}
	encoded, err := EncodeMessage(msg)
	if err != nil {
		rt.logger.Error("failed to re-encode broadcast packet", "err", err)
		return
	}
	prio := PriorityNormal
	if p.PayloadTag.isHiPriority() {
		prio = PriorityHigh
	}
	for _, tok := range targets {
		if c, ok := established[tok]; ok {
			c.Enqueue(encoded, prio)
		}
	}
}

func (rt *Router) subsample(targets []Token) []Token {
	pct := rt.cfg.RelayBroadcastPercentage
	if len(targets) == 0 || pct >= 1.0 {
		return targets
	}
	if pct <= 0 {
		return nil
	}
	n := int(float64(len(targets)) * pct) // floor, per the resolved relay-percentage question
	if n <= 0 {
		return nil
	}
	rt.randMu.Lock()
	rt.rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	rt.randMu.Unlock()
	return targets[:n]
}

func (rt *Router) forwardDirect(p *NetworkPacket, dst NodeId) {
	if rt.reactor == nil {
		return
	}
	for _, c := range rt.reactor.Established() {
		id, ok := c.RemotePeer.Id()
		if !ok || id != dst {
			continue
		}
		msg := &NetworkMessage{Kind: KindPacket, Packet: p, SentAt: time.Now()}
		encoded, err := EncodeMessage(msg)
		if err != nil {
			return
		}
		prio := PriorityNormal
		if p.PayloadTag.isHiPriority() {
			prio = PriorityHigh
		}
		c.Enqueue(encoded, prio)
		return
	}
}

// BroadcastFromBridge pushes an envelope the consensus collaborator
// produced out to every established, network-overlapping, non-
// bootstrapper peer. It marks the payload as already seen in the dedup
// queues first so a copy gossiped back to us by a peer is dropped rather
// than re-delivered to the bridge.
func (rt *Router) BroadcastFromBridge(e Envelope) {
	if rt.reactor == nil {
		return
	}
	rt.dedup.CheckAndInsert(e.Class, fingerprint(e.Payload))

	pkt := &NetworkPacket{
		Destination: BroadcastExcept(),
		NetworkId:   e.NetworkId,
		PayloadTag:  e.Class,
		Payload:     e.Payload,
	}
	msg := &NetworkMessage{Kind: KindPacket, Packet: pkt, SentAt: time.Now()}
	encoded, err := EncodeMessage(msg)
	if err != nil {
		rt.logger.Error("failed to encode outbound envelope", "err", err)
		return
	}
	prio := PriorityNormal
	if e.Class.isHiPriority() {
		prio = PriorityHigh
	}
	for _, c := range rt.reactor.Established() {
		if c.RemotePeer.PeerType.IsBootstrapper() {
			continue
		}
		if !c.HasNetwork(e.NetworkId) {
			continue
		}
		c.Enqueue(encoded, prio)
	}
}
