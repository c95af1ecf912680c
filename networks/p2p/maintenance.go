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
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ground-x/nodep2p/log"
)

// Maintainer runs the background cycles a live node needs beyond
// reacting to socket events: bootstrap dialing, keep-alive/liveness
// housekeeping, and draining the consensus bridge's outbound lanes back
// into the router (§4.10, C10, plus C11's consumer side).
type Maintainer struct {
	cfg      Config
	localId  NodeId
	selfAddr *net.TCPAddr
	logger   log.Logger

	reactor  *Reactor
	router   *Router
	bans     *BanRegistry
	bridge   *ConsensusBridge
	resolver Resolver

	mu           sync.Mutex
	pendingAddrs map[string]struct{}

	rand   *rand.Rand
	randMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewMaintainer wires a maintainer around an already-constructed reactor
// and router. selfAddr is this node's own listen address, used for the
// self-dial guard at dial time (SPEC_FULL.md §3).
func NewMaintainer(cfg Config, localId NodeId, selfAddr *net.TCPAddr, reactor *Reactor, router *Router, bans *BanRegistry, bridge *ConsensusBridge, resolver Resolver) *Maintainer {
	m := &Maintainer{
		cfg:          cfg,
		localId:      localId,
		selfAddr:     selfAddr,
		logger:       log.NewModuleLogger(log.P2PMaintenance),
		reactor:      reactor,
		router:       router,
		bans:         bans,
		bridge:       bridge,
		resolver:     resolver,
		pendingAddrs: make(map[string]struct{}),
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:         make(chan struct{}),
	}
	router.SetPeerListHook(m.onPeerList)
	return m
}

// Start launches the background loops; Stop blocks until they exit.
func (m *Maintainer) Start() {
	m.wg.Add(3)
	go m.bootstrapLoop()
	go m.housekeepingLoop()
	go m.bridgeOutboundLoop()
}

func (m *Maintainer) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.bridge.Stop()
	m.wg.Wait()
}

func (m *Maintainer) bootstrapLoop() {
	defer m.wg.Done()
	m.runBootstrapCycle()
	ticker := time.NewTicker(m.cfg.BootstrapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.cfg.NoBootstrapDNS {
				continue
			}
			m.runBootstrapCycle()
		case <-m.stop:
			return
		}
	}
}

// runBootstrapCycle resolves every configured bootnode and dials each
// resolved address as a Bootstrapper, skipping the round entirely once
// enough peers are already in hand (§4.9).
func (m *Maintainer) runBootstrapCycle() {
	if len(m.reactor.Established())+len(m.reactor.Candidates()) >= m.cfg.DesiredPeers {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range m.cfg.Bootnodes {
		addrs, err := m.resolver.Resolve(ctx, name, true)
		if err != nil {
			m.logger.Warn("bootstrap resolve failed", "name", name, "err", err)
			continue
		}
		for i := range addrs {
			m.dial(&addrs[i], PeerTypeBootstrapper)
		}
	}
}

// onPeerList is the router's PeerList hook: every address learned this
// way is a node-peer dial candidate, bounded by desired peer count and
// guarded against self-dial, in-flight duplicates, and peers already
// established (the duplicate-peer-by-id guard from SPEC_FULL.md §3).
func (m *Maintainer) onPeerList(from NodeId, peers []PeerAddr) {
	for _, p := range peers {
		if len(m.reactor.Established()) >= m.cfg.DesiredPeers {
			return
		}
		if p.Id == m.localId || m.router.IsConnectedTo(p.Id) {
			continue
		}
		ip := net.IP(append([]byte{}, p.IP[:]...))
		m.dial(&net.TCPAddr{IP: ip, Port: int(p.Port)}, PeerTypeNode)
	}
}

// dial applies every dial-time guard before handing off to the reactor:
// refuse a dial to ourselves, a hard/soft banned address, or an address
// we already have a pending/established/candidate connection to.
func (m *Maintainer) dial(addr *net.TCPAddr, pt PeerType) {
	if addr == nil || addr.IP == nil {
		return
	}
	if m.selfAddr != nil && addr.IP.Equal(m.selfAddr.IP) && addr.Port == m.selfAddr.Port {
		return
	}
	if m.bans.IsBanned(BanByAddress(addr.IP)) {
		return
	}
	if !m.reservePending(addr) {
		return
	}
	c, err := m.reactor.Dial(addr, pt)
	if err != nil {
		m.logger.Debug("dial failed", "addr", addr.String(), "err", err)
		return
	}
	if err := m.router.InitiateHandshake(c); err != nil {
		m.logger.Debug("failed to start handshake", "addr", addr.String(), "err", err)
	}
}

// reservePending reports whether addr is free to dial, claiming it for
// this cycle if so. The claim is cleared wholesale on the next
// housekeeping tick rather than tracked per-connection lifetime, which
// is enough to stop a single bootstrap/PeerList round from opening
// duplicate sockets to the same address.
func (m *Maintainer) reservePending(addr *net.TCPAddr) bool {
	key := addr.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.pendingAddrs[key]; dup {
		return false
	}
	for _, c := range m.reactor.Established() {
		if c.RemoteAddr().String() == key {
			return false
		}
	}
	for _, c := range m.reactor.Candidates() {
		if c.RemoteAddr().String() == key {
			return false
		}
	}
	m.pendingAddrs[key] = struct{}{}
	return true
}

func (m *Maintainer) housekeepingLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runHousekeeping()
		case <-m.stop:
			return
		}
	}
}

// runHousekeeping is the periodic sweep: expire soft bans, drop
// overstayed candidates and idle established/bootstrapper connections,
// close connections that exceed the latency budget, send liveness pings,
// and enforce the overall peer cap (§4.10).
func (m *Maintainer) runHousekeeping() {
	now := time.Now()

	m.mu.Lock()
	m.pendingAddrs = make(map[string]struct{})
	m.mu.Unlock()

	if n := m.bans.ExpireSoftBans(now); n > 0 {
		m.logger.Debug("expired soft bans", "count", n)
	}

	if m.router.IsBootstrapper() {
		cutoff := now.Add(-m.cfg.MaxNormalKeepAlive)
		if n := m.router.Buckets().EvictOlderThan(cutoff); n > 0 {
			m.logger.Debug("evicted stale bucket entries", "count", n)
		}
	}

	for tok, c := range m.reactor.Candidates() {
		if now.Sub(c.Stats().Created) > m.cfg.MaxPrehandshakeKeepAlive {
			m.reactor.QueueChange(ConnChange{Kind: ConnRemoveByToken, Token: tok})
		}
	}

	for tok, c := range m.reactor.Established() {
		stats := c.Stats()
		maxIdle := m.cfg.MaxNormalKeepAlive
		if c.RemotePeer.PeerType.IsBootstrapper() {
			maxIdle = m.cfg.MaxBootstrapperKeepAlive
		}
		if now.Sub(stats.LastSeen) > maxIdle {
			m.reactor.QueueChange(ConnChange{Kind: ConnRemoveByToken, Token: tok})
			continue
		}
		if m.cfg.MaxLatency > 0 && stats.LatencyValid && stats.LastLatency > m.cfg.MaxLatency {
			m.reactor.QueueChange(ConnChange{Kind: ConnExpel, Token: tok})
			continue
		}
		if now.Sub(stats.LastPingSent) > m.cfg.PingThreshold {
			m.sendPing(c)
		}
	}

	m.enforceMaxPeers()
}

func (m *Maintainer) sendPing(c *Connection) {
	msg := &NetworkMessage{Kind: KindRequest, Request: &NetworkRequest{Kind: ReqPing}, SentAt: time.Now()}
	b, err := EncodeMessage(msg)
	if err != nil {
		return
	}
	if c.Enqueue(b, PriorityHigh) == nil {
		now := time.Now()
		c.RecordPingSent(now)
		c.RecordSent()
	}
}

// enforceMaxPeers randomly expels non-bootstrapper established
// connections once their count exceeds cfg.MaxPeers (§4.10).
func (m *Maintainer) enforceMaxPeers() {
	established := m.reactor.Established()
	over := len(established) - m.cfg.MaxPeers
	if over <= 0 {
		return
	}
	toks := make([]Token, 0, len(established))
	for tok, c := range established {
		if !c.RemotePeer.PeerType.IsBootstrapper() {
			toks = append(toks, tok)
		}
	}
	m.randMu.Lock()
	m.rand.Shuffle(len(toks), func(i, j int) { toks[i], toks[j] = toks[j], toks[i] })
	m.randMu.Unlock()
	for i := 0; i < over && i < len(toks); i++ {
		m.reactor.QueueChange(ConnChange{Kind: ConnExpel, Token: toks[i]})
	}
}

// bridgeOutboundLoop is the consumer side of the consensus bridge: every
// envelope the collaborator produces is broadcast to the network, with
// the lo lane drained in an adaptively sized batch behind the hi lane
// (§4.11).
func (m *Maintainer) bridgeOutboundLoop() {
	defer m.wg.Done()
	for {
		e, ok := m.bridge.RecvOutbound()
		if !ok {
			return
		}
		m.router.BroadcastFromBridge(e)
	drainHi:
		for {
			select {
			case hi := <-m.bridge.outboundHi:
				m.router.BroadcastFromBridge(hi)
			default:
				break drainHi
			}
		}
		for _, extra := range m.bridge.DrainOutboundLoBatch() {
			m.router.BroadcastFromBridge(extra)
		}
	}
}
