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
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ground-x/nodep2p/log"
)

// BanKind tags a BanId's variant.
type BanKind uint8

const (
	BanById BanKind = iota
	BanByIp
	BanBySocket
)

// BanId identifies a banned entity: a node id, a bare IP, or an IP:port.
type BanId struct {
	Kind BanKind
	Id   NodeId
	IP   net.IP
	Port uint16
}

func BanByNodeId(id NodeId) BanId   { return BanId{Kind: BanById, Id: id} }
func BanByAddress(ip net.IP) BanId  { return BanId{Kind: BanByIp, IP: ip} }
func BanBySocketAddr(ip net.IP, port uint16) BanId {
	return BanId{Kind: BanBySocket, IP: ip, Port: port}
}

func (b BanId) String() string {
	switch b.Kind {
	case BanById:
		return fmt.Sprintf("id:%s", b.Id)
	case BanByIp:
		return fmt.Sprintf("ip:%s", b.IP)
	case BanBySocket:
		return fmt.Sprintf("socket:%s:%d", b.IP, b.Port)
	default:
		return "ban:unknown"
	}
}

// key turns a BanId into a comparable map key.
func (b BanId) key() string {
	switch b.Kind {
	case BanById:
		return "id:" + b.Id.String()
	case BanByIp:
		return "ip:" + b.IP.String()
	case BanBySocket:
		return fmt.Sprintf("sock:%s:%d", b.IP, b.Port)
	default:
		return "?"
	}
}

func encodeBanId(buf []byte, b BanId) []byte {
	buf = append(buf, byte(b.Kind))
	switch b.Kind {
	case BanById:
		var idb [8]byte
		binary.BigEndian.PutUint64(idb[:], uint64(b.Id))
		buf = append(buf, idb[:]...)
	case BanByIp, BanBySocket:
		ip16 := b.IP.To16()
		if ip16 == nil {
			ip16 = make([]byte, 16)
		}
		buf = append(buf, ip16...)
		buf = appendU16(buf, b.Port)
	}
	return buf
}

func decodeBanId(r *byteReader) (BanId, error) {
	kind, err := r.byte()
	if err != nil {
		return BanId{}, errors.Wrap(err, "truncated ban kind")
	}
	switch BanKind(kind) {
	case BanById:
		idb, err := r.bytes(8)
		if err != nil {
			return BanId{}, errors.Wrap(err, "truncated ban id")
		}
		return BanByNodeId(NodeId(binary.BigEndian.Uint64(idb))), nil
	case BanByIp, BanBySocket:
		ipb, err := r.bytes(16)
		if err != nil {
			return BanId{}, errors.Wrap(err, "truncated ban ip")
		}
		port, err := r.u16()
		if err != nil {
			return BanId{}, errors.Wrap(err, "truncated ban port")
		}
		ip := make(net.IP, 16)
		copy(ip, ipb)
		return BanId{Kind: BanKind(kind), IP: ip, Port: port}, nil
	default:
		return BanId{}, errors.Errorf("unknown ban kind %d", kind)
	}
}

// BanStore is the collaborator persisting hard bans; the core never
// assumes a storage backend (spec.md §6). banstore.go provides
// levelDBBanStore (used by cmd/nodep2pd when a ban directory is set) and
// memoryBanStore (used by tests and by nodes run without one).
type BanStore interface {
	Load() ([]BanId, error)
	Insert(BanId) error
	Delete(BanId) error
}

// softBan is an in-memory, time-limited refusal to dial or accept a given
// ip/socket.
type softBan struct {
	expiry time.Time
}

// BanRegistry is the hard+soft ban consultation point used on every
// accept and every dial (§4.6, P5).
type BanRegistry struct {
	mu       sync.RWMutex
	hard     map[string]BanId
	soft     map[string]softBan
	store    BanStore
	ttl      time.Duration
	logger   log.Logger
}

func NewBanRegistry(store BanStore, ttl time.Duration) *BanRegistry {
	r := &BanRegistry{
		hard:   make(map[string]BanId),
		soft:   make(map[string]softBan),
		store:  store,
		ttl:    ttl,
		logger: log.NewModuleLogger(log.P2PBan),
	}
	if store != nil {
		if bans, err := store.Load(); err == nil {
			for _, b := range bans {
				r.hard[b.key()] = b
			}
		} else {
			r.logger.Error("failed to load persisted bans", "err", err)
		}
	}
	return r
}

// IsBanned checks a single BanId against both hard and soft bans. Socket
// bans also cover a matching bare-IP hard ban, since a hard ban by ip
// should still block a differently-ported dial attempt from the same
// source.
func (r *BanRegistry) IsBanned(id BanId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.hard[id.key()]; ok {
		return true
	}
	if id.Kind == BanBySocket {
		if _, ok := r.hard[BanByAddress(id.IP).key()]; ok {
			return true
		}
	}
	if sb, ok := r.soft[id.key()]; ok {
		return time.Now().Before(sb.expiry)
	}
	return false
}

// AddBan persists a hard ban. Closing matching live connections and
// propagating BanNode to peers is the caller's responsibility (router.go),
// since the registry itself has no connection visibility.
func (r *BanRegistry) AddBan(id BanId) error {
	r.mu.Lock()
	r.hard[id.key()] = id
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Insert(id); err != nil {
			r.logger.Error("failed to persist ban", "ban", id, "err", err)
			return err
		}
	}
	return nil
}

func (r *BanRegistry) RemoveBan(id BanId) error {
	r.mu.Lock()
	delete(r.hard, id.key())
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Delete(id); err != nil {
			r.logger.Error("failed to unpersist ban", "ban", id, "err", err)
			return err
		}
	}
	return nil
}

// SoftBan records an in-memory ip/socket refusal for the configured TTL.
func (r *BanRegistry) SoftBan(id BanId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.soft[id.key()] = softBan{expiry: time.Now().Add(r.ttl)}
}

// ExpireSoftBans lifts soft bans whose expiry has passed; invoked from
// housekeeping (§4.10).
func (r *BanRegistry) ExpireSoftBans(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, sb := range r.soft {
		if !now.Before(sb.expiry) {
			delete(r.soft, k)
			n++
		}
	}
	return n
}

func (r *BanRegistry) HardBans() []BanId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BanId, 0, len(r.hard))
	for _, b := range r.hard {
		out = append(out, b)
	}
	return out
}
