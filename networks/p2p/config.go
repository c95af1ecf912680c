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

import "time"

// Config collects every tunable of the networking core in a single flat
// struct, the same shape discover.Config takes in the wider codebase.
type Config struct {
	// Identity
	MaxPeers int

	// Buckets (C2)
	BucketSize int

	// Frame codec (C3)
	MaxFrameLength uint32

	// Dedup queues (C6)
	DedupShortLivedCapacity int // Block, FinalizationRecord
	DedupLongLivedCapacity  int // Transaction, FinalizationMessage

	// Ban registry (C7)
	SoftBanTTL time.Duration

	// Housekeeping (C10)
	MaxPrehandshakeKeepAlive time.Duration
	MaxNormalKeepAlive       time.Duration
	MaxBootstrapperKeepAlive time.Duration
	MaxLatency               time.Duration // 0 disables the latency check
	HousekeepingInterval     time.Duration
	PingThreshold            time.Duration
	BootstrapInterval        time.Duration
	DesiredPeers             int
	MaxCandidatesPerIP       int
	NoBootstrapDNS           bool

	// Router (C9)
	RelayBroadcastPercentage float64
	DisableTrustPropagation  bool

	// Reactor (C8)
	PollTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Local networks this node participates in at startup.
	Networks []NetworkId

	Bootnodes []string
}

// DefaultConfig mirrors the constants found in discover.table.go
// (bucketSize=16, refreshInterval=30m, revalidateInterval=10s, ...),
// adapted to this spec's keep-alive/ban/dedup tunables.
func DefaultConfig() Config {
	return Config{
		MaxPeers:                 100,
		BucketSize:               16,
		MaxFrameLength:           1 << 28,
		DedupShortLivedCapacity:  4096,
		DedupLongLivedCapacity:   65536,
		SoftBanTTL:               10 * time.Minute,
		MaxPrehandshakeKeepAlive: 10 * time.Second,
		MaxNormalKeepAlive:       2 * time.Minute,
		MaxBootstrapperKeepAlive: 20 * time.Second,
		HousekeepingInterval:     30 * time.Second,
		PingThreshold:            20 * time.Second,
		BootstrapInterval:        5 * time.Minute,
		DesiredPeers:             20,
		MaxCandidatesPerIP:       3,
		RelayBroadcastPercentage: 1.0,
		PollTimeout:              200 * time.Millisecond,
		ShutdownTimeout:          5 * time.Second,
	}
}
