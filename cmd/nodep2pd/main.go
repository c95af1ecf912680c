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

// Command nodep2pd runs the networking core standalone: it joins the
// configured networks, exchanges peers, and relays gossip, but plugs in
// a no-op consensus collaborator since there is no block producer on
// the other end of the bridge in this binary.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"github.com/ground-x/nodep2p/common"
	"github.com/ground-x/nodep2p/log"
	"github.com/ground-x/nodep2p/networks/p2p"
	"github.com/ground-x/nodep2p/networks/p2p/discover"
)

var logger = log.NewModuleLogger("cmd/nodep2pd")

func main() {
	app := cli.NewApp()
	app.Name = "nodep2pd"
	app.Usage = "standalone peer-to-peer networking core"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "addr", Value: "0.0.0.0:30303", Usage: "listen address"},
		cli.StringFlag{Name: "bootnodes", Usage: "comma-separated bootstrap nodes: DNS names resolved on the listen port, or host:port pairs with --no-bootstrap-dns"},
		cli.StringFlag{Name: "networks", Value: "1", Usage: "comma-separated network ids this node joins"},
		cli.BoolFlag{Name: "bootstrapper", Usage: "serve as a bootstrapper (peer-list exchange only)"},
		cli.StringFlag{Name: "bandir", Value: "", Usage: "leveldb directory for persisted bans; empty uses an in-memory store"},
		cli.Float64Flag{Name: "relay-pct", Value: 1.0, Usage: "fraction of eligible peers a broadcast is relayed to"},
		cli.BoolFlag{Name: "no-bootstrap-dns", Usage: "treat --bootnodes as host:port pairs instead of DNS names to resolve"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	addr, err := net.ResolveTCPAddr("tcp", ctx.String("addr"))
	if err != nil {
		return fmt.Errorf("resolving listen address: %w", err)
	}

	cfg := p2p.DefaultConfig()
	cfg.Networks = parseNetworks(ctx.String("networks"))
	cfg.Bootnodes = splitNonEmpty(ctx.String("bootnodes"))
	cfg.RelayBroadcastPercentage = ctx.Float64("relay-pct")
	cfg.NoBootstrapDNS = ctx.Bool("no-bootstrap-dns")

	localId := common.RandomNodeId()
	logger.Info("starting node", "id", localId.String(), "addr", addr.String(), "networks", cfg.Networks)

	banStore, err := openBanStore(ctx.String("bandir"))
	if err != nil {
		return fmt.Errorf("opening ban store: %w", err)
	}
	bans := p2p.NewBanRegistry(banStore, cfg.SoftBanTTL)
	dedup, err := p2p.NewDeduplicationQueues(cfg.DedupShortLivedCapacity, cfg.DedupLongLivedCapacity)
	if err != nil {
		return fmt.Errorf("building dedup queues: %w", err)
	}
	buckets := discover.NewBuckets(localId, cfg.BucketSize)
	bridge := p2p.NewConsensusBridge(int(cfg.MaxFrameLength))

	router := p2p.NewRouter(cfg, localId, ctx.Bool("bootstrapper"), uint16(addr.Port), buckets, bans, dedup, bridge)
	reactor, err := p2p.NewReactor(cfg, addr, router)
	if err != nil {
		return fmt.Errorf("starting reactor: %w", err)
	}
	router.SetReactor(reactor)

	resolver := p2p.NewSystemResolver(uint16(addr.Port))
	if cfg.NoBootstrapDNS {
		resolver = p2p.NewStaticResolver(resolveStatic(cfg.Bootnodes))
	}
	maintainer := p2p.NewMaintainer(cfg, localId, addr, reactor, router, bans, bridge, resolver)

	go reactor.Run()
	maintainer.Start()

	stopConsuming := consumeInboundNoop(bridge)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	close(stopConsuming)
	maintainer.Stop()
	reactor.Close()
	reactor.Join()
	return nil
}

// consumeInboundNoop drains the bridge's inbound lanes so a standalone
// run never blocks on backpressure; a real deployment wires these into
// a consensus engine instead of discarding them.
func consumeInboundNoop(bridge *p2p.ConsensusBridge) chan struct{} {
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := bridge.RecvInboundHi(); !ok {
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := bridge.RecvInboundLo(); !ok {
				return
			}
		}
	}()
	return stop
}

func openBanStore(dir string) (p2p.BanStore, error) {
	if dir == "" {
		return p2p.NewMemoryBanStore(), nil
	}
	return p2p.NewLevelDBBanStore(dir)
}

func parseNetworks(s string) []common.NetworkId {
	var out []common.NetworkId
	for _, part := range splitNonEmpty(s) {
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			continue
		}
		out = append(out, common.NetworkId(n))
	}
	return out
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func resolveStatic(bootnodes []string) []net.TCPAddr {
	var out []net.TCPAddr
	for _, b := range bootnodes {
		addr, err := net.ResolveTCPAddr("tcp", b)
		if err != nil {
			logger.Warn("skipping unresolvable static bootnode", "addr", b, "err", err)
			continue
		}
		out = append(out, *addr)
	}
	return out
}
