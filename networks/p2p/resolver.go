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
	"net"
)

// Resolver is the bootstrap collaborator: "resolve(name, dnssec) ->
// list<SocketAddr>" per spec.md §6. dnssec is accepted for interface
// fidelity but the standard library resolver does not validate it; a
// production deployment would swap in a DNSSEC-validating resolver
// without this core's callers noticing.
type Resolver interface {
	Resolve(ctx context.Context, name string, dnssec bool) ([]net.TCPAddr, error)
}

type systemResolver struct {
	port uint16
}

// NewSystemResolver returns a Resolver backed by net.DefaultResolver,
// appending the given default TCP port to every resolved address.
func NewSystemResolver(defaultPort uint16) Resolver {
	return &systemResolver{port: defaultPort}
}

func (r *systemResolver) Resolve(ctx context.Context, name string, _ bool) ([]net.TCPAddr, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", name)
	if err != nil {
		return nil, err
	}
	out := make([]net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.TCPAddr{IP: ip, Port: int(r.port)})
	}
	return out, nil
}

// staticResolver answers resolve requests from a fixed address list,
// used by nodes configured with only static bootstrap peers. Every name
// resolves to the whole list.
type staticResolver struct {
	addrs []net.TCPAddr
}

func NewStaticResolver(addrs []net.TCPAddr) Resolver {
	return &staticResolver{addrs: addrs}
}

func (r *staticResolver) Resolve(context.Context, string, bool) ([]net.TCPAddr, error) {
	return r.addrs, nil
}
