// Copyright 2024 Softwire Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dslite

import (
	"errors"
	"net/netip"
	"sync"

	"go4.org/netipx"

	"github.com/softwireproto/dslite/pkg/private/serrors"
)

// Port range handed out by the allocator. Ports below firstPort are left
// alone so that well-known services on the public address stay reachable.
const (
	firstPort = 1024
	lastPort  = 65535
	numPorts  = lastPort - firstPort + 1
)

// ErrOutOfPorts is returned by Allocate when no address in the FIB's pool
// has a free port for the protocol.
var ErrOutOfPorts = errors.New("out of ports")

// PortRange is an inclusive range of ports. Each worker shard allocates out
// of its own slice of the port space, which is what lets reply packets be
// steered to the owning shard by destination port alone.
type PortRange struct {
	Lo, Hi uint16
}

// FullPortRange covers the whole allocatable port space. Used when there is
// a single shard.
var FullPortRange = PortRange{Lo: firstPort, Hi: lastPort}

// SplitPortRange returns the port range of shard i out of n. The last shard
// absorbs the remainder.
func SplitPortRange(i, n int) PortRange {
	per := numPorts / n
	r := PortRange{
		Lo: uint16(firstPort + i*per),
		Hi: uint16(firstPort + (i+1)*per - 1),
	}
	if i == n-1 {
		r.Hi = lastPort
	}
	return r
}

// ShardOfPort maps a public port back to the shard that allocated it, the
// inverse of SplitPortRange. Ports outside the allocatable space map to
// shard 0; no session can exist for them, so any shard reports the miss.
func ShardOfPort(port uint16, n int) int {
	if port < firstPort {
		return 0
	}
	i := int(port-firstPort) / (numPorts / n)
	if i >= n {
		i = n - 1
	}
	return i
}

// Allocator hands out public IPv4 address and port pairs for new sessions.
// It is the only piece of state shared between worker shards and must be
// safe for concurrent use.
type Allocator interface {
	Allocate(fib uint16, proto Protocol, r PortRange) (netip.Addr, uint16, error)
	Release(fib uint16, proto Protocol, addr netip.Addr, port uint16)
}

// PoolAllocator implements Allocator over per-FIB address pools with
// per-address, per-protocol port bitmaps. A single mutex guards all pools;
// allocation is off the packet fast path (slow path only), so contention is
// acceptable.
type PoolAllocator struct {
	mu   sync.Mutex
	fibs map[uint16]*fibPool
}

type fibPool struct {
	addrs    []*poolAddr
	lastAddr int
}

type poolAddr struct {
	addr  netip.Addr
	ports [numProtocols]portMap
}

// portMap tracks allocated ports in [firstPort, lastPort] as a bitmap.
type portMap struct {
	bits     []uint64
	used     int
	lastPort uint16
}

func (m *portMap) init() {
	m.bits = make([]uint64, (numPorts+63)/64)
	m.lastPort = firstPort
}

// take marks port as allocated. Returns false if it already was.

func (m *portMap) take(port uint16) bool {
	bit := uint32(port - firstPort)
	if m.bits[bit/64]&(1<<(bit%64)) != 0 {
		return false
	}
	m.bits[bit/64] |= 1 << (bit % 64)
	m.used++
	return true
}

func (m *portMap) release(port uint16) bool {
	bit := uint32(port - firstPort)
	if m.bits[bit/64]&(1<<(bit%64)) == 0 {
		return false
	}
	m.bits[bit/64] &^= 1 << (bit % 64)
	m.used--
	return true
}

// next returns a free port within r, rotating from the last handed out one,
// or false if the range is full.
func (m *portMap) next(r PortRange) (uint16, bool) {
	port := m.lastPort
	if port < r.Lo || port > r.Hi {
		port = r.Lo
	}
	for i := 0; i <= int(r.Hi-r.Lo); i++ {
		if m.take(port) {
			m.lastPort = port
			return port, true
		}
		if port == r.Hi {
			port = r.Lo
		} else {
			port++
		}
	}
	return 0, false
}

// NewPoolAllocator returns an allocator with no addresses. Addresses are
// added with AddAddress or AddPrefix.
func NewPoolAllocator() *PoolAllocator {
	return &PoolAllocator{fibs: make(map[uint16]*fibPool)}
}

// AddAddress adds one public IPv4 address to the pool of the given FIB.
// Adding an address twice is an error.
func (p *PoolAllocator) AddAddress(fib uint16, addr netip.Addr) error {
	if !addr.Is4() {
		return serrors.New("pool address must be IPv4", "addr", addr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pool := p.fibs[fib]
	if pool == nil {
		pool = &fibPool{}
		p.fibs[fib] = pool
	}
	if pool.find(addr) != nil {
		return serrors.New("address already in pool", "addr", addr, "fib", fib)
	}
	pa := &poolAddr{addr: addr}
	for i := range pa.ports {
		pa.ports[i].init()
	}
	pool.addrs = append(pool.addrs, pa)
	return nil
}

// AddPrefix adds every address covered by the IPv4 prefix to the pool of the
// given FIB.
func (p *PoolAllocator) AddPrefix(fib uint16, prefix netip.Prefix) error {
	r := netipx.RangeOfPrefix(prefix)
	if !r.IsValid() || !r.From().Is4() {
		return serrors.New("invalid IPv4 pool prefix", "prefix", prefix)
	}
	for addr := r.From(); addr.Compare(r.To()) <= 0; addr = addr.Next() {
		if err := p.AddAddress(fib, addr); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAddress removes an address from the pool of the given FIB. Sessions
// still holding ports on the address are not terminated here; the dataplane
// is responsible for flushing them.
func (p *PoolAllocator) RemoveAddress(fib uint16, addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool := p.fibs[fib]
	if pool == nil {
		return serrors.New("no pool for fib", "fib", fib)
	}
	for i, pa := range pool.addrs {
		if pa.addr == addr {
			pool.addrs = append(pool.addrs[:i], pool.addrs[i+1:]...)
			if pool.lastAddr >= len(pool.addrs) {
				pool.lastAddr = 0
			}
			return nil
		}
	}
	return serrors.New("address not in pool", "addr", addr, "fib", fib)
}

// Allocate hands out a free address/port pair from the FIB's pool, with the
// port inside r. Addresses are tried round-robin starting at the last one
// that produced a port.
func (p *PoolAllocator) Allocate(fib uint16, proto Protocol, r PortRange) (netip.Addr, uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool := p.fibs[fib]
	if pool == nil || len(pool.addrs) == 0 {
		return netip.Addr{}, 0, serrors.Join(ErrOutOfPorts, nil, "fib", fib)
	}
	n := len(pool.addrs)
	for i := 0; i < n; i++ {
		pa := pool.addrs[(pool.lastAddr+i)%n]
		if port, ok := pa.ports[proto].next(r); ok {
			pool.lastAddr = (pool.lastAddr + i) % n
			return pa.addr, port, nil
		}
	}
	return netip.Addr{}, 0, serrors.Join(ErrOutOfPorts, nil, "fib", fib)
}

// Release returns an address/port pair to the pool. Releasing a pair that is
// not allocated, for example because its address has since been removed from
// the pool, is a no-op.
func (p *PoolAllocator) Release(fib uint16, proto Protocol, addr netip.Addr, port uint16) {
	if port < firstPort {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pool := p.fibs[fib]
	if pool == nil {
		return
	}
	if pa := pool.find(addr); pa != nil {
		pa.ports[proto].release(port)
	}
}

func (f *fibPool) find(addr netip.Addr) *poolAddr {
	for _, pa := range f.addrs {
		if pa.addr == addr {
			return pa
		}
	}
	return nil
}
