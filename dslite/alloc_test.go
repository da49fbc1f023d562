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
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateRoundTrip(t *testing.T) {
	p := NewPoolAllocator()
	addr := netip.MustParseAddr("192.0.2.1")
	require.NoError(t, p.AddAddress(0, addr))

	got, port, err := p.Allocate(0, UDP, FullPortRange)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.GreaterOrEqual(t, port, uint16(firstPort))

	// The same pair must not be handed out twice before release.
	_, port2, err := p.Allocate(0, UDP, FullPortRange)
	require.NoError(t, err)
	assert.NotEqual(t, port, port2)

	p.Release(0, UDP, addr, port)
	p.Release(0, UDP, addr, port2)
}

func TestAllocateProtocolsIndependent(t *testing.T) {
	p := NewPoolAllocator()
	addr := netip.MustParseAddr("192.0.2.1")
	require.NoError(t, p.AddAddress(0, addr))

	_, udpPort, err := p.Allocate(0, UDP, FullPortRange)
	require.NoError(t, err)
	_, tcpPort, err := p.Allocate(0, TCP, FullPortRange)
	require.NoError(t, err)
	// Port spaces are per protocol, so the same port number may show up.
	assert.Equal(t, udpPort, tcpPort)
}

func TestExhaustionIsolatedPerFIB(t *testing.T) {
	p := NewPoolAllocator()
	require.NoError(t, p.AddAddress(1, netip.MustParseAddr("192.0.2.1")))
	require.NoError(t, p.AddAddress(2, netip.MustParseAddr("192.0.2.2")))

	// FIB 3 has no pool at all: allocation fails.
	_, _, err := p.Allocate(3, UDP, FullPortRange)
	assert.ErrorIs(t, err, ErrOutOfPorts)

	// FIB 1 and 2 are unaffected by each other and by FIB 3.
	_, _, err = p.Allocate(1, UDP, FullPortRange)
	assert.NoError(t, err)
	_, _, err = p.Allocate(2, UDP, FullPortRange)
	assert.NoError(t, err)
}

func TestPortExhaustionAndRelease(t *testing.T) {
	p := NewPoolAllocator()
	addr := netip.MustParseAddr("192.0.2.1")
	require.NoError(t, p.AddAddress(0, addr))

	pool := p.fibs[0]
	pm := &pool.addrs[0].ports[TCP]
	// Mark everything taken except one port.
	for port := uint32(firstPort); port <= lastPort; port++ {
		if port != 4242 {
			require.True(t, pm.take(uint16(port)))
		}
	}

	_, port, err := p.Allocate(0, TCP, FullPortRange)
	require.NoError(t, err)
	assert.Equal(t, uint16(4242), port)

	_, _, err = p.Allocate(0, TCP, FullPortRange)
	assert.ErrorIs(t, err, ErrOutOfPorts)

	p.Release(0, TCP, addr, 4242)
	_, port, err = p.Allocate(0, TCP, FullPortRange)
	require.NoError(t, err)
	assert.Equal(t, uint16(4242), port)
}

func TestAddPrefix(t *testing.T) {
	p := NewPoolAllocator()
	require.NoError(t, p.AddPrefix(0, netip.MustParsePrefix("192.0.2.0/30")))
	assert.Len(t, p.fibs[0].addrs, 4)

	assert.Error(t, p.AddAddress(0, netip.MustParseAddr("192.0.2.2")), "duplicate")
	assert.Error(t, p.AddPrefix(0, netip.MustParsePrefix("2001:db8::/126")), "not IPv4")
}

func TestRemoveAddress(t *testing.T) {
	p := NewPoolAllocator()
	addr := netip.MustParseAddr("192.0.2.1")
	require.NoError(t, p.AddAddress(0, addr))
	require.NoError(t, p.RemoveAddress(0, addr))
	assert.Error(t, p.RemoveAddress(0, addr))

	_, _, err := p.Allocate(0, UDP, FullPortRange)
	assert.ErrorIs(t, err, ErrOutOfPorts)

	// Releasing a pair whose address is gone must not panic.
	p.Release(0, UDP, addr, 2000)
}
