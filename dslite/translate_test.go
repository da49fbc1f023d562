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
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwireproto/dslite/pkg/log"
)

var testAFTR6 = netip.MustParseAddr("2001:db8:ffff::1")

func newTestAFTR(t *testing.T) *aftrHandler {
	t.Helper()
	wm := newWorkerMetrics(theMetrics)
	return &aftrHandler{
		shard: testShard(t, ShardConfig{}),
		wm:    &wm,
		aftr6: testAFTR6,
		log:   log.Root(),
	}
}

func buildUDP4(t *testing.T, src, dst netip.Addr, sport, dport uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp,
		gopacket.Payload([]byte("ping"))))
	return buf.Bytes()
}

func buildTCP4(t *testing.T, src, dst netip.Addr, sport, dport uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp))
	return buf.Bytes()
}

func buildICMPEcho(t *testing.T, src, dst netip.Addr, icmpType uint8, id uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmpType, 0),
		Id:       id,
		Seq:      1,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, icmp,
		gopacket.Payload([]byte("echo"))))
	return buf.Bytes()
}

func buildTunnel(softwire, aftr netip.Addr, inner []byte) []byte {
	pkt := make([]byte, ip6HdrLen+len(inner))
	pkt[0] = 6 << 4
	pkt[4] = byte(len(inner) >> 8)
	pkt[5] = byte(len(inner))
	pkt[6] = byte(layers.IPProtocolIPv4)
	pkt[7] = 64
	s16 := softwire.As16()
	d16 := aftr.As16()
	copy(pkt[8:24], s16[:])
	copy(pkt[24:40], d16[:])
	copy(pkt[ip6HdrLen:], inner)
	return pkt
}

func makePacket(raw []byte, fromTunnel bool) *Packet {
	p := &Packet{}
	p.reset()
	p.fromTunnel = fromTunnel
	p.n = copy(p.buf[headroom:], raw)
	return p
}

func TestIn2OutTranslatesUDP(t *testing.T) {
	h := newTestAFTR(t)
	now := time.Now()
	remote := netip.MustParseAddr("198.51.100.7")

	inner := buildUDP4(t, testClient, remote, 40000, 53)
	p := makePacket(buildTunnel(testSoftwire, testAFTR6, inner), true)
	require.True(t, h.handleTunnel(p, now))

	// The session got the first port of the rotating allocator.
	require.Equal(t, 1, h.shard.numSessions())
	idx, ok := h.shard.lookupIn2Out(
		MakeReverseKey(testSoftwire, testClient, 40000, UDP))
	require.True(t, ok)
	fk := h.shard.session(idx).out2in
	assert.Equal(t, testPool, fk.Addr())
	assert.Equal(t, uint16(firstPort), fk.Port())

	// The output is the decapsulated IPv4 packet with the source rewritten.
	// Building the expected packet from scratch cross-checks the incremental
	// checksum fixups against gopacket's from-zero computation.
	want := buildUDP4(t, testPool, remote, firstPort, 53)
	assert.Equal(t, want, p.bytes())
}

func TestOut2InTranslatesReply(t *testing.T) {
	h := newTestAFTR(t)
	now := time.Now()
	remote := netip.MustParseAddr("198.51.100.7")

	out := buildUDP4(t, testClient, remote, 40000, 53)
	po := makePacket(buildTunnel(testSoftwire, testAFTR6, out), true)
	require.True(t, h.handleTunnel(po, now))

	reply := buildUDP4(t, remote, testPool, 53, firstPort)
	p := makePacket(reply, false)
	require.True(t, h.handleWire(p, now))

	// The output is encapsulated toward the B4 with the inner destination
	// rewritten back to the client.
	got := p.bytes()
	require.Greater(t, len(got), ip6HdrLen)
	assert.Equal(t, testAFTR6, addr16(got[8:24]))
	assert.Equal(t, testSoftwire, addr16(got[24:40]))
	assert.Equal(t, byte(layers.IPProtocolIPv4), got[6])

	want := buildUDP4(t, remote, testClient, 53, 40000)
	assert.Equal(t, want, got[ip6HdrLen:])
}

func TestOut2InNoSessionDrops(t *testing.T) {
	h := newTestAFTR(t)
	p := makePacket(buildUDP4(t, netip.MustParseAddr("198.51.100.7"),
		testPool, 53, 2000), false)
	assert.False(t, h.handleWire(p, time.Now()))
	assert.Equal(t, 0, h.shard.numSessions(), "out2in never creates sessions")
}

func TestIn2OutTranslatesTCP(t *testing.T) {
	h := newTestAFTR(t)
	remote := netip.MustParseAddr("198.51.100.7")

	inner := buildTCP4(t, testClient, remote, 40000, 443)
	p := makePacket(buildTunnel(testSoftwire, testAFTR6, inner), true)
	require.True(t, h.handleTunnel(p, time.Now()))

	want := buildTCP4(t, testPool, remote, firstPort, 443)
	assert.Equal(t, want, p.bytes())
}

func TestIn2OutICMPEcho(t *testing.T) {
	h := newTestAFTR(t)
	now := time.Now()
	remote := netip.MustParseAddr("198.51.100.7")

	inner := buildICMPEcho(t, testClient, remote, icmpEchoRequest, 7777)
	p := makePacket(buildTunnel(testSoftwire, testAFTR6, inner), true)
	require.True(t, h.handleTunnel(p, now))

	// The echo identifier takes the role of the port.
	want := buildICMPEcho(t, testPool, remote, icmpEchoRequest, firstPort)
	assert.Equal(t, want, p.bytes())

	// The reply comes back with the translated identifier.
	reply := buildICMPEcho(t, remote, testPool, icmpEchoReply, firstPort)
	pr := makePacket(reply, false)
	require.True(t, h.handleWire(pr, now))
	wantReply := buildICMPEcho(t, remote, testClient, icmpEchoReply, 7777)
	assert.Equal(t, wantReply, pr.bytes()[ip6HdrLen:])
}

func TestIn2OutICMPNonEchoDrops(t *testing.T) {
	h := newTestAFTR(t)
	inner := buildICMPEcho(t, testClient, netip.MustParseAddr("198.51.100.7"),
		3 /* destination unreachable */, 0)
	p := makePacket(buildTunnel(testSoftwire, testAFTR6, inner), true)
	assert.False(t, h.handleTunnel(p, time.Now()))
	assert.Equal(t, 0, h.shard.numSessions())
}

func TestIn2OutBadOuter(t *testing.T) {
	h := newTestAFTR(t)
	now := time.Now()
	inner := buildUDP4(t, testClient, netip.MustParseAddr("198.51.100.7"), 40000, 53)

	// Outer destination is not the AFTR.
	pkt := buildTunnel(testSoftwire, netip.MustParseAddr("2001:db8:ffff::2"), inner)
	assert.False(t, h.handleTunnel(makePacket(pkt, true), now))

	// Outer next header is not IPv4-in-IPv6.
	pkt = buildTunnel(testSoftwire, testAFTR6, inner)
	pkt[6] = byte(layers.IPProtocolUDP)
	assert.False(t, h.handleTunnel(makePacket(pkt, true), now))

	assert.Equal(t, 0, h.shard.numSessions())
}

func TestIn2OutUnsupportedProtocol(t *testing.T) {
	h := newTestAFTR(t)
	inner := buildUDP4(t, testClient, netip.MustParseAddr("198.51.100.7"), 40000, 53)
	inner[9] = 47 // GRE
	pkt := buildTunnel(testSoftwire, testAFTR6, inner)
	assert.False(t, h.handleTunnel(makePacket(pkt, true), time.Now()))
}

func TestIn2OutPoolExhausted(t *testing.T) {
	h := newTestAFTR(t)
	h.shard.alloc = NewPoolAllocator() // no addresses at all
	inner := buildUDP4(t, testClient, netip.MustParseAddr("198.51.100.7"), 40000, 53)
	pkt := buildTunnel(testSoftwire, testAFTR6, inner)
	assert.False(t, h.handleTunnel(makePacket(pkt, true), time.Now()))
	// The failed flow must not leave a B4 behind.
	assert.Equal(t, 0, h.shard.numB4s())
}

func TestUDPZeroChecksumStaysZero(t *testing.T) {
	h := newTestAFTR(t)
	remote := netip.MustParseAddr("198.51.100.7")
	inner := buildUDP4(t, testClient, remote, 40000, 53)
	ihl := int(inner[0]&0xf) * 4
	inner[ihl+6], inner[ihl+7] = 0, 0
	updateIPv4Checksum(inner[:ihl])

	p := makePacket(buildTunnel(testSoftwire, testAFTR6, inner), true)
	require.True(t, h.handleTunnel(p, time.Now()))
	got := p.bytes()
	assert.Equal(t, []byte{0, 0}, got[ihl+6:ihl+8])
}

func TestCEEncapDecapRoundTrip(t *testing.T) {
	b46 := netip.MustParseAddr("2001:db8::b4")
	wm := newWorkerMetrics(theMetrics)
	h := &ceHandler{wm: &wm, aftr6: testAFTR6, b46: b46, log: log.Root()}
	now := time.Now()

	inner := buildUDP4(t, testClient, netip.MustParseAddr("198.51.100.7"), 40000, 53)
	p := makePacket(inner, false)
	require.True(t, h.handleWire(p, now))

	got := p.bytes()
	require.Equal(t, ip6HdrLen+len(inner), len(got))
	assert.Equal(t, b46, addr16(got[8:24]))
	assert.Equal(t, testAFTR6, addr16(got[24:40]))
	assert.Equal(t, inner, got[ip6HdrLen:])

	// Decapsulating the same packet restores the original.
	p.fromTunnel = true
	require.True(t, h.handleTunnel(p, now))
	assert.Equal(t, inner, p.bytes())

	// A tunnel packet for someone else's softwire is not ours to decap.
	other := buildTunnel(testAFTR6, netip.MustParseAddr("2001:db8::b5"), inner)
	assert.False(t, h.handleTunnel(makePacket(other, true), now))
}
