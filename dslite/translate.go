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
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/softwireproto/dslite/pkg/log"
)

const (
	ip6HdrLen    = 40
	ip4MinHdrLen = 20

	icmpEchoReply   = 0
	icmpEchoRequest = 8
)

// handler processes packets of one gateway mode. handleTunnel handles
// packets arriving on the tunnel-facing device, handleWire packets arriving
// on the internet-facing device. The returned bool reports whether the
// packet should be forwarded to the opposite device; on false the reason has
// already been counted.
type handler interface {
	handleTunnel(p *Packet, now time.Time) bool
	handleWire(p *Packet, now time.Time) bool
}

// aftrHandler is the AFTR-side translation engine of one worker. It owns the
// worker's shard; everything here runs on the worker goroutine.
type aftrHandler struct {
	shard *Shard
	wm    *workerMetrics
	aftr6 netip.Addr
	fib   uint16
	log   log.Logger
}

// handleTunnel is the in2out direction: an IPv4-in-IPv6 packet from a B4
// toward the internet. Fast path on an in2out hit; otherwise the slow path
// creates the B4 record and session.
func (h *aftrHandler) handleTunnel(p *Packet, now time.Time) bool {
	pkt := p.bytes()
	softwire, ok := h.checkOuter(pkt)
	if !ok {
		return h.drop(p, dropBadIP6Protocol)
	}
	inner := pkt[ip6HdrLen:]
	proto, srcPort, ok := parseInnerV4(inner, true)
	if !ok {
		return h.drop(p, dropUnsupportedProtocol)
	}
	if proto == ICMP && !isICMPEcho(inner) {
		return h.drop(p, dropBadICMPType)
	}
	srcAddr := addr4(inner[12:16])
	rk := MakeReverseKey(softwire, srcAddr, srcPort, proto)

	idx, ok := h.shard.lookupIn2Out(rk)
	if !ok {
		var reason dropReason
		idx, reason, ok = h.slowPath(softwire, rk, now)
		if !ok {
			return h.drop(p, reason)
		}
	}
	sess := h.shard.session(idx)
	rewriteSource(inner, proto, sess.out2in.Addr(), sess.out2in.Port())
	h.shard.touch(idx, now)
	sess.totalBytes += uint64(len(inner))
	sess.totalPkts++
	h.wm.in2outPkts.Inc()
	h.wm.in2outBytes.Add(float64(len(inner)))

	p.strip(ip6HdrLen) // decapsulate
	h.trace("in2out", p)
	return true
}

// slowPath resolves or creates the B4 and the session for a new outbound
// flow. A B4 created here is rolled back if the session cannot be created,
// so a failed flow leaves no state behind.
func (h *aftrHandler) slowPath(softwire netip.Addr, rk ReverseKey, now time.Time) (uint32, dropReason, bool) {
	b4, err := h.shard.findOrCreateB4(softwire)
	if err != nil {
		return noIndex, dropResourceExhausted, false
	}
	idx, err := h.shard.createSession(b4, rk, h.fib, now)
	if err != nil {
		h.shard.releaseB4IfEmpty(b4)
		if errors.Is(err, ErrOutOfPorts) {
			return noIndex, dropOutOfPorts, false
		}
		return noIndex, dropResourceExhausted, false
	}
	if h.log.Enabled(log.DebugLevel) {
		h.log.Debug("session created", "key", rk.String(),
			"public", h.shard.session(idx).out2in.String())
	}
	return idx, 0, true
}

// handleWire is the out2in direction: an IPv4 packet from the internet
// toward the public pool. DS-Lite never creates sessions on this side; a
// miss is dropped as no-translation.
func (h *aftrHandler) handleWire(p *Packet, now time.Time) bool {
	pkt := p.bytes()
	proto, dstPort, ok := parseInnerV4(pkt, false)
	if !ok {
		return h.drop(p, dropUnsupportedProtocol)
	}
	if proto == ICMP && !isICMPEcho(pkt) {
		return h.drop(p, dropBadICMPType)
	}
	fk := MakeForwardKey(addr4(pkt[16:20]), dstPort, proto, h.fib)
	idx, ok := h.shard.lookupOut2In(fk)
	if !ok {
		return h.drop(p, dropNoTranslation)
	}
	sess := h.shard.session(idx)
	rewriteDest(pkt, proto, sess.in2out.Addr(), sess.in2out.Port())
	h.shard.touch(idx, now)
	sess.totalBytes += uint64(len(pkt))
	sess.totalPkts++
	h.wm.out2inPkts.Inc()
	h.wm.out2inBytes.Add(float64(len(pkt)))

	encapIPv6(p, h.aftr6, sess.in2out.Softwire())
	h.trace("out2in", p)
	return true
}

// checkOuter validates the softwire framing of a tunnel packet and returns
// the B4's softwire address. The outer header must be IPv6 carrying IPIP
// and, since the tunnel device delivers all tunnel traffic here, addressed
// to the AFTR.
func (h *aftrHandler) checkOuter(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < ip6HdrLen+ip4MinHdrLen || pkt[0]>>4 != 6 {
		return netip.Addr{}, false
	}
	if pkt[6] != byte(layers.IPProtocolIPv4) {
		return netip.Addr{}, false
	}
	if addr16(pkt[24:40]) != h.aftr6 {
		return netip.Addr{}, false
	}
	return addr16(pkt[8:24]), true
}

func (h *aftrHandler) drop(p *Packet, reason dropReason) bool {
	h.wm.drops[reason].Inc()
	if h.log.Enabled(log.DebugLevel) {
		h.log.Debug("packet dropped", "reason", reason.String())
	}
	return false
}

func (h *aftrHandler) trace(dir string, p *Packet) {
	if !h.log.Enabled(log.DebugLevel) {
		return
	}
	gp := gopacket.NewPacket(p.bytes(), firstLayer(p.bytes()), gopacket.NoCopy)
	h.log.Debug("packet forwarded", "direction", dir, "packet", gp.String())
}

// ceHandler implements the CE/B4 side. It only frames and unframes the
// softwire tunnel; translation state lives at the AFTR, so the session
// tables are never consulted here.
type ceHandler struct {
	wm    *workerMetrics
	aftr6 netip.Addr
	b46   netip.Addr
	log   log.Logger
}

// handleWire encapsulates an outbound IPv4 packet toward the AFTR.
func (h *ceHandler) handleWire(p *Packet, now time.Time) bool {
	pkt := p.bytes()
	if len(pkt) < ip4MinHdrLen || pkt[0]>>4 != 4 {
		h.wm.drops[dropUnsupportedProtocol].Inc()
		return false
	}
	encapIPv6(p, h.b46, h.aftr6)
	h.wm.ceEncapPkts.Inc()
	return true
}

// handleTunnel decapsulates a packet arriving from the AFTR.
func (h *ceHandler) handleTunnel(p *Packet, now time.Time) bool {
	pkt := p.bytes()
	if len(pkt) < ip6HdrLen+ip4MinHdrLen || pkt[0]>>4 != 6 ||
		pkt[6] != byte(layers.IPProtocolIPv4) || addr16(pkt[24:40]) != h.b46 {
		h.wm.drops[dropBadIP6Protocol].Inc()
		return false
	}
	p.strip(ip6HdrLen)
	h.wm.ceDecapPkts.Inc()
	return true
}

// parseInnerV4 validates an IPv4 packet and extracts the transport protocol
// and the source (src=true) or destination port. For ICMP the echo
// identifier takes the place of the port in both directions. The length
// checks also cover the checksum fields the rewrite will touch.
func parseInnerV4(pkt []byte, src bool) (Protocol, uint16, bool) {
	if len(pkt) < ip4MinHdrLen || pkt[0]>>4 != 4 {
		return 0, 0, false
	}
	ihl := int(pkt[0]&0xf) * 4
	if ihl < ip4MinHdrLen || len(pkt) < ihl {
		return 0, 0, false
	}
	proto, ok := ParseProtocol(pkt[9])
	if !ok {
		return 0, 0, false
	}
	minLen := 8 // UDP and ICMP echo headers
	if proto == TCP {
		minLen = 20
	}
	if len(pkt) < ihl+minLen {
		return 0, 0, false
	}
	var port uint16
	switch proto {
	case ICMP:
		port = binary.BigEndian.Uint16(pkt[ihl+4 : ihl+6])
	default:
		off := ihl
		if !src {
			off += 2
		}
		port = binary.BigEndian.Uint16(pkt[off : off+2])
	}
	return proto, port, true
}

func isICMPEcho(pkt []byte) bool {
	ihl := int(pkt[0]&0xf) * 4
	t := pkt[ihl]
	return t == icmpEchoRequest || t == icmpEchoReply
}

// rewriteSource rewrites the IPv4 source address and transport source port
// (or ICMP echo identifier) in place and fixes the checksums.
func rewriteSource(pkt []byte, proto Protocol, addr netip.Addr, port uint16) {
	ihl := int(pkt[0]&0xf) * 4
	oldAddr := binary.BigEndian.Uint32(pkt[12:16])
	a4 := addr.As4()
	newAddr := binary.BigEndian.Uint32(a4[:])
	copy(pkt[12:16], a4[:])
	switch proto {
	case TCP:
		oldPort := binary.BigEndian.Uint16(pkt[ihl : ihl+2])
		binary.BigEndian.PutUint16(pkt[ihl:ihl+2], port)
		csumReplace4(pkt, ihl+16, oldAddr, newAddr)
		csumReplace2(pkt, ihl+16, oldPort, port)
	case UDP:
		oldPort := binary.BigEndian.Uint16(pkt[ihl : ihl+2])
		binary.BigEndian.PutUint16(pkt[ihl:ihl+2], port)
		if binary.BigEndian.Uint16(pkt[ihl+6:ihl+8]) != 0 {
			csumReplace4(pkt, ihl+6, oldAddr, newAddr)
			csumReplace2(pkt, ihl+6, oldPort, port)
		}
	case ICMP:
		oldID := binary.BigEndian.Uint16(pkt[ihl+4 : ihl+6])
		binary.BigEndian.PutUint16(pkt[ihl+4:ihl+6], port)
		// ICMP checksums do not cover a pseudo header; only the id changes.
		csumReplace2(pkt, ihl+2, oldID, port)
	}
	updateIPv4Checksum(pkt[:ihl])
}

// rewriteDest rewrites the IPv4 destination address and transport
// destination port (or ICMP echo identifier) in place and fixes checksums.
func rewriteDest(pkt []byte, proto Protocol, addr netip.Addr, port uint16) {
	ihl := int(pkt[0]&0xf) * 4
	oldAddr := binary.BigEndian.Uint32(pkt[16:20])
	a4 := addr.As4()
	newAddr := binary.BigEndian.Uint32(a4[:])
	copy(pkt[16:20], a4[:])
	switch proto {
	case TCP:
		oldPort := binary.BigEndian.Uint16(pkt[ihl+2 : ihl+4])
		binary.BigEndian.PutUint16(pkt[ihl+2:ihl+4], port)
		csumReplace4(pkt, ihl+16, oldAddr, newAddr)
		csumReplace2(pkt, ihl+16, oldPort, port)
	case UDP:
		oldPort := binary.BigEndian.Uint16(pkt[ihl+2 : ihl+4])
		binary.BigEndian.PutUint16(pkt[ihl+2:ihl+4], port)
		if binary.BigEndian.Uint16(pkt[ihl+6:ihl+8]) != 0 {
			csumReplace4(pkt, ihl+6, oldAddr, newAddr)
			csumReplace2(pkt, ihl+6, oldPort, port)
		}
	case ICMP:
		oldID := binary.BigEndian.Uint16(pkt[ihl+4 : ihl+6])
		binary.BigEndian.PutUint16(pkt[ihl+4:ihl+6], port)
		csumReplace2(pkt, ihl+2, oldID, port)
	}
	updateIPv4Checksum(pkt[:ihl])
}

// encapIPv6 prepends the softwire IPv6 header in the packet's headroom.
func encapIPv6(p *Packet, src, dst netip.Addr) {
	inner := len(p.bytes())
	p.prepend(ip6HdrLen)
	pkt := p.bytes()
	pkt[0] = 6 << 4
	pkt[1], pkt[2], pkt[3] = 0, 0, 0
	binary.BigEndian.PutUint16(pkt[4:6], uint16(inner))
	pkt[6] = byte(layers.IPProtocolIPv4)
	pkt[7] = 64 // hop limit
	s16 := src.As16()
	d16 := dst.As16()
	copy(pkt[8:24], s16[:])
	copy(pkt[24:40], d16[:])
}

// updateIPv4Checksum recomputes the header checksum of the IPv4 header.
func updateIPv4Checksum(hdr []byte) {
	hdr[10], hdr[11] = 0, 0
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	binary.BigEndian.PutUint16(hdr[10:12], ^uint16(sum))
}

// csumReplace2 folds the replacement of a 16-bit value into the one's
// complement checksum at csumOff, per RFC 1624 (HC' = ~(~HC + ~m + m')).
func csumReplace2(pkt []byte, csumOff int, old, new uint16) {
	c := binary.BigEndian.Uint16(pkt[csumOff : csumOff+2])
	sum := uint32(^c) + uint32(^old&0xffff) + uint32(new)
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	binary.BigEndian.PutUint16(pkt[csumOff:csumOff+2], ^uint16(sum))
}

// csumReplace4 folds the replacement of a 32-bit value into the one's
// complement checksum at csumOff.
func csumReplace4(pkt []byte, csumOff int, old, new uint32) {
	csumReplace2(pkt, csumOff, uint16(old>>16), uint16(new>>16))
	csumReplace2(pkt, csumOff, uint16(old), uint16(new))
}

func addr4(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte(b))
}

func addr16(b []byte) netip.Addr {
	return netip.AddrFrom16([16]byte(b))
}

func firstLayer(pkt []byte) gopacket.Decoder {
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		return layers.LayerTypeIPv6
	}
	return layers.LayerTypeIPv4
}
