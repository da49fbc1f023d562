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
	"fmt"
	"net/netip"
)

// Protocol is the transport protocol of a session. It occupies 3 bits in the
// forward key, which bounds the number of distinct codes to 8.
type Protocol uint8

const (
	UDP Protocol = iota
	TCP
	ICMP
	numProtocols
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case ICMP:
		return "icmp"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// IPProto returns the IP protocol number for p.
func (p Protocol) IPProto() uint8 {
	switch p {
	case UDP:
		return 17
	case TCP:
		return 6
	case ICMP:
		return 1
	default:
		return 0
	}
}

// ParseProtocol maps an IP protocol number to a Protocol. The second return
// value is false for transport protocols that translation does not handle.
func ParseProtocol(ipProto uint8) (Protocol, bool) {
	switch ipProto {
	case 17:
		return UDP, true
	case 6:
		return TCP, true
	case 1:
		return ICMP, true
	default:
		return 0, false
	}
}

// Field widths of the forward key. The FIB index is 13 bits wide, bounding
// the number of FIB tables to 8192.
const (
	protoBits = 3
	fibBits   = 13

	protoMask = 1<<protoBits - 1
	fibMask   = 1<<fibBits - 1

	// MaxFIBIndex is the largest valid FIB index.
	MaxFIBIndex = fibMask
)

// ForwardKey identifies a session from the public-internet side (out2in). It
// packs the public IPv4 address, public port, transport protocol and FIB
// index into a single 64-bit word:
//
//	bits 63..32  IPv4 address
//	bits 31..16  port
//	bits 15..3   FIB index
//	bits  2..0   protocol
//
// Equality and hashing are bitwise over the packed value, so the key can be
// used directly as a map key.
type ForwardKey uint64

// MakeForwardKey packs the given fields into a ForwardKey. addr must be an
// IPv4 address. fib is truncated to 13 bits, proto to 3.
func MakeForwardKey(addr netip.Addr, port uint16, proto Protocol, fib uint16) ForwardKey {
	a4 := addr.As4()
	return ForwardKey(binary.BigEndian.Uint32(a4[:]))<<32 |
		ForwardKey(port)<<16 |
		ForwardKey(fib&fibMask)<<protoBits |
		ForwardKey(proto&protoMask)
}

// Addr returns the public IPv4 address of the key.
func (k ForwardKey) Addr() netip.Addr {
	var a4 [4]byte
	binary.BigEndian.PutUint32(a4[:], uint32(k>>32))
	return netip.AddrFrom4(a4)
}

// Port returns the public port of the key.
func (k ForwardKey) Port() uint16 {
	return uint16(k >> 16)
}

// FIB returns the FIB index of the key.
func (k ForwardKey) FIB() uint16 {
	return uint16(k>>protoBits) & fibMask
}

// Proto returns the transport protocol of the key.
func (k ForwardKey) Proto() Protocol {
	return Protocol(k & protoMask)
}

func (k ForwardKey) String() string {
	return fmt.Sprintf("%s:%d/%s fib %d", k.Addr(), k.Port(), k.Proto(), k.FIB())
}

// ReverseKey identifies a session from the tunnel-client side (in2out). It
// packs the B4's IPv6 softwire identifier, the client's IPv4 address and
// port, and the transport protocol into three 64-bit words. Like ForwardKey,
// equality is bitwise, so the value is usable directly as a map key.
type ReverseKey struct {
	hi, lo uint64 // softwire IPv6, big endian
	tail   uint64 // addr(32) | port(16) | proto(8) | zero pad(8)
}

// MakeReverseKey packs the given fields into a ReverseKey. softwire must be
// an IPv6 address and addr an IPv4 address.
func MakeReverseKey(softwire netip.Addr, addr netip.Addr, port uint16, proto Protocol) ReverseKey {
	a16 := softwire.As16()
	a4 := addr.As4()
	return ReverseKey{
		hi: binary.BigEndian.Uint64(a16[:8]),
		lo: binary.BigEndian.Uint64(a16[8:]),
		tail: uint64(binary.BigEndian.Uint32(a4[:]))<<32 |
			uint64(port)<<16 |
			uint64(proto)<<8,
	}
}

// Softwire returns the B4's IPv6 softwire identifier.
func (k ReverseKey) Softwire() netip.Addr {
	var a16 [16]byte
	binary.BigEndian.PutUint64(a16[:8], k.hi)
	binary.BigEndian.PutUint64(a16[8:], k.lo)
	return netip.AddrFrom16(a16)
}

// Addr returns the tunnel-client IPv4 address of the key.
func (k ReverseKey) Addr() netip.Addr {
	var a4 [4]byte
	binary.BigEndian.PutUint32(a4[:], uint32(k.tail>>32))
	return netip.AddrFrom4(a4)
}

// Port returns the tunnel-client port of the key.
func (k ReverseKey) Port() uint16 {
	return uint16(k.tail >> 16)
}

// Proto returns the transport protocol of the key.
func (k ReverseKey) Proto() Protocol {
	return Protocol(k.tail >> 8)
}

func (k ReverseKey) String() string {
	return fmt.Sprintf("%s %s:%d/%s", k.Softwire(), k.Addr(), k.Port(), k.Proto())
}
