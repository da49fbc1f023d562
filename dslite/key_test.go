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
)

func TestForwardKeyRoundTrip(t *testing.T) {
	addr := netip.MustParseAddr("93.184.216.34")
	k := MakeForwardKey(addr, 8080, TCP, 42)
	assert.Equal(t, addr, k.Addr())
	assert.Equal(t, uint16(8080), k.Port())
	assert.Equal(t, TCP, k.Proto())
	assert.Equal(t, uint16(42), k.FIB())
}

func TestForwardKeyFieldWidths(t *testing.T) {
	addr := netip.MustParseAddr("203.0.113.1")
	// The FIB index is 13 bits wide; larger values must be truncated rather
	// than bleed into neighboring fields.
	k := MakeForwardKey(addr, 1, UDP, 1<<13)
	assert.Equal(t, uint16(0), k.FIB())
	assert.Equal(t, uint16(1), k.Port())
	assert.Equal(t, UDP, k.Proto())

	k = MakeForwardKey(addr, 0xffff, ICMP, MaxFIBIndex)
	assert.Equal(t, uint16(MaxFIBIndex), k.FIB())
	assert.Equal(t, ICMP, k.Proto())
	assert.Equal(t, addr, k.Addr())
}

func TestForwardKeyDistinct(t *testing.T) {
	addr := netip.MustParseAddr("203.0.113.1")
	keys := map[ForwardKey]struct{}{
		MakeForwardKey(addr, 80, TCP, 0):                       {},
		MakeForwardKey(addr, 80, UDP, 0):                       {},
		MakeForwardKey(addr, 80, TCP, 1):                       {},
		MakeForwardKey(addr, 81, TCP, 0):                       {},
		MakeForwardKey(netip.MustParseAddr("203.0.113.2"), 80, TCP, 0): {},
	}
	assert.Len(t, keys, 5)
}

func TestReverseKeyRoundTrip(t *testing.T) {
	softwire := netip.MustParseAddr("2001:db8::1")
	addr := netip.MustParseAddr("192.168.1.2")
	k := MakeReverseKey(softwire, addr, 4242, UDP)
	assert.Equal(t, softwire, k.Softwire())
	assert.Equal(t, addr, k.Addr())
	assert.Equal(t, uint16(4242), k.Port())
	assert.Equal(t, UDP, k.Proto())
}

func TestReverseKeyDistinct(t *testing.T) {
	sw1 := netip.MustParseAddr("2001:db8::1")
	sw2 := netip.MustParseAddr("2001:db8::2")
	addr := netip.MustParseAddr("192.168.1.2")
	keys := map[ReverseKey]struct{}{
		MakeReverseKey(sw1, addr, 80, TCP): {},
		MakeReverseKey(sw2, addr, 80, TCP): {},
		MakeReverseKey(sw1, addr, 80, UDP): {},
		MakeReverseKey(sw1, addr, 81, TCP): {},
	}
	assert.Len(t, keys, 4)
}

func TestParseProtocol(t *testing.T) {
	for _, tc := range []struct {
		ipProto uint8
		want    Protocol
		ok      bool
	}{
		{17, UDP, true},
		{6, TCP, true},
		{1, ICMP, true},
		{47, 0, false},
		{58, 0, false},
	} {
		got, ok := ParseProtocol(tc.ipProto)
		assert.Equal(t, tc.ok, ok)
		if ok {
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.ipProto, got.IPProto())
		}
	}
}
