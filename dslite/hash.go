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

// fnv1aOffset32 is the initial state for hashFNV1a.
const fnv1aOffset32 uint32 = 2166136261

// hashFNV1a folds one byte into the FNV-1a state. To hash a sequence of
// bytes, call it once per byte, threading the returned state through.
func hashFNV1a(state uint32, c byte) uint32 {
	const prime32 = 16777619
	return (state ^ uint32(c)) * prime32
}

func hashBytes(state uint32, b []byte) uint32 {
	for _, c := range b {
		state = hashFNV1a(state, c)
	}
	return state
}

// shardOfTunnel picks the worker shard for a tunnel packet. All packets of
// one B4 hash to the same shard, keyed by the outer IPv6 source address. The
// packet must have passed outer header validation.
func shardOfTunnel(pkt []byte, numShards int) int {
	return int(hashBytes(fnv1aOffset32, pkt[8:24])) % numShards
}

// shardOfWire picks the worker shard for an IPv4 packet from the internet.
// Each shard allocates public ports out of its own range, so the destination
// port (or ICMP echo identifier) alone identifies the shard that owns the
// session. The packet must have passed IPv4 header validation.
func shardOfWire(pkt []byte, numShards int) int {
	ihl := int(pkt[0]&0xf) * 4
	if len(pkt) < ihl+8 {
		return 0
	}
	off := ihl + 2
	if pkt[9] == 1 { // ICMP: echo identifier
		off = ihl + 4
	}
	port := uint16(pkt[off])<<8 | uint16(pkt[off+1])
	return ShardOfPort(port, numShards)
}
