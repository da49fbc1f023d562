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
	"time"
)

var (
	errSessionTableFull = errors.New("session table full")
	errB4TableFull      = errors.New("b4 table full")
)

// Session is the translation state of one flow. Sessions live in the session
// arena of their shard and are referenced by slot index from the two
// directional indices and from the aging list.
type Session struct {
	out2in    ForwardKey
	in2out    ReverseKey
	b4        uint32 // owning B4 slot
	elt       uint32 // aging list element
	lastHeard time.Time
	totalBytes uint64
	totalPkts  uint32
}

// b4Record represents one tunnel endpoint. Created lazily on the first
// session from a previously unseen softwire address, reclaimed as soon as
// its last session goes away.
type b4Record struct {
	addr      netip.Addr
	chain     uint32 // sentinel of the per-B4 aging chain
	nsessions uint32
}

// ShardConfig bounds the state of one worker shard.
type ShardConfig struct {
	MaxSessions uint32
	MaxB4s      uint32
}

func (c *ShardConfig) initDefaults() {
	if c.MaxSessions == 0 {
		c.MaxSessions = 64 * 1024
	}
	if c.MaxB4s == 0 {
		c.MaxB4s = 8 * 1024
	}
}

// Shard owns the session and B4 state of one worker. A shard is only ever
// accessed by its owning worker goroutine, so none of its operations take
// locks. The only shared collaborator is the allocator, which carries its
// own synchronization.
type Shard struct {
	id      int
	out2in  map[ForwardKey]uint32
	in2out  map[ReverseKey]uint32
	b4Index map[netip.Addr]uint32

	sessions *arena[Session]
	b4s      *arena[b4Record]
	links    *eltPool

	alloc   Allocator
	ports   PortRange
	metrics *Metrics
}

func newShard(id int, cfg ShardConfig, alloc Allocator, ports PortRange,
	metrics *Metrics) *Shard {

	cfg.initDefaults()
	return &Shard{
		id:      id,
		out2in:  make(map[ForwardKey]uint32),
		in2out:  make(map[ReverseKey]uint32),
		b4Index: make(map[netip.Addr]uint32),
		sessions: newArena[Session](cfg.MaxSessions),
		b4s:      newArena[b4Record](cfg.MaxB4s),
		// One element per session plus one sentinel per B4.
		links:   newEltPool(cfg.MaxSessions + cfg.MaxB4s),
		alloc:   alloc,
		ports:   ports,
		metrics: metrics,
	}
}

func (s *Shard) lookupOut2In(k ForwardKey) (uint32, bool) {
	idx, ok := s.out2in[k]
	return idx, ok
}

func (s *Shard) lookupIn2Out(k ReverseKey) (uint32, bool) {
	idx, ok := s.in2out[k]
	return idx, ok
}

func (s *Shard) session(idx uint32) *Session {
	return s.sessions.get(idx)
}

// findOrCreateB4 returns the slot of the B4 record for the softwire address,
// creating it with an empty aging chain if the address is new.
func (s *Shard) findOrCreateB4(addr netip.Addr) (uint32, error) {
	if idx, ok := s.b4Index[addr]; ok {
		return idx, nil
	}
	idx, ok := s.b4s.alloc()
	if !ok {
		return noIndex, errB4TableFull
	}
	chain, ok := s.links.newChain()
	if !ok {
		s.b4s.put(idx)
		return noIndex, errB4TableFull
	}
	*s.b4s.get(idx) = b4Record{addr: addr, chain: chain}
	s.b4Index[addr] = idx
	s.metrics.B4s.Inc()
	return idx, nil
}

// releaseB4IfEmpty reclaims the B4 record if it has no sessions left. Safe
// to call on a B4 that still has sessions; it does nothing then.
func (s *Shard) releaseB4IfEmpty(idx uint32) {
	rec := s.b4s.get(idx)
	if rec.nsessions != 0 {
		return
	}
	s.links.free(rec.chain)
	delete(s.b4Index, rec.addr)
	s.b4s.put(idx)
	s.metrics.B4s.Dec()
}

// createSession builds a new session for the reverse key under the given B4.
// It allocates a public address/port pair scoped to fib, with the port out
// of this shard's slice of the port space, inserts the session into both
// directional indices and links it at the MRU end of the B4's aging chain.
// On any failure nothing is left behind: either the session exists fully or
// not at all. The caller must have confirmed a lookupIn2Out miss first.
func (s *Shard) createSession(b4 uint32, rk ReverseKey, fib uint16, now time.Time) (uint32, error) {
	addr, port, err := s.alloc.Allocate(fib, rk.Proto(), s.ports)
	if err != nil {
		return noIndex, err
	}
	idx, ok := s.sessions.alloc()
	if !ok {
		s.alloc.Release(fib, rk.Proto(), addr, port)
		return noIndex, errSessionTableFull
	}
	elt, ok := s.links.newElt(idx)
	if !ok {
		s.sessions.put(idx)
		s.alloc.Release(fib, rk.Proto(), addr, port)
		return noIndex, errSessionTableFull
	}
	rec := s.b4s.get(b4)
	*s.sessions.get(idx) = Session{
		out2in:    MakeForwardKey(addr, port, rk.Proto(), fib),
		in2out:    rk,
		b4:        b4,
		elt:       elt,
		lastHeard: now,
	}
	s.out2in[s.sessions.get(idx).out2in] = idx
	s.in2out[rk] = idx
	s.links.addTail(rec.chain, elt)
	rec.nsessions++
	s.metrics.Sessions.Inc()
	s.metrics.SessionsCreatedTotal.Inc()
	return idx, nil
}

// touch refreshes the session's last-heard stamp and moves it to the MRU end
// of its aging chain. Called for every forwarded packet.
func (s *Shard) touch(idx uint32, now time.Time) {
	sess := s.sessions.get(idx)
	sess.lastHeard = now
	chain := s.b4s.get(sess.b4).chain
	s.links.remove(sess.elt)
	s.links.addTail(chain, sess.elt)
}

// destroySession removes the session from both indices, unlinks it from the
// aging chain, returns its public address/port to the allocator and reclaims
// the owning B4 if this was its last session.
func (s *Shard) destroySession(idx uint32) {
	sess := s.sessions.get(idx)
	delete(s.out2in, sess.out2in)
	delete(s.in2out, sess.in2out)
	s.links.remove(sess.elt)
	s.links.free(sess.elt)
	s.alloc.Release(sess.out2in.FIB(), sess.out2in.Proto(), sess.out2in.Addr(), sess.out2in.Port())
	b4 := sess.b4
	s.b4s.get(b4).nsessions--
	s.sessions.put(idx)
	s.metrics.Sessions.Dec()
	s.releaseB4IfEmpty(b4)
}

// sweepExpired walks every B4's aging chain from the LRU end and destroys
// sessions idle for longer than the timeout. Chains are ordered by recency,
// so each walk stops at the first live entry; the cost is proportional to
// the number of expirations, not the table size. Returns the number of
// destroyed sessions.
func (s *Shard) sweepExpired(now time.Time, idleTimeout time.Duration) int {
	b4s := make([]uint32, 0, len(s.b4Index))
	for _, idx := range s.b4Index {
		b4s = append(b4s, idx)
	}
	destroyed := 0
	for _, idx := range b4s {
		n, _ := s.sweepChain(idx, now, idleTimeout)
		destroyed += n
	}
	if destroyed > 0 {
		s.metrics.SessionsExpiredTotal.Add(float64(destroyed))
	}
	return destroyed
}

func (s *Shard) sweepChain(b4 uint32, now time.Time, idleTimeout time.Duration) (destroyed, visited int) {
	for {
		rec := s.b4s.get(b4)
		front := s.links.front(rec.chain)
		if front == noIndex {
			return destroyed, visited
		}
		sIdx := s.links.value(front)
		visited++
		if now.Sub(s.sessions.get(sIdx).lastHeard) <= idleTimeout {
			return destroyed, visited
		}
		last := rec.nsessions == 1
		s.destroySession(sIdx)
		destroyed++
		if last {
			// The B4 and its chain are gone.
			return destroyed, visited
		}
	}
}

// flushAddress destroys every session translated to the given public
// address. Used when an address is removed from the pool.
func (s *Shard) flushAddress(addr netip.Addr) int {
	var idxs []uint32
	for k, idx := range s.out2in {
		if k.Addr() == addr {
			idxs = append(idxs, idx)
		}
	}
	for _, idx := range idxs {
		s.destroySession(idx)
	}
	return len(idxs)
}

// flushAll destroys all sessions of the shard. Used on feature disable.
func (s *Shard) flushAll() int {
	idxs := make([]uint32, 0, len(s.in2out))
	for _, idx := range s.in2out {
		idxs = append(idxs, idx)
	}
	for _, idx := range idxs {
		s.destroySession(idx)
	}
	return len(idxs)
}

func (s *Shard) numSessions() int { return s.sessions.inUse() }
func (s *Shard) numB4s() int      { return len(s.b4Index) }

// SessionInfo is a read-only snapshot of one session for diagnostics.
type SessionInfo struct {
	Worker     int        `json:"worker"`
	Softwire   netip.Addr `json:"softwire"`
	ClientAddr netip.Addr `json:"client_addr"`
	ClientPort uint16     `json:"client_port"`
	PublicAddr netip.Addr `json:"public_addr"`
	PublicPort uint16     `json:"public_port"`
	Proto      string     `json:"protocol"`
	FIB        uint16     `json:"fib"`
	LastHeard  time.Time  `json:"last_heard"`
	TotalBytes uint64     `json:"total_bytes"`
	TotalPkts  uint32     `json:"total_pkts"`
}

// B4Info is a read-only snapshot of one B4 record for diagnostics.
type B4Info struct {
	Worker   int        `json:"worker"`
	Softwire netip.Addr `json:"softwire"`
	Sessions uint32     `json:"sessions"`
}

// snapshotSessions copies the live sessions out of the shard. Must run on
// the owning worker goroutine.
func (s *Shard) snapshotSessions() []SessionInfo {
	infos := make([]SessionInfo, 0, len(s.in2out))
	for _, idx := range s.in2out {
		sess := s.sessions.get(idx)
		infos = append(infos, SessionInfo{
			Worker:     s.id,
			Softwire:   sess.in2out.Softwire(),
			ClientAddr: sess.in2out.Addr(),
			ClientPort: sess.in2out.Port(),
			PublicAddr: sess.out2in.Addr(),
			PublicPort: sess.out2in.Port(),
			Proto:      sess.out2in.Proto().String(),
			FIB:        sess.out2in.FIB(),
			LastHeard:  sess.lastHeard,
			TotalBytes: sess.totalBytes,
			TotalPkts:  sess.totalPkts,
		})
	}
	return infos
}

// snapshotB4s copies the live B4 records out of the shard. Must run on the
// owning worker goroutine.
func (s *Shard) snapshotB4s() []B4Info {
	infos := make([]B4Info, 0, len(s.b4Index))
	for _, idx := range s.b4Index {
		rec := s.b4s.get(idx)
		infos = append(infos, B4Info{
			Worker:   s.id,
			Softwire: rec.addr,
			Sessions: rec.nsessions,
		})
	}
	return infos
}
