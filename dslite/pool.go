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

// noIndex is the nil value for slot indices.
const noIndex = ^uint32(0)

// arena is a growable pool of slots addressed by stable integer indices with
// free-list recycling. Indices stay valid until the slot is freed, which
// allows linking slots to one another without pointer lifetime hazards.
// The zero value is not usable; use newArena.
type arena[T any] struct {
	slots []T
	freed []uint32
	max   uint32
}

func newArena[T any](max uint32) *arena[T] {
	return &arena[T]{max: max}
}

// alloc returns the index of a zeroed slot, or false if the arena is at
// capacity.
func (a *arena[T]) alloc() (uint32, bool) {
	if n := len(a.freed); n > 0 {
		idx := a.freed[n-1]
		a.freed = a.freed[:n-1]
		return idx, true
	}
	if uint32(len(a.slots)) >= a.max {
		return noIndex, false
	}
	var zero T
	a.slots = append(a.slots, zero)
	return uint32(len(a.slots) - 1), true
}

// get returns a pointer to the slot at idx. The pointer is invalidated by
// the next alloc.
func (a *arena[T]) get(idx uint32) *T {
	return &a.slots[idx]
}

// put returns the slot at idx to the free list. The slot content is zeroed
// so that stale references do not linger.
func (a *arena[T]) put(idx uint32) {
	var zero T
	a.slots[idx] = zero
	a.freed = append(a.freed, idx)
}

// inUse returns the number of live slots.
func (a *arena[T]) inUse() int {
	return len(a.slots) - len(a.freed)
}

// listElt is one element of an index-linked doubly linked list. Chains are
// circular with a sentinel head element; an empty chain is a sentinel
// pointing at itself. value holds the index of the linked entity (a session
// slot) and is unused in sentinels.
type listElt struct {
	prev, next uint32
	value      uint32
}

// eltPool holds the list elements of all chains of one shard. Keeping the
// link metadata out of the session struct keeps sessions compact.
type eltPool struct {
	elts *arena[listElt]
}

func newEltPool(max uint32) *eltPool {
	return &eltPool{elts: newArena[listElt](max)}
}

// newChain allocates an empty chain and returns its sentinel index.
func (p *eltPool) newChain() (uint32, bool) {
	head, ok := p.elts.alloc()
	if !ok {
		return noIndex, false
	}
	elt := p.elts.get(head)
	elt.prev, elt.next, elt.value = head, head, noIndex
	return head, true
}

// newElt allocates a free-standing element holding value.
func (p *eltPool) newElt(value uint32) (uint32, bool) {
	idx, ok := p.elts.alloc()
	if !ok {
		return noIndex, false
	}
	elt := p.elts.get(idx)
	elt.prev, elt.next, elt.value = noIndex, noIndex, value
	return idx, true
}

// addTail links elt at the tail of the chain, the most-recently-used end.
func (p *eltPool) addTail(head, idx uint32) {
	h := p.elts.get(head)
	e := p.elts.get(idx)
	e.prev = h.prev
	e.next = head
	p.elts.get(h.prev).next = idx
	h.prev = idx
}

// remove unlinks elt from whatever chain it is on. O(1).
func (p *eltPool) remove(idx uint32) {
	e := p.elts.get(idx)
	p.elts.get(e.prev).next = e.next
	p.elts.get(e.next).prev = e.prev
	e.prev, e.next = noIndex, noIndex
}

// front returns the index of the first element of the chain, the
// least-recently-used end, or noIndex if the chain is empty.
func (p *eltPool) front(head uint32) uint32 {
	next := p.elts.get(head).next
	if next == head {
		return noIndex
	}
	return next
}

// value returns the payload of the element at idx.
func (p *eltPool) value(idx uint32) uint32 {
	return p.elts.get(idx).value
}

// free returns elements to the pool. Sentinels are freed the same way once
// their chain is empty.
func (p *eltPool) free(idx uint32) {
	p.elts.put(idx)
}
