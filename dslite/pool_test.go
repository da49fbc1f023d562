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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocFreeRecycle(t *testing.T) {
	a := newArena[int](2)

	i0, ok := a.alloc()
	require.True(t, ok)
	i1, ok := a.alloc()
	require.True(t, ok)
	assert.NotEqual(t, i0, i1)
	assert.Equal(t, 2, a.inUse())

	_, ok = a.alloc()
	assert.False(t, ok, "arena at capacity")

	*a.get(i0) = 77
	a.put(i0)
	assert.Equal(t, 1, a.inUse())

	i2, ok := a.alloc()
	require.True(t, ok)
	assert.Equal(t, i0, i2, "freed slot is recycled")
	assert.Equal(t, 0, *a.get(i2), "recycled slot is zeroed")
}

// chainValues walks the chain from the LRU end and collects element values.
func chainValues(p *eltPool, head uint32) []uint32 {
	var vals []uint32
	for idx := p.front(head); idx != noIndex; {
		vals = append(vals, p.value(idx))
		next := p.elts.get(idx).next
		if next == head {
			break
		}
		idx = next
	}
	return vals
}

func TestChainOrder(t *testing.T) {
	p := newEltPool(16)
	head, ok := p.newChain()
	require.True(t, ok)
	assert.Equal(t, noIndex, p.front(head), "new chain is empty")

	var elts []uint32
	for v := uint32(0); v < 3; v++ {
		idx, ok := p.newElt(v)
		require.True(t, ok)
		p.addTail(head, idx)
		elts = append(elts, idx)
	}
	assert.Equal(t, []uint32{0, 1, 2}, chainValues(p, head))

	// Move the LRU element to the MRU end, as touch does.
	p.remove(elts[0])
	p.addTail(head, elts[0])
	assert.Equal(t, []uint32{1, 2, 0}, chainValues(p, head))

	// Remove the middle element.
	p.remove(elts[2])
	p.free(elts[2])
	assert.Equal(t, []uint32{1, 0}, chainValues(p, head))

	p.remove(elts[1])
	p.free(elts[1])
	p.remove(elts[0])
	p.free(elts[0])
	assert.Equal(t, noIndex, p.front(head))
}
