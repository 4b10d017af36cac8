// Package kcap stands in for the underlying microkernel: synchronous
// endpoints, asynchronous notifications, badged capabilities, reply
// capabilities, and untyped-to-frame retyping. The process server only
// ever talks to
// these through the interfaces here; FramePool's reference
// implementation is grounded directly on biscuit's mem.Physmem_t
// free-list-with-refcounts allocator, the kernel's own physical frame
// allocator.
package kcap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PageSize is the frame size the reference kernel retypes untyped
// memory into, matching mem.PGSIZE.
const PageSize = 4096

// Frame is an opaque handle to one physical page-sized frame.
type Frame uint32

const NoFrame Frame = ^Frame(0)

type framerec struct {
	refcnt int32
	nexti  uint32
}

// FramePool is a reference backend for frame retyping, allocation and
// refcounting. It mirrors mem.Physmem_t: a flat slice of refcounted
// page records plus a singly-linked free list threaded through the
// unused slots, backed by one real mmap'd region so Bytes() returns
// genuine addressable memory instead of a Go-heap simulation.
type FramePool struct {
	mu      sync.Mutex
	recs    []framerec
	freei   uint32
	freelen int32
	backing []byte // mmap'd, len(recs)*PageSize
}

// NewFramePool mmaps an anonymous backing region for npages frames and
// threads them onto the free list, the way mem.Phys_init reserves its
// initial page run.
func NewFramePool(npages int) (*FramePool, error) {
	if npages <= 0 {
		return nil, fmt.Errorf("kcap: npages must be positive")
	}
	backing, err := unix.Mmap(-1, 0, npages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("kcap: mmap frame pool: %w", err)
	}
	fp := &FramePool{
		recs:    make([]framerec, npages),
		backing: backing,
	}
	last := uint32(0)
	fp.freei = 0
	fp.freelen = int32(npages)
	for i := 0; i < npages; i++ {
		if i == npages-1 {
			fp.recs[i].nexti = ^uint32(0)
		} else {
			fp.recs[i].nexti = uint32(i + 1)
		}
		_ = last
	}
	return fp, nil
}

// Close releases the backing mmap.
func (fp *FramePool) Close() error {
	if fp.backing == nil {
		return nil
	}
	err := unix.Munmap(fp.backing)
	fp.backing = nil
	return err
}

// Alloc retypes one frame off the free list with a refcount of one. It
// reports false when the pool is exhausted (ENOMEM upstream).
func (fp *FramePool) Alloc() (Frame, bool) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.freei == ^uint32(0) {
		return NoFrame, false
	}
	idx := fp.freei
	fp.freei = fp.recs[idx].nexti
	fp.freelen--
	fp.recs[idx].refcnt = 1
	fp.zero(idx)
	return Frame(idx), true
}

// AllocNoZero is Alloc without clearing the frame's contents, the
// nozero counterpart to Refpg_new_nozero used for pages about to be
// fully overwritten anyway.
func (fp *FramePool) AllocNoZero() (Frame, bool) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.freei == ^uint32(0) {
		return NoFrame, false
	}
	idx := fp.freei
	fp.freei = fp.recs[idx].nexti
	fp.freelen--
	fp.recs[idx].refcnt = 1
	return Frame(idx), true
}

func (fp *FramePool) zero(idx uint32) {
	b := fp.backing[int(idx)*PageSize : (int(idx)+1)*PageSize]
	for i := range b {
		b[i] = 0
	}
}

// Refup increments a frame's reference count.
func (fp *FramePool) Refup(f Frame) {
	c := atomic.AddInt32(&fp.recs[f].refcnt, 1)
	if c <= 1 {
		panic("kcap: refup of dead frame")
	}
}

// Refdown decrements a frame's reference count, freeing it back to the
// pool and returning true when the count reaches zero.
func (fp *FramePool) Refdown(f Frame) bool {
	c := atomic.AddInt32(&fp.recs[f].refcnt, -1)
	if c < 0 {
		panic("kcap: refdown of already-free frame")
	}
	if c != 0 {
		return false
	}
	fp.mu.Lock()
	fp.recs[f].nexti = fp.freei
	fp.freei = uint32(f)
	fp.freelen++
	fp.mu.Unlock()
	return true
}

// Refcnt reports a frame's current reference count.
func (fp *FramePool) Refcnt(f Frame) int {
	return int(atomic.LoadInt32(&fp.recs[f].refcnt))
}

// Bytes returns the byte slice backing frame f, the reference
// equivalent of mem.Physmem_t.Dmap's direct-map slice.
func (fp *FramePool) Bytes(f Frame) []byte {
	return fp.backing[int(f)*PageSize : (int(f)+1)*PageSize]
}

// Free reports how many frames remain on the free list.
func (fp *FramePool) Free() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return int(fp.freelen)
}
