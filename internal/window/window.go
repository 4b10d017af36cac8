// Package window implements the memory-window registry: a global
// object-allocation table keyed by window id, and a per-vspace sorted
// association list supporting overlap checking, range lookup and
// resize. Windows and dataspaces are kept in separate global slab
// tables and refer to each other only by id, so this package never
// imports internal/dataspace or internal/vspace; higher-level
// orchestration in internal/rsrv wires the id back-references to the
// owning tables.
package window

import (
	"sort"
	"sync"

	"refos/internal/badge"
	"refos/internal/defs"
	"refos/internal/kcap"
)

// ModeKind tags a window's current backing.
type ModeKind int

const (
	ModeEmpty ModeKind = iota
	ModeAnonymous
	ModeExternalPager
)

// Mode is a tagged variant: exactly one of the mode-specific payloads
// is meaningful, selected by Kind.
type Mode struct {
	Kind ModeKind

	// ModeAnonymous:
	DspaceID defs.DspaceID
	DspaceOff uintptr

	// ModeExternalPager:
	PagerNotify *kcap.Notifier
	PagerPID    defs.Pid_t
}

// Window is the per-object record held in the registry's global table.
type Window struct {
	ID        defs.WinID
	Size      uintptr
	OwnerPID  defs.Pid_t // weak
	Perm      defs.Perm_t
	Cacheable bool
	VSID      uint64 // owning vspace's identity (weak)
	Badge     uint64
	Reserve   kcap.Reservation
	Mode      Mode
}

type assocEntry struct {
	WinID defs.WinID
	Base  uintptr
	Size  uintptr
}

// Registry owns every live window plus the per-vspace association
// lists.
type Registry struct {
	mu     sync.Mutex
	objs   map[defs.WinID]*Window
	assoc  map[uint64][]*assocEntry
	nextID uint64
}

func New() *Registry {
	return &Registry{
		objs:  make(map[defs.WinID]*Window),
		assoc: make(map[uint64][]*assocEntry),
	}
}

func (r *Registry) alloc() defs.WinID {
	r.nextID++
	return defs.WinID(r.nextID)
}

// locate returns the index of the first association entry whose Base
// exceeds p, and whether p falls inside the entry immediately before
// that index.
func locate(entries []*assocEntry, p uintptr) (int, bool) {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].Base > p
	})
	if idx > 0 {
		prev := entries[idx-1]
		if p >= prev.Base && p < prev.Base+prev.Size {
			return idx, true
		}
	}
	return idx, false
}

// Check reports whether [vaddr, vaddr+size) can be inserted into
// vsid's association list without overlapping an existing window:
// neither endpoint may fall inside an existing interval, and
// both endpoints must locate to the same gap (catching an interval
// that straddles an existing one without either endpoint landing
// inside it).
func (r *Registry) Check(vsid uint64, vaddr, size uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(vsid, vaddr, size)
}

func (r *Registry) checkLocked(vsid uint64, vaddr, size uintptr) bool {
	entries := r.assoc[vsid]
	if size == 0 {
		return false
	}
	end := vaddr + size - 1
	i1, in1 := locate(entries, vaddr)
	if in1 {
		return false
	}
	i2, in2 := locate(entries, end)
	if in2 {
		return false
	}
	return i1 == i2
}

// Find returns the unique association interval containing vaddr, if
// any.
func (r *Registry) Find(vsid uint64, vaddr uintptr) (*Window, uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.assoc[vsid]
	idx, in := locate(entries, vaddr)
	if !in {
		return nil, 0, false
	}
	e := entries[idx-1]
	return r.objs[e.WinID], e.Base, true
}

// FindRange returns an interval only if it entirely contains
// [vaddr, vaddr+size).
func (r *Registry) FindRange(vsid uint64, vaddr, size uintptr) (*Window, uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.assoc[vsid]
	idx, in := locate(entries, vaddr)
	if !in {
		return nil, 0, false
	}
	e := entries[idx-1]
	if vaddr+size > e.Base+e.Size {
		return nil, 0, false
	}
	return r.objs[e.WinID], e.Base, true
}

func (r *Registry) insertLocked(vsid uint64, e *assocEntry) {
	entries := r.assoc[vsid]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Base > e.Base })
	entries = append(entries, nil)
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	r.assoc[vsid] = entries
}

func (r *Registry) removeLocked(vsid uint64, winID defs.WinID) *assocEntry {
	entries := r.assoc[vsid]
	for i, e := range entries {
		if e.WinID == winID {
			r.assoc[vsid] = append(entries[:i], entries[i+1:]...)
			return e
		}
	}
	return nil
}

// KernelReservedBoundary is the highest vaddr a window may occupy;
// create validates that a window stays below the kernel reserved
// boundary.
const KernelReservedBoundary uintptr = 1 << 47

// Create reserves a new window at [vaddr, vaddr+size) in vsid's
// address space. mkReservation performs the kernel vaddr reservation
// and is supplied by the vspace layer so this package stays free of a
// vspace import.
func (r *Registry) Create(vsid uint64, owner defs.Pid_t, vaddr, size uintptr,
	perm defs.Perm_t, cacheable bool,
	mkReservation func(vaddr, size uintptr) (kcap.Reservation, bool)) (*Window, defs.Err_t) {

	if size == 0 || vaddr+size > KernelReservedBoundary || vaddr+size < vaddr {
		return nil, defs.EINVALIDPARAM
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.checkLocked(vsid, vaddr, size) {
		return nil, defs.EINVALIDWINDOW
	}
	resv, ok := mkReservation(vaddr, size)
	if !ok {
		return nil, defs.ENOMEM
	}
	id := r.alloc()
	w := &Window{
		ID:        id,
		Size:      size,
		OwnerPID:  owner,
		Perm:      perm,
		Cacheable: cacheable,
		VSID:      vsid,
		Badge:     badge.Mint(badge.KindWindow, uint64(id)),
		Reserve:   resv,
	}
	r.objs[id] = w
	r.insertLocked(vsid, &assocEntry{WinID: id, Base: vaddr, Size: size})
	return w, defs.ESUCCESS
}

// Delete removes a window. unmapAll must unmap every frame currently
// mapped in the window before the reservation and association entry
// are released, reverting in the reverse order they were acquired.
func (r *Registry) Delete(winID defs.WinID, unmapAll func(w *Window)) defs.Err_t {
	r.mu.Lock()
	w, ok := r.objs[winID]
	if !ok {
		r.mu.Unlock()
		return defs.EINVALIDWINDOW
	}
	r.mu.Unlock()

	if unmapAll != nil {
		unmapAll(w)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(w.VSID, winID)
	delete(r.objs, winID)
	return defs.ESUCCESS
}

// Resize changes a window's size. Shrinking unmaps the vacated tail
// via unmapTail; growing is rejected unless the extended range still
// passes the non-overlap check.
func (r *Registry) Resize(winID defs.WinID, newSize uintptr,
	unmapTail func(w *Window, base, from, to uintptr)) defs.Err_t {

	r.mu.Lock()
	w, ok := r.objs[winID]
	if !ok {
		r.mu.Unlock()
		return defs.EINVALIDWINDOW
	}
	entries := r.assoc[w.VSID]
	var base uintptr
	found := false
	for _, e := range entries {
		if e.WinID == winID {
			base = e.Base
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return defs.EINVALIDWINDOW
	}
	oldSize := w.Size

	if newSize < oldSize {
		r.mu.Unlock()
		if unmapTail != nil {
			unmapTail(w, base, newSize, oldSize)
		}
		r.mu.Lock()
		w.Size = newSize
		for _, e := range r.assoc[w.VSID] {
			if e.WinID == winID {
				e.Size = newSize
			}
		}
		r.mu.Unlock()
		return defs.ESUCCESS
	}

	if newSize == oldSize {
		r.mu.Unlock()
		return defs.ESUCCESS
	}

	// growing: temporarily remove self, check against the rest, then
	// reinsert either way.
	r.removeLocked(w.VSID, winID)
	ok2 := r.checkLocked(w.VSID, base, newSize)
	if !ok2 {
		r.insertLocked(w.VSID, &assocEntry{WinID: winID, Base: base, Size: oldSize})
		r.mu.Unlock()
		return defs.EINVALIDWINDOW
	}
	w.Size = newSize
	r.insertLocked(w.VSID, &assocEntry{WinID: winID, Base: base, Size: newSize})
	r.mu.Unlock()
	return defs.ESUCCESS
}

// SetMode transitions a window's backing. Every transition, including
// one out of ModeEmpty, unmaps every mapped frame first (unmapAll), so
// stale pages never survive a backing change.
func (r *Registry) SetMode(winID defs.WinID, newMode Mode, unmapAll func(w *Window)) defs.Err_t {
	r.mu.Lock()
	w, ok := r.objs[winID]
	r.mu.Unlock()
	if !ok {
		return defs.EINVALIDWINDOW
	}
	if unmapAll != nil {
		unmapAll(w)
	}
	r.mu.Lock()
	w.Mode = newMode
	r.mu.Unlock()
	return defs.ESUCCESS
}

// Get returns a window by id.
func (r *Registry) Get(winID defs.WinID) (*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.objs[winID]
	return w, ok
}

// WindowsByDataspace returns every window currently Anonymous over
// dsID, for the "purge a dataspace" sweep that runs on destruction.
func (r *Registry) WindowsByDataspace(dsID defs.DspaceID) []*Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Window
	for _, w := range r.objs {
		if w.Mode.Kind == ModeAnonymous && w.Mode.DspaceID == dsID {
			out = append(out, w)
		}
	}
	return out
}

// WindowsByVSpace returns every window owned by vsid, used when a
// vspace is torn down.
func (r *Registry) WindowsByVSpace(vsid uint64) []*Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.assoc[vsid]
	out := make([]*Window, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.objs[e.WinID])
	}
	return out
}
