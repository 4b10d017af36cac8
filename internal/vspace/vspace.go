// Package vspace implements a reference-counted process address space:
// one PD+root-CNode pair from internal/pdpool, the window association
// list it shares with internal/window, and the set of kernel objects
// allocated on its behalf. Grounded on biscuit's vm.Vm_t, the teacher's
// per-process address space type. Real hardware page-table walking is
// assumed to live below this server in the underlying microkernel, so
// here the page table is a plain vaddr->frame map, the Go-native
// stand-in for the hardware structure a real kernel would maintain.
package vspace

import (
	"sync"

	"refos/internal/defs"
	"refos/internal/kcap"
	"refos/internal/pdpool"
	"refos/internal/window"
)

// VSpace is one process's address space.
type VSpace struct {
	ID  uint64
	PID defs.Pid_t

	mu     sync.Mutex
	refcnt int32

	pool  *pdpool.Pool
	pdIdx pdpool.Idx
	PD    kcap.PageDirectory
	CN    kcap.RootCNode

	windows  *window.Registry
	pages    map[uintptr]kcap.Frame  // vaddr -> frame, this vspace's page table
	winBases map[defs.WinID]uintptr // shadow of each owned window's base vaddr, for teardown

	disposables []kcap.Disposable
}

var idCounter uint64
var idMu sync.Mutex

func nextID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return idCounter
}

// New assigns a PD+root-CNode pair from pool and prepares a fresh
// vspace for pid. It mints a guarded CSpace cap into the new cspace's
// own root slot (self-reference) conceptually — represented here by
// simply recording CN on the VSpace, since slot-level cspace layout is
// part of the assumed kernel.
func New(pool *pdpool.Pool, windows *window.Registry, pid defs.Pid_t) (*VSpace, error) {
	idx, pd, cn, err := pool.Assign()
	if err != nil {
		return nil, err
	}
	vs := &VSpace{
		ID:      nextID(),
		PID:     pid,
		refcnt:  1,
		pool:    pool,
		pdIdx:   idx,
		PD:      pd,
		CN:      cn,
		windows:  windows,
		pages:    make(map[uintptr]kcap.Frame),
		winBases: make(map[defs.WinID]uintptr),
	}
	return vs, nil
}

// NoteWindowBase records the base vaddr a window of this vspace was
// created at, so teardown can unmap it without re-deriving the
// association list after the registry entry is gone. Callers (the
// rsrv orchestration layer) call this right after window.Registry.Create
// succeeds.
func (vs *VSpace) NoteWindowBase(winID defs.WinID, base uintptr) {
	vs.mu.Lock()
	vs.winBases[winID] = base
	vs.mu.Unlock()
}

// ForgetWindowBase drops the shadow entry for a deleted window.
func (vs *VSpace) ForgetWindowBase(winID defs.WinID) {
	vs.mu.Lock()
	delete(vs.winBases, winID)
	vs.mu.Unlock()
}

// Ref takes an additional reference on the vspace.
func (vs *VSpace) Ref() {
	vs.mu.Lock()
	vs.refcnt++
	vs.mu.Unlock()
}

// Unref drops a reference, tearing the vspace down on last release:
// unmaps every window, returns the PD+CSpace to the pool, and revokes
// every tracked disposable.
func (vs *VSpace) Unref() {
	vs.mu.Lock()
	vs.refcnt--
	c := vs.refcnt
	vs.mu.Unlock()
	if c > 0 {
		return
	}
	for _, w := range vs.windows.WindowsByVSpace(vs.ID) {
		if w == nil {
			continue
		}
		vs.windows.Delete(w.ID, func(w *window.Window) { vs.unmapWindow(w) })
	}
	for _, d := range vs.disposables {
		d.Delete()
	}
	vs.disposables = nil
	vs.pool.Free(vs.pdIdx)
}

// TrackDisposable records a kernel object this vspace allocated on the
// process's behalf, so it is torn down when the vspace dies.
func (vs *VSpace) TrackDisposable(d kcap.Disposable) {
	vs.mu.Lock()
	vs.disposables = append(vs.disposables, d)
	vs.mu.Unlock()
}

// MkReservation is the callback window.Registry.Create uses to make
// the kernel vaddr reservation for a new window. The assumed kernel
// always grants distinct reservations; only the window registry's own
// overlap check can reject a request.
func (vs *VSpace) MkReservation(vaddr, size uintptr) (kcap.Reservation, bool) {
	return kcap.Reservation{Base: vaddr, Size: size}, true
}

// Map installs frames[i] at vaddr+i*pageSize, checking first that every
// target slot is empty and installing nothing if any slot is occupied.
func (vs *VSpace) Map(vaddr uintptr, frames []kcap.Frame, pageSize uintptr) defs.Err_t {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for i := range frames {
		a := vaddr + uintptr(i)*pageSize
		if _, occupied := vs.pages[a]; occupied {
			return defs.EUNMAPFIRST
		}
	}
	for i, f := range frames {
		vs.pages[vaddr+uintptr(i)*pageSize] = f
	}
	return defs.ESUCCESS
}

// MapAcrossVSpace copies the frame currently mapped at srcAddr in src
// into this vspace at dstAddr, for the pager delegation path: a pager
// process maps its own reply data directly into the faulting client's
// window rather than routing the bytes through an extra copy.
func (vs *VSpace) MapAcrossVSpace(src *VSpace, srcAddr, dstAddr uintptr) defs.Err_t {
	f, ok := src.FrameAt(srcAddr)
	if !ok {
		return defs.EINVALIDPARAM
	}
	return vs.Map(dstAddr, []kcap.Frame{f}, kcap.PageSize)
}

// Unmap removes npages mappings starting at vaddr.
func (vs *VSpace) Unmap(vaddr uintptr, npages int, pageSize uintptr) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for i := 0; i < npages; i++ {
		delete(vs.pages, vaddr+uintptr(i)*pageSize)
	}
}

// FrameAt returns the frame mapped at vaddr in this vspace, if any.
func (vs *VSpace) FrameAt(vaddr uintptr) (kcap.Frame, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	f, ok := vs.pages[vaddr]
	return f, ok
}

func (vs *VSpace) unmapWindow(w *window.Window) {
	vs.UnmapWindow(w)
}

// UnmapWindow tears down every mapping currently installed under
// window w, using the base vaddr shadow recorded by NoteWindowBase.
// Safe to call even if w was never mapped (a no-op).
func (vs *VSpace) UnmapWindow(w *window.Window) {
	vs.mu.Lock()
	base, ok := vs.winBases[w.ID]
	if !ok {
		vs.mu.Unlock()
		return
	}
	pageSize := uintptr(kcap.PageSize)
	npages := int((w.Size + pageSize - 1) / pageSize)
	for i := 0; i < npages; i++ {
		delete(vs.pages, base+uintptr(i)*pageSize)
	}
	vs.mu.Unlock()
}
