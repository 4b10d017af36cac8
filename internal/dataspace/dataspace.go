// Package dataspace implements the anonymous RAM dataspace table:
// lazy per-page frame materialisation, content-init delegation, and
// the optional physical-address-backed mode used by device servers.
// Grounded on biscuit's mem.Physmem_t refcounted frame table
// (internal/kcap.FramePool) for allocation, and on
// circbuf.Circbuf_t's "lazily allocate, handle the error at use time"
// idiom for the page array itself.
package dataspace

import (
	"sync"

	"refos/internal/badge"
	"refos/internal/defs"
	"refos/internal/kcap"
)

// PageSize is the dataspace's page granularity, matching kcap.PageSize
// (mem.PGSIZE in the teacher).
const PageSize = kcap.PageSize

// DeviceFrame resolves a physical address to a device-owned frame, for
// physical-address-backed dataspaces (console/device servers).
type DeviceFrame interface {
	FrameAt(paddr uintptr) (kcap.Frame, bool)
}

// Dataspace is one anonymous or physical-address-backed RAM region.
type Dataspace struct {
	ID    defs.DspaceID
	Badge uint64
	NPages int
	Perm  defs.Perm_t

	mu    sync.Mutex
	refcnt int32
	pages  []kcap.Frame // pages[i] == kcap.NoFrame until first touch

	PhysicalAddrEnabled bool
	BasePaddr           uintptr

	ContentInitEnabled bool
	ContentInitEP      *kcap.Notifier // owned
	InitPID            defs.Pid_t
	provided           []bool
	waiters            [][]*kcap.ReplyHandle
}

// Table owns every live dataspace.
type Table struct {
	mu     sync.Mutex
	objs   map[defs.DspaceID]*Dataspace
	nextID uint64
	frames *kcap.FramePool
	dev    DeviceFrame
}

func New(frames *kcap.FramePool, dev DeviceFrame) *Table {
	return &Table{
		objs:   make(map[defs.DspaceID]*Dataspace),
		frames: frames,
		dev:    dev,
	}
}

func pagesFor(sizeBytes int) int {
	return (sizeBytes + PageSize - 1) / PageSize
}

// Open creates an anonymous dataspace of the given size in bytes.
func (t *Table) Open(sizeBytes int, perm defs.Perm_t) (*Dataspace, defs.Err_t) {
	if sizeBytes <= 0 {
		return nil, defs.EINVALIDPARAM
	}
	n := pagesFor(sizeBytes)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := defs.DspaceID(t.nextID)
	ds := &Dataspace{
		ID:     id,
		Badge:  badge.Mint(badge.KindDataspace, uint64(id)),
		NPages: n,
		Perm:   perm,
		refcnt: 1,
		pages:  make([]kcap.Frame, n),
	}
	for i := range ds.pages {
		ds.pages[i] = kcap.NoFrame
	}
	t.objs[id] = ds
	return ds, defs.ESUCCESS
}

// OpenDevicePaddr creates a physical-address-backed dataspace, the
// mode used by device servers that map a fixed physical range instead
// of anonymous RAM. It is mutually exclusive with content-init, and
// never allocates a lazy page array.
func (t *Table) OpenDevicePaddr(basePaddr uintptr, sizeBytes int, perm defs.Perm_t) (*Dataspace, defs.Err_t) {
	if sizeBytes <= 0 {
		return nil, defs.EINVALIDPARAM
	}
	n := pagesFor(sizeBytes)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := defs.DspaceID(t.nextID)
	ds := &Dataspace{
		ID:                  id,
		Badge:               badge.Mint(badge.KindDataspace, uint64(id)),
		NPages:              n,
		Perm:                perm,
		refcnt:              1,
		PhysicalAddrEnabled: true,
		BasePaddr:           basePaddr,
	}
	t.objs[id] = ds
	return ds, defs.ESUCCESS
}

// Get looks up a dataspace by id.
func (t *Table) Get(id defs.DspaceID) (*Dataspace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ds, ok := t.objs[id]
	return ds, ok
}

// Ref takes a shared reference, e.g. when a window transitions into
// Anonymous mode over this dataspace.
func (t *Table) Ref(id defs.DspaceID) {
	t.mu.Lock()
	ds, ok := t.objs[id]
	t.mu.Unlock()
	if !ok {
		panic("dataspace: ref of unknown id")
	}
	ds.mu.Lock()
	ds.refcnt++
	ds.mu.Unlock()
}

// Unref drops a shared reference, destroying the dataspace on last
// release. It returns true if this call destroyed the dataspace.
func (t *Table) Unref(id defs.DspaceID) bool {
	t.mu.Lock()
	ds, ok := t.objs[id]
	if !ok {
		t.mu.Unlock()
		panic("dataspace: unref of unknown id")
	}
	t.mu.Unlock()

	ds.mu.Lock()
	ds.refcnt--
	c := ds.refcnt
	ds.mu.Unlock()
	if c > 0 {
		return false
	}

	ds.mu.Lock()
	for i, pg := range ds.pages {
		if pg != kcap.NoFrame {
			t.frames.Refdown(pg)
			ds.pages[i] = kcap.NoFrame
		}
	}
	for _, q := range ds.waiters {
		for _, rh := range q {
			rh.Discard()
		}
	}
	ds.waiters = nil
	ds.ContentInitEP = nil
	ds.mu.Unlock()

	t.mu.Lock()
	delete(t.objs, id)
	t.mu.Unlock()
	return true
}

// GetPage materialises pages[offset/PageSize] on first touch: for a
// physical-address-backed dataspace by resolving the device frame at
// basePaddr+offset, otherwise by allocating an anonymous frame.
func (t *Table) GetPage(ds *Dataspace, offset uintptr) (kcap.Frame, defs.Err_t) {
	pgidx := int(offset / PageSize)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if pgidx < 0 || pgidx >= ds.NPages {
		return kcap.NoFrame, defs.EINVALIDPARAM
	}
	if ds.PhysicalAddrEnabled {
		if t.dev == nil {
			return kcap.NoFrame, defs.EINVALID
		}
		f, ok := t.dev.FrameAt(ds.BasePaddr + offset)
		if !ok {
			return kcap.NoFrame, defs.ENOMEM
		}
		return f, defs.ESUCCESS
	}
	if ds.pages[pgidx] != kcap.NoFrame {
		return ds.pages[pgidx], defs.ESUCCESS
	}
	f, ok := t.frames.Alloc()
	if !ok {
		return kcap.NoFrame, defs.ENOMEM
	}
	ds.pages[pgidx] = f
	return f, defs.ESUCCESS
}

// Read copies len(dst) bytes starting at offset out of the dataspace.
func (t *Table) Read(ds *Dataspace, offset uintptr, dst []byte) defs.Err_t {
	return t.xfer(ds, offset, dst, false)
}

// Write copies src into the dataspace starting at offset.
func (t *Table) Write(ds *Dataspace, offset uintptr, src []byte) defs.Err_t {
	return t.xfer(ds, offset, src, true)
}

func (t *Table) xfer(ds *Dataspace, offset uintptr, buf []byte, write bool) defs.Err_t {
	n := len(buf)
	done := 0
	for done < n {
		pageOff := (offset + uintptr(done)) % PageSize
		f, err := t.GetPage(ds, offset+uintptr(done)-pageOff)
		if err != defs.ESUCCESS {
			return err
		}
		pg := t.frames.Bytes(f)
		chunk := int(PageSize - pageOff)
		if n-done < chunk {
			chunk = n - done
		}
		if write {
			copy(pg[pageOff:], buf[done:done+chunk])
		} else {
			copy(buf[done:done+chunk], pg[pageOff:pageOff+uintptr(chunk)])
		}
		done += chunk
	}
	return defs.ESUCCESS
}

// Expand grows the dataspace by reallocating the page array and
// content-init bitmap, preserving existing entries. Shrinking is not
// supported; expansion is monotonic.
func (t *Table) Expand(ds *Dataspace, newSizeBytes int) defs.Err_t {
	newN := pagesFor(newSizeBytes)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if newN <= ds.NPages {
		return defs.ESUCCESS
	}
	if ds.PhysicalAddrEnabled {
		ds.NPages = newN
		return defs.ESUCCESS
	}
	pages := make([]kcap.Frame, newN)
	copy(pages, ds.pages)
	for i := ds.NPages; i < newN; i++ {
		pages[i] = kcap.NoFrame
	}
	ds.pages = pages
	if ds.ContentInitEnabled {
		provided := make([]bool, newN)
		copy(provided, ds.provided)
		ds.provided = provided
		waiters := make([][]*kcap.ReplyHandle, newN)
		copy(waiters, ds.waiters)
		ds.waiters = waiters
	}
	ds.NPages = newN
	return defs.ESUCCESS
}

// Size reports the dataspace's current size in bytes.
func (t *Table) Size(ds *Dataspace) int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.NPages * PageSize
}

// ContentInit registers ep/pid as the external content initialiser for
// ds. It is mutually exclusive with PhysicalAddrEnabled.
func (t *Table) ContentInit(ds *Dataspace, ep *kcap.Notifier, pid defs.Pid_t) defs.Err_t {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.PhysicalAddrEnabled {
		return defs.EINVALIDPARAM
	}
	ds.ContentInitEnabled = true
	ds.ContentInitEP = ep
	ds.InitPID = pid
	ds.provided = make([]bool, ds.NPages)
	ds.waiters = make([][]*kcap.ReplyHandle, ds.NPages)
	return defs.ESUCCESS
}

// UnhaveData removes the content-init registration, discarding any
// still-queued waiters (their fault is effectively abandoned; callers
// should not unhave while faulters are pending in normal operation).
func (t *Table) UnhaveData(ds *Dataspace) defs.Err_t {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.ContentInitEnabled {
		return defs.EINVALIDPARAM
	}
	ds.ContentInitEnabled = false
	ds.ContentInitEP = nil
	ds.provided = nil
	for _, q := range ds.waiters {
		for _, rh := range q {
			rh.Discard()
		}
	}
	ds.waiters = nil
	return defs.ESUCCESS
}

// NeedContentInit reports whether page offset/PageSize still awaits
// initial content.
func (t *Table) NeedContentInit(ds *Dataspace, offset uintptr) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.ContentInitEnabled {
		return false
	}
	pg := int(offset / PageSize)
	if pg < 0 || pg >= len(ds.provided) {
		return false
	}
	return !ds.provided[pg]
}

// AddContentInitWaiter stashes rh as a waiter on page offset/PageSize.
func (t *Table) AddContentInitWaiter(ds *Dataspace, offset uintptr, rh *kcap.ReplyHandle) defs.Err_t {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	pg := int(offset / PageSize)
	if !ds.ContentInitEnabled || pg < 0 || pg >= len(ds.waiters) {
		return defs.EINVALIDPARAM
	}
	ds.waiters[pg] = append(ds.waiters[pg], rh)
	return defs.ESUCCESS
}

// ProvideData writes data starting at offset, marks every page it
// touches as provided, and returns the waiters queued on those pages
// so the caller can reply to them (they will re-fault and find
// provided data).
func (t *Table) ProvideData(ds *Dataspace, offset uintptr, data []byte) ([]*kcap.ReplyHandle, defs.Err_t) {
	if err := t.Write(ds, offset, data); err != defs.ESUCCESS {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.ContentInitEnabled {
		return nil, defs.EINVALIDPARAM
	}
	firstPg := int(offset / PageSize)
	lastPg := int((offset + uintptr(len(data)) - 1) / PageSize)
	var released []*kcap.ReplyHandle
	for pg := firstPg; pg <= lastPg && pg < len(ds.provided); pg++ {
		ds.provided[pg] = true
		released = append(released, ds.waiters[pg]...)
		ds.waiters[pg] = nil
	}
	return released, defs.ESUCCESS
}
