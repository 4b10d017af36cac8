package kcap

// PageDirectory is an opaque handle to a kernel page-directory object,
// the per-vspace root of the hardware page tables.
type PageDirectory uint32

// RootCNode is an opaque handle to a process's root capability space.
// CSlot indexes a single slot within one.
type RootCNode uint32
type CSlot uint32

// Reservation is a kernel vaddr-range reservation backing one memory
// window.
type Reservation struct {
	Base uintptr
	Size uintptr
}

// Disposable is any kernel object the vspace allocated on a process's
// behalf that must be torn down when the vspace is destroyed — e.g.
// an endpoint object minted for that process.
type Disposable interface {
	Delete()
}
