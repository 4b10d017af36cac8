// Package pidtab implements a dense PID allocator: a boolean liveness
// pool parallel to a PCB slot array, smallest-free-index allocation,
// and fast full-table iteration. It is generic over the slot payload
// so internal/process can instantiate it with its PCB type without an
// import cycle.
package pidtab

import (
	"sync"

	"refos/internal/defs"
)

// Table is the fixed-maximum-N PID table. PID 0 is never allocated —
// it is reserved the way biscuit reserves PID 0 for "no such process".
type Table[T any] struct {
	mu    sync.Mutex
	used  []bool
	slots []T
	hint  int // lowest index that might be free
}

// New allocates a table holding up to n live PIDs (PIDs 1..n).
func New[T any](n int) *Table[T] {
	if n <= 0 {
		panic("pidtab: n must be positive")
	}
	return &Table[T]{
		used:  make([]bool, n+1),
		slots: make([]T, n+1),
		hint:  1,
	}
}

// Alloc returns the smallest free PID >= 1 with its slot zeroed, or
// ok=false if the table is full.
func (t *Table[T]) Alloc() (defs.Pid_t, *T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := t.hint; i < len(t.used); i++ {
		if !t.used[i] {
			t.used[i] = true
			var zero T
			t.slots[i] = zero
			t.hint = i + 1
			return defs.Pid_t(i), &t.slots[i], true
		}
	}
	// the hint may have skipped over a freed slot below it; fall back
	// to a full scan before declaring the table full.
	for i := 1; i < t.hint; i++ {
		if !t.used[i] {
			t.used[i] = true
			var zero T
			t.slots[i] = zero
			return defs.Pid_t(i), &t.slots[i], true
		}
	}
	return 0, nil, false
}

// Free releases pid's slot. The slot memory is zeroed so a stale
// pointer obtained before Free (which callers must not retain past
// this call) does not observe the next tenant's state.
func (t *Table[T]) Free(pid defs.Pid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := int(pid)
	if i <= 0 || i >= len(t.used) || !t.used[i] {
		panic("pidtab: free of unallocated pid")
	}
	t.used[i] = false
	var zero T
	t.slots[i] = zero
	if i < t.hint {
		t.hint = i
	}
}

// Get returns a weak reference to pid's slot, valid until the next
// Free(pid).
func (t *Table[T]) Get(pid defs.Pid_t) (*T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := int(pid)
	if i <= 0 || i >= len(t.used) || !t.used[i] {
		return nil, false
	}
	return &t.slots[i], true
}

// Iterate visits every live PID in increasing order. f returning false
// stops iteration early.
func (t *Table[T]) Iterate(f func(defs.Pid_t, *T) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 1; i < len(t.used); i++ {
		if t.used[i] {
			if !f(defs.Pid_t(i), &t.slots[i]) {
				return
			}
		}
	}
}

// Live reports whether pid currently names a live PCB.
func (t *Table[T]) Live(pid defs.Pid_t) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := int(pid)
	return i > 0 && i < len(t.used) && t.used[i]
}
