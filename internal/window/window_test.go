package window

import (
	"testing"

	"refos/internal/defs"
	"refos/internal/kcap"
)

func alwaysReserve(vaddr, size uintptr) (kcap.Reservation, bool) {
	return kcap.Reservation{Base: vaddr, Size: size}, true
}

func TestCreateRejectsOverlap(t *testing.T) {
	r := New()
	_, err := r.Create(1, 1, 0x10000, 0x8000, defs.PermRead|defs.PermWrite, false, alwaysReserve)
	if err != defs.ESUCCESS {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := r.Create(1, 1, 0x14000, 0x1000, defs.PermRead, false, alwaysReserve); err != defs.EINVALIDWINDOW {
		t.Fatalf("overlapping create = %v, want EINVALIDWINDOW", err)
	}
}

func TestCreateSucceedsAfterOverlapDeleted(t *testing.T) {
	r := New()
	w1, err := r.Create(1, 1, 0x10000, 0x8000, defs.PermRead|defs.PermWrite, false, alwaysReserve)
	if err != defs.ESUCCESS {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := r.Create(1, 1, 0x14000, 0x1000, defs.PermRead, false, alwaysReserve); err != defs.EINVALIDWINDOW {
		t.Fatalf("expected overlap rejection before delete")
	}
	if err := r.Delete(w1.ID, nil); err != defs.ESUCCESS {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := r.Create(1, 1, 0x14000, 0x1000, defs.PermRead, false, alwaysReserve); err != defs.ESUCCESS {
		t.Fatalf("create after delete = %v, want ESUCCESS", err)
	}
}

func TestCreateAllowsAdjacentNonOverlapping(t *testing.T) {
	r := New()
	if _, err := r.Create(1, 1, 0x10000, 0x1000, defs.PermRead, false, alwaysReserve); err != defs.ESUCCESS {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := r.Create(1, 1, 0x11000, 0x1000, defs.PermRead, false, alwaysReserve); err != defs.ESUCCESS {
		t.Fatalf("adjacent create failed: %v", err)
	}
}

func TestFindRangeRequiresFullContainment(t *testing.T) {
	r := New()
	w, _ := r.Create(1, 1, 0x10000, 0x2000, defs.PermRead, false, alwaysReserve)
	if got, _, ok := r.FindRange(1, 0x10000, 0x2000); !ok || got.ID != w.ID {
		t.Fatalf("expected exact-range find to succeed")
	}
	if _, _, ok := r.FindRange(1, 0x10000, 0x3000); ok {
		t.Fatalf("expected out-of-bounds range find to fail")
	}
}

func TestResizeShrinkUnmapsTail(t *testing.T) {
	r := New()
	w, _ := r.Create(1, 1, 0x10000, 0x4000, defs.PermRead, false, alwaysReserve)
	var gotFrom, gotTo uintptr
	unmapTail := func(w *Window, base, from, to uintptr) {
		gotFrom, gotTo = from, to
	}
	if err := r.Resize(w.ID, 0x2000, unmapTail); err != defs.ESUCCESS {
		t.Fatalf("resize failed: %v", err)
	}
	if gotFrom != 0x2000 || gotTo != 0x4000 {
		t.Fatalf("unmapTail(from=%x,to=%x), want (0x2000,0x4000)", gotFrom, gotTo)
	}
	if w.Size != 0x2000 {
		t.Fatalf("window size = %x, want 0x2000", w.Size)
	}
	// the vacated tail should now be free for a new window.
	if _, err := r.Create(1, 1, 0x12000, 0x1000, defs.PermRead, false, alwaysReserve); err != defs.ESUCCESS {
		t.Fatalf("expected vacated tail to be reusable: %v", err)
	}
}

func TestResizeGrowRejectsWhenBlocked(t *testing.T) {
	r := New()
	w, _ := r.Create(1, 1, 0x10000, 0x1000, defs.PermRead, false, alwaysReserve)
	r.Create(1, 1, 0x11000, 0x1000, defs.PermRead, false, alwaysReserve)
	if err := r.Resize(w.ID, 0x2000, nil); err != defs.EINVALIDWINDOW {
		t.Fatalf("grow into occupied space = %v, want EINVALIDWINDOW", err)
	}
	if w.Size != 0x1000 {
		t.Fatalf("window size mutated after rejected grow: %x", w.Size)
	}
}

func TestDeleteUnknownWindow(t *testing.T) {
	r := New()
	if err := r.Delete(999, nil); err != defs.EINVALIDWINDOW {
		t.Fatalf("delete of unknown window = %v, want EINVALIDWINDOW", err)
	}
}

func TestWindowsByDataspaceFiltersByMode(t *testing.T) {
	r := New()
	w1, _ := r.Create(1, 1, 0x10000, 0x1000, defs.PermRead, false, alwaysReserve)
	w2, _ := r.Create(1, 1, 0x20000, 0x1000, defs.PermRead, false, alwaysReserve)
	r.SetMode(w1.ID, Mode{Kind: ModeAnonymous, DspaceID: 5}, nil)
	r.SetMode(w2.ID, Mode{Kind: ModeAnonymous, DspaceID: 6}, nil)
	got := r.WindowsByDataspace(5)
	if len(got) != 1 || got[0].ID != w1.ID {
		t.Fatalf("WindowsByDataspace(5) = %v, want only w1", got)
	}
}
