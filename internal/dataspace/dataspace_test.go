package dataspace

import (
	"testing"

	"refos/internal/defs"
	"refos/internal/kcap"
)

func newTable(t *testing.T, npages int) *Table {
	t.Helper()
	fp, err := kcap.NewFramePool(npages)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	t.Cleanup(func() { fp.Close() })
	return New(fp, nil)
}

func TestExpandPreservesExistingData(t *testing.T) {
	tab := newTable(t, 64)
	ds, err := tab.Open(PageSize, defs.PermRead|defs.PermWrite)
	if err != defs.ESUCCESS {
		t.Fatalf("Open failed: %v", err)
	}
	payload := []byte("hello world")
	if err := tab.Write(ds, 0, payload); err != defs.ESUCCESS {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tab.Expand(ds, PageSize*4); err != defs.ESUCCESS {
		t.Fatalf("Expand failed: %v", err)
	}
	if got := tab.Size(ds); got != PageSize*4 {
		t.Fatalf("Size after expand = %d, want %d", got, PageSize*4)
	}
	readback := make([]byte, len(payload))
	if err := tab.Read(ds, 0, readback); err != defs.ESUCCESS {
		t.Fatalf("Read failed: %v", err)
	}
	if string(readback) != string(payload) {
		t.Fatalf("readback = %q, want %q", readback, payload)
	}
}

func TestExpandIsMonotonic(t *testing.T) {
	tab := newTable(t, 64)
	ds, _ := tab.Open(PageSize*4, defs.PermRead)
	if err := tab.Expand(ds, PageSize); err != defs.ESUCCESS {
		t.Fatalf("shrink-attempt Expand failed: %v", err)
	}
	if got := tab.Size(ds); got != PageSize*4 {
		t.Fatalf("Size after no-op shrink = %d, want unchanged %d", got, PageSize*4)
	}
}

func TestContentInitFaultThenProvideReleasesWaiters(t *testing.T) {
	tab := newTable(t, 64)
	ds, _ := tab.Open(PageSize, defs.PermRead|defs.PermWrite)
	if err := tab.ContentInit(ds, kcap.NewNotifier(), 7); err != defs.ESUCCESS {
		t.Fatalf("ContentInit failed: %v", err)
	}
	if !tab.NeedContentInit(ds, 0) {
		t.Fatalf("expected page 0 to need content-init before any provide")
	}

	ep := kcap.NewEndpoint(1)
	go func() { ep.Call(kcap.Message{Label: 1}) }()
	rh := kcap.SaveReply(ep.Recv())
	if err := tab.AddContentInitWaiter(ds, 0, rh); err != defs.ESUCCESS {
		t.Fatalf("AddContentInitWaiter failed: %v", err)
	}

	released, err := tab.ProvideData(ds, 0, []byte("data"))
	if err != defs.ESUCCESS {
		t.Fatalf("ProvideData failed: %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("expected exactly one released waiter, got %d", len(released))
	}
	if tab.NeedContentInit(ds, 0) {
		t.Fatalf("page 0 should no longer need content-init after ProvideData")
	}
}

func TestUnrefDestroysOnLastRelease(t *testing.T) {
	tab := newTable(t, 64)
	ds, _ := tab.Open(PageSize, defs.PermRead)
	id := ds.ID
	tab.Ref(id)
	if tab.Unref(id) {
		t.Fatalf("Unref with outstanding ref should not destroy")
	}
	if !tab.Unref(id) {
		t.Fatalf("Unref of last ref should destroy")
	}
	if _, ok := tab.Get(id); ok {
		t.Fatalf("dataspace should be gone after last Unref")
	}
}

func TestGetPageMaterialisesLazily(t *testing.T) {
	tab := newTable(t, 64)
	ds, _ := tab.Open(PageSize*2, defs.PermRead|defs.PermWrite)
	f1, err := tab.GetPage(ds, 0)
	if err != defs.ESUCCESS {
		t.Fatalf("GetPage(0) failed: %v", err)
	}
	f2, err := tab.GetPage(ds, 0)
	if err != defs.ESUCCESS || f2 != f1 {
		t.Fatalf("GetPage(0) second call should return the same frame")
	}
	f3, err := tab.GetPage(ds, PageSize)
	if err != defs.ESUCCESS || f3 == f1 {
		t.Fatalf("GetPage(PageSize) should materialise a distinct frame")
	}
}
