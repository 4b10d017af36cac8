package watch

import (
	"testing"

	"refos/internal/dataspace"
	"refos/internal/defs"
	"refos/internal/kcap"
	"refos/internal/ring"
)

func newTestRing(t *testing.T) *ring.Ring {
	t.Helper()
	fp, err := kcap.NewFramePool(64)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	t.Cleanup(func() { fp.Close() })
	dt := dataspace.New(fp, nil)
	ds, err2 := dt.Open(16+8*ring.RecordSize, defs.PermRead|defs.PermWrite)
	if err2 != defs.ESUCCESS {
		t.Fatalf("Open failed: %v", err2)
	}
	return ring.New(dt, ds)
}

func TestNotifyDeathWritesRecordAndSignals(t *testing.T) {
	l := New()
	n := kcap.NewNotifier()
	l.Watch(5, n)
	r := newTestRing(t)

	if err := NotifyDeath(l, 1, 5, r); err != defs.ESUCCESS {
		t.Fatalf("NotifyDeath failed: %v", err)
	}
	select {
	case <-n.Chan():
	default:
		t.Fatalf("expected notifier to be signalled")
	}
	rec, ok := r.Read()
	if !ok || rec.Label != ring.LabelDeath || rec.Args[0] != 5 {
		t.Fatalf("got record %+v, ok=%v", rec, ok)
	}
	if _, stillWatched := l.Get(5); stillWatched {
		t.Fatalf("expected watch to be removed after notification")
	}
}

func TestNotifyDeathSuppressesSelfNotification(t *testing.T) {
	l := New()
	n := kcap.NewNotifier()
	l.Watch(5, n)
	r := newTestRing(t)

	if err := NotifyDeath(l, 5, 5, r); err != defs.ESUCCESS {
		t.Fatalf("NotifyDeath failed: %v", err)
	}
	if _, ok := r.Read(); ok {
		t.Fatalf("expected no record written for self-notification")
	}
	if _, stillWatched := l.Get(5); !stillWatched {
		t.Fatalf("self-notification should not unwatch")
	}
}

func TestNotifyDeathNoopWhenNotWatched(t *testing.T) {
	l := New()
	r := newTestRing(t)
	if err := NotifyDeath(l, 1, 99, r); err != defs.ESUCCESS {
		t.Fatalf("NotifyDeath for unwatched pid should succeed as a no-op: %v", err)
	}
}

func TestReleaseDropsAllWatches(t *testing.T) {
	l := New()
	l.Watch(1, kcap.NewNotifier())
	l.Watch(2, kcap.NewNotifier())
	l.Release()
	if _, ok := l.Get(1); ok {
		t.Fatalf("expected watch 1 to be gone after Release")
	}
	if _, ok := l.Get(2); ok {
		t.Fatalf("expected watch 2 to be gone after Release")
	}
}
