package rsrv

import (
	"testing"

	"go.uber.org/zap"

	"refos/internal/dataspace"
	"refos/internal/defs"
	"refos/internal/kcap"
	"refos/internal/ring"
	"refos/internal/window"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(zap.NewNop(), 256)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s
}

func TestCreateWindowRejectsOverlap(t *testing.T) {
	s := newTestServer(t)
	pid, err := s.CreateProcess(0, "p")
	if err != defs.ESUCCESS {
		t.Fatalf("CreateProcess failed: %v", err)
	}
	if _, err := s.CreateWindow(pid, 0x10000, 0x8000, defs.PermRead, false); err != defs.ESUCCESS {
		t.Fatalf("first CreateWindow failed: %v", err)
	}
	if _, err := s.CreateWindow(pid, 0x14000, 0x1000, defs.PermRead, false); err != defs.EINVALIDWINDOW {
		t.Fatalf("overlapping CreateWindow = %v, want EINVALIDWINDOW", err)
	}
}

func TestDataspaceExpandAndReadBack(t *testing.T) {
	s := newTestServer(t)
	dsID, err := s.OpenDataspace(dataspace.PageSize, defs.PermRead|defs.PermWrite)
	if err != defs.ESUCCESS {
		t.Fatalf("OpenDataspace failed: %v", err)
	}
	if err := s.Expand(dsID, dataspace.PageSize*2); err != defs.ESUCCESS {
		t.Fatalf("Expand failed: %v", err)
	}
	size, err := s.GetSize(dsID)
	if err != defs.ESUCCESS || size != dataspace.PageSize*2 {
		t.Fatalf("GetSize = (%d,%v), want %d", size, err, dataspace.PageSize*2)
	}
}

func TestContentInitFaultThenProvide(t *testing.T) {
	s := newTestServer(t)
	pid, _ := s.CreateProcess(0, "p")
	dsID, _ := s.OpenDataspace(dataspace.PageSize, defs.PermRead|defs.PermWrite)
	if err := s.HaveData(dsID, kcap.NewNotifier(), pid); err != defs.ESUCCESS {
		t.Fatalf("HaveData failed: %v", err)
	}
	winID, _ := s.CreateWindow(pid, 0x50000, dataspace.PageSize, defs.PermRead|defs.PermWrite, false)
	if err := s.DataMap(dsID, winID, 0); err != defs.ESUCCESS {
		t.Fatalf("DataMap failed: %v", err)
	}

	ep := kcap.NewEndpoint(1)
	done := make(chan kcap.Reply, 1)
	go func() { done <- ep.Call(kcap.Message{Label: 1}) }()
	rh := kcap.SaveReply(ep.Recv())

	if err := s.HandleFault(pid, 0x50000, false, rh); err != defs.ESUCCESS {
		t.Fatalf("HandleFault (suspended) = %v, want ESUCCESS (no error yet)", err)
	}
	select {
	case <-done:
		t.Fatalf("reply should not fire before ProvideData")
	default:
	}

	if err := s.ProvideData(dsID, 0, []byte("content")); err != defs.ESUCCESS {
		t.Fatalf("ProvideData failed: %v", err)
	}
	reply := <-done
	if defs.Err_t(reply.Err) != defs.ESUCCESS {
		t.Fatalf("reply.Err = %v, want ESUCCESS", reply.Err)
	}
}

func TestContentInitWritesRingRecordAndSignalsInitialiser(t *testing.T) {
	s := newTestServer(t)
	initPID, _ := s.CreateProcess(0, "initialiser")
	clientPID, _ := s.CreateProcess(0, "client")

	initSlot, _ := s.pids.Get(initPID)
	fp, err := kcap.NewFramePool(8)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	t.Cleanup(func() { fp.Close() })
	dt := dataspace.New(fp, nil)
	ringDS, derr := dt.Open(16+4*ring.RecordSize, defs.PermRead|defs.PermWrite)
	if derr != defs.ESUCCESS {
		t.Fatalf("ring dataspace Open failed: %v", derr)
	}
	initSlot.Ring = ring.New(dt, ringDS)

	dsID, _ := s.OpenDataspace(3*dataspace.PageSize, defs.PermRead|defs.PermWrite)
	notify := kcap.NewNotifier()
	if err := s.HaveData(dsID, notify, initPID); err != defs.ESUCCESS {
		t.Fatalf("HaveData failed: %v", err)
	}
	winID, _ := s.CreateWindow(clientPID, 0x90000, 3*dataspace.PageSize, defs.PermRead, false)
	if err := s.DataMap(dsID, winID, 0); err != defs.ESUCCESS {
		t.Fatalf("DataMap failed: %v", err)
	}

	ep := kcap.NewEndpoint(1)
	done := make(chan kcap.Reply, 1)
	go func() { done <- ep.Call(kcap.Message{Label: 1}) }()
	rh := kcap.SaveReply(ep.Recv())

	midPage1 := uintptr(0x90000) + dataspace.PageSize + 50
	if err := s.HandleFault(clientPID, midPage1, false, rh); err != defs.ESUCCESS {
		t.Fatalf("HandleFault (suspended) = %v, want ESUCCESS", err)
	}

	select {
	case <-notify.Chan():
	default:
		t.Fatalf("expected initialiser notifier to be signalled")
	}
	rec, ok := initSlot.Ring.Read()
	if !ok || rec.Label != ring.LabelContentInit {
		t.Fatalf("got content-init record %+v, ok=%v", rec, ok)
	}
	if defs.DspaceID(rec.Args[0]) != dsID {
		t.Fatalf("record dspaceID = %d, want %d", rec.Args[0], dsID)
	}
	if rec.Args[1] != dataspace.PageSize {
		t.Fatalf("record offset = %#x, want %#x (page-aligned)", rec.Args[1], uint64(dataspace.PageSize))
	}

	if err := s.ProvideData(dsID, dataspace.PageSize, []byte("content")); err != defs.ESUCCESS {
		t.Fatalf("ProvideData failed: %v", err)
	}
	reply := <-done
	if defs.Err_t(reply.Err) != defs.ESUCCESS {
		t.Fatalf("reply.Err = %v, want ESUCCESS", reply.Err)
	}
}

func TestNewProcBlockingAnswersOnChildExit(t *testing.T) {
	s := newTestServer(t)
	parentPID, _ := s.CreateProcess(0, "parent")

	ep := kcap.NewEndpoint(1)
	done := make(chan kcap.Reply, 1)
	go func() { done <- ep.Call(kcap.Message{Label: 1}) }()
	rh := kcap.SaveReply(ep.Recv())

	childPID, err := s.NewProcBlocking(parentPID, "child", rh)
	if err != defs.ESUCCESS {
		t.Fatalf("NewProcBlocking failed: %v", err)
	}
	select {
	case <-done:
		t.Fatalf("parent reply should not fire before child exits")
	default:
	}

	if err := s.Exit(childPID, 42); err != defs.ESUCCESS {
		t.Fatalf("Exit failed: %v", err)
	}
	s.RunPostActions()

	reply := <-done
	if int32(reply.Vals[0]) != 42 {
		t.Fatalf("parent reply status = %d, want 42", int32(reply.Vals[0]))
	}
}

func TestDeathWatchNotification(t *testing.T) {
	s := newTestServer(t)
	watcherPID, _ := s.CreateProcess(0, "watcher")
	targetPID, _ := s.CreateProcess(0, "target")

	watcherSlot, _ := s.pids.Get(watcherPID)
	fp, err := kcap.NewFramePool(8)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	t.Cleanup(func() { fp.Close() })
	dt := dataspace.New(fp, nil)
	ds, derr := dt.Open(16+4*ring.RecordSize, defs.PermRead|defs.PermWrite)
	if derr != defs.ESUCCESS {
		t.Fatalf("ring dataspace Open failed: %v", derr)
	}
	watcherSlot.Ring = ring.New(dt, ds)

	notify := kcap.NewNotifier()
	if err := s.WatchClient(watcherPID, targetPID, notify); err != defs.ESUCCESS {
		t.Fatalf("WatchClient failed: %v", err)
	}

	if err := s.Exit(targetPID, 0); err != defs.ESUCCESS {
		t.Fatalf("Exit failed: %v", err)
	}
	s.RunPostActions()

	select {
	case <-notify.Chan():
	default:
		t.Fatalf("expected watcher to be signalled on target's death")
	}
	rec, ok := watcherSlot.Ring.Read()
	if !ok || rec.Label != ring.LabelDeath || rec.Args[0] != uint64(targetPID) {
		t.Fatalf("got death record %+v, ok=%v", rec, ok)
	}
}

func TestPagerDelegationViaWindowMap(t *testing.T) {
	s := newTestServer(t)
	pagerPID, _ := s.CreateProcess(0, "pager")
	clientPID, _ := s.CreateProcess(0, "client")

	pagerSlot, _ := s.pids.Get(pagerPID)
	fp, err := kcap.NewFramePool(8)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	t.Cleanup(func() { fp.Close() })
	dt := dataspace.New(fp, nil)
	ds, derr := dt.Open(16+4*ring.RecordSize, defs.PermRead|defs.PermWrite)
	if derr != defs.ESUCCESS {
		t.Fatalf("ring dataspace Open failed: %v", derr)
	}
	pagerSlot.Ring = ring.New(dt, ds)

	winID, _ := s.CreateWindow(clientPID, 0x60000, dataspace.PageSize, defs.PermRead, false)
	notify := kcap.NewNotifier()
	if err := s.RegisterPager(pagerPID, winID, notify); err != defs.ESUCCESS {
		t.Fatalf("RegisterPager failed: %v", err)
	}

	ep := kcap.NewEndpoint(1)
	done := make(chan kcap.Reply, 1)
	go func() { done <- ep.Call(kcap.Message{Label: 1}) }()
	rh := kcap.SaveReply(ep.Recv())

	if err := s.HandleFault(clientPID, 0x60000, false, rh); err != defs.EDELEGATED {
		t.Fatalf("HandleFault = %v, want EDELEGATED", err)
	}
	select {
	case <-notify.Chan():
	default:
		t.Fatalf("expected pager notifier to be signalled")
	}
	rec, ok := pagerSlot.Ring.Read()
	if !ok || rec.Label != ring.LabelFaultDelegation {
		t.Fatalf("got delegation record %+v, ok=%v", rec, ok)
	}
	if defs.WinID(rec.Args[1]) != winID {
		t.Fatalf("delegation record winID = %d, want %d", rec.Args[1], winID)
	}

	if err := pagerSlot.VSpace.Map(0x70000, []kcap.Frame{3}, kcap.PageSize); err != defs.ESUCCESS {
		t.Fatalf("pager map of source frame failed: %v", err)
	}
	if err := s.WindowMap(pagerPID, winID, 0, 0x70000); err != defs.ESUCCESS {
		t.Fatalf("WindowMap failed: %v", err)
	}

	reply := <-done
	if defs.Err_t(reply.Err) != defs.ESUCCESS {
		t.Fatalf("delegated reply.Err = %v, want ESUCCESS", reply.Err)
	}
	clientSlot, _ := s.pids.Get(clientPID)
	if f, ok := clientSlot.VSpace.FrameAt(0x60000); !ok || f != 3 {
		t.Fatalf("expected client to see pager's frame mapped at its fault address")
	}
}

func TestDataMapIntoEmptyThenUnmap(t *testing.T) {
	s := newTestServer(t)
	pid, _ := s.CreateProcess(0, "p")
	dsID, _ := s.OpenDataspace(dataspace.PageSize, defs.PermRead|defs.PermWrite)
	winID, _ := s.CreateWindow(pid, 0x80000, dataspace.PageSize, defs.PermRead|defs.PermWrite, false)
	if err := s.DataMap(dsID, winID, 0); err != defs.ESUCCESS {
		t.Fatalf("DataMap failed: %v", err)
	}
	w, ok := s.windows.Get(winID)
	if !ok || w.Mode.Kind != window.ModeAnonymous {
		t.Fatalf("expected window to be Anonymous after DataMap")
	}
	if err := s.DataUnmap(winID); err != defs.ESUCCESS {
		t.Fatalf("DataUnmap failed: %v", err)
	}
	w, _ = s.windows.Get(winID)
	if w.Mode.Kind != window.ModeEmpty {
		t.Fatalf("expected window to be Empty after DataUnmap")
	}
}
