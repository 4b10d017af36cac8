// Package rsrv wires every table into the running server: PID, PD,
// window, dataspace, name server and per-process watch/ring state, and
// drives the single blocking-receive dispatch loop that answers every
// syscall, fault and notification. Grounded on the teacher's worker
// loop shape (one errgroup-managed goroutine per independent unit of
// work, zap for structured progress logging) seen in the pack's
// ring-buffer reader workers; the process server itself is
// single-threaded per spec, so here the errgroup supervises exactly
// one dispatch goroutine plus a deferred post-action phase run inline
// after each message instead of a pool of workers.
package rsrv

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"refos/internal/badge"
	"refos/internal/dataspace"
	"refos/internal/defs"
	"refos/internal/fault"
	"refos/internal/kcap"
	"refos/internal/limits"
	"refos/internal/nameserv"
	"refos/internal/pdpool"
	"refos/internal/pidtab"
	"refos/internal/process"
	"refos/internal/ring"
	"refos/internal/vspace"
	"refos/internal/watch"
	"refos/internal/window"
)

type pendingFault struct {
	reply     *kcap.ReplyHandle
	faultVS   *vspace.VSpace
	faultAddr uintptr
}

type faultKey struct {
	win defs.WinID
	pg  uintptr
}

// Server is the process server's full in-memory state.
type Server struct {
	log *zap.Logger

	pids    *pidtab.Table[process.PCB]
	pds     *pdpool.Pool
	windows *window.Registry
	dspaces *dataspace.Table
	names   *nameserv.Server
	frames  *kcap.FramePool

	ep *kcap.Endpoint

	mu             sync.Mutex
	pendingFaults  map[faultKey][]*pendingFault
	pendingDestroy []defs.Pid_t
}

// NewServer allocates every table and an anonymous frame pool of
// npages pages. The PID table and PD pool are sized by internal/limits;
// the window registry and dataspace table have no fixed size.
func NewServer(log *zap.Logger, npages int) (*Server, error) {
	frames, err := kcap.NewFramePool(npages)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:           log,
		pids:          pidtab.New[process.PCB](int(limits.Syslimit.Maxpids)),
		pds:           pdpool.New(int(limits.Syslimit.Maxpds)),
		windows:       window.New(),
		dspaces:       dataspace.New(frames, nil),
		names:         nameserv.New(),
		frames:        frames,
		ep:            kcap.NewEndpoint(64),
		pendingFaults: make(map[faultKey][]*pendingFault),
	}, nil
}

// Endpoint returns the server's single receive endpoint, for clients
// constructed in the same process (tests, or an in-process client
// stub) to Call against.
func (s *Server) Endpoint() *kcap.Endpoint { return s.ep }

// ---- process lifecycle ----

// CreateProcess allocates a PID, a vspace, and the process's first
// thread, mirroring "first thread's lifetime == PCB's lifetime".
func (s *Server) CreateProcess(parent defs.Pid_t, name string) (defs.Pid_t, defs.Err_t) {
	pid, slot, ok := s.pids.Alloc()
	if !ok {
		return 0, defs.ENOMEM
	}
	vs, err := vspace.New(s.pds, s.windows, pid)
	if err != nil {
		s.pids.Free(pid)
		return 0, defs.ENOMEM
	}
	process.Init(slot, pid, parent, name, vs)
	slot.SpawnThread()
	return pid, defs.ESUCCESS
}

// NewProcBlocking implements new_proc(block=true): the caller's reply
// is parked on the child and answered when the child exits.
func (s *Server) NewProcBlocking(parentPID defs.Pid_t, name string, reply *kcap.ReplyHandle) (defs.Pid_t, defs.Err_t) {
	childPID, err := s.CreateProcess(parentPID, name)
	if err != defs.ESUCCESS {
		return 0, err
	}
	slot, _ := s.pids.Get(childPID)
	slot.ParentReply = reply
	return childPID, defs.ESUCCESS
}

// Exit records pid's exit status and queues pid for destruction; the
// teardown itself runs later, in RunPostActions, after the exit call
// has been answered.
func (s *Server) Exit(pid defs.Pid_t, status int32) defs.Err_t {
	s.mu.Lock()
	s.pendingDestroy = append(s.pendingDestroy, pid)
	s.mu.Unlock()
	slot, ok := s.pids.Get(pid)
	if !ok {
		return defs.EINVALIDPARAM
	}
	slot.MarkExited(status, time.Now())
	return defs.ESUCCESS
}

// RunPostActions performs every deferred destruction queued by Exit
// since the last call, and must run after the dispatch loop has
// finished processing the message that queued them: this two-phase
// "answer, then clean up" rule means a dying thread's own reply is
// never raced by its own teardown.
func (s *Server) RunPostActions() {
	s.mu.Lock()
	pending := s.pendingDestroy
	s.pendingDestroy = nil
	s.mu.Unlock()
	for _, pid := range pending {
		s.destroyProcess(pid)
	}
}

func (s *Server) destroyProcess(pid defs.Pid_t) {
	slot, ok := s.pids.Get(pid)
	if !ok {
		return
	}
	status := slot.Exit.Code

	if slot.ParamBuffer != nil {
		s.dspaces.Unref(slot.ParamBufferID)
	}

	slot.VSpace.Unref()

	s.pids.Iterate(func(otherPID defs.Pid_t, other *process.PCB) bool {
		if otherPID == pid {
			return true
		}
		watch.NotifyDeath(other.Watchers, otherPID, pid, other.Ring)
		return true
	})

	if slot.ParentReply != nil {
		slot.ParentReply.Reply(kcap.Reply{Err: int32(defs.ESUCCESS), Vals: [4]uint64{uint64(uint32(status))}})
		slot.ParentReply = nil
	}

	s.pids.Free(pid)
}

// ---- memory windows ----

func (s *Server) CreateWindow(pid defs.Pid_t, vaddr, size uintptr, perm defs.Perm_t, cacheable bool) (defs.WinID, defs.Err_t) {
	pcb, ok := s.pids.Get(pid)
	if !ok {
		return 0, defs.EINVALIDPARAM
	}
	w, err := s.windows.Create(pcb.VSpace.ID, pid, vaddr, size, perm, cacheable, pcb.VSpace.MkReservation)
	if err != defs.ESUCCESS {
		return 0, err
	}
	pcb.VSpace.NoteWindowBase(w.ID, vaddr)
	return w.ID, defs.ESUCCESS
}

func (s *Server) DeleteWindow(pid defs.Pid_t, winID defs.WinID) defs.Err_t {
	pcb, ok := s.pids.Get(pid)
	if !ok {
		return defs.EINVALIDPARAM
	}
	w, ok := s.windows.Get(winID)
	if !ok {
		return defs.EINVALIDWINDOW
	}
	if w.Mode.Kind == window.ModeAnonymous {
		s.dspaces.Unref(w.Mode.DspaceID)
	}
	err := s.windows.Delete(winID, s.unmapAllFor(pcb))
	if err == defs.ESUCCESS {
		pcb.VSpace.ForgetWindowBase(winID)
	}
	return err
}

func (s *Server) ResizeWindow(pid defs.Pid_t, winID defs.WinID, newSize uintptr) defs.Err_t {
	pcb, ok := s.pids.Get(pid)
	if !ok {
		return defs.EINVALIDPARAM
	}
	return s.windows.Resize(winID, newSize, s.unmapTailFor(pcb))
}

func (s *Server) GetWindow(pid defs.Pid_t, vaddr uintptr) (*window.Window, defs.Err_t) {
	pcb, ok := s.pids.Get(pid)
	if !ok {
		return nil, defs.EINVALIDPARAM
	}
	w, _, ok := s.windows.Find(pcb.VSpace.ID, vaddr)
	if !ok {
		return nil, defs.EINVALIDWINDOW
	}
	return w, defs.ESUCCESS
}

func (s *Server) unmapAllFor(pcb *process.PCB) func(w *window.Window) {
	return func(w *window.Window) {
		pcb.VSpace.UnmapWindow(w)
	}
}

func (s *Server) unmapTailFor(pcb *process.PCB) func(w *window.Window, base, from, to uintptr) {
	return func(w *window.Window, base, from, to uintptr) {
		npages := int((to - from + kcap.PageSize - 1) / kcap.PageSize)
		pcb.VSpace.Unmap(base+from, npages, kcap.PageSize)
	}
}

// RegisterPager makes pid the external pager for winID.
func (s *Server) RegisterPager(pid defs.Pid_t, winID defs.WinID, notify *kcap.Notifier) defs.Err_t {
	pcb, ok := s.pids.Get(pid)
	if !ok {
		return defs.EINVALIDPARAM
	}
	return s.windows.SetMode(winID, window.Mode{
		Kind:        window.ModeExternalPager,
		PagerNotify: notify,
		PagerPID:    pid,
	}, s.unmapAllFor(pcb))
}

func (s *Server) UnregisterPager(pid defs.Pid_t, winID defs.WinID) defs.Err_t {
	pcb, ok := s.pids.Get(pid)
	if !ok {
		return defs.EINVALIDPARAM
	}
	return s.windows.SetMode(winID, window.Mode{Kind: window.ModeEmpty}, s.unmapAllFor(pcb))
}

// ---- dataspaces ----

func (s *Server) OpenDataspace(sizeBytes int, perm defs.Perm_t) (defs.DspaceID, defs.Err_t) {
	ds, err := s.dspaces.Open(sizeBytes, perm)
	if err != defs.ESUCCESS {
		return 0, err
	}
	return ds.ID, defs.ESUCCESS
}

func (s *Server) CloseDataspace(dsID defs.DspaceID) defs.Err_t {
	for _, w := range s.windows.WindowsByDataspace(dsID) {
		pcb, ok := s.pids.Get(w.OwnerPID)
		if !ok {
			continue
		}
		s.windows.SetMode(w.ID, window.Mode{Kind: window.ModeEmpty}, s.unmapAllFor(pcb))
	}
	s.dspaces.Unref(dsID)
	return defs.ESUCCESS
}

func (s *Server) GetSize(dsID defs.DspaceID) (int, defs.Err_t) {
	ds, ok := s.dspaces.Get(dsID)
	if !ok {
		return 0, defs.EINVALIDPARAM
	}
	return s.dspaces.Size(ds), defs.ESUCCESS
}

func (s *Server) Expand(dsID defs.DspaceID, newSizeBytes int) defs.Err_t {
	ds, ok := s.dspaces.Get(dsID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	return s.dspaces.Expand(ds, newSizeBytes)
}

func (s *Server) DataMap(dsID defs.DspaceID, winID defs.WinID, offset uintptr) defs.Err_t {
	w, ok := s.windows.Get(winID)
	if !ok {
		return defs.EINVALIDWINDOW
	}
	pcb, ok := s.pids.Get(w.OwnerPID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	if _, ok := s.dspaces.Get(dsID); !ok {
		return defs.EINVALIDPARAM
	}
	s.dspaces.Ref(dsID)
	return s.windows.SetMode(winID, window.Mode{
		Kind:      window.ModeAnonymous,
		DspaceID:  dsID,
		DspaceOff: offset,
	}, s.unmapAllFor(pcb))
}

func (s *Server) DataUnmap(winID defs.WinID) defs.Err_t {
	w, ok := s.windows.Get(winID)
	if !ok {
		return defs.EINVALIDWINDOW
	}
	pcb, ok := s.pids.Get(w.OwnerPID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	dsID := w.Mode.DspaceID
	wasAnon := w.Mode.Kind == window.ModeAnonymous
	err := s.windows.SetMode(winID, window.Mode{Kind: window.ModeEmpty}, s.unmapAllFor(pcb))
	if err == defs.ESUCCESS && wasAnon {
		s.dspaces.Unref(dsID)
	}
	return err
}

func (s *Server) HaveData(dsID defs.DspaceID, ep *kcap.Notifier, pid defs.Pid_t) defs.Err_t {
	ds, ok := s.dspaces.Get(dsID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	return s.dspaces.ContentInit(ds, ep, pid)
}

func (s *Server) UnhaveData(dsID defs.DspaceID) defs.Err_t {
	ds, ok := s.dspaces.Get(dsID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	return s.dspaces.UnhaveData(ds)
}

func (s *Server) ProvideData(dsID defs.DspaceID, offset uintptr, data []byte) defs.Err_t {
	ds, ok := s.dspaces.Get(dsID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	released, err := s.dspaces.ProvideData(ds, offset, data)
	if err != defs.ESUCCESS {
		return err
	}
	for _, rh := range released {
		rh.Reply(kcap.Reply{Err: int32(defs.ESUCCESS)})
	}
	return defs.ESUCCESS
}

// ---- param buffer ----

// SetParamBuffer installs dsID as pid's shared buffer for syscall
// arguments too large for the fixed message registers.
func (s *Server) SetParamBuffer(pid defs.Pid_t, dsID defs.DspaceID) defs.Err_t {
	pcb, ok := s.pids.Get(pid)
	if !ok {
		return defs.EINVALIDPARAM
	}
	ds, ok := s.dspaces.Get(dsID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	if pcb.ParamBuffer != nil {
		s.dspaces.Unref(pcb.ParamBufferID)
	}
	s.dspaces.Ref(dsID)
	pcb.SetParamBuffer(ds, dsID)
	return defs.ESUCCESS
}

// ReadParamString reads size bytes from pid's param buffer starting at
// offset 0 and returns it as a string, for variable-length arguments
// such as a process or name-server segment name.
func (s *Server) ReadParamString(pid defs.Pid_t, size int) (string, defs.Err_t) {
	pcb, ok := s.pids.Get(pid)
	if !ok || pcb.ParamBuffer == nil {
		return "", defs.ENOPARAMBUFFER
	}
	buf := make([]byte, size)
	if err := s.dspaces.Read(pcb.ParamBuffer, 0, buf); err != defs.ESUCCESS {
		return "", err
	}
	return string(buf), defs.ESUCCESS
}

// ---- name server ----

func (s *Server) Register(segment string, ep *kcap.Endpoint, owner defs.Pid_t) {
	s.names.Register(segment, ep, owner)
}

func (s *Server) Unregister(segment string) defs.Err_t {
	return s.names.Unregister(segment)
}

func (s *Server) Resolve(path string) (*kcap.Endpoint, int, bool) {
	return s.names.Resolve(path)
}

// ---- watch ----

func (s *Server) WatchClient(watcherPID, targetPID defs.Pid_t, notify *kcap.Notifier) defs.Err_t {
	pcb, ok := s.pids.Get(watcherPID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	return pcb.Watchers.Watch(targetPID, notify)
}

func (s *Server) UnwatchClient(watcherPID, targetPID defs.Pid_t) defs.Err_t {
	pcb, ok := s.pids.Get(watcherPID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	pcb.Watchers.Unwatch(targetPID)
	return defs.ESUCCESS
}

// ---- fault routing ----

func pageIndex(off uintptr) uintptr { return off / kcap.PageSize }

// HandleFault resolves a page fault for pid at faultAddr. A Delegated
// outcome writes a FAULT_DELEGATION record to the pager's ring and
// registers the faulter so a later WindowMap can complete it. A
// Suspended outcome writes a CONTENT_INIT record to the initialiser's
// ring instead. A PermanentBlock outcome does neither: fault.Handle
// has already discarded the reply, and the faulting thread stays
// blocked with no further action here.
func (s *Server) HandleFault(pid defs.Pid_t, faultAddr uintptr, iswrite bool, reply *kcap.ReplyHandle) defs.Err_t {
	pcb, ok := s.pids.Get(pid)
	if !ok {
		reply.Reply(kcap.Reply{Err: int32(defs.EINVALIDPARAM)})
		return defs.EINVALIDPARAM
	}
	res := fault.Handle(s.windows, s.dspaces, pcb.VSpace, pcb.VSpace.ID, faultAddr, iswrite, reply)
	switch res.Outcome {
	case fault.Replied, fault.PermanentBlock:
		return res.Err
	case fault.Suspended:
		initr, ok := s.pids.Get(res.ContentInitPID)
		if !ok || initr.Ring == nil {
			return defs.ESUCCESS
		}
		err := initr.Ring.Write(ring.Record{
			Magic: ring.Magic,
			Label: ring.LabelContentInit,
			Args:  [7]uint64{uint64(res.ContentInitDspace), uint64(res.ContentInitOffset)},
		})
		if err == defs.ESUCCESS {
			res.ContentInitNotify.Signal()
		}
		return defs.ESUCCESS
	case fault.Delegated:
		pager, ok := s.pids.Get(res.PagerPID)
		if !ok || pager.Ring == nil {
			reply.Reply(kcap.Reply{Err: int32(defs.ENOPARAMBUFFER)})
			return defs.ENOPARAMBUFFER
		}
		key := faultKey{win: res.WindowID, pg: pageIndex(res.FaultOffset)}
		s.mu.Lock()
		s.pendingFaults[key] = append(s.pendingFaults[key], &pendingFault{
			reply:     reply,
			faultVS:   pcb.VSpace,
			faultAddr: faultAddr,
		})
		s.mu.Unlock()
		err := pager.Ring.Write(ring.Record{
			Magic: ring.Magic,
			Label: ring.LabelFaultDelegation,
			Args:  [7]uint64{uint64(pid), uint64(res.WindowID), uint64(res.FaultOffset)},
		})
		if err != defs.ESUCCESS {
			reply.Reply(kcap.Reply{Err: int32(err)})
			return err
		}
		res.PagerNotify.Signal()
		return defs.EDELEGATED
	default:
		return defs.EINVALID
	}
}

// WindowMap is the pager's reply to a delegated fault: it supplies the
// frame currently mapped at srcAddr in the pager's own vspace, mapped
// into every faulter currently parked on winID's faulting page.
func (s *Server) WindowMap(pagerPID defs.Pid_t, winID defs.WinID, winOffset uintptr, srcAddr uintptr) defs.Err_t {
	pager, ok := s.pids.Get(pagerPID)
	if !ok {
		return defs.EINVALIDPARAM
	}
	key := faultKey{win: winID, pg: pageIndex(winOffset)}
	s.mu.Lock()
	waiters := s.pendingFaults[key]
	delete(s.pendingFaults, key)
	s.mu.Unlock()
	for _, pf := range waiters {
		pageBase := pf.faultAddr - (pf.faultAddr % kcap.PageSize)
		err := pf.faultVS.MapAcrossVSpace(pager.VSpace, srcAddr, pageBase)
		pf.reply.Reply(kcap.Reply{Err: int32(err)})
	}
	return defs.ESUCCESS
}

// ---- dispatch loop ----

// Run blocks receiving and dispatching messages until ctx is
// cancelled. Each message's post-action phase (queued destructions)
// runs immediately after that message's reply, per the two-phase rule.
func (s *Server) Run(ctx context.Context, handle func(*Server, kcap.Message)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			msg := s.ep.Recv()
			kind, id := badge.Classify(msg.Badge)
			s.log.Debug("dispatch", zap.String("kind", kind.String()), zap.Uint64("id", id), zap.Uint32("label", msg.Label))
			handle(s, msg)
			s.RunPostActions()
		}
	})
	return g.Wait()
}
