// Package fault implements the fault router: classifying a VM fault
// into a window lookup, a permission check, and a mode-specific
// response. Grounded on vm.Sys_pgfault, which does the same
// lookup-then-permission-then-resolve dance against a Vmregion tree
// instead of a window registry. The Outcome enum mirrors the
// coroutine-shaped handler design (a handler answers the calling
// thread immediately, parks it until some later event answers it,
// hands the fault off to another process entirely, or leaves it
// permanently blocked) that a single-threaded cooperative dispatch
// loop needs in place of the teacher's blocking per-thread fault path.
package fault

import (
	"refos/internal/dataspace"
	"refos/internal/defs"
	"refos/internal/kcap"
	"refos/internal/vspace"
	"refos/internal/window"
)

// Outcome tags how a fault was handled.
type Outcome int

const (
	// Replied means the fault was answered (successfully or with an
	// error) before Handle returned; the faulting thread may resume.
	Replied Outcome = iota
	// Suspended means the faulting thread's reply was parked as a
	// content-init waiter; some later ProvideData call will release it.
	Suspended
	// Delegated means the fault was handed to an external pager; the
	// caller must write a fault-delegation record to that pager's ring
	// and signal its notifier.
	Delegated
	// PermanentBlock means the fault was a segfault: no covering
	// window, a permission mismatch, or an empty window. The reply
	// handle is dropped, not answered — the faulting thread stays
	// blocked forever rather than being killed or unblocked with an
	// error.
	PermanentBlock
)

// Result is Handle's return value.
type Result struct {
	Outcome Outcome
	Err     defs.Err_t

	// Delegated fields:
	PagerPID    defs.Pid_t
	PagerNotify *kcap.Notifier
	WindowID    defs.WinID
	FaultOffset uintptr // offset within the window of the faulting page

	// Suspended-on-content-init fields: set whenever Outcome ==
	// Suspended because the page awaits first-touch initialisation.
	// The caller (internal/rsrv) appends a CONTENT_INIT record built
	// from these to the initialiser's ring and signals its notifier,
	// exactly as it does for a Delegated pager fault.
	ContentInitPID    defs.Pid_t
	ContentInitNotify *kcap.Notifier
	ContentInitDspace defs.DspaceID
	ContentInitOffset uintptr // page-aligned offset into the dataspace
}

// Handle resolves one page fault at faultAddr in vsid's address space.
// reply is the calling thread's reply handle; Handle consumes it on
// every path except Delegated, where the caller (internal/rsrv) must
// still arrange for the reply to eventually be answered once the
// pager responds. On PermanentBlock the reply handle is discarded
// rather than answered: the faulting thread is left blocked, not
// killed and not unblocked with an error.
func Handle(windows *window.Registry, dspaces *dataspace.Table, vs *vspace.VSpace,
	vsid uint64, faultAddr uintptr, iswrite bool, reply *kcap.ReplyHandle) Result {

	w, base, ok := windows.Find(vsid, faultAddr)
	if !ok {
		reply.Discard()
		return Result{Outcome: PermanentBlock, Err: defs.EACCESSDENIED}
	}
	if iswrite && !w.Perm.AllowsWrite() {
		reply.Discard()
		return Result{Outcome: PermanentBlock, Err: defs.EACCESSDENIED}
	}
	if !iswrite && !w.Perm.AllowsRead() {
		reply.Discard()
		return Result{Outcome: PermanentBlock, Err: defs.EACCESSDENIED}
	}

	winOff := faultAddr - base

	switch w.Mode.Kind {
	case window.ModeEmpty:
		reply.Discard()
		return Result{Outcome: PermanentBlock, Err: defs.EACCESSDENIED}

	case window.ModeAnonymous:
		ds, ok := dspaces.Get(w.Mode.DspaceID)
		if !ok {
			reply.Reply(kcap.Reply{Err: int32(defs.EINVALIDWINDOW)})
			return Result{Outcome: Replied, Err: defs.EINVALIDWINDOW}
		}
		dsOff := w.Mode.DspaceOff + winOff
		if dspaces.NeedContentInit(ds, dsOff) {
			if err := dspaces.AddContentInitWaiter(ds, dsOff, reply); err != defs.ESUCCESS {
				reply.Reply(kcap.Reply{Err: int32(err)})
				return Result{Outcome: Replied, Err: err}
			}
			pageAligned := dsOff - dsOff%dataspace.PageSize
			return Result{
				Outcome:           Suspended,
				ContentInitPID:    ds.InitPID,
				ContentInitNotify: ds.ContentInitEP,
				ContentInitDspace: ds.ID,
				ContentInitOffset: pageAligned,
			}
		}
		f, err := dspaces.GetPage(ds, dsOff)
		if err != defs.ESUCCESS {
			reply.Reply(kcap.Reply{Err: int32(err)})
			return Result{Outcome: Replied, Err: err}
		}
		pageBase := faultAddr - (faultAddr % kcap.PageSize)
		if merr := vs.Map(pageBase, []kcap.Frame{f}, kcap.PageSize); merr != defs.ESUCCESS && merr != defs.EUNMAPFIRST {
			reply.Reply(kcap.Reply{Err: int32(merr)})
			return Result{Outcome: Replied, Err: merr}
		}
		reply.Reply(kcap.Reply{Err: int32(defs.ESUCCESS)})
		return Result{Outcome: Replied, Err: defs.ESUCCESS}

	case window.ModeExternalPager:
		return Result{
			Outcome:     Delegated,
			WindowID:    w.ID,
			PagerPID:    w.Mode.PagerPID,
			PagerNotify: w.Mode.PagerNotify,
			FaultOffset: winOff,
		}

	default:
		reply.Reply(kcap.Reply{Err: int32(defs.EINVALIDWINDOW)})
		return Result{Outcome: Replied, Err: defs.EINVALIDWINDOW}
	}
}
