// Package process implements the process control block: the per-PID
// record tying together a vspace, its threads, its optional
// notification ring and param-buffer dataspace, and its exit state.
// Thread bookkeeping is grounded on biscuit's tinfo.Threadinfo_t /
// Tnote_t (a map of live thread notes guarded by one mutex); resource
// accounting is grounded on biscuit's accnt.Accnt_t (atomic counters
// behind a snapshotting Fetch).
package process

import (
	"sync"
	"sync/atomic"
	"time"

	"refos/internal/dataspace"
	"refos/internal/defs"
	"refos/internal/kcap"
	"refos/internal/ring"
	"refos/internal/vspace"
	"refos/internal/watch"
)

// Thread is one schedulable thread within a process. RefOS's process
// server only ever creates a thread's first incarnation itself; later
// threads are a client-side concern, so Thread here is deliberately
// thin — alive/doomed bookkeeping only, the way
// tinfo.Tnote_t carries only what the scheduler needs.
type Thread struct {
	TID    defs.Tid_t
	Alive  bool
	Doomed bool
}

// Accnt accumulates user/system time for a process, mirroring
// accnt.Accnt_t's nanosecond counters and locked snapshot.
type Accnt struct {
	mu     sync.Mutex
	Userns int64
	Sysns  int64
}

func (a *Accnt) Utadd(delta int64)  { atomic.AddInt64(&a.Userns, delta) }
func (a *Accnt) Systadd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

// Snapshot returns a consistent (Userns, Sysns) pair.
func (a *Accnt) Snapshot() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}

// ExitStatus records how a process ended.
type ExitStatus struct {
	Exited bool
	Code   int32
	When   time.Time
}

// PCB is the process control block: the per-process record.
type PCB struct {
	PID       defs.Pid_t
	ParentPID defs.Pid_t // weak; 0 means "no parent" (e.g. the root process)
	Name      string

	mu      sync.Mutex
	threads map[defs.Tid_t]*Thread
	nextTID defs.Tid_t

	VSpace *vspace.VSpace

	// ParamBuffer is the client-supplied dataspace used to pass
	// variable-length syscall arguments too large for the fixed IPC
	// message registers (e.g. a path string). Nil if unset.
	ParamBuffer   *dataspace.Dataspace
	ParamBufferID defs.DspaceID

	// Ring is this process's own notification ring. Nil until assigned;
	// no internal/rsrv operation creates one, so pager, content-init
	// and death records are only delivered once a ring has been set.
	Ring *ring.Ring

	// DevicePerm records the privileged operations (device-frame
	// mapping, IRQ registration, IO-port access) this process may
	// invoke. No internal/rsrv operation checks it.
	DevicePerm defs.Perm_t

	// SavedReply is a slot for the reply capability of a syscall this
	// PCB's thread is blocked on. internal/rsrv does not use it: it parks
	// delegated faults in its own pending-fault table and content-init
	// waiters in the dataspace.
	SavedReply *kcap.ReplyHandle

	Watchers *watch.List

	Accnt Accnt

	Exit          ExitStatus
	ParentWaiting bool

	// ParentReply holds a blocked parent's reply capability when
	// new_proc was called with block=true: answered with this
	// process's exit status once it exits.
	ParentReply *kcap.ReplyHandle
}

// New creates a fresh, unslotted PCB for pid. Prefer Init when writing
// into a slot pidtab already owns, since PCB embeds mutexes that must
// never be copied once initialized.
func New(pid, parent defs.Pid_t, name string, vs *vspace.VSpace) *PCB {
	p := &PCB{}
	Init(p, pid, parent, name, vs)
	return p
}

// Init populates p in place — used directly on a pidtab slot pointer
// so a PCB's embedded mutexes are never copied by value.
func Init(p *PCB, pid, parent defs.Pid_t, name string, vs *vspace.VSpace) {
	p.PID = pid
	p.ParentPID = parent
	p.Name = name
	p.threads = make(map[defs.Tid_t]*Thread)
	p.nextTID = 1
	p.VSpace = vs
	p.Watchers = watch.New()
}

// SpawnThread allocates a new thread note for this process. The
// process server's first thread is created alongside the PCB itself
// by the caller invoking SpawnThread once immediately after New,
// mirroring "first thread's lifetime == PCB's lifetime".
func (p *PCB) SpawnThread() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &Thread{TID: p.nextTID, Alive: true}
	p.threads[t.TID] = t
	p.nextTID++
	return t
}

// KillThread marks a thread as no longer alive.
func (p *PCB) KillThread(tid defs.Tid_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.threads[tid]; ok {
		t.Alive = false
	}
}

// LiveThreadCount returns how many threads are still alive.
func (p *PCB) LiveThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.threads {
		if t.Alive {
			n++
		}
	}
	return n
}

// SetParamBuffer installs (or clears, when ds is nil) the process's
// param buffer dataspace.
func (p *PCB) SetParamBuffer(ds *dataspace.Dataspace, id defs.DspaceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ParamBuffer = ds
	p.ParamBufferID = id
}

// MarkExited records the process's exit status. The caller still owns
// running the teardown sequence (release ring, param buffer, vspace,
// watchers); MarkExited only updates bookkeeping observable by a
// parent blocked in wait.
func (p *PCB) MarkExited(code int32, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Exit = ExitStatus{Exited: true, Code: code, When: now}
}
