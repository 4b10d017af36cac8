// Package watch implements the per-process client-watch list: the
// bookkeeping a process keeps to be told when some other process it
// cares about dies. Grounded on the original RefOS process server's
// proc_client_watch.c, whose cvector-pair-of-(pid, notify-endpoint)
// list this package reduces to a single map, since Go has no cslot
// cost to amortize by batching frees.
package watch

import (
	"sync"

	"refos/internal/defs"
	"refos/internal/kcap"
	"refos/internal/ring"
)

// List is one process's watch list: for each watched pid, the notifier
// to signal and the ring record to append when that pid dies.
type List struct {
	mu      sync.Mutex
	entries map[defs.Pid_t]*kcap.Notifier
}

// New returns an empty watch list.
func New() *List {
	return &List{entries: make(map[defs.Pid_t]*kcap.Notifier)}
}

// Watch starts (or replaces) a watch on pid, to be signalled via notify
// when pid dies.
func (l *List) Watch(pid defs.Pid_t, notify *kcap.Notifier) defs.Err_t {
	if notify == nil {
		return defs.EINVALIDPARAM
	}
	l.mu.Lock()
	l.entries[pid] = notify
	l.mu.Unlock()
	return defs.ESUCCESS
}

// Unwatch stops watching pid, if it was being watched.
func (l *List) Unwatch(pid defs.Pid_t) {
	l.mu.Lock()
	delete(l.entries, pid)
	l.mu.Unlock()
}

// Get returns the notifier registered for pid, if any.
func (l *List) Get(pid defs.Pid_t) (*kcap.Notifier, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.entries[pid]
	return n, ok
}

// Release drops every watch, for use when the owning process exits.
func (l *List) Release() {
	l.mu.Lock()
	l.entries = make(map[defs.Pid_t]*kcap.Notifier)
	l.mu.Unlock()
}

// NotifyDeath appends a death record for deathPID to watcherRing (the
// watching process's own notification ring) and signals notify, then
// stops the watch — mirroring client_watch_notify_death_callback,
// which writes the notification, wakes the pager, then unwatches in
// one step. A process never notifies itself of its own death.
func NotifyDeath(l *List, watcherPID, deathPID defs.Pid_t, watcherRing *ring.Ring) defs.Err_t {
	if watcherPID == deathPID {
		return defs.ESUCCESS
	}
	notify, ok := l.Get(deathPID)
	if !ok {
		return defs.ESUCCESS
	}
	if watcherRing == nil {
		return defs.ENOPARAMBUFFER
	}
	err := watcherRing.Write(ring.Record{
		Magic: ring.Magic,
		Label: ring.LabelDeath,
		Args:  [7]uint64{uint64(deathPID)},
	})
	if err != defs.ESUCCESS {
		return err
	}
	notify.Signal()
	l.Unwatch(deathPID)
	return defs.ESUCCESS
}
