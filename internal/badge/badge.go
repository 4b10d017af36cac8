// Package badge classifies an incoming IPC's unwrapped badge into the
// kind of object it targets, following the original RefOS badge.h:
// badge ranges are disjoint and partition incoming IPCs into
// PID, PID-liveness, window, dataspace, async-notification and
// client-session kinds.
package badge

// Kind identifies which badge range an unwrapped badge falls in.
type Kind int

const (
	KindUnknown Kind = iota
	KindPID
	KindLiveness
	KindWindow
	KindDataspace
	KindAsyncNotify
	KindClientSession
)

func (k Kind) String() string {
	switch k {
	case KindPID:
		return "pid"
	case KindLiveness:
		return "liveness"
	case KindWindow:
		return "window"
	case KindDataspace:
		return "dataspace"
	case KindAsyncNotify:
		return "async-notify"
	case KindClientSession:
		return "client-session"
	default:
		return "unknown"
	}
}

// Base offsets for each badge range. Each range is wide enough that no
// plausible id count from internal/limits overflows into the next
// range; Classify relies solely on this ordering, never on a stored
// side-table.
const (
	rangeWidth = 1 << 40

	PidBase           uint64 = 1 * rangeWidth
	LivenessBase      uint64 = 2 * rangeWidth
	WindowBase        uint64 = 3 * rangeWidth
	DataspaceBase     uint64 = 4 * rangeWidth
	AsyncNotifyBase   uint64 = 5 * rangeWidth
	ClientSessionBase uint64 = 6 * rangeWidth
	maxBase           uint64 = 7 * rangeWidth
)

// Mint returns the badge for the given kind and object id. It panics if
// id does not fit within one badge range (a limits misconfiguration).
func Mint(k Kind, id uint64) uint64 {
	if id >= rangeWidth {
		panic("badge: id overflows its range")
	}
	return baseOf(k) + id
}

func baseOf(k Kind) uint64 {
	switch k {
	case KindPID:
		return PidBase
	case KindLiveness:
		return LivenessBase
	case KindWindow:
		return WindowBase
	case KindDataspace:
		return DataspaceBase
	case KindAsyncNotify:
		return AsyncNotifyBase
	case KindClientSession:
		return ClientSessionBase
	default:
		panic("badge: mint of unknown kind")
	}
}

// Classify unwraps a raw badge into its kind and the object id within
// that kind's range. The dispatch loop (internal/rsrv) uses this
// classification only for its debug log; cmd/procsrv's dispatch routes
// a message by its label alone and does not read the badge.
func Classify(raw uint64) (Kind, uint64) {
	switch {
	case raw >= PidBase && raw < LivenessBase:
		return KindPID, raw - PidBase
	case raw >= LivenessBase && raw < WindowBase:
		return KindLiveness, raw - LivenessBase
	case raw >= WindowBase && raw < DataspaceBase:
		return KindWindow, raw - WindowBase
	case raw >= DataspaceBase && raw < AsyncNotifyBase:
		return KindDataspace, raw - DataspaceBase
	case raw >= AsyncNotifyBase && raw < ClientSessionBase:
		return KindAsyncNotify, raw - AsyncNotifyBase
	case raw >= ClientSessionBase && raw < maxBase:
		return KindClientSession, raw - ClientSessionBase
	default:
		return KindUnknown, 0
	}
}
