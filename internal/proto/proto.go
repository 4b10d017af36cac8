// Package proto defines the message labels and argument layout the
// dispatch loop uses to route an incoming kcap.Message to a
// rsrv.Server operation: each label corresponds 1:1 to one row of the
// process/memory/dataspace/nameserv operation tables. Args[0] is
// always the calling process's PID — the stand-in for the per-client
// session badge a real seL4 server would derive from the endpoint cap
// the message arrived on.
package proto

// Label selects which server operation a Message invokes.
type Label uint32

const (
	_ Label = iota

	LabelNewProc
	LabelExit
	LabelSetParamBuffer
	LabelWatchClient
	LabelUnwatchClient

	LabelCreateWindow
	LabelDeleteWindow
	LabelResizeWindow
	LabelGetWindow
	LabelRegisterPager
	LabelUnregisterPager
	LabelWindowMap

	LabelOpenDataspace
	LabelCloseDataspace
	LabelGetSize
	LabelExpand
	LabelDataMap
	LabelDataUnmap
	LabelHaveData
	LabelUnhaveData
	LabelProvideData

	LabelNameRegister
	LabelNameUnregister
	LabelNameResolve

	LabelFault
)
