package main

import (
	"refos/internal/defs"
	"refos/internal/kcap"
	"refos/internal/proto"
	"refos/internal/rsrv"
)

// dispatch routes one received message to the matching rsrv.Server
// operation and answers it. Args[0] is always the calling PID, per
// proto's convention. Handlers that can suspend or delegate (fault,
// content-init) take the reply handle themselves and are responsible
// for answering it; every other handler is answered here once its
// call returns.
func dispatch(s *rsrv.Server, msg kcap.Message) {
	label := proto.Label(msg.Label)
	reply := kcap.SaveReply(msg)
	caller := defs.Pid_t(msg.Args[0])

	switch label {
	case proto.LabelNewProc:
		nameLen := int(msg.Args[1])
		block := msg.Args[2] != 0
		name, err := s.ReadParamString(caller, nameLen)
		if err != defs.ESUCCESS {
			reply.Reply(kcap.Reply{Err: int32(err)})
			return
		}
		if block {
			childPID, err := s.NewProcBlocking(caller, name, reply)
			if err != defs.ESUCCESS {
				reply.Reply(kcap.Reply{Err: int32(err)})
				return
			}
			_ = childPID
			return // reply deferred to child's exit
		}
		childPID, err := s.CreateProcess(caller, name)
		reply.Reply(kcap.Reply{Err: int32(err), Vals: [4]uint64{uint64(childPID)}})

	case proto.LabelExit:
		status := int32(msg.Args[1])
		err := s.Exit(caller, status)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelSetParamBuffer:
		dsID := defs.DspaceID(msg.Args[1])
		err := s.SetParamBuffer(caller, dsID)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelWatchClient:
		target := defs.Pid_t(msg.Args[1])
		err := s.WatchClient(caller, target, kcap.NewNotifier())
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelUnwatchClient:
		target := defs.Pid_t(msg.Args[1])
		err := s.UnwatchClient(caller, target)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelCreateWindow:
		vaddr := uintptr(msg.Args[1])
		size := uintptr(msg.Args[2])
		perm := defs.Perm_t(msg.Args[3])
		cacheable := msg.Args[4] != 0
		winID, err := s.CreateWindow(caller, vaddr, size, perm, cacheable)
		reply.Reply(kcap.Reply{Err: int32(err), Vals: [4]uint64{uint64(winID)}})

	case proto.LabelDeleteWindow:
		winID := defs.WinID(msg.Args[1])
		err := s.DeleteWindow(caller, winID)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelResizeWindow:
		winID := defs.WinID(msg.Args[1])
		newSize := uintptr(msg.Args[2])
		err := s.ResizeWindow(caller, winID, newSize)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelGetWindow:
		vaddr := uintptr(msg.Args[1])
		w, err := s.GetWindow(caller, vaddr)
		var winID uint64
		if w != nil {
			winID = uint64(w.ID)
		}
		reply.Reply(kcap.Reply{Err: int32(err), Vals: [4]uint64{winID}})

	case proto.LabelRegisterPager:
		winID := defs.WinID(msg.Args[1])
		err := s.RegisterPager(caller, winID, kcap.NewNotifier())
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelUnregisterPager:
		winID := defs.WinID(msg.Args[1])
		err := s.UnregisterPager(caller, winID)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelWindowMap:
		winID := defs.WinID(msg.Args[1])
		winOffset := uintptr(msg.Args[2])
		srcAddr := uintptr(msg.Args[3])
		err := s.WindowMap(caller, winID, winOffset, srcAddr)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelOpenDataspace:
		size := int(msg.Args[1])
		perm := defs.Perm_t(msg.Args[2])
		dsID, err := s.OpenDataspace(size, perm)
		reply.Reply(kcap.Reply{Err: int32(err), Vals: [4]uint64{uint64(dsID)}})

	case proto.LabelCloseDataspace:
		dsID := defs.DspaceID(msg.Args[1])
		err := s.CloseDataspace(dsID)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelGetSize:
		dsID := defs.DspaceID(msg.Args[1])
		size, err := s.GetSize(dsID)
		reply.Reply(kcap.Reply{Err: int32(err), Vals: [4]uint64{uint64(size)}})

	case proto.LabelExpand:
		dsID := defs.DspaceID(msg.Args[1])
		newSize := int(msg.Args[2])
		err := s.Expand(dsID, newSize)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelDataMap:
		dsID := defs.DspaceID(msg.Args[1])
		winID := defs.WinID(msg.Args[2])
		offset := uintptr(msg.Args[3])
		err := s.DataMap(dsID, winID, offset)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelDataUnmap:
		winID := defs.WinID(msg.Args[1])
		err := s.DataUnmap(winID)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelHaveData:
		dsID := defs.DspaceID(msg.Args[1])
		err := s.HaveData(dsID, kcap.NewNotifier(), caller)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelUnhaveData:
		dsID := defs.DspaceID(msg.Args[1])
		err := s.UnhaveData(dsID)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelProvideData:
		dsID := defs.DspaceID(msg.Args[1])
		offset := uintptr(msg.Args[2])
		size := int(msg.Args[3])
		data, rerr := s.ReadParamString(caller, size)
		if rerr != defs.ESUCCESS {
			reply.Reply(kcap.Reply{Err: int32(rerr)})
			return
		}
		err := s.ProvideData(dsID, offset, []byte(data))
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelNameRegister:
		segLen := int(msg.Args[1])
		seg, rerr := s.ReadParamString(caller, segLen)
		if rerr != defs.ESUCCESS {
			reply.Reply(kcap.Reply{Err: int32(rerr)})
			return
		}
		s.Register(seg, kcap.NewEndpoint(16), caller)
		reply.Reply(kcap.Reply{Err: int32(defs.ESUCCESS)})

	case proto.LabelNameUnregister:
		segLen := int(msg.Args[1])
		seg, rerr := s.ReadParamString(caller, segLen)
		if rerr != defs.ESUCCESS {
			reply.Reply(kcap.Reply{Err: int32(rerr)})
			return
		}
		err := s.Unregister(seg)
		reply.Reply(kcap.Reply{Err: int32(err)})

	case proto.LabelNameResolve:
		pathLen := int(msg.Args[1])
		path, rerr := s.ReadParamString(caller, pathLen)
		if rerr != defs.ESUCCESS {
			reply.Reply(kcap.Reply{Err: int32(rerr)})
			return
		}
		_, consumed, ok := s.Resolve(path)
		if !ok {
			reply.Reply(kcap.Reply{Err: int32(defs.EFILENOTFOUND)})
			return
		}
		reply.Reply(kcap.Reply{Err: int32(defs.ESUCCESS), Vals: [4]uint64{uint64(consumed)}})

	case proto.LabelFault:
		faultAddr := uintptr(msg.Args[1])
		iswrite := msg.Args[2] != 0
		// HandleFault owns reply on every outcome, including Delegated.
		s.HandleFault(caller, faultAddr, iswrite, reply)

	default:
		reply.Reply(kcap.Reply{Err: int32(defs.EUNIMPLEMENTED)})
	}
}
