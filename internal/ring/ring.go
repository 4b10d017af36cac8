// Package ring implements the MC-ring-buffer notification channel:
// two shared metadata words (start, end) followed by a byte ring, laid
// out over a RAM dataspace. Each side caches its own
// index locally and re-reads the other side's index from shared
// memory only on apparent empty (reader) or full (writer), the same
// "don't bounce the cache line every op" idiom as biscuit's
// circbuf.Circbuf_t — adapted here to genuinely cross a shared-memory
// boundary instead of backing a single in-process buffer.
package ring

import (
	"encoding/binary"

	"refos/internal/dataspace"
	"refos/internal/defs"
)

// Record is the fixed-format notification record: a magic, a label
// selecting the recipient-side handler, and seven argument words.
// Argument layouts, as written by their producers:
//   - LabelFaultDelegation (rsrv.HandleFault): Args[0] faulting pid,
//     Args[1] window id, Args[2] fault offset within the window.
//   - LabelContentInit (rsrv.HandleFault): Args[0] dataspace id,
//     Args[1] page-aligned offset into the dataspace.
//   - LabelDeath (watch.NotifyDeath): Args[0] pid of the dead process.
type Record struct {
	Magic uint32
	Label uint32
	Args  [7]uint64
}

const (
	Magic uint32 = 0x5245464f // "REFO"

	LabelFaultDelegation uint32 = 1
	LabelContentInit     uint32 = 2
	LabelDeath           uint32 = 3
)

// RecordSize is the wire size of one Record: magic(4) + label(4) + 7*8.
const RecordSize = 4 + 4 + 7*8

const metaSize = 16 // two uint64 shared words: start (offset 0), end (offset 8)

func encode(r Record) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], r.Label)
	for i, a := range r.Args {
		binary.LittleEndian.PutUint64(buf[8+8*i:16+8*i], a)
	}
	return buf
}

func decode(buf []byte) Record {
	var r Record
	r.Magic = binary.LittleEndian.Uint32(buf[0:4])
	r.Label = binary.LittleEndian.Uint32(buf[4:8])
	for i := range r.Args {
		r.Args[i] = binary.LittleEndian.Uint64(buf[8+8*i : 16+8*i])
	}
	return r
}

// Ring is a single-writer/single-reader notification ring laid over a
// dataspace. It holds a shared-ref to the backing dataspace: deleting
// that dataspace while a live Ring exists is an invariant violation
// the caller must avoid.
type Ring struct {
	ds      *dataspace.Dataspace
	dsTable *dataspace.Table
	bufsz   int

	head       uint64 // writer-local: total bytes ever appended
	cachedTail uint64 // writer's cached view of the reader's position

	tail       uint64 // reader-local: total bytes ever consumed
	cachedHead uint64 // reader's cached view of the writer's position
}

// New wraps ds (already size-checked by the caller against
// limits.Ringbufpages) as a ring buffer. The caller must have taken a
// reference on ds via dsTable.Ref.
func New(dsTable *dataspace.Table, ds *dataspace.Dataspace) *Ring {
	return &Ring{
		ds:      ds,
		dsTable: dsTable,
		bufsz:   dsTable.Size(ds) - metaSize,
	}
}

// Dataspace returns the backing dataspace, e.g. for refcount bookkeeping
// by the owning PCB.
func (r *Ring) Dataspace() *dataspace.Dataspace { return r.ds }

func (r *Ring) readWord(off int) uint64 {
	var b [8]byte
	r.dsTable.Read(r.ds, uintptr(off), b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (r *Ring) writeWord(off int, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	r.dsTable.Write(r.ds, uintptr(off), b[:])
}

// Write appends one record. It returns ENOMEM if the ring has no room
// even after re-reading the reader's published position.
func (r *Ring) Write(rec Record) defs.Err_t {
	payload := encode(rec)
	n := uint64(len(payload))

	free := uint64(r.bufsz) - (r.head - r.cachedTail)
	if free < n {
		r.cachedTail = r.readWord(0) // re-read shared "start"
		free = uint64(r.bufsz) - (r.head - r.cachedTail)
		if free < n {
			return defs.ENOMEM
		}
	}

	off := int(r.head % uint64(r.bufsz))
	r.writeRing(off, payload)
	r.head += n
	r.writeWord(8, r.head) // publish "end"
	return defs.ESUCCESS
}

func (r *Ring) writeRing(off int, data []byte) {
	first := r.bufsz - off
	if first >= len(data) {
		r.dsTable.Write(r.ds, uintptr(metaSize+off), data)
		return
	}
	r.dsTable.Write(r.ds, uintptr(metaSize+off), data[:first])
	r.dsTable.Write(r.ds, uintptr(metaSize), data[first:])
}

func (r *Ring) readRing(off, n int) []byte {
	out := make([]byte, n)
	first := r.bufsz - off
	if first >= n {
		r.dsTable.Read(r.ds, uintptr(metaSize+off), out)
		return out
	}
	r.dsTable.Read(r.ds, uintptr(metaSize+off), out[:first])
	r.dsTable.Read(r.ds, uintptr(metaSize), out[first:])
	return out
}

// Read consumes one record, or returns ok=false if the ring is empty
// even after re-reading the writer's published position.
func (r *Ring) Read() (Record, bool) {
	used := r.cachedHead - r.tail
	if used < RecordSize {
		r.cachedHead = r.readWord(8) // re-read shared "end"
		used = r.cachedHead - r.tail
		if used < RecordSize {
			return Record{}, false
		}
	}

	off := int(r.tail % uint64(r.bufsz))
	buf := r.readRing(off, RecordSize)
	r.tail += RecordSize
	r.writeWord(0, r.tail) // publish "start"
	return decode(buf), true
}
