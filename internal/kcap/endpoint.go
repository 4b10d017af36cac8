package kcap

import "sync/atomic"

// Message is the reference encoding of a microkernel IPC: a badge
// (already unwrapped by the assumed kernel), a label selecting the
// syscall/fault/notification group, a handful of message registers,
// and an optional reply channel. A nil Reply channel means the
// message cannot be answered — e.g. a fixed-format notification
// record, which travels over a ring buffer rather than a synchronous
// endpoint.
type Message struct {
	Badge uint64
	Label uint32
	Args  [8]uint64
	Caps  []Cap
	reply chan Reply
}

// Reply is the synchronous answer to a Message.
type Reply struct {
	Err  int32
	Vals [4]uint64
	Caps []Cap
}

// Cap is an opaque transferred capability value (an extra cap slot in
// IPC terms). The process server only ever inspects Badge/Kind; the
// underlying object is owned by whichever in-process table minted it.
type Cap struct {
	Badge uint64
	Kind  uint8
}

// Endpoint is the server's single synchronous receive endpoint: a
// blocking receive on the server endpoint. Clients Call to send a
// Message and block for the matching Reply, or Send to deliver one
// with no reply expected.
type Endpoint struct {
	inbox chan Message
}

// NewEndpoint allocates a synchronous rendezvous endpoint with the
// given inbox depth (an unbuffered endpoint models a true seL4
// rendezvous; callers needing to queue ahead of the single-threaded
// receive loop may buffer).
func NewEndpoint(depth int) *Endpoint {
	return &Endpoint{inbox: make(chan Message, depth)}
}

// Call sends msg and blocks for the reply. It is the client-side
// primitive; the dispatch loop is the only reader of Recv().
func (e *Endpoint) Call(msg Message) Reply {
	rc := make(chan Reply, 1)
	msg.reply = rc
	e.inbox <- msg
	return <-rc
}

// Send delivers a message with no reply expected, e.g. a classified
// notification re-posted onto the same channel for uniform dispatch.
func (e *Endpoint) Send(msg Message) {
	msg.reply = nil
	e.inbox <- msg
}

// Recv is the dispatch loop's blocking receive.
func (e *Endpoint) Recv() Message {
	return <-e.inbox
}

// ReplyHandle is a saved reply capability: an owned, one-shot token
// captured from a Message that arrived with a reply channel. It is an
// RAII-shaped wrapper: Reply answers it once, Discard marks it used
// without answering, leaving the caller blocked on rc.
type ReplyHandle struct {
	rc   chan Reply
	used int32
}

// SaveReply captures msg's reply channel into an owned handle. It
// panics if msg cannot be replied to (a notification-shaped message),
// matching the kernel's own invariant that save-caller-reply requires
// a synchronous caller.
func SaveReply(msg Message) *ReplyHandle {
	if msg.reply == nil {
		panic("kcap: save reply of a non-replyable message")
	}
	return &ReplyHandle{rc: msg.reply}
}

// Reply answers the saved caller exactly once.
func (rh *ReplyHandle) Reply(r Reply) {
	if !atomic.CompareAndSwapInt32(&rh.used, 0, 1) {
		panic("kcap: reply capability used twice")
	}
	rh.rc <- r
}

// Discard cancels the saved reply without answering it. It is used for
// a permanently blocked fault and for content-init waiters dropped by
// UnhaveData or by destruction of their dataspace; the caller is never
// answered.
func (rh *ReplyHandle) Discard() {
	atomic.StoreInt32(&rh.used, 1)
}

// Notifier is an asynchronous notification endpoint: Signal coalesces
// like seL4 notification words (a pending signal absorbs further
// signals until consumed), and Chan delivers wakeups to whoever waits
// on it.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

func (n *Notifier) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *Notifier) Chan() <-chan struct{} {
	return n.ch
}
