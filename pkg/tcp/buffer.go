package tcp

import (
	"sync"
)

// BufferSize is the fixed ring size for both send and receive buffers:
// a window is advertised as a uint16 on the wire, so occupancy is tracked
// via the UNA/NXT/NBW counters directly and the backing array is sized
// at 65536 with the advertised window capped at the uint16 max.
const BufferSize = 1 << 16

// SendBuffer is a fixed ring: monotonically advancing UNA <= NXT <= NBW
// track, respectively, the oldest unacked byte, the next byte to send,
// and the next free slot for the application to write into.
type SendBuffer struct {
	mu       sync.Mutex
	canWrite *sync.Cond // wakes Write() when free space grows, or on shutdown
	canSend  *sync.Cond // wakes the sender task when there's something to send, or on shutdown

	buf [BufferSize]byte

	una uint32
	nxt uint32
	nbw uint32
	wnd uint32 // last-known peer-advertised window

	stopped bool

	rq *RetransmissionQueue
}

// NewSendBuffer returns a send buffer whose application sequence space
// starts at isn (the byte immediately after the SYN). UNA starts one
// behind NXT/NBW so the SYN's own sequence slot is still outstanding:
// the peer's ack of the SYN (ack=isn) must satisfy una < ack <= nxt.
func NewSendBuffer(isn uint32, rq *RetransmissionQueue) *SendBuffer {
	b := &SendBuffer{una: isn - 1, nxt: isn, nbw: isn, wnd: BufferSize - 1, rq: rq}
	b.canWrite = sync.NewCond(&b.mu)
	b.canSend = sync.NewCond(&b.mu)
	return b
}

func idx(seq uint32) uint32 { return seq % BufferSize }

// Write copies data into the buffer starting at NBW, blocking while there
// is no free space. Returns tcperr.Closing if shut down while blocked.
func (b *SendBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for written < len(data) {
		for !b.stopped && b.free() == 0 {
			b.canWrite.Wait()
		}
		if b.stopped {
			if written > 0 {
				return written, nil
			}
			return 0, errClosing
		}
		n := b.writeLocked(data[written:])
		written += n
		b.canSend.Broadcast()
	}
	return written, nil
}

func (b *SendBuffer) free() uint32 {
	return BufferSize - (b.nbw - b.una)
}

func (b *SendBuffer) writeLocked(data []byte) int {
	n := uint32(len(data))
	if avail := b.free(); n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	start := idx(b.nbw)
	if start+n <= BufferSize {
		copy(b.buf[start:start+n], data[:n])
	} else {
		first := BufferSize - start
		copy(b.buf[start:], data[:first])
		copy(b.buf[:n-first], data[first:n])
	}
	b.nbw += n
	return int(n)
}

// CanSend reports how many bytes are eligible to send right now:
// min(peer window minus in-flight, unsent application bytes).
func (b *SendBuffer) CanSend() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canSendLocked()
}

func (b *SendBuffer) canSendLocked() uint32 {
	inFlight := b.nxt - b.una
	var byWindow uint32
	if b.wnd > inFlight {
		byWindow = b.wnd - inFlight
	}
	unsent := b.nbw - b.nxt
	if byWindow < unsent {
		return byWindow
	}
	return unsent
}

// ReadForSend blocks until there is at least one byte eligible to send (or
// shutdown), then advances NXT by up to maxLen bytes and returns their
// sequence number and a copy of their bytes.
func (b *SendBuffer) ReadForSend(maxLen uint32) (seq uint32, data []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.stopped && b.canSendLocked() == 0 {
		b.canSend.Wait()
	}
	if b.stopped {
		return 0, nil, false
	}

	n := b.canSendLocked()
	if n > maxLen {
		n = maxLen
	}
	seq = b.nxt
	out := make([]byte, n)
	start := idx(seq)
	if start+n <= BufferSize {
		copy(out, b.buf[start:start+n])
	} else {
		first := BufferSize - start
		copy(out, b.buf[start:])
		copy(out[first:], b.buf[:n-first])
	}
	b.nxt += n
	return seq, out, true
}

// OnAck applies an incoming ack/window update. Accepts ack only if UNA < ack <= NXT. wnd is the
// advertised window of the segment carrying this ack; WND is taken from
// the segment carrying the highest ack seen so far (ack == UNA after this
// call), and a segment with an older ack leaves WND unchanged.
func (b *SendBuffer) OnAck(ack uint32, wnd uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldWnd := b.wnd
	accepted := false
	if ack-b.una-1 < b.nxt-b.una { // equivalent to: una < ack <= nxt, mod-safe
		b.una = ack
		accepted = true
	}
	if ack == b.una {
		b.wnd = wnd
	}

	if accepted {
		b.rq.RemoveAcked(ack)
		b.canWrite.Broadcast()
	}
	if oldWnd == 0 && b.wnd > 0 {
		b.rq.OnWindowOpened()
		b.canSend.Broadcast()
	}
	if accepted {
		b.canSend.Broadcast()
	}
}

// Window returns the last-known peer-advertised window.
func (b *SendBuffer) Window() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wnd
}

// UNA returns the current send-unacknowledged sequence number.
func (b *SendBuffer) UNA() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.una
}

// NXT returns SND.NXT, the next sequence number to be sent.
func (b *SendBuffer) NXT() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nxt
}

// PeekByte reads one unacknowledged-and-sendable byte at offset 0 past
// NXT without advancing NXT, for the zero-window probe. Returns ok=false
// if there is nothing queued to send.
func (b *SendBuffer) PeekByte() (seq uint32, by byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nbw == b.nxt {
		return 0, 0, false
	}
	return b.nxt, b.buf[idx(b.nxt)], true
}

// AdvancePastProbe advances NXT by one past a successfully-probed byte,
// used after a zero-window probe is acknowledged.
func (b *SendBuffer) AdvancePastProbe(probeSeq uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nxt == probeSeq {
		b.nxt++
	}
}

// MarkFin reserves the FIN's virtual one-byte sequence slot: it returns
// the sequence number the FIN is sent at (the current NXT) and advances
// both NXT and NBW past it, so the peer's ack of the FIN satisfies the
// same una < ack <= nxt gate OnAck applies to data.
func (b *SendBuffer) MarkFin() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.nxt
	b.nxt++
	b.nbw++
	return seq
}

// Shutdown marks the buffer stopped and wakes every waiter.
func (b *SendBuffer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.canWrite.Broadcast()
	b.canSend.Broadcast()
}

// RecvBuffer is a fixed ring: NBR <= NXT track the next byte to deliver
// to the application and the first byte not yet in-order, with
// out-of-order arrivals tracked by an interval set merged on every write.
type RecvBuffer struct {
	mu       sync.Mutex
	canRead  *sync.Cond
	buf      [BufferSize]byte
	nbr      uint32
	nxt      uint32
	ivs      intervalSet
	stopped  bool
	closingOnDrain bool // CloseWait: readers after drain get Closing
}

// NewRecvBuffer returns a receive buffer whose sequence space starts at
// peerISN+1 (the first byte of application data).
func NewRecvBuffer(start uint32) *RecvBuffer {
	b := &RecvBuffer{nbr: start, nxt: start}
	b.canRead = sync.NewCond(&b.mu)
	return b
}

// Window returns the currently advertised receive window.
func (b *RecvBuffer) Window() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.windowLocked()
}

func (b *RecvBuffer) windowLocked() uint32 {
	w := BufferSize - (b.nxt - b.nbr)
	if w > 0xffff {
		w = 0xffff
	}
	return w
}

// NXT returns RCV.NXT, the next expected in-order sequence number.
func (b *RecvBuffer) NXT() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nxt
}

// OnRecv applies an inbound segment "Receive": overlap
// trimming for old data, in-order write plus interval-set merge, or
// early-arrival storage. Returns the new RCV.NXT to ack.
func (b *RecvBuffer) OnRecv(seq uint32, payload []byte) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(payload) == 0 {
		return b.nxt
	}

	end := seq + uint32(len(payload))
	if seqBefore(end, b.nxt) || end == b.nxt { // entirely old, already delivered
		return b.nxt
	}

	switch {
	case seqBefore(seq, b.nxt):
		// Overlap: skip the already-delivered prefix.
		skip := b.nxt - seq
		if skip >= uint32(len(payload)) {
			return b.nxt
		}
		payload = payload[skip:]
		seq = b.nxt
		fallthrough
	case seq == b.nxt:
		b.writeLocked(seq, payload)
		newEnd := seq + uint32(len(payload))
		merged := b.ivs.mergeRemove(interval{begin: seq, end: newEnd})
		b.nxt = merged
		b.canRead.Broadcast()
	default: // seq > nxt: early arrival
		b.writeLocked(seq, payload)
		b.ivs.emplaceMerge(interval{begin: seq, end: seq + uint32(len(payload))})
	}
	return b.nxt
}

func seqBefore(a, b uint32) bool { return int32(a-b) < 0 }

func (b *RecvBuffer) writeLocked(seq uint32, payload []byte) {
	n := uint32(len(payload))
	start := idx(seq)
	if start+n <= BufferSize {
		copy(b.buf[start:start+n], payload)
	} else {
		first := BufferSize - start
		copy(b.buf[start:], payload[:first])
		copy(b.buf[:n-first], payload[first:])
	}
}

// Read copies up to len(out) contiguous, in-order bytes into out,
// blocking while none are available. Returns tcperr.Closing on shutdown,
// or on CloseWait-after-drain "Passive close".
func (b *RecvBuffer) Read(out []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.stopped && b.nxt == b.nbr {
		if b.closingOnDrain {
			return 0, errClosing
		}
		b.canRead.Wait()
	}
	if b.stopped {
		return 0, errClosing
	}

	n := b.nxt - b.nbr
	if uint32(len(out)) < n {
		n = uint32(len(out))
	}
	start := idx(b.nbr)
	if start+n <= BufferSize {
		copy(out, b.buf[start:start+n])
	} else {
		first := BufferSize - start
		copy(out, b.buf[start:])
		copy(out[first:], b.buf[:n-first])
	}
	b.nbr += n
	return int(n), nil
}

// MarkClosingOnDrain arranges for Read to return Closing once the
// buffer has been fully drained, for CLOSE_WAIT sockets.
func (b *RecvBuffer) MarkClosingOnDrain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closingOnDrain = true
	b.canRead.Broadcast()
}

// Shutdown marks the buffer stopped and wakes every waiter.
func (b *RecvBuffer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.canRead.Broadcast()
}
