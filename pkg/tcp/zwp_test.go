package tcp

import (
	"context"
	"testing"
	"time"

	"vnet/pkg/iptcputil"
)

// TestZeroWindowProbeAdvancesPastProbedByte guards against sendOneByte
// tracking a probe in the retransmission queue without ever advancing
// NXT past it: without that advance, the peer's ack of the probed byte
// (seq+1) is rejected by OnAck's una < ack <= nxt gate and the byte is
// resent once normal sending resumes.
func TestZeroWindowProbeAdvancesPastProbedByte(t *testing.T) {
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	sb := NewSendBuffer(0, rq)
	sb.OnAck(0, 0) // peer advertises a zero window
	sb.Write([]byte("x"))

	seq, by, ok := sb.PeekByte()
	if !ok {
		t.Fatalf("expected a byte to probe")
	}
	rq.Track(seq, []byte{by}, 0, time.Now())
	sb.AdvancePastProbe(seq)

	sb.OnAck(seq+1, 1000)
	if !rq.Empty() {
		t.Fatalf("expected probe retransmission entry removed after ack")
	}
	if sb.UNA() != seq+1 {
		t.Fatalf("expected UNA=%d, got %d", seq+1, sb.UNA())
	}
}

// TestZeroWindowProbeRunSendsWhileWindowClosed exercises Run end to end
// with a tiny baseRTO: while the window stays at zero and data is
// queued, it must eventually invoke sendOne at least once.
func TestZeroWindowProbeRunSendsWhileWindowClosed(t *testing.T) {
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	sb := NewSendBuffer(0, rq)
	sb.OnAck(0, 0)
	sb.Write([]byte("x"))

	sent := make(chan uint32, 8)
	probe := newZeroWindowProbe(sb, func(seq uint32, by byte) {
		rq.Track(seq, []byte{by}, 0, time.Now())
		sb.AdvancePastProbe(seq)
		sent <- seq
	}, func() {}, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go probe.Run(ctx)

	select {
	case seq := <-sent:
		if seq != 0 {
			t.Fatalf("expected probe at seq 0, got %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("zero-window probe never fired")
	}
}

// TestPeekByteNothingToProbeWithoutQueuedData confirms PeekByte reports
// nothing to probe when the window is open and no data is queued. It also
// checks the iptcputil flag aliases used by the rest of the FSM.
func TestPeekByteNothingToProbeWithoutQueuedData(t *testing.T) {
	if iptcputil.FlagAck == 0 {
		t.Fatalf("sanity check: FlagAck must be nonzero")
	}
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	sb := NewSendBuffer(0, rq)
	sb.OnAck(0, 10) // window already open
	seq, _, ok := sb.PeekByte()
	if ok {
		t.Fatalf("expected nothing to probe with no data queued, got seq %d", seq)
	}
}
