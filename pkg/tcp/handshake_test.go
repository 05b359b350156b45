package tcp

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"vnet/pkg/ipnode"
	"vnet/pkg/iptcputil"
)

// TestSendBufferAcceptsAckOfSYN guards against una/nxt/nbw all starting
// at iss+1: the SYN's own sequence slot (tracked separately at iss) must
// still be outstanding so the peer's ack=iss+1 is accepted and the SYN's
// retransmission-queue entry is retired.
func TestSendBufferAcceptsAckOfSYN(t *testing.T) {
	const iss = uint32(1000)
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	rq.Track(iss, nil, iptcputil.FlagSyn, time.Now())

	sb := NewSendBuffer(iss+1, rq)
	sb.OnAck(iss+1, 1000)

	if !rq.Empty() {
		t.Fatalf("expected SYN retransmission entry removed after ack, queue still has entries")
	}
	if sb.UNA() != iss+1 {
		t.Fatalf("expected UNA=%d, got %d", iss+1, sb.UNA())
	}
}

// TestSendBufferMarkFinAdvancesSequenceSpace guards against VClose
// reading NXT for the FIN's sequence number without reserving it: the
// peer's ack of the FIN (finSeq+1) must be accepted by OnAck.
func TestSendBufferMarkFinAdvancesSequenceSpace(t *testing.T) {
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	sb := NewSendBuffer(0, rq)
	sb.OnAck(0, 1000)

	finSeq := sb.MarkFin()
	rq.Track(finSeq, nil, iptcputil.FlagFin, time.Now())

	sb.OnAck(finSeq+1, 1000)
	if !rq.Empty() {
		t.Fatalf("expected FIN retransmission entry removed after ack, queue still has entries")
	}
	if sb.UNA() != finSeq+1 {
		t.Fatalf("expected UNA=%d, got %d", finSeq+1, sb.UNA())
	}
}

func TestVCloseValidStates(t *testing.T) {
	for _, s := range []State{StateSynReceived, StateEstablished, StateCloseWait} {
		c := newTestSocketInState(s)
		if err := c.VClose(); err != nil {
			t.Fatalf("VClose from %s: unexpected error %v", s, err)
		}
	}
}

func TestVCloseInvalidStates(t *testing.T) {
	for _, s := range []State{StateClosed, StateListen, StateSynSent, StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateTimeWait} {
		c := newTestSocketInState(s)
		if err := c.VClose(); err == nil {
			t.Fatalf("VClose from %s: expected error, got nil", s)
		}
	}
}

// TestVCloseFromSynReceivedReachesFinWait1 exercises the full path a
// passive-side close takes before the final handshake ack ever arrives:
// VClose must be allowed and must land in FinWait1, not be rejected.
func TestVCloseFromSynReceivedReachesFinWait1(t *testing.T) {
	c := newTestSocketInState(StateSynReceived)
	if err := c.VClose(); err != nil {
		t.Fatalf("VClose: %v", err)
	}
	if c.State() != StateFinWait1 {
		t.Fatalf("expected FinWait1, got %s", c.State())
	}
}

// newTestSocketInState builds a NormalSocket in state s with a real
// (routeless) Node so sendControl's SendIP call fails quietly with
// tcperr.NotFound instead of panicking on a nil node.
func newTestSocketInState(s State) *NormalSocket {
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	c := &NormalSocket{
		stack: &Stack{node: ipnode.New(false), rtoMin: minTestRTO, rtoMax: maxTestRTO},
		sess: session{
			LocalAddr:  netip.MustParseAddr("10.0.0.1"),
			LocalPort:  1000,
			RemoteAddr: netip.MustParseAddr("10.0.0.2"),
			RemotePort: 2000,
		},
		iss:     0,
		irs:     0,
		sendBuf: NewSendBuffer(1, rq),
		rq:      rq,
		log:     logrus.WithField("component", "tcp-test"),
	}
	c.stateCond = sync.NewCond(&c.mu)
	c.state = s
	return c
}
