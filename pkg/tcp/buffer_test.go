package tcp

import (
	"testing"
	"time"
)

const (
	minTestRTO = 500 * time.Millisecond
	maxTestRTO = 1000 * time.Millisecond
)

func TestSendBufferWriteAndReadForSend(t *testing.T) {
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	sb := NewSendBuffer(100, rq)
	sb.OnAck(100, 1000) // open a window before anything is queued

	n, err := sb.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	seq, data, ok := sb.ReadForSend(5)
	if !ok || seq != 100 || string(data) != "hello" {
		t.Fatalf("ReadForSend: seq=%d data=%q ok=%v", seq, data, ok)
	}

	seq2, data2, ok := sb.ReadForSend(100)
	if !ok || seq2 != 105 || string(data2) != " world" {
		t.Fatalf("ReadForSend 2: seq=%d data=%q ok=%v", seq2, data2, ok)
	}
}

func TestSendBufferRingWrapsAtBoundary(t *testing.T) {
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	isn := uint32(BufferSize - 3)
	sb := NewSendBuffer(isn, rq)
	sb.OnAck(isn, BufferSize-1)

	payload := []byte{1, 2, 3, 4, 5}
	if _, err := sb.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, data, ok := sb.ReadForSend(10)
	if !ok || len(data) != 5 {
		t.Fatalf("expected 5 bytes spanning the ring boundary, got %v ok=%v", data, ok)
	}
	for i, b := range data {
		if b != payload[i] {
			t.Fatalf("byte %d: got %d want %d", i, b, payload[i])
		}
	}
}

func TestSendBufferOnAckAdvancesUNAAndRetiresSegment(t *testing.T) {
	rq := NewRetransmissionQueue(minTestRTO, maxTestRTO, func(segment) {}, func() {})
	sb := NewSendBuffer(0, rq)
	sb.Write([]byte("abc"))
	sb.ReadForSend(3)
	rq.Track(0, []byte("abc"), 0, time.Now())

	sb.OnAck(3, 10)
	if sb.UNA() != 3 {
		t.Fatalf("expected UNA=3, got %d", sb.UNA())
	}
	if !rq.Empty() {
		t.Fatalf("expected retransmission queue empty after full ack")
	}
}

func TestRecvBufferInOrderAdvancesNXT(t *testing.T) {
	rb := NewRecvBuffer(1000)
	nxt := rb.OnRecv(1000, []byte("abcde"))
	if nxt != 1005 {
		t.Fatalf("expected nxt=1005, got %d", nxt)
	}
	out := make([]byte, 5)
	n, err := rb.Read(out)
	if err != nil || n != 5 || string(out) != "abcde" {
		t.Fatalf("Read: n=%d err=%v out=%q", n, err, out)
	}
}

func TestRecvBufferEarlyArrivalThenGapFill(t *testing.T) {
	rb := NewRecvBuffer(1000)

	// Early arrival: [1010, 1015) while NXT is still 1000.
	nxt := rb.OnRecv(1010, []byte("EARLY"))
	if nxt != 1000 {
		t.Fatalf("expected nxt unchanged at 1000, got %d", nxt)
	}

	// Gap fill: [1000, 1010) closes the gap and merges with the early segment.
	nxt = rb.OnRecv(1000, []byte("0123456789"))
	if nxt != 1015 {
		t.Fatalf("expected merged nxt=1015, got %d", nxt)
	}
}

func TestRecvBufferOverlapTrimsDeliveredPrefix(t *testing.T) {
	rb := NewRecvBuffer(1000)
	rb.OnRecv(1000, []byte("abcde"))
	nxt := rb.OnRecv(1003, []byte("deXYZ"))
	if nxt != 1008 {
		t.Fatalf("expected nxt=1008 after overlap trim, got %d", nxt)
	}
}
