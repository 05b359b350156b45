package tcp

import (
	"net/netip"
	"sync"
	"testing"
	"time"
)

// TestReapSocketsRemovesClosedAndExpiredTimeWait guards the periodic
// reaper spec.md §4.5 requires: Closed sockets and TimeWait sockets past
// their deadline must be retired and their ids/ports freed, while
// TimeWait sockets still within their deadline and anything else live
// must be left alone.
func TestReapSocketsRemovesClosedAndExpiredTimeWait(t *testing.T) {
	s := &Stack{
		sockets:   make(map[int]interface{}),
		listeners: make(map[uint16]*ListenSocket),
		conns:     make(map[session]*NormalSocket),
		usedPort:  make(map[uint16]bool),
	}

	closed := newBareConn(1, StateClosed, 1001)
	expiredWait := newBareConn(2, StateTimeWait, 1002)
	expiredWait.timeWaitDeadline = time.Now().Add(-time.Second)
	freshWait := newBareConn(3, StateTimeWait, 1003)
	freshWait.timeWaitDeadline = time.Now().Add(time.Minute)
	established := newBareConn(4, StateEstablished, 1004)

	for _, c := range []*NormalSocket{closed, expiredWait, freshWait, established} {
		s.sockets[c.id] = c
		s.conns[c.sess] = c
		s.usedPort[c.sess.LocalPort] = true
	}

	s.reapSockets()

	for _, id := range []int{1, 2} {
		if _, ok := s.sockets[id]; ok {
			t.Fatalf("expected socket %d reaped", id)
		}
	}
	for _, id := range []int{3, 4} {
		if _, ok := s.sockets[id]; !ok {
			t.Fatalf("expected socket %d to remain", id)
		}
	}
	if _, ok := s.usedPort[1001]; ok {
		t.Fatalf("expected port 1001 freed")
	}
	if _, ok := s.usedPort[1003]; !ok {
		t.Fatalf("expected port 1003 still reserved")
	}
}

func newBareConn(id int, state State, localPort uint16) *NormalSocket {
	c := &NormalSocket{
		id: id,
		sess: session{
			LocalAddr:  netip.MustParseAddr("10.0.0.1"),
			LocalPort:  localPort,
			RemoteAddr: netip.MustParseAddr("10.0.0.2"),
			RemotePort: localPort + 10000,
		},
	}
	c.stateCond = sync.NewCond(&c.mu)
	c.state = state
	return c
}
