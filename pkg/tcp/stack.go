// Package tcp implements a TCP-like reliable transport: a per-connection
// FSM, sliding-window send/receive buffers, out-of-order reassembly,
// retransmission with an adaptive timeout, and zero-window probing,
// running over the virtual IP node in pkg/ipnode.
package tcp

import (
	"context"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vnet/pkg/ipnode"
	"vnet/pkg/iptcputil"
	"vnet/pkg/ipv4header"
	"vnet/pkg/tcperr"
)

const (
	firstSocketID        = 1
	lastSocketID         = 128
	firstEphemeral       = 1024
	lastEphemeral        = 65535
	timeWaitLength       = 10 * time.Second
	reapInterval         = 1 * time.Second
	pendingQueueCapacity = 64
	maxSegmentData       = ipv4header.MaxPayloadSize - iptcputil.HeaderLen
)

// Stack is the per-node TCP state: the socket table, the listening-port
// and session indices used to demux inbound segments, and the id/port
// allocators.
type Stack struct {
	node   *ipnode.Node
	rtoMin time.Duration
	rtoMax time.Duration
	log    *logrus.Entry

	mu        sync.Mutex
	sockets   map[int]interface{}
	listeners map[uint16]*ListenSocket
	conns     map[session]*NormalSocket

	portRand *rand.Rand
	isnRand  *rand.Rand
	usedPort map[uint16]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStack constructs a Stack bound to node and registers the TCP
// protocol handler. Call Run to start the background retransmission
// scan and socket reaper.
func NewStack(node *ipnode.Node, rtoMin, rtoMax time.Duration) *Stack {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		node:      node,
		rtoMin:    rtoMin,
		rtoMax:    rtoMax,
		log:       logrus.WithField("component", "tcp"),
		sockets:   make(map[int]interface{}),
		listeners: make(map[uint16]*ListenSocket),
		conns:     make(map[session]*NormalSocket),
		portRand:  rand.New(rand.NewSource(0)),
		isnRand:   rand.New(rand.NewSource(0)),
		usedPort:  make(map[uint16]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	node.RegisterHandler(ipnode.ProtocolTCP, s.handlePacket)
	return s
}

// Run starts the periodic retransmission scan and the socket reaper,
// each shared across every connection via one timer rather than one
// goroutine per connection.
func (s *Stack) Run(ctx context.Context) {
	go ipnode.RunPeriodic(ctx, retransmitScan, s.scanAll)
	go ipnode.RunPeriodic(ctx, reapInterval, s.reapSockets)
}

// Stop cancels every connection's context. The retransmission scan and
// reaper started by Run stop when the ctx passed to Run is cancelled.
func (s *Stack) Stop() {
	s.cancel()
}

func (s *Stack) scanAll() {
	s.mu.Lock()
	conns := make([]*NormalSocket, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.rq.Scan()
	}
}

func (s *Stack) allocID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := firstSocketID; id <= lastSocketID; id++ {
		if _, used := s.sockets[id]; !used {
			return id, nil
		}
	}
	return 0, errors.Wrap(tcperr.Exhausted, "no socket ids available")
}

func (s *Stack) allocEphemeralPort() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := lastEphemeral - firstEphemeral + 1
	start := s.portRand.Intn(span)
	for i := 0; i < span; i++ {
		port := uint16(firstEphemeral + (start+i)%span)
		if !s.usedPort[port] {
			s.usedPort[port] = true
			return port, nil
		}
	}
	return 0, errors.Wrap(tcperr.Exhausted, "no ephemeral ports available")
}

func (s *Stack) newISN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isnRand.Uint32()
}

// VListen creates a listening socket bound to port, returning
// tcperr.Duplicate if another socket is already listening on that port.
func (s *Stack) VListen(port uint16) (*ListenSocket, error) {
	id, err := s.allocID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, used := s.listeners[port]; used {
		s.mu.Unlock()
		return nil, errors.Wrap(tcperr.Duplicate, "port already listening")
	}
	ls := &ListenSocket{id: id, port: port, stack: s, pending: make(chan *NormalSocket, pendingQueueCapacity)}
	s.listeners[port] = ls
	s.sockets[id] = ls
	s.usedPort[port] = true
	s.mu.Unlock()

	return ls, nil
}

// VConnect performs an active open to (remoteAddr, remotePort), blocking
// until the handshake completes or fails.
func (s *Stack) VConnect(remoteAddr netip.Addr, remotePort uint16) (*NormalSocket, error) {
	id, err := s.allocID()
	if err != nil {
		return nil, err
	}
	localPort, err := s.allocEphemeralPort()
	if err != nil {
		return nil, err
	}

	iface, _, ok := s.node.NextHopIface(remoteAddr)
	if !ok {
		return nil, errors.Wrap(tcperr.NotFound, "no route to remote host")
	}

	sess := session{LocalAddr: iface.AssignedIP, LocalPort: localPort, RemoteAddr: remoteAddr, RemotePort: remotePort}
	iss := s.newISN()
	conn := s.newConn(id, sess, iss)
	conn.setState(StateSynSent)

	s.mu.Lock()
	s.conns[sess] = conn
	s.sockets[id] = conn
	s.mu.Unlock()

	conn.sendControl(iss, 0, iptcputil.FlagSyn, nil)
	conn.rq.Track(iss, nil, iptcputil.FlagSyn, time.Now())

	if err := conn.waitForState(StateEstablished, StateClosed); err != nil {
		return nil, err
	}
	if conn.State() == StateClosed {
		return nil, errors.Wrap(tcperr.Reset, "connection refused")
	}
	return conn, nil
}

func (s *Stack) newConn(id int, sess session, iss uint32) *NormalSocket {
	ctx, cancel := context.WithCancel(s.ctx)
	c := &NormalSocket{
		id:     id,
		sess:   sess,
		stack:  s,
		iss:    iss,
		ctx:    ctx,
		cancel: cancel,
		log:    logrus.WithField("component", "tcp").WithField("session", sess.String()),
	}
	c.stateCond = sync.NewCond(&c.mu)
	c.rq = NewRetransmissionQueue(s.rtoMin, s.rtoMax, c.resendSegment, c.onRetransmitGiveUp)
	c.sendBuf = NewSendBuffer(iss+1, c.rq)
	return c
}

func (s *Stack) handlePacket(n *ipnode.Node, hdr ipv4header.Header, payload []byte) {
	if !iptcputil.VerifyChecksum(payload, hdr.Src, hdr.Dst) {
		s.log.Debug("dropping tcp segment with bad checksum")
		return
	}
	seg, err := iptcputil.Parse(payload)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed tcp segment")
		return
	}

	sess := session{LocalAddr: hdr.Dst, LocalPort: seg.Fields.DstPort, RemoteAddr: hdr.Src, RemotePort: seg.Fields.SrcPort}

	s.mu.Lock()
	conn, ok := s.conns[sess]
	var ls *ListenSocket
	if !ok {
		ls = s.listeners[seg.Fields.DstPort]
	}
	s.mu.Unlock()

	if ok {
		conn.onSegment(seg)
		return
	}
	if ls != nil && seg.Fields.Flags&iptcputil.FlagSyn != 0 {
		ls.onSyn(sess, seg)
		return
	}
	s.log.Debugf("no socket for %s, dropping", sess)
}

func (s *Stack) removeConn(sess session, id int) {
	s.mu.Lock()
	delete(s.conns, sess)
	delete(s.sockets, id)
	delete(s.usedPort, sess.LocalPort)
	s.mu.Unlock()
}

// scheduleTimeWaitExpiry arms conn's TIME_WAIT deadline; reapSockets
// retires the connection once it passes.
func (s *Stack) scheduleTimeWaitExpiry(conn *NormalSocket) {
	conn.mu.Lock()
	conn.timeWaitDeadline = time.Now().Add(timeWaitLength)
	conn.mu.Unlock()
}

// reapSockets removes every connection that is Closed, or TimeWait with
// an expired deadline, returning its id and port to the free pools and
// deleting its index entries. Run periodically from Run so that no path
// to Closed/expired-TimeWait has to remember to clean up after itself.
func (s *Stack) reapSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess, c := range s.conns {
		if !c.reapable() {
			continue
		}
		delete(s.conns, sess)
		delete(s.sockets, c.id)
		delete(s.usedPort, sess.LocalPort)
	}
}

// SocketInfo is one row of the `ls` REPL command's socket table.
type SocketInfo struct {
	ID         int
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
	State      string
}

// Sockets returns a snapshot of every socket in the table, listening or
// connected, sorted by id.
func (s *Stack) Sockets() []SocketInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SocketInfo, 0, len(s.sockets))
	for id, v := range s.sockets {
		switch sock := v.(type) {
		case *ListenSocket:
			out = append(out, SocketInfo{ID: id, LocalPort: sock.port, State: "LISTEN"})
		case *NormalSocket:
			out = append(out, SocketInfo{
				ID: id, LocalAddr: sock.sess.LocalAddr, LocalPort: sock.sess.LocalPort,
				RemoteAddr: sock.sess.RemoteAddr, RemotePort: sock.sess.RemotePort,
				State: sock.State().String(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Socket looks up any socket (listening or connected) by its table id.
func (s *Stack) Socket(id int) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sockets[id]
	return v, ok
}

// buildFields assembles the header fields of an outgoing segment from the
// given ports, sequence/ack numbers, flags and window, with the fixed
// option-free DataOffset.
func buildFields(localPort, remotePort uint16, seq, ack uint32, flags uint8, wnd uint16) header.TCPFields {
	return header.TCPFields{
		SrcPort:    localPort,
		DstPort:    remotePort,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: iptcputil.HeaderLen,
		Flags:      flags,
		WindowSize: wnd,
	}
}
