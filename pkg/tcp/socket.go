package tcp

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vnet/pkg/iptcputil"
	"vnet/pkg/tcperr"
)

// ListenSocket and NormalSocket are the two variants 's
// socket table: a listening socket only ever produces freshly-accepted
// NormalSockets, it never itself carries a byte stream. Keeping them as
// distinct types (rather than one struct with a "listening" bool) means
// VRead/VWrite/VConnect are simply absent from ListenSocket's method set.
type ListenSocket struct {
	id    int
	port  uint16
	stack *Stack

	mu      sync.Mutex
	closed  bool
	pending chan *NormalSocket
}

// ID returns the socket's table id, used by the `ls` REPL command.
func (ls *ListenSocket) ID() int { return ls.id }

// Port returns the bound listening port.
func (ls *ListenSocket) Port() uint16 { return ls.port }

// VAccept blocks until a peer completes the handshake and returns the
// resulting connected socket.
func (ls *ListenSocket) VAccept() (*NormalSocket, error) {
	conn, ok := <-ls.pending
	if !ok {
		return nil, errors.Wrap(tcperr.Closing, "listener closed")
	}
	return conn, nil
}

// VClose stops accepting new connections. In-flight SYNs already
// answered with a SYN-ACK are unaffected; they complete independently.
func (ls *ListenSocket) VClose() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return errors.Wrap(tcperr.Closing, "already closed")
	}
	ls.closed = true
	close(ls.pending)

	ls.stack.mu.Lock()
	delete(ls.stack.listeners, ls.port)
	delete(ls.stack.sockets, ls.id)
	delete(ls.stack.usedPort, ls.port)
	ls.stack.mu.Unlock()
	return nil
}

// onSyn handles an inbound SYN addressed to this listener: allocates a
// new connected socket in SYN_RECEIVED and answers with a SYN-ACK.
func (ls *ListenSocket) onSyn(sess session, seg iptcputil.Segment) {
	ls.mu.Lock()
	closed := ls.closed
	ls.mu.Unlock()
	if closed {
		return
	}

	id, err := ls.stack.allocID()
	if err != nil {
		ls.stack.log.WithError(err).Warn("no socket id for incoming connection")
		return
	}
	iss := ls.stack.newISN()
	conn := ls.stack.newConn(id, sess, iss)
	conn.irs = seg.Fields.SeqNum
	conn.recvBuf = NewRecvBuffer(conn.irs + 1)
	conn.setState(StateSynReceived)

	ls.stack.mu.Lock()
	ls.stack.conns[sess] = conn
	ls.stack.sockets[id] = conn
	ls.stack.mu.Unlock()

	conn.sendControl(iss, conn.irs+1, iptcputil.FlagSyn|iptcputil.FlagAck, nil)
	conn.rq.Track(iss, nil, iptcputil.FlagSyn, time.Now())
	conn.pendingAccept = ls.pending
}

// NormalSocket is one established, closing, or closed connection.
type NormalSocket struct {
	id    int
	sess  session
	stack *Stack

	mu        sync.Mutex
	stateCond *sync.Cond
	state     State

	iss uint32
	irs uint32

	timeWaitDeadline time.Time

	sendBuf *SendBuffer
	recvBuf *RecvBuffer
	rq      *RetransmissionQueue
	zwp     *zeroWindowProbe

	pendingAccept chan<- *NormalSocket

	ctx    context.Context
	cancel context.CancelFunc

	log *logrus.Entry
}

// ID returns the socket's table id.
func (c *NormalSocket) ID() int { return c.id }

// LocalAddr/RemoteAddr/LocalPort/RemotePort expose the four-tuple for
// the `ls` REPL command.
func (c *NormalSocket) LocalAddr() netip.Addr   { return c.sess.LocalAddr }
func (c *NormalSocket) RemoteAddr() netip.Addr  { return c.sess.RemoteAddr }
func (c *NormalSocket) LocalPort() uint16       { return c.sess.LocalPort }
func (c *NormalSocket) RemotePort() uint16      { return c.sess.RemotePort }

func (c *NormalSocket) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// reapable reports whether the reaper should retire this connection:
// it has reached Closed, or it's in TimeWait past its deadline.
func (c *NormalSocket) reapable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return true
	case StateTimeWait:
		return !c.timeWaitDeadline.IsZero() && !time.Now().Before(c.timeWaitDeadline)
	default:
		return false
	}
}

func (c *NormalSocket) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.stateCond.Broadcast()
	c.mu.Unlock()
}

func (c *NormalSocket) waitForState(targets ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for _, t := range targets {
			if c.state == t {
				return nil
			}
		}
		select {
		case <-c.ctx.Done():
			return errors.Wrap(tcperr.Closing, "socket shut down while waiting")
		default:
		}
		c.stateCond.Wait()
	}
}

func (c *NormalSocket) sendControl(seq, ack uint32, flags uint8, payload []byte) {
	fields := buildFields(c.sess.LocalPort, c.sess.RemotePort, seq, ack, flags, uint16(c.recvWindow()))
	wire, err := iptcputil.Build(fields, c.sess.LocalAddr, c.sess.RemoteAddr, payload)
	if err != nil {
		return
	}
	c.stack.node.SendIP(c.sess.RemoteAddr, 6, wire)
}

func (c *NormalSocket) recvWindow() uint32 {
	if c.recvBuf == nil {
		return BufferSize - 1
	}
	return c.recvBuf.Window()
}

func (c *NormalSocket) resendSegment(seg segment) {
	c.sendControl(seg.seq, c.ackToSend(), seg.flags|iptcputil.FlagAck, seg.data)
}

func (c *NormalSocket) ackToSend() uint32 {
	if c.recvBuf == nil {
		return c.irs + 1
	}
	return c.recvBuf.NXT()
}

func (c *NormalSocket) onRetransmitGiveUp() {
	c.log.Warnf("giving up after %d retransmissions, aborting", maxRetransmits)
	c.abortLocal()
}

// onSegment is the FSM packet-handling entry point.
func (c *NormalSocket) onSegment(seg iptcputil.Segment) {
	f := seg.Fields
	switch c.State() {
	case StateSynSent:
		c.onSegmentSynSent(f, seg.Payload)
	case StateSynReceived:
		c.onSegmentSynReceived(f, seg.Payload)
	case StateClosed, StateTimeWait:
		// stray segment for a socket that has moved on; ignore.
	default:
		c.onSegmentConnected(f, seg.Payload)
	}
}

func (c *NormalSocket) onSegmentSynSent(f header.TCPFields, payload []byte) {
	if f.Flags&iptcputil.FlagRst != 0 {
		c.setState(StateClosed)
		return
	}
	if f.Flags&iptcputil.FlagSyn == 0 {
		return
	}
	c.irs = f.SeqNum
	c.recvBuf = NewRecvBuffer(c.irs + 1)

	if f.Flags&iptcputil.FlagAck != 0 {
		c.sendBuf.OnAck(f.AckNum, uint32(f.WindowSize))
		c.setState(StateEstablished)
		c.sendControl(c.sendBuf.UNA(), c.irs+1, iptcputil.FlagAck, nil)
		c.startDataPump()
		return
	}
	// Simultaneous open: answer with our own SYN-ACK and wait.
	c.setState(StateSynReceived)
	c.sendControl(c.iss, c.irs+1, iptcputil.FlagSyn|iptcputil.FlagAck, nil)
}

func (c *NormalSocket) onSegmentSynReceived(f header.TCPFields, payload []byte) {
	if f.Flags&iptcputil.FlagRst != 0 {
		c.setState(StateClosed)
		return
	}
	if f.Flags&iptcputil.FlagAck == 0 {
		return
	}
	c.sendBuf.OnAck(f.AckNum, uint32(f.WindowSize))
	c.setState(StateEstablished)
	c.startDataPump()
	if c.pendingAccept != nil {
		select {
		case c.pendingAccept <- c:
		case <-c.ctx.Done():
		}
		c.pendingAccept = nil
	}
}

func (c *NormalSocket) onSegmentConnected(f header.TCPFields, payload []byte) {
	if f.Flags&iptcputil.FlagRst != 0 {
		c.abortLocal()
		return
	}
	if f.Flags&iptcputil.FlagAck != 0 {
		c.sendBuf.OnAck(f.AckNum, uint32(f.WindowSize))
		c.checkFinAckProgress()
	}

	if len(payload) > 0 {
		c.recvBuf.OnRecv(f.SeqNum, payload)
		c.sendControl(c.sendBuf.UNA(), c.recvBuf.NXT(), iptcputil.FlagAck, nil)
	}

	if f.Flags&iptcputil.FlagFin != 0 {
		c.onFin(f)
	}
}

func (c *NormalSocket) onFin(f header.TCPFields) {
	if c.recvBuf != nil {
		c.recvBuf.MarkClosingOnDrain()
	}
	switch c.State() {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		c.setState(StateClosing)
	case StateFinWait2:
		c.setState(StateTimeWait)
		c.stack.scheduleTimeWaitExpiry(c)
	}
	ack := f.SeqNum + 1
	if c.recvBuf != nil && f.SeqNum == c.recvBuf.NXT() {
		c.recvBuf.OnRecv(f.SeqNum, []byte{0}) // advance NXT past the FIN's sequence slot
	}
	c.sendControl(c.sendBuf.UNA(), ack, iptcputil.FlagAck, nil)
}

// checkFinAckProgress advances FIN_WAIT_1/LAST_ACK/CLOSING once our own
// FIN has been acknowledged.
func (c *NormalSocket) checkFinAckProgress() {
	if !c.rq.Empty() {
		return
	}
	switch c.State() {
	case StateFinWait1:
		c.setState(StateFinWait2)
	case StateClosing:
		c.setState(StateTimeWait)
		c.stack.scheduleTimeWaitExpiry(c)
	case StateLastAck:
		c.setState(StateClosed)
		c.stack.removeConn(c.sess, c.id)
	}
}

func (c *NormalSocket) startDataPump() {
	c.zwp = newZeroWindowProbe(c.sendBuf, c.sendOneByte, c.onRetransmitGiveUp, c.stack.rtoMin)
	go c.senderLoop()
	go c.zwp.Run(c.ctx)
}

func (c *NormalSocket) sendOneByte(seq uint32, by byte) {
	c.sendControl(seq, c.ackToSend(), iptcputil.FlagAck, []byte{by})
	c.rq.Track(seq, []byte{by}, 0, time.Now())
	c.sendBuf.AdvancePastProbe(seq)
}

// senderLoop drains the send buffer onto the wire as window and data
// become available, segmenting at maxSegmentData bytes.
func (c *NormalSocket) senderLoop() {
	for {
		seq, data, ok := c.sendBuf.ReadForSend(maxSegmentData)
		if !ok {
			return
		}
		c.sendControl(seq, c.ackToSend(), iptcputil.FlagAck, data)
		c.rq.Track(seq, data, 0, time.Now())
	}
}

// VRead copies up to len(out) bytes of in-order application data,
// blocking until some are available.
func (c *NormalSocket) VRead(out []byte) (int, error) {
	if c.recvBuf == nil || !c.State().CanRead() {
		return 0, errors.Wrap(tcperr.NotAllowed, "socket not readable in current state")
	}
	return c.recvBuf.Read(out)
}

// VWrite queues data for transmission, blocking while the send buffer is
// full.
func (c *NormalSocket) VWrite(data []byte) (int, error) {
	if !c.State().CanWrite() {
		return 0, errors.Wrap(tcperr.NotAllowed, "socket not writable in current state")
	}
	return c.sendBuf.Write(data)
}

// VClose begins the active-close sequence: send a FIN and transition to
// FinWait1 or LastAck depending on which side closes first. Valid from
// SynReceived (passive side, before the handshake's final ack) as well
// as Established and CloseWait.
func (c *NormalSocket) VClose() error {
	state := c.State()
	var finSeq uint32
	switch state {
	case StateEstablished, StateSynReceived:
		finSeq = c.sendBuf.MarkFin()
		c.setState(StateFinWait1)
	case StateCloseWait:
		finSeq = c.sendBuf.MarkFin()
		c.setState(StateLastAck)
	default:
		return errors.Wrap(tcperr.NotAllowed, "close not valid in current state")
	}
	c.sendBuf.Shutdown()
	c.sendControl(finSeq, c.ackToSend(), iptcputil.FlagFin|iptcputil.FlagAck, nil)
	c.rq.Track(finSeq, nil, iptcputil.FlagFin, time.Now())
	return nil
}

// VAbort tears the connection down immediately with an RST.
func (c *NormalSocket) VAbort() error {
	c.sendControl(c.sendBuf.UNA(), c.ackToSend(), iptcputil.FlagRst, nil)
	c.abortLocal()
	return nil
}

func (c *NormalSocket) abortLocal() {
	c.setState(StateClosed)
	if c.recvBuf != nil {
		c.recvBuf.Shutdown()
	}
	c.sendBuf.Shutdown()
	c.cancel()
	c.stack.removeConn(c.sess, c.id)
}
