// Package ipnode implements the node core shared by the host and router
// executables: interface I/O, a worker pool dispatching inbound
// datagrams to protocol handlers, and outbound send-IP via the routing
// table.
package ipnode

import (
	"context"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vnet/pkg/ipv4header"
	"vnet/pkg/routing"
	"vnet/pkg/tcperr"
)

// Protocol numbers used on the virtual internetwork.
const (
	ProtocolTest = 0
	ProtocolTCP  = 6
	ProtocolRIP  = 200

	defaultTTL = 16
	numWorkers = 8
)

// Handler processes one inbound datagram already addressed to this node.
type Handler func(n *Node, hdr ipv4header.Header, payload []byte)

// Node owns the interfaces, the routing table, a fixed worker pool, and
// the protocol-handler map. Handlers are installed during
// initialization, never after, so the dispatch hot path never takes a
// lock on the handler map.
type Node struct {
	IsRouter bool

	Table *routing.Table

	ifacesMu sync.RWMutex
	ifaces   map[string]*Interface

	handlers map[uint8]Handler

	workCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logrus.Entry
}

// New returns a Node with an empty routing table and no interfaces.
func New(isRouter bool) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		IsRouter: isRouter,
		Table:    routing.New(),
		ifaces:   make(map[string]*Interface),
		handlers: make(map[uint8]Handler),
		workCh:   make(chan []byte, 256),
		ctx:      ctx,
		cancel:   cancel,
		log:      logrus.WithField("component", "node"),
	}
}

// RegisterHandler installs a protocol handler. Must be called during
// initialization, before Start.
func (n *Node) RegisterHandler(protocol uint8, h Handler) {
	n.handlers[protocol] = h
}

// AddInterface registers iface and its Local routing-table entry.
func (n *Node) AddInterface(iface *Interface) {
	n.ifacesMu.Lock()
	n.ifaces[iface.Name] = iface
	n.ifacesMu.Unlock()

	n.Table.Add(routing.Entry{
		Kind:   routing.Local,
		Prefix: iface.AssignedPrefix,
		Iface:  iface.Name,
		Metric: 0,
	})
}

// Interface returns the named interface, if any.
func (n *Node) Interface(name string) (*Interface, bool) {
	n.ifacesMu.RLock()
	defer n.ifacesMu.RUnlock()
	iface, ok := n.ifaces[name]
	return iface, ok
}

// Interfaces returns a snapshot of all configured interfaces.
func (n *Node) Interfaces() []*Interface {
	n.ifacesMu.RLock()
	defer n.ifacesMu.RUnlock()
	out := make([]*Interface, 0, len(n.ifaces))
	for _, iface := range n.ifaces {
		out = append(out, iface)
	}
	return out
}

// Start launches the worker pool and one receive loop per interface.
func (n *Node) Start() {
	for i := 0; i < numWorkers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	for _, iface := range n.Interfaces() {
		iface := iface
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			iface.ReceiveLoop(func(wire []byte) {
				select {
				case n.workCh <- wire:
				case <-n.ctx.Done():
				}
			})
		}()
	}
}

// Stop cancels the worker pool and closes every interface, then waits
// for all goroutines to exit.
func (n *Node) Stop() {
	n.cancel()
	for _, iface := range n.Interfaces() {
		iface.Close()
	}
	n.wg.Wait()
}

func (n *Node) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case wire := <-n.workCh:
			n.handleWire(wire)
		}
	}
}

func (n *Node) handleWire(wire []byte) {
	hdr, payload, err := ipv4header.Parse(wire)
	if err != nil {
		n.log.WithError(err).Debug("dropping malformed datagram")
		return
	}
	if hdr.TTL == 0 {
		n.log.Warn("dropping datagram with TTL 0")
		return
	}

	if n.isLocalAddr(hdr.Dst) {
		h, ok := n.handlers[hdr.Protocol]
		if !ok {
			n.log.Warnf("no handler for protocol %d", hdr.Protocol)
			return
		}
		h(n, hdr, payload)
		return
	}

	if !n.IsRouter {
		// RFC 1122 §3.3.4.2 (A): hosts silently discard non-local datagrams.
		return
	}

	hdr.TTL--
	if hdr.TTL == 0 {
		n.log.Warnf("TTL expired forwarding to %s", hdr.Dst)
		return
	}
	iface, nextHop, ok := n.nextHopFor(hdr.Dst)
	if !ok {
		n.log.Warnf("no route to %s, dropping", hdr.Dst)
		return
	}
	wire2, err := ipv4header.Marshal(hdr, payload)
	if err != nil {
		n.log.WithError(err).Warn("failed to re-marshal forwarded datagram")
		return
	}
	if err := iface.Send(wire2, nextHop); err != nil {
		n.log.WithError(err).Debug("forward send failed")
	}
}

func (n *Node) isLocalAddr(addr netip.Addr) bool {
	for _, iface := range n.Interfaces() {
		if iface.AssignedIP == addr {
			return true
		}
	}
	return false
}

// nextHopFor resolves dst to the outbound interface and the next-hop
// address to hand to Interface.Send, applying gateway indirection.
func (n *Node) nextHopFor(dst netip.Addr) (*Interface, netip.Addr, bool) {
	entry, ok := n.Table.Query(dst, routing.LongestPrefixMatch)
	if !ok {
		return nil, netip.Addr{}, false
	}

	nextHop := dst
	routeEntry := entry
	if entry.Kind != routing.Local {
		nextHop = entry.Gateway
		ifaceEntry, ok := n.Table.Query(entry.Gateway, routing.LongestPrefixMatch)
		if !ok || ifaceEntry.Kind != routing.Local {
			return nil, netip.Addr{}, false
		}
		routeEntry = ifaceEntry
	}

	iface, ok := n.Interface(routeEntry.Iface)
	if !ok {
		return nil, netip.Addr{}, false
	}
	return iface, nextHop, true
}

// NextHopIface resolves dst to the outbound interface and the address to
// hand to Interface.Send, applying gateway indirection. It is the public
// entry point transport protocols use to learn their local source
// address before a connection's first segment is sent.
func (n *Node) NextHopIface(dst netip.Addr) (*Interface, netip.Addr, bool) {
	return n.nextHopFor(dst)
}

// SendIP builds and sends a fresh datagram from this node to dst,
// resolving the outbound interface and next hop via the routing table.
func (n *Node) SendIP(dst netip.Addr, protocol uint8, payload []byte) error {
	iface, nextHop, ok := n.nextHopFor(dst)
	if !ok {
		return errors.Wrapf(tcperr.NotFound, "no route to %s", dst)
	}
	hdr := ipv4header.Header{TTL: defaultTTL, Protocol: protocol, Src: iface.AssignedIP, Dst: dst}
	wire, err := ipv4header.Marshal(hdr, payload)
	if err != nil {
		return errors.Wrap(err, "marshal datagram")
	}
	return iface.Send(wire, nextHop)
}

// TestProtocolHandler implements the TEST protocol (0): prints
// src/dst/TTL/message.
func TestProtocolHandler(n *Node, hdr ipv4header.Header, payload []byte) {
	n.log.Infof("TEST packet: src=%s dst=%s ttl=%d msg=%q", hdr.Src, hdr.Dst, hdr.TTL, string(payload))
}
