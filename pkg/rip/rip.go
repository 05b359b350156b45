// Package rip implements a router-only distance-vector routing
// protocol: periodic full-table broadcast, triggered updates on route
// change, split horizon with poisoned reverse, and route expiry.
package rip

import (
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vnet/pkg/ipnode"
	"vnet/pkg/ipv4header"
	"vnet/pkg/routing"
)

const (
	CommandRequest  = 1
	CommandResponse = 2

	entryWireLen = 12 // cost, addr, mask: 3 x uint32
	headerLen    = 4  // command, n_entries: 2 x uint16

	initialRequestDelay = 200 * time.Millisecond
)

// WireEntry is one {cost, addr, mask} tuple as carried on the wire.
type WireEntry struct {
	Cost uint32
	Addr uint32
	Mask uint32
}

// Message is a parsed RIP packet.
type Message struct {
	Command uint16
	Entries []WireEntry
}

// Encode serializes msg to its big-endian wire form.
func Encode(msg Message) []byte {
	buf := make([]byte, headerLen+len(msg.Entries)*entryWireLen)
	binary.BigEndian.PutUint16(buf[0:2], msg.Command)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(msg.Entries)))
	for i, e := range msg.Entries {
		off := headerLen + i*entryWireLen
		binary.BigEndian.PutUint32(buf[off:off+4], e.Cost)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.Addr)
		binary.BigEndian.PutUint32(buf[off+8:off+12], e.Mask)
	}
	return buf
}

// Decode parses a big-endian RIP wire buffer. The cost of each entry is
// incremented by one (the link cost) and clamped to 16.
func Decode(buf []byte) (Message, error) {
	if len(buf) < headerLen {
		return Message{}, errors.New("rip: short message")
	}
	msg := Message{Command: binary.BigEndian.Uint16(buf[0:2])}
	n := int(binary.BigEndian.Uint16(buf[2:4]))
	need := headerLen + n*entryWireLen
	if len(buf) < need {
		return Message{}, errors.Errorf("rip: short message for %d entries", n)
	}
	msg.Entries = make([]WireEntry, n)
	for i := 0; i < n; i++ {
		off := headerLen + i*entryWireLen
		cost := binary.BigEndian.Uint32(buf[off : off+4])
		cost++
		if cost > routing.Infinity {
			cost = routing.Infinity
		}
		msg.Entries[i] = WireEntry{
			Cost: cost,
			Addr: binary.BigEndian.Uint32(buf[off+4 : off+8]),
			Mask: binary.BigEndian.Uint32(buf[off+8 : off+12]),
		}
	}
	return msg, nil
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func maskBits(mask uint32) int {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], mask)
	bits := 0
	for _, by := range b {
		for by != 0 {
			bits += int(by & 1)
			by >>= 1
		}
	}
	return bits
}

func prefixMask(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	if bits >= 32 {
		return 0xffffffff
	}
	return ^uint32(0) << (32 - bits)
}

// Engine runs the periodic and triggered RIP tasks for one router node.
type Engine struct {
	node             *ipnode.Node
	neighbors        []netip.Addr
	periodicRate     time.Duration
	timeoutThreshold time.Duration
	log              *logrus.Entry
}

// NewEngine constructs a RIP engine bound to node, advertising to
// neighbors.
func NewEngine(node *ipnode.Node, neighbors []netip.Addr, periodicRate, timeoutThreshold time.Duration) *Engine {
	return &Engine{
		node:             node,
		neighbors:        neighbors,
		periodicRate:     periodicRate,
		timeoutThreshold: timeoutThreshold,
		log:              logrus.WithField("component", "rip"),
	}
}

// HandlePacket is the ipnode.Handler for protocol RIP (200).
func (e *Engine) HandlePacket(n *ipnode.Node, hdr ipv4header.Header, payload []byte) {
	msg, err := Decode(payload)
	if err != nil {
		e.log.WithError(err).Debug("dropping malformed rip message")
		return
	}

	switch msg.Command {
	case CommandRequest:
		e.sendResponseTo(hdr.Src, n.Table.RIPSendEntries(hdr.Src))
	case CommandResponse:
		e.applyResponse(hdr.Src, msg)
	default:
		e.log.Warnf("unknown rip command %d", msg.Command)
	}
}

func (e *Engine) applyResponse(learnedFrom netip.Addr, msg Message) {
	var changed []routing.Entry
	for _, we := range msg.Entries {
		prefix := netip.PrefixFrom(uint32ToAddr(we.Addr), maskBits(we.Mask))
		entry, triggered := e.node.Table.RIPReceive(prefix, int(we.Cost), learnedFrom)
		if triggered {
			changed = append(changed, entry)
		}
	}
	if len(changed) > 0 {
		e.broadcastTriggered(changed)
	}
}

// Run starts the periodic broadcast, expiry scanner, and the one-shot
// initial request, returning when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go ipnode.RunAfter(ctx, initialRequestDelay, e.sendRequestAll)
	go ipnode.RunPeriodic(ctx, e.periodicRate, e.broadcastFullTable)
	ipnode.RunPeriodic(ctx, e.timeoutThreshold/24, e.runExpiry) // frequent enough to react well within 12s
}

func (e *Engine) sendRequestAll() {
	req := Encode(Message{Command: CommandRequest})
	for _, peer := range e.neighbors {
		if err := e.node.SendIP(peer, ipnode.ProtocolRIP, req); err != nil {
			e.log.WithError(err).Debugf("rip request to %s failed", peer)
		}
	}
}

func (e *Engine) broadcastFullTable() {
	for _, peer := range e.neighbors {
		e.sendResponseTo(peer, e.node.Table.RIPSendEntries(peer))
	}
}

func (e *Engine) broadcastTriggered(entries []routing.Entry) {
	for _, peer := range e.neighbors {
		poisoned := make([]routing.Entry, len(entries))
		for i, ent := range entries {
			cp := ent
			if cp.Gateway == peer {
				cp.Metric = routing.Infinity
			}
			poisoned[i] = cp
		}
		e.sendResponseTo(peer, poisoned)
	}
}

func (e *Engine) sendResponseTo(peer netip.Addr, entries []routing.Entry) {
	wire := make([]WireEntry, len(entries))
	for i, ent := range entries {
		wire[i] = WireEntry{
			Cost: uint32(ent.Metric),
			Addr: addrToUint32(ent.Prefix.Masked().Addr()),
			Mask: prefixMask(ent.Prefix.Bits()),
		}
	}
	msg := Encode(Message{Command: CommandResponse, Entries: wire})
	if err := e.node.SendIP(peer, ipnode.ProtocolRIP, msg); err != nil {
		e.log.WithError(err).Debugf("rip response to %s failed", peer)
	}
}

// NotifyInterfaceToggle sets the Local route for iface up or down and
// emits a triggered update broadcasting the change.
func (e *Engine) NotifyInterfaceToggle(iface string, up bool) {
	entry, ok := e.node.Table.SetLocalUp(iface, up)
	if !ok {
		return
	}
	e.broadcastTriggered([]routing.Entry{entry})
}

func (e *Engine) runExpiry() {
	expired := e.node.Table.Expire(e.timeoutThreshold)
	if len(expired) > 0 {
		e.broadcastTriggered(expired)
	}
}
