package ipnode

import (
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vnet/pkg/ipv4header"
)

// Neighbor is one entry in an interface's sorted neighbor list.
type Neighbor struct {
	VirtualIP netip.Addr
	UDPAddr   *net.UDPAddr
}

// Interface owns one UDP endpoint emulating a link. It knows its virtual
// IPv4 address/prefix and a sorted list of neighbors; it receives
// datagrams from the wire and hands them to a deliver callback, and
// transmits datagrams to the neighbor matching a given next hop.
type Interface struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix

	neighbors []Neighbor // sorted by VirtualIP

	conn *net.UDPConn
	up   atomic.Bool

	closeOnce sync.Once
	doneCh    chan struct{}

	log *logrus.Entry
}

// NewInterface binds the interface's UDP socket and returns it in the up
// state. neighbors may be given in any order; a copy sorted by VirtualIP
// is kept.
func NewInterface(name string, assignedIP netip.Addr, prefix netip.Prefix, bind netip.AddrPort, neighbors []Neighbor) (*Interface, error) {
	udpAddr := net.UDPAddrFromAddrPort(bind)
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "interface %s: bind %s", name, bind)
	}

	sorted := append([]Neighbor(nil), neighbors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VirtualIP.Less(sorted[j].VirtualIP) })

	iface := &Interface{
		Name:           name,
		AssignedIP:     assignedIP,
		AssignedPrefix: prefix,
		neighbors:      sorted,
		conn:           conn,
		doneCh:         make(chan struct{}),
		log:            logrus.WithField("iface", name),
	}
	iface.up.Store(true)
	return iface, nil
}

// NeighborsSnapshot returns a copy of the interface's neighbor list, for
// the `ln` REPL command.
func (i *Interface) NeighborsSnapshot() []Neighbor {
	return append([]Neighbor(nil), i.neighbors...)
}

// IsUp reports the interface's current up/down flag.
func (i *Interface) IsUp() bool { return i.up.Load() }

// SetUp toggles the interface's up flag.
func (i *Interface) SetUp(up bool) { i.up.Store(up) }

// Send transmits payload (a fully-built IPv4 datagram) to the neighbor
// whose virtual IP matches nextHop. While the interface is down, Send is
// a no-op. An unknown next hop is logged and dropped.
func (i *Interface) Send(wire []byte, nextHop netip.Addr) error {
	if !i.IsUp() {
		return nil
	}
	idx := sort.Search(len(i.neighbors), func(k int) bool {
		return !i.neighbors[k].VirtualIP.Less(nextHop)
	})
	if idx >= len(i.neighbors) || i.neighbors[idx].VirtualIP != nextHop {
		i.log.Warnf("unknown next hop %s, dropping", nextHop)
		return errors.Errorf("unknown next hop %s on interface %s", nextHop, i.Name)
	}
	if len(wire) > ipv4header.MaxPacketSize {
		return errors.Errorf("datagram %d exceeds max size %d", len(wire), ipv4header.MaxPacketSize)
	}
	_, err := i.conn.WriteToUDP(wire, i.neighbors[idx].UDPAddr)
	return errors.Wrap(err, "udp write")
}

// ReceiveLoop blocks reading datagrams off the UDP socket and calls
// deliver for each one, until the socket is closed. While the interface
// is down, received datagrams are silently discarded.
func (i *Interface) ReceiveLoop(deliver func(wire []byte)) {
	defer close(i.doneCh)
	buf := make([]byte, ipv4header.MaxPacketSize)
	for {
		n, _, err := i.conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed: Close() unblocks us here and we exit.
			return
		}
		if !i.IsUp() {
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		deliver(cp)
	}
}

// Close shuts the interface down: the UDP socket is closed first, which
// unblocks and terminates ReceiveLoop.
func (i *Interface) Close() error {
	var err error
	i.closeOnce.Do(func() {
		err = i.conn.Close()
		<-i.doneCh
	})
	return err
}
