// Package nodeinit wires a parsed lnxconfig.Config into a running
// ipnode.Node: interfaces, neighbors, and static routes. Shared by the
// vhost and vrouter binaries so the two don't duplicate this wiring.
package nodeinit

import (
	"net"

	"vnet/pkg/ipnode"
	"vnet/pkg/lnxconfig"
	"vnet/pkg/routing"
)

// AttachInterfaces creates and registers one ipnode.Interface per
// cfg.Interfaces entry, wiring in the neighbors configured for it.
func AttachInterfaces(node *ipnode.Node, cfg *lnxconfig.Config) error {
	for _, ic := range cfg.Interfaces {
		var neighbors []ipnode.Neighbor
		for _, nc := range cfg.Neighbors {
			if nc.InterfaceName != ic.Name {
				continue
			}
			neighbors = append(neighbors, ipnode.Neighbor{
				VirtualIP: nc.DestAddr,
				UDPAddr:   net.UDPAddrFromAddrPort(nc.UDPAddr),
			})
		}
		iface, err := ipnode.NewInterface(ic.Name, ic.AssignedIP, ic.AssignedPrefix, ic.UDPAddr, neighbors)
		if err != nil {
			return err
		}
		node.AddInterface(iface)
	}
	return nil
}

// AttachStaticRoutes installs every configured static route into the
// node's routing table.
func AttachStaticRoutes(node *ipnode.Node, cfg *lnxconfig.Config) {
	for _, sr := range cfg.StaticRoutes {
		node.Table.Add(routing.Entry{Kind: routing.Static, Prefix: sr.Prefix, Gateway: sr.NextHop})
	}
}
