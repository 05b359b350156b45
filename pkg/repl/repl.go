// Package repl implements the interactive command line shared by the
// vhost and vrouter binaries, built on bufio.Scanner and text/tabwriter.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"vnet/pkg/ipnode"
	"vnet/pkg/rip"
	"vnet/pkg/routing"
	"vnet/pkg/tcp"
)

// Repl runs a line-oriented command loop over in/out, dispatching to a
// per-binary command table.
type Repl struct {
	node *ipnode.Node
	rip  *rip.Engine // nil on a host, and on a router without RIP routing
	tcp  *tcp.Stack  // nil on a router
	in   *bufio.Scanner
	out  io.Writer
}

func newRepl(node *ipnode.Node, ripEngine *rip.Engine, tcpStack *tcp.Stack) *Repl {
	return &Repl{node: node, rip: ripEngine, tcp: tcpStack, in: bufio.NewScanner(os.Stdin), out: os.Stdout}
}

// StartRouterRepl runs the router's command set: send, up, down, li, ln,
// lr.
func StartRouterRepl(node *ipnode.Node, ripEngine *rip.Engine) {
	newRepl(node, ripEngine, nil).run()
}

// StartHostRepl runs the host's command set: the router commands plus
// a/c/s/r/sf/rf/cl/ab/ls for TCP connection management.
func StartHostRepl(node *ipnode.Node, tcpStack *tcp.Stack) {
	newRepl(node, nil, tcpStack).run()
}

func (r *Repl) run() {
	for {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			return
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if err := r.dispatch(fields); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *Repl) dispatch(fields []string) error {
	switch fields[0] {
	case "li":
		r.listInterfaces()
	case "ln":
		r.listNeighbors()
	case "lr":
		r.listRoutes()
	case "up":
		return r.setIfaceUp(fields, true)
	case "down":
		return r.setIfaceUp(fields, false)
	case "send":
		return r.send(fields)
	case "a", "c", "s", "r", "sf", "rf", "cl", "ab", "ls":
		if err := r.requireTCP(); err != nil {
			return err
		}
		return r.dispatchTCP(fields)
	default:
		fmt.Fprintf(r.out, "unknown command %q\n", fields[0])
	}
	return nil
}

func (r *Repl) listInterfaces() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Name\tAddr/Prefix\tState")
	for _, iface := range r.node.Interfaces() {
		state := "down"
		if iface.IsUp() {
			state = "up"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", iface.Name, iface.AssignedPrefix, state)
	}
	w.Flush()
}

func (r *Repl) listNeighbors() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Iface\tVIP\tUDPAddr")
	for _, iface := range r.node.Interfaces() {
		for _, nb := range iface.NeighborsSnapshot() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", iface.Name, nb.VirtualIP, nb.UDPAddr)
		}
	}
	w.Flush()
}

func (r *Repl) listRoutes() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "T\tPrefix\tNext hop\tCost")
	for _, e := range r.node.Table.All() {
		nextHop := "LOCAL:" + e.Iface
		if e.Kind != routing.Local {
			nextHop = e.Gateway.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", e.Kind, e.Prefix, nextHop, e.Metric)
	}
	w.Flush()
}

func (r *Repl) setIfaceUp(fields []string, up bool) error {
	if len(fields) != 2 {
		return fmt.Errorf("usage: %s <interface>", fields[0])
	}
	iface, ok := r.node.Interface(fields[1])
	if !ok {
		return fmt.Errorf("no such interface %q", fields[1])
	}
	iface.SetUp(up)
	if r.rip != nil {
		r.rip.NotifyInterfaceToggle(fields[1], up)
	}
	return nil
}

func (r *Repl) send(fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("usage: send <addr> <message>")
	}
	dst, err := netip.ParseAddr(fields[1])
	if err != nil {
		return err
	}
	msg := strings.Join(fields[2:], " ")
	return r.node.SendIP(dst, ipnode.ProtocolTest, []byte(msg))
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err
}

func (r *Repl) requireTCP() error {
	if r.tcp == nil {
		return fmt.Errorf("command not available on a router")
	}
	return nil
}

func (r *Repl) dispatchTCP(fields []string) error {
	switch fields[0] {
	case "a":
		return r.accept(fields)
	case "c":
		return r.connect(fields)
	case "s":
		return r.sendData(fields)
	case "r":
		return r.readData(fields)
	case "sf":
		return r.sendFile(fields)
	case "rf":
		return r.recvFile(fields)
	case "cl":
		return r.closeSocket(fields)
	case "ab":
		return r.abortSocket(fields)
	case "ls":
		r.listSockets()
	}
	return nil
}

func (r *Repl) accept(fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("usage: a <port>")
	}
	port, err := parseUint16(fields[1])
	if err != nil {
		return err
	}
	ls, err := r.tcp.VListen(port)
	if err != nil {
		return err
	}
	go func() {
		for {
			conn, err := ls.VAccept()
			if err != nil {
				return
			}
			fmt.Fprintf(r.out, "new connection on socket %d\n", conn.ID())
		}
	}()
	fmt.Fprintf(r.out, "listening on socket %d\n", ls.ID())
	return nil
}

func (r *Repl) connect(fields []string) error {
	if len(fields) != 3 {
		return fmt.Errorf("usage: c <addr> <port>")
	}
	addr, err := netip.ParseAddr(fields[1])
	if err != nil {
		return err
	}
	port, err := parseUint16(fields[2])
	if err != nil {
		return err
	}
	conn, err := r.tcp.VConnect(addr, port)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "connected, socket %d\n", conn.ID())
	return nil
}

func (r *Repl) normalSocket(idField string) (*tcp.NormalSocket, error) {
	id, err := strconv.Atoi(idField)
	if err != nil {
		return nil, err
	}
	v, ok := r.tcp.Socket(id)
	if !ok {
		return nil, fmt.Errorf("no socket %d", id)
	}
	conn, ok := v.(*tcp.NormalSocket)
	if !ok {
		return nil, fmt.Errorf("socket %d is a listening socket", id)
	}
	return conn, nil
}

func (r *Repl) sendData(fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("usage: s <socket id> <data>")
	}
	conn, err := r.normalSocket(fields[1])
	if err != nil {
		return err
	}
	data := strings.Join(fields[2:], " ")
	_, err = conn.VWrite([]byte(data))
	return err
}

func (r *Repl) readData(fields []string) error {
	if len(fields) != 3 {
		return fmt.Errorf("usage: r <socket id> <numbytes>")
	}
	conn, err := r.normalSocket(fields[1])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	got, err := conn.VRead(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s\n", string(buf[:got]))
	return nil
}

func (r *Repl) sendFile(fields []string) error {
	if len(fields) != 4 {
		return fmt.Errorf("usage: sf <filename> <addr> <port>")
	}
	f, err := os.Open(fields[1])
	if err != nil {
		return err
	}
	defer f.Close()

	addr, err := netip.ParseAddr(fields[2])
	if err != nil {
		return err
	}
	port, err := parseUint16(fields[3])
	if err != nil {
		return err
	}
	conn, err := r.tcp.VConnect(addr, port)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				if _, werr := conn.VWrite(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		conn.VClose()
	}()
	return nil
}

func (r *Repl) recvFile(fields []string) error {
	if len(fields) != 3 {
		return fmt.Errorf("usage: rf <filename> <port>")
	}
	filename := fields[1]
	port, err := parseUint16(fields[2])
	if err != nil {
		return err
	}
	ls, err := r.tcp.VListen(port)
	if err != nil {
		return err
	}
	go func() {
		conn, err := ls.VAccept()
		if err != nil {
			return
		}
		ls.VClose()
		out, err := os.Create(filename)
		if err != nil {
			return
		}
		defer out.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.VRead(buf)
			if n > 0 {
				out.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

func (r *Repl) closeSocket(fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("usage: cl <socket id>")
	}
	conn, err := r.normalSocket(fields[1])
	if err != nil {
		return err
	}
	return conn.VClose()
}

func (r *Repl) abortSocket(fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("usage: ab <socket id>")
	}
	conn, err := r.normalSocket(fields[1])
	if err != nil {
		return err
	}
	return conn.VAbort()
}

func (r *Repl) listSockets() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Socket\tLocal\tRemote\tState")
	for _, info := range r.tcp.Sockets() {
		local := fmt.Sprintf("%s:%d", info.LocalAddr, info.LocalPort)
		remote := "-"
		if info.RemotePort != 0 {
			remote = fmt.Sprintf("%s:%d", info.RemoteAddr, info.RemotePort)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", info.ID, local, remote, info.State)
	}
	w.Flush()
}
