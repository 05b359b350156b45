// Package lnxconfig parses the `.lnx` configuration grammar into a Config
// struct consumed by both the host and router node cores; the core only
// ever sees the parsed Config, never the file. The format is a small
// line-oriented DSL, not TOML/YAML/JSON, so stdlib bufio.Scanner line
// parsing is the right tool here rather than a structured-config library.
package lnxconfig

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RoutingMode selects how a node populates its routing table beyond its
// Local and Static entries.
type RoutingMode int

const (
	RoutingNone RoutingMode = iota
	RoutingStatic
	RoutingRIP
)

// InterfaceConfig describes one configured interface.
type InterfaceConfig struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort
}

// NeighborConfig describes one reachable peer on an interface.
type NeighborConfig struct {
	InterfaceName string
	DestAddr      netip.Addr
	UDPAddr       netip.AddrPort
}

// StaticRoute is a manually configured route.
type StaticRoute struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
}

// Config is the parsed view of a `.lnx` file.
type Config struct {
	Interfaces   []InterfaceConfig
	Neighbors    []NeighborConfig
	RoutingMode  RoutingMode
	RipNeighbors []netip.Addr
	StaticRoutes []StaticRoute

	RipPeriodicUpdateRate time.Duration
	RipTimeoutThreshold   time.Duration
	TCPRtoMin             time.Duration
	TCPRtoMax             time.Duration
}

func defaults() Config {
	return Config{
		RipPeriodicUpdateRate: 5 * time.Second,
		RipTimeoutThreshold:   12 * time.Second,
		TCPRtoMin:             500 * time.Millisecond,
		TCPRtoMax:             1000 * time.Millisecond,
	}
}

// ParseFile reads and parses the `.lnx` file at path.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a `.lnx` document from r.
//
// Grammar (one directive per line; blank lines and lines starting with
// '#' are ignored):
//
//	interface <name> <ip>/<prefix> <udp-bind-addr>
//	neighbor <dest-ip> <udp-addr> <via-interface>
//	routing {none|static|rip}
//	rip-neighbor <ip>
//	static <cidr> <next-hop-ip>
//	tcp-rto-min <duration>
//	tcp-rto-max <duration>
func Parse(r io.Reader) (*Config, error) {
	cfg := defaults()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if err := applyDirective(&cfg, fields); err != nil {
			return nil, errors.Wrapf(err, "line %d: %q", lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan config")
	}
	return &cfg, nil
}

func applyDirective(cfg *Config, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "interface":
		if len(fields) != 4 {
			return errors.New("usage: interface <name> <ip>/<prefix> <udp-addr>")
		}
		prefix, err := netip.ParsePrefix(fields[2])
		if err != nil {
			return errors.Wrap(err, "assigned prefix")
		}
		udp, err := netip.ParseAddrPort(fields[3])
		if err != nil {
			return errors.Wrap(err, "udp addr")
		}
		cfg.Interfaces = append(cfg.Interfaces, InterfaceConfig{
			Name:           fields[1],
			AssignedIP:     prefix.Addr(),
			AssignedPrefix: prefix,
			UDPAddr:        udp,
		})
	case "neighbor":
		if len(fields) != 4 {
			return errors.New("usage: neighbor <dest-ip> <udp-addr> <via-interface>")
		}
		dest, err := netip.ParseAddr(fields[1])
		if err != nil {
			return errors.Wrap(err, "dest addr")
		}
		udp, err := netip.ParseAddrPort(fields[2])
		if err != nil {
			return errors.Wrap(err, "udp addr")
		}
		cfg.Neighbors = append(cfg.Neighbors, NeighborConfig{
			DestAddr:      dest,
			UDPAddr:       udp,
			InterfaceName: fields[3],
		})
	case "routing":
		if len(fields) != 2 {
			return errors.New("usage: routing {none|static|rip}")
		}
		switch fields[1] {
		case "none":
			cfg.RoutingMode = RoutingNone
		case "static":
			cfg.RoutingMode = RoutingStatic
		case "rip":
			cfg.RoutingMode = RoutingRIP
		default:
			return errors.Errorf("unknown routing mode %q", fields[1])
		}
	case "rip-neighbor":
		if len(fields) != 2 {
			return errors.New("usage: rip-neighbor <ip>")
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			return errors.Wrap(err, "rip neighbor addr")
		}
		cfg.RipNeighbors = append(cfg.RipNeighbors, addr)
	case "static":
		if len(fields) != 3 {
			return errors.New("usage: static <cidr> <next-hop>")
		}
		prefix, err := netip.ParsePrefix(fields[1])
		if err != nil {
			return errors.Wrap(err, "static prefix")
		}
		hop, err := netip.ParseAddr(fields[2])
		if err != nil {
			return errors.Wrap(err, "static next hop")
		}
		cfg.StaticRoutes = append(cfg.StaticRoutes, StaticRoute{Prefix: prefix, NextHop: hop})
	case "tcp-rto-min":
		d, err := parseDurationField(fields)
		if err != nil {
			return err
		}
		cfg.TCPRtoMin = d
	case "tcp-rto-max":
		d, err := parseDurationField(fields)
		if err != nil {
			return err
		}
		cfg.TCPRtoMax = d
	default:
		return errors.Errorf("unknown directive %q", fields[0])
	}
	return nil
}

func parseDurationField(fields []string) (time.Duration, error) {
	if len(fields) != 2 {
		return 0, errors.Errorf("usage: %s <duration>", fields[0])
	}
	d, err := time.ParseDuration(fields[1])
	if err != nil {
		if ms, err2 := strconv.Atoi(fields[1]); err2 == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return 0, errors.Wrap(err, "duration")
	}
	return d, nil
}
