package lnxconfig

import (
	"net/netip"
	"strings"
	"testing"
)

func TestParseBasic(t *testing.T) {
	doc := `
# sample router config
interface eth0 10.0.0.1/24 127.0.0.1:5000
neighbor 10.0.0.2 127.0.0.1:5001 eth0
routing rip
rip-neighbor 10.0.0.2
static 192.168.1.0/24 10.0.0.9
tcp-rto-min 100ms
tcp-rto-max 1s
`
	cfg, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Interfaces) != 1 || cfg.Interfaces[0].Name != "eth0" {
		t.Fatalf("unexpected interfaces: %+v", cfg.Interfaces)
	}
	if cfg.Interfaces[0].AssignedPrefix != netip.MustParsePrefix("10.0.0.1/24") {
		t.Fatalf("unexpected prefix: %v", cfg.Interfaces[0].AssignedPrefix)
	}
	if len(cfg.Neighbors) != 1 || cfg.Neighbors[0].InterfaceName != "eth0" {
		t.Fatalf("unexpected neighbors: %+v", cfg.Neighbors)
	}
	if cfg.RoutingMode != RoutingRIP {
		t.Fatalf("expected RIP routing mode, got %v", cfg.RoutingMode)
	}
	if len(cfg.RipNeighbors) != 1 {
		t.Fatalf("expected one rip neighbor, got %+v", cfg.RipNeighbors)
	}
	if len(cfg.StaticRoutes) != 1 || cfg.StaticRoutes[0].NextHop.String() != "10.0.0.9" {
		t.Fatalf("unexpected static routes: %+v", cfg.StaticRoutes)
	}
}

func TestParseRejectsUnknownDirective(t *testing.T) {
	if _, err := Parse(strings.NewReader("bogus directive here")); err == nil {
		t.Fatal("expected error for unknown directive")
	}
}
