package routing

import (
	"net/netip"
	"testing"
	"time"
)

func mustPrefix(s string) netip.Prefix { return netip.MustParsePrefix(s) }
func mustAddr(s string) netip.Addr    { return netip.MustParseAddr(s) }

func TestLongestPrefixMatch(t *testing.T) {
	tbl := New()
	tbl.Add(Entry{Kind: Local, Prefix: mustPrefix("10.0.0.0/8"), Iface: "eth-wide"})
	tbl.Add(Entry{Kind: Local, Prefix: mustPrefix("10.0.1.0/24"), Iface: "eth-narrow"})

	e, ok := tbl.Query(mustAddr("10.0.1.5"), LongestPrefixMatch)
	if !ok {
		t.Fatal("expected a match")
	}
	if e.Iface != "eth-narrow" {
		t.Fatalf("expected longest prefix match to win, got %s", e.Iface)
	}
}

func TestRIPReceiveAcceptanceRules(t *testing.T) {
	tbl := New()
	peerA := mustAddr("10.0.0.2")
	peerB := mustAddr("10.0.0.3")
	prefix := mustPrefix("192.168.1.0/24")

	e, triggered := tbl.RIPReceive(prefix, 3, peerA)
	if !triggered || e.Metric != 3 {
		t.Fatalf("expected insert with metric 3, got %+v triggered=%v", e, triggered)
	}

	// Equal cost from same gateway: refresh only, no trigger.
	e, triggered = tbl.RIPReceive(prefix, 3, peerA)
	if triggered {
		t.Fatal("equal cost from same gateway should not trigger")
	}

	// Higher cost from a different gateway: ignored.
	e, triggered = tbl.RIPReceive(prefix, 5, peerB)
	if triggered || e.Metric != 3 {
		t.Fatalf("higher cost from a different gateway should be ignored, got %+v", e)
	}

	// Lower cost from a different gateway: accepted, gateway switches.
	e, triggered = tbl.RIPReceive(prefix, 1, peerB)
	if !triggered || e.Metric != 1 || e.Gateway != peerB {
		t.Fatalf("lower cost should be accepted with new gateway, got %+v", e)
	}

	// Higher cost from current gateway: accepted (gateway confirms its own regression).
	e, triggered = tbl.RIPReceive(prefix, 4, peerB)
	if !triggered || e.Metric != 4 {
		t.Fatalf("higher cost from same gateway should be accepted, got %+v", e)
	}
}

func TestLocalEntryNeverOverriddenByRIP(t *testing.T) {
	tbl := New()
	prefix := mustPrefix("10.0.0.0/24")
	tbl.Add(Entry{Kind: Local, Prefix: prefix, Iface: "eth0"})

	_, triggered := tbl.RIPReceive(prefix, 1, mustAddr("10.0.0.9"))
	if triggered {
		t.Fatal("RIP must never override a Local entry")
	}
	e, _ := tbl.Query(mustAddr("10.0.0.5"), LongestPrefixMatch)
	if e.Kind != Local {
		t.Fatalf("expected Local entry to survive, got %+v", e)
	}
}

func TestExpirePurgesStaleRIPRoutes(t *testing.T) {
	tbl := New()
	prefix := mustPrefix("172.16.0.0/16")
	tbl.Add(Entry{Kind: RIP, Prefix: prefix, Gateway: mustAddr("10.0.0.2"), Metric: 2, LastRefresh: time.Now().Add(-13 * time.Second)})

	expired := tbl.Expire(12 * time.Second)
	if len(expired) != 1 || expired[0].Metric != Infinity {
		t.Fatalf("expected one expired entry at infinity, got %+v", expired)
	}
	if _, ok := tbl.Query(mustAddr("172.16.0.1"), LongestPrefixMatch); ok {
		t.Fatal("expired route should be purged")
	}
}

func TestPoisonedReverse(t *testing.T) {
	tbl := New()
	peer := mustAddr("10.0.0.2")
	tbl.Add(Entry{Kind: RIP, Prefix: mustPrefix("192.168.5.0/24"), Gateway: peer, Metric: 3, LastRefresh: time.Now()})

	sent := tbl.RIPSendEntries(peer)
	if len(sent) != 1 || sent[0].Metric != Infinity {
		t.Fatalf("expected poisoned reverse cost %d, got %+v", Infinity, sent)
	}
}
