// Package table implements the relay's Client Table: the mapping from
// ClientID to TunnelClient, the parallel per-IP admission counter, and the
// admission/rebind/eviction rules. Every method that touches the map or the
// counter takes the same mutex, so the joint invariant
// |{c : c.endpoint.addr == ip}| == IpCount[ip] never observably breaks.
package table

import (
	"net/netip"
	"sync"
	"time"

	"github.com/tunnelrelay/relay/pkg/wire"
)

// TunnelClient is a single admitted client's last-known endpoint and
// last-receive timestamp.
type TunnelClient struct {
	Endpoint    netip.AddrPort
	LastReceive time.Time
}

// TimedOut reports whether the client has been idle for at least timeout,
// measured from now.
func (c TunnelClient) TimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastReceive) >= timeout
}

// Outcome classifies the result of an admission attempt, matching the
// disposition taxonomy the Relay Engine's instrumentation counts against.
type Outcome int

const (
	// OutcomeRefreshed means the sender was already present at exactly
	// this endpoint; only LastReceive advanced.
	OutcomeRefreshed Outcome = iota
	// OutcomeRebound means the sender was present, timed out, and
	// eligible to move to a new endpoint; it did.
	OutcomeRebound
	// OutcomeRegistered means a brand-new sender was admitted.
	OutcomeRegistered
	// OutcomeDroppedTableFull means a brand-new sender was refused
	// because the table is at max_clients.
	OutcomeDroppedTableFull
	// OutcomeDroppedMaintenance means admission or rebind was refused
	// because maintenance mode is enabled.
	OutcomeDroppedMaintenance
	// OutcomeDroppedIPCap means admission or rebind was refused because
	// the source IP is already at ip_limit.
	OutcomeDroppedIPCap
	// OutcomeDroppedNotTimedOut means an existing sender appeared at a
	// different endpoint before its old one timed out; this is simply
	// dropped, never treated as an error.
	OutcomeDroppedNotTimedOut
)

// Table is the Client Table plus its parallel per-IP admission counter.
type Table struct {
	mu         sync.Mutex
	clients    map[wire.ClientID]TunnelClient
	ipCounts   map[netip.Addr]int
	maxClients int
	ipLimit    int
}

// New builds an empty Table bounded by maxClients and ipLimit (already
// coerced by config.Config.Normalize).
func New(maxClients, ipLimit int) *Table {
	return &Table{
		clients:    make(map[wire.ClientID]TunnelClient),
		ipCounts:   make(map[netip.Addr]int),
		maxClients: maxClients,
		ipLimit:    ipLimit,
	}
}

// Admit applies the admission/refresh/rebind rules for a packet from
// endpoint ep claiming sender id. timeout and now are passed in explicitly
// so callers can use a monotonic clock and tests can control time.
func (t *Table) Admit(id wire.ClientID, ep netip.AddrPort, maintenanceOn bool, timeout time.Duration, now time.Time) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitLocked(id, ep, maintenanceOn, timeout, now)
}

// AdmitAndForward runs the same admission rule as Admit and, if the sender
// ends up admitted, resolves the forwarding destination for receiver and
// invokes send with it — all inside the same critical section. This is the
// entry point the Relay Engine uses: the outbound send must happen inside
// the lock that admitted/refreshed the sender, so a rebind racing in from
// another datagram can never redirect a send that is already in flight.
//
// send is called at most once, only when a distinct, present receiver was
// resolved. forward reports whether it was called; selfEcho distinguishes a
// resolved-but-identical-endpoint receiver from a plain receiver-absent
// registration packet, for the caller's instrumentation. sendErr is send's
// return value, or nil if send was never called.
func (t *Table) AdmitAndForward(sender, receiver wire.ClientID, ep netip.AddrPort, maintenanceOn bool, timeout time.Duration, now time.Time, send func(dest netip.AddrPort) error) (outcome Outcome, forward bool, selfEcho bool, sendErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outcome = t.admitLocked(sender, ep, maintenanceOn, timeout, now)
	if outcome != OutcomeRefreshed && outcome != OutcomeRebound && outcome != OutcomeRegistered {
		return outcome, false, false, nil
	}

	senderRec := t.clients[sender]
	receiverRec, ok := t.clients[receiver]
	if !ok {
		return outcome, false, false, nil
	}
	if receiverRec.Endpoint == senderRec.Endpoint {
		return outcome, false, true, nil
	}
	return outcome, true, false, send(receiverRec.Endpoint)
}

// admitLocked is Admit's body, factored out so AdmitAndForward can share it
// under one lock acquisition. Callers must hold t.mu.
func (t *Table) admitLocked(id wire.ClientID, ep netip.AddrPort, maintenanceOn bool, timeout time.Duration, now time.Time) Outcome {
	existing, ok := t.clients[id]
	if ok {
		if existing.Endpoint == ep {
			existing.LastReceive = now
			t.clients[id] = existing
			return OutcomeRefreshed
		}
		if !existing.TimedOut(now, timeout) {
			return OutcomeDroppedNotTimedOut
		}
		if maintenanceOn {
			return OutcomeDroppedMaintenance
		}
		oldAddr := existing.Endpoint.Addr()
		if !t.isNewConnectionAllowedLocked(ep.Addr(), &oldAddr) {
			return OutcomeDroppedIPCap
		}
		existing.Endpoint = ep
		existing.LastReceive = now
		t.clients[id] = existing
		return OutcomeRebound
	}

	if len(t.clients) >= t.maxClients {
		return OutcomeDroppedTableFull
	}
	if maintenanceOn {
		return OutcomeDroppedMaintenance
	}
	if !t.isNewConnectionAllowedLocked(ep.Addr(), nil) {
		return OutcomeDroppedIPCap
	}
	t.clients[id] = TunnelClient{Endpoint: ep, LastReceive: now}
	return OutcomeRegistered
}

// isNewConnectionAllowedLocked enforces the per-IP admission cap, moving
// the IP count from oldAddr to newAddr on a rebind. Callers must hold t.mu.
func (t *Table) isNewConnectionAllowedLocked(newAddr netip.Addr, oldAddr *netip.Addr) bool {
	if oldAddr != nil && newAddr == *oldAddr {
		return true
	}
	if t.ipCounts[newAddr] >= t.ipLimit {
		return false
	}
	if oldAddr == nil {
		t.ipCounts[newAddr]++
		return true
	}
	t.ipCounts[newAddr]++
	t.ipCounts[*oldAddr]--
	if t.ipCounts[*oldAddr] <= 0 {
		delete(t.ipCounts, *oldAddr)
	}
	return true
}

// Lookup returns the current record for id, for the forward stage.
func (t *Table) Lookup(id wire.ClientID) (TunnelClient, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[id]
	return c, ok
}

// CleanupTimedOut removes every entry idle for at least timeout, decrements
// the per-IP counter accordingly, and returns the number of clients left.
func (t *Table) CleanupTimedOut(timeout time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, c := range t.clients {
		if c.TimedOut(now, timeout) {
			delete(t.clients, id)
			addr := c.Endpoint.Addr()
			t.ipCounts[addr]--
			if t.ipCounts[addr] <= 0 {
				delete(t.ipCounts, addr)
			}
		}
	}
	return len(t.clients)
}

// Len returns the current client count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// IPCount returns the current admitted-client count for addr, for tests and
// metrics.
func (t *Table) IPCount(addr netip.Addr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ipCounts[addr]
}
