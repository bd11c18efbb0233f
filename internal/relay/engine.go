// Package relay implements the Relay Engine: the UDP receive loop that
// classifies every tunnel datagram, drives the Client Table's admission
// rules, answers pings, and gates the maintenance command.
package relay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunnelrelay/relay/internal/metrics"
	"github.com/tunnelrelay/relay/internal/ratelimit"
	"github.com/tunnelrelay/relay/internal/relaylog"
	"github.com/tunnelrelay/relay/internal/table"
	"github.com/tunnelrelay/relay/pkg/wire"
)

// Engine owns the tunnel UDP socket and dispatches every received datagram.
type Engine struct {
	conn        *net.UDPConn
	table       *table.Table
	pingLimiter *ratelimit.Counter
	maintenance *Maintenance
	timeout     time.Duration
	log         *relaylog.Logger

	bufPool sync.Pool

	ready atomic.Bool
}

// Listen binds the tunnel UDP socket. An empty host binds all interfaces on
// both address families, so IPv4 and IPv6 peers share one dual-stack
// socket.
func Listen(port int, tbl *table.Table, pingLimiter *ratelimit.Counter, maint *Maintenance, timeout time.Duration, log *relaylog.Logger) (*Engine, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	e := &Engine{
		conn:        conn,
		table:       tbl,
		pingLimiter: pingLimiter,
		maintenance: maint,
		timeout:     timeout,
		log:         log,
		bufPool: sync.Pool{
			New: func() any {
				b := make([]byte, wire.MaxPacketSize)
				return &b
			},
		},
	}
	e.ready.Store(true)
	return e, nil
}

// Ready reports whether the tunnel socket is bound, for the admin
// surface's /healthz handler.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Addr returns the bound local address, mostly useful for tests that bind
// to port 0.
func (e *Engine) Addr() net.Addr { return e.conn.LocalAddr() }

// Close closes the underlying socket. Run's receive loop then returns.
func (e *Engine) Close() error { return e.conn.Close() }

// Run reads datagrams until ctx is cancelled or the socket is closed.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.conn.Close()
	}()

	for {
		bufp := e.bufPool.Get().(*[]byte)
		buf := *bufp
		n, src, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			e.bufPool.Put(bufp)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		e.handlePacket(buf[:n], src)
		e.bufPool.Put(bufp)
	}
}

// handlePacket classifies a datagram in a fixed precedence: malformed and
// hostile-source filtering, then maintenance, then ping, then forward.
func (e *Engine) handlePacket(payload []byte, src netip.AddrPort) {
	n := len(payload)
	if n < wire.HeaderSize {
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionMalformed).Inc()
		return
	}
	if wire.IsHostileSource(src) {
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionHostileSource).Inc()
		return
	}

	h := wire.ParseHeader(payload)
	if h.IsCollapsed() {
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionCollapsedIDs).Inc()
		return
	}
	if h.IsMaintenance(n) {
		e.handleMaintenance(payload, src)
		return
	}
	if h.IsPing(n) {
		e.handlePing(payload, src)
		return
	}
	if h.Sender == wire.BroadcastID || h.Sender == wire.MaintenanceID {
		// Either an unrecognized sender-zero broadcast or a forward packet
		// claiming a reserved sender id; the Client Table's invariants never
		// admit either as a stored key.
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionUnrecognizedBcast).Inc()
		return
	}
	e.handleForward(h, payload, src)
}

func (e *Engine) handleMaintenance(payload []byte, src netip.AddrPort) {
	command := payload[wire.HeaderSize]
	digest := payload[wire.HeaderSize+1 : wire.HeaderSize+1+wire.MaintenanceDigestLen]

	switch e.maintenance.HandleCommand(command, digest, time.Now()) {
	case CommandRateLimited:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionMaintenanceRateLim).Inc()
	case CommandNoPasswordConfigured:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionMaintenanceNoPass).Inc()
	case CommandAuthFailure:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionMaintenanceAuth).Inc()
		e.log.Warnw("maintenance auth failure", "addr", src)
	case CommandToggledOn:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionMaintenanceOK).Inc()
		e.log.Infow("maintenance enabled", "addr", src)
	case CommandToggledOff:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionMaintenanceOK).Inc()
		e.log.Infow("maintenance disabled", "addr", src)
	case CommandReserved:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionMaintenanceOK).Inc()
		e.log.Debugw("maintenance reserved command byte, no effect", "addr", src)
	}
}

func (e *Engine) handlePing(payload []byte, src netip.AddrPort) {
	if !admitPing(e.pingLimiter, wire.CanonicalEndpoint(src)) {
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionPingRateLimited).Inc()
		return
	}
	metrics.PacketsTotal.WithLabelValues(metrics.DispositionPingReplied).Inc()
	// Sent outside the Client Table lock; pings never touch the table.
	if _, err := e.conn.WriteToUDPAddrPort(payload[:wire.PingEchoLen], src); err != nil {
		e.log.Debugw("ping reply send failed", "addr", src, "err", err)
	}
}

func (e *Engine) handleForward(h wire.Header, payload []byte, src netip.AddrPort) {
	ep := wire.CanonicalEndpoint(src)

	// send runs inside the Client Table's lock: a rebind racing in on
	// another datagram cannot be admitted until this send has already gone
	// out, so it can never redirect it mid-flight.
	send := func(dest netip.AddrPort) error {
		_, err := e.conn.WriteToUDPAddrPort(payload, dest)
		return err
	}

	outcome, forward, selfEcho, sendErr := e.table.AdmitAndForward(
		h.Sender, h.Receiver, ep, e.maintenance.Enabled(), e.timeout, time.Now(), send,
	)

	switch outcome {
	case table.OutcomeDroppedTableFull:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionDroppedTableFull).Inc()
		e.log.Infow("client table full", "sender", h.Sender, "addr", src)
		return
	case table.OutcomeDroppedMaintenance:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionDroppedMaintenance).Inc()
		return
	case table.OutcomeDroppedIPCap:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionDroppedIPCap).Inc()
		return
	case table.OutcomeDroppedNotTimedOut:
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionDroppedNotTimedOut).Inc()
		return
	}

	if selfEcho {
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionDroppedSelfEcho).Inc()
		return
	}
	if !forward {
		metrics.PacketsTotal.WithLabelValues(metrics.DispositionForwardRegister).Inc()
		return
	}
	if sendErr != nil {
		e.log.Debugw("forward send failed", "sender", h.Sender, "receiver", h.Receiver, "err", sendErr)
		return
	}
	metrics.PacketsTotal.WithLabelValues(metrics.DispositionForwardSent).Inc()
}
