// Package reflection implements the reflection responder: a small
// STUN-flavored UDP service that tells a client the address and port the
// relay observed its request arrive from, so the client can discover its
// own NAT mapping. It shares nothing with the Relay Engine beyond the
// generic ratelimit.Counter shape.
package reflection

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunnelrelay/relay/internal/metrics"
	"github.com/tunnelrelay/relay/internal/ratelimit"
	"github.com/tunnelrelay/relay/internal/relaylog"
	"github.com/tunnelrelay/relay/pkg/wire"
)

const (
	// RequestSize is the exact length of a valid reflection request.
	RequestSize = 48
	// ReplySize is the length of every reflection reply.
	ReplySize = 40
	// stunID is the 16-bit tag a valid request must carry at offset 0,
	// network-byte-order, and the value the reply buffer is pre-seeded with
	// at offset 6 before any request overwrites the address/port fields.
	stunID = 26262
)

// Responder owns the reflection UDP socket, the pre-seeded reply template,
// and its own rate limiter and counter-reset timer — entirely independent
// of the Client Table and its mutex.
type Responder struct {
	conn    *net.UDPConn
	limiter *ratelimit.Counter
	log     *relaylog.Logger

	mu   sync.Mutex
	tmpl [ReplySize]byte

	ready atomic.Bool
}

// Listen binds the reflection UDP socket on all IPv4 interfaces and seeds
// the reply template once.
func Listen(port int, limiter *ratelimit.Counter, log *relaylog.Logger) (*Responder, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	r := &Responder{conn: conn, limiter: limiter, log: log}
	rand.Read(r.tmpl[:])
	binary.BigEndian.PutUint16(r.tmpl[6:8], stunID)
	r.ready.Store(true)
	return r, nil
}

// Ready reports whether the reflection socket is bound, for the admin
// surface's /healthz handler.
func (r *Responder) Ready() bool { return r.ready.Load() }

// Addr returns the bound local address.
func (r *Responder) Addr() net.Addr { return r.conn.LocalAddr() }

// Close closes the underlying socket. Run's receive loop then returns.
func (r *Responder) Close() error { return r.conn.Close() }

// Run reads reflection requests until ctx is cancelled or the socket closes.
// The caller is expected to also run ResetLoop on the same context so the
// rate limiter's window actually advances.
func (r *Responder) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, RequestSize+1)
	for {
		n, src, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.handleRequest(buf[:n], src)
	}
}

// ResetPeriod is the fixed interval the reflection counter is cleared on,
// independent of the Heartbeat's own 60s cadence.
const ResetPeriod = 60 * time.Second

// ResetLoop clears the rate limiter's window every ResetPeriod until ctx is
// cancelled.
func (r *Responder) ResetLoop(ctx context.Context) error {
	ticker := time.NewTicker(ResetPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.limiter.Reset()
		}
	}
}

func (r *Responder) handleRequest(req []byte, src netip.AddrPort) {
	if len(req) != RequestSize {
		metrics.ReflectionRequestsTotal.WithLabelValues(metrics.ReflectionDispositionMalformed).Inc()
		return
	}
	if isHostile(src) {
		metrics.ReflectionRequestsTotal.WithLabelValues(metrics.ReflectionDispositionHostile).Inc()
		return
	}
	if !r.limiter.Allow(src.Addr()) {
		metrics.ReflectionRequestsTotal.WithLabelValues(metrics.ReflectionDispositionRateLimit).Inc()
		return
	}
	if binary.BigEndian.Uint16(req[0:2]) != stunID {
		metrics.ReflectionRequestsTotal.WithLabelValues(metrics.ReflectionDispositionBadTag).Inc()
		return
	}

	reply := r.buildReply(src)
	if _, err := r.conn.WriteToUDPAddrPort(reply[:], src); err != nil {
		r.log.Debugw("reflection reply send failed", "addr", src, "err", err)
		return
	}
	metrics.ReflectionRequestsTotal.WithLabelValues(metrics.ReflectionDispositionReplied).Inc()
}

// buildReply copies the seeded template, overwrites the source address/port
// fields, and XORs the first 6 bytes with 0x20.
func (r *Responder) buildReply(src netip.AddrPort) [ReplySize]byte {
	r.mu.Lock()
	reply := r.tmpl
	r.mu.Unlock()

	ip4 := src.Addr().Unmap().As4()
	copy(reply[0:4], ip4[:])
	binary.BigEndian.PutUint16(reply[4:6], src.Port())
	for i := 0; i < 6; i++ {
		reply[i] ^= 0x20
	}
	return reply
}

// isHostile mirrors wire.IsHostileSource's checks, calling into
// wire.IsIPv4Broadcast directly rather than duplicating the broadcast test,
// since the reflection protocol is IPv4-only and has no other dependency on
// the tunnel wire format.
func isHostile(addr netip.AddrPort) bool {
	if addr.Port() == 0 {
		return true
	}
	ip := addr.Addr()
	if !ip.IsValid() {
		return true
	}
	return ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() || wire.IsIPv4Broadcast(ip)
}

