package relay

import (
	"net/netip"

	"github.com/tunnelrelay/relay/internal/ratelimit"
)

// admitPing applies the ping rate limit to a source address already known
// to match the ping subprotocol's header/length shape.
func admitPing(limiter *ratelimit.Counter, src netip.AddrPort) bool {
	return limiter.Allow(src.Addr())
}
