package reflection

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/internal/ratelimit"
	"github.com/tunnelrelay/relay/internal/relaylog"
)

func testLogger(t *testing.T) *relaylog.Logger {
	t.Helper()
	base, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	return relaylog.For(base, "reflection")
}

func requestDatagram() []byte {
	buf := make([]byte, RequestSize)
	binary.BigEndian.PutUint16(buf[0:2], stunID)
	return buf
}

func TestReflectionReplyEncodesSourceAddrPort(t *testing.T) {
	limiter := ratelimit.New(5000, 20)
	r, err := Listen(0, limiter, testLogger(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	client, err := net.DialUDP("udp4", nil, r.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if _, err := client.Write(requestDatagram()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 64)
	n, err := client.Read(reply)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != ReplySize {
		t.Fatalf("got reply length %d, want %d", n, ReplySize)
	}

	localAddr := client.LocalAddr().(*net.UDPAddr)
	wantIP := localAddr.IP.To4()
	if wantIP == nil {
		t.Fatalf("client local address %v is not IPv4", localAddr)
	}

	for i := 0; i < 4; i++ {
		if got, want := reply[i]^0x20, wantIP[i]; got != want {
			t.Fatalf("reply[%d]^0x20 = %d, want %d (source IP octet)", i, got, want)
		}
	}
	gotPort := binary.BigEndian.Uint16([]byte{reply[4] ^ 0x20, reply[5] ^ 0x20})
	if int(gotPort) != localAddr.Port {
		t.Fatalf("decoded port %d, want %d", gotPort, localAddr.Port)
	}
}

func TestReflectionDropsWrongLength(t *testing.T) {
	limiter := ratelimit.New(5000, 20)
	r, err := Listen(0, limiter, testLogger(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	client, err := net.DialUDP("udp4", nil, r.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if _, err := client.Write(requestDatagram()[:RequestSize-1]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no reply for a short datagram")
	}
}

func TestReflectionDropsBadTag(t *testing.T) {
	limiter := ratelimit.New(5000, 20)
	r, err := Listen(0, limiter, testLogger(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	client, err := net.DialUDP("udp4", nil, r.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	req := requestDatagram()
	binary.BigEndian.PutUint16(req[0:2], 1)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("Write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no reply for a bad stun tag")
	}
}

func TestIsHostileSource(t *testing.T) {
	cases := []struct {
		name string
		addr netip.AddrPort
		want bool
	}{
		{"loopback", netip.MustParseAddrPort("127.0.0.1:5000"), true},
		{"unspecified", netip.MustParseAddrPort("0.0.0.0:5000"), true},
		{"multicast", netip.MustParseAddrPort("224.0.0.1:5000"), true},
		{"limited broadcast", netip.MustParseAddrPort("255.255.255.255:5000"), true},
		{"zero port", netip.MustParseAddrPort("203.0.113.5:0"), true},
		{"ordinary source", netip.MustParseAddrPort("203.0.113.5:5000"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isHostile(tc.addr); got != tc.want {
				t.Fatalf("isHostile(%v) = %v, want %v", tc.addr, got, tc.want)
			}
		})
	}
}

func TestReflectionPerIPRateLimit(t *testing.T) {
	limiter := ratelimit.New(5000, 20)
	r, err := Listen(0, limiter, testLogger(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	client, err := net.DialUDP("udp4", nil, r.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	req := requestDatagram()
	for i := 0; i < 20; i++ {
		if _, err := client.Write(req); err != nil {
			t.Fatalf("Write: %v", err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		if _, err := client.Read(buf); err != nil {
			t.Fatalf("Read (admitted request %d): %v", i, err)
		}
	}

	if _, err := client.Write(req); err != nil {
		t.Fatalf("Write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no reply for the 21st request in the window")
	}
}

func TestLimiterResetReadmitsAddress(t *testing.T) {
	limiter := ratelimit.New(5000, 1)
	addr := netip.MustParseAddr("203.0.113.9")

	limiter.Allow(addr)
	if limiter.Allow(addr) {
		t.Fatal("expected per-IP cap of 1 to refuse a second request before reset")
	}
	limiter.Reset()
	if !limiter.Allow(addr) {
		t.Fatal("expected the limiter to admit again after Reset")
	}
}
