package ratelimit

import (
	"net/netip"
	"testing"
)

func TestAllowPerIPCap(t *testing.T) {
	c := New(5000, 20)
	addr := netip.MustParseAddr("203.0.113.5")

	for i := 0; i < 20; i++ {
		if !c.Allow(addr) {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if c.Allow(addr) {
		t.Fatal("21st request from the same IP should be rejected")
	}
}

func TestAllowGlobalCap(t *testing.T) {
	c := New(2, 20)
	a := netip.MustParseAddr("203.0.113.1")
	b := netip.MustParseAddr("203.0.113.2")
	third := netip.MustParseAddr("203.0.113.3")

	if !c.Allow(a) || !c.Allow(b) {
		t.Fatal("first two distinct IPs should be admitted")
	}
	if c.Allow(third) {
		t.Fatal("third distinct IP should be rejected once the global cap is reached")
	}
	// Existing IPs are still served even though a brand-new one is refused.
	if !c.Allow(a) {
		t.Fatal("already-tracked IP should still be admitted under its own cap")
	}
}

func TestResetClearsWindow(t *testing.T) {
	c := New(5000, 1)
	addr := netip.MustParseAddr("203.0.113.5")
	if !c.Allow(addr) {
		t.Fatal("first request should be admitted")
	}
	if c.Allow(addr) {
		t.Fatal("second request should be rejected before reset")
	}
	c.Reset()
	if !c.Allow(addr) {
		t.Fatal("request after reset should be admitted again")
	}
}
