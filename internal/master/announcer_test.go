package master

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/internal/relaylog"
	"github.com/tunnelrelay/relay/pkg/announce"
)

func testLogger(t *testing.T) *relaylog.Logger {
	t.Helper()
	base, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	return relaylog.For(base, "announcer")
}

func TestAnnounceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("version") != "3" {
			t.Errorf("missing version=3 query param")
		}
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	a := New(srv.URL, "secret", testLogger(t))
	err := a.Announce(context.Background(), announce.Status{Name: "test", Port: 50001, Clients: 1, MaxClients: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAnnounceBadBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("NOPE"))
	}))
	defer srv.Close()

	a := New(srv.URL, "secret", testLogger(t))
	err := a.Announce(context.Background(), announce.Status{})
	if err == nil {
		t.Fatal("expected an error for a non-OK body")
	}
	var f *announce.Failure
	if !asFailure(err, &f) {
		t.Fatalf("expected *announce.Failure, got %T", err)
	}
}

func TestAnnounceDoesNotRetryWithinOneCall(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("FAIL"))
	}))
	defer srv.Close()

	a := New(srv.URL, "", testLogger(t))
	a.Announce(context.Background(), announce.Status{})
	if calls != 1 {
		t.Fatalf("got %d calls, want exactly 1 per Announce invocation", calls)
	}
}

func TestAnnounceRecordsLastOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	a := New(srv.URL, "secret", testLogger(t))
	if outcome, at := a.LastOutcome(); outcome != "" || !at.IsZero() {
		t.Fatalf("expected no outcome before the first attempt, got %q at %v", outcome, at)
	}
	if err := a.Announce(context.Background(), announce.Status{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, at := a.LastOutcome()
	if outcome != "success" {
		t.Fatalf("got outcome %q, want success", outcome)
	}
	if at.IsZero() {
		t.Fatal("expected a non-zero timestamp after a successful attempt")
	}
}

func asFailure(err error, target **announce.Failure) bool {
	f, ok := err.(*announce.Failure)
	if ok {
		*target = f
	}
	return ok
}
