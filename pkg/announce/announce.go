// Package announce defines the wire shape of a directory ("master")
// announce: the query parameters a V3 relay reports on every heartbeat, and
// the typed error returned when a directory rejects or fails to answer one.
// It deliberately knows nothing about HTTP transport — that lives in
// internal/master — so the query-building logic can be tested without a
// server.
package announce

import (
	"net/url"
	"strconv"
	"strings"
)

// Status is everything a single announce reports about the relay's current
// state.
type Status struct {
	Name        string
	Port        int
	Clients     int
	MaxClients  int
	Maintenance bool
}

// Query builds the announce query string: version, name, port, clients,
// maxclients, masterpw, maintenance. An empty masterPassword still
// produces the masterpw key with an empty value; the parameter list is
// always complete regardless of which fields are set.
func (s Status) Query(masterPassword string) url.Values {
	v := url.Values{}
	v.Set("version", "3")
	v.Set("name", s.Name)
	v.Set("port", strconv.Itoa(s.Port))
	v.Set("clients", strconv.Itoa(s.Clients))
	v.Set("maxclients", strconv.Itoa(s.MaxClients))
	v.Set("masterpw", masterPassword)
	if s.Maintenance {
		v.Set("maintenance", "1")
	} else {
		v.Set("maintenance", "0")
	}
	return v
}

// IsOK reports whether a directory's response body counts as success: the
// body equals "OK", case-insensitively, ignoring surrounding whitespace.
func IsOK(body string) bool {
	return strings.EqualFold(strings.TrimSpace(body), "OK")
}

// Failure is the typed error returned for a failed announce attempt: an
// HTTP transport error, a timeout, or a non-OK body. An Op/Err wrapper
// carries more context than a bag of string codes would.
type Failure struct {
	Op   string
	Body string // set only when Op == "bad_body"
	Err  error
}

func (f *Failure) Error() string {
	if f.Op == "bad_body" {
		return "announce " + f.Op + ": unexpected body " + strconv.Quote(f.Body)
	}
	return "announce " + f.Op + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure wraps a transport or timeout error.
func NewFailure(op string, err error) error {
	return &Failure{Op: op, Err: err}
}

// NewBadBodyFailure reports a non-OK response body.
func NewBadBodyFailure(body string) error {
	return &Failure{Op: "bad_body", Body: body}
}
