// Package master implements the Master Announcer collaborator: the thin
// HTTP client the Heartbeat calls into to report the relay's status to an
// external directory service. The directory itself is out of scope; only
// the request shape, the success criterion, and this collaborator's own
// failure-backoff pacing live here.
package master

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tunnelrelay/relay/internal/metrics"
	"github.com/tunnelrelay/relay/internal/relaylog"
	"github.com/tunnelrelay/relay/pkg/announce"
)

// RequestTimeout is the per-attempt HTTP deadline for an announce request.
const RequestTimeout = 10 * time.Second

const (
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Announcer issues one HTTP GET per Heartbeat tick against masterURL and
// reports success/failure through metrics and the structured logger. It
// paces consecutive *failed* attempts with a jittered backoff, via
// golang.org/x/time/rate, so a directory outage does not become a retry
// storm; a single success always clears the pacing.
type Announcer struct {
	client         *http.Client
	masterURL      string
	masterPassword string
	log            *relaylog.Logger

	mu          sync.Mutex
	limiter     *rate.Limiter
	failStreak  int
	lastOutcome string
	lastAt      time.Time
}

// New builds an Announcer. An empty masterURL is accepted here; callers
// that honor no_master_announce never invoke Announce in that case, and a
// bad URL surfaces as a transport error on the first real attempt rather
// than at construction time.
func New(masterURL, masterPassword string, log *relaylog.Logger) *Announcer {
	return &Announcer{
		client:         &http.Client{Timeout: RequestTimeout},
		masterURL:      masterURL,
		masterPassword: masterPassword,
		log:            log,
		limiter:        rate.NewLimiter(rate.Inf, 1),
	}
}

// Announce issues exactly one HTTP GET, after waiting out any backoff left
// over from a prior failed attempt. It never retries within the call; the
// Heartbeat decides when the next attempt happens.
func (a *Announcer) Announce(ctx context.Context, status announce.Status) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := a.doAnnounce(ctx, status)
	metrics.AnnounceLatencySeconds.Observe(time.Since(start).Seconds())

	a.mu.Lock()
	if err != nil {
		a.failStreak++
		a.limiter.SetLimit(rate.Every(a.backoffLocked()))
		a.lastOutcome = metrics.AnnounceOutcomeFailure
		a.lastAt = time.Now()
		a.mu.Unlock()
		metrics.AnnounceAttemptsTotal.WithLabelValues(metrics.AnnounceOutcomeFailure).Inc()
		a.log.Errorw("announce failed", "url", a.masterURL, "err", err)
		return err
	}
	a.failStreak = 0
	a.limiter.SetLimit(rate.Inf)
	a.lastOutcome = metrics.AnnounceOutcomeSuccess
	a.lastAt = time.Now()
	a.mu.Unlock()
	metrics.AnnounceAttemptsTotal.WithLabelValues(metrics.AnnounceOutcomeSuccess).Inc()
	return nil
}

// LastOutcome reports the outcome and timestamp of the most recent announce
// attempt, for the admin surface's status handlers. The zero time means no
// attempt has been made yet.
func (a *Announcer) LastOutcome() (outcome string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOutcome, a.lastAt
}

// backoffLocked computes the next jittered backoff given the current fail
// streak. Callers must hold a.mu.
func (a *Announcer) backoffLocked() time.Duration {
	d := baseBackoff << a.failStreak
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func (a *Announcer) doAnnounce(ctx context.Context, status announce.Status) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.masterURL, nil)
	if err != nil {
		return announce.NewFailure("build_request", err)
	}
	req.URL.RawQuery = status.Query(a.masterPassword).Encode()

	resp, err := a.client.Do(req)
	if err != nil {
		return announce.NewFailure("do_request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return announce.NewFailure("read_body", err)
	}
	if !announce.IsOK(string(body)) {
		return announce.NewBadBodyFailure(string(body))
	}
	return nil
}
