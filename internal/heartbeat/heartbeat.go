// Package heartbeat implements the periodic cleanup-and-announce task: it
// evicts timed-out clients from the Client Table, clears the ping rate
// limiter's window, and (unless disabled) reports the post-cleanup client
// count to the Master Announcer.
package heartbeat

import (
	"context"
	"time"

	"github.com/tunnelrelay/relay/internal/metrics"
	"github.com/tunnelrelay/relay/internal/ratelimit"
	"github.com/tunnelrelay/relay/internal/relaylog"
	"github.com/tunnelrelay/relay/internal/table"
	"github.com/tunnelrelay/relay/pkg/announce"
)

// Period is the fixed interval between cleanup passes and, unless
// no_master_announce is set, directory announces.
const Period = 60 * time.Second

// Announcer is the subset of master.Announcer the Heartbeat depends on.
type Announcer interface {
	Announce(ctx context.Context, status announce.Status) error
}

// MaintenanceStatus reports the relay's current maintenance flag, so it can
// be included in the announce payload, without the Heartbeat importing the
// Relay Engine package directly.
type MaintenanceStatus interface {
	Enabled() bool
}

// Heartbeat owns the 60s cleanup/announce cadence.
type Heartbeat struct {
	table       *table.Table
	pingLimiter *ratelimit.Counter
	announcer   Announcer
	maintenance MaintenanceStatus
	log         *relaylog.Logger

	timeout          time.Duration
	name             string
	tunnelPort       int
	maxClients       int
	noMasterAnnounce bool
}

// Config bundles the fields Heartbeat needs out of config.Config, so this
// package doesn't import config directly.
type Config struct {
	ClientTimeout    time.Duration
	Name             string
	TunnelPort       int
	MaxClients       int
	NoMasterAnnounce bool
}

// New builds a Heartbeat.
func New(t *table.Table, pingLimiter *ratelimit.Counter, ann Announcer, maint MaintenanceStatus, cfg Config, log *relaylog.Logger) *Heartbeat {
	return &Heartbeat{
		table:            t,
		pingLimiter:      pingLimiter,
		announcer:        ann,
		maintenance:      maint,
		log:              log,
		timeout:          cfg.ClientTimeout,
		name:             cfg.Name,
		tunnelPort:       cfg.TunnelPort,
		maxClients:       cfg.MaxClients,
		noMasterAnnounce: cfg.NoMasterAnnounce,
	}
}

// Tick runs one cleanup pass and, unless disabled, one announce attempt.
// Exported so tests can drive it without waiting for the ticker.
func (h *Heartbeat) Tick(ctx context.Context) {
	now := time.Now()
	remaining := h.table.CleanupTimedOut(h.timeout, now)
	h.pingLimiter.Reset()
	metrics.ClientTableSize.Set(float64(remaining))

	maintenanceOn := h.maintenance.Enabled()
	if maintenanceOn {
		metrics.MaintenanceEnabled.Set(1)
	} else {
		metrics.MaintenanceEnabled.Set(0)
	}

	if h.noMasterAnnounce {
		metrics.AnnounceAttemptsTotal.WithLabelValues(metrics.AnnounceOutcomeSkipped).Inc()
		return
	}

	status := announce.Status{
		Name:        h.name,
		Port:        h.tunnelPort,
		Clients:     remaining,
		MaxClients:  h.maxClients,
		Maintenance: maintenanceOn,
	}
	if err := h.announcer.Announce(ctx, status); err != nil {
		h.log.Errorw("master announce failed", "err", err)
	}
}

// Run blocks, ticking once immediately and then every Period, until ctx is
// cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.Tick(ctx)

	ticker := time.NewTicker(Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}
