// Command relay runs the tunnel relay: the UDP forwarding engine, its
// heartbeat/cleanup loop, the reflection responder, and, if configured, the
// admin/observability surface.
//
// Usage:
//
//	relay [flags]
//
// Flags:
//
//	-tunnel-port int        UDP port for tunnel traffic (default 50001)
//	-reflection-port int    UDP port for reflection requests (default 3478)
//	-max-clients int        Maximum admitted clients (default 200)
//	-ip-limit int           Maximum admitted clients per source IP (default 8)
//	-name string            Name reported to the directory service
//	-master-url string      Directory service announce URL
//	-master-password string Directory service shared secret
//	-maintenance-password string
//	-no-master-announce     Disable directory announces entirely
//	-client-timeout-secs int
//	-admin-addr string      Admin/observability surface bind address (disabled if empty)
//	-log-level string       debug, info, warn, or error (default info)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunnelrelay/relay/internal/admin"
	"github.com/tunnelrelay/relay/internal/config"
	"github.com/tunnelrelay/relay/internal/heartbeat"
	"github.com/tunnelrelay/relay/internal/master"
	"github.com/tunnelrelay/relay/internal/ratelimit"
	"github.com/tunnelrelay/relay/internal/relay"
	"github.com/tunnelrelay/relay/internal/relaylog"
	"github.com/tunnelrelay/relay/internal/reflection"
	"github.com/tunnelrelay/relay/internal/supervisor"
	"github.com/tunnelrelay/relay/internal/table"

	"go.uber.org/zap"
)

const (
	maxPingsGlobal = 5000
	maxPingsPerIP  = 20

	maxReflectionGlobal = 5000
	maxReflectionPerIP  = 20
)

func main() {
	cfg := config.Default()
	flag.IntVar(&cfg.TunnelPort, "tunnel-port", cfg.TunnelPort, "UDP port for tunnel traffic")
	flag.IntVar(&cfg.ReflectionPort, "reflection-port", cfg.ReflectionPort, "UDP port for reflection requests")
	flag.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "maximum admitted clients")
	flag.IntVar(&cfg.IPLimit, "ip-limit", cfg.IPLimit, "maximum admitted clients per source IP")
	flag.StringVar(&cfg.Name, "name", cfg.Name, "name reported to the directory service")
	flag.StringVar(&cfg.MasterURL, "master-url", cfg.MasterURL, "directory service announce URL")
	flag.StringVar(&cfg.MasterPassword, "master-password", cfg.MasterPassword, "directory service shared secret")
	flag.StringVar(&cfg.MaintenancePassword, "maintenance-password", cfg.MaintenancePassword, "maintenance command shared secret")
	flag.BoolVar(&cfg.NoMasterAnnounce, "no-master-announce", cfg.NoMasterAnnounce, "disable directory announces entirely")
	flag.IntVar(&cfg.ClientTimeoutSecs, "client-timeout-secs", cfg.ClientTimeoutSecs, "idle timeout before a client's endpoint may rebind")
	flag.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin/observability surface bind address (disabled if empty)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	flag.Parse()
	cfg.Normalize()

	base, err := relaylog.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer base.Sync()

	log := relaylog.For(base, "relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg, base); err != nil {
		log.Fatalw("fatal error", "err", err)
	}
}

func run(ctx context.Context, cfg *config.Config, base *zap.Logger) error {
	tbl := table.New(cfg.MaxClients, cfg.IPLimit)
	pingLimiter := ratelimit.New(maxPingsGlobal, maxPingsPerIP)
	reflectionLimiter := ratelimit.New(maxReflectionGlobal, maxReflectionPerIP)
	maint := relay.NewMaintenance(cfg.MaintenancePassword)

	engine, err := relay.Listen(cfg.TunnelPort, tbl, pingLimiter, maint, cfg.ClientTimeout(), relaylog.For(base, "relay"))
	if err != nil {
		return fmt.Errorf("bind tunnel port: %w", err)
	}
	defer engine.Close()

	responder, err := reflection.Listen(cfg.ReflectionPort, reflectionLimiter, relaylog.For(base, "reflection"))
	if err != nil {
		return fmt.Errorf("bind reflection port: %w", err)
	}
	defer responder.Close()

	announcer := master.New(cfg.MasterURL, cfg.MasterPassword, relaylog.For(base, "announcer"))

	hb := heartbeat.New(tbl, pingLimiter, announcer, maint, heartbeat.Config{
		ClientTimeout:    cfg.ClientTimeout(),
		Name:             cfg.Name,
		TunnelPort:       cfg.TunnelPort,
		MaxClients:       cfg.MaxClients,
		NoMasterAnnounce: cfg.NoMasterAnnounce,
	}, relaylog.For(base, "heartbeat"))

	deps := supervisor.Deps{
		Engine:       engine,
		Heartbeat:    hb,
		Reflection:   responder,
		ReflectionGC: supervisor.RunFunc(responder.ResetLoop),
	}

	if cfg.AdminEnabled() {
		adminServer, err := admin.Listen(cfg.AdminAddr, engine, responder, tbl, cfg.MaxClients, maint, announcer, relaylog.For(base, "admin"))
		if err != nil {
			return fmt.Errorf("bind admin surface: %w", err)
		}
		deps.Admin = adminServer
	}

	return supervisor.Run(ctx, deps)
}
