package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/storage"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/stunserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting p2p-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"relay_port_min", cfg.RelayPortMin,
		"relay_port_max", cfg.RelayPortMax,
		"relay_bind_ip", cfg.RelayBindIP,
		"relay_public_host", cfg.RelayPublicHost,
		"heartbeat_timeout", cfg.HeartbeatTimeout,
		"max_datagram_payload_bytes", cfg.MaxDatagramPayloadBytes,
		"auth_mode", cfg.AuthMode,
		"stun_listen_addr", cfg.STUNListenAddr,
	)

	destPolicy, err := policy.New(cfg.DestinationPolicyPreset, cfg.AllowUDPCIDRs, cfg.DenyUDPCIDRs)
	if err != nil {
		logger.Error("failed to load destination policy", "err", err)
		os.Exit(2)
	}

	logStartupSecurityWarnings(logger, cfg, destPolicy)

	authenticator, err := auth.New(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	store, closeStore, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to seed store", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	svc, err := relay.NewService(relay.Config{
		PortMin:                    cfg.RelayPortMin,
		PortMax:                    cfg.RelayPortMax,
		BindIP:                     cfg.RelayBindIP,
		SocketBufferBytes:          cfg.RelaySocketBufferBytes,
		MaxDatagramPayloadBytes:    cfg.MaxDatagramPayloadBytes,
		MaxPacketsPerSecondPerPeer: cfg.MaxUDPPpsPerPeer,
		HeartbeatTimeout:           cfg.HeartbeatTimeout,
		SweepInterval:              cfg.SweepInterval,
		DefaultGamePort:            cfg.DefaultGamePort,
		Policy:                     destPolicy,
	}, logger, m)
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}

	var stun *stunserver.Server
	if cfg.STUNListenAddr != "" {
		stun, err = stunserver.Listen(nil, cfg.STUNListenAddr, logger, m)
		if err != nil {
			logger.Error("failed to listen for stun", "err", err)
			os.Exit(1)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, svc, m)
	sig := signaling.NewServer(signaling.Config{
		Relay:                svc,
		Store:                store,
		Authenticator:        authenticator,
		Logger:               logger,
		Metrics:              m,
		AllowedOrigins:       cfg.AllowedOrigins,
		PublicHost:           cfg.RelayPublicHost,
		DefaultGamePort:      cfg.DefaultGamePort,
		AuthTimeout:          cfg.SignalingAuthTimeout,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueBytes:       cfg.SignalingSendQueueBytes,
	})
	sig.RegisterRoutes(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if stun != nil {
		g.Go(func() error {
			return stun.Serve(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		if err := svc.Close(); err != nil {
			logger.Error("relay shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

// openStore builds the in-memory store seeded with the configured users and
// rooms and, when a TTL is set, fronts it with the user cache.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	users := make([]storage.User, 0, len(cfg.SeedUsers))
	for _, u := range cfg.SeedUsers {
		users = append(users, storage.User{ID: u.ID, Username: u.Username})
	}
	mem := storage.NewMemory(users...)
	for _, r := range cfg.SeedRooms {
		_, err := mem.CreateRoom(ctx, storage.Room{
			ID:         r.ID,
			Name:       fmt.Sprintf("room %d", r.ID),
			HostUserID: r.HostUserID,
			HostPort:   r.HostPort,
			GameType:   storage.GameType(r.GameType),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("seed room %d: %w", r.ID, err)
		}
	}
	rooms, err := mem.ListRooms(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("store seeded", "users", len(users), "rooms", len(rooms))

	if cfg.UserCacheTTL <= 0 {
		return mem, func() {}, nil
	}
	cached := storage.NewCached(mem, cfg.UserCacheTTL)
	return cached, cached.Close, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
