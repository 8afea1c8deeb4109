// Command relay-server-go runs a permissive relay for local end-to-end tests.
//
// It trusts client-supplied user ids, accepts any origin, uses the dev
// destination policy and prints "READY <port>" once the signaling endpoint
// is listening.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/storage"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	portMin := envIntOrDefault("RELAY_PORT_MIN", 40000)
	portMax := envIntOrDefault("RELAY_PORT_MAX", 40063)
	users := envIntOrDefault("E2E_USERS", 8)

	if v := os.Getenv("AUTH_MODE"); v != "" && v != "none" {
		fmt.Fprintf(os.Stderr, "unsupported AUTH_MODE=%s\n", v)
		os.Exit(2)
	}
	if portMin <= 0 || portMax > 65535 || portMin > portMax {
		fmt.Fprintf(os.Stderr, "invalid relay port range %d-%d\n", portMin, portMax)
		os.Exit(2)
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	bindIP, err := netip.ParseAddr(bindHost)
	if err != nil || !bindIP.Is4() {
		bindIP = netip.IPv4Unspecified()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := metrics.New()

	seed := make([]storage.User, 0, users)
	for i := 1; i <= users; i++ {
		seed = append(seed, storage.User{ID: int64(i), Username: fmt.Sprintf("player%d", i)})
	}
	store := storage.NewMemory(seed...)

	svc, err := relay.NewService(relay.Config{
		PortMin: uint16(portMin),
		PortMax: uint16(portMax),
		BindIP:  bindIP,
		Policy:  policy.NewDevDestinationPolicy(),
	}, logger, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(2)
	}

	cfg := config.Config{
		ListenAddr:      ln.Addr().String(),
		AllowedOrigins:  []string{"*"},
		Mode:            config.ModeDev,
		AuthMode:        config.AuthModeNone,
		RelayPublicHost: bindHost,
	}
	authenticator, err := auth.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth: %v\n", err)
		os.Exit(2)
	}

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: "e2e"}, svc, m)
	signaling.NewServer(signaling.Config{
		Relay:          svc,
		Store:          store,
		Authenticator:  authenticator,
		Logger:         logger,
		Metrics:        m,
		AllowedOrigins: cfg.AllowedOrigins,
		PublicHost:     bindHost,
		// Short keepalives so abandoned browser tabs are reaped quickly.
		IdleTimeout:  10 * time.Second,
		PingInterval: 2 * time.Second,
	}).RegisterRoutes(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() { _ = svc.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			_ = svc.Close()
			os.Exit(1)
		}
	}
	_ = svc.Close()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
