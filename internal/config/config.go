package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/origin"
)

const (
	envVarListenAddr      = "P2P_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "P2P_RELAY_LOG_FORMAT"
	envVarLogLevel        = "P2P_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "P2P_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "P2P_RELAY_MODE"

	// Relay engine knobs.
	envVarRelayPortMin            = "RELAY_PORT_MIN"
	envVarRelayPortMax            = "RELAY_PORT_MAX"
	envVarRelayBindIP             = "RELAY_BIND_IP"
	envVarRelayPublicHost         = "RELAY_PUBLIC_HOST"
	envVarRelaySocketBufferBytes  = "RELAY_SOCKET_BUFFER_BYTES"
	envVarRelayHeartbeatTimeout   = "RELAY_HEARTBEAT_TIMEOUT"
	envVarRelaySweepInterval      = "RELAY_SWEEP_INTERVAL"
	envVarMaxDatagramPayloadBytes = "MAX_DATAGRAM_PAYLOAD_BYTES"
	envVarMaxUDPPpsPerPeer        = "MAX_UDP_PPS_PER_PEER"
	envVarDefaultGamePort         = "DEFAULT_GAME_PORT"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueBytes       = "SIGNALING_SEND_QUEUE_BYTES"

	envVarSTUNListenAddr = "STUN_LISTEN_ADDR"

	// Storage.
	envVarSeedUsers    = "SEED_USERS"
	envVarSeedRooms    = "SEED_ROOMS"
	envVarUserCacheTTL = "USER_CACHE_TTL"

	// Outbound relay_send_udp destination policy.
	envVarDestinationPolicyPreset = "DESTINATION_POLICY_PRESET"
	envVarAllowUDPCIDRs           = "ALLOW_UDP_CIDRS"
	envVarDenyUDPCIDRs            = "DENY_UDP_CIDRS"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultRelayPortMin           uint16 = 19132
	DefaultRelayPortMax           uint16 = 19200
	DefaultRelayBindIP                   = "0.0.0.0"
	DefaultRelayPublicHost               = "localhost"
	DefaultRelaySocketBufferBytes        = 1 << 20 // 1MiB
	DefaultRelayHeartbeatTimeout         = 30 * time.Second
	DefaultRelaySweepInterval            = 10 * time.Second
	// DefaultMaxDatagramPayloadBytes is the largest IPv4 UDP payload.
	DefaultMaxDatagramPayloadBytes        = 65507
	DefaultDefaultGamePort         uint16 = 19132

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(256 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 200
	DefaultSignalingSendQueueBytes       = 4 << 20 // 4MiB

	DefaultUserCacheTTL = 5 * time.Minute
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

// SeedUser is a user preloaded into the in-memory store.
type SeedUser struct {
	ID       int64
	Username string
}

// SeedRoom is room metadata preloaded into the in-memory store.
type SeedRoom struct {
	ID         int64
	HostUserID int64
	HostPort   uint16
	GameType   string
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	RelayPortMin            uint16
	RelayPortMax            uint16
	RelayBindIP             netip.Addr
	RelayPublicHost         string
	RelaySocketBufferBytes  int
	HeartbeatTimeout        time.Duration
	SweepInterval           time.Duration
	MaxDatagramPayloadBytes int
	// MaxUDPPpsPerPeer caps inbound datagrams per second per source endpoint
	// (0 = unlimited).
	MaxUDPPpsPerPeer int
	DefaultGamePort  uint16

	AuthMode                      AuthMode
	APIKey                        string
	JWTSecret                     string
	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueBytes       int

	// STUNListenAddr enables the STUN Binding responder when non-empty.
	STUNListenAddr string

	SeedUsers    []SeedUser
	SeedRooms    []SeedRoom
	UserCacheTTL time.Duration

	DestinationPolicyPreset string
	AllowUDPCIDRs           string
	DenyUDPCIDRs            string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	envAuthMode, envAuthModeOK := lookup(envVarAuthMode)
	envAuthModeSet := envAuthModeOK && strings.TrimSpace(envAuthMode) != ""
	authModeDefault := strings.TrimSpace(envAuthMode)
	if !envAuthModeSet {
		authModeDefault = string(defaultAuthModeForMode(modeDefault))
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	relayBindIPStr := envOrDefault(lookup, envVarRelayBindIP, DefaultRelayBindIP)
	relayPublicHost := envOrDefault(lookup, envVarRelayPublicHost, DefaultRelayPublicHost)
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	stunListenAddr := envOrDefault(lookup, envVarSTUNListenAddr, "")
	seedUsersStr := envOrDefault(lookup, envVarSeedUsers, "")
	seedRoomsStr := envOrDefault(lookup, envVarSeedRooms, "")
	destinationPolicyPreset := envOrDefault(lookup, envVarDestinationPolicyPreset, "")
	allowUDPCIDRs := envOrDefault(lookup, envVarAllowUDPCIDRs, "")
	denyUDPCIDRs := envOrDefault(lookup, envVarDenyUDPCIDRs, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	heartbeatTimeout, err := envDurationOrDefault(lookup, envVarRelayHeartbeatTimeout, DefaultRelayHeartbeatTimeout)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarRelaySweepInterval, DefaultRelaySweepInterval)
	if err != nil {
		return Config{}, err
	}
	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	userCacheTTL, err := envDurationOrDefault(lookup, envVarUserCacheTTL, DefaultUserCacheTTL)
	if err != nil {
		return Config{}, err
	}

	relaySocketBufferBytes, err := envIntOrDefault(lookup, envVarRelaySocketBufferBytes, DefaultRelaySocketBufferBytes)
	if err != nil {
		return Config{}, err
	}
	maxDatagramPayloadBytes, err := envIntOrDefault(lookup, envVarMaxDatagramPayloadBytes, DefaultMaxDatagramPayloadBytes)
	if err != nil {
		return Config{}, err
	}
	maxUDPPpsPerPeer, err := envIntOrDefault(lookup, envVarMaxUDPPpsPerPeer, 0)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueueBytes, err := envIntOrDefault(lookup, envVarSignalingSendQueueBytes, DefaultSignalingSendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	// Ports are parsed as env values and become flag defaults.
	relayPortMin, err := envPortOrDefault(lookup, envVarRelayPortMin, DefaultRelayPortMin)
	if err != nil {
		return Config{}, err
	}
	relayPortMax, err := envPortOrDefault(lookup, envVarRelayPortMax, DefaultRelayPortMax)
	if err != nil {
		return Config{}, err
	}
	defaultGamePort, err := envPortOrDefault(lookup, envVarDefaultGamePort, DefaultDefaultGamePort)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("p2p-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr         string
		logFormatStr    string
		logLevelStr     string
		authModeStr     string
		relayPortMinU   = uint(relayPortMin)
		relayPortMaxU   = uint(relayPortMax)
		defaultGamePortU = uint(defaultGamePort)
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.UintVar(&relayPortMinU, "relay-port-min", relayPortMinU, "Lowest UDP port for room sockets (env "+envVarRelayPortMin+")")
	fs.UintVar(&relayPortMaxU, "relay-port-max", relayPortMaxU, "Highest UDP port for room sockets (env "+envVarRelayPortMax+")")
	fs.StringVar(&relayBindIPStr, "relay-bind-ip", relayBindIPStr, "IPv4 address room sockets bind to (env "+envVarRelayBindIP+")")
	fs.StringVar(&relayPublicHost, "relay-public-host", relayPublicHost, "Host advertised to clients as relayHost (env "+envVarRelayPublicHost+")")
	fs.IntVar(&relaySocketBufferBytes, "relay-socket-buffer-bytes", relaySocketBufferBytes, "Room socket read/write buffer size in bytes (env "+envVarRelaySocketBufferBytes+")")
	fs.DurationVar(&heartbeatTimeout, "relay-heartbeat-timeout", heartbeatTimeout, "Remove peers whose last heartbeat is older than this (env "+envVarRelayHeartbeatTimeout+")")
	fs.DurationVar(&sweepInterval, "relay-sweep-interval", sweepInterval, "Liveness sweep interval (env "+envVarRelaySweepInterval+")")
	fs.IntVar(&maxDatagramPayloadBytes, "max-datagram-payload-bytes", maxDatagramPayloadBytes, "Drop inbound datagrams larger than this (env "+envVarMaxDatagramPayloadBytes+")")
	fs.IntVar(&maxUDPPpsPerPeer, "max-udp-pps-per-peer", maxUDPPpsPerPeer, "Inbound UDP packets/sec per source endpoint (0 = unlimited; env "+envVarMaxUDPPpsPerPeer+")")
	fs.UintVar(&defaultGamePortU, "default-game-port", defaultGamePortU, "Game port used when neither the message nor storage supplies one (env "+envVarDefaultGamePort+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Signaling WS auth timeout (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&signalingSendQueueBytes, "signaling-send-queue-bytes", signalingSendQueueBytes, "Max queued outbound signaling bytes; relayed packets beyond it are dropped (env "+envVarSignalingSendQueueBytes+")")

	fs.StringVar(&stunListenAddr, "stun-listen-addr", stunListenAddr, "UDP address for the STUN Binding responder (empty = disabled; env "+envVarSTUNListenAddr+")")
	fs.StringVar(&seedUsersStr, "seed-users", seedUsersStr, "Comma-separated id:name users to preload (env "+envVarSeedUsers+")")
	fs.StringVar(&seedRoomsStr, "seed-rooms", seedRoomsStr, "Comma-separated id:hostUserId:hostPort:gameType rooms to preload (env "+envVarSeedRooms+")")
	fs.DurationVar(&userCacheTTL, "user-cache-ttl", userCacheTTL, "TTL for cached user lookups (0 = no cache; env "+envVarUserCacheTTL+")")
	fs.StringVar(&destinationPolicyPreset, "destination-policy-preset", destinationPolicyPreset, "relay_send_udp destination preset: dev or prod (default follows --mode; env "+envVarDestinationPolicyPreset+")")
	fs.StringVar(&allowUDPCIDRs, "allow-udp-cidrs", allowUDPCIDRs, "Comma-separated CIDRs relay_send_udp may target (env "+envVarAllowUDPCIDRs+")")
	fs.StringVar(&denyUDPCIDRs, "deny-udp-cidrs", denyUDPCIDRs, "Comma-separated CIDRs relay_send_udp may never target (env "+envVarDenyUDPCIDRs+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// A --mode flag moves mode-derived defaults unless they were set explicitly.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	if !envAuthModeSet && !setFlags["auth-mode"] {
		authModeStr = string(defaultAuthModeForMode(string(mode)))
	}
	if strings.TrimSpace(destinationPolicyPreset) == "" {
		destinationPolicyPreset = string(mode)
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	switch authMode {
	case AuthModeAPIKey:
		if apiKey == "" {
			return Config{}, fmt.Errorf("%s is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if jwtSecret == "" {
			return Config{}, fmt.Errorf("%s is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	}

	portMin, err := parsePortUint(relayPortMinU)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--relay-port-min: %w", envVarRelayPortMin, err)
	}
	portMax, err := parsePortUint(relayPortMaxU)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--relay-port-max: %w", envVarRelayPortMax, err)
	}
	if portMin > portMax {
		return Config{}, fmt.Errorf("%s/--relay-port-min must be <= %s/--relay-port-max (got %d > %d)", envVarRelayPortMin, envVarRelayPortMax, portMin, portMax)
	}
	gamePort, err := parsePortUint(defaultGamePortU)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--default-game-port: %w", envVarDefaultGamePort, err)
	}

	bindIP, err := netip.ParseAddr(strings.TrimSpace(relayBindIPStr))
	if err != nil || !bindIP.Unmap().Is4() {
		return Config{}, fmt.Errorf("invalid %s/--relay-bind-ip %q (expected an IPv4 address)", envVarRelayBindIP, relayBindIPStr)
	}
	if strings.TrimSpace(relayPublicHost) == "" {
		return Config{}, fmt.Errorf("%s/--relay-public-host must not be empty", envVarRelayPublicHost)
	}

	if maxDatagramPayloadBytes <= 0 || maxDatagramPayloadBytes > DefaultMaxDatagramPayloadBytes {
		return Config{}, fmt.Errorf("%s/--max-datagram-payload-bytes must be within 1-%d (got %d)", envVarMaxDatagramPayloadBytes, DefaultMaxDatagramPayloadBytes, maxDatagramPayloadBytes)
	}
	if relaySocketBufferBytes < 0 {
		return Config{}, fmt.Errorf("%s/--relay-socket-buffer-bytes must be >= 0 (got %d)", envVarRelaySocketBufferBytes, relaySocketBufferBytes)
	}
	if maxUDPPpsPerPeer < 0 {
		return Config{}, fmt.Errorf("%s/--max-udp-pps-per-peer must be >= 0 (got %d)", envVarMaxUDPPpsPerPeer, maxUDPPpsPerPeer)
	}
	if heartbeatTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-heartbeat-timeout must be > 0", envVarRelayHeartbeatTimeout)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-sweep-interval must be > 0", envVarRelaySweepInterval)
	}

	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 || signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0 and < %s (got %s, idle %s)", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout, signalingWSPingInterval, signalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingSendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-bytes must be > 0", envVarSignalingSendQueueBytes)
	}
	if userCacheTTL < 0 {
		return Config{}, fmt.Errorf("%s/--user-cache-ttl must be >= 0", envVarUserCacheTTL)
	}

	switch strings.ToLower(strings.TrimSpace(destinationPolicyPreset)) {
	case string(ModeDev), string(ModeProd):
		destinationPolicyPreset = strings.ToLower(strings.TrimSpace(destinationPolicyPreset))
	default:
		return Config{}, fmt.Errorf("invalid %s/--destination-policy-preset %q (expected dev or prod)", envVarDestinationPolicyPreset, destinationPolicyPreset)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}
	seedUsers, err := parseSeedUsers(seedUsersStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--seed-users: %w", envVarSeedUsers, err)
	}
	seedRooms, err := parseSeedRooms(seedRoomsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--seed-rooms: %w", envVarSeedRooms, err)
	}

	return Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		RelayPortMin:            portMin,
		RelayPortMax:            portMax,
		RelayBindIP:             bindIP.Unmap(),
		RelayPublicHost:         strings.TrimSpace(relayPublicHost),
		RelaySocketBufferBytes:  relaySocketBufferBytes,
		HeartbeatTimeout:        heartbeatTimeout,
		SweepInterval:           sweepInterval,
		MaxDatagramPayloadBytes: maxDatagramPayloadBytes,
		MaxUDPPpsPerPeer:        maxUDPPpsPerPeer,
		DefaultGamePort:         gamePort,

		AuthMode:                      authMode,
		APIKey:                        apiKey,
		JWTSecret:                     jwtSecret,
		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueueBytes:       signalingSendQueueBytes,

		STUNListenAddr: strings.TrimSpace(stunListenAddr),

		SeedUsers:    seedUsers,
		SeedRooms:    seedRooms,
		UserCacheTTL: userCacheTTL,

		DestinationPolicyPreset: destinationPolicyPreset,
		AllowUDPCIDRs:           allowUDPCIDRs,
		DenyUDPCIDRs:            denyUDPCIDRs,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envPortOrDefault(lookup func(string) (string, bool), key string, fallback uint16) (uint16, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	p, err := parsePortString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return p, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func defaultAuthModeForMode(mode string) AuthMode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return AuthModeAPIKey
	default:
		return AuthModeNone
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// parseSeedUsers parses "1:alice,2:bob".
func parseSeedUsers(raw string) ([]SeedUser, error) {
	var out []SeedUser
	seen := map[int64]bool{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idStr, name, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("entry %q: expected id:name", entry)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("entry %q: id must be a positive integer", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate user id %d", id)
		}
		seen[id] = true
		out = append(out, SeedUser{ID: id, Username: name})
	}
	return out, nil
}

// parseSeedRooms parses "10:1:19132:minecraft,11:2:6567:mindustry".
func parseSeedRooms(raw string) ([]SeedRoom, error) {
	var out []SeedRoom
	seen := map[int64]bool{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("entry %q: expected id:hostUserId:hostPort:gameType", entry)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("entry %q: id must be a positive integer", entry)
		}
		host, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || host <= 0 {
			return nil, fmt.Errorf("entry %q: host user id must be a positive integer", entry)
		}
		port, err := parsePortString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry, err)
		}
		gameType := strings.ToLower(strings.TrimSpace(parts[3]))
		if gameType == "" {
			return nil, fmt.Errorf("entry %q: game type is required", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate room id %d", id)
		}
		seen[id] = true
		out = append(out, SeedRoom{ID: id, HostUserID: host, HostPort: port, GameType: gameType})
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
