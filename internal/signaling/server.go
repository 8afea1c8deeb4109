package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/storage"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Relay         *relay.Service
	Store         storage.Store
	Authenticator auth.Authenticator
	Logger        *slog.Logger
	Metrics       *metrics.Metrics

	// AllowedOrigins restricts browser origins. Empty allows same-host
	// origins only.
	AllowedOrigins []string
	// PublicHost is reported to joining clients as the relay's UDP host.
	PublicHost      string
	DefaultGamePort uint16

	AuthTimeout          time.Duration
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueBytes       int
}

const (
	defaultAuthTimeout     = 2 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = 256 << 10
	defaultSendQueueBytes  = 4 << 20
)

// Server serves the /ws signaling endpoint.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	control  *control
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.SendQueueBytes <= 0 {
		cfg.SendQueueBytes = defaultSendQueueBytes
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		control: &control{
			relay:           cfg.Relay,
			store:           cfg.Store,
			publicHost:      cfg.PublicHost,
			defaultGamePort: cfg.DefaultGamePort,
			log:             cfg.Logger,
			metrics:         cfg.Metrics,
			now:             time.Now,
		},
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.Allowed(r, cfg.AllowedOrigins)
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	s.metrics.Inc(metrics.SignalingConnections)

	conn := newWSConn(uuid.NewString(), ws, s.cfg.SendQueueBytes, s.cfg.PingInterval, s.log, s.metrics)
	defer conn.wait()
	defer conn.close()

	ctx := r.Context()
	user, err := s.authenticate(ctx, conn, r)
	if err != nil {
		s.metrics.Inc(metrics.SignalingAuthFailures)
		s.log.Info("signaling auth failed", "conn_id", conn.id, "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	peerID := auth.PeerID(user.ID)
	log := s.log.With("conn_id", conn.id, "peer_id", peerID)
	log.Info("signaling client authenticated", "user_id", user.ID)
	_ = conn.Send(relay.Message{Type: MsgAuthSuccess, Payload: authSuccessPayload{UserID: user.ID, PeerID: peerID}})

	defer func() {
		if n := s.cfg.Relay.DisconnectPeer(peerID, conn); n > 0 {
			log.Info("signaling client left rooms on disconnect", "rooms", n)
		}
	}()

	s.readLoop(ctx, log, conn, peerID)
}

// authenticate resolves the connecting user from query credentials or, if
// there are none, the first message.
func (s *Server) authenticate(ctx context.Context, conn *wsConn, r *http.Request) (storage.User, error) {
	cred, err := auth.CredentialFromQuery(r.URL.Query())
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		cred, err = s.readAuthMessage(conn)
		if err != nil {
			return storage.User{}, err
		}
	case err != nil:
		conn.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return storage.User{}, err
	}

	userID, err := s.cfg.Authenticator.Authenticate(cred)
	if err != nil {
		conn.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return storage.User{}, err
	}
	user, err := s.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		conn.closeWith(websocket.ClosePolicyViolation, "unknown user")
		return storage.User{}, err
	}
	return user, nil
}

func (s *Server) readAuthMessage(conn *wsConn) (auth.Credential, error) {
	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	msgType, data, err := conn.ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			conn.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
		}
		return auth.Credential{}, err
	}
	if msgType != websocket.TextMessage {
		conn.closeWith(websocket.CloseUnsupportedData, "expected text message")
		return auth.Credential{}, errInvalidMessage
	}
	msg, err := parseMessage(data)
	if err != nil || msg.Type != MsgAuth {
		conn.closeWith(websocket.ClosePolicyViolation, "authentication required")
		return auth.Credential{}, errInvalidMessage
	}
	var cred auth.Credential
	if err := json.Unmarshal(msg.Payload, &cred); err != nil {
		conn.closeWith(websocket.CloseUnsupportedData, "invalid auth message")
		return auth.Credential{}, errInvalidMessage
	}
	return cred, nil
}

func (s *Server) readLoop(ctx context.Context, log *slog.Logger, conn *wsConn, peerID string) {
	ws := conn.ws
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := ratelimit.NewLimiter(s.cfg.MaxMessagesPerSecond)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				log.Info("signaling client idle, closing")
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("signaling read failed", "err", err)
			}
			return
		}
		extend()

		if !limiter.Allow() {
			s.metrics.Inc(metrics.SignalingRateLimited)
			log.Warn("signaling rate limit exceeded")
			conn.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			conn.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseMessage(data)
		if err != nil {
			s.control.fail(conn, peerID, "", "Invalid message", err)
			continue
		}
		s.control.handleControlMessage(ctx, peerID, conn, msg)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
