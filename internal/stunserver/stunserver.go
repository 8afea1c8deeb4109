// Package stunserver answers STUN Binding requests so clients can learn
// their server-reflexive address before registering it with the relay.
package stunserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/stun/v3"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
)

const (
	maxPacketSize = 1500
	software      = "p2p-relay"
)

type Server struct {
	conn    net.PacketConn
	log     *slog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen opens the responder's UDP socket. A nil nw uses the host network
// stack.
func Listen(nw transport.Net, addr string, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if nw == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("stun: open network: %w", err)
		}
		nw = n
	}
	conn, err := nw.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("stun: listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		conn:    conn,
		log:     logger,
		metrics: m,
		closed:  make(chan struct{}),
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve answers requests until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("stun responder serving", "addr", s.conn.LocalAddr().String())
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stun: read: %w", err)
		}
		s.handlePacket(buf[:n], from)
	}
}

func (s *Server) handlePacket(pkt []byte, from net.Addr) {
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok || !stun.IsMessage(pkt) {
		s.metrics.Inc(metrics.STUNNotSTUN)
		return
	}
	req := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := req.Decode(); err != nil || req.Type != stun.BindingRequest {
		s.metrics.Inc(metrics.STUNNotSTUN)
		return
	}

	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udpAddr.IP, Port: udpAddr.Port},
		stun.NewSoftware(software),
		stun.Fingerprint,
	)
	if err != nil {
		s.log.Warn("stun response build failed", "err", err)
		return
	}
	if _, err := s.conn.WriteTo(resp.Raw, udpAddr); err != nil {
		s.metrics.Inc(metrics.STUNWriteErrors)
		s.log.Debug("stun response write failed", "remote_addr", udpAddr.String(), "err", err)
		return
	}
	s.metrics.Inc(metrics.STUNSuccess)
}

// Close stops Serve. It is safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
