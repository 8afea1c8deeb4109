package relay

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/pion/transport/v3"
)

// findAvailablePort returns the lowest port >= from within the configured
// range that no open room holds.
func (s *Service) findAvailablePort(from uint16) (uint16, bool) {
	start := int(s.cfg.PortMin)
	if int(from) > start {
		start = int(from)
	}
	for p := start; p <= int(s.cfg.PortMax); p++ {
		if _, used := s.ports[uint16(p)]; !used {
			return uint16(p), true
		}
	}
	return 0, false
}

// bindRoomSocketLocked opens the socket for a new room. Candidate ports held
// by other processes are skipped; any other bind failure ends the scan.
func (s *Service) bindRoomSocketLocked() (uint16, transport.UDPConn, error) {
	next := s.cfg.PortMin
	for {
		port, ok := s.findAvailablePort(next)
		if !ok {
			return 0, nil, ErrNoPortAvailable
		}
		conn, err := s.net.ListenUDP("udp4", &net.UDPAddr{IP: s.cfg.BindIP.AsSlice(), Port: int(port)})
		if err == nil {
			s.tuneSocket(conn, port)
			return port, conn, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return 0, nil, fmt.Errorf("%w: port %d: %v", ErrSocketBind, port, err)
		}
		s.log.Debug("relay port in use by another process", "relay_port", port)
		if port == s.cfg.PortMax {
			return 0, nil, ErrNoPortAvailable
		}
		next = port + 1
	}
}

type socketBuffers interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

func (s *Service) tuneSocket(conn transport.UDPConn, port uint16) {
	if s.cfg.SocketBufferBytes <= 0 {
		return
	}
	sb, ok := conn.(socketBuffers)
	if !ok {
		return
	}
	if err := sb.SetReadBuffer(s.cfg.SocketBufferBytes); err != nil {
		s.log.Warn("could not set relay socket read buffer", "relay_port", port, "err", err)
	}
	if err := sb.SetWriteBuffer(s.cfg.SocketBufferBytes); err != nil {
		s.log.Warn("could not set relay socket write buffer", "relay_port", port, "err", err)
	}
}
