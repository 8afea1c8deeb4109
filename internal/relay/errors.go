package relay

import "errors"

var (
	ErrNoPortAvailable = errors.New("no relay port available")
	// ErrSocketBind is wrapped with the port that failed to bind.
	ErrSocketBind   = errors.New("relay socket bind failed")
	ErrRoomNotFound = errors.New("room not found")
	ErrPeerNotFound = errors.New("peer not found")
	// ErrUDPSend is logged per target during fan-out and only returned from
	// explicit single-destination sends.
	ErrUDPSend           = errors.New("udp send failed")
	ErrDestinationDenied = errors.New("destination denied")
	ErrInvalidEndpoint   = errors.New("invalid endpoint")
	ErrServiceClosed     = errors.New("relay service closed")
)
