package relay

// Message is a control message in the {type, payload} envelope shared with
// the signaling channel.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Conn is a peer's control channel.
//
// Send is called with the Service lock held and must not block; transports
// queue the message and write it from their own goroutine.
type Conn interface {
	Send(msg Message) error
}
