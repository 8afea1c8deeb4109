package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/relay"
)

const wsWriteWait = 5 * time.Second

var (
	errSendQueueFull = errors.New("signaling send queue full")
	errConnClosed    = errors.New("signaling connection closed")
)

// wsConn is the relay.Conn of one websocket client. Sends are queued and
// written by a dedicated goroutine.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	log     *slog.Logger
	metrics *metrics.Metrics

	out *outbox

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ relay.Conn = (*wsConn)(nil)

func newWSConn(id string, ws *websocket.Conn, queueBytes int, pingInterval time.Duration, logger *slog.Logger, m *metrics.Metrics) *wsConn {
	c := &wsConn{
		id:      id,
		ws:      ws,
		log:     logger,
		metrics: m,
		out:     newOutbox(queueBytes),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	if pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(pingInterval)
	}
	return c
}

// Send queues msg for delivery. Relayed game packets are best effort and are
// dropped when the queue is full; a client that cannot keep up with room
// state updates is disconnected.
func (c *wsConn) Send(msg relay.Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if c.out.Enqueue(frame) {
		return nil
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	if droppable(msg.Type) {
		c.metrics.Inc(metrics.SignalingPacketsDropped)
		return errSendQueueFull
	}
	c.metrics.Inc(metrics.SignalingQueueOverflow)
	c.log.Warn("signaling send queue overflow, closing connection", "conn_id", c.id, "type", msg.Type)
	go c.closeWith(websocket.ClosePolicyViolation, "send queue overflow")
	return errSendQueueFull
}

// droppable reports whether a message carries relayed game data rather than
// room state.
func droppable(typ string) bool {
	switch typ {
	case relay.MsgUDPPacket, relay.MsgPacket:
		return true
	}
	return false
}

func (c *wsConn) writeLoop() {
	defer c.wg.Done()
	for {
		frame, ok := c.out.Dequeue()
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("signaling write failed", "conn_id", c.id, "err", err)
			c.close()
			return
		}
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// closeWith sends a close frame before tearing the connection down.
func (c *wsConn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.close()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.Close()
		_ = c.ws.Close()
	})
}

// wait blocks until the writer and pinger have exited.
func (c *wsConn) wait() {
	c.wg.Wait()
}
