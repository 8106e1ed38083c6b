package signaling

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
)

// wsChannel is the relay.Channel of one WebSocket connection. Deliver encodes
// and enqueues; writeLoop is the only goroutine that writes data frames.
type wsChannel struct {
	conn    *websocket.Conn
	queue   *sendQueue
	metrics *metrics.Metrics
	done    chan struct{}
}

func newWSChannel(conn *websocket.Conn, maxQueueBytes int, m *metrics.Metrics) *wsChannel {
	return &wsChannel{
		conn:    conn,
		queue:   newSendQueue(maxQueueBytes),
		metrics: m,
		done:    make(chan struct{}),
	}
}

func (c *wsChannel) Deliver(env protocol.Envelope) error {
	frame, err := env.Frame()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	switch c.queue.Enqueue(frame) {
	case enqueueFull:
		return relay.ErrQueueFull
	case enqueueClosed:
		return relay.ErrChannelClosed
	}
	return nil
}

func (c *wsChannel) writeLoop() {
	defer close(c.done)
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			// Unblocks the read loop, which then unregisters the session.
			c.queue.Close()
			_ = c.conn.Close()
			return
		}
		c.metrics.Inc(metrics.WSMessagesOut)
	}
}

// Close stops accepting envelopes and waits for the writer to exit.
func (c *wsChannel) Close() {
	c.queue.Close()
	<-c.done
}
