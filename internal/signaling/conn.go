package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
)

// conn drives one client from upgrade to disconnect.
type conn struct {
	srv     *Server
	ws      *websocket.Conn
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	stopPing  chan struct{}
	closeOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn, r *http.Request) *conn {
	rps := int64(s.maxMessagesPerSecond)
	return &conn{
		srv:      s,
		ws:       ws,
		log:      s.log.With("remote_addr", r.RemoteAddr, "origin", requestOrigin(r)),
		limiter:  ratelimit.NewTokenBucket(s.clock, rps, rps),
		stopPing: make(chan struct{}),
	}
}

func (c *conn) run(username string) {
	defer c.ws.Close()
	defer close(c.stopPing)

	c.ws.SetReadLimit(c.srv.maxMessageBytes)

	if username == "" {
		var ok bool
		if username, ok = c.awaitJoin(); !ok {
			return
		}
	}
	c.startKeepalive()

	ch := newWSChannel(c.ws, c.srv.outboundQueueBytes, c.srv.metrics)
	go ch.writeLoop()
	defer ch.Close()

	sess, err := c.srv.registry.Register(username, ch)
	if err != nil {
		var (
			genErr   *relay.GenerationError
			greetErr *relay.GreetingError
		)
		switch {
		case errors.As(err, &genErr):
			c.log.Error("session id generation failed", "username", username, "err", err)
			c.closeWith(websocket.CloseInternalServerErr, "session id unavailable")
		case errors.Is(err, relay.ErrTooManySessions):
			c.log.Warn("session rejected", "username", username, "err", err)
			c.closeWith(websocket.CloseTryAgainLater, "too many sessions")
		case errors.As(err, &greetErr) && errors.Is(err, relay.ErrQueueFull):
			c.log.Warn("session rejected", "username", username, "err", err)
			c.closeWith(websocket.CloseTryAgainLater, "roster too large")
		default:
			c.log.Error("session registration failed", "username", username, "err", err)
			c.closeWith(websocket.CloseInternalServerErr, "internal error")
		}
		return
	}

	log := c.log.With("session_id", sess.ID(), "username", sess.Username())
	log.Info("signaling_connected")
	defer func() {
		c.srv.registry.Unregister(sess.ID())
		log.Info("signaling_disconnected")
	}()

	c.readLoop(log)
}

// awaitJoin reads until a join envelope names the client. Anything else
// closes the connection with 1008.
func (c *conn) awaitJoin() (string, bool) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.joinTimeout))

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.srv.metrics.Inc(metrics.WSJoinTimeouts)
				c.closeWith(websocket.ClosePolicyViolation, "join timeout")
			}
			c.noteReadError(err)
			return "", false
		}
		c.srv.metrics.Inc(metrics.WSMessagesIn)
		if !c.allow() {
			return "", false
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.WSNonTextDropped)
			continue
		}

		in, err := protocol.ParseInbound(data)
		if err != nil || in.Type() != protocol.TypeJoin {
			c.srv.metrics.Inc(metrics.DropReasonMalformed)
			c.log.Debug("expected join", "err", err)
			c.closeWith(websocket.ClosePolicyViolation, "join required")
			return "", false
		}
		return in.Username, true
	}
}

func (c *conn) readLoop(log *slog.Logger) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.srv.metrics.Inc(metrics.WSKeepaliveTimeout)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			c.noteReadError(err)
			return
		}
		c.srv.metrics.Inc(metrics.WSMessagesIn)

		// Checked after the read so bytes already buffered are consumed and the
		// client reliably observes the close code.
		if !c.allow() {
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.WSNonTextDropped)
			continue
		}
		c.dispatch(data, log)
	}
}

func (c *conn) dispatch(data []byte, log *slog.Logger) {
	in, err := protocol.ParseInbound(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		c.srv.metrics.Inc(metrics.MessagesUnknownType)
		log.Debug("ignoring message", "err", err)
		return
	case err != nil:
		c.srv.metrics.Inc(metrics.DropReasonMalformed)
		log.Debug("dropping malformed message", "err", err)
		return
	}

	if !in.Type().Routed() {
		log.Debug("ignoring message", "type", in.Type())
		return
	}
	if !c.srv.registry.RouteTo(in.Target, in.Envelope) {
		log.Debug("route target not connected", "type", in.Type(), "target", in.Target)
	}
}

func (c *conn) allow() bool {
	if c.limiter.Allow(1) {
		return true
	}
	c.srv.metrics.Inc(metrics.DropReasonRateLimited)
	c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
	return false
}

func (c *conn) noteReadError(err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.srv.metrics.Inc(metrics.WSMessageTooLarge)
	}
}

// startKeepalive arms the idle read deadline and, if configured, pings the
// client until the connection ends.
func (c *conn) startKeepalive() {
	idle := c.srv.idleTimeout
	if idle <= 0 {
		_ = c.ws.SetReadDeadline(time.Time{})
	} else {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(idle))
		})
	}

	interval := c.srv.pingInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopPing:
				return
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
}

func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// shutdown is called from outside the connection goroutines. Closing the
// socket makes the read loop fail, which runs the normal disconnect path.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeWith(code, reason)
		_ = c.ws.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
