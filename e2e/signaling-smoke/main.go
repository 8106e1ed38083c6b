// Command signaling-smoke exercises a relay end to end: two clients join,
// observe each other's presence, exchange an offer/answer pair and see the
// disconnect announced.
//
// With RELAY_WS_URL unset an in-process relay is started on a loopback port.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/signaling"
)

const stepTimeout = 5 * time.Second

func main() {
	if err := run(os.Getenv("RELAY_WS_URL")); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %v\n", err)
		os.Exit(1)
	}
	fmt.Println("PASS")
}

// run owns the local relay, if any, for the whole smoke run.
func run(base string) error {
	base = strings.TrimRight(base, "/")
	if base == "" {
		url, stop, err := startLocalRelay()
		if err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
		defer stop()
		base = url
	}
	return smoke(base)
}

func startLocalRelay() (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sig := signaling.NewServer(signaling.Config{
		Registry: relay.NewRegistry(relay.WithLogger(logger)),
		Logger:   logger,
	})
	srv := &http.Server{Handler: sig.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()

	stop := func() {
		sig.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return "ws://" + ln.Addr().String(), stop, nil
}

type peer struct {
	conn *websocket.Conn
	self protocol.Summary
}

func smoke(base string) error {
	alice, err := join(base, "alice")
	if err != nil {
		return fmt.Errorf("alice: %w", err)
	}
	defer alice.conn.Close()

	bob, err := join(base, "bob")
	if err != nil {
		return fmt.Errorf("bob: %w", err)
	}

	var added protocol.Summary
	if err := expect(alice.conn, protocol.TypeAddUser, &added); err != nil {
		return fmt.Errorf("alice addUser: %w", err)
	}
	if added != bob.self {
		return fmt.Errorf("alice saw addUser %+v, want %+v", added, bob.self)
	}

	sdp := map[string]any{"type": "offer", "sdp": "v=0"}
	if err := send(alice.conn, "offer", bob.self.ID, sdp); err != nil {
		return err
	}
	var offer map[string]any
	if err := expect(bob.conn, protocol.TypeOffer, &offer); err != nil {
		return fmt.Errorf("bob offer: %w", err)
	}
	if offer["target"] != bob.self.ID {
		return fmt.Errorf("offer target=%v, want %s", offer["target"], bob.self.ID)
	}

	if err := send(bob.conn, "answer", alice.self.ID, map[string]any{"type": "answer", "sdp": "v=0"}); err != nil {
		return err
	}
	if err := expect(alice.conn, protocol.TypeAnswer, nil); err != nil {
		return fmt.Errorf("alice answer: %w", err)
	}

	_ = bob.conn.Close()
	var removed string
	if err := expect(alice.conn, protocol.TypeRemoveUser, &removed); err != nil {
		return fmt.Errorf("alice removeUser: %w", err)
	}
	if removed != bob.self.ID {
		return fmt.Errorf("removeUser=%q, want %q", removed, bob.self.ID)
	}
	return nil
}

func join(base, username string) (peer, error) {
	c, _, err := websocket.DefaultDialer.Dial(base+"/ws", nil)
	if err != nil {
		return peer{}, err
	}
	if err := c.WriteJSON(map[string]any{"type": "join", "data": map[string]string{"username": username}}); err != nil {
		c.Close()
		return peer{}, err
	}

	var self protocol.Summary
	if err := expect(c, protocol.TypeSetMe, &self); err != nil {
		c.Close()
		return peer{}, err
	}
	if err := expect(c, protocol.TypeSetUsers, nil); err != nil {
		c.Close()
		return peer{}, err
	}
	return peer{conn: c, self: self}, nil
}

func send(c *websocket.Conn, typ, target string, payload map[string]any) error {
	data := map[string]any{"target": target}
	for k, v := range payload {
		data[k] = v
	}
	return c.WriteJSON(map[string]any{"type": typ, "data": data})
}

func expect(c *websocket.Conn, want protocol.MessageType, data any) error {
	_ = c.SetReadDeadline(time.Now().Add(stepTimeout))
	var env protocol.Envelope
	if err := c.ReadJSON(&env); err != nil {
		return err
	}
	if env.Type != want {
		return fmt.Errorf("got %q, want %q", env.Type, want)
	}
	if data == nil {
		return nil
	}
	return json.Unmarshal(env.Data, data)
}
