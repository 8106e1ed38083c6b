package relay

import "github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"

// Channel is the single capability a Session exposes for reaching its peer.
//
// Deliver queues env for transmission and returns without waiting on the
// network. Implementations must be safe for concurrent use and must preserve
// the order of Deliver calls made by any one goroutine.
type Channel interface {
	Deliver(env protocol.Envelope) error
}

// Session is one registered, currently connected client.
type Session struct {
	id       string
	username string
	ch       Channel
}

func newSession(id, username string, ch Channel) *Session {
	return &Session{id: id, username: username, ch: ch}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Username() string { return s.username }

func (s *Session) Summary() protocol.Summary {
	return protocol.Summary{ID: s.id, Username: s.username}
}
