package relay

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

// Registry maps session ids to live sessions and fans presence changes out to
// them.
type Registry struct {
	ids         IDGenerator
	maxSessions int
	metrics     *metrics.Metrics
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

type Option func(*Registry)

// WithIDGenerator replaces the default random UUID generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(r *Registry) {
		if gen != nil {
			r.ids = gen
		}
	}
}

// WithMaxSessions caps concurrent sessions. n <= 0 means unlimited.
func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.maxSessions = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		ids:      newSessionID,
		metrics:  metrics.New(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// Register creates a session for username and makes it visible to routing.
//
// While holding the lock it snapshots the sessions already present, inserts
// the new one, and queues setMe and setUsers (the snapshot) on ch. Once the
// lock is released the snapshotted peers receive addUser. Sessions inserted
// later find the new session in their own setUsers instead, so each pair of
// live sessions learns about each other exactly once, and ch never sees an
// addUser or removeUser ahead of its own greeting.
//
// If ch refuses either greeting frame the session is removed again before
// anyone hears of it and a *GreetingError is returned.
func (r *Registry) Register(username string, ch Channel) (*Session, error) {
	id, err := r.ids()
	if err != nil {
		r.metrics.Inc(metrics.IDGenerationFailure)
		return nil, &GenerationError{Err: err}
	}
	sess := newSession(id, username, ch)

	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		r.metrics.Inc(metrics.DropReasonTooManySessions)
		return nil, ErrTooManySessions
	}
	peers := lo.Values(r.sessions)
	r.sessions[id] = sess
	if err := r.greet(sess, peers); err != nil {
		delete(r.sessions, id)
		r.mu.Unlock()
		r.metrics.Inc(metrics.GreetingFailure)
		r.log.Warn("session greeting failed",
			"session_id", id,
			"username", username,
			"peers", len(peers),
			"err", err,
		)
		return nil, &GreetingError{Err: err}
	}
	connected := len(r.sessions)
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionsRegistered)
	r.log.Info("session_registered",
		"session_id", id,
		"username", username,
		"connected_clients", connected,
	)

	r.broadcast(peers, protocol.AddUser(sess.Summary()))
	return sess, nil
}

func (r *Registry) greet(sess *Session, peers []*Session) error {
	if err := r.deliver(sess, protocol.SetMe(sess.Summary())); err != nil {
		return err
	}
	return r.deliver(sess, protocol.SetUsers(summaries(peers)))
}

// Unregister removes the session and announces removeUser to every session
// still registered. It returns false, and announces nothing, when id is not
// registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	remaining := lo.Values(r.sessions)
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionsUnregistered)
	r.log.Info("session_unregistered",
		"session_id", id,
		"username", sess.username,
		"connected_clients", len(remaining),
	)

	r.broadcast(remaining, protocol.RemoveUser(id))
	return true
}

// SnapshotRoster returns the registered sessions at a single instant. The
// order is unspecified.
func (r *Registry) SnapshotRoster() []protocol.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return summaries(lo.Values(r.sessions))
}

// BroadcastAll delivers env to every registered session except exceptID
// (pass "" to include everyone) and returns the number of recipients.
func (r *Registry) BroadcastAll(env protocol.Envelope, exceptID string) int {
	r.mu.Lock()
	recipients := lo.Filter(lo.Values(r.sessions), func(s *Session, _ int) bool {
		return s.id != exceptID
	})
	r.mu.Unlock()

	return r.broadcast(recipients, env)
}

// RouteTo hands env to the channel of targetID. It reports false, and drops
// env, when the target is not registered. Nothing is buffered for offline
// targets.
func (r *Registry) RouteTo(targetID string, env protocol.Envelope) bool {
	r.mu.Lock()
	sess, ok := r.sessions[targetID]
	r.mu.Unlock()

	if !ok {
		r.metrics.Inc(metrics.DropReasonNoTarget)
		return false
	}
	r.metrics.Inc(metrics.MessagesRouted)
	_ = r.deliver(sess, env)
	return true
}

// Lookup returns the summary of a registered session.
func (r *Registry) Lookup(id string) (protocol.Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return protocol.Summary{}, false
	}
	return sess.Summary(), true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// broadcast hands env to each recipient. Presence announcements go through
// here with the snapshot taken at insertion or removal; a recipient that
// cannot accept env only loses that envelope.
func (r *Registry) broadcast(recipients []*Session, env protocol.Envelope) int {
	r.metrics.Inc(metrics.MessagesBroadcast)
	for _, sess := range recipients {
		_ = r.deliver(sess, env)
	}
	return len(recipients)
}

// deliver counts and logs a refused envelope and returns the refusal.
func (r *Registry) deliver(sess *Session, env protocol.Envelope) error {
	err := sess.ch.Deliver(env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueFull):
		r.metrics.Inc(metrics.OutboundDroppedFull)
	case errors.Is(err, ErrChannelClosed):
		r.metrics.Inc(metrics.OutboundDroppedClosed)
	default:
		r.metrics.Inc(metrics.OutboundDroppedEncode)
	}
	r.log.Debug("delivery dropped",
		"session_id", sess.id,
		"type", env.Type,
		"err", err,
	)
	return err
}

func summaries(sessions []*Session) []protocol.Summary {
	return lo.Map(sessions, func(s *Session, _ int) protocol.Summary {
		return s.Summary()
	})
}
