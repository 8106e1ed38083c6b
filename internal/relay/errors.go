package relay

import "errors"

var (
	ErrTooManySessions = errors.New("too many sessions")

	// ErrChannelClosed is returned by Channel.Deliver once the peer is gone.
	ErrChannelClosed = errors.New("channel closed")
	// ErrQueueFull is returned by Channel.Deliver when the peer is not draining
	// its outbound queue fast enough. The envelope is dropped for that peer only.
	ErrQueueFull = errors.New("outbound queue full")
)

// GenerationError reports that no session id could be produced. No session is
// created when it is returned.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return "generate session id: " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }

// GreetingError reports that the new session's channel refused its setMe or
// setUsers frame, typically because the roster does not fit the outbound
// queue. The session is not registered and no peer was told about it.
type GreetingError struct {
	Err error
}

func (e *GreetingError) Error() string {
	return "greet session: " + e.Err.Error()
}

func (e *GreetingError) Unwrap() error { return e.Err }
