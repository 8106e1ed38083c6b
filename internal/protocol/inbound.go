package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxUsernameLength bounds the display label accepted at join time.
const MaxUsernameLength = 128

var (
	ErrMalformed       = errors.New("protocol: malformed envelope")
	ErrMissingType     = errors.New("protocol: missing type")
	ErrUnknownType     = errors.New("protocol: unknown type")
	ErrMissingTarget   = errors.New("protocol: missing data.target")
	ErrMissingUsername = errors.New("protocol: missing username")
	ErrInvalidUsername = errors.New("protocol: invalid username")
)

var (
	validate    = validator.New(validator.WithRequiredStructEnabled())
	usernameTag = fmt.Sprintf("max=%d", MaxUsernameLength)
)

// RoutedPayload is the part of a client-to-client payload the relay reads.
// All other fields stay in the raw data and are forwarded untouched.
type RoutedPayload struct {
	Target string `json:"target" validate:"required"`
}

type JoinPayload struct {
	Username string `json:"username"`
}

// Inbound is a client frame that passed boundary validation.
type Inbound struct {
	// Envelope carries the canonical type and the original data bytes.
	Envelope Envelope

	// Target is set for routed types.
	Target string

	// Username is set for join.
	Username string
}

func (in Inbound) Type() MessageType { return in.Envelope.Type }

// ParseInbound decodes and validates one client frame.
//
// An unrecognised type yields ErrUnknownType; callers treat that as "ignore"
// rather than as a protocol violation.
func ParseInbound(raw []byte) (Inbound, error) {
	var wire struct {
		Type *string         `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Type == nil || strings.TrimSpace(*wire.Type) == "" {
		return Inbound{}, ErrMissingType
	}

	t, ok := Canonical(*wire.Type)
	if !ok {
		return Inbound{}, fmt.Errorf("%w %q", ErrUnknownType, *wire.Type)
	}

	in := Inbound{Envelope: Envelope{Type: t, Data: wire.Data}}
	switch {
	case t == TypeJoin:
		var p JoinPayload
		if err := decodeObject(wire.Data, &p); err != nil {
			if errors.Is(err, errEmptyData) {
				return Inbound{}, ErrMissingUsername
			}
			return Inbound{}, err
		}
		name, err := NormalizeUsername(p.Username)
		if err != nil {
			return Inbound{}, err
		}
		in.Username = name
	case t.Routed():
		var p RoutedPayload
		if err := decodeObject(wire.Data, &p); err != nil {
			if errors.Is(err, errEmptyData) {
				return Inbound{}, ErrMissingTarget
			}
			return Inbound{}, err
		}
		if err := validate.Struct(p); err != nil {
			return Inbound{}, ErrMissingTarget
		}
		in.Target = p.Target
	}
	return in, nil
}

// NormalizeUsername trims surrounding whitespace and enforces the length
// bound. Uniqueness is not required.
func NormalizeUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrMissingUsername
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid utf-8", ErrInvalidUsername)
	}
	if err := validate.Var(name, usernameTag); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUsername, err)
	}
	return name, nil
}

var errEmptyData = errors.New("protocol: empty data")

func decodeObject(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errEmptyData
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: data must be an object", ErrMalformed)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
