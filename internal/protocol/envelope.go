package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type MessageType string

const (
	// Client -> relay handshake on the bare /ws endpoint.
	TypeJoin MessageType = "join"

	// Relay -> client presence announcements.
	TypeSetMe      MessageType = "setMe"
	TypeSetUsers   MessageType = "setUsers"
	TypeAddUser    MessageType = "addUser"
	TypeRemoveUser MessageType = "removeUser"

	// Client -> client, routed by data.target.
	TypeChatInvite       MessageType = "chatInvite"
	TypeChatInviteCancel MessageType = "chatInviteCancel"
	TypeChatInviteRes    MessageType = "chatInviteRes"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
)

var routedTypes = []MessageType{
	TypeChatInvite,
	TypeChatInviteCancel,
	TypeChatInviteRes,
	TypeOffer,
	TypeAnswer,
	TypeICECandidate,
}

// canonicalTypes maps lower-cased inbound type names to their canonical
// spelling. Only types a client may send are listed.
var canonicalTypes = func() map[string]MessageType {
	m := map[string]MessageType{
		strings.ToLower(string(TypeJoin)): TypeJoin,
	}
	for _, t := range routedTypes {
		m[strings.ToLower(string(t))] = t
	}
	return m
}()

// Canonical resolves a client-supplied type name case-insensitively.
func Canonical(raw string) (MessageType, bool) {
	t, ok := canonicalTypes[strings.ToLower(strings.TrimSpace(raw))]
	return t, ok
}

// Routed reports whether messages of this type are unicast to data.target.
func (t MessageType) Routed() bool {
	for _, rt := range routedTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// Envelope is the unit of the wire protocol in both directions.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Summary is the public projection of a session.
type Summary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

var errInvalidData = errors.New("protocol: envelope data is not valid JSON")

// Frame encodes env for the wire. Unlike json.Marshal it neither compacts nor
// HTML-escapes Data, so a routed payload reaches its target exactly as the
// sender wrote it.
func (env Envelope) Frame() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(string(env.Type)); err != nil {
		return nil, err
	}
	typ := bytes.TrimRight(buf.Bytes(), "\n")

	frame := make([]byte, 0, len(typ)+len(env.Data)+18)
	frame = append(frame, `{"type":`...)
	frame = append(frame, typ...)
	if len(env.Data) > 0 {
		if !json.Valid(env.Data) {
			return nil, errInvalidData
		}
		frame = append(frame, `,"data":`...)
		frame = append(frame, env.Data...)
	}
	return append(frame, '}'), nil
}

func SetMe(self Summary) Envelope { return mustEnvelope(TypeSetMe, self) }

// SetUsers encodes a roster. A nil roster is sent as an empty array so clients
// can always iterate it.
func SetUsers(users []Summary) Envelope {
	if users == nil {
		users = []Summary{}
	}
	return mustEnvelope(TypeSetUsers, users)
}

func AddUser(user Summary) Envelope { return mustEnvelope(TypeAddUser, user) }

// RemoveUser carries only the departed session id.
func RemoveUser(id string) Envelope { return mustEnvelope(TypeRemoveUser, id) }

func mustEnvelope(t MessageType, v any) Envelope {
	data, err := json.Marshal(v)
	if err != nil {
		// Only called with plain string structs.
		panic(fmt.Sprintf("protocol: encode %s: %v", t, err))
	}
	return Envelope{Type: t, Data: data}
}
