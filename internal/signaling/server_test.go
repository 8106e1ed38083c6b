package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
)

func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("decode %q: %v", msg, err)
	}
	return env
}

func expectType(t *testing.T, c *websocket.Conn, want protocol.MessageType) protocol.Envelope {
	t.Helper()
	env := readEnvelope(t, c)
	if env.Type != want {
		t.Fatalf("type=%q (data %s), want %q", env.Type, env.Data, want)
	}
	return env
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("read err=%v, want close code %d", err, code)
		}
		return
	}
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

type client struct {
	conn *websocket.Conn
	self protocol.Summary
}

// connect opens /{username} and consumes the setMe/setUsers greeting.
func connect(t *testing.T, base, username string) (client, []protocol.Summary) {
	t.Helper()
	c := dial(t, base+"/"+username)

	var self protocol.Summary
	if err := json.Unmarshal(expectType(t, c, protocol.TypeSetMe).Data, &self); err != nil {
		t.Fatalf("decode setMe: %v", err)
	}
	if self.Username != username || self.ID == "" {
		t.Fatalf("setMe=%+v, want username %q and an id", self, username)
	}

	var roster []protocol.Summary
	if err := json.Unmarshal(expectType(t, c, protocol.TypeSetUsers).Data, &roster); err != nil {
		t.Fatalf("decode setUsers: %v", err)
	}
	return client{conn: c, self: self}, roster
}

func routed(typ, target string, extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return fmt.Sprintf(`{"type":%q,"data":{"target":%q%s}}`, typ, target, extra)
}

func TestSignaling_PresenceForSecondClient(t *testing.T) {
	_, base := startTestServer(t, Config{})

	a, rosterA := connect(t, base, "alice")
	if len(rosterA) != 0 {
		t.Fatalf("first client's setUsers=%+v, want empty", rosterA)
	}

	b, rosterB := connect(t, base, "bob")
	if len(rosterB) != 1 || rosterB[0] != a.self {
		t.Fatalf("setUsers for bob=%+v, want [%+v]", rosterB, a.self)
	}

	var added protocol.Summary
	if err := json.Unmarshal(expectType(t, a.conn, protocol.TypeAddUser).Data, &added); err != nil {
		t.Fatalf("decode addUser: %v", err)
	}
	if added != b.self {
		t.Fatalf("addUser=%+v, want %+v", added, b.self)
	}
}

func TestSignaling_WSPrefixedUsernameRoute(t *testing.T) {
	_, base := startTestServer(t, Config{})

	c := dial(t, base+"/ws/carol")
	var self protocol.Summary
	if err := json.Unmarshal(expectType(t, c, protocol.TypeSetMe).Data, &self); err != nil {
		t.Fatalf("decode setMe: %v", err)
	}
	if self.Username != "carol" {
		t.Fatalf("username=%q, want carol", self.Username)
	}
}

func TestSignaling_JoinHandshake(t *testing.T) {
	_, base := startTestServer(t, Config{})

	c := dial(t, base+"/ws")
	send(t, c, `{"type":"JOIN","data":{"username":"  dave  "}}`)

	var self protocol.Summary
	if err := json.Unmarshal(expectType(t, c, protocol.TypeSetMe).Data, &self); err != nil {
		t.Fatalf("decode setMe: %v", err)
	}
	if self.Username != "dave" {
		t.Fatalf("username=%q, want dave", self.Username)
	}
	expectType(t, c, protocol.TypeSetUsers)
}

func TestSignaling_JoinTimeout(t *testing.T) {
	srv, base := startTestServer(t, Config{JoinTimeout: 100 * time.Millisecond})

	c := dial(t, base+"/ws")
	expectClose(t, c, websocket.ClosePolicyViolation)

	if got := srv.Registry().Metrics().Get(metrics.WSJoinTimeouts); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.WSJoinTimeouts, got)
	}
	if got := srv.Registry().Len(); got != 0 {
		t.Fatalf("Len=%d, want 0", got)
	}
}

func TestSignaling_JoinRequiredBeforeRouting(t *testing.T) {
	_, base := startTestServer(t, Config{})

	c := dial(t, base+"/ws")
	send(t, c, routed("offer", "someone", ""))
	expectClose(t, c, websocket.ClosePolicyViolation)
}

func TestSignaling_RejectsBlankPathUsername(t *testing.T) {
	_, base := startTestServer(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(base+"/%20", nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resp=%v, want status %d", resp, http.StatusBadRequest)
	}
}

func TestSignaling_RoutesOnlyToTarget(t *testing.T) {
	_, base := startTestServer(t, Config{})

	a, _ := connect(t, base, "a")
	b, _ := connect(t, base, "b")
	expectType(t, a.conn, protocol.TypeAddUser)
	c, _ := connect(t, base, "c")
	expectType(t, a.conn, protocol.TypeAddUser)
	expectType(t, b.conn, protocol.TypeAddUser)

	send(t, a.conn, routed("CHATINVITE", b.self.ID, `"from":"a","note":{"x":[1,2]}`))
	env := expectType(t, b.conn, protocol.TypeChatInvite)
	want := fmt.Sprintf(`{"target":%q,"from":"a","note":{"x":[1,2]}}`, b.self.ID)
	var gotData, wantData any
	_ = json.Unmarshal(env.Data, &gotData)
	_ = json.Unmarshal([]byte(want), &wantData)
	if fmt.Sprint(gotData) != fmt.Sprint(wantData) {
		t.Fatalf("data=%s, want %s", env.Data, want)
	}

	// The invite was routed ahead of this offer, so c would see it first.
	send(t, a.conn, routed("offer", c.self.ID, `"sdp":"v=0"`))
	expectType(t, c.conn, protocol.TypeOffer)
}

func TestSignaling_AllRoutedTypesKeepTheirType(t *testing.T) {
	_, base := startTestServer(t, Config{})

	a, _ := connect(t, base, "a")
	b, _ := connect(t, base, "b")
	expectType(t, a.conn, protocol.TypeAddUser)

	for _, typ := range []protocol.MessageType{
		protocol.TypeChatInvite,
		protocol.TypeChatInviteCancel,
		protocol.TypeChatInviteRes,
		protocol.TypeOffer,
		protocol.TypeAnswer,
		protocol.TypeICECandidate,
	} {
		send(t, a.conn, routed(string(typ), b.self.ID, ""))
		expectType(t, b.conn, typ)
	}
}

func TestSignaling_IgnoresUnknownAndMalformedMessages(t *testing.T) {
	srv, base := startTestServer(t, Config{})

	a, _ := connect(t, base, "a")
	b, _ := connect(t, base, "b")
	expectType(t, a.conn, protocol.TypeAddUser)

	send(t, a.conn, `not json`)
	send(t, a.conn, `{"type":"dance","data":{"target":"`+b.self.ID+`"}}`)
	send(t, a.conn, `{"type":"offer","data":{}}`)
	if err := a.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMessage binary: %v", err)
	}
	send(t, a.conn, routed("answer", b.self.ID, ""))

	expectType(t, b.conn, protocol.TypeAnswer)

	m := srv.Registry().Metrics()
	if got := m.Get(metrics.MessagesUnknownType); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.MessagesUnknownType, got)
	}
	if got := m.Get(metrics.DropReasonMalformed); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.DropReasonMalformed, got)
	}
	if got := m.Get(metrics.WSNonTextDropped); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.WSNonTextDropped, got)
	}
}

func TestSignaling_UnknownTargetIsDropped(t *testing.T) {
	srv, base := startTestServer(t, Config{})

	a, _ := connect(t, base, "a")

	send(t, a.conn, routed("offer", "nobody", ""))
	send(t, a.conn, routed("chatInviteCancel", a.self.ID, ""))
	expectType(t, a.conn, protocol.TypeChatInviteCancel)

	if got := srv.Registry().Metrics().Get(metrics.DropReasonNoTarget); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.DropReasonNoTarget, got)
	}
}

func TestSignaling_DisconnectAnnouncesRemovalOnce(t *testing.T) {
	srv, base := startTestServer(t, Config{})

	a, _ := connect(t, base, "a")
	b, _ := connect(t, base, "b")
	expectType(t, a.conn, protocol.TypeAddUser)
	c, _ := connect(t, base, "c")
	expectType(t, a.conn, protocol.TypeAddUser)
	expectType(t, b.conn, protocol.TypeAddUser)

	_ = b.conn.Close()

	for _, peer := range []client{a, c} {
		var id string
		if err := json.Unmarshal(expectType(t, peer.conn, protocol.TypeRemoveUser).Data, &id); err != nil {
			t.Fatalf("decode removeUser: %v", err)
		}
		if id != b.self.ID {
			t.Fatalf("removeUser=%q, want %q", id, b.self.ID)
		}
	}

	if got := srv.Registry().Len(); got != 2 {
		t.Fatalf("Len=%d, want 2", got)
	}
	if _, ok := srv.Registry().Lookup(b.self.ID); ok {
		t.Fatalf("departed session still registered")
	}

	// No second removeUser is queued ahead of this offer.
	send(t, c.conn, routed("offer", a.self.ID, ""))
	expectType(t, a.conn, protocol.TypeOffer)
}

func TestSignaling_PreservesPerSenderOrder(t *testing.T) {
	_, base := startTestServer(t, Config{MaxMessagesPerSecond: 0})

	a, _ := connect(t, base, "a")
	b, _ := connect(t, base, "b")
	expectType(t, a.conn, protocol.TypeAddUser)

	const n = 100
	for i := 0; i < n; i++ {
		send(t, a.conn, routed("ice-candidate", b.self.ID, fmt.Sprintf(`"seq":%d`, i)))
	}
	for i := 0; i < n; i++ {
		env := expectType(t, b.conn, protocol.TypeICECandidate)
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("decode candidate: %v", err)
		}
		if payload.Seq != i {
			t.Fatalf("seq=%d, want %d", payload.Seq, i)
		}
	}
}

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }

func TestSignaling_RateLimitClosesConnection(t *testing.T) {
	srv, base := startTestServer(t, Config{
		MaxMessagesPerSecond: 2,
		Clock:                frozenClock{now: time.Unix(1_700_000_000, 0)},
	})

	a, _ := connect(t, base, "a")
	for i := 0; i < 3; i++ {
		send(t, a.conn, routed("offer", "nobody", ""))
	}
	expectClose(t, a.conn, websocket.ClosePolicyViolation)

	if got := srv.Registry().Metrics().Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.DropReasonRateLimited, got)
	}
}

func TestSignaling_OversizedMessageClosesConnection(t *testing.T) {
	srv, base := startTestServer(t, Config{MaxMessageBytes: 64})

	a, _ := connect(t, base, "a")
	send(t, a.conn, routed("offer", "nobody", `"sdp":"`+strings.Repeat("x", 256)+`"`))
	expectClose(t, a.conn, websocket.CloseMessageTooBig)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().Metrics().Get(metrics.WSMessageTooLarge) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected %s metric increment", metrics.WSMessageTooLarge)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignaling_TooManySessions(t *testing.T) {
	reg := relay.NewRegistry(relay.WithMaxSessions(1))
	_, base := startTestServer(t, Config{Registry: reg})

	connect(t, base, "a")
	c := dial(t, base+"/b")
	expectClose(t, c, websocket.CloseTryAgainLater)
}

func TestSignaling_CloseShutsDownLiveConnections(t *testing.T) {
	srv, base := startTestServer(t, Config{})

	a, _ := connect(t, base, "a")
	srv.Close()
	expectClose(t, a.conn, websocket.CloseGoingAway)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().Len() != 0 || srv.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions=%d conns=%d after Close, want 0", srv.Registry().Len(), srv.ActiveConnections())
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, resp, err := websocket.DefaultDialer.Dial(base+"/late", nil)
	if err == nil {
		t.Fatalf("expected dial after Close to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want status %d", resp, http.StatusServiceUnavailable)
	}
}

func TestSignaling_UpgraderEnforcesOriginPolicy(t *testing.T) {
	policy := origin.NewPolicy([]string{"https://app.example.com"})
	srv, base := startTestServer(t, Config{CheckOrigin: policy.CheckOrigin})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(base+"/alice", h)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want status %d", resp, http.StatusForbidden)
	}
	if got := srv.Registry().Metrics().Get(metrics.WSUpgradeFailures); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.WSUpgradeFailures, got)
	}

	h.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(base+"/alice", h)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	expectType(t, c, protocol.TypeSetMe)
}

func TestSignaling_IDGenerationFailureClosesOnlyThatConnection(t *testing.T) {
	var calls atomic.Int64
	reg := relay.NewRegistry(relay.WithIDGenerator(func() (string, error) {
		if calls.Add(1) == 2 {
			return "", errors.New("entropy unavailable")
		}
		return uuid.NewString(), nil
	}))
	_, base := startTestServer(t, Config{Registry: reg})

	a, _ := connect(t, base, "a")

	b := dial(t, base+"/b")
	expectClose(t, b, websocket.CloseInternalServerErr)

	if got := reg.Len(); got != 1 {
		t.Fatalf("Len()=%d, want 1", got)
	}
	if _, ok := reg.Lookup(a.self.ID); !ok {
		t.Fatalf("session %s missing after sibling failure", a.self.ID)
	}
	if got := reg.Metrics().Get(metrics.IDGenerationFailure); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.IDGenerationFailure, got)
	}

	// a never heard of b and keeps working.
	c, _ := connect(t, base, "c")
	added := expectType(t, a.conn, protocol.TypeAddUser)
	var sum protocol.Summary
	if err := json.Unmarshal(added.Data, &sum); err != nil {
		t.Fatalf("decode addUser: %v", err)
	}
	if sum != c.self {
		t.Fatalf("addUser=%+v, want %+v", sum, c.self)
	}
}

func TestSignaling_RosterLargerThanQueueRejectsJoin(t *testing.T) {
	reg := relay.NewRegistry()
	_, roomy := startTestServer(t, Config{Registry: reg})
	_, tight := startTestServer(t, Config{Registry: reg, OutboundQueueBytes: 200})

	peers := make([]client, 0, 4)
	for i := range 4 {
		p, _ := connect(t, roomy, fmt.Sprintf("peer%d", i))
		peers = append(peers, p)
	}
	for i, p := range peers {
		for range len(peers) - 1 - i {
			expectType(t, p.conn, protocol.TypeAddUser)
		}
	}

	// The four-entry roster does not fit in 200 bytes, so the greeting is
	// refused and the session must not stay registered.
	victim := dial(t, tight+"/victim")
	expectClose(t, victim, websocket.CloseTryAgainLater)

	if got := reg.Len(); got != len(peers) {
		t.Fatalf("Len()=%d, want %d", got, len(peers))
	}
	if got := reg.Metrics().Get(metrics.GreetingFailure); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.GreetingFailure, got)
	}

	// Peers were never told about the rejected session: the next frame peer0
	// sees is a message routed to it.
	send(t, peers[1].conn, routed("chatInvite", peers[0].self.ID, ""))
	expectType(t, peers[0].conn, protocol.TypeChatInvite)
}

func TestSignaling_WildcardPolicyAcceptsNonHTTPOrigins(t *testing.T) {
	policy := origin.NewPolicy([]string{"*"})
	_, base := startTestServer(t, Config{CheckOrigin: policy.CheckOrigin})

	for i, o := range []string{"capacitor://localhost", "chrome-extension://abcdef", "file://"} {
		h := http.Header{}
		h.Set("Origin", o)
		c, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/user%d", base, i), h)
		if err != nil {
			t.Fatalf("dial with Origin %q: err=%v resp=%v", o, err, resp)
		}
		expectType(t, c, protocol.TypeSetMe)
		_ = c.Close()
	}
}

func TestSignaling_RoutedDataArrivesUnchanged(t *testing.T) {
	_, base := startTestServer(t, Config{})

	a, _ := connect(t, base, "a")
	b, _ := connect(t, base, "b")
	expectType(t, a.conn, protocol.TypeAddUser)

	data := fmt.Sprintf(`{"target":%q,   "sdp":"a<b&c>",  "n": 1.50}`, b.self.ID)
	send(t, a.conn, `{"type":"Offer","data":`+data+`}`)

	_ = b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := b.conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if want := `{"type":"offer","data":` + data + `}`; string(msg) != want {
		t.Fatalf("frame=%s, want %s", msg, want)
	}
}
