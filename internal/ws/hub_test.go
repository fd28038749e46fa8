package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/activeview"
	"github.com/marketchat/internal/delivery"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/presence/memory"
	"github.com/marketchat/internal/repository"
)

// fakeDirectory is a fixed membership table: conv "c1" holds alice and bob,
// "c2" holds all three.
type fakeDirectory struct{}

func (fakeDirectory) membership(conversationID string) []string {
	switch conversationID {
	case "c1":
		return []string{"alice", "bob"}
	case "c2":
		return []string{"alice", "bob", "carol"}
	}
	return nil
}

func (d fakeDirectory) Exists(_ context.Context, conversationID string) (bool, error) {
	return d.membership(conversationID) != nil, nil
}

func (d fakeDirectory) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	for _, uid := range d.membership(conversationID) {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d fakeDirectory) ParticipantIDs(_ context.Context, conversationID string) ([]string, error) {
	m := d.membership(conversationID)
	if m == nil {
		// Same sentinel the pgx-backed directory returns.
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (d fakeDirectory) ConversationsOf(_ context.Context, userID string) ([]string, error) {
	var out []string
	for _, convID := range []string{"c1", "c2"} {
		ok, _ := d.IsParticipant(context.Background(), convID, userID)
		if ok {
			out = append(out, convID)
		}
	}
	return out, nil
}

// memMessages mirrors the repository's transactional semantics in memory.
type memMessages struct {
	mu       sync.Mutex
	receipts map[string]map[string]model.MessageStatus // messageID → recipient → status
	byConv   map[string][]string                       // conversationID → messageIDs
}

func newMemMessages() *memMessages {
	return &memMessages{
		receipts: make(map[string]map[string]model.MessageStatus),
		byConv:   make(map[string][]string),
	}
}

func (s *memMessages) Create(_ context.Context, m *model.Message, recipients []string, readBy map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make(map[string]model.MessageStatus, len(recipients))
	for _, uid := range recipients {
		if readBy[uid] {
			recs[uid] = model.MessageStatusRead
		} else {
			recs[uid] = model.MessageStatusSent
		}
	}
	s.receipts[m.ID] = recs
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return nil
}

func (s *memMessages) MarkDelivered(_ context.Context, messageID, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.receipts[messageID]
	if !ok || recs[recipientID] != model.MessageStatusSent {
		return false, nil
	}
	recs[recipientID] = model.MessageStatusDelivered
	return true, nil
}

func (s *memMessages) MarkConversationRead(_ context.Context, conversationID, recipientID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, msgID := range s.byConv[conversationID] {
		recs := s.receipts[msgID]
		if st, ok := recs[recipientID]; ok && st != model.MessageStatusRead {
			recs[recipientID] = model.MessageStatusRead
			changed = append(changed, msgID)
		}
	}
	return changed, nil
}

func (s *memMessages) status(messageID, recipientID string) model.MessageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[messageID][recipientID]
}

type testEnv struct {
	hub    *Hub
	store  *memMessages
	server *httptest.Server
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemMessages()
	views := activeview.NewTracker()
	engine := delivery.NewEngine(fakeDirectory{}, store, views)
	pres := memory.New()
	hub := NewHub(fakeDirectory{}, engine, pres, views, nil, nil, nil, 100, 75*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, userID, uuid.New().String())
		hub.Register(client)
		clientCtx, clientCancel := context.WithCancel(ctx)
		client.Start(clientCtx, clientCancel)
	}))

	env := &testEnv{hub: hub, store: store, server: server, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return env
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ev IncomingEvent) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}

type rawEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// waitFor reads events off conn until one of the wanted type arrives,
// discarding everything else. Fails the test after the deadline.
func waitFor(t *testing.T, conn *websocket.Conn, want EventType) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var ev rawEvent
		err := conn.ReadJSON(&ev)
		require.NoError(t, err, "waiting for %s", want)
		if ev.Type == want {
			return ev.Payload
		}
	}
}

// expectNone asserts that no event of the given type arrives within the
// window; other events are discarded.
func expectNone(t *testing.T, conn *websocket.Conn, unwanted EventType) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev rawEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return // timeout: nothing arrived, which is what we want
		}
		require.NotEqual(t, unwanted, ev.Type)
	}
}

// waitForStatus reads events until a user_status for userID with the given
// online flag arrives, discarding everything else.
func waitForStatus(t *testing.T, conn *websocket.Conn, userID string, online bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var ev rawEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for status of %s", userID)
		if ev.Type != EventUserStatus {
			continue
		}
		var p UserStatusPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.UserID == userID && p.IsOnline == online {
			return
		}
	}
}

// expectNoStatus asserts that no user_status for userID with the given
// online flag arrives within the window.
func expectNoStatus(t *testing.T, conn *websocket.Conn, userID string, online bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev rawEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Type != EventUserStatus {
			continue
		}
		var p UserStatusPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		require.False(t, p.UserID == userID && p.IsOnline == online,
			"unexpected user_status for %s online=%v", userID, online)
	}
}

func TestJoinBroadcastsOnlineToPeers(t *testing.T) {
	env := newTestEnv(t)

	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})

	waitForStatus(t, bob, "alice", true)
}

func TestJoinReplaysPeerPresenceSnapshot(t *testing.T) {
	env := newTestEnv(t)

	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})
	waitFor(t, bob, EventUserStatus)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})

	// Alice's snapshot covers both peers; bob must show online.
	waitForStatus(t, alice, "bob", true)
}

func TestSendMessageDeliveredToOnlineRecipient(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})
	waitFor(t, bob, EventUserStatus)

	send(t, alice, IncomingEvent{Type: EventSendMessage, ConversationID: "c1", Content: "hello"})

	raw := waitFor(t, alice, EventMessageSent)
	var sent MessageStatusPayload
	require.NoError(t, json.Unmarshal(raw, &sent))
	require.Equal(t, model.MessageStatusSent, sent.Status)

	raw = waitFor(t, bob, EventNewMessage)
	var nm NewMessagePayload
	require.NoError(t, json.Unmarshal(raw, &nm))
	require.Equal(t, "hello", nm.Content)
	require.Equal(t, model.MessageStatusDelivered, nm.Status)

	raw = waitFor(t, alice, EventMessageDelivered)
	var delivered MessageStatusPayload
	require.NoError(t, json.Unmarshal(raw, &delivered))
	require.Equal(t, sent.MessageID, delivered.MessageID)
	require.Equal(t, model.MessageStatusDelivered, env.store.status(sent.MessageID, "bob"))
}

func TestSendMessageOfflineRecipientStaysSent(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})

	// Bob never joins: no presence, no delivery.
	send(t, alice, IncomingEvent{Type: EventSendMessage, ConversationID: "c1", Content: "anyone there"})

	raw := waitFor(t, alice, EventMessageSent)
	var sent MessageStatusPayload
	require.NoError(t, json.Unmarshal(raw, &sent))

	expectNone(t, alice, EventMessageDelivered)
	require.Equal(t, model.MessageStatusSent, env.store.status(sent.MessageID, "bob"))
}

func TestActiveViewerReadsInstantly(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})
	send(t, bob, IncomingEvent{Type: EventEnterChat, ConversationID: "c1"})
	waitFor(t, bob, EventAck)

	send(t, alice, IncomingEvent{Type: EventSendMessage, ConversationID: "c1", Content: "seen immediately"})

	raw := waitFor(t, bob, EventNewMessage)
	var nm NewMessagePayload
	require.NoError(t, json.Unmarshal(raw, &nm))
	require.Equal(t, model.MessageStatusRead, nm.Status)

	// Sender converges straight to read: no intermediate delivered.
	raw = waitFor(t, alice, EventMessageRead)
	var read MessageStatusPayload
	require.NoError(t, json.Unmarshal(raw, &read))
	require.Equal(t, nm.MessageID, read.MessageID)
	expectNone(t, alice, EventMessageDelivered)
	require.Equal(t, model.MessageStatusRead, env.store.status(nm.MessageID, "bob"))
}

func TestLeaveChatStopsInstantRead(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})
	send(t, bob, IncomingEvent{Type: EventEnterChat, ConversationID: "c1"})
	waitFor(t, bob, EventAck)
	send(t, bob, IncomingEvent{Type: EventLeaveChat, ConversationID: "c1"})
	waitFor(t, bob, EventAck)

	send(t, alice, IncomingEvent{Type: EventSendMessage, ConversationID: "c1", Content: "after leave"})

	raw := waitFor(t, bob, EventNewMessage)
	var nm NewMessagePayload
	require.NoError(t, json.Unmarshal(raw, &nm))
	// Bob is online but not viewing: delivered, not read.
	require.Equal(t, model.MessageStatusDelivered, nm.Status)
}

func TestEnterChatBroadcastsMessagesRead(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	send(t, alice, IncomingEvent{Type: EventSendMessage, ConversationID: "c1", Content: "unread"})
	raw := waitFor(t, alice, EventMessageSent)
	var sent MessageStatusPayload
	require.NoError(t, json.Unmarshal(raw, &sent))

	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})
	send(t, bob, IncomingEvent{Type: EventEnterChat, ConversationID: "c1"})

	raw = waitFor(t, alice, EventMessagesRead)
	var mr MessagesReadPayload
	require.NoError(t, json.Unmarshal(raw, &mr))
	require.Equal(t, "c1", mr.ConversationID)
	require.Equal(t, "bob", mr.UserID)
	require.Equal(t, model.MessageStatusRead, env.store.status(sent.MessageID, "bob"))
}

func TestMarkReadIdempotent(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	send(t, alice, IncomingEvent{Type: EventSendMessage, ConversationID: "c1", Content: "read me twice"})
	waitFor(t, alice, EventMessageSent)

	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})

	send(t, bob, IncomingEvent{Type: EventMarkRead, ConversationID: "c1"})
	waitFor(t, bob, EventAck)
	waitFor(t, bob, EventMessagesRead)

	// Second mark_read still acks and still broadcasts; nothing errors.
	send(t, bob, IncomingEvent{Type: EventMarkRead, ConversationID: "c1"})
	waitFor(t, bob, EventAck)
	waitFor(t, bob, EventMessagesRead)
}

func TestTypingNotEchoedToTypist(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})
	waitFor(t, bob, EventUserStatus)

	send(t, alice, IncomingEvent{Type: EventTyping, ConversationID: "c1", IsTyping: true})

	raw := waitFor(t, bob, EventUserTyping)
	var p UserTypingPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, "alice", p.UserID)
	require.True(t, p.IsTyping)

	expectNone(t, alice, EventUserTyping)
}

func TestSendToUnknownConversationFails(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	send(t, alice, IncomingEvent{Type: EventSendMessage, ConversationID: "nope", Content: "void"})

	raw := waitFor(t, alice, EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, "conversation not found", p.Error)
}

func TestTypingInUnknownConversationReportsNotFound(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	send(t, alice, IncomingEvent{Type: EventTyping, ConversationID: "nope", IsTyping: true})

	raw := waitFor(t, alice, EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, "conversation not found", p.Error)
}

func TestNonParticipantCannotSend(t *testing.T) {
	env := newTestEnv(t)

	carol := env.dial(t, "carol")
	send(t, carol, IncomingEvent{Type: EventJoin})
	// Carol belongs to c2, not c1.
	send(t, carol, IncomingEvent{Type: EventSendMessage, ConversationID: "c1", Content: "intruding"})

	raw := waitFor(t, carol, EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, "not a participant", p.Error)
}

func TestUnknownEventTypeRejected(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: "dance"})

	raw := waitFor(t, alice, EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, "unknown event type", p.Error)
}

func TestMalformedJSONGetsErrorNotDisconnect(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))

	raw := waitFor(t, alice, EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, "malformed event", p.Error)

	// Connection survives: a valid event still works.
	send(t, alice, IncomingEvent{Type: EventJoin})
	waitFor(t, alice, EventUserStatus)
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	env := newTestEnv(t)

	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})

	alice := env.dial(t, "alice")
	send(t, alice, IncomingEvent{Type: EventJoin})
	waitForStatus(t, bob, "alice", true)

	require.NoError(t, alice.Close())

	waitForStatus(t, bob, "alice", false)
}

func TestSecondConnectionKeepsUserOnline(t *testing.T) {
	env := newTestEnv(t)

	bob := env.dial(t, "bob")
	send(t, bob, IncomingEvent{Type: EventJoin})

	alicePhone := env.dial(t, "alice")
	send(t, alicePhone, IncomingEvent{Type: EventJoin})
	waitForStatus(t, bob, "alice", true)

	aliceLaptop := env.dial(t, "alice")
	send(t, aliceLaptop, IncomingEvent{Type: EventJoin})

	// Dropping one of two connections must not announce offline.
	require.NoError(t, alicePhone.Close())
	expectNoStatus(t, bob, "alice", false)
	_ = aliceLaptop
}
