package delivery

import (
	"context"
	"sync"
	"testing"

	"github.com/marketchat/internal/activeview"
	"github.com/marketchat/internal/model"
	"github.com/stretchr/testify/require"
)

// fakeDirectory is a fixed conversation→participants map.
type fakeDirectory struct {
	participants map[string][]string
}

func (d *fakeDirectory) Exists(_ context.Context, id string) (bool, error) {
	_, ok := d.participants[id]
	return ok, nil
}

func (d *fakeDirectory) IsParticipant(_ context.Context, id, userID string) (bool, error) {
	for _, uid := range d.participants[id] {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) ParticipantIDs(_ context.Context, id string) ([]string, error) {
	return d.participants[id], nil
}

// memStore mirrors the repository's transactional semantics in memory:
// monotonic receipts, unread counters, per-conversation order.
type memStore struct {
	mu       sync.Mutex
	messages map[string]*model.Message
	receipts map[string]map[string]model.MessageStatus // messageID -> recipient -> status
	unread   map[string]map[string]int                 // conversationID -> user -> count
	byConv   map[string][]string
	seq      int64
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[string]*model.Message),
		receipts: make(map[string]map[string]model.MessageStatus),
		unread:   make(map[string]map[string]int),
		byConv:   make(map[string][]string),
	}
}

func (s *memStore) Create(_ context.Context, m *model.Message, recipients []string, readBy map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m.Seq = s.seq
	s.messages[m.ID] = m
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	s.receipts[m.ID] = make(map[string]model.MessageStatus, len(recipients))
	if s.unread[m.ConversationID] == nil {
		s.unread[m.ConversationID] = make(map[string]int)
	}
	for _, uid := range recipients {
		if readBy[uid] {
			s.receipts[m.ID][uid] = model.MessageStatusRead
		} else {
			s.receipts[m.ID][uid] = model.MessageStatusSent
			s.unread[m.ConversationID][uid]++
		}
	}
	return nil
}

func (s *memStore) MarkDelivered(_ context.Context, messageID, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receipts[messageID][recipientID] != model.MessageStatusSent {
		return false, nil
	}
	s.receipts[messageID][recipientID] = model.MessageStatusDelivered
	return true, nil
}

func (s *memStore) MarkConversationRead(_ context.Context, conversationID, recipientID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, id := range s.byConv[conversationID] {
		if st, ok := s.receipts[id][recipientID]; ok && st != model.MessageStatusRead {
			s.receipts[id][recipientID] = model.MessageStatusRead
			changed = append(changed, id)
		}
	}
	if s.unread[conversationID] != nil {
		s.unread[conversationID][recipientID] = 0
	}
	return changed, nil
}

func (s *memStore) receipt(messageID, recipientID string) model.MessageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[messageID][recipientID]
}

func (s *memStore) unreadCount(conversationID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[conversationID][userID]
}

func newTestEngine() (*Engine, *memStore, *activeview.Tracker) {
	dir := &fakeDirectory{participants: map[string][]string{
		"c1": {"alice", "bob"},
		"c2": {"alice", "bob", "carol"},
	}}
	store := newMemStore()
	tracker := activeview.NewTracker()
	return NewEngine(dir, store, tracker), store, tracker
}

func TestSubmitValidation(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.Submit(ctx, "c1", "alice", model.MessageTypeText, "")
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = e.Submit(ctx, "c1", "alice", "sticker", "hi")
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = e.Submit(ctx, "missing", "alice", model.MessageTypeText, "hi")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = e.Submit(ctx, "c1", "mallory", model.MessageTypeText, "hi")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubmitInactiveRecipientStaysSent(t *testing.T) {
	e, store, _ := newTestEngine()
	ctx := context.Background()

	res, err := e.Submit(ctx, "c1", "alice", model.MessageTypeText, "hello")
	require.NoError(t, err)
	require.Len(t, res.Recipients, 1)
	require.Equal(t, "bob", res.Recipients[0].UserID)
	require.Equal(t, model.MessageStatusSent, res.Recipients[0].Status)
	require.Equal(t, model.MessageStatusSent, store.receipt(res.Message.ID, "bob"))
	require.Equal(t, 1, store.unreadCount("c1", "bob"))
}

func TestSubmitActiveRecipientReadsInstantly(t *testing.T) {
	e, store, tracker := newTestEngine()
	ctx := context.Background()

	tracker.Enter("bob", "c1")
	res, err := e.Submit(ctx, "c1", "alice", model.MessageTypeText, "hello")
	require.NoError(t, err)
	require.Equal(t, model.MessageStatusRead, res.Recipients[0].Status)
	require.Equal(t, model.MessageStatusRead, store.receipt(res.Message.ID, "bob"))
	// Instant read never inflates the unread counter.
	require.Equal(t, 0, store.unreadCount("c1", "bob"))
}

func TestSubmitAfterEnterThenLeaveYieldsSent(t *testing.T) {
	e, store, tracker := newTestEngine()
	ctx := context.Background()

	tracker.Enter("bob", "c1")
	tracker.Leave("bob", "c1")
	require.False(t, tracker.IsActive("bob", "c1"))

	res, err := e.Submit(ctx, "c1", "alice", model.MessageTypeText, "hello")
	require.NoError(t, err)
	require.Equal(t, model.MessageStatusSent, res.Recipients[0].Status)
	require.Equal(t, 1, store.unreadCount("c1", "bob"))
}

func TestSubmitMixedRecipients(t *testing.T) {
	e, store, tracker := newTestEngine()
	ctx := context.Background()

	tracker.Enter("bob", "c2")
	res, err := e.Submit(ctx, "c2", "alice", model.MessageTypeImage, "img://1")
	require.NoError(t, err)

	byUser := make(map[string]model.MessageStatus)
	for _, rs := range res.Recipients {
		byUser[rs.UserID] = rs.Status
	}
	require.Equal(t, model.MessageStatusRead, byUser["bob"])
	require.Equal(t, model.MessageStatusSent, byUser["carol"])
	require.Equal(t, 0, store.unreadCount("c2", "bob"))
	require.Equal(t, 1, store.unreadCount("c2", "carol"))
}

func TestMarkDeliveredMonotonic(t *testing.T) {
	e, store, tracker := newTestEngine()
	ctx := context.Background()

	res, err := e.Submit(ctx, "c1", "alice", model.MessageTypeText, "hello")
	require.NoError(t, err)
	msgID := res.Message.ID

	changed, err := e.MarkDelivered(ctx, msgID, "bob")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, model.MessageStatusDelivered, store.receipt(msgID, "bob"))

	// Second ack is a no-op, not an error.
	changed, err = e.MarkDelivered(ctx, msgID, "bob")
	require.NoError(t, err)
	require.False(t, changed)

	// A late delivered after read never regresses.
	tracker.Enter("bob", "c1")
	res2, err := e.Submit(ctx, "c1", "alice", model.MessageTypeText, "again")
	require.NoError(t, err)
	changed, err = e.MarkDelivered(ctx, res2.Message.ID, "bob")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, model.MessageStatusRead, store.receipt(res2.Message.ID, "bob"))
}

func TestMarkReadZeroesOnlyTheReader(t *testing.T) {
	e, store, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.Submit(ctx, "c2", "alice", model.MessageTypeText, "one")
	require.NoError(t, err)
	_, err = e.Submit(ctx, "c2", "alice", model.MessageTypeText, "two")
	require.NoError(t, err)
	require.Equal(t, 2, store.unreadCount("c2", "bob"))
	require.Equal(t, 2, store.unreadCount("c2", "carol"))

	changed, err := e.MarkRead(ctx, "c2", "bob")
	require.NoError(t, err)
	require.Len(t, changed, 2)
	require.Equal(t, 0, store.unreadCount("c2", "bob"))
	require.Equal(t, 2, store.unreadCount("c2", "carol"))
}

func TestMarkReadIdempotent(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	res, err := e.Submit(ctx, "c1", "alice", model.MessageTypeText, "hello")
	require.NoError(t, err)

	changed, err := e.MarkRead(ctx, "c1", "bob")
	require.NoError(t, err)
	require.Equal(t, []string{res.Message.ID}, changed)

	changed, err = e.MarkRead(ctx, "c1", "bob")
	require.NoError(t, err)
	require.Empty(t, changed)
}

func TestMarkReadAuthorization(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.MarkRead(ctx, "missing", "bob")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = e.MarkRead(ctx, "c1", "mallory")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestReadDoesNotTouchOwnMessages(t *testing.T) {
	e, store, _ := newTestEngine()
	ctx := context.Background()

	res, err := e.Submit(ctx, "c1", "alice", model.MessageTypeText, "hello")
	require.NoError(t, err)

	// Alice marking her own conversation read changes nothing: the only
	// receipt belongs to bob.
	changed, err := e.MarkRead(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Empty(t, changed)
	require.Equal(t, model.MessageStatusSent, store.receipt(res.Message.ID, "bob"))
}
