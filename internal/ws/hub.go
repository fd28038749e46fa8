// Package ws is the connection/event router: it binds WebSocket connections
// to authenticated users, dispatches inbound events to the presence store,
// the active-view tracker and the delivery engine, and fans resulting events
// out to every relevant connection — locally and, through the optional
// bridge, to sibling processes.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marketchat/internal/activeview"
	"github.com/marketchat/internal/delivery"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/presence"
	"github.com/marketchat/internal/repository"
)

// Directory resolves conversation membership for fan-out targeting.
// Implemented by repository.ConversationRepository.
type Directory interface {
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	ConversationsOf(ctx context.Context, userID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Engine advances the message status state machine. Implemented by
// delivery.Engine.
type Engine interface {
	Submit(ctx context.Context, conversationID, senderID string, msgType model.MessageType, content string) (*delivery.Result, error)
	MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error)
	MarkRead(ctx context.Context, conversationID, recipientID string) ([]string, error)
}

// Notifier sends push notifications to offline recipients. nil disables push.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// IdentityMirror reflects presence transitions into the user store so plain
// REST reads see a recent online flag. nil disables mirroring.
type IdentityMirror interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// Bridge carries fan-out events to sibling processes. nil means a single
// process handles all connections.
type Bridge interface {
	Publish(ctx context.Context, userID string, ev OutgoingEvent) error
}

type Hub struct {
	directory Directory
	engine    Engine
	pres      presence.Store
	views     *activeview.Tracker
	mirror    IdentityMirror
	notifier  Notifier
	bridge    Bridge

	hbWindow time.Duration

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int
}

func NewHub(
	directory Directory,
	engine Engine,
	pres presence.Store,
	views *activeview.Tracker,
	mirror IdentityMirror,
	notifier Notifier,
	bridge Bridge,
	maxConns int,
	hbWindow time.Duration,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if hbWindow <= 0 {
		hbWindow = 75 * time.Second
	}
	return &Hub{
		directory:  directory,
		engine:     engine,
		pres:       pres,
		views:      views,
		mirror:     mirror,
		notifier:   notifier,
		bridge:     bridge,
		hbWindow:   hbWindow,
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// Run owns registration, unregistration and the heartbeat sweep. The sweep
// is the only server-side path to offline: a user whose every connection
// missed heartbeats for the whole window goes offline even without a
// disconnect, covering ungraceful connection loss.
func (h *Hub) Run(ctx context.Context) {
	sweep := time.NewTicker(h.hbWindow / 3)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			// Close done first so pumps blocked in Register/Unregister
			// return instead of waiting on a loop that no longer reads.
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-sweep.C:
			h.sweepStale()
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastLocal := len(clients) == 0
	if lastLocal {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	last, err := h.pres.DropConnection(ctx, c.userID, c.connID)
	if err != nil {
		logger.Errorf("ws drop connection user=%s: %v", c.userID, err)
	}
	if last {
		// The user's last connection anywhere: forget their active view and
		// announce offline with their last-seen stamp.
		h.views.Clear(c.userID)
		if h.mirror != nil {
			if err := h.mirror.SetOnline(ctx, c.userID, false); err != nil {
				logger.Errorf("ws mirror offline user=%s: %v", c.userID, err)
			}
		}
		h.broadcastUserStatus(c.userID, false)
	} else if lastLocal {
		// Connections remain on sibling processes; only the local view entry
		// is stale.
		h.views.Clear(c.userID)
	}
}

// sweepStale expires users whose heartbeats stopped and announces them
// offline.
func (h *Hub) sweepStale() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	expired, err := h.pres.Sweep(ctx, h.hbWindow)
	if err != nil {
		logger.Errorf("ws presence sweep: %v", err)
		return
	}
	for _, userID := range expired {
		h.views.Clear(userID)
		if h.mirror != nil {
			if err := h.mirror.SetOnline(ctx, userID, false); err != nil {
				logger.Errorf("ws mirror offline user=%s: %v", userID, err)
			}
		}
		h.broadcastUserStatus(userID, false)
	}
}

// HandleEvent dispatches one inbound event. Handlers run on the connection's
// read goroutine; everything they touch is safe for concurrent use across
// connections, and per-user/per-conversation state is serialized by the
// presence store, the tracker and transactional persistence.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventJoin:
		h.handleJoin(ctx, c)
	case EventEnterChat:
		h.handleEnterChat(ctx, c, ev)
	case EventLeaveChat:
		h.handleLeaveChat(c, ev)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, ev)
	case EventTyping:
		h.handleTyping(ctx, c, ev)
	case EventRecording:
		h.handleRecording(ctx, c, ev)
	case EventMarkRead:
		h.handleMarkRead(ctx, c, ev)
	case EventHeartbeat:
		h.handleHeartbeat(ctx, c)
	default:
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "unknown event type"}})
	}
}

// handleJoin marks the user online and replays the presence of every peer
// they share a conversation with, so the client renders current statuses
// without polling.
func (h *Hub) handleJoin(ctx context.Context, c *Client) {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	first, err := h.pres.SetOnline(ctx, c.userID, c.connID)
	if err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "presence update failed"}})
		return
	}
	if h.mirror != nil {
		if err := h.mirror.SetOnline(ctx, c.userID, true); err != nil {
			logger.Errorf("ws mirror online user=%s: %v", c.userID, err)
		}
	}
	if first {
		h.broadcastUserStatus(c.userID, true)
	}

	peers, err := h.peersOf(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws peers for snapshot user=%s: %v", c.userID, err)
		return
	}
	records, err := h.pres.GetMany(ctx, peers)
	if err != nil {
		logger.Errorf("ws presence snapshot user=%s: %v", c.userID, err)
		return
	}
	now := time.Now().UTC()
	for _, rec := range records {
		h.sendToClient(c, OutgoingEvent{Type: EventUserStatus, Payload: UserStatusPayload{
			UserID:    rec.UserID,
			IsOnline:  rec.IsOnline,
			LastSeen:  rec.LastSeen,
			Timestamp: now,
		}})
	}
}

func (h *Hub) handleHeartbeat(ctx context.Context, c *Client) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.pres.Heartbeat(ctx, c.userID, c.connID); err != nil {
		logger.Errorf("ws heartbeat user=%s: %v", c.userID, err)
	}
}

// handleEnterChat records the foreground conversation and reads it: opening
// a chat is an explicit read signal, so MarkRead runs unconditionally.
func (h *Hub) handleEnterChat(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleEnterChat", time.Now())()
	if ev.ConversationID == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "conversation_id required"}})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Enter first so a message racing in between is read instantly; a failed
	// authorization below rolls the entry back.
	h.views.Enter(c.userID, ev.ConversationID)
	if _, err := h.engine.MarkRead(ctx, ev.ConversationID, c.userID); err != nil {
		h.views.Leave(c.userID, ev.ConversationID)
		h.sendError(c, err, "")
		return
	}

	h.sendToClient(c, OutgoingEvent{Type: EventAck, Payload: AckPayload{Event: EventEnterChat, ConversationID: ev.ConversationID}})
	h.broadcastMessagesRead(ctx, ev.ConversationID, c.userID)
}

func (h *Hub) handleLeaveChat(c *Client, ev IncomingEvent) {
	if ev.ConversationID == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "conversation_id required"}})
		return
	}
	h.views.Leave(c.userID, ev.ConversationID)
	h.sendToClient(c, OutgoingEvent{Type: EventAck, Payload: AckPayload{Event: EventLeaveChat, ConversationID: ev.ConversationID}})
}

// handleSendMessage submits the message and fans it out. Each recipient is
// handled independently: a failure for one never aborts delivery to the
// others. Active viewers got their receipt set to read inside Submit and the
// sender sees message_read with no intermediate message_delivered; online
// recipients are marked delivered here; offline recipients keep status sent
// and get a push notification.
func (h *Hub) handleSendMessage(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if ev.ConversationID == "" || ev.Content == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "conversation_id and content required"}})
		return
	}
	msgType := ev.MessageType
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := h.engine.Submit(ctx, ev.ConversationID, c.userID, msgType, ev.Content)
	if err != nil {
		h.sendError(c, err, "")
		return
	}
	m := res.Message

	// Sender-local acknowledgment first, so the sender's timeline always
	// observes sent before any delivered/read confirmation.
	h.sendToUser(c.userID, OutgoingEvent{Type: EventMessageSent, Payload: MessageStatusPayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Status:         model.MessageStatusSent,
		Timestamp:      m.CreatedAt,
	}})

	for _, rs := range res.Recipients {
		h.deliverToRecipient(ctx, c, m, rs)
	}
}

func (h *Hub) deliverToRecipient(ctx context.Context, sender *Client, m *model.Message, rs delivery.RecipientStatus) {
	now := time.Now().UTC()
	newMsg := NewMessagePayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		MessageType:    m.Type,
		Content:        m.Content,
		Timestamp:      m.CreatedAt,
		Status:         rs.Status,
	}

	if rs.Status == model.MessageStatusRead {
		// Instant read: the recipient is looking at the conversation. No
		// delivered hop, the sender converges straight to read.
		h.sendToUser(rs.UserID, OutgoingEvent{Type: EventNewMessage, Payload: newMsg})
		h.sendToUser(m.SenderID, OutgoingEvent{Type: EventMessageRead, Payload: MessageStatusPayload{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			Status:         model.MessageStatusRead,
			Timestamp:      now,
		}})
		return
	}

	rec, err := h.pres.Get(ctx, rs.UserID)
	if err != nil {
		logger.Errorf("ws presence lookup recipient=%s: %v", rs.UserID, err)
	}
	if err == nil && rec.IsOnline {
		changed, err := h.engine.MarkDelivered(ctx, m.ID, rs.UserID)
		if err != nil {
			logger.Errorf("ws mark delivered msg=%s recipient=%s: %v", m.ID, rs.UserID, err)
			h.sendError(sender, err, m.ID)
			return
		}
		newMsg.Status = model.MessageStatusDelivered
		h.sendToUser(rs.UserID, OutgoingEvent{Type: EventNewMessage, Payload: newMsg})
		if changed {
			h.sendToUser(m.SenderID, OutgoingEvent{Type: EventMessageDelivered, Payload: MessageStatusPayload{
				MessageID:      m.ID,
				ConversationID: m.ConversationID,
				Status:         model.MessageStatusDelivered,
				Timestamp:      now,
			}})
		}
		return
	}

	// Offline: the receipt stays at sent; the event still goes to the user's
	// channel in case they connect mid-flight, and push covers the rest.
	h.sendToUser(rs.UserID, OutgoingEvent{Type: EventNewMessage, Payload: newMsg})
	if h.notifier != nil {
		body := m.Content
		if m.Type != model.MessageTypeText || body == "" {
			body = "Attachment"
		}
		if len(body) > 120 {
			body = body[:117] + "..."
		}
		data := map[string]string{"conversation_id": m.ConversationID, "message_id": m.ID}
		go h.notifier.Notify(context.Background(), rs.UserID, "New message", body, data)
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ConversationID == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "conversation_id required"}})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	participants, err := h.directory.ParticipantIDs(ctx, ev.ConversationID)
	if err != nil {
		h.sendError(c, err, "")
		return
	}
	out := OutgoingEvent{Type: EventUserTyping, Payload: UserTypingPayload{
		ConversationID: ev.ConversationID,
		UserID:         c.userID,
		IsTyping:       ev.IsTyping,
	}}
	for _, uid := range participants {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
}

func (h *Hub) handleRecording(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ConversationID == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "conversation_id required"}})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	participants, err := h.directory.ParticipantIDs(ctx, ev.ConversationID)
	if err != nil {
		h.sendError(c, err, "")
		return
	}
	out := OutgoingEvent{Type: EventRecording, Payload: RecordingPayload{
		UserID:         c.userID,
		ConversationID: ev.ConversationID,
		IsRecording:    ev.IsRecording,
		Timestamp:      time.Now().UTC(),
	}}
	for _, uid := range participants {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
}

// handleMarkRead is the standalone explicit read signal; always honored.
func (h *Hub) handleMarkRead(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleMarkRead", time.Now())()
	if ev.ConversationID == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "conversation_id required"}})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.engine.MarkRead(ctx, ev.ConversationID, c.userID); err != nil {
		h.sendError(c, err, "")
		return
	}
	h.sendToClient(c, OutgoingEvent{Type: EventAck, Payload: AckPayload{Event: EventMarkRead, ConversationID: ev.ConversationID}})
	h.broadcastMessagesRead(ctx, ev.ConversationID, c.userID)
}

// broadcastMessagesRead tells every participant (the reader and the original
// senders alike) that the conversation is read, so all clients converge on
// the same status. Exactly one broadcast per invocation.
func (h *Hub) broadcastMessagesRead(ctx context.Context, conversationID, readerID string) {
	participants, err := h.directory.ParticipantIDs(ctx, conversationID)
	if err != nil {
		logger.Errorf("ws participants for read broadcast conversation=%s: %v", conversationID, err)
		return
	}
	out := OutgoingEvent{Type: EventMessagesRead, Payload: MessagesReadPayload{
		ConversationID: conversationID,
		UserID:         readerID,
		Timestamp:      time.Now().UTC(),
	}}
	for _, uid := range participants {
		h.sendToUser(uid, out)
	}
}

// broadcastUserStatus announces an online/offline transition to exactly the
// users sharing a conversation with userID, deduplicated.
func (h *Hub) broadcastUserStatus(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peers, err := h.peersOf(ctx, userID)
	if err != nil {
		logger.Errorf("ws peers for status broadcast user=%s: %v", userID, err)
		return
	}
	rec, err := h.pres.Get(ctx, userID)
	if err != nil {
		logger.Errorf("ws presence for status broadcast user=%s: %v", userID, err)
		rec = presence.Record{UserID: userID, IsOnline: online, LastSeen: time.Now().UTC()}
	}
	out := OutgoingEvent{Type: EventUserStatus, Payload: UserStatusPayload{
		UserID:    userID,
		IsOnline:  online,
		LastSeen:  rec.LastSeen,
		Timestamp: time.Now().UTC(),
	}}
	for _, uid := range peers {
		h.sendToUser(uid, out)
	}
}

// peersOf returns the deduplicated set of users sharing at least one
// conversation with userID.
func (h *Hub) peersOf(ctx context.Context, userID string) ([]string, error) {
	conversations, err := h.directory.ConversationsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, 16)
	peers := make([]string, 0, 16)
	for _, convID := range conversations {
		participants, err := h.directory.ParticipantIDs(ctx, convID)
		if err != nil {
			logger.Errorf("ws participants conversation=%s: %v", convID, err)
			continue
		}
		for _, uid := range participants {
			if uid == userID {
				continue
			}
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			peers = append(peers, uid)
		}
	}
	return peers, nil
}

// sendError maps an engine/repository error onto the wire taxonomy.
func (h *Hub) sendError(c *Client, err error, messageID string) {
	var msg string
	switch {
	case errors.Is(err, delivery.ErrUnauthorized):
		msg = "not a participant"
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		msg = "conversation not found"
	case errors.Is(err, delivery.ErrInvalidPayload):
		msg = "invalid payload"
	default:
		logger.Errorf("ws persistence failure user=%s: %v", c.userID, err)
		msg = "operation failed"
	}
	h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: msg, MessageID: messageID}})
}

// sendToUser emits an event on the user's personal channel: every local
// connection, plus sibling processes through the bridge.
func (h *Hub) sendToUser(userID string, ev OutgoingEvent) {
	h.deliverLocal(userID, ev)
	if h.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.bridge.Publish(ctx, userID, ev); err != nil {
			logger.Errorf("ws bridge publish user=%s: %v", userID, err)
		}
	}
}

// deliverLocal fans out to this process's connections only; the bridge calls
// it for remote-originated events.
func (h *Hub) deliverLocal(userID string, ev OutgoingEvent) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev OutgoingEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client. Other
		// recipients are unaffected.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

// DeliverLocal is the bridge's entry point for events published by sibling
// processes.
func (h *Hub) DeliverLocal(userID string, ev OutgoingEvent) {
	h.deliverLocal(userID, ev)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
