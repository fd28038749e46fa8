// Package activeview tracks which conversation each user currently has in
// the foreground. One entry per user: opening conversation B while viewing A
// implicitly leaves A. Entries live in process memory only and are dropped
// on disconnect; after a restart recipients simply get "delivered" instead
// of the instant "read" until they re-enter.
//
// In a multi-process deployment the tracker is local to the process holding
// the user's connection; the instant-read decision is only accurate there.
// That is a documented scalability boundary, not shared state to fix.
package activeview

import "sync"

type Tracker struct {
	mu      sync.RWMutex
	viewing map[string]string // userID -> conversationID
}

func NewTracker() *Tracker {
	return &Tracker{viewing: make(map[string]string)}
}

// Enter records that the user is now viewing the conversation, replacing any
// previous entry.
func (t *Tracker) Enter(userID, conversationID string) {
	t.mu.Lock()
	t.viewing[userID] = conversationID
	t.mu.Unlock()
}

// Leave removes the entry only if it still points at conversationID, so a
// stale leave arriving after a newer enter is a no-op.
func (t *Tracker) Leave(userID, conversationID string) {
	t.mu.Lock()
	if t.viewing[userID] == conversationID {
		delete(t.viewing, userID)
	}
	t.mu.Unlock()
}

// IsActive reports whether the user currently views the conversation.
func (t *Tracker) IsActive(userID, conversationID string) bool {
	t.mu.RLock()
	cur, ok := t.viewing[userID]
	t.mu.RUnlock()
	return ok && cur == conversationID
}

// Clear drops the user's entry. Called on disconnect.
func (t *Tracker) Clear(userID string) {
	t.mu.Lock()
	delete(t.viewing, userID)
	t.mu.Unlock()
}
