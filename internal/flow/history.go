package flow

import (
	"sync"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

// DefaultHistoryWindow is how many recent messages are sent to the model.
const DefaultHistoryWindow = 20

// History is the bounded in-memory window of a conversation. The oldest message
// is dropped once the window is full; the durable log in the store is not affected.
type History struct {
	limit    int
	messages []models.Message
}

// NewHistory keeps the last limit messages of msgs.
func NewHistory(limit int, msgs []models.Message) *History {
	if limit <= 0 {
		limit = DefaultHistoryWindow
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return &History{limit: limit, messages: append([]models.Message(nil), msgs...)}
}

// Append adds m, evicting the oldest message if the window is full.
func (h *History) Append(m models.Message) {
	h.messages = append(h.messages, m)
	if len(h.messages) > h.limit {
		h.messages = append(h.messages[:0:0], h.messages[len(h.messages)-h.limit:]...)
	}
}

// Messages returns a copy of the window, oldest first.
func (h *History) Messages() []models.Message {
	return append([]models.Message(nil), h.messages...)
}

// Len returns the number of messages in the window.
func (h *History) Len() int { return len(h.messages) }

// userLocks serializes work per user while letting different users proceed in
// parallel. Entries are dropped once nobody holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock blocks until userID is free and returns the matching unlock.
func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
