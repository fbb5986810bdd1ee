package socius

import (
	"sort"
	"sync"
	"time"
)

// echoMatchWindow is how close a fetched record's timestamp must be to a
// pending local message for the two to be treated as the same send. The
// backend echoes no client correlation id, so this stays a heuristic.
const echoMatchWindow = 10 * time.Second

// MessageStore holds the ordered message list for one conversation.
//
// Messages are totally ordered by CreatedAt with insertion order breaking
// ties, and no two records share a server ID after reconciliation. The store
// is safe for concurrent use; every mutation happens under one lock so
// readers always observe a consistent ordering.
type MessageStore struct {
	mu   sync.RWMutex
	key  ConversationKey
	msgs []storedMessage
	seq  uint64
}

type storedMessage struct {
	Message
	seq uint64 // insertion order, tie-break for equal timestamps
}

// NewMessageStore creates an empty store for one conversation.
func NewMessageStore(key ConversationKey) *MessageStore {
	return &MessageStore{key: key}
}

// Key returns the conversation this store belongs to.
func (s *MessageStore) Key() ConversationKey { return s.key }

// Len returns the number of messages held.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Messages returns a snapshot of the conversation, oldest first.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Message
	}
	return out
}

// Append inserts a new message at its ordered position. A message whose
// CreatedAt ties an existing one lands after it.
func (s *MessageStore) Append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(m)
}

// Prepend inserts older history in front of what is already held, keeping
// the overall order. Records whose server ID is already present are skipped.
func (s *MessageStore) Prepend(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.msgs))
	for _, m := range s.msgs {
		if m.ID != "" {
			seen[m.ID] = true
		}
	}
	for _, m := range history {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		s.insert(m)
	}
}

// ReplaceAll makes a freshly fetched ordered list (oldest first) the new
// source of truth. Optimistic pending messages not present in the fetched
// set survive only when their timestamp is newer than the last fetched
// entry; that keeps a send-then-immediate-refetch race from dropping the
// user's own just-sent message. A pending message the fetched set already
// contains (same body, self-side, near timestamp) is dropped in favour of
// the server copy.
func (s *MessageStore) ReplaceAll(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []storedMessage
	for _, m := range s.msgs {
		if m.Delivery == DeliveryPending || m.Delivery == DeliveryFailed {
			pending = append(pending, m)
		}
	}

	s.msgs = s.msgs[:0]
	for _, m := range history {
		s.insert(m)
	}

	var lastFetched time.Time
	if n := len(s.msgs); n > 0 {
		lastFetched = s.msgs[n-1].CreatedAt
	}

	for _, p := range pending {
		if s.containsEcho(p.Message) {
			continue
		}
		if len(s.msgs) == 0 || p.CreatedAt.After(lastFetched) {
			s.insert(p.Message)
		}
	}
}

// Reset drops every held message, pending ones included.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = s.msgs[:0]
}

// containsEcho reports whether the held set already carries a server copy of
// a pending local message, matched by content and near timestamp.
func (s *MessageStore) containsEcho(local Message) bool {
	for _, m := range s.msgs {
		if m.ID == "" || m.Sender != SenderSelf || m.Body != local.Body {
			continue
		}
		d := m.CreatedAt.Sub(local.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= echoMatchWindow {
			return true
		}
	}
	return false
}

// MarkFailed flips a pending message to failed. Returns false when no
// message with that local id is held.
func (s *MessageStore) MarkFailed(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].LocalID == localID {
			s.msgs[i].Delivery = DeliveryFailed
			return true
		}
	}
	return false
}

// MarkPending flips a failed message back to pending for a resend attempt.
func (s *MessageStore) MarkPending(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].LocalID == localID {
			s.msgs[i].Delivery = DeliveryPending
			return true
		}
	}
	return false
}

// MarkConfirmed flips a pending message to confirmed, adopting the server id
// when the transport echoed one. Returns false when no message with that
// local id is held.
func (s *MessageStore) MarkConfirmed(localID, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].LocalID == localID {
			s.msgs[i].Delivery = DeliveryConfirmed
			if serverID != "" {
				s.msgs[i].ID = serverID
			}
			return true
		}
	}
	return false
}

// Get returns the message with the given local id.
func (s *MessageStore) Get(localID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.msgs {
		if m.LocalID == localID {
			return m.Message, true
		}
	}
	return Message{}, false
}

// insert places m at its ordered position. Caller holds the lock.
func (s *MessageStore) insert(m Message) {
	s.seq++
	sm := storedMessage{Message: m, seq: s.seq}
	// First index whose timestamp is strictly after m: equal timestamps
	// keep earlier insertions first.
	i := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	s.msgs = append(s.msgs, storedMessage{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = sm
}
