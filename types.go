package socius

import (
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Conversation identity
// ============================================================================

// Kind distinguishes the two conversation flavours the backend serves.
type Kind string

const (
	// KindAIChat is a thread with the Socius assistant, addressed by model name.
	KindAIChat Kind = "ai-chat"
	// KindDirect is a thread with a single peer, addressed by user id.
	KindDirect Kind = "direct-message"
)

// ConversationKey identifies one conversation: the kind plus the peer user id
// (direct) or model name (AI chat).
type ConversationKey struct {
	Kind   Kind
	Target string
}

// AIChatKey returns the key for an assistant conversation with the given model.
func AIChatKey(model string) ConversationKey {
	return ConversationKey{Kind: KindAIChat, Target: model}
}

// DirectKey returns the key for a direct conversation with the given peer.
func DirectKey(peerID int64) ConversationKey {
	return ConversationKey{Kind: KindDirect, Target: strconv.FormatInt(peerID, 10)}
}

func (k ConversationKey) String() string {
	return string(k.Kind) + "/" + k.Target
}

// PeerID parses the target as a peer user id. Only meaningful for KindDirect.
func (k ConversationKey) PeerID() (int64, error) {
	return strconv.ParseInt(k.Target, 10, 64)
}

// ============================================================================
// Messages
// ============================================================================

// Sender tells who authored a message.
type Sender string

const (
	SenderSelf      Sender = "self"
	SenderPeer      Sender = "peer"
	SenderAssistant Sender = "assistant"
)

// Delivery is the client-side delivery state of a message.
type Delivery string

const (
	// DeliveryPending marks an optimistic message awaiting server ack.
	DeliveryPending   Delivery = "pending"
	DeliveryConfirmed Delivery = "confirmed"
	DeliveryFailed    Delivery = "failed"
)

// Message is one entry in a conversation as held by the MessageStore.
//
// ID is the server-assigned identifier once persisted; LocalID is the
// locally generated provisional identifier an optimistic send carries until
// the server echo arrives. When the transport gives nothing to correlate on
// (the AI ask path), LocalID stays the only identifier.
type Message struct {
	ID        string
	LocalID   string
	Key       ConversationKey
	Body      string
	Sender    Sender
	CreatedAt time.Time
	Delivery  Delivery
}

// ============================================================================
// Wire records
// ============================================================================

// ChatRecord is one row from GET /history.
type ChatRecord struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// AskReceipt is the response to POST /ask.
type AskReceipt struct {
	QuestionID string `json:"question_id"`
}

// Answer status values returned by GET /get_answer/{id}.
const (
	AnswerPending  = "pending"
	AnswerAnswered = "answered"
)

// AnswerStatus is the response to GET /get_answer/{id}.
type AnswerStatus struct {
	Status string `json:"status"`
	Answer string `json:"answer,omitempty"`
}

// DirectRecord is one row from GET /messages/{peer} and the echo from
// POST /messages.
type DirectRecord struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	IsMe      bool   `json:"is_me"`
	CreatedAt string `json:"created_at"`
}

// ConversationSummary is one row from GET /messages/recent.
type ConversationSummary struct {
	FriendID        int64  `json:"friend_id"`
	FriendUsername  string `json:"friend_username"`
	LastMessage     string `json:"last_message"`
	LastMessageTime string `json:"last_message_time"`
	UnreadCount     int    `json:"unread_count"`
}

// UnreadTotal is the response to GET /notifications/unread.
type UnreadTotal struct {
	Total int `json:"total"`
}

// ============================================================================
// Timestamp normalization
// ============================================================================

func nowUTC() time.Time { return time.Now().UTC() }

// ParseTimestamp normalizes a server timestamp. The backend emits plain SQL
// datetimes without an offset; those are treated as UTC. An empty or
// unparseable value falls back to the current time rather than zero so a
// bad row never sorts to the beginning of a conversation.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	fixed := s
	if strings.Contains(fixed, "T") && !strings.HasSuffix(fixed, "Z") && !strings.Contains(fixed, "+") {
		fixed += "Z"
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, fixed); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// messageFromChat converts a history row to a store message.
func messageFromChat(key ConversationKey, r ChatRecord) Message {
	sender := SenderAssistant
	if r.Role == "user" {
		sender = SenderSelf
	}
	return Message{
		ID:        strconv.FormatInt(r.ID, 10),
		Key:       key,
		Body:      r.Content,
		Sender:    sender,
		CreatedAt: ParseTimestamp(r.CreatedAt),
		Delivery:  DeliveryConfirmed,
	}
}

// messageFromDirect converts a direct-message row to a store message.
func messageFromDirect(key ConversationKey, r DirectRecord) Message {
	sender := SenderPeer
	if r.IsMe {
		sender = SenderSelf
	}
	return Message{
		ID:        strconv.FormatInt(r.ID, 10),
		Key:       key,
		Body:      r.Content,
		Sender:    sender,
		CreatedAt: ParseTimestamp(r.CreatedAt),
		Delivery:  DeliveryConfirmed,
	}
}
