package socius

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// timeoutNotice is appended to an AI-chat conversation when a question
// runs out its polling deadline without an answer.
const timeoutNotice = "Response timed out."

// Engine is the top-level entry point tying the client, the fetch
// coordinator, and the answer poller together. One Engine serves any
// number of concurrent conversations.
type Engine struct {
	client *Client
	fetch  *FetchCoordinator
	poller *AnswerPoller
	bridge *NotificationBridge
	log    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPoller substitutes a preconfigured answer poller, typically to
// shorten its interval and deadline.
func WithPoller(p *AnswerPoller) EngineOption {
	return func(e *Engine) { e.poller = p }
}

// WithBridge attaches a notification bridge so conversation activity can
// trigger unread refreshes.
func WithBridge(b *NotificationBridge) EngineOption {
	return func(e *Engine) { e.bridge = b }
}

// NewEngine creates an engine over client.
func NewEngine(client *Client, opts ...EngineOption) *Engine {
	e := &Engine{
		client: client,
		fetch:  NewFetchCoordinator(client),
		log:    client.log,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.poller == nil {
		e.poller = NewAnswerPoller(client)
	}
	return e
}

// Fetch exposes the engine's fetch coordinator for callers that need the
// conversation list or unread total directly.
func (e *Engine) Fetch() *FetchCoordinator { return e.fetch }

// Bridge returns the attached notification bridge, nil if none.
func (e *Engine) Bridge() *NotificationBridge { return e.bridge }

// Conversation opens a session for key. Sessions are independent; opening
// the same key twice yields two stores that reconcile separately.
func (e *Engine) Conversation(key ConversationKey) *Conversation {
	store := NewMessageStore(key)
	return &Conversation{
		engine: e,
		key:    key,
		store:  store,
		send:   NewSendPipeline(e.client, store),
	}
}

// Close tears down the engine's background work. In-flight answer watches
// are cancelled without delivering.
func (e *Engine) Close() {
	e.poller.Close()
}

// Conversation is a live view of one thread: an ordered store, a send
// pipeline, and (for AI chat) the outstanding-question state driving the
// typing indicator.
type Conversation struct {
	engine *Engine
	key    ConversationKey
	store  *MessageStore
	send   *SendPipeline

	mu          sync.Mutex
	outstanding string
	closed      bool
}

// Key returns the conversation's identity.
func (c *Conversation) Key() ConversationKey { return c.key }

// Messages returns the current ordered snapshot, oldest first.
func (c *Conversation) Messages() []Message { return c.store.Messages() }

// LoadHistory fetches the server history and reconciles the store against
// it. Concurrent calls for the same key collapse into one request.
func (c *Conversation) LoadHistory(ctx context.Context) error {
	history, err := c.engine.fetch.LoadHistory(ctx, c.key)
	if err != nil {
		return err
	}
	c.store.ReplaceAll(history)
	return nil
}

// Send transmits body. For an AI-chat conversation the accepted question
// is watched until its answer lands in the store or the deadline notice is
// appended; Typing reports true in between. Send returns once the message
// is transmitted, not once the answer arrives.
func (c *Conversation) Send(ctx context.Context, body string) (*SendResult, error) {
	res, err := c.send.Send(ctx, body)
	if err != nil {
		return nil, err
	}
	if res.QuestionID != "" {
		c.watchAnswer(ctx, res.QuestionID)
	}
	return res, nil
}

// Retry re-transmits a failed message.
func (c *Conversation) Retry(ctx context.Context, localID string) (*SendResult, error) {
	res, err := c.send.Retry(ctx, localID)
	if err != nil {
		return nil, err
	}
	if res.QuestionID != "" {
		c.watchAnswer(ctx, res.QuestionID)
	}
	return res, nil
}

func (c *Conversation) watchAnswer(ctx context.Context, questionID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.outstanding = questionID
	c.mu.Unlock()

	c.engine.poller.Watch(ctx, questionID, c.key.Target, c.applyOutcome)
}

// applyOutcome lands the terminal result of a watched question in the
// store. A closed conversation drops the outcome rather than mutating a
// dead store.
func (c *Conversation) applyOutcome(out AnswerOutcome) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.outstanding == out.QuestionID {
		c.outstanding = ""
	}
	c.mu.Unlock()

	body := out.Answer
	if out.TimedOut {
		body = timeoutNotice
		c.engine.log.Warn("answer deadline passed",
			zap.String("question_id", out.QuestionID),
			zap.String("conversation", c.key.String()))
	}
	c.store.Append(Message{
		LocalID:   "answer-" + out.QuestionID,
		Key:       c.key,
		Body:      body,
		Sender:    SenderAssistant,
		CreatedAt: nowUTC(),
		Delivery:  DeliveryConfirmed,
	})
}

// Typing reports whether an AI answer is outstanding.
func (c *Conversation) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding != ""
}

// Clear wipes the server-side history and empties the local store. Only
// meaningful for AI-chat conversations.
func (c *Conversation) Clear(ctx context.Context) error {
	if err := c.engine.client.ClearHistory(ctx, c.key.Target); err != nil {
		return err
	}
	c.store.Reset()
	return nil
}

// Close detaches the conversation. Any outstanding answer watch is
// cancelled and later outcomes are dropped.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	outstanding := c.outstanding
	c.outstanding = ""
	c.mu.Unlock()

	if outstanding != "" {
		c.engine.poller.Cancel(outstanding)
	}
}
