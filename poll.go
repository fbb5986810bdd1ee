package socius

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is how often a watched question is checked.
	DefaultPollInterval = 2 * time.Second
	// DefaultPollDeadline is how long a question may stay unanswered before
	// the watch gives up.
	DefaultPollDeadline = 120 * time.Second
)

// AnswerOutcome is the single terminal result of watching a question.
// Exactly one of Answer or TimedOut is meaningful: an answered question
// carries the answer text; a question that ran out its deadline has
// TimedOut set. A cancelled watch delivers no outcome at all.
type AnswerOutcome struct {
	QuestionID string
	Answer     string
	TimedOut   bool
}

// AnswerPoller supervises outstanding AI questions. Each watched question
// gets one goroutine that polls at a fixed interval until the answer
// arrives, the deadline passes, or the watch is cancelled. The single
// select loop per question makes the answered/timed-out outcomes mutually
// exclusive without any cross-check.
type AnswerPoller struct {
	client   *Client
	interval time.Duration
	deadline time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	active map[string]*answerPoll
	closed bool
}

type answerPoll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// PollerOption configures an AnswerPoller.
type PollerOption func(*AnswerPoller)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *AnswerPoller) { p.interval = d }
}

// WithPollDeadline overrides the give-up deadline.
func WithPollDeadline(d time.Duration) PollerOption {
	return func(p *AnswerPoller) { p.deadline = d }
}

// NewAnswerPoller creates a poller using the client for status checks.
func NewAnswerPoller(client *Client, opts ...PollerOption) *AnswerPoller {
	p := &AnswerPoller{
		client:   client,
		interval: DefaultPollInterval,
		deadline: DefaultPollDeadline,
		log:      client.log,
		active:   make(map[string]*answerPoll),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch starts polling questionID against the given model and calls deliver
// exactly once with the terminal outcome, unless the watch is cancelled
// first. Watching an id that is already watched is a no-op. deliver runs on
// the poll goroutine.
func (p *AnswerPoller) Watch(ctx context.Context, questionID, model string, deliver func(AnswerOutcome)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, dup := p.active[questionID]; dup {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	poll := &answerPoll{cancel: cancel, done: make(chan struct{})}
	p.active[questionID] = poll
	p.mu.Unlock()

	go p.run(ctx, questionID, model, deliver, poll)
}

func (p *AnswerPoller) run(ctx context.Context, questionID, model string, deliver func(AnswerOutcome), poll *answerPoll) {
	defer close(poll.done)
	defer p.unregister(questionID)
	defer poll.cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	expired := time.NewTimer(p.deadline)
	defer expired.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expired.C:
			p.log.Info("question timed out",
				zap.Error(&TimeoutError{QuestionID: questionID, Deadline: p.deadline}))
			deliver(AnswerOutcome{QuestionID: questionID, TimedOut: true})
			return
		case <-ticker.C:
			status, err := p.client.GetAnswer(ctx, questionID, model)
			if err != nil {
				// Transient poll failures are absorbed; the deadline timer
				// bounds how long a broken connection can stall a question.
				p.log.Debug("answer poll failed",
					zap.String("question_id", questionID), zap.Error(err))
				continue
			}
			if status.Status == AnswerAnswered {
				deliver(AnswerOutcome{QuestionID: questionID, Answer: status.Answer})
				return
			}
		}
	}
}

func (p *AnswerPoller) unregister(questionID string) {
	p.mu.Lock()
	delete(p.active, questionID)
	p.mu.Unlock()
}

// Cancel stops watching questionID without delivering an outcome. It waits
// for the poll goroutine to exit so no delivery can race past the call.
func (p *AnswerPoller) Cancel(questionID string) {
	p.mu.Lock()
	poll, ok := p.active[questionID]
	p.mu.Unlock()
	if !ok {
		return
	}
	poll.cancel()
	<-poll.done
}

// Watching reports whether questionID currently has an active watch.
func (p *AnswerPoller) Watching(questionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[questionID]
	return ok
}

// Close cancels every active watch and rejects new ones. It returns after
// all poll goroutines have exited.
func (p *AnswerPoller) Close() {
	p.mu.Lock()
	p.closed = true
	polls := make([]*answerPoll, 0, len(p.active))
	for _, poll := range p.active {
		polls = append(polls, poll)
	}
	p.mu.Unlock()

	for _, poll := range polls {
		poll.cancel()
		<-poll.done
	}
}
