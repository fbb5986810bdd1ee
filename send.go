package socius

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendPipeline turns a compose action into a persisted, ordered message
// with defined terminal states:
//
//	composed → optimistically inserted (pending) → transmitting →
//	confirmed | failed (failed messages can re-enter transmitting via Retry)
//
// For an AI-chat conversation a confirmed transmit only means the question
// was accepted; the reply arrives separately through the AnswerPoller. For
// a direct conversation confirmation is terminal.
type SendPipeline struct {
	client *Client
	store  *MessageStore
	log    *zap.Logger
}

// SendResult reports the outcome of a successful transmit.
type SendResult struct {
	Message Message
	// QuestionID is set for AI-chat sends and feeds the AnswerPoller.
	QuestionID string
}

// NewSendPipeline creates a pipeline bound to one conversation store.
func NewSendPipeline(client *Client, store *MessageStore) *SendPipeline {
	return &SendPipeline{client: client, store: store, log: client.log}
}

// Send optimistically inserts body into the store and transmits it. On
// transport failure the inserted message is marked failed (never silently
// dropped) and the typed error is returned for the caller to surface.
func (p *SendPipeline) Send(ctx context.Context, body string) (*SendResult, error) {
	msg := Message{
		LocalID:   uuid.NewString(),
		Key:       p.store.Key(),
		Body:      body,
		Sender:    SenderSelf,
		CreatedAt: nowUTC(),
		Delivery:  DeliveryPending,
	}
	p.store.Append(msg)
	return p.transmit(ctx, msg)
}

// Retry re-enters transmission for a previously failed message.
func (p *SendPipeline) Retry(ctx context.Context, localID string) (*SendResult, error) {
	msg, ok := p.store.Get(localID)
	if !ok {
		return nil, &ServerError{Status: 0, Message: "unknown local message " + localID}
	}
	p.store.MarkPending(localID)
	return p.transmit(ctx, msg)
}

func (p *SendPipeline) transmit(ctx context.Context, msg Message) (*SendResult, error) {
	switch p.store.Key().Kind {
	case KindDirect:
		peerID, err := p.store.Key().PeerID()
		if err != nil {
			p.store.MarkFailed(msg.LocalID)
			return nil, err
		}
		echo, err := p.client.SendDirect(ctx, peerID, msg.Body)
		if err != nil {
			p.store.MarkFailed(msg.LocalID)
			p.log.Warn("direct send failed", zap.String("local_id", msg.LocalID), zap.Error(err))
			return nil, err
		}
		p.store.MarkConfirmed(msg.LocalID, strconv.FormatInt(echo.ID, 10))
		confirmed, _ := p.store.Get(msg.LocalID)
		return &SendResult{Message: confirmed}, nil

	default:
		receipt, err := p.client.Ask(ctx, p.store.Key().Target, msg.Body)
		if err != nil {
			p.store.MarkFailed(msg.LocalID)
			p.log.Warn("ask failed", zap.String("local_id", msg.LocalID), zap.Error(err))
			return nil, err
		}
		// The ask path echoes no message id; the local id stays the only
		// correlation handle (see the echo heuristic in ReplaceAll).
		p.store.MarkConfirmed(msg.LocalID, "")
		confirmed, _ := p.store.Get(msg.LocalID)
		return &SendResult{Message: confirmed, QuestionID: receipt.QuestionID}, nil
	}
}
