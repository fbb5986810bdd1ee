package socius

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FetchCoordinator wraps the history and summary reads with a per-key
// concurrency guard: a second call issued while one is in flight for the
// same conversation is coalesced into the pending one and receives the same
// result, so a screen that both mounts and gets a notification-triggered
// refresh in a short window still issues one request.
//
// The shared request runs detached from any single caller's context, so a
// caller cancelling only abandons its own wait; coalesced others still get
// the result. The HTTP client timeout bounds the detached request.
//
// Failures never touch any store (stale-but-consistent beats wiped state)
// and are returned typed; nothing here retries.
type FetchCoordinator struct {
	client *Client
	group  singleflight.Group
	log    *zap.Logger
}

// NewFetchCoordinator creates a coordinator over the given client.
func NewFetchCoordinator(client *Client) *FetchCoordinator {
	return &FetchCoordinator{client: client, log: client.log}
}

// await joins the coalesced call for key, honoring the caller's own context
// while waiting. fn runs at most once per in-flight key.
func (f *FetchCoordinator) await(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := f.group.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			f.log.Debug("fetch coalesced", zap.String("key", key))
		}
		return res.Val, nil
	}
}

// LoadHistory fetches the full ordered message list for a conversation,
// oldest first, converted to store messages.
func (f *FetchCoordinator) LoadHistory(ctx context.Context, key ConversationKey) ([]Message, error) {
	v, err := f.await(ctx, "history/"+key.String(), func(ctx context.Context) (interface{}, error) {
		switch key.Kind {
		case KindDirect:
			peerID, err := key.PeerID()
			if err != nil {
				return nil, err
			}
			records, err := f.client.DirectMessages(ctx, peerID)
			if err != nil {
				return nil, err
			}
			msgs := make([]Message, 0, len(records))
			for _, r := range records {
				msgs = append(msgs, messageFromDirect(key, r))
			}
			return msgs, nil
		default:
			records, err := f.client.History(ctx, key.Target)
			if err != nil {
				return nil, err
			}
			msgs := make([]Message, 0, len(records))
			for _, r := range records {
				msgs = append(msgs, messageFromChat(key, r))
			}
			return msgs, nil
		}
	})
	if err != nil {
		f.log.Debug("history load failed", zap.String("key", key.String()), zap.Error(err))
		return nil, err
	}
	return v.([]Message), nil
}

// RecentConversations fetches the per-peer summaries, coalescing concurrent
// callers the same way LoadHistory does.
func (f *FetchCoordinator) RecentConversations(ctx context.Context) ([]ConversationSummary, error) {
	v, err := f.await(ctx, "recent", func(ctx context.Context) (interface{}, error) {
		return f.client.RecentConversations(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ConversationSummary), nil
}

// UnreadTotal fetches the unread badge count under the same guard.
func (f *FetchCoordinator) UnreadTotal(ctx context.Context) (int, error) {
	v, err := f.await(ctx, "unread", func(ctx context.Context) (interface{}, error) {
		return f.client.UnreadCount(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
