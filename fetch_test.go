package socius

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchCoordinatorLoadHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/history", r.URL.Path)
		json.NewEncoder(w).Encode([]ChatRecord{
			{ID: 1, Content: "hi", Role: "user", CreatedAt: "2026-03-01 12:00:00"},
			{ID: 2, Content: "hello", Role: "assistant", CreatedAt: "2026-03-01 12:00:05"},
		})
	}))
	defer srv.Close()

	f := NewFetchCoordinator(NewClient(srv.URL, "tok"))
	msgs, err := f.LoadHistory(context.Background(), AIChatKey(DefaultModel))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, SenderSelf, msgs[0].Sender)
	require.Equal(t, SenderAssistant, msgs[1].Sender)
	require.Equal(t, DeliveryConfirmed, msgs[0].Delivery)
}

func TestFetchCoordinatorCoalescesConcurrentLoads(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		json.NewEncoder(w).Encode([]ChatRecord{})
	}))
	defer srv.Close()

	f := NewFetchCoordinator(NewClient(srv.URL, "tok"))
	key := AIChatKey(DefaultModel)

	const callers = 5
	var wg sync.WaitGroup
	started := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			_, err := f.LoadHistory(context.Background(), key)
			require.NoError(t, err)
		}()
	}
	for i := 0; i < callers; i++ {
		<-started
	}
	// Give every caller time to join the in-flight request before the
	// server answers it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// All callers piled onto the single in-flight request.
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchCoordinatorCallerCancelDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode([]ChatRecord{
			{ID: 1, Content: "hi", Role: "user", CreatedAt: "2026-03-01 12:00:00"},
		})
	}))
	defer srv.Close()

	f := NewFetchCoordinator(NewClient(srv.URL, "tok"))
	key := AIChatKey(DefaultModel)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := f.LoadHistory(ctxA, key)
		errA <- err
	}()

	msgsB := make(chan []Message, 1)
	errB := make(chan error, 1)
	go func() {
		msgs, err := f.LoadHistory(context.Background(), key)
		msgsB <- msgs
		errB <- err
	}()

	// Let both callers join the same in-flight request, then cancel A.
	time.Sleep(20 * time.Millisecond)
	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	// B joined the same request; A's cancellation must not fail it.
	close(release)
	require.NoError(t, <-errB)
	require.Len(t, <-msgsB, 1)
}

func TestFetchCoordinatorSeparateKeysNotCoalesced(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode([]DirectRecord{})
	}))
	defer srv.Close()

	f := NewFetchCoordinator(NewClient(srv.URL, "tok"))

	_, err := f.LoadHistory(context.Background(), DirectKey(1))
	require.NoError(t, err)
	_, err = f.LoadHistory(context.Background(), DirectKey(2))
	require.NoError(t, err)

	require.Equal(t, int32(2), hits.Load())
}

func TestFetchCoordinatorErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetchCoordinator(NewClient(srv.URL, "tok"))
	_, err := f.LoadHistory(context.Background(), AIChatKey(DefaultModel))
	require.Error(t, err)

	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
}

func TestFetchCoordinatorRecentConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages/recent", r.URL.Path)
		json.NewEncoder(w).Encode([]ConversationSummary{
			{FriendID: 42, FriendUsername: "ada", LastMessage: "see you", LastMessageTime: "2026-03-01 12:00:00", UnreadCount: 2},
		})
	}))
	defer srv.Close()

	f := NewFetchCoordinator(NewClient(srv.URL, "tok"))
	summaries, err := f.RecentConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, "ada", summaries[0].FriendUsername)
	require.Equal(t, 2, summaries[0].UnreadCount)
}
