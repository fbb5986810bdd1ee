package socius

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func answerServer(t *testing.T, pendingPolls int, answer string) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(polls.Add(1)) <= pendingPolls {
			json.NewEncoder(w).Encode(AnswerStatus{Status: AnswerPending})
			return
		}
		json.NewEncoder(w).Encode(AnswerStatus{Status: AnswerAnswered, Answer: answer})
	}))
}

func TestAnswerPollerDeliversAnswerOnce(t *testing.T) {
	srv := answerServer(t, 2, "Go is a language.")
	defer srv.Close()

	p := NewAnswerPoller(NewClient(srv.URL, "tok"),
		WithPollInterval(10*time.Millisecond),
		WithPollDeadline(5*time.Second))
	defer p.Close()

	var deliveries atomic.Int32
	got := make(chan AnswerOutcome, 2)
	p.Watch(context.Background(), "q-1", DefaultModel, func(out AnswerOutcome) {
		deliveries.Add(1)
		got <- out
	})

	select {
	case out := <-got:
		require.Equal(t, "q-1", out.QuestionID)
		require.Equal(t, "Go is a language.", out.Answer)
		require.False(t, out.TimedOut)
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
	}

	// No second terminal outcome can follow.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), deliveries.Load())
	require.False(t, p.Watching("q-1"))
}

func TestAnswerPollerTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AnswerStatus{Status: AnswerPending})
	}))
	defer srv.Close()

	p := NewAnswerPoller(NewClient(srv.URL, "tok"),
		WithPollInterval(10*time.Millisecond),
		WithPollDeadline(80*time.Millisecond))
	defer p.Close()

	got := make(chan AnswerOutcome, 1)
	p.Watch(context.Background(), "q-2", DefaultModel, func(out AnswerOutcome) {
		got <- out
	})

	select {
	case out := <-got:
		require.True(t, out.TimedOut)
		require.Empty(t, out.Answer)
	case <-time.After(5 * time.Second):
		t.Fatal("no timeout delivered")
	}
}

func TestAnswerPollerAnswerDeadlineRaceDeliversOnce(t *testing.T) {
	// The answer comes back right around the deadline, so the answered
	// response and the deadline timer land in the same window. Whichever
	// wins, there must be exactly one delivery.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		json.NewEncoder(w).Encode(AnswerStatus{Status: AnswerAnswered, Answer: "photo finish"})
	}))
	defer srv.Close()

	p := NewAnswerPoller(NewClient(srv.URL, "tok"),
		WithPollInterval(10*time.Millisecond),
		WithPollDeadline(15*time.Millisecond))
	defer p.Close()

	for i := 0; i < 10; i++ {
		questionID := fmt.Sprintf("q-race-%d", i)
		var deliveries atomic.Int32
		done := make(chan AnswerOutcome, 2)
		p.Watch(context.Background(), questionID, DefaultModel, func(out AnswerOutcome) {
			deliveries.Add(1)
			done <- out
		})

		var out AnswerOutcome
		select {
		case out = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("no outcome delivered")
		}

		// A terminal outcome is one of answered or timed out, never both
		// and never a second delivery.
		if out.TimedOut {
			require.Empty(t, out.Answer)
		} else {
			require.Equal(t, "photo finish", out.Answer)
		}
		time.Sleep(30 * time.Millisecond)
		require.Equal(t, int32(1), deliveries.Load(), "question %s", questionID)
		require.False(t, p.Watching(questionID))
	}
}

func TestAnswerPollerAbsorbsPollErrors(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(AnswerStatus{Status: AnswerAnswered, Answer: "eventually"})
	}))
	defer srv.Close()

	p := NewAnswerPoller(NewClient(srv.URL, "tok"),
		WithPollInterval(10*time.Millisecond),
		WithPollDeadline(5*time.Second))
	defer p.Close()

	got := make(chan AnswerOutcome, 1)
	p.Watch(context.Background(), "q-3", DefaultModel, func(out AnswerOutcome) {
		got <- out
	})

	select {
	case out := <-got:
		require.Equal(t, "eventually", out.Answer)
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
	}
}

func TestAnswerPollerCancelDeliversNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AnswerStatus{Status: AnswerPending})
	}))
	defer srv.Close()

	p := NewAnswerPoller(NewClient(srv.URL, "tok"),
		WithPollInterval(10*time.Millisecond),
		WithPollDeadline(100*time.Millisecond))
	defer p.Close()

	var deliveries atomic.Int32
	p.Watch(context.Background(), "q-4", DefaultModel, func(out AnswerOutcome) {
		deliveries.Add(1)
	})
	require.True(t, p.Watching("q-4"))

	p.Cancel("q-4")
	require.False(t, p.Watching("q-4"))

	// Even past the deadline, a cancelled watch stays silent.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(0), deliveries.Load())
}

func TestAnswerPollerDuplicateWatchIgnored(t *testing.T) {
	srv := answerServer(t, 0, "once")
	defer srv.Close()

	p := NewAnswerPoller(NewClient(srv.URL, "tok"),
		WithPollInterval(10*time.Millisecond),
		WithPollDeadline(5*time.Second))
	defer p.Close()

	var deliveries atomic.Int32
	done := make(chan struct{}, 2)
	deliver := func(out AnswerOutcome) {
		deliveries.Add(1)
		done <- struct{}{}
	}
	p.Watch(context.Background(), "q-5", DefaultModel, deliver)
	p.Watch(context.Background(), "q-5", DefaultModel, deliver)

	<-done
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), deliveries.Load())
}

func TestAnswerPollerCloseRejectsNewWatches(t *testing.T) {
	srv := answerServer(t, 0, "never seen")
	defer srv.Close()

	p := NewAnswerPoller(NewClient(srv.URL, "tok"),
		WithPollInterval(10*time.Millisecond))
	p.Close()

	p.Watch(context.Background(), "q-6", DefaultModel, func(out AnswerOutcome) {
		t.Error("delivery after Close")
	})
	require.False(t, p.Watching("q-6"))
	time.Sleep(50 * time.Millisecond)
}
