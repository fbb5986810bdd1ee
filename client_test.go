package socius

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("", "tok")
		if c.BaseURL() != DefaultBaseURL {
			t.Fatalf("expected default base URL, got %s", c.BaseURL())
		}
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		c := NewClient("https://example.com/api/", "tok")
		if c.BaseURL() != "https://example.com/api" {
			t.Fatalf("unexpected base URL: %s", c.BaseURL())
		}
	})
}

func TestClientAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]ChatRecord{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "session-token")
	if _, err := c.History(context.Background(), DefaultModel); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer session-token" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
}

func TestClientSetToken(t *testing.T) {
	t.Run("rotation applies to later requests", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode([]ChatRecord{})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "first")
		if _, err := c.History(context.Background(), DefaultModel); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotAuth != "Bearer first" {
			t.Fatalf("unexpected auth header: %q", gotAuth)
		}

		c.SetToken("second")
		if _, err := c.History(context.Background(), DefaultModel); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotAuth != "Bearer second" {
			t.Fatalf("unexpected auth header after rotation: %q", gotAuth)
		}
	})

	t.Run("rotation during in-flight requests", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]ChatRecord{})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "initial")
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 20; i++ {
				c.History(context.Background(), DefaultModel)
			}
		}()
		for i := 0; i < 20; i++ {
			c.SetToken("rotated")
		}
		<-done
	})
}

func TestClientErrorTaxonomy(t *testing.T) {
	t.Run("401 is AuthError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "expired")
		_, err := c.History(context.Background(), DefaultModel)
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected *AuthError, got %T: %v", err, err)
		}
	})

	t.Run("500 is ServerError with detail", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"detail": "model unavailable"})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "tok")
		_, err := c.Ask(context.Background(), DefaultModel, "hi")
		var srvErr *ServerError
		if !errors.As(err, &srvErr) {
			t.Fatalf("expected *ServerError, got %T: %v", err, err)
		}
		if srvErr.Status != 500 {
			t.Fatalf("expected status 500, got %d", srvErr.Status)
		}
		if srvErr.Message != "model unavailable" {
			t.Fatalf("unexpected message: %q", srvErr.Message)
		}
	})

	t.Run("transport failure is NetworkError", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", "tok")
		_, err := c.History(context.Background(), DefaultModel)
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("expected *NetworkError, got %T: %v", err, err)
		}
		if netErr.Unwrap() == nil {
			t.Fatal("expected wrapped transport error")
		}
	})
}

func TestClientAsk(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ask" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(AskReceipt{QuestionID: "q-123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	receipt, err := c.Ask(context.Background(), DefaultModel, "What is Go?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.QuestionID != "q-123" {
		t.Fatalf("unexpected question id: %s", receipt.QuestionID)
	}
	if gotBody["q_text"] != "What is Go?" || gotBody["model"] != DefaultModel {
		t.Fatalf("unexpected request body: %v", gotBody)
	}
}

func TestClientGetAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_answer/q-123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("model") != DefaultModel {
			t.Errorf("missing model query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(AnswerStatus{Status: AnswerAnswered, Answer: "Go is a language."})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	status, err := c.GetAnswer(context.Background(), "q-123", DefaultModel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Status != AnswerAnswered || status.Answer != "Go is a language." {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestClientSendDirect(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(DirectRecord{ID: 99, Content: "hey", IsMe: true, CreatedAt: "2026-01-01 12:00:00"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	echo, err := c.SendDirect(context.Background(), 42, "hey")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if echo.ID != 99 || !echo.IsMe {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if gotBody["receiver_id"] != float64(42) || gotBody["content"] != "hey" {
		t.Fatalf("unexpected request body: %v", gotBody)
	}
}

func TestClientUnreadCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notifications/unread" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(UnreadTotal{Total: 7})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	total, err := c.UnreadCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 7 {
		t.Fatalf("expected 7, got %d", total)
	}
}
