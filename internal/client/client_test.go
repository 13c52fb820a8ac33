package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat/internal/models"
	"polychat/internal/protocol"
	"polychat/internal/reassembler"
)

func streamServer(t *testing.T, frames []protocol.Frame, check func(*http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		pw := protocol.NewWriter(w, flusher.Flush)
		for _, f := range frames {
			if err := pw.Write(f); err != nil {
				t.Errorf("write frame: %v", err)
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatStreamsIntoReassembler(t *testing.T) {
	t.Parallel()

	frames := []protocol.Frame{
		{Event: protocol.EventConversation, ConversationID: "c1", DispatchID: "d1", PromptID: "p1", PromptOrdinal: 1, Prompt: "hi", Targets: []string{"gpt-5.2", "claude-sonnet-4-5"}},
		protocol.FromDelta(models.DeltaEvent{Provider: "gpt-5.2", MessageID: "g1", Ordinal: 2, Content: "Hel"}),
		protocol.FromDelta(models.DeltaEvent{Provider: "claude-sonnet-4-5", MessageID: "c1m", Ordinal: 3, Final: true, Err: models.NewProviderError(models.ErrorKindRateLimit, "slow down")}),
		protocol.FromDelta(models.DeltaEvent{Provider: "gpt-5.2", MessageID: "g1", Ordinal: 2, Content: "lo"}),
		protocol.FromDelta(models.DeltaEvent{Provider: "gpt-5.2", MessageID: "g1", Ordinal: 2, Final: true}),
		{Event: protocol.EventDone},
	}
	srv := streamServer(t, frames, func(r *http.Request) {
		if r.URL.Path != "/api/chat/stream" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected request %s %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		var body ChatParams
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message != "hi" || len(body.Models) != 2 {
			t.Errorf("body = %+v, err = %v", body, err)
		}
	})

	c := New(srv.URL, "tok", nil)
	r := reassembler.New(nil)
	err := c.Chat(context.Background(), ChatParams{Message: "hi", Models: []string{"gpt-5.2", "claude-sonnet-4-5"}}, func(f protocol.Frame) error {
		_, err := r.Apply(f)
		return err
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if got := r.Timeline("gpt-5.2"); len(got) != 1 || got[0].Content != "Hello" || got[0].State.Kind() != models.StateFinal {
		t.Fatalf("gpt timeline = %+v", got)
	}
	if got := r.Timeline("claude-sonnet-4-5"); len(got) != 1 || got[0].State.Failure().Kind != models.ErrorKindRateLimit {
		t.Fatalf("claude timeline = %+v", got)
	}
}

func TestStreamWithoutDoneIsTransportError(t *testing.T) {
	t.Parallel()

	frames := []protocol.Frame{
		{Event: protocol.EventConversation, ConversationID: "c1", DispatchID: "d1", PromptID: "p1", PromptOrdinal: 1, Prompt: "hi", Targets: []string{"gpt-5.2"}},
		protocol.FromDelta(models.DeltaEvent{Provider: "gpt-5.2", MessageID: "g1", Content: "Hello wor"}),
	}
	srv := streamServer(t, frames, nil)

	r := reassembler.New(nil)
	err := New(srv.URL, "", nil).Chat(context.Background(), ChatParams{Message: "hi", Models: []string{"gpt-5.2"}}, func(f protocol.Frame) error {
		_, err := r.Apply(f)
		return err
	})
	if !errors.Is(err, models.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	r.Fail()
	if msg := r.Timeline("gpt-5.2")[0]; msg.State.Kind() != models.StateStreaming || msg.Content != "Hello wor" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestAPIErrorsAreDecoded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid or expired token","type":"unauthorized"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "bad", nil).Models(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "invalid or expired token" || apiErr.Type != "unauthorized" {
		t.Fatalf("err = %v", err)
	}
	if !IsUnauthorized(err) {
		t.Fatal("expected IsUnauthorized")
	}
}

func TestModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []models.Model{{ID: "gpt-5.2", Vendor: models.VendorGPT}}})
	}))
	defer srv.Close()

	got, err := New(srv.URL+"/", "", nil).Models(context.Background())
	if err != nil || len(got) != 1 || got[0].ID != "gpt-5.2" {
		t.Fatalf("Models() = %+v, %v", got, err)
	}
}
