package provider_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat/internal/models"
	"polychat/internal/provider"
	"polychat/internal/sse"
)

type stubAdapter struct {
	vendor models.Vendor
	ids    []string
}

func (s stubAdapter) Vendor() models.Vendor { return s.vendor }

func (s stubAdapter) Models() []models.Model {
	out := make([]models.Model, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, models.Model{ID: id, Vendor: s.vendor, APIStyle: "openai"})
	}
	return out
}

func (s stubAdapter) Stream(context.Context, provider.Request, models.Credentials) iter.Seq[provider.Chunk] {
	return provider.Fail(models.NewProviderError(models.ErrorKindUpstream, "stub"))
}

func TestRegistryLookupAndAliases(t *testing.T) {
	reg := provider.NewRegistry()
	if err := reg.Register(stubAdapter{vendor: models.VendorGPT, ids: []string{"gpt-5.2", "gpt-4o"}}, map[string]string{"gpt": "gpt-5.2"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(stubAdapter{vendor: models.VendorClaude, ids: []string{"claude-sonnet-4-5"}}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	model, adapter, err := reg.Lookup("gpt")
	if err != nil {
		t.Fatalf("lookup alias: %v", err)
	}
	if model.ID != "gpt-5.2" || adapter.Vendor() != models.VendorGPT {
		t.Fatalf("alias resolved to %+v", model)
	}

	if _, _, err := reg.Lookup("llama-3"); !errors.Is(err, models.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}

	resolved, err := reg.Resolve([]string{"claude-sonnet-4-5", "gpt", "gpt-5.2"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 2 || resolved[0].ID != "claude-sonnet-4-5" || resolved[1].ID != "gpt-5.2" {
		t.Fatalf("unexpected resolution %+v", resolved)
	}

	if got := len(reg.Models()); got != 3 {
		t.Fatalf("expected 3 models, got %d", got)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := provider.NewRegistry()
	if err := reg.Register(stubAdapter{vendor: models.VendorGPT, ids: []string{"shared"}}, nil); err != nil {
		t.Fatal(err)
	}
	err := reg.Register(stubAdapter{vendor: models.VendorGrok, ids: []string{"shared"}}, nil)
	if !errors.Is(err, provider.ErrDuplicateModel) {
		t.Fatalf("expected ErrDuplicateModel, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   models.ErrorKind
	}{
		{http.StatusUnauthorized, models.ErrorKindCredentials},
		{http.StatusForbidden, models.ErrorKindCredentials},
		{http.StatusTooManyRequests, models.ErrorKindRateLimit},
		{http.StatusGatewayTimeout, models.ErrorKindTimeout},
		{http.StatusInternalServerError, models.ErrorKindUpstream},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := provider.ClassifyStatus(tt.status, "x").Kind; got != tt.want {
				t.Fatalf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStreamSSEEndsWithOneDoneChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: one\n\ndata: two\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	decode := func(ev sse.Event) (string, bool, *models.ProviderError) { return ev.Data, false, nil }

	var texts []string
	done := 0
	for chunk := range provider.StreamSSE(context.Background(), srv.Client(), provider.Post{URL: srv.URL, Body: map[string]string{}}, decode) {
		if chunk.Done {
			done++
			if chunk.Err != nil {
				t.Fatalf("unexpected error %v", chunk.Err)
			}
			continue
		}
		texts = append(texts, chunk.Text)
	}
	if done != 1 || len(texts) != 2 || texts[0] != "one" || texts[1] != "two" {
		t.Fatalf("texts=%v done=%d", texts, done)
	}
}

func TestStreamSSEMapsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	decode := func(ev sse.Event) (string, bool, *models.ProviderError) { return ev.Data, false, nil }

	var last provider.Chunk
	for chunk := range provider.StreamSSE(context.Background(), srv.Client(), provider.Post{URL: srv.URL}, decode) {
		last = chunk
	}
	if !last.Done || last.Err == nil || last.Err.Kind != models.ErrorKindRateLimit {
		t.Fatalf("unexpected terminal chunk %+v", last)
	}
	if last.Err.Message != "status 429: slow down" {
		t.Fatalf("message = %q", last.Err.Message)
	}
}
