package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"polychat/internal/config"
	"polychat/internal/models"
	"polychat/internal/provider"
	"polychat/internal/sse"
)

func TestStreamUsesSSEEndpointAndHeaderAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.5-flash:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("unexpected url %s", r.URL.String())
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		fmt.Fprint(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Light "}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"becomes sugar"}]},"finishReason":"STOP"}]}`+"\n\n")
	}))
	defer srv.Close()

	p, err := New(models.VendorGemini, config.ProviderConfig{
		BaseURL:  srv.URL + "/v1beta",
		APIStyle: config.APIStyleGemini,
		Models:   []string{"gemini-2.5-flash"},
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	var last provider.Chunk
	for chunk := range p.Stream(context.Background(), provider.Request{
		Model:    "gemini-2.5-flash",
		Messages: []models.Turn{{Role: models.RoleUser, Content: "hi"}},
	}, models.Credentials{APIKey: "g-key"}) {
		b.WriteString(chunk.Text)
		last = chunk
	}
	if b.String() != "Light becomes sugar" || !last.Done || last.Err != nil {
		t.Fatalf("text=%q last=%+v", b.String(), last)
	}
}

func TestDecoderHandlesCumulativeText(t *testing.T) {
	decode := newDecoder()
	events := []string{
		`{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"Hello world"}]},"finishReason":"STOP"}]}`,
	}
	var got strings.Builder
	for i, data := range events {
		text, done, err := decode(sse.Event{Data: data})
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		got.WriteString(text)
		if done != (i == len(events)-1) {
			t.Fatalf("event %d done=%v", i, done)
		}
	}
	if got.String() != "Hello world" {
		t.Fatalf("reassembled %q", got.String())
	}
}

func TestDecoderErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want models.ErrorKind
	}{
		{"quota", `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`, models.ErrorKindRateLimit},
		{"bad key", `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`, models.ErrorKindCredentials},
		{"blocked", `{"promptFeedback":{"blockReason":"SAFETY"}}`, models.ErrorKindUpstream},
		{"garbage", `{"candidates":`, models.ErrorKindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := newDecoder()(sse.Event{Data: tt.data})
			if err == nil || err.Kind != tt.want {
				t.Fatalf("expected %s, got %+v", tt.want, err)
			}
		})
	}
}

func TestBuildPayloadMapsAssistantToModel(t *testing.T) {
	p := buildPayload(provider.Request{Messages: []models.Turn{
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleAssistant, Content: "a"},
	}}, 256)
	if p.Contents[1].Role != "model" || p.GenerationConfig.MaxOutputTokens != 256 {
		t.Fatalf("unexpected payload %+v", p)
	}
}
