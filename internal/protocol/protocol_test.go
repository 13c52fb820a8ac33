package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"polychat/internal/models"
	"polychat/internal/sse"
)

func TestFromDeltaClassifiesFrames(t *testing.T) {
	tests := []struct {
		name string
		ev   models.DeltaEvent
		want string
	}{
		{"chunk", models.DeltaEvent{Provider: "gpt-5.2", MessageID: "m1", Content: "Hi"}, EventChunk},
		{"empty chunk stays chunk", models.DeltaEvent{Provider: "gpt-5.2", MessageID: "m1"}, EventChunk},
		{"complete", models.DeltaEvent{Provider: "gpt-5.2", MessageID: "m1", Final: true}, EventComplete},
		{"error", models.DeltaEvent{Provider: "gpt-5.2", MessageID: "m1", Final: true, Err: models.NewProviderError(models.ErrorKindRateLimit, "slow down")}, EventError},
		{"error without message", models.DeltaEvent{Provider: "claude-sonnet-4-5", MessageID: "m2", Final: true, Err: &models.ProviderError{Kind: models.ErrorKindRateLimit}}, EventError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FromDelta(tt.ev)
			if f.Kind() != tt.want {
				t.Fatalf("kind = %q, want %q", f.Kind(), tt.want)
			}
			back, ok := f.Delta()
			if !ok {
				t.Fatalf("expected delta frame")
			}
			if back.Final != tt.ev.Final || back.Content != tt.ev.Content {
				t.Fatalf("delta mismatch: got %+v want %+v", back, tt.ev)
			}
			if (tt.ev.Err == nil) != (back.Err == nil) {
				t.Fatalf("error mismatch: got %v want %v", back.Err, tt.ev.Err)
			}
			if tt.ev.Err != nil && back.Err.Kind != tt.ev.Err.Kind {
				t.Fatalf("error kind = %q, want %q", back.Err.Kind, tt.ev.Err.Kind)
			}
		})
	}
}

func TestCompletionIsSignalledByMessageIDAlone(t *testing.T) {
	f, err := Decode(sse.Event{Data: `{"provider":"claude-sonnet-4-5","message_id":"m2"}`})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Kind() != EventComplete {
		t.Fatalf("expected completion frame, got %q", f.Kind())
	}
	ev, _ := f.Delta()
	if !ev.Final || ev.Err != nil {
		t.Fatalf("expected clean final event, got %+v", ev)
	}
}

func TestErrorFrameWithoutKindDefaultsToUpstream(t *testing.T) {
	f, err := Decode(sse.Event{Name: "error", Data: `{"provider":"grok-3","message_id":"m3","error":"boom"}`})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev, _ := f.Delta()
	if ev.Err == nil || ev.Err.Kind != models.ErrorKindUpstream || ev.Err.Message != "boom" {
		t.Fatalf("unexpected error payload %+v", ev.Err)
	}
}

func TestDecodeErrorKindAloneIsAnError(t *testing.T) {
	f, err := Decode(sse.Event{Name: "error", Data: `{"provider":"claude-sonnet-4-5","message_id":"m2","error_kind":"rate_limit"}`})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev, _ := f.Delta()
	if ev.Err == nil || ev.Err.Kind != models.ErrorKindRateLimit {
		t.Fatalf("expected rate_limit error, got %+v", ev)
	}
}

func TestDecodeRepair(t *testing.T) {
	tests := []struct {
		name    string
		ev      sse.Event
		wantErr bool
		want    string
	}{
		{"trailing comma", sse.Event{Name: "chunk", Data: `{"provider":"gpt-5.2","message_id":"m1","content":"Hi",}`}, false, EventChunk},
		{"chunk cut before content", sse.Event{Name: "chunk", Data: `{"provider":"gpt-5.2","message_id":"m1"`}, true, ""},
		{"chunk cut inside content", sse.Event{Name: "chunk", Data: `{"provider":"gpt-5.2","message_id":"m1","content":"Hel`}, true, ""},
		{"repaired chunk reads as completion", sse.Event{Name: "chunk", Data: `{"provider":"gpt-5.2","message_id":"m1",}`}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.ev)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("expected ErrMalformedFrame, got frame %+v err %v", f, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Kind() != tt.want {
				t.Fatalf("kind = %q, want %q", f.Kind(), tt.want)
			}
		})
	}
}

func TestDecodeRejectsFramesWithoutProvider(t *testing.T) {
	_, err := Decode(sse.Event{Name: "chunk", Data: `{"message_id":"m1","content":"x"}`})
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestReadSkipsMalformedFramesAndStopsAtDone(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	content := "Hello"
	if err := w.Write(Frame{Event: EventConversation, ConversationID: "c1", DispatchID: "d1", PromptOrdinal: 1}); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("event: chunk\ndata: <<<garbage>>>\n\n")
	if err := w.Write(Frame{Provider: "gpt-5.2", MessageID: "m1", Content: &content}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(Frame{Provider: "gpt-5.2", MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(Frame{Event: EventDone}); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("event: chunk\ndata: {\"provider\":\"late\",\"message_id\":\"x\",\"content\":\"ignored\"}\n\n")

	var kinds []string
	err := Read(&buf, func(f Frame) error {
		kinds = append(kinds, f.Kind())
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{EventConversation, EventChunk, EventComplete, EventDone}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
}

func TestReadWithoutDoneIsTransportError(t *testing.T) {
	var buf bytes.Buffer
	content := "Hello wor"
	_ = NewWriter(&buf, nil).Write(Frame{Provider: "gpt-5.2", MessageID: "m1", Content: &content})

	err := Read(&buf, func(Frame) error { return nil })
	if !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
