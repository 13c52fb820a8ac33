// Package protocol implements the stream multiplexing protocol: one long-lived SSE
// response per dispatch, one self-delimited JSON frame per event.
//
// Delta frames carry {provider, message_id, content?, error?}. A frame with content is a
// chunk, a frame with error terminates that message abnormally, and a frame with only
// provider and message_id marks normal completion. Control frames (conversation, done,
// batch_item) are identified by the SSE event name.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"polychat/internal/models"
	"polychat/internal/sse"
)

// Event names.
const (
	EventConversation = "conversation"
	EventChunk        = "chunk"
	EventComplete     = "complete"
	EventError        = "error"
	EventDone         = "done"
	EventBatchItem    = "batch_item"
)

// ErrMalformedFrame marks a frame that could not be decoded even after repair.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the wire unit of the protocol.
type Frame struct {
	Event string `json:"-"`

	Provider  string           `json:"provider,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Content   *string          `json:"content,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind models.ErrorKind `json:"error_kind,omitempty"`
	Ordinal   int              `json:"ordinal,omitempty"`

	ConversationID string   `json:"conversation_id,omitempty"`
	DispatchID     string   `json:"dispatch_id,omitempty"`
	PromptID       string   `json:"prompt_id,omitempty"`
	PromptOrdinal  int      `json:"prompt_ordinal,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	Targets        []string `json:"targets,omitempty"`

	BatchIndex *int `json:"batch_index,omitempty"`
	Canceled   bool `json:"canceled,omitempty"`
}

// Kind resolves the frame type. Delta frames are classified by their fields so that a
// missing or unexpected event name does not change their meaning.
func (f Frame) Kind() string {
	switch f.Event {
	case EventConversation, EventDone, EventBatchItem:
		return f.Event
	}
	if f.MessageID == "" {
		return f.Event
	}
	switch {
	case f.Error != "" || f.ErrorKind != "":
		return EventError
	case f.Content != nil:
		return EventChunk
	default:
		return EventComplete
	}
}

// FromDelta converts a dispatcher event into its wire frame.
func FromDelta(ev models.DeltaEvent) Frame {
	f := Frame{
		Provider:  ev.Provider,
		MessageID: ev.MessageID,
		Ordinal:   ev.Ordinal,
	}
	switch {
	case ev.Err != nil:
		f.ErrorKind = ev.Err.Kind
		if f.ErrorKind == "" {
			f.ErrorKind = models.ErrorKindUpstream
		}
		f.Error = ev.Err.Message
		if strings.TrimSpace(f.Error) == "" {
			f.Error = string(f.ErrorKind)
		}
	case ev.Final:
	default:
		content := ev.Content
		f.Content = &content
	}
	f.Event = f.Kind()
	return f
}

// Delta converts a delta frame back into an event. ok is false for control frames.
func (f Frame) Delta() (models.DeltaEvent, bool) {
	switch f.Kind() {
	case EventChunk:
		return models.DeltaEvent{Provider: f.Provider, MessageID: f.MessageID, Ordinal: f.Ordinal, Content: *f.Content}, true
	case EventComplete:
		return models.DeltaEvent{Provider: f.Provider, MessageID: f.MessageID, Ordinal: f.Ordinal, Final: true}, true
	case EventError:
		kind := f.ErrorKind
		if kind == "" {
			kind = models.ErrorKindUpstream
		}
		return models.DeltaEvent{
			Provider:  f.Provider,
			MessageID: f.MessageID,
			Ordinal:   f.Ordinal,
			Final:     true,
			Err:       &models.ProviderError{Kind: kind, Message: f.Error},
		}, true
	}
	return models.DeltaEvent{}, false
}

// Writer encodes frames onto an SSE response.
type Writer struct {
	w     io.Writer
	flush func()
}

// NewWriter wraps w. flush, when non-nil, is called after every frame.
func NewWriter(w io.Writer, flush func()) *Writer {
	return &Writer{w: w, flush: flush}
}

// Write emits one frame.
func (w *Writer) Write(f Frame) error {
	if err := sse.WriteEvent(w.w, f.Kind(), f); err != nil {
		return err
	}
	if w.flush != nil {
		w.flush()
	}
	return nil
}

// Decode parses one SSE event into a frame. A payload that fails strict decoding gets
// one repair attempt, but only when it is a complete object whose repaired fields agree
// with its event name. Truncated frames are reported as malformed.
func Decode(ev sse.Event) (Frame, error) {
	var f Frame
	if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
		f, err = repair(ev, err)
		if err != nil {
			return Frame{}, err
		}
	}
	f.Event = strings.TrimSpace(ev.Name)

	switch f.Kind() {
	case EventChunk, EventComplete, EventError:
		if f.Provider == "" {
			return Frame{}, fmt.Errorf("%w: delta frame without provider", ErrMalformedFrame)
		}
	case EventConversation:
		if f.ConversationID == "" || f.DispatchID == "" {
			return Frame{}, fmt.Errorf("%w: conversation frame without identifiers", ErrMalformedFrame)
		}
	case EventDone, EventBatchItem:
	default:
		return Frame{}, fmt.Errorf("%w: unrecognised frame %q", ErrMalformedFrame, ev.Name)
	}
	f.Event = f.Kind()
	return f, nil
}

func repair(ev sse.Event, cause error) (Frame, error) {
	data := strings.TrimSpace(ev.Data)
	if !strings.HasPrefix(data, "{") || !strings.HasSuffix(data, "}") {
		return Frame{}, fmt.Errorf("%w: truncated payload: %v", ErrMalformedFrame, cause)
	}
	repaired, err := jsonrepair.JSONRepair(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, cause)
	}
	var f Frame
	if err := json.Unmarshal([]byte(repaired), &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f.Event = strings.TrimSpace(ev.Name)
	switch f.Event {
	case EventChunk, EventComplete, EventError:
		if got := f.Kind(); got != f.Event {
			return Frame{}, fmt.Errorf("%w: repaired %s frame reads as %s", ErrMalformedFrame, f.Event, got)
		}
	}
	return f, nil
}

// Read consumes a protocol stream, calling fn for every well-formed frame. Malformed
// frames are skipped. A stream that ends before its done frame yields models.ErrTransport.
func Read(r io.Reader, fn func(Frame) error) error {
	scanner := sse.NewScanner(r)
	for {
		ev, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: stream closed before completion", models.ErrTransport)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrTransport, err)
		}

		frame, err := Decode(ev)
		if err != nil {
			continue
		}
		if err := fn(frame); err != nil {
			return err
		}
		if frame.Kind() == EventDone {
			return nil
		}
	}
}
