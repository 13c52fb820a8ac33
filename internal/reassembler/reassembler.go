// Package reassembler rebuilds per-provider message timelines from the multiplexed
// stream on the client side.
//
// Each provider has its own accumulator (its message in the mirrored ledger, keyed by
// message id) and content is appended in receipt order. A paused provider's chunks are
// discarded before reconstruction: its message is still created and still reaches its
// terminal state, but the text that arrived while paused is lost rather than buffered.
package reassembler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"polychat/internal/conversation"
	"polychat/internal/models"
	"polychat/internal/protocol"
)

// ErrNoDispatch indicates a delta frame received before its conversation frame.
var ErrNoDispatch = errors.New("no dispatch in progress")

// Update describes the effect of one frame.
type Update struct {
	Kind    string
	Message models.Message
	// Discarded is set when chunk content was dropped because the provider is paused.
	Discarded bool
	// Finished is set when the frame closed the dispatch.
	Finished bool
}

// Reassembler mirrors the server ledger of one conversation.
type Reassembler struct {
	mu         sync.Mutex
	conv       *conversation.Conversation
	paused     map[string]bool
	dispatchID string
	discarded  map[string]int
}

// New wraps conv. A nil conv starts an empty, unnamed conversation that adopts the id
// of the first conversation frame.
func New(conv *conversation.Conversation) *Reassembler {
	return &Reassembler{
		conv:      conv,
		paused:    make(map[string]bool),
		discarded: make(map[string]int),
	}
}

// Conversation returns the mirrored ledger.
func (r *Reassembler) Conversation() *conversation.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conv
}

// Reset starts a new, empty conversation. Pause toggles survive.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv = nil
	r.dispatchID = ""
	r.discarded = make(map[string]int)
}

// Pause stops listening to provider.
func (r *Reassembler) Pause(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[provider] = true
}

// Resume listens to provider again. Content dropped while paused is not recovered.
func (r *Reassembler) Resume(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, provider)
}

// Toggle flips the pause state of provider and reports the new state.
func (r *Reassembler) Toggle(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused[provider] {
		delete(r.paused, provider)
		return false
	}
	r.paused[provider] = true
	return true
}

// IsPaused reports whether provider is paused.
func (r *Reassembler) IsPaused(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[provider]
}

// Paused lists the paused providers in sorted order.
func (r *Reassembler) Paused() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.paused))
	for p := range r.paused {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Discarded returns how many chunks of provider were dropped while it was paused.
func (r *Reassembler) Discarded(provider string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discarded[provider]
}

// Streaming reports whether a dispatch is open.
func (r *Reassembler) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatchID != ""
}

// Apply folds one protocol frame into the timelines.
func (r *Reassembler) Apply(f protocol.Frame) (Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := f.Kind()
	switch kind {
	case protocol.EventConversation:
		return r.begin(f)
	case protocol.EventChunk, protocol.EventComplete, protocol.EventError:
		return r.delta(f)
	case protocol.EventBatchItem, protocol.EventDone:
		if r.dispatchID == "" {
			return Update{Kind: kind}, nil
		}
		r.finish(f.Canceled)
		return Update{Kind: kind, Finished: true}, nil
	}
	return Update{}, fmt.Errorf("%w: unexpected frame %q", protocol.ErrMalformedFrame, kind)
}

// Fail closes the open dispatch after a transport error. Messages that were still
// streaming stay Streaming and keep their ordinals: they are indeterminate, not final.
func (r *Reassembler) Fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finish(true)
}

// Timeline returns the messages of provider in ordinal order.
func (r *Reassembler) Timeline(provider string) []models.Message {
	conv := r.Conversation()
	if conv == nil {
		return nil
	}
	return conv.Timeline(provider)
}

// Messages returns every reconstructed message.
func (r *Reassembler) Messages() []models.Message {
	conv := r.Conversation()
	if conv == nil {
		return nil
	}
	return conv.Messages()
}

func (r *Reassembler) begin(f protocol.Frame) (Update, error) {
	if r.dispatchID != "" {
		return Update{}, models.ErrDispatchInProgress
	}
	if r.conv == nil || (r.conv.ID() == "" && f.ConversationID != "") {
		r.conv = conversation.New(f.ConversationID, "")
	} else if r.conv.ID() != f.ConversationID {
		return Update{}, fmt.Errorf("frame for conversation %s, following %s", f.ConversationID, r.conv.ID())
	}

	prompt, err := r.conv.BeginPrompt(conversation.Prompt{
		DispatchID: f.DispatchID,
		PromptID:   f.PromptID,
		Text:       f.Prompt,
		Targets:    f.Targets,
		Ordinal:    f.PromptOrdinal,
	})
	if err != nil {
		return Update{}, err
	}
	r.dispatchID = f.DispatchID
	return Update{Kind: protocol.EventConversation, Message: prompt}, nil
}

func (r *Reassembler) delta(f protocol.Frame) (Update, error) {
	if r.dispatchID == "" {
		return Update{}, ErrNoDispatch
	}
	ev, _ := f.Delta()

	discarded := false
	if r.paused[ev.Provider] && ev.Content != "" {
		ev.Content = ""
		discarded = true
		r.discarded[ev.Provider]++
	}

	applied, err := r.conv.Apply(r.dispatchID, ev)
	if err != nil {
		return Update{}, err
	}
	msg, _ := r.conv.Message(applied.MessageID)
	return Update{Kind: f.Kind(), Message: msg, Discarded: discarded}, nil
}

func (r *Reassembler) finish(canceled bool) {
	if r.dispatchID == "" {
		return
	}
	if canceled {
		r.conv.Abort(r.dispatchID)
	} else if err := r.conv.Commit(r.dispatchID); err != nil {
		r.conv.Abort(r.dispatchID)
	}
	r.dispatchID = ""
}
