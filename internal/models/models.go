package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"polychat/internal/roles"
)

// Vendor identifies an upstream provider family. Model identifiers map to exactly one vendor.
type Vendor string

const (
	VendorGPT        Vendor = "gpt"
	VendorClaude     Vendor = "claude"
	VendorGemini     Vendor = "gemini"
	VendorGrok       Vendor = "grok"
	VendorDeepSeek   Vendor = "deepseek"
	VendorPerplexity Vendor = "perplexity"
)

// Vendors lists every supported vendor.
var Vendors = []Vendor{VendorGPT, VendorClaude, VendorGemini, VendorGrok, VendorDeepSeek, VendorPerplexity}

// ParseVendor validates a vendor name.
func ParseVendor(name string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Vendors {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown vendor %q", name)
}

// Model identifies a known model with vendor metadata.
type Model struct {
	ID       string `json:"id"`
	Vendor   Vendor `json:"vendor"`
	APIStyle string `json:"api_style"`
}

// MessageRole is the author role of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// UserProvider is the provider value recorded on user-authored messages.
const UserProvider = "user"

// Turn is one prior exchange entry sent upstream as context.
type Turn struct {
	Role    MessageRole
	Content string
}

// Credentials are the resolved upstream credentials for one user and vendor.
type Credentials struct {
	APIKey    string
	Universal bool
}

// CanonicalRequest is the provider-agnostic form of one user prompt.
type CanonicalRequest struct {
	Text           string
	GlobalContext  string
	Roles          map[string]roles.Role
	Targets        []string
	ConversationID string
}

// AugmentedText returns the payload sent to the given target: Text prefixed with the
// target's role block and the conversation-wide context block.
func (r CanonicalRequest) AugmentedText(target string) string {
	return roles.Augment(r.Text, r.GlobalContext, r.Roles[target])
}

// DeltaEvent is one unit of a provider's response stream after the dispatcher has
// assigned it a message identity.
type DeltaEvent struct {
	Provider  string
	MessageID string
	Ordinal   int
	Content   string
	Final     bool
	Err       *ProviderError
}

// StateKind discriminates the message lifecycle state.
type StateKind string

const (
	StateStreaming      StateKind = "streaming"
	StateFinal          StateKind = "final"
	StateFinalWithError StateKind = "final_with_error"
)

// State is the lifecycle state of a message. A failure is only ever attached to
// StateFinalWithError; the zero value is Streaming.
type State struct {
	kind    StateKind
	failure *ProviderError
}

// Streaming returns the in-progress state.
func Streaming() State { return State{kind: StateStreaming} }

// Final returns the successful terminal state.
func Final() State { return State{kind: StateFinal} }

// Failed returns the error terminal state.
func Failed(err *ProviderError) State {
	if err == nil {
		err = &ProviderError{Kind: ErrorKindUpstream, Message: "unknown provider error"}
	}
	return State{kind: StateFinalWithError, failure: err}
}

// Kind reports the state discriminator.
func (s State) Kind() StateKind {
	if s.kind == "" {
		return StateStreaming
	}
	return s.kind
}

// Failure returns the provider error for StateFinalWithError, nil otherwise.
func (s State) Failure() *ProviderError { return s.failure }

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool { return s.Kind() != StateStreaming }

type stateJSON struct {
	Kind  StateKind      `json:"kind"`
	Error *ProviderError `json:"error,omitempty"`
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{Kind: s.Kind(), Error: s.failure})
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case StateFinal:
		*s = Final()
	case StateFinalWithError:
		*s = Failed(raw.Error)
	case StateStreaming, "":
		*s = Streaming()
	default:
		return fmt.Errorf("unknown message state %q", raw.Kind)
	}
	return nil
}

// Message is one entry of a reconstructed conversation timeline.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	DispatchID     string      `json:"dispatch_id,omitempty"`
	Role           MessageRole `json:"role"`
	Provider       string      `json:"provider"`
	Content        string      `json:"content"`
	Ordinal        int         `json:"ordinal"`
	State          State       `json:"state"`
	Feedback       string      `json:"feedback,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Streaming reports whether content may still be appended.
func (m Message) Streaming() bool { return !m.State.Terminal() }
