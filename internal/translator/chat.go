// Package translator converts HTTP API payloads to and from the canonical types.
// Request types validate themselves while being decoded, so a handler only ever sees
// well-formed input.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"polychat/internal/conversation"
	"polychat/internal/models"
	"polychat/internal/roles"
)

var (
	errEmptyModelID     = errors.New("model identifiers must not be empty")
	errEmptyMessageID   = errors.New("message identifiers must not be empty")
	errInvalidFeedback  = errors.New("feedback must be \"up\" or \"down\"")
	errEmptyPrompt      = errors.New("batch prompts must not be empty")
	errMissingID        = errors.New("conversation_id is required")
	errMissingMessageID = errors.New("message_id is required")
)

// Settings carries optional per-conversation augmentation overrides. Nil fields leave
// the stored settings untouched.
type Settings struct {
	Roles         map[string]roles.Role
	GlobalContext *string
}

// Apply merges the overrides into s.
func (o Settings) Apply(s conversation.Settings) conversation.Settings {
	if o.GlobalContext != nil {
		s.GlobalContext = strings.TrimSpace(*o.GlobalContext)
	}
	if o.Roles != nil {
		merged := make(map[string]roles.Role, len(s.Roles)+len(o.Roles))
		for model, role := range s.Roles {
			merged[model] = role
		}
		for model, role := range o.Roles {
			if role == roles.Neutral {
				delete(merged, model)
				continue
			}
			merged[model] = role
		}
		s.Roles = merged
	}
	return s
}

// Empty reports whether no override is set.
func (o Settings) Empty() bool {
	return o.Roles == nil && o.GlobalContext == nil
}

// ChatStreamRequest is the body of POST /api/chat/stream.
type ChatStreamRequest struct {
	Message        string
	Models         []string
	ConversationID string
	Paused         []string
	Settings       Settings
}

// UnmarshalJSON decodes and normalises the request.
func (r *ChatStreamRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Message        string            `json:"message"`
		Models         []string          `json:"models"`
		ConversationID string            `json:"conversation_id"`
		Paused         []string          `json:"paused"`
		Roles          map[string]string `json:"roles"`
		GlobalContext  *string           `json:"global_context"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	targets, err := cleanIDs(raw.Models, errEmptyModelID)
	if err != nil {
		return err
	}
	paused, err := cleanIDs(raw.Paused, errEmptyModelID)
	if err != nil {
		return err
	}
	parsedRoles, err := parseRoles(raw.Roles)
	if err != nil {
		return err
	}

	r.Message = raw.Message
	r.Models = targets
	r.ConversationID = strings.TrimSpace(raw.ConversationID)
	r.Paused = paused
	r.Settings = Settings{Roles: parsedRoles, GlobalContext: raw.GlobalContext}
	return nil
}

// ToCanonical builds the canonical request under the conversation settings s.
func (r ChatStreamRequest) ToCanonical(conversationID string, s conversation.Settings) models.CanonicalRequest {
	return models.CanonicalRequest{
		Text:           r.Message,
		GlobalContext:  s.GlobalContext,
		Roles:          s.Roles,
		Targets:        append([]string(nil), r.Models...),
		ConversationID: conversationID,
	}
}

// SynthesisRequest is the body of POST /api/chat/synthesis.
type SynthesisRequest struct {
	ConversationID   string
	SelectedMessages []string
	TargetModels     []string
	Instruction      string
}

// UnmarshalJSON decodes and normalises the request.
func (r *SynthesisRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		ConversationID   string   `json:"conversation_id"`
		SelectedMessages []string `json:"selected_messages"`
		TargetModels     []string `json:"target_models"`
		SynthesisPrompt  string   `json:"synthesis_prompt"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode synthesis request: %w", err)
	}
	selected, err := cleanIDs(raw.SelectedMessages, errEmptyMessageID)
	if err != nil {
		return err
	}
	targets, err := cleanIDs(raw.TargetModels, errEmptyModelID)
	if err != nil {
		return err
	}

	r.ConversationID = strings.TrimSpace(raw.ConversationID)
	if r.ConversationID == "" {
		return errMissingID
	}
	r.SelectedMessages = selected
	r.TargetModels = targets
	r.Instruction = raw.SynthesisPrompt
	return nil
}

// CatchupRequest is the body of POST /api/chat/catchup. An empty MessageIDs replays
// the whole conversation.
type CatchupRequest struct {
	ConversationID string
	NewModels      []string
	MessageIDs     []string
}

// UnmarshalJSON decodes and normalises the request.
func (r *CatchupRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		ConversationID string   `json:"conversation_id"`
		NewModels      []string `json:"new_models"`
		MessageIDs     []string `json:"message_ids"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode catch-up request: %w", err)
	}
	newModels, err := cleanIDs(raw.NewModels, errEmptyModelID)
	if err != nil {
		return err
	}
	ids, err := cleanIDs(raw.MessageIDs, errEmptyMessageID)
	if err != nil {
		return err
	}

	r.ConversationID = strings.TrimSpace(raw.ConversationID)
	if r.ConversationID == "" {
		return errMissingID
	}
	r.NewModels = newModels
	r.MessageIDs = ids
	return nil
}

// BatchRequest is the body of POST /api/chat/batch.
type BatchRequest struct {
	Prompts        []string
	Models         []string
	ConversationID string
	Paused         []string
}

// UnmarshalJSON decodes and normalises the request.
func (r *BatchRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Prompts        []string `json:"prompts"`
		Models         []string `json:"models"`
		ConversationID string   `json:"conversation_id"`
		Paused         []string `json:"paused"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode batch request: %w", err)
	}
	targets, err := cleanIDs(raw.Models, errEmptyModelID)
	if err != nil {
		return err
	}
	paused, err := cleanIDs(raw.Paused, errEmptyModelID)
	if err != nil {
		return err
	}
	prompts := make([]string, 0, len(raw.Prompts))
	for i, p := range raw.Prompts {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("prompt %d: %w", i+1, errEmptyPrompt)
		}
		prompts = append(prompts, p)
	}

	r.Prompts = prompts
	r.Models = targets
	r.ConversationID = strings.TrimSpace(raw.ConversationID)
	r.Paused = paused
	return nil
}

// FeedbackRequest is the body of POST /api/chat/feedback.
type FeedbackRequest struct {
	MessageID string `json:"message_id"`
	Feedback  string `json:"feedback"`
}

// UnmarshalJSON decodes and validates the request.
func (r *FeedbackRequest) UnmarshalJSON(data []byte) error {
	type alias FeedbackRequest
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode feedback request: %w", err)
	}
	raw.MessageID = strings.TrimSpace(raw.MessageID)
	raw.Feedback = strings.ToLower(strings.TrimSpace(raw.Feedback))
	if raw.MessageID == "" {
		return errMissingMessageID
	}
	if raw.Feedback != "up" && raw.Feedback != "down" {
		return errInvalidFeedback
	}
	*r = FeedbackRequest(raw)
	return nil
}

// SettingsRequest is the body of PUT /api/conversations/:id/settings.
type SettingsRequest struct {
	Settings Settings
}

// UnmarshalJSON decodes and validates the request.
func (r *SettingsRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Roles         map[string]string `json:"roles"`
		GlobalContext *string           `json:"global_context"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode settings request: %w", err)
	}
	parsed, err := parseRoles(raw.Roles)
	if err != nil {
		return err
	}
	r.Settings = Settings{Roles: parsed, GlobalContext: raw.GlobalContext}
	return nil
}

func cleanIDs(ids []string, errEmpty error) ([]string, error) {
	if ids == nil {
		return nil, nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errEmpty
		}
		out = append(out, id)
	}
	return out, nil
}

func parseRoles(raw map[string]string) (map[string]roles.Role, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]roles.Role, len(raw))
	for model, name := range raw {
		model = strings.TrimSpace(model)
		if model == "" {
			return nil, errEmptyModelID
		}
		role, err := roles.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("role for %s: %w", model, err)
		}
		out[model] = role
	}
	return out, nil
}
