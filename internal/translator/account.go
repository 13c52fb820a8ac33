package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"polychat/internal/conversation"
	"polychat/internal/models"
	"polychat/internal/provider"
	"polychat/internal/roles"
	"polychat/internal/store/sqlite"
)

// KeyAction is the effect of a key update.
type KeyAction int

const (
	KeyRemove KeyAction = iota
	KeySet
	KeyUniversal
)

// KeyUpdateRequest is the body of PUT /api/keys. use_universal wins over api_key; with
// neither set the stored key is removed.
type KeyUpdateRequest struct {
	Vendor       models.Vendor
	APIKey       string
	UseUniversal bool
}

// UnmarshalJSON decodes and validates the request.
func (r *KeyUpdateRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Provider     string  `json:"provider"`
		APIKey       *string `json:"api_key"`
		UseUniversal bool    `json:"use_universal"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode key update: %w", err)
	}
	vendor, err := models.ParseVendor(raw.Provider)
	if err != nil {
		return err
	}
	r.Vendor = vendor
	r.UseUniversal = raw.UseUniversal
	if raw.APIKey != nil {
		r.APIKey = strings.TrimSpace(*raw.APIKey)
	}
	return nil
}

// Action resolves what the update does.
func (r KeyUpdateRequest) Action() KeyAction {
	switch {
	case r.UseUniversal:
		return KeyUniversal
	case r.APIKey != "":
		return KeySet
	default:
		return KeyRemove
	}
}

// StoredValue is the value persisted for KeySet and KeyUniversal.
func (r KeyUpdateRequest) StoredValue() string {
	if r.UseUniversal {
		return sqlite.UniversalKey
	}
	return r.APIKey
}

// KeysResponse lists the masked keys of a user, one entry per vendor. Vendors without a
// stored key map to null.
type KeysResponse map[models.Vendor]*string

// NewKeysResponse masks keys for display.
func NewKeysResponse(keys map[models.Vendor]string) KeysResponse {
	out := make(KeysResponse, len(models.Vendors))
	for _, vendor := range models.Vendors {
		key, ok := keys[vendor]
		if !ok {
			out[vendor] = nil
			continue
		}
		masked := sqlite.Mask(key)
		out[vendor] = &masked
	}
	return out
}

// ConversationResponse is one entry of GET /api/conversations.
type ConversationResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int    `json:"message_count"`
}

// FromSummaries converts store summaries for the API.
func FromSummaries(list []sqlite.Summary) []ConversationResponse {
	out := make([]ConversationResponse, 0, len(list))
	for _, s := range list {
		out = append(out, ConversationResponse{
			ID:           s.ID,
			Title:        s.Title,
			CreatedAt:    s.CreatedAt.Format(timeFormat),
			UpdatedAt:    s.UpdatedAt.Format(timeFormat),
			MessageCount: s.MessageCount,
		})
	}
	return out
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// MessagesResponse is the body of GET /api/conversations/:id/messages.
type MessagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Title          string           `json:"title"`
	NextOrdinal    int              `json:"next_ordinal"`
	Messages       []models.Message `json:"messages"`
}

// FromConversation lists the messages of conv in ordinal order.
func FromConversation(conv *conversation.Conversation) MessagesResponse {
	return MessagesResponse{
		ConversationID: conv.ID(),
		Title:          conv.Title(),
		NextOrdinal:    conv.NextOrdinal(),
		Messages:       conv.Messages(),
	}
}

// SettingsResponse reports the conversation settings.
type SettingsResponse struct {
	ConversationID string                `json:"conversation_id"`
	GlobalContext  string                `json:"global_context"`
	Roles          map[string]roles.Role `json:"roles"`
}

// FromSettings converts settings for the API.
func FromSettings(conversationID string, s conversation.Settings) SettingsResponse {
	r := SettingsResponse{ConversationID: conversationID, GlobalContext: s.GlobalContext, Roles: s.Roles}
	if r.Roles == nil {
		r.Roles = map[string]roles.Role{}
	}
	return r
}

// RoleResponse describes one role for clients.
type RoleResponse struct {
	Name        roles.Role `json:"name"`
	Title       string     `json:"title"`
	Instruction string     `json:"instruction"`
}

// Roles lists every role.
func Roles() []RoleResponse {
	all := roles.All()
	out := make([]RoleResponse, 0, len(all))
	for _, r := range all {
		out = append(out, RoleResponse{Name: r, Title: r.Title(), Instruction: r.Instruction()})
	}
	return out
}

// ModelsResponse is the body of GET /api/models.
type ModelsResponse struct {
	Models []models.Model `json:"models"`
}

// FromRegistry lists the catalog.
func FromRegistry(reg *provider.Registry) ModelsResponse {
	return ModelsResponse{Models: reg.Models()}
}
