package conversation

import (
	"time"

	"polychat/internal/models"
)

// Record is the persisted form of a conversation.
type Record struct {
	ID        string           `json:"id"`
	Owner     string           `json:"owner"`
	Title     string           `json:"title"`
	Settings  Settings         `json:"settings"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Messages  []models.Message `json:"messages"`
}

// PromptEntry groups one prompt with the responses of its dispatch.
type PromptEntry struct {
	MessageID string   `json:"message_id"`
	Ordinal   int      `json:"ordinal"`
	Text      string   `json:"text"`
	Responses []string `json:"responses"`
}

// Export is the structured dump of a conversation: prompts with their response ids and
// every message with ordinal and state.
type Export struct {
	ConversationID string           `json:"conversation_id"`
	Title          string           `json:"title"`
	Settings       Settings         `json:"settings"`
	Prompts        []PromptEntry    `json:"prompts"`
	Messages       []models.Message `json:"messages"`
}

// Title returns the conversation title, derived from the first prompt.
func (c *Conversation) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// UpdatedAt returns the time of the last mutation.
func (c *Conversation) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

// SetFeedback records a thumbs up or down on a message.
func (c *Conversation) SetFeedback(messageID, feedback string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[messageID]
	if !ok {
		return models.ErrMessageNotFound
	}
	msg.Feedback = feedback
	c.updatedAt = c.now()
	return nil
}

// Record snapshots the conversation for persistence.
func (c *Conversation) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{
		ID:        c.id,
		Owner:     c.owner,
		Title:     c.title,
		Settings:  c.settings.clone(),
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
		Messages:  c.sortedLocked(),
	}
}

// Export builds the structured dump of the conversation.
func (c *Conversation) Export() Export {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.sortedLocked()
	out := Export{
		ConversationID: c.id,
		Title:          c.title,
		Settings:       c.settings.clone(),
		Messages:       msgs,
	}

	index := make(map[string]int)
	for _, msg := range msgs {
		if msg.Role != models.RoleUser {
			continue
		}
		index[msg.DispatchID] = len(out.Prompts)
		out.Prompts = append(out.Prompts, PromptEntry{
			MessageID: msg.ID,
			Ordinal:   msg.Ordinal,
			Text:      msg.Content,
			Responses: []string{},
		})
	}
	for _, msg := range msgs {
		if msg.Role != models.RoleAssistant {
			continue
		}
		if i, ok := index[msg.DispatchID]; ok {
			out.Prompts[i].Responses = append(out.Prompts[i].Responses, msg.ID)
		}
	}
	return out
}

// Restore rebuilds a conversation from its persisted record. Messages that were still
// streaming when persisted are kept as they are.
func Restore(rec Record) *Conversation {
	c := New(rec.ID, rec.Owner)
	c.title = rec.Title
	c.settings = rec.Settings.clone()
	if !rec.CreatedAt.IsZero() {
		c.createdAt = rec.CreatedAt
	}
	if !rec.UpdatedAt.IsZero() {
		c.updatedAt = rec.UpdatedAt
	}
	for i := range rec.Messages {
		msg := rec.Messages[i]
		msg.ConversationID = rec.ID
		c.insert(&msg)
		if msg.Ordinal >= c.next {
			c.next = msg.Ordinal + 1
		}
	}
	return c
}
