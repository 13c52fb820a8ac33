// Package conversation holds the per-conversation ledger: the ordinal counter, the
// messageId allocation table and the message state machine. Every mutation goes through
// one mutex, so concurrent provider events for the same dispatch are serialised and the
// first delta of a provider wins the allocation.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"polychat/internal/models"
	"polychat/internal/roles"
)

var (
	// ErrUnknownDispatch indicates an event for a dispatch that is not active.
	ErrUnknownDispatch = errors.New("dispatch is not active")
	// ErrNotTargeted indicates an event from a provider outside the dispatch targets.
	ErrNotTargeted = errors.New("provider is not a target of this dispatch")
	// ErrMessageClosed indicates an event for a message that already reached a terminal state.
	ErrMessageClosed = errors.New("message already final")
	// ErrOrdinalConflict indicates an explicit prompt ordinal below the next free ordinal.
	ErrOrdinalConflict = errors.New("ordinal already assigned")
)

const titleLength = 50

// Settings are the conversation-wide augmentation inputs.
type Settings struct {
	GlobalContext string                `json:"global_context,omitempty"`
	Roles         map[string]roles.Role `json:"roles,omitempty"`
}

func (s Settings) clone() Settings {
	out := Settings{GlobalContext: s.GlobalContext}
	if len(s.Roles) > 0 {
		out.Roles = make(map[string]roles.Role, len(s.Roles))
		for k, v := range s.Roles {
			out.Roles[k] = v
		}
	}
	return out
}

// Prompt opens a dispatch on the ledger.
type Prompt struct {
	DispatchID string
	PromptID   string
	Text       string
	Targets    []string
	// Ordinal pins the prompt ordinal, used by clients mirroring a server ledger.
	// Zero takes the next free ordinal.
	Ordinal int
}

type dispatchState struct {
	id       string
	promptID string
	base     int
	targets  []string
	position map[string]int
	claimed  map[string]string
}

// Conversation is the ledger of one conversation.
type Conversation struct {
	mu sync.Mutex

	id        string
	owner     string
	title     string
	createdAt time.Time
	updatedAt time.Time

	next     int
	messages map[string]*models.Message
	order    []string
	settings Settings
	active   *dispatchState

	now func() time.Time
}

// New creates an empty conversation.
func New(id, owner string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		id:        id,
		owner:     owner,
		createdAt: now,
		updatedAt: now,
		next:      1,
		messages:  make(map[string]*models.Message),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// Owner returns the user that owns the conversation.
func (c *Conversation) Owner() string { return c.owner }

// Settings returns a copy of the augmentation settings.
func (c *Conversation) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.clone()
}

// SetSettings replaces the augmentation settings.
func (c *Conversation) SetSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s.clone()
	c.updatedAt = c.now()
}

// Active reports whether a dispatch is in flight.
func (c *Conversation) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// NextOrdinal returns the ordinal the next prompt will receive.
func (c *Conversation) NextOrdinal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// BeginPrompt records the user prompt and reserves ordinals for the k targets: the
// prompt takes the next ordinal and target i takes prompt+1+i when its first delta arrives.
func (c *Conversation) BeginPrompt(p Prompt) (models.Message, error) {
	if strings.TrimSpace(p.Text) == "" {
		return models.Message{}, models.ErrEmptyMessage
	}
	if len(p.Targets) == 0 {
		return models.Message{}, models.ErrNoEligibleProviders
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return models.Message{}, models.ErrDispatchInProgress
	}
	if _, exists := c.messages[p.PromptID]; exists || p.PromptID == "" {
		return models.Message{}, fmt.Errorf("invalid prompt id %q", p.PromptID)
	}

	base := c.next
	if p.Ordinal != 0 {
		if p.Ordinal < c.next {
			return models.Message{}, fmt.Errorf("%w: %d (next is %d)", ErrOrdinalConflict, p.Ordinal, c.next)
		}
		base = p.Ordinal
		c.next = base
	}

	state := &dispatchState{
		id:       p.DispatchID,
		promptID: p.PromptID,
		base:     base,
		targets:  append([]string(nil), p.Targets...),
		position: make(map[string]int, len(p.Targets)),
		claimed:  make(map[string]string, len(p.Targets)),
	}
	for i, target := range p.Targets {
		if _, dup := state.position[target]; dup {
			return models.Message{}, fmt.Errorf("duplicate target %q", target)
		}
		state.position[target] = i
	}

	now := c.now()
	msg := &models.Message{
		ID:             p.PromptID,
		ConversationID: c.id,
		DispatchID:     p.DispatchID,
		Role:           models.RoleUser,
		Provider:       models.UserProvider,
		Content:        p.Text,
		Ordinal:        base,
		State:          models.Final(),
		CreatedAt:      now,
	}
	c.insert(msg)
	c.active = state
	c.updatedAt = now
	if c.title == "" {
		c.title = makeTitle(p.Text)
	}
	return *msg, nil
}

// Claim returns the response message of provider in the active dispatch, creating it
// with proposedID on the first call. Later calls return the existing message, so two
// racing first deltas never allocate two identifiers.
func (c *Conversation) Claim(dispatchID, provider, proposedID string) (models.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, created, err := c.claimLocked(dispatchID, provider, proposedID)
	if err != nil {
		return models.Message{}, false, err
	}
	return *msg, created, nil
}

func (c *Conversation) claimLocked(dispatchID, provider, proposedID string) (*models.Message, bool, error) {
	state := c.active
	if state == nil || state.id != dispatchID {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownDispatch, dispatchID)
	}
	pos, ok := state.position[provider]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotTargeted, provider)
	}
	if id, ok := state.claimed[provider]; ok {
		return c.messages[id], false, nil
	}
	if proposedID == "" {
		return nil, false, errors.New("message id must not be empty")
	}
	if _, exists := c.messages[proposedID]; exists {
		return nil, false, fmt.Errorf("message id %q already in use", proposedID)
	}

	msg := &models.Message{
		ID:             proposedID,
		ConversationID: c.id,
		DispatchID:     dispatchID,
		Role:           models.RoleAssistant,
		Provider:       provider,
		Ordinal:        state.base + 1 + pos,
		State:          models.Streaming(),
		CreatedAt:      c.now(),
	}
	c.insert(msg)
	state.claimed[provider] = msg.ID
	return msg, true, nil
}

// Apply folds one provider event into the ledger and returns it with the message
// identity and ordinal filled in. ev.MessageID is the proposed identifier for the
// provider's first event and ignored afterwards.
func (c *Conversation) Apply(dispatchID string, ev models.DeltaEvent) (models.DeltaEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, _, err := c.claimLocked(dispatchID, ev.Provider, ev.MessageID)
	if err != nil {
		return models.DeltaEvent{}, err
	}
	if msg.State.Terminal() {
		return models.DeltaEvent{}, fmt.Errorf("%w: %s", ErrMessageClosed, msg.ID)
	}

	msg.Content += ev.Content
	if ev.Final {
		if ev.Err != nil {
			msg.State = models.Failed(ev.Err)
		} else {
			msg.State = models.Final()
		}
	}

	ev.MessageID = msg.ID
	ev.Ordinal = msg.Ordinal
	return ev, nil
}

// Commit closes the active dispatch and advances the ordinal counter past it.
func (c *Conversation) Commit(dispatchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.active
	if state == nil || state.id != dispatchID {
		return fmt.Errorf("%w: %s", ErrUnknownDispatch, dispatchID)
	}
	c.next = state.base + 1 + len(state.targets)
	c.active = nil
	c.updatedAt = c.now()
	return nil
}

// Abort closes the active dispatch without advancing the counter past its unclaimed
// targets. Its messages stay in the timeline with whatever content arrived, in their
// current state. Ordinals already handed out (the prompt and every claimed response)
// stay with their messages and the counter moves past the highest of them, so none is
// ever handed out twice.
func (c *Conversation) Abort(dispatchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.active
	if state == nil || state.id != dispatchID {
		return
	}
	last := state.base
	for _, id := range state.claimed {
		if msg, ok := c.messages[id]; ok && msg.Ordinal > last {
			last = msg.Ordinal
		}
	}
	if last >= c.next {
		c.next = last + 1
	}
	c.active = nil
	c.updatedAt = c.now()
}

// Reset drops every message and restarts ordinals, as for a new chat.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = make(map[string]*models.Message)
	c.order = nil
	c.next = 1
	c.active = nil
	c.title = ""
	c.updatedAt = c.now()
}

// Message returns one message by id.
func (c *Conversation) Message(id string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[id]
	if !ok {
		return models.Message{}, false
	}
	return *msg, true
}

// Messages returns every message ordered by ordinal. Unindexed messages from aborted
// dispatches follow in creation order.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

// Timeline returns the messages of one provider in ordinal order.
func (c *Conversation) Timeline(provider string) []models.Message {
	var out []models.Message
	for _, msg := range c.Messages() {
		if msg.Provider == provider {
			out = append(out, msg)
		}
	}
	return out
}

// Select returns the messages with the given ids ordered by ordinal.
func (c *Conversation) Select(ids []string) ([]models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		msg, ok := c.messages[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
		}
		out = append(out, *msg)
	}
	sortMessages(out, c.order)
	return out, nil
}

// ByOrdinal returns the indexed message carrying ordinal n.
func (c *Conversation) ByOrdinal(n int) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range c.messages {
		if msg.Ordinal == n && n > 0 {
			return *msg, true
		}
	}
	return models.Message{}, false
}

// Providers returns every provider that has answered in this conversation.
func (c *Conversation) Providers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range c.order {
		msg := c.messages[id]
		if msg.Role == models.RoleAssistant && !seen[msg.Provider] {
			seen[msg.Provider] = true
			out = append(out, msg.Provider)
		}
	}
	return out
}

// History returns up to limit turns of prior context for provider: each indexed prompt
// the provider answered successfully, followed by that answer.
func (c *Conversation) History(provider string, limit int) []models.Turn {
	if limit <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prompts := make(map[string]*models.Message)
	for _, msg := range c.messages {
		if msg.Role == models.RoleUser && msg.Ordinal > 0 {
			prompts[msg.DispatchID] = msg
		}
	}

	var turns []models.Turn
	for _, msg := range c.sortedLocked() {
		if msg.Role != models.RoleAssistant || msg.Provider != provider || msg.Ordinal == 0 {
			continue
		}
		if msg.State.Kind() != models.StateFinal || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		prompt, ok := prompts[msg.DispatchID]
		if !ok {
			continue
		}
		turns = append(turns,
			models.Turn{Role: models.RoleUser, Content: prompt.Content},
			models.Turn{Role: models.RoleAssistant, Content: msg.Content},
		)
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
		if turns[0].Role != models.RoleUser {
			turns = turns[1:]
		}
	}
	return turns
}

func (c *Conversation) insert(msg *models.Message) {
	c.messages[msg.ID] = msg
	c.order = append(c.order, msg.ID)
}

func (c *Conversation) sortedLocked() []models.Message {
	out := make([]models.Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.messages[id])
	}
	sortMessages(out, c.order)
	return out
}

func sortMessages(msgs []models.Message, order []string) {
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		switch {
		case a.Ordinal == 0 && b.Ordinal == 0:
			return rank[a.ID] < rank[b.ID]
		case a.Ordinal == 0:
			return false
		case b.Ordinal == 0:
			return true
		default:
			return a.Ordinal < b.Ordinal
		}
	})
}

func makeTitle(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= titleLength {
		return text
	}
	return string([]rune(text)[:titleLength])
}
