// Package session keeps the live conversation ledgers of the server. Conversations that
// are not in memory are rehydrated from the store on first access.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"polychat/internal/conversation"
	"polychat/internal/eventbus"
	"polychat/internal/models"
)

// Loader reads persisted conversations. It returns models.ErrConversationNotFound for
// unknown ids.
type Loader interface {
	LoadConversation(ctx context.Context, id string) (conversation.Record, error)
}

// Change is published on eventbus.TopicConversationChanged after a mutation outside a
// dispatch (settings, feedback).
type Change struct {
	ConversationID string
	UserID         string
	Record         conversation.Record
}

// Manager owns the in-memory ledgers.
type Manager struct {
	mu     sync.Mutex
	convs  map[string]*conversation.Conversation
	loader Loader
	bus    eventbus.EventBus
	newID  func() string
	logger *slog.Logger
}

// Options configure a Manager.
type Options struct {
	Loader Loader
	Bus    eventbus.EventBus
	NewID  func() string
	Logger *slog.Logger
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		convs:  make(map[string]*conversation.Conversation),
		loader: opts.Loader,
		bus:    opts.Bus,
		newID:  opts.NewID,
		logger: opts.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Open returns the conversation id for userID. An empty id starts a new conversation; an
// id that exists nowhere starts a new conversation under that id. A conversation owned
// by another user is reported as not found.
func (m *Manager) Open(ctx context.Context, userID, id string) (*conversation.Conversation, error) {
	if id == "" {
		if m.newID == nil {
			return nil, errors.New("session: no id generator configured")
		}
		id = m.newID()
	}

	conv, err := m.lookup(ctx, id)
	switch {
	case errors.Is(err, models.ErrConversationNotFound):
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.convs[id]; ok {
			return owned(existing, userID)
		}
		conv = conversation.New(id, userID)
		m.convs[id] = conv
		m.logger.Debug("conversation opened", "conversation_id", id, "user_id", userID)
		return conv, nil
	case err != nil:
		return nil, err
	}
	return owned(conv, userID)
}

// Get returns an existing conversation of userID.
func (m *Manager) Get(ctx context.Context, userID, id string) (*conversation.Conversation, error) {
	if id == "" {
		return nil, models.ErrConversationNotFound
	}
	conv, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return owned(conv, userID)
}

// Forget drops a conversation from memory, as after deletion.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, id)
}

// Len returns the number of conversations in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// Changed announces a non-dispatch mutation of conv so that it gets persisted.
func (m *Manager) Changed(conv *conversation.Conversation, userID string) {
	if m.bus == nil {
		return
	}
	change := Change{ConversationID: conv.ID(), UserID: userID, Record: conv.Record()}
	if !m.bus.Publish(eventbus.TopicConversationChanged, change) {
		m.logger.Warn("conversation change dropped", "conversation_id", conv.ID())
	}
}

func (m *Manager) lookup(ctx context.Context, id string) (*conversation.Conversation, error) {
	m.mu.Lock()
	conv, ok := m.convs[id]
	m.mu.Unlock()
	if ok {
		return conv, nil
	}
	if m.loader == nil {
		return nil, models.ErrConversationNotFound
	}

	rec, err := m.loader.LoadConversation(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.convs[id]; ok {
		return existing, nil
	}
	conv = conversation.Restore(rec)
	m.convs[id] = conv
	m.logger.Debug("conversation restored", "conversation_id", id, "messages", len(rec.Messages))
	return conv, nil
}

func owned(conv *conversation.Conversation, userID string) (*conversation.Conversation, error) {
	if conv.Owner() != userID {
		return nil, models.ErrConversationNotFound
	}
	return conv, nil
}
