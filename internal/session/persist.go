package session

import (
	"context"
	"log/slog"
	"time"

	"polychat/internal/conversation"
	"polychat/internal/dispatch"
	"polychat/internal/eventbus"
)

// Saver writes conversation snapshots.
type Saver interface {
	SaveConversation(ctx context.Context, rec conversation.Record) error
}

// Persister is the single writer of conversation snapshots. It saves every record
// published by the dispatcher and the manager.
type Persister struct {
	saver  Saver
	logger *slog.Logger
	topics []<-chan eventbus.Event
	latest map[string]time.Time
}

// NewPersister subscribes to bus immediately so no snapshot published after it returns
// is missed.
func NewPersister(bus eventbus.EventBus, saver Saver, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		saver:  saver,
		logger: logger,
		topics: []<-chan eventbus.Event{
			bus.Subscribe(eventbus.TopicDispatchCompleted),
			bus.Subscribe(eventbus.TopicDispatchCanceled),
			bus.Subscribe(eventbus.TopicConversationChanged),
		},
		latest: make(map[string]time.Time),
	}
}

// Run saves snapshots until ctx is done or the bus is closed and drained. A snapshot
// older than the last one saved for the same conversation is skipped, since topics are
// not ordered relative to each other. Save failures are logged and do not stop the loop.
func (p *Persister) Run(ctx context.Context) error {
	completed, canceled, changed := p.topics[0], p.topics[1], p.topics[2]
	for completed != nil || canceled != nil || changed != nil {
		var (
			evt eventbus.Event
			ok  bool
		)
		select {
		case <-ctx.Done():
			return nil
		case evt, ok = <-completed:
			if !ok {
				completed = nil
				continue
			}
		case evt, ok = <-canceled:
			if !ok {
				canceled = nil
				continue
			}
		case evt, ok = <-changed:
			if !ok {
				changed = nil
				continue
			}
		}

		rec, found := recordOf(evt.Payload)
		if !found {
			p.logger.Warn("unexpected event payload", "topic", evt.Topic)
			continue
		}
		p.save(ctx, rec)
	}
	return nil
}

func (p *Persister) save(ctx context.Context, rec conversation.Record) {
	if last, ok := p.latest[rec.ID]; ok && rec.UpdatedAt.Before(last) {
		p.logger.Debug("stale snapshot skipped", "conversation_id", rec.ID)
		return
	}
	if err := p.saver.SaveConversation(ctx, rec); err != nil {
		p.logger.Error("save conversation", "conversation_id", rec.ID, "error", err)
		return
	}
	p.latest[rec.ID] = rec.UpdatedAt
}

func recordOf(payload any) (conversation.Record, bool) {
	switch v := payload.(type) {
	case dispatch.Notice:
		return v.Record, true
	case Change:
		return v.Record, true
	}
	return conversation.Record{}, false
}
