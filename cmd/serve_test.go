package cmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"polychat/internal/conversation"
	"polychat/internal/eventbus"
	"polychat/internal/session"
)

type memorySaver struct {
	mu    sync.Mutex
	saved []conversation.Record
}

func (m *memorySaver) SaveConversation(_ context.Context, rec conversation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, rec)
	return nil
}

// drainingServer publishes a snapshot only after its context is canceled, the way a
// streaming handler finishing during graceful shutdown does.
type drainingServer struct {
	bus *eventbus.Bus
}

func (d drainingServer) Run(ctx context.Context) error {
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	d.bus.Publish(eventbus.TopicConversationChanged, session.Change{
		ConversationID: "c1",
		Record:         conversation.Record{ID: "c1", UpdatedAt: time.Now()},
	})
	return nil
}

func TestRunServicesSavesSnapshotsPublishedDuringShutdown(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	saver := &memorySaver{}
	persister := session.NewPersister(bus, saver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServices(ctx, drainingServer{bus: bus}, persister, bus) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServices: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runServices did not return after the bus closed")
	}

	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.saved) != 1 || saver.saved[0].ID != "c1" {
		t.Fatalf("saved = %+v", saver.saved)
	}
}
