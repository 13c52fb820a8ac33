package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"polychat/internal/conversation"
	"polychat/internal/models"
	"polychat/internal/roles"
	"polychat/internal/store/sqlite"
)

func mustOpen(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "polychat.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(id, owner string, updated time.Time) conversation.Record {
	return conversation.Record{
		ID:        id,
		Owner:     owner,
		Title:     "Summarize photosynthesis",
		Settings:  conversation.Settings{GlobalContext: "biology class", Roles: map[string]roles.Role{"gpt-5.2": roles.Skeptic}},
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
		Messages: []models.Message{
			{ID: id + "-p1", DispatchID: "d1", Role: models.RoleUser, Provider: models.UserProvider, Content: "Summarize photosynthesis", Ordinal: 1, State: models.Final()},
			{ID: id + "-g1", DispatchID: "d1", Role: models.RoleAssistant, Provider: "gpt-5.2", Content: "Light to sugar.", Ordinal: 2, State: models.Final()},
			{ID: id + "-c1", DispatchID: "d1", Role: models.RoleAssistant, Provider: "claude-sonnet-4-5", Ordinal: 3, State: models.Failed(models.NewProviderError(models.ErrorKindRateLimit, "slow down"))},
			{ID: id + "-x1", DispatchID: "d2", Role: models.RoleAssistant, Provider: "grok-3", Content: "Hello wor", State: models.Streaming()},
		},
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := sqlite.MigrateUp(db); err != nil {
			t.Fatalf("MigrateUp() run %d error = %v", i+1, err)
		}
	}
	version, err := sqlite.MigrationVersion(db)
	if err != nil || version != 1 {
		t.Fatalf("version = %d, err = %v", version, err)
	}
}

func TestNewDBRequiresParentDirectory(t *testing.T) {
	t.Parallel()

	if _, err := sqlite.NewDB(filepath.Join(t.TempDir(), "missing", "x.db")); err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}

func TestSaveAndLoadConversation(t *testing.T) {
	t.Parallel()

	store := mustOpen(t)
	ctx := context.Background()
	rec := sampleRecord("c1", "alice", time.Now())

	if err := store.SaveConversation(ctx, rec); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}
	// A second save replaces the snapshot instead of duplicating messages.
	if err := store.SaveConversation(ctx, rec); err != nil {
		t.Fatalf("SaveConversation() second run error = %v", err)
	}

	got, err := store.LoadConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadConversation() error = %v", err)
	}
	if got.Owner != "alice" || got.Title != rec.Title || got.Settings.Roles["gpt-5.2"] != roles.Skeptic {
		t.Fatalf("record = %+v", got)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(got.Messages))
	}
	failed := got.Messages[2]
	if failed.State.Kind() != models.StateFinalWithError || failed.State.Failure().Kind != models.ErrorKindRateLimit {
		t.Fatalf("failed message state = %+v", failed.State)
	}
	if got.Messages[3].State.Kind() != models.StateStreaming || got.Messages[3].Content != "Hello wor" {
		t.Fatalf("streaming message = %+v", got.Messages[3])
	}

	restored := conversation.Restore(got)
	if restored.NextOrdinal() != 4 {
		t.Fatalf("restored next ordinal = %d", restored.NextOrdinal())
	}

	if _, err := store.LoadConversation(ctx, "nope"); !errors.Is(err, models.ErrConversationNotFound) {
		t.Fatalf("missing load err = %v", err)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	t.Parallel()

	store := mustOpen(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new", "mid"} {
		offset := map[string]time.Duration{"old": 0, "new": 2 * time.Hour, "mid": time.Hour}[id]
		if err := store.SaveConversation(ctx, sampleRecord(id, "alice", base.Add(offset))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if err := store.SaveConversation(ctx, sampleRecord("other", "bob", base)); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListConversations(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "new" || list[1].ID != "mid" || list[2].ID != "old" {
		t.Fatalf("list = %+v", list)
	}
	if list[0].MessageCount != 4 {
		t.Fatalf("message count = %d", list[0].MessageCount)
	}

	limited, err := store.ListConversations(ctx, "alice", 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited = %d, err = %v", len(limited), err)
	}
}

func TestDeleteConversationChecksOwner(t *testing.T) {
	t.Parallel()

	store := mustOpen(t)
	ctx := context.Background()
	if err := store.SaveConversation(ctx, sampleRecord("c1", "alice", time.Now())); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteConversation(ctx, "bob", "c1"); !errors.Is(err, models.ErrConversationNotFound) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if err := store.DeleteConversation(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadConversation(ctx, "c1"); !errors.Is(err, models.ErrConversationNotFound) {
		t.Fatalf("load after delete err = %v", err)
	}
	if _, err := store.SetFeedback(ctx, "alice", "c1-g1", "up"); !errors.Is(err, models.ErrMessageNotFound) {
		t.Fatalf("messages must be removed with the conversation, err = %v", err)
	}
}

func TestSetFeedback(t *testing.T) {
	t.Parallel()

	store := mustOpen(t)
	ctx := context.Background()
	if err := store.SaveConversation(ctx, sampleRecord("c1", "alice", time.Now())); err != nil {
		t.Fatal(err)
	}

	convID, err := store.SetFeedback(ctx, "alice", "c1-g1", "up")
	if err != nil || convID != "c1" {
		t.Fatalf("SetFeedback() = %q, %v", convID, err)
	}
	if _, err := store.SetFeedback(ctx, "bob", "c1-g1", "down"); !errors.Is(err, models.ErrMessageNotFound) {
		t.Fatalf("foreign feedback err = %v", err)
	}

	rec, err := store.LoadConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Messages[1].Feedback != "up" {
		t.Fatalf("feedback = %q", rec.Messages[1].Feedback)
	}
}

func TestKeysAndResolver(t *testing.T) {
	t.Parallel()

	store := mustOpen(t)
	ctx := context.Background()

	if err := store.PutKey(ctx, "alice", models.VendorGPT, "sk-alice-0123456789"); err != nil {
		t.Fatal(err)
	}
	if err := store.PutKey(ctx, "alice", models.VendorClaude, sqlite.UniversalKey); err != nil {
		t.Fatal(err)
	}

	resolver := sqlite.NewResolver(store, "shared-key", map[models.Vendor]string{models.VendorGemini: "config-gemini"})

	tests := []struct {
		name   string
		user   string
		vendor models.Vendor
		want   models.Credentials
	}{
		{"own key", "alice", models.VendorGPT, models.Credentials{APIKey: "sk-alice-0123456789"}},
		{"universal", "alice", models.VendorClaude, models.Credentials{APIKey: "shared-key", Universal: true}},
		{"config fallback", "alice", models.VendorGemini, models.Credentials{APIKey: "config-gemini"}},
		{"nothing configured", "bob", models.VendorGrok, models.Credentials{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.Resolve(ctx, tt.user, tt.vendor)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}

	noShared := sqlite.NewResolver(store, "", nil)
	if _, err := noShared.Resolve(ctx, "alice", models.VendorClaude); err == nil {
		t.Fatal("expected error for universal key without a shared key")
	}

	if err := store.RemoveKey(ctx, "alice", models.VendorGPT); err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[models.VendorClaude] != sqlite.UniversalKey {
		t.Fatalf("keys = %v", keys)
	}
}

func TestMask(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"sk-abcdefgh12345678": "sk-abcde...5678",
		sqlite.UniversalKey:   sqlite.UniversalKey,
		"short":               "***",
	}
	for in, want := range tests {
		if got := sqlite.Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
