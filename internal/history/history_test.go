package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/display-relay/internal/infrastructure/database"
	_ "github.com/nerrad567/display-relay/migrations"
)

func newTestRepo(t *testing.T, maxEntries int) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB, maxEntries)
}

func entry(nick, msg string) *Entry {
	return &Entry{
		Nickname:    nick,
		Message:     msg,
		DisplayText: nick + ": " + msg,
		Topic:       "display/message",
	}
}

func TestNewSQLiteRepository_DefaultMax(t *testing.T) {
	repo := NewSQLiteRepository(nil, 0)
	if repo.MaxEntries() != DefaultMaxEntries {
		t.Errorf("MaxEntries() = %d, want %d", repo.MaxEntries(), DefaultMaxEntries)
	}
}

func TestAdd_FillsDefaults(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	e := entry("alice", "hi")
	if err := repo.Add(ctx, e); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("ID = %q, want a full UUID: %v", e.ID, err)
	}
	if e.Source != "api" {
		t.Errorf("Source = %q, want api", e.Source)
	}
	if e.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestAdd_RejectsEmpty(t *testing.T) {
	repo := newTestRepo(t, 10)

	if err := repo.Add(context.Background(), &Entry{Nickname: "x"}); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Add() error = %v, want ErrInvalidEntry", err)
	}
	if err := repo.Add(context.Background(), nil); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Add(nil) error = %v, want ErrInvalidEntry", err)
	}
}

func TestList_OldestFirst(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	created := time.Date(2026, 10, 19, 12, 0, 0, 123456789, time.UTC)
	first := entry("alice", "hi")
	first.CreatedAt = created
	if err := repo.Add(ctx, first); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := repo.Add(ctx, entry("bob", "yo")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	entries, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	if entries[0].DisplayText != "alice: hi" || entries[1].DisplayText != "bob: yo" {
		t.Errorf("List() order = [%q, %q], want [alice: hi, bob: yo]",
			entries[0].DisplayText, entries[1].DisplayText)
	}
	if !entries[0].CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", entries[0].CreatedAt, created)
	}
	if entries[0].Topic != "display/message" {
		t.Errorf("Topic = %q, want display/message", entries[0].Topic)
	}
}

func TestList_EmptyIsNotNil(t *testing.T) {
	repo := newTestRepo(t, 10)

	entries, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if entries == nil {
		t.Error("List() = nil, want empty slice")
	}
}

func TestAdd_PrunesOldest(t *testing.T) {
	repo := newTestRepo(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := repo.Add(ctx, entry("n", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Add(%d) error = %v", i, err)
		}
	}

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Count() = %d, want 3", n)
	}

	entries, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if entries[i].Message != want {
			t.Errorf("entries[%d].Message = %q, want %q", i, entries[i].Message, want)
		}
	}
}

func TestClear(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	for _, nick := range []string{"a", "b", "c"} {
		if err := repo.Add(ctx, entry(nick, "x")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	removed, err := repo.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("Clear() = %d, want 3", removed)
	}

	n, _ := repo.Count(ctx)
	if n != 0 {
		t.Errorf("Count() after Clear = %d, want 0", n)
	}
}

func TestAdd_IDsUnique(t *testing.T) {
	repo := newTestRepo(t, 500)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		e := entry("alice", fmt.Sprintf("hi %d", i))
		if err := repo.Add(ctx, e); err != nil {
			t.Fatalf("Add() #%d error = %v", i, err)
		}
		if seen[e.ID] {
			t.Fatalf("duplicate ID %q", e.ID)
		}
		seen[e.ID] = true
	}
}
