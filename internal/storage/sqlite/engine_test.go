package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stellarlinkco/cardsync/internal/storage"
	"github.com/stellarlinkco/cardsync/internal/storage/storagetest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(filepath.Join(t.TempDir(), "cardsync.db"))
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return newTestEngine(t) })
}

func TestNewEngine_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cardsync.db")

	e, err := NewEngine(dbPath)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	ctx := context.Background()
	if err := e.UpsertCard(ctx, "s1", storage.Card{ID: "panel-a", Type: "bot", Status: "active"}); err != nil {
		t.Fatalf("UpsertCard error: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Idempotent reopen against the same path.
	e2, err := NewEngine(dbPath)
	if err != nil {
		t.Fatalf("NewEngine reopen error: %v", err)
	}
	defer e2.Close()

	cards, err := e2.ListCards(ctx, "s1")
	if err != nil {
		t.Fatalf("ListCards error: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("len(cards) = %d, want 1", len(cards))
	}
}

func TestInitSchema(t *testing.T) {
	e := newTestEngine(t)

	for _, table := range []string{"sessions", "messages", "cards", "annotations", "annotation_tags"} {
		var n int
		err := e.db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			t.Fatalf("query sqlite_master: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}

	var version int
	if err := e.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("user_version = %d, want %d", version, schemaVersion)
	}
}

func TestCheckpoint(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint error: %v", err)
	}
}
