// Package storagetest runs the behavior every storage.Store must share.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/cardsync/internal/storage"
)

// Run exercises store contracts against fresh stores from newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("Cards", func(t *testing.T) { testCards(t, newStore(t)) })
	t.Run("Annotations", func(t *testing.T) { testAnnotations(t, newStore(t)) })
}

func testSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateSession(ctx, storage.Session{ID: "s1", Title: "first", CreatedAt: base, UpdatedAt: base}))
	require.NoError(t, s.CreateSession(ctx, storage.Session{ID: "s2", Title: "second", CreatedAt: base, UpdatedAt: base.Add(time.Minute)}))
	require.Error(t, s.CreateSession(ctx, storage.Session{ID: "s1", CreatedAt: base, UpdatedAt: base}))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "first", got.Title)
	require.True(t, got.CreatedAt.Equal(base))

	_, err = s.GetSession(ctx, "missing")
	require.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	got.IsFavorite = true
	got.UpdatedAt = base.Add(2 * time.Minute)
	require.NoError(t, s.UpdateSession(ctx, got))

	list, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "s1", list[0].ID, "most recently updated first")
	require.True(t, list[0].IsFavorite)

	err = s.UpdateSession(ctx, storage.Session{ID: "ghost", UpdatedAt: base})
	require.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	limited, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func testMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.CreateSession(ctx, storage.Session{ID: "s1", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateSession(ctx, storage.Session{ID: "s2", CreatedAt: now, UpdatedAt: now}))

	for i, text := range []string{"buy BTC", "<card id=\"abc\" type=\"create-trade\"/>", "thanks"} {
		role := storage.RoleUser
		if i%2 == 1 {
			role = storage.RoleAssistant
		}
		require.NoError(t, s.AppendMessage(ctx, storage.Message{
			ID: "m" + string(rune('a'+i)), SessionID: "s1", Role: role, Text: text, CreatedAt: now,
		}))
	}
	require.NoError(t, s.AppendMessage(ctx, storage.Message{ID: "other", SessionID: "s2", Role: storage.RoleUser, Text: "x", CreatedAt: now}))

	msgs, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "buy BTC", msgs[0].Text)
	require.Equal(t, storage.RoleAssistant, msgs[1].Role)
	require.Equal(t, "thanks", msgs[2].Text)
}

func testCards(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertCard(ctx, "s1", storage.Card{
		ID: "panel-a", Type: "create-trade", Status: "active", Payload: map[string]any{"symbol": "BTC"}, CreatedAt: created,
	}))
	require.NoError(t, s.UpsertCard(ctx, "s1", storage.Card{ID: "panel-b", Type: "bot", Status: "active"}))
	require.NoError(t, s.UpsertCard(ctx, "s2", storage.Card{ID: "panel-a", Type: "bot", Status: "active"}))

	require.NoError(t, s.UpsertCard(ctx, "s1", storage.Card{
		ID: "panel-a", Type: "trade-position", Status: "archived", IsFavorite: true, Payload: map[string]any{"symbol": "ETH"},
	}))

	cards, err := s.ListCards(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	require.Equal(t, "panel-a", cards[0].ID, "upsert keeps original order")
	require.Equal(t, "trade-position", cards[0].Type)
	require.Equal(t, "archived", cards[0].Status)
	require.True(t, cards[0].IsFavorite)
	require.Equal(t, "ETH", cards[0].Payload["symbol"])
	require.True(t, cards[0].CreatedAt.Equal(created), "created_at survives upsert, got %v", cards[0].CreatedAt)

	require.NoError(t, s.DeleteCard(ctx, "s1", "panel-a"))
	require.NoError(t, s.DeleteCard(ctx, "s1", "panel-a"), "delete is idempotent")

	cards, err = s.ListCards(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	require.Equal(t, "panel-b", cards[0].ID)

	other, err := s.ListCards(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, other, 1, "cards are session scoped")
}

func testAnnotations(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveAnnotation(ctx, storage.Annotation{ID: "a1", SessionID: "s1", Kind: "trendline", Data: json.RawMessage(`{"x":1}`), CreatedAt: now}))
	require.NoError(t, s.SaveAnnotation(ctx, storage.Annotation{ID: "a1", SessionID: "s1", Kind: "trendline", Data: json.RawMessage(`{"x":2}`), CreatedAt: now}))
	require.NoError(t, s.SaveAnnotationTag(ctx, storage.AnnotationTag{ID: "t1", SessionID: "s1", Name: "support", CreatedAt: now}))
	require.NoError(t, s.SaveAnnotationTag(ctx, storage.AnnotationTag{ID: "t2", SessionID: "s2", Name: "other", CreatedAt: now}))

	anns, err := s.ListAnnotations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, anns, 1)
	require.JSONEq(t, `{"x":2}`, string(anns[0].Data))

	tags, err := s.ListAnnotationTags(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, "support", tags[0].Name)
}
