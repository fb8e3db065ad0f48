package processor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/cardsync/internal/bus"
	"github.com/stellarlinkco/cardsync/internal/cardid"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/panel"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDo(t *testing.T) {
	p, store, _, _ := newProcessor(t)
	p.Process([]bus.UIEvent{create("a", "bot"), create("panel-a", "bot")})

	tests := []struct {
		name   string
		action bus.Action
		check  func(t *testing.T)
	}{
		{"favorite", bus.Action{Name: ActionFavorite, CardID: "a"}, func(t *testing.T) {
			require.Len(t, store.Favorites(), 2)
		}},
		{"unfavorite via panel id", bus.Action{Name: ActionUnfavorite, CardID: "panel-a"}, func(t *testing.T) {
			require.Empty(t, store.Favorites())
		}},
		{"update", bus.Action{Name: ActionUpdatePayload, CardID: "a", Payload: map[string]any{"status": "running"}}, func(t *testing.T) {
			for _, c := range store.Twins("a") {
				require.Equal(t, "running", c.Payload["status"])
			}
		}},
		{"transform", bus.Action{Name: ActionTransform, CardID: "a", CardType: "bot-status", Payload: map[string]any{"pnl": 3}}, func(t *testing.T) {
			for _, c := range store.Twins("a") {
				require.Equal(t, "bot-status", c.Type)
				require.Equal(t, map[string]any{"pnl": 3}, c.Payload)
			}
		}},
		{"archive", bus.Action{Name: ActionArchive, CardID: "panel-a"}, func(t *testing.T) {
			require.Len(t, store.Archived(), 2)
		}},
		{"hide", bus.Action{Name: ActionHide, CardID: "a"}, func(t *testing.T) {
			require.Empty(t, store.Archived())
			require.True(t, store.Contains("a"))
		}},
		{"delete", bus.Action{Name: ActionDelete, CardID: "a"}, func(t *testing.T) {
			require.False(t, store.Contains("a"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, p.Do(tt.action))
			tt.check(t)
		})
	}
}

func TestDo_Errors(t *testing.T) {
	p, _, _, _ := newProcessor(t)
	require.ErrorIs(t, p.Do(bus.Action{Name: "explode", CardID: "a"}), ErrUnknownAction)
	require.Error(t, p.Do(bus.Action{Name: ActionArchive}))
	require.Error(t, p.Do(bus.Action{Name: ActionTransform, CardID: "a"}))
	require.NoError(t, p.Do(bus.Action{Name: ActionArchive, CardID: "ghost"}), "unknown id is a no-op")
}

func TestPromote(t *testing.T) {
	p, store, reveals, mirror := newProcessor(t)
	require.True(t, p.Apply(bus.UIEvent{Type: bus.EventCreate, CardID: "t1", CardType: "create-trade", Payload: map[string]any{"symbol": "ETH"}}))
	require.True(t, p.Favorite("t1"))

	require.NoError(t, p.Do(bus.Action{Name: ActionPromote, CardID: "t1"}))

	got, ok := store.Get(cardid.PanelID("t1"))
	require.True(t, ok)
	require.Equal(t, "create-trade", got.Type)
	require.True(t, got.IsFavorite)
	require.Equal(t, "ETH", got.Payload["symbol"])
	require.Equal(t, reveal{Surface: "panel", Panel: panel.TradePositions, ID: "panel-t1"}, (*reveals)[1])

	last := mirror.changes[len(mirror.changes)-1]
	require.Equal(t, cardstore.OpCreate, last.Op)
	require.NotNil(t, last.Panel)

	require.ErrorIs(t, p.Promote("t1"), cardstore.ErrTwinExists)
	require.ErrorIs(t, p.Promote("ghost"), ErrNoInlineCard)
}

func TestPromote_Singleton(t *testing.T) {
	p, _, _, _ := newProcessor(t)
	p.Process([]bus.UIEvent{
		create("panel-s1", panel.TypePortfolioOverview),
		create("s2", panel.TypePortfolioOverview),
	})
	require.ErrorIs(t, p.Promote("s2"), ErrSingletonActive)
}

func TestPromote_ArchivedKeepsStatus(t *testing.T) {
	p, store, reveals, _ := newProcessor(t)
	require.True(t, p.Apply(create("t1", "create-trade")))
	require.True(t, p.Archive("t1"))

	require.NoError(t, p.Promote("t1"))

	inline, _ := store.Get(cardid.InlineID("t1"))
	promoted, ok := store.Get(cardid.PanelID("t1"))
	require.True(t, ok)
	require.Equal(t, inline.Status, promoted.Status)
	require.Equal(t, cardstore.StatusArchived, promoted.Status)
	require.Empty(t, store.Active())
	require.Equal(t, []string{"t1", "panel-t1"}, ids(store.Archived()))
	require.Len(t, *reveals, 2)
}

func TestPromote_DoubleMarkedID(t *testing.T) {
	p, _, _, _ := newProcessor(t)
	require.ErrorIs(t, p.Promote("panel-panel-t1"), ErrNoInlineCard)
}
