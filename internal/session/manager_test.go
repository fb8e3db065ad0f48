package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarlinkco/cardsync/internal/bus"
	"github.com/stellarlinkco/cardsync/internal/cardid"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/hydrate"
	"github.com/stellarlinkco/cardsync/internal/persist"
	"github.com/stellarlinkco/cardsync/internal/processor"
	"github.com/stellarlinkco/cardsync/internal/storage"
	"github.com/stellarlinkco/cardsync/internal/storage/memory"
	"github.com/stellarlinkco/cardsync/internal/tombstone"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.SessionChanged
}

func (p *recordingPublisher) PublishSession(ev bus.SessionChanged) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// gatedStore blocks ListCards until gate is closed, once armed.
type gatedStore struct {
	*memory.Store
	armed   bool
	gate    chan struct{}
	waiting chan struct{}
}

func (s *gatedStore) ListCards(ctx context.Context, sessionID string) ([]storage.Card, error) {
	if s.armed {
		close(s.waiting)
		<-s.gate
	}
	return s.Store.ListCards(ctx, sessionID)
}

type failingStore struct{ *memory.Store }

func (s failingStore) ListAnnotations(ctx context.Context, sessionID string) ([]storage.Annotation, error) {
	return nil, errors.New("annotations offline")
}

func seed(t *testing.T, st storage.Store, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateSession(ctx, storage.Session{ID: id, Title: id, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, st.AppendMessage(ctx, storage.Message{ID: id + "-m", SessionID: id, Role: storage.RoleUser, Text: "hi " + id, CreatedAt: now}))
	require.NoError(t, st.UpsertCard(ctx, id, storage.Card{ID: "panel-" + id + "-card", Type: "bot", Status: "active"}))
	require.NoError(t, st.SaveAnnotation(ctx, storage.Annotation{ID: id + "-a", SessionID: id, Kind: "line", Data: json.RawMessage(`{}`), CreatedAt: now}))
	require.NoError(t, st.SaveAnnotationTag(ctx, storage.AnnotationTag{ID: id + "-t", SessionID: id, Name: "tag", CreatedAt: now}))
}

// consistent reports whether every part of snap belongs to one session.
func consistent(snap Snapshot) error {
	id := snap.Session.ID
	for _, m := range snap.Messages {
		if m.SessionID != id {
			return fmt.Errorf("message from %s in view of %s", m.SessionID, id)
		}
	}
	for _, a := range snap.Annotations {
		if a.SessionID != id {
			return fmt.Errorf("annotation from %s in view of %s", a.SessionID, id)
		}
	}
	for _, tg := range snap.AnnotationTags {
		if tg.SessionID != id {
			return fmt.Errorf("tag from %s in view of %s", tg.SessionID, id)
		}
	}
	for _, c := range snap.Cards.Active {
		if c.BaseID() != id+"-card" {
			return fmt.Errorf("card %s in view of %s", c.ID, id)
		}
	}
	return nil
}

func TestLoadSession_NoTornView(t *testing.T) {
	st := &gatedStore{Store: memory.New(), gate: make(chan struct{}), waiting: make(chan struct{})}
	seed(t, st, "a")
	seed(t, st, "b")

	pub := &recordingPublisher{}
	m := NewManager(st, cardstore.New(), WithPublisher(pub), WithLogger(zaptest.NewLogger(t)))
	_, err := m.LoadSession(context.Background(), "a")
	require.NoError(t, err)

	st.armed = true
	done := make(chan error, 1)
	go func() {
		_, err := m.LoadSession(context.Background(), "b")
		done <- err
	}()
	<-st.waiting

	// Messages, annotations and tags for b have arrived; cards have not.
	time.Sleep(20 * time.Millisecond)
	snap := m.View()
	require.Equal(t, "a", snap.Session.ID)
	require.NoError(t, consistent(snap))
	require.Len(t, snap.Messages, 1)

	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				readerErr <- nil
				return
			default:
			}
			if err := consistent(m.View()); err != nil {
				readerErr <- err
				return
			}
		}
	}()

	close(st.gate)
	require.NoError(t, <-done)
	close(stop)
	require.NoError(t, <-readerErr)

	snap = m.View()
	require.Equal(t, "b", snap.Session.ID)
	require.NoError(t, consistent(snap))
	require.Len(t, snap.Cards.Active, 1)
	require.Len(t, snap.Annotations, 1)
	require.Len(t, snap.AnnotationTags, 1)

	require.Equal(t, []bus.SessionChanged{{Previous: "", Current: "a"}, {Previous: "a", Current: "b"}}, pub.events)
}

func TestLoadSession_FetchErrorKeepsCurrent(t *testing.T) {
	base := memory.New()
	seed(t, base, "a")
	seed(t, base, "b")

	m := NewManager(base, cardstore.New())
	_, err := m.LoadSession(context.Background(), "a")
	require.NoError(t, err)

	broken := NewManager(failingStore{base}, cardstore.New())
	_, err = broken.LoadSession(context.Background(), "b")
	require.ErrorContains(t, err, "annotations offline")
	require.Empty(t, broken.ActiveSessionID())
	require.Empty(t, broken.View().Cards.Active)

	_, err = m.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, "a", m.ActiveSessionID())
}

func TestCreateSession(t *testing.T) {
	st := memory.New()
	pub := &recordingPublisher{}
	cards := cardstore.New()
	require.NoError(t, cards.AddCard(cardstore.Card{ID: cardid.InlineID("old"), Type: "bot"}))

	m := NewManager(st, cards, WithPublisher(pub), WithTitleMaxLen(10))
	rec, err := m.CreateSession(context.Background(), "<b>buy</b>   BTC   at market price")
	require.NoError(t, err)
	require.Equal(t, "buy BTC at...", rec.Title)
	require.NotEmpty(t, rec.ID)

	require.Equal(t, rec.ID, m.ActiveSessionID())
	require.Zero(t, cards.Len(), "new session starts empty")

	stored, err := st.GetSession(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.Title, stored.Title)
	require.Len(t, pub.events, 1)
}

func TestAppendMessage(t *testing.T) {
	st := memory.New()
	m := NewManager(st, cardstore.New())
	ctx := context.Background()

	_, err := m.AppendMessage(ctx, storage.RoleAssistant, "hello")
	require.ErrorIs(t, err, ErrNoActiveSession)

	first, err := m.AppendMessage(ctx, storage.RoleUser, "buy BTC")
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)
	_, err = m.AppendMessage(ctx, storage.RoleAssistant, "ok")
	require.NoError(t, err)

	snap := m.View()
	require.Equal(t, "buy BTC", snap.Session.Title)
	require.Len(t, snap.Messages, 2)

	msgs, err := st.ListMessages(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestSessionFlagsAndAnnotations(t *testing.T) {
	st := memory.New()
	m := NewManager(st, cardstore.New())
	ctx := context.Background()

	_, err := m.SaveAnnotation(ctx, "line", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNoActiveSession)
	_, err = m.SaveAnnotationTag(ctx, "x", "")
	require.ErrorIs(t, err, ErrNoActiveSession)

	rec, err := m.CreateSession(ctx, "chart")
	require.NoError(t, err)

	fav, err := m.SetFavorite(ctx, rec.ID, true)
	require.NoError(t, err)
	require.True(t, fav.IsFavorite)
	arch, err := m.SetArchived(ctx, rec.ID, true)
	require.NoError(t, err)
	require.True(t, arch.IsArchived)
	require.True(t, m.View().Session.IsFavorite)

	_, err = m.SetFavorite(ctx, "ghost", true)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = m.SaveAnnotation(ctx, "trendline", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	_, err = m.SaveAnnotationTag(ctx, "support", "#0f0")
	require.NoError(t, err)
	snap := m.View()
	require.Len(t, snap.Annotations, 1)
	require.Len(t, snap.AnnotationTags, 1)

	list, err := m.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

// The full lifecycle: create from a stream, delete, reload. The deleted card
// must not come back from the message text.
func TestScenario_DeletedCardStaysDeleted(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	remote := memory.New()
	reg := tombstone.New(filepath.Join(t.TempDir(), "tombstones.json"), logger)
	cards := cardstore.New(cardstore.WithTombstones(reg), cardstore.WithLogger(logger))
	mgr := NewManager(remote, cards, WithHydrator(hydrate.New(reg, logger)), WithLogger(logger))
	syncer := persist.New(remote, mgr.ActiveSessionID, logger, persist.Options{})
	cards.SetMirror(syncer)
	proc := processor.New(cards, processor.WithLogger(logger))

	user, err := mgr.AppendMessage(ctx, storage.RoleUser, "buy BTC")
	require.NoError(t, err)
	require.True(t, proc.Apply(bus.UIEvent{
		Type: bus.EventCreate, CardID: "abc123", CardType: "create-trade", Payload: map[string]any{"symbol": "BTC"},
	}))
	require.True(t, proc.Apply(bus.UIEvent{
		Type: bus.EventCreate, CardID: "keep", CardType: "price-alert", Payload: map[string]any{},
	}))
	_, err = mgr.AppendMessage(ctx, storage.RoleAssistant, `Placing it. <card id="abc123" type="create-trade"/> <card id="keep" type="price-alert"/>`)
	require.NoError(t, err)

	active := cards.Active()
	require.Len(t, active, 2)
	require.Equal(t, "abc123", active[0].BaseID())
	require.False(t, active[0].ID.IsPanel(), "inline only")

	proc.Delete("abc123")
	require.True(t, reg.IsDeleted("abc123"))
	syncer.Wait()

	snap, err := mgr.LoadSession(ctx, user.SessionID)
	require.NoError(t, err)
	require.Len(t, snap.Cards.Active, 1)
	require.Equal(t, "keep", snap.Cards.Active[0].ID.String())
	require.False(t, cards.Contains("abc123"))
	require.NoError(t, cards.CheckInvariants())

	syncer.Close()
}
