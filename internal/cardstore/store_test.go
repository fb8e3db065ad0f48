package cardstore

import (
	"errors"
	"testing"

	"github.com/stellarlinkco/cardsync/internal/cardid"
)

type recordingMirror struct {
	changes []Change
}

func (m *recordingMirror) Mirror(ch Change) { m.changes = append(m.changes, ch) }

type memTombstones struct {
	marked []string
	err    error
}

func (m *memTombstones) MarkDeleted(id string) error {
	m.marked = append(m.marked, cardid.BaseID(id))
	return m.err
}

func newTestStore() (*Store, *recordingMirror, *memTombstones) {
	mirror := &recordingMirror{}
	tombs := &memTombstones{}
	return New(WithMirror(mirror), WithTombstones(tombs)), mirror, tombs
}

func addTwins(t *testing.T, s *Store, base, typ string) {
	t.Helper()
	if err := s.AddCard(Card{ID: cardid.InlineID(base), Type: typ, Payload: map[string]any{"symbol": "BTC"}}); err != nil {
		t.Fatalf("AddCard inline: %v", err)
	}
	if err := s.AddCard(Card{ID: cardid.PanelID(base), Type: typ, Payload: map[string]any{"symbol": "BTC"}}); err != nil {
		t.Fatalf("AddCard panel: %v", err)
	}
}

func ids(cards []Card) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.ID.String()
	}
	return out
}

func TestAddCard_ActiveAndMirrored(t *testing.T) {
	s, mirror, _ := newTestStore()

	if err := s.AddCard(Card{ID: cardid.InlineID("abc123"), Type: "create-trade"}); err != nil {
		t.Fatalf("AddCard error: %v", err)
	}

	active := s.Active()
	if len(active) != 1 || active[0].BaseID() != "abc123" {
		t.Fatalf("active = %v, want [abc123]", ids(active))
	}
	if active[0].Status != StatusActive {
		t.Errorf("status = %q, want active", active[0].Status)
	}
	if active[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}
	if len(mirror.changes) != 1 || mirror.changes[0].Op != OpCreate {
		t.Fatalf("changes = %+v, want one create", mirror.changes)
	}
	if mirror.changes[0].Panel != nil {
		t.Error("inline-only card should carry no panel snapshot")
	}
}

func TestAddCard_TwinCardinality(t *testing.T) {
	s, _, _ := newTestStore()
	addTwins(t, s, "abc", "create-trade")

	err := s.AddCard(Card{ID: cardid.PanelID("abc"), Type: "create-trade"})
	if !errors.Is(err, ErrTwinExists) {
		t.Fatalf("err = %v, want ErrTwinExists", err)
	}
	if err := s.AddCard(Card{}); !errors.Is(err, ErrInvalidCard) {
		t.Fatalf("empty id err = %v, want ErrInvalidCard", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if err := s.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestArchiveCard_MovesBothTwins(t *testing.T) {
	s, mirror, _ := newTestStore()
	addTwins(t, s, "abc", "create-bot")
	s.FavoriteCard("abc")

	if !s.ArchiveCard("panel-abc") {
		t.Fatal("ArchiveCard returned false")
	}

	p := s.Partitions()
	if len(p.Active) != 0 {
		t.Errorf("active = %v, want empty", ids(p.Active))
	}
	if len(p.Archived) != 2 {
		t.Errorf("archived = %v, want both twins", ids(p.Archived))
	}
	if len(p.Favorite) != 2 {
		t.Errorf("favorite = %v, archive must not touch favorites", ids(p.Favorite))
	}

	last := mirror.changes[len(mirror.changes)-1]
	if last.Op != OpArchive || last.Panel == nil || last.Panel.Status != StatusArchived {
		t.Errorf("last change = %+v, want archive with archived panel snapshot", last)
	}

	if s.ArchiveCard("abc") {
		t.Error("archiving an archived card should be a no-op")
	}
}

func TestFavorite_NeverChangesStatusPartition(t *testing.T) {
	s, _, _ := newTestStore()
	addTwins(t, s, "a", "create-trade")
	addTwins(t, s, "b", "create-trade")
	s.ArchiveCard("b")

	for _, id := range []string{"a", "panel-b"} {
		before := s.Partitions()
		s.FavoriteCard(id)
		mid := s.Partitions()
		s.UnfavoriteCard(id)
		after := s.Partitions()

		for _, snap := range []Partitions{mid, after} {
			if len(snap.Active) != len(before.Active) || len(snap.Archived) != len(before.Archived) {
				t.Fatalf("favorite toggle on %s changed status partitions: before %v/%v now %v/%v",
					id, ids(before.Active), ids(before.Archived), ids(snap.Active), ids(snap.Archived))
			}
		}
		if len(mid.Favorite) != 2 {
			t.Errorf("favorite(%s) = %v, want both twins", id, ids(mid.Favorite))
		}
		if len(after.Favorite) != 0 {
			t.Errorf("after unfavorite(%s) = %v, want empty", id, ids(after.Favorite))
		}
	}
}

func TestHideCard_SoftRemoveWithoutTombstone(t *testing.T) {
	s, _, tombs := newTestStore()
	addTwins(t, s, "abc", "create-trade")
	s.FavoriteCard("abc")

	if !s.HideCard("abc") {
		t.Fatal("HideCard returned false")
	}
	p := s.Partitions()
	if len(p.Active)+len(p.Archived)+len(p.Favorite) != 0 {
		t.Errorf("hidden card still visible: %+v", p)
	}
	if len(tombs.marked) != 0 {
		t.Errorf("hide wrote tombstones %v", tombs.marked)
	}
	if !s.Contains("abc") {
		t.Error("hidden records should remain in the store")
	}
	if s.FavoriteCard("abc") {
		t.Error("favoriting a hidden card should be a no-op")
	}
}

func TestTransformCard_AllTwins(t *testing.T) {
	s, mirror, _ := newTestStore()
	addTwins(t, s, "abc", "create-trade")

	if !s.TransformCard("abc", "trade-position", map[string]any{"size": 2}) {
		t.Fatal("TransformCard returned false")
	}
	for _, c := range s.Twins("panel-abc") {
		if c.Type != "trade-position" {
			t.Errorf("%s type = %q", c.ID, c.Type)
		}
		if _, ok := c.Payload["symbol"]; ok {
			t.Errorf("%s payload kept old keys: %v", c.ID, c.Payload)
		}
		if c.Payload["size"] != 2 {
			t.Errorf("%s payload = %v", c.ID, c.Payload)
		}
	}
	last := mirror.changes[len(mirror.changes)-1]
	if last.Op != OpTransform || last.Panel.Type != "trade-position" {
		t.Errorf("last change = %+v", last)
	}
}

func TestUpdateCardPayload_ShallowMerge(t *testing.T) {
	s, _, _ := newTestStore()
	addTwins(t, s, "abc", "create-trade")
	snapshot := s.Twins("abc")[0]

	s.UpdateCardPayload("abc", map[string]any{"price": 100})

	for _, c := range s.Twins("abc") {
		if c.Payload["symbol"] != "BTC" || c.Payload["price"] != 100 {
			t.Errorf("%s payload = %v", c.ID, c.Payload)
		}
	}
	if _, ok := snapshot.Payload["price"]; ok {
		t.Error("earlier snapshot was mutated by the update")
	}
	if s.UpdateCardPayload("abc", nil) {
		t.Error("empty update should be a no-op")
	}
}

func TestMissingTwinAndUnknownID(t *testing.T) {
	s, mirror, _ := newTestStore()
	if err := s.AddCard(Card{ID: cardid.InlineID("solo"), Type: "create-trade"}); err != nil {
		t.Fatal(err)
	}
	mirror.changes = nil

	for name, fn := range map[string]func() bool{
		"archive":   func() bool { return s.ArchiveCard("ghost") },
		"favorite":  func() bool { return s.FavoriteCard("panel-ghost") },
		"hide":      func() bool { return s.HideCard("ghost") },
		"transform": func() bool { return s.TransformCard("ghost", "bot", nil) },
		"update":    func() bool { return s.UpdateCardPayload("ghost", map[string]any{"x": 1}) },
	} {
		if fn() {
			t.Errorf("%s on unknown id reported a change", name)
		}
	}
	if len(mirror.changes) != 0 {
		t.Errorf("unknown-id ops mirrored %+v", mirror.changes)
	}

	// Operating through the missing panel twin still reaches the inline card.
	if !s.ArchiveCard("panel-solo") {
		t.Fatal("archive via panel id should reach inline-only card")
	}
	if got := s.Archived(); len(got) != 1 || got[0].ID != cardid.InlineID("solo") {
		t.Errorf("archived = %v", ids(got))
	}
}

func TestDeleteCardAndTwin(t *testing.T) {
	for _, via := range []string{"abc", "panel-abc"} {
		t.Run(via, func(t *testing.T) {
			s, mirror, tombs := newTestStore()
			addTwins(t, s, "abc", "create-trade")
			addTwins(t, s, "keep", "create-bot")
			s.FavoriteCard("abc")

			removed := s.DeleteCardAndTwin(via)
			if len(removed) != 2 {
				t.Fatalf("removed %d records, want 2", len(removed))
			}
			if s.Contains("abc") {
				t.Error("twins of abc still present")
			}
			p := s.Partitions()
			for _, c := range append(append(p.Active, p.Archived...), p.Favorite...) {
				if c.BaseID() == "abc" {
					t.Errorf("abc still in a partition: %s", c.ID)
				}
			}
			if len(p.Active) != 2 {
				t.Errorf("unrelated cards affected: %v", ids(p.Active))
			}
			if len(tombs.marked) != 1 || tombs.marked[0] != "abc" {
				t.Errorf("tombstones = %v, want [abc]", tombs.marked)
			}
			last := mirror.changes[len(mirror.changes)-1]
			if last.Op != OpDelete || last.BaseID != "abc" || last.Panel != nil {
				t.Errorf("last change = %+v", last)
			}
			if err := s.CheckInvariants(); err != nil {
				t.Errorf("CheckInvariants: %v", err)
			}
		})
	}
}

func TestDeleteCardAndTwin_InlineOnlyStillTombstones(t *testing.T) {
	s, _, tombs := newTestStore()
	if err := s.AddCard(Card{ID: cardid.InlineID("abc123"), Type: "create-trade"}); err != nil {
		t.Fatal(err)
	}

	s.DeleteCardAndTwin("abc123")
	if len(tombs.marked) != 1 || tombs.marked[0] != "abc123" {
		t.Fatalf("tombstones = %v, want [abc123]", tombs.marked)
	}
}

func TestDeleteCardAndTwin_TombstoneFailureKeepsLocalDelete(t *testing.T) {
	tombs := &memTombstones{err: errors.New("disk full")}
	s := New(WithTombstones(tombs))
	addTwins(t, s, "abc", "create-trade")

	s.DeleteCardAndTwin("abc")
	if s.Contains("abc") {
		t.Error("local delete should apply even when the tombstone write fails")
	}
}

func TestHasActivePanelOfType(t *testing.T) {
	s, _, _ := newTestStore()
	if err := s.AddCard(Card{ID: cardid.InlineID("p1"), Type: "portfolio-summary"}); err != nil {
		t.Fatal(err)
	}
	if s.HasActivePanelOfType("portfolio-summary") {
		t.Error("inline card should not count as panel")
	}
	if err := s.AddCard(Card{ID: cardid.PanelID("p1"), Type: "portfolio-summary"}); err != nil {
		t.Fatal(err)
	}
	if !s.HasActivePanelOfType("portfolio-summary") {
		t.Error("expected active panel card")
	}
	s.ArchiveCard("p1")
	if s.HasActivePanelOfType("portfolio-summary") {
		t.Error("archived panel card should not count")
	}
}

func TestReplaceAll(t *testing.T) {
	s, mirror, _ := newTestStore()
	addTwins(t, s, "old", "create-trade")
	mirror.changes = nil

	err := s.ReplaceAll([]Card{
		{ID: cardid.PanelID("n1"), Type: "bot", Status: StatusActive},
		{ID: cardid.PanelID("n2"), Type: "bot", Status: StatusArchived, IsFavorite: true},
	})
	if err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}
	if s.Contains("old") {
		t.Error("old cards survived ReplaceAll")
	}
	p := s.Partitions()
	if len(p.Active) != 1 || len(p.Archived) != 1 || len(p.Favorite) != 1 {
		t.Errorf("partitions = %+v", p)
	}
	if len(mirror.changes) != 0 {
		t.Error("ReplaceAll must not mirror")
	}

	err = s.ReplaceAll([]Card{
		{ID: cardid.PanelID("d"), Status: StatusActive},
		{ID: cardid.PanelID("d"), Status: StatusActive},
	})
	if !errors.Is(err, ErrTwinExists) {
		t.Fatalf("err = %v, want ErrTwinExists", err)
	}
	if s.Len() != 2 {
		t.Error("failed ReplaceAll must keep previous state")
	}

	if err := s.ReplaceAll([]Card{{ID: cardid.PanelID("x"), Status: "gone"}}); !errors.Is(err, ErrInvalidCard) {
		t.Fatalf("err = %v, want ErrInvalidCard", err)
	}
}

func TestPartitionInvariant(t *testing.T) {
	s, _, _ := newTestStore()
	addTwins(t, s, "a", "create-trade")
	addTwins(t, s, "b", "create-bot")
	addTwins(t, s, "c", "action")
	s.ArchiveCard("b")
	s.HideCard("c")
	s.FavoriteCard("a")

	p := s.Partitions()
	where := map[cardid.ID]int{}
	for _, c := range p.Active {
		where[c.ID]++
	}
	for _, c := range p.Archived {
		where[c.ID]++
	}
	for _, c := range s.All() {
		want := 1
		if c.Status == StatusHidden {
			want = 0
		}
		if where[c.ID] != want {
			t.Errorf("%s (%s) appears in %d status partitions, want %d", c.ID, c.Status, where[c.ID], want)
		}
	}
}

func TestAddCard_TakesTwinState(t *testing.T) {
	s, mirror, _ := newTestStore()
	if err := s.AddCard(Card{ID: cardid.InlineID("t1"), Type: "create-trade"}); err != nil {
		t.Fatal(err)
	}
	s.ArchiveCard("t1")
	s.FavoriteCard("t1")

	if err := s.AddCard(Card{ID: cardid.PanelID("t1"), Type: "create-trade"}); err != nil {
		t.Fatal(err)
	}
	panel, _ := s.Get(cardid.PanelID("t1"))
	if panel.Status != StatusArchived || !panel.IsFavorite {
		t.Errorf("panel twin = %s/%v, want archived/true", panel.Status, panel.IsFavorite)
	}
	if got := ids(s.Active()); len(got) != 0 {
		t.Errorf("active = %v, want none", got)
	}
	if got := ids(s.Archived()); len(got) != 2 {
		t.Errorf("archived = %v, want both twins", got)
	}
	last := mirror.changes[len(mirror.changes)-1]
	if last.Op != OpCreate || last.Panel == nil || last.Panel.Status != StatusArchived {
		t.Errorf("mirrored create = %+v, want archived panel snapshot", last)
	}

	if err := s.AddCard(Card{ID: cardid.InlineID("h1"), Type: "bot"}); err != nil {
		t.Fatal(err)
	}
	s.HideCard("h1")
	if err := s.AddCard(Card{ID: cardid.PanelID("h1"), Type: "bot"}); err != nil {
		t.Fatal(err)
	}
	if c, _ := s.Get(cardid.PanelID("h1")); c.Status != StatusHidden {
		t.Errorf("panel twin of hidden card = %s, want hidden", c.Status)
	}
}

func TestDoubleMarkedIDsRejected(t *testing.T) {
	s, mirror, tombs := newTestStore()

	if err := s.AddCard(Card{ID: cardid.InlineID("panel-x"), Type: "bot"}); !errors.Is(err, ErrInvalidCard) {
		t.Fatalf("inline panel-x err = %v, want ErrInvalidCard", err)
	}
	if err := s.AddCard(Card{ID: cardid.Parse("panel-panel-x"), Type: "bot"}); !errors.Is(err, ErrInvalidCard) {
		t.Fatalf("panel-panel-x err = %v, want ErrInvalidCard", err)
	}

	if removed := s.DeleteCardAndTwin("panel-panel-x"); removed != nil {
		t.Errorf("removed = %v, want nil", removed)
	}
	if len(tombs.marked) != 0 {
		t.Errorf("tombstoned %v, want nothing", tombs.marked)
	}
	if s.ArchiveCard("panel-panel-x") {
		t.Error("archive of a double-marked id should be a no-op")
	}
	if len(mirror.changes) != 0 {
		t.Errorf("mirrored %d changes, want 0", len(mirror.changes))
	}

	err := s.ReplaceAll([]Card{{ID: cardid.PanelID("panel-y"), Status: StatusActive}})
	if !errors.Is(err, ErrInvalidCard) {
		t.Errorf("ReplaceAll err = %v, want ErrInvalidCard", err)
	}
}

func TestHasActivePanelOfType_IgnoresCase(t *testing.T) {
	s, _, _ := newTestStore()
	if err := s.AddCard(Card{ID: cardid.PanelID("s1"), Type: "portfolio-summary"}); err != nil {
		t.Fatal(err)
	}
	for _, typ := range []string{"Portfolio-Summary", " PORTFOLIO-SUMMARY "} {
		if !s.HasActivePanelOfType(typ) {
			t.Errorf("HasActivePanelOfType(%q) = false, want true", typ)
		}
	}
}
