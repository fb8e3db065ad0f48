package cardstore

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/cardsync/internal/cardid"
)

// Get returns the record with exactly this namespaced id.
func (s *Store) Get(id cardid.ID) (Card, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Card{}, false
	}
	return rec.Clone(), true
}

// Twins returns every record sharing id's base, inline first.
func (s *Store) Twins(id string) []Card {
	base := cardid.BaseID(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Card
	for _, twin := range []cardid.ID{cardid.InlineID(base), cardid.PanelID(base)} {
		if rec, ok := s.records[twin]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Contains reports whether any record of id's base exists, hidden included.
func (s *Store) Contains(id string) bool {
	return len(s.Twins(id)) > 0
}

// HasActivePanelOfType reports whether an active panel card of cardType
// exists. Types compare case-insensitively and ignore surrounding space, the
// same way the panel router reads them.
func (s *Store) HasActivePanelOfType(cardType string) bool {
	cardType = strings.TrimSpace(cardType)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		rec := s.records[id]
		if id.IsPanel() && rec.Status == StatusActive && strings.EqualFold(strings.TrimSpace(rec.Type), cardType) {
			return true
		}
	}
	return false
}

func (s *Store) Partitions() Partitions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := Partitions{Active: []Card{}, Archived: []Card{}, Favorite: []Card{}}
	for _, id := range s.order {
		rec := s.records[id]
		switch rec.Status {
		case StatusActive:
			p.Active = append(p.Active, rec.Clone())
		case StatusArchived:
			p.Archived = append(p.Archived, rec.Clone())
		default:
			continue
		}
		if rec.IsFavorite {
			p.Favorite = append(p.Favorite, rec.Clone())
		}
	}
	return p
}

func (s *Store) Active() []Card { return s.Partitions().Active }

func (s *Store) Archived() []Card { return s.Partitions().Archived }

func (s *Store) Favorites() []Card { return s.Partitions().Favorite }

// All returns every record in insertion order, hidden ones included.
func (s *Store) All() []Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Card, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// ReplaceAll swaps the whole card set in one step. Nothing is mirrored: the
// cards are assumed to come from the remote store. On a cardinality or
// status violation the current state is kept and an error returned.
func (s *Store) ReplaceAll(cards []Card) error {
	records := make(map[cardid.ID]*Card, len(cards))
	order := make([]cardid.ID, 0, len(cards))
	for _, c := range cards {
		if !c.ID.Valid() {
			return fmt.Errorf("%w: bad id %q", ErrInvalidCard, c.ID)
		}
		if !c.Status.Valid() {
			return fmt.Errorf("%w: %s has status %q", ErrInvalidCard, c.ID, c.Status)
		}
		if _, dup := records[c.ID]; dup {
			return fmt.Errorf("%w: %s", ErrTwinExists, c.ID)
		}
		cc := c.Clone()
		if cc.Payload == nil {
			cc.Payload = map[string]any{}
		}
		records[c.ID] = &cc
		order = append(order, c.ID)
	}

	s.mu.Lock()
	s.records = records
	s.order = order
	s.mu.Unlock()
	return nil
}

// Reset drops every record without mirroring or tombstoning.
func (s *Store) Reset() {
	_ = s.ReplaceAll(nil)
}

// CheckInvariants verifies that the records and order index agree, that a
// base has at most one record per namespace and that each status is valid.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) != len(s.records) {
		return fmt.Errorf("order has %d ids, records has %d", len(s.order), len(s.records))
	}
	seen := make(map[cardid.ID]bool, len(s.order))
	for _, id := range s.order {
		if seen[id] {
			return fmt.Errorf("%w: %s listed twice", ErrTwinExists, id)
		}
		seen[id] = true
		rec, ok := s.records[id]
		if !ok {
			return fmt.Errorf("order lists unknown id %s", id)
		}
		if rec.ID != id {
			return fmt.Errorf("record keyed %s carries id %s", id, rec.ID)
		}
		if !rec.Status.Valid() {
			return fmt.Errorf("%s has invalid status %q", id, rec.Status)
		}
	}
	return nil
}
