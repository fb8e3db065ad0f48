// Package cardstore holds the authoritative in-memory card state.
//
// Every mutation locates records through their base id, so an operation
// issued from either surface reaches both twins. Operations on ids that match
// nothing are no-ops.
package cardstore

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cardsync/internal/cardid"
)

var (
	ErrTwinExists  = errors.New("card id already present")
	ErrInvalidCard = errors.New("invalid card")
)

type Option func(*Store)

func WithTombstones(t Tombstones) Option { return func(s *Store) { s.tombstones = t } }

func WithMirror(m Mirror) Option { return func(s *Store) { s.mirror = m } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// Store keeps every card record in insertion order. Hidden records stay in
// the store but belong to no partition.
//
// The store is meant to have a single writer (the gateway task queue); the
// lock only protects readers on other goroutines.
type Store struct {
	mu      sync.RWMutex
	records map[cardid.ID]*Card
	order   []cardid.ID

	tombstones Tombstones
	mirror     Mirror
	logger     *zap.Logger
	now        func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[cardid.ID]*Card),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("cardstore")
	return s
}

// SetMirror replaces the change observer. Passing nil disables mirroring.
func (s *Store) SetMirror(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// AddCard inserts a card into the active partition. When the twin already
// exists the new record takes the twin's status and favorite flag instead, so
// a pair never disagrees. A base may hold at most one inline and one panel
// record; adding a second record with the same namespaced id fails with
// ErrTwinExists.
func (s *Store) AddCard(c Card) error {
	if c.ID.IsZero() {
		return fmt.Errorf("%w: empty id", ErrInvalidCard)
	}
	if !c.ID.Valid() {
		return fmt.Errorf("%w: %s has a marked base", ErrInvalidCard, c.ID)
	}
	c = c.Clone()
	c.Status = StatusActive
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Payload == nil {
		c.Payload = map[string]any{}
	}

	s.mu.Lock()
	if _, exists := s.records[c.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTwinExists, c.ID)
	}
	if twin, ok := s.records[c.ID.Twin()]; ok {
		c.Status = twin.Status
		c.IsFavorite = twin.IsFavorite
	}
	s.records[c.ID] = &c
	s.order = append(s.order, c.ID)
	change := s.changeLocked(OpCreate, c.BaseID())
	s.mu.Unlock()

	s.notify(change)
	return nil
}

// ArchiveCard moves every twin of id from active to archived. Favorite
// membership is left alone.
func (s *Store) ArchiveCard(id string) bool {
	return s.mutate(OpArchive, id, func(c *Card) bool {
		if c.Status != StatusActive {
			return false
		}
		c.Status = StatusArchived
		return true
	})
}

// FavoriteCard sets IsFavorite on every visible twin of id.
func (s *Store) FavoriteCard(id string) bool {
	return s.mutate(OpFavorite, id, func(c *Card) bool {
		if c.Status == StatusHidden || c.IsFavorite {
			return false
		}
		c.IsFavorite = true
		return true
	})
}

func (s *Store) UnfavoriteCard(id string) bool {
	return s.mutate(OpUnfavorite, id, func(c *Card) bool {
		if !c.IsFavorite {
			return false
		}
		c.IsFavorite = false
		return true
	})
}

// HideCard soft-removes every twin of id from all partitions. Unlike
// DeleteCardAndTwin it writes no tombstone and keeps the records.
func (s *Store) HideCard(id string) bool {
	return s.mutate(OpHide, id, func(c *Card) bool {
		if c.Status == StatusHidden {
			return false
		}
		c.Status = StatusHidden
		return true
	})
}

// TransformCard replaces type and payload on every twin of id.
func (s *Store) TransformCard(id, newType string, newPayload map[string]any) bool {
	return s.mutate(OpTransform, id, func(c *Card) bool {
		c.Type = newType
		c.Payload = maps.Clone(newPayload)
		if c.Payload == nil {
			c.Payload = map[string]any{}
		}
		return true
	})
}

// UpdateCardPayload shallow-merges partial into the payload of every twin.
func (s *Store) UpdateCardPayload(id string, partial map[string]any) bool {
	if len(partial) == 0 {
		return false
	}
	return s.mutate(OpUpdate, id, func(c *Card) bool {
		merged := make(map[string]any, len(c.Payload)+len(partial))
		maps.Copy(merged, c.Payload)
		maps.Copy(merged, partial)
		c.Payload = merged
		return true
	})
}

// DeleteCardAndTwin removes every record of id's base from the store and
// writes a tombstone for the base. The tombstone and the delete mirror are
// issued even when nothing was stored locally: deletion intent is durable.
// It returns the removed records.
func (s *Store) DeleteCardAndTwin(id string) []Card {
	base := cardid.BaseID(id)
	if !cardid.ValidBase(base) {
		s.logger.Debug("delete of invalid id ignored", zap.String("id", id))
		return nil
	}

	s.mu.Lock()
	var removed []Card
	kept := s.order[:0]
	for _, rid := range s.order {
		if rid.Base() == base {
			removed = append(removed, s.records[rid].Clone())
			delete(s.records, rid)
			continue
		}
		kept = append(kept, rid)
	}
	s.order = kept
	mirror := s.mirror
	s.mu.Unlock()

	if s.tombstones != nil {
		if err := s.tombstones.MarkDeleted(base); err != nil {
			s.logger.Error("tombstone write failed", zap.String("base_id", base), zap.Error(err))
		}
	}
	if mirror != nil {
		mirror.Mirror(Change{Op: OpDelete, BaseID: base})
	}
	s.logger.Debug("card deleted", zap.String("base_id", base), zap.Int("records", len(removed)))
	return removed
}

// mutate applies fn to every record sharing id's base and notifies the
// mirror once if any record changed.
func (s *Store) mutate(op Op, id string, fn func(*Card) bool) bool {
	base := cardid.BaseID(id)
	if !cardid.ValidBase(base) {
		return false
	}

	s.mu.Lock()
	changed := false
	for _, twin := range []cardid.ID{cardid.InlineID(base), cardid.PanelID(base)} {
		rec, ok := s.records[twin]
		if !ok {
			continue
		}
		next := *rec
		if fn(&next) {
			s.records[twin] = &next
			changed = true
		}
	}
	if !changed {
		s.mu.Unlock()
		s.logger.Debug("no-op mutation", zap.String("op", string(op)), zap.String("id", id))
		return false
	}
	change := s.changeLocked(op, base)
	s.mu.Unlock()

	s.notify(change)
	return true
}

func (s *Store) changeLocked(op Op, base string) *Change {
	if s.mirror == nil {
		return nil
	}
	ch := &Change{Op: op, BaseID: base}
	if rec, ok := s.records[cardid.PanelID(base)]; ok {
		snap := rec.Clone()
		ch.Panel = &snap
	}
	return ch
}

func (s *Store) notify(ch *Change) {
	if ch == nil {
		return
	}
	s.mu.RLock()
	mirror := s.mirror
	s.mu.RUnlock()
	if mirror != nil {
		mirror.Mirror(*ch)
	}
}
