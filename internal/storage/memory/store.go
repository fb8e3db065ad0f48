// Package memory is an in-process storage.Store. It is not persistent and is
// meant for local mode and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/stellarlinkco/cardsync/internal/storage"
)

type Store struct {
	mu          sync.RWMutex
	sessions    map[string]storage.Session
	messages    map[string][]storage.Message
	cards       map[string]map[string]storage.Card
	cardOrder   map[string][]string
	annotations map[string][]storage.Annotation
	tags        map[string][]storage.AnnotationTag
}

func New() *Store {
	return &Store{
		sessions:    make(map[string]storage.Session),
		messages:    make(map[string][]storage.Message),
		cards:       make(map[string]map[string]storage.Card),
		cardOrder:   make(map[string][]string),
		annotations: make(map[string][]storage.Annotation),
		tags:        make(map[string][]storage.AnnotationTag),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; !exists {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return sess, nil
}

// ListSessions returns the most recently updated sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, m storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.Message(nil), s.messages[sessionID]...), nil
}

func (s *Store) UpsertCard(ctx context.Context, sessionID string, c storage.Card) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.cards[sessionID]
	if !ok {
		bucket = make(map[string]storage.Card)
		s.cards[sessionID] = bucket
	}
	if prev, exists := bucket[c.ID]; exists {
		c.CreatedAt = prev.CreatedAt
	} else {
		s.cardOrder[sessionID] = append(s.cardOrder[sessionID], c.ID)
	}
	c.Payload = maps.Clone(c.Payload)
	bucket[c.ID] = c
	return nil
}

func (s *Store) DeleteCard(ctx context.Context, sessionID, cardID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.cards[sessionID]
	if _, ok := bucket[cardID]; !ok {
		return nil
	}
	delete(bucket, cardID)
	order := s.cardOrder[sessionID]
	for i, id := range order {
		if id == cardID {
			s.cardOrder[sessionID] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) ListCards(ctx context.Context, sessionID string) ([]storage.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.cards[sessionID]
	out := make([]storage.Card, 0, len(bucket))
	for _, id := range s.cardOrder[sessionID] {
		c := bucket[id]
		c.Payload = maps.Clone(c.Payload)
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) SaveAnnotation(ctx context.Context, a storage.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.annotations[a.SessionID]
	for i := range list {
		if list[i].ID == a.ID {
			list[i] = a
			return nil
		}
	}
	s.annotations[a.SessionID] = append(list, a)
	return nil
}

func (s *Store) ListAnnotations(ctx context.Context, sessionID string) ([]storage.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.Annotation(nil), s.annotations[sessionID]...), nil
}

func (s *Store) SaveAnnotationTag(ctx context.Context, t storage.AnnotationTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.tags[t.SessionID]
	for i := range list {
		if list[i].ID == t.ID {
			list[i] = t
			return nil
		}
	}
	s.tags[t.SessionID] = append(list, t)
	return nil
}

func (s *Store) ListAnnotationTags(ctx context.Context, sessionID string) ([]storage.AnnotationTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.AnnotationTag(nil), s.tags[sessionID]...), nil
}

var _ storage.Store = (*Store)(nil)
