// Package session owns the active session and switches it atomically.
//
// Loading a session fetches its four data sets in parallel and makes them
// visible in a single locked step together with the card store swap, so a
// View never mixes two sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/cardsync/internal/bus"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/hydrate"
	"github.com/stellarlinkco/cardsync/internal/persist"
	"github.com/stellarlinkco/cardsync/internal/storage"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrLoadSuperseded  = errors.New("session load superseded by a later switch")
)

// Publisher receives session switch notices.
type Publisher interface {
	PublishSession(bus.SessionChanged)
}

type Option func(*Manager)

func WithHydrator(h *hydrate.Hydrator) Option { return func(m *Manager) { m.hydrator = h } }

func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithTitleMaxLen(n int) Option { return func(m *Manager) { m.titleMaxLen = n } }

// Snapshot is a consistent view of the active session.
type Snapshot struct {
	Session        storage.Session         `json:"session"`
	Messages       []storage.Message       `json:"messages"`
	Cards          cardstore.Partitions    `json:"cards"`
	Annotations    []storage.Annotation    `json:"annotations"`
	AnnotationTags []storage.AnnotationTag `json:"annotationTags"`
}

type Manager struct {
	store       storage.Store
	cards       *cardstore.Store
	hydrator    *hydrate.Hydrator
	publisher   Publisher
	logger      *zap.Logger
	titleMaxLen int
	now         func() time.Time
	newID       func() string

	mu          sync.RWMutex
	gen         uint64
	active      storage.Session
	messages    []storage.Message
	annotations []storage.Annotation
	tags        []storage.AnnotationTag
}

func NewManager(store storage.Store, cards *cardstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		cards:       cards,
		logger:      zap.NewNop(),
		titleMaxLen: DefaultTitleMaxLen,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("session")
	return m
}

// ActiveSessionID returns "" when no session is active.
func (m *Manager) ActiveSessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.ID
}

func (m *Manager) View() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Session:        m.active,
		Messages:       slices.Clone(m.messages),
		Cards:          m.cards.Partitions(),
		Annotations:    slices.Clone(m.annotations),
		AnnotationTags: slices.Clone(m.tags),
	}
}

// CreateSession persists a new session titled after firstMessage and makes it
// active with empty state. The message itself is not stored here.
func (m *Manager) CreateSession(ctx context.Context, firstMessage string) (storage.Session, error) {
	now := m.now()
	rec := storage.Session{
		ID:        m.newID(),
		Title:     DeriveTitle(firstMessage, m.titleMaxLen),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.gen++
	prev := m.active.ID
	m.active = rec
	m.messages = nil
	m.annotations = nil
	m.tags = nil
	m.cards.Reset()
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", rec.ID), zap.String("title", rec.Title))
	m.publish(prev, rec.ID)
	return rec, nil
}

// LoadSession makes id the active session. Nothing becomes visible until all
// four data sets have arrived; on any fetch error the current session is kept.
func (m *Manager) LoadSession(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}

	var (
		messages []storage.Message
		records  []storage.Card
		anns     []storage.Annotation
		tags     []storage.AnnotationTag
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		messages, err = m.store.ListMessages(gctx, id)
		return wrap("list messages", err)
	})
	g.Go(func() (err error) {
		records, err = m.store.ListCards(gctx, id)
		return wrap("list cards", err)
	})
	g.Go(func() (err error) {
		anns, err = m.store.ListAnnotations(gctx, id)
		return wrap("list annotations", err)
	})
	g.Go(func() (err error) {
		tags, err = m.store.ListAnnotationTags(gctx, id)
		return wrap("list annotation tags", err)
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}

	cards := make([]cardstore.Card, 0, len(records))
	for _, r := range records {
		c := persist.FromRecord(r)
		if !c.ID.Valid() {
			m.logger.Warn("skipping stored card with bad id", zap.String("session_id", id), zap.String("card_id", r.ID))
			continue
		}
		cards = append(cards, c)
	}
	if m.hydrator != nil {
		cards = append(cards, m.hydrator.Materialize(messages, cards)...)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("load session %s: %w", id, ErrLoadSuperseded)
	}
	if err := m.cards.ReplaceAll(cards); err != nil {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}
	prev := m.active.ID
	m.active = rec
	m.messages = messages
	m.annotations = anns
	m.tags = tags
	snap := Snapshot{
		Session:        rec,
		Messages:       slices.Clone(messages),
		Cards:          m.cards.Partitions(),
		Annotations:    slices.Clone(anns),
		AnnotationTags: slices.Clone(tags),
	}
	m.mu.Unlock()

	m.logger.Info("session loaded",
		zap.String("session_id", id),
		zap.Int("messages", len(messages)),
		zap.Int("cards", len(cards)),
		zap.Int("annotations", len(anns)))
	m.publish(prev, id)
	return snap, nil
}

func wrap(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (m *Manager) publish(prev, cur string) {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishSession(bus.SessionChanged{Previous: prev, Current: cur})
}

// AppendMessage stores a message in the active session. A user message with
// no active session starts a new one.
func (m *Manager) AppendMessage(ctx context.Context, role storage.Role, text string) (storage.Message, error) {
	sessionID := m.ActiveSessionID()
	if sessionID == "" {
		if role != storage.RoleUser {
			return storage.Message{}, ErrNoActiveSession
		}
		rec, err := m.CreateSession(ctx, text)
		if err != nil {
			return storage.Message{}, err
		}
		sessionID = rec.ID
	}

	msg := storage.Message{
		ID:        m.newID(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: m.now(),
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}

	m.mu.Lock()
	var touched storage.Session
	if m.active.ID == sessionID {
		m.messages = append(m.messages, msg)
		m.active.UpdatedAt = msg.CreatedAt
		touched = m.active
	}
	m.mu.Unlock()

	if touched.ID != "" {
		if err := m.store.UpdateSession(ctx, touched); err != nil {
			m.logger.Warn("touch session failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return msg, nil
}

func (m *Manager) ListSessions(ctx context.Context, limit int) ([]storage.Session, error) {
	list, err := m.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

func (m *Manager) SetFavorite(ctx context.Context, id string, favorite bool) (storage.Session, error) {
	return m.updateSession(ctx, id, func(s *storage.Session) { s.IsFavorite = favorite })
}

func (m *Manager) SetArchived(ctx context.Context, id string, archived bool) (storage.Session, error) {
	return m.updateSession(ctx, id, func(s *storage.Session) { s.IsArchived = archived })
}

func (m *Manager) updateSession(ctx context.Context, id string, fn func(*storage.Session)) (storage.Session, error) {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return storage.Session{}, fmt.Errorf("update session %s: %w", id, err)
	}
	fn(&rec)
	rec.UpdatedAt = m.now()
	if err := m.store.UpdateSession(ctx, rec); err != nil {
		return storage.Session{}, fmt.Errorf("update session %s: %w", id, err)
	}

	m.mu.Lock()
	if m.active.ID == id {
		m.active = rec
	}
	m.mu.Unlock()
	return rec, nil
}

// SaveAnnotation stores chart annotation data for the active session.
func (m *Manager) SaveAnnotation(ctx context.Context, kind string, data json.RawMessage) (storage.Annotation, error) {
	if strings.TrimSpace(kind) == "" {
		return storage.Annotation{}, errors.New("save annotation: kind is required")
	}
	sessionID := m.ActiveSessionID()
	if sessionID == "" {
		return storage.Annotation{}, ErrNoActiveSession
	}
	a := storage.Annotation{
		ID:        m.newID(),
		SessionID: sessionID,
		Kind:      strings.TrimSpace(kind),
		Data:      data,
		CreatedAt: m.now(),
	}
	if err := m.store.SaveAnnotation(ctx, a); err != nil {
		return storage.Annotation{}, fmt.Errorf("save annotation: %w", err)
	}
	m.mu.Lock()
	if m.active.ID == sessionID {
		m.annotations = append(m.annotations, a)
	}
	m.mu.Unlock()
	return a, nil
}

func (m *Manager) SaveAnnotationTag(ctx context.Context, name, color string) (storage.AnnotationTag, error) {
	if strings.TrimSpace(name) == "" {
		return storage.AnnotationTag{}, errors.New("save annotation tag: name is required")
	}
	sessionID := m.ActiveSessionID()
	if sessionID == "" {
		return storage.AnnotationTag{}, ErrNoActiveSession
	}
	t := storage.AnnotationTag{
		ID:        m.newID(),
		SessionID: sessionID,
		Name:      strings.TrimSpace(name),
		Color:     color,
		CreatedAt: m.now(),
	}
	if err := m.store.SaveAnnotationTag(ctx, t); err != nil {
		return storage.AnnotationTag{}, fmt.Errorf("save annotation tag: %w", err)
	}
	m.mu.Lock()
	if m.active.ID == sessionID {
		m.tags = append(m.tags, t)
	}
	m.mu.Unlock()
	return t, nil
}
