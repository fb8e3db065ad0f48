// Package storage defines the persisted session shape and the store that
// holds it. Card records are always keyed by their panel-namespace id.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Session struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	IsFavorite bool      `json:"isFavorite"`
	IsArchived bool      `json:"isArchived"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Card is the persisted form of a card. ID is always the panel-namespace id.
type Card struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	IsFavorite bool           `json:"isFavorite"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Annotation is chart drawing data owned by the annotation collaborator. The
// core stores it opaquely.
type Annotation struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type AnnotationTag struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)
}

type MessageStore interface {
	AppendMessage(ctx context.Context, m Message) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// CardStore is the remote side of the persistence synchronizer.
type CardStore interface {
	UpsertCard(ctx context.Context, sessionID string, c Card) error
	DeleteCard(ctx context.Context, sessionID, cardID string) error
	ListCards(ctx context.Context, sessionID string) ([]Card, error)
}

type AnnotationStore interface {
	SaveAnnotation(ctx context.Context, a Annotation) error
	ListAnnotations(ctx context.Context, sessionID string) ([]Annotation, error)
	SaveAnnotationTag(ctx context.Context, t AnnotationTag) error
	ListAnnotationTags(ctx context.Context, sessionID string) ([]AnnotationTag, error)
}

// Store is everything a session owns.
type Store interface {
	SessionStore
	MessageStore
	CardStore
	AnnotationStore
	Close() error
}
