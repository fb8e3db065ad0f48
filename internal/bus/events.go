package bus

import (
	"encoding/json"
	"time"

	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/storage"
)

// EventType is the kind of a card event emitted while an assistant response
// streams in.
type EventType string

const (
	EventCreate   EventType = "CREATE"
	EventArchive  EventType = "ARCHIVE"
	EventFavorite EventType = "FAVORITE"
	EventHide     EventType = "HIDE"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCreate, EventArchive, EventFavorite, EventHide:
		return true
	}
	return false
}

// UIEvent is one card event. CardType and Payload are only required on CREATE.
type UIEvent struct {
	Type     EventType      `json:"type"`
	CardID   string         `json:"cardId"`
	CardType string         `json:"cardType,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Action is a direct user action on a card.
type Action struct {
	Name     string         `json:"name"`
	CardID   string         `json:"cardId"`
	CardType string         `json:"cardType,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Frame types accepted from clients.
const (
	FrameEvent   = "event"
	FrameAction  = "action"
	FrameMessage = "message"
	FrameLoad    = "load"
	FrameNew     = "new"

	// Session flags; SessionID defaults to the active session.
	FrameFavoriteSession = "favoriteSession"
	FrameArchiveSession  = "archiveSession"

	// Chart collaborator data for the active session.
	FrameAnnotation    = "annotation"
	FrameAnnotationTag = "annotationTag"
)

// Frame types pushed to clients.
const (
	FrameState   = "state"
	FrameReveal  = "reveal"
	FrameSession = "session"
	FrameError   = "error"
)

type InboundMessage struct {
	ClientID  string    `json:"-"`
	Type      string    `json:"type"`
	Events    []UIEvent `json:"events,omitempty"`
	Action    *Action   `json:"action,omitempty"`
	Content   string    `json:"content,omitempty"`
	Role      string    `json:"role,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Flag      *bool     `json:"flag,omitempty"`

	Annotation *AnnotationInput `json:"annotation,omitempty"`
	Tag        *TagInput        `json:"tag,omitempty"`

	Timestamp time.Time `json:"-"`
}

type AnnotationInput struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type TagInput struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// OutboundMessage goes to ClientID, or to every client when ClientID is empty.
type OutboundMessage struct {
	ClientID  string                `json:"-"`
	Type      string                `json:"type"`
	SessionID string                `json:"sessionId,omitempty"`
	Session   *storage.Session      `json:"session,omitempty"`
	State     *cardstore.Partitions `json:"state,omitempty"`

	Annotations    []storage.Annotation    `json:"annotations,omitempty"`
	AnnotationTags []storage.AnnotationTag `json:"annotationTags,omitempty"`

	Reveal    *PanelReveal          `json:"reveal,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// PanelReveal asks the shell to show a panel after a card was created.
type PanelReveal struct {
	Surface string `json:"surface"`
	Panel   string `json:"panel"`
	CardID  string `json:"cardId"`
}

// SessionChanged is published whenever the active session switches.
type SessionChanged struct {
	Previous string
	Current  string
}
