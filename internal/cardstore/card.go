package cardstore

import (
	"maps"
	"time"

	"github.com/stellarlinkco/cardsync/internal/cardid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusHidden   Status = "hidden"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusHidden:
		return true
	}
	return false
}

// Card is one representation of an assistant-generated artifact.
type Card struct {
	ID         cardid.ID      `json:"id"`
	Type       string         `json:"type"`
	Status     Status         `json:"status"`
	IsFavorite bool           `json:"isFavorite"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (c Card) BaseID() string { return c.ID.Base() }

// Clone copies the card and its top-level payload map. Payload maps are
// replaced rather than mutated inside the store, so a shallow copy is enough
// for a snapshot to stay stable.
func (c Card) Clone() Card {
	c.Payload = maps.Clone(c.Payload)
	return c
}

// Partitions is a read-only view of the store.
type Partitions struct {
	Active   []Card `json:"active"`
	Archived []Card `json:"archived"`
	Favorite []Card `json:"favorite"`
}

// Op names a state-changing store operation.
type Op string

const (
	OpCreate     Op = "create"
	OpArchive    Op = "archive"
	OpFavorite   Op = "favorite"
	OpUnfavorite Op = "unfavorite"
	OpHide       Op = "hide"
	OpTransform  Op = "transform"
	OpUpdate     Op = "update"
	OpDelete     Op = "delete"
)

// Change describes one applied mutation. Panel holds a snapshot of the panel
// twin after the mutation, or nil when the card has no panel representation
// (always nil for OpDelete).
type Change struct {
	Op     Op
	BaseID string
	Panel  *Card
}

// Mirror receives every applied change, synchronously and in order.
type Mirror interface {
	Mirror(Change)
}

// Tombstones records permanently deleted base ids.
type Tombstones interface {
	MarkDeleted(id string) error
}
