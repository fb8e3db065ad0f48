// Package hydrate re-derives inline cards from stored assistant messages.
//
// Assistant text embeds cards as placeholders:
//
//	<card id="abc123" type="create-trade"/>
//	<card id="abc123" type="create-trade">{"symbol":"BTC"}</card>
//
// A placeholder whose base id is tombstoned never produces a card, even though
// the message text still contains it.
package hydrate

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cardsync/internal/cardid"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/storage"
)

var (
	placeholderRe = regexp.MustCompile(`(?s)<card\b([^>]*?)(?:/>|>(.*?)</card>)`)
	attrRe        = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)
)

// Placeholder is one card reference found in message text.
type Placeholder struct {
	ID      string
	Type    string
	Payload map[string]any
}

// Parse returns the placeholders in text, in order. Placeholders without an
// id or type are skipped.
func Parse(text string) []Placeholder {
	var out []Placeholder
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		var ph Placeholder
		for _, a := range attrRe.FindAllStringSubmatch(m[1], -1) {
			switch strings.ToLower(a[1]) {
			case "id":
				ph.ID = strings.TrimSpace(a[2])
			case "type":
				ph.Type = strings.TrimSpace(a[2])
			}
		}
		if !cardid.ValidBase(cardid.BaseID(ph.ID)) || ph.Type == "" {
			continue
		}
		if body := strings.TrimSpace(m[2]); body != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(body), &payload); err == nil {
				ph.Payload = payload
			}
		}
		out = append(out, ph)
	}
	return out
}

// Tombstones answers whether a base id was permanently deleted.
type Tombstones interface {
	IsDeleted(id string) bool
}

type Hydrator struct {
	tombstones Tombstones
	logger     *zap.Logger
}

func New(tombstones Tombstones, logger *zap.Logger) *Hydrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hydrator{tombstones: tombstones, logger: logger.Named("hydrate")}
}

// Materialize returns the inline cards implied by the assistant messages that
// are not already in existing. When a panel twin was loaded, the inline card
// takes its type, status, favorite flag and payload so both surfaces agree.
func (h *Hydrator) Materialize(messages []storage.Message, existing []cardstore.Card) []cardstore.Card {
	have := make(map[cardid.ID]cardstore.Card, len(existing))
	for _, c := range existing {
		have[c.ID] = c
	}

	var out []cardstore.Card
	skipped := 0
	for _, m := range messages {
		if m.Role != storage.RoleAssistant {
			continue
		}
		for _, ph := range Parse(m.Text) {
			base := cardid.BaseID(ph.ID)
			if h.tombstones != nil && h.tombstones.IsDeleted(base) {
				skipped++
				continue
			}
			inline := cardid.InlineID(base)
			if _, ok := have[inline]; ok {
				continue
			}

			card := cardstore.Card{
				ID:        inline,
				Type:      ph.Type,
				Status:    cardstore.StatusActive,
				Payload:   ph.Payload,
				CreatedAt: m.CreatedAt,
			}
			if twin, ok := have[cardid.PanelID(base)]; ok {
				card.Type = twin.Type
				card.Status = twin.Status
				card.IsFavorite = twin.IsFavorite
				card.Payload = twin.Payload
			}
			card = card.Clone()
			if card.Payload == nil {
				card.Payload = map[string]any{}
			}
			have[inline] = card
			out = append(out, card)
		}
	}
	if skipped > 0 {
		h.logger.Debug("tombstoned placeholders skipped", zap.Int("count", skipped))
	}
	return out
}
