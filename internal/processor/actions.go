package processor

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cardsync/internal/bus"
	"github.com/stellarlinkco/cardsync/internal/cardid"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
)

// Action names accepted by Do.
const (
	ActionArchive       = "archive"
	ActionFavorite      = "favorite"
	ActionUnfavorite    = "unfavorite"
	ActionHide          = "hide"
	ActionDelete        = "delete"
	ActionTransform     = "transform"
	ActionUpdatePayload = "update"
	ActionPromote       = "promote"
)

func (p *Processor) Archive(id string) bool { return p.store.ArchiveCard(id) }

func (p *Processor) Favorite(id string) bool { return p.store.FavoriteCard(id) }

func (p *Processor) Unfavorite(id string) bool { return p.store.UnfavoriteCard(id) }

func (p *Processor) Hide(id string) bool { return p.store.HideCard(id) }

// Delete removes both twins and tombstones the base.
func (p *Processor) Delete(id string) []cardstore.Card { return p.store.DeleteCardAndTwin(id) }

func (p *Processor) Transform(id, newType string, payload map[string]any) bool {
	return p.store.TransformCard(id, newType, payload)
}

func (p *Processor) UpdatePayload(id string, partial map[string]any) bool {
	return p.store.UpdateCardPayload(id, partial)
}

// Promote creates the panel twin of an inline card. The twin starts with the
// inline card's status and favorite flag. It reports ErrSingletonActive
// instead of silently suppressing, since the user asked for it explicitly.
func (p *Processor) Promote(id string) error {
	base := cardid.BaseID(id)
	if !cardid.ValidBase(base) {
		return fmt.Errorf("promote %q: %w", id, ErrNoInlineCard)
	}
	inline, ok := p.store.Get(cardid.InlineID(base))
	if !ok || inline.Status == cardstore.StatusHidden {
		return fmt.Errorf("promote %s: %w", base, ErrNoInlineCard)
	}
	if p.router.Load().IsSingleton(inline.Type) && p.store.HasActivePanelOfType(inline.Type) {
		return fmt.Errorf("promote %s: %w", base, ErrSingletonActive)
	}

	panelID := cardid.PanelID(base)
	err := p.store.AddCard(cardstore.Card{
		ID:         panelID,
		Type:       inline.Type,
		IsFavorite: inline.IsFavorite,
		Payload:    inline.Payload,
	})
	if err != nil {
		return fmt.Errorf("promote %s: %w", base, err)
	}
	p.revealFor(panelID, inline.Type)
	return nil
}

// Do dispatches a named action. Unknown ids are no-ops, not errors.
func (p *Processor) Do(a bus.Action) error {
	id := strings.TrimSpace(a.CardID)
	if id == "" {
		return fmt.Errorf("%s: missing cardId", a.Name)
	}

	var changed bool
	switch a.Name {
	case ActionArchive:
		changed = p.Archive(id)
	case ActionFavorite:
		changed = p.Favorite(id)
	case ActionUnfavorite:
		changed = p.Unfavorite(id)
	case ActionHide:
		changed = p.Hide(id)
	case ActionDelete:
		changed = len(p.Delete(id)) > 0
	case ActionTransform:
		if strings.TrimSpace(a.CardType) == "" {
			return fmt.Errorf("%s: missing cardType", a.Name)
		}
		changed = p.Transform(id, strings.TrimSpace(a.CardType), a.Payload)
	case ActionUpdatePayload:
		changed = p.UpdatePayload(id, a.Payload)
	case ActionPromote:
		if err := p.Promote(id); err != nil {
			return err
		}
		changed = true
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Name)
	}
	p.logger.Debug("action applied", zap.String("action", a.Name), zap.String("card_id", id), zap.Bool("changed", changed))
	return nil
}
