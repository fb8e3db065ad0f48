// Package processor applies card events and direct user actions to the card
// store.
//
// The processor has no goroutines of its own; callers feed it from a single
// task queue so events of one response are applied strictly in order.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cardsync/internal/bus"
	"github.com/stellarlinkco/cardsync/internal/cardid"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/panel"
)

var (
	ErrMalformedEvent  = errors.New("malformed event")
	ErrUnknownAction   = errors.New("unknown action")
	ErrNoInlineCard    = errors.New("no inline card to promote")
	ErrSingletonActive = errors.New("an active panel card of this singleton type exists")
)

// RevealFunc is told which panel to show after a card is created on surface.
type RevealFunc func(surface cardid.Namespace, target panel.Panel, id cardid.ID)

type Option func(*Processor)

func WithRouter(r *panel.Router) Option { return func(p *Processor) { p.router.Store(r) } }

func WithReveal(fn RevealFunc) Option { return func(p *Processor) { p.reveal = fn } }

func WithLogger(l *zap.Logger) Option { return func(p *Processor) { p.logger = l } }

type Processor struct {
	store  *cardstore.Store
	router atomic.Pointer[panel.Router]
	reveal RevealFunc
	logger *zap.Logger
}

func New(store *cardstore.Store, opts ...Option) *Processor {
	p := &Processor{store: store, logger: zap.NewNop()}
	p.router.Store(panel.Default())
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("processor")
	return p
}

// SetRouter swaps the routing table, e.g. after the routes file changed.
func (p *Processor) SetRouter(r *panel.Router) {
	if r != nil {
		p.router.Store(r)
	}
}

func (p *Processor) Router() *panel.Router { return p.router.Load() }

// Process applies events in order and returns how many changed state.
func (p *Processor) Process(events []bus.UIEvent) int {
	applied := 0
	for _, ev := range events {
		if p.Apply(ev) {
			applied++
		}
	}
	return applied
}

// ApplyStream applies events from ch until it is closed or ctx ends and
// returns how many changed state.
func (p *Processor) ApplyStream(ctx context.Context, ch <-chan bus.UIEvent) (int, error) {
	applied := 0
	for {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return applied, nil
			}
			if p.Apply(ev) {
				applied++
			}
		}
	}
}

// Apply applies one event and reports whether the store changed. Malformed
// events are dropped and logged before anything is touched.
func (p *Processor) Apply(ev bus.UIEvent) bool {
	if err := validate(ev); err != nil {
		p.logger.Warn("dropping event", zap.String("type", string(ev.Type)), zap.String("card_id", ev.CardID), zap.Error(err))
		return false
	}
	id := strings.TrimSpace(ev.CardID)

	switch ev.Type {
	case bus.EventCreate:
		return p.create(cardid.Parse(id), strings.TrimSpace(ev.CardType), ev.Payload)
	case bus.EventArchive:
		return p.store.ArchiveCard(id)
	case bus.EventFavorite:
		return p.store.FavoriteCard(id)
	case bus.EventHide:
		return p.store.HideCard(id)
	}
	return false
}

func validate(ev bus.UIEvent) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
	}
	id := strings.TrimSpace(ev.CardID)
	if id == "" || cardid.BaseID(id) == "" {
		return fmt.Errorf("%w: missing cardId", ErrMalformedEvent)
	}
	if !cardid.Parse(id).Valid() {
		return fmt.Errorf("%w: cardId %q has a doubled panel marker", ErrMalformedEvent, id)
	}
	if ev.Type != bus.EventCreate {
		return nil
	}
	if strings.TrimSpace(ev.CardType) == "" {
		return fmt.Errorf("%w: CREATE without cardType", ErrMalformedEvent)
	}
	if ev.Payload == nil {
		return fmt.Errorf("%w: CREATE without payload", ErrMalformedEvent)
	}
	return nil
}

func (p *Processor) create(id cardid.ID, cardType string, payload map[string]any) bool {
	router := p.router.Load()
	if id.IsPanel() && router.IsSingleton(cardType) && p.store.HasActivePanelOfType(cardType) {
		p.logger.Debug("singleton panel card exists, create suppressed",
			zap.String("card_id", id.String()), zap.String("card_type", cardType))
		return false
	}

	err := p.store.AddCard(cardstore.Card{
		ID:      id,
		Type:    cardType,
		Status:  cardstore.StatusActive,
		Payload: payload,
	})
	if err != nil {
		p.logger.Warn("create rejected", zap.String("card_id", id.String()), zap.Error(err))
		return false
	}
	// A twin that was already hidden keeps the pair hidden; nothing to show.
	if c, ok := p.store.Get(id); ok && c.Status != cardstore.StatusHidden {
		p.revealFor(id, cardType)
	}
	return true
}

func (p *Processor) revealFor(id cardid.ID, cardType string) {
	if p.reveal == nil {
		return
	}
	p.reveal(id.Namespace(), p.router.Load().TargetPanel(cardType), id)
}
