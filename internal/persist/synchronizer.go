// Package persist mirrors card store mutations into the session store.
//
// Writes are write-behind: the local store has already changed when a write is
// issued, and a failed write is logged, never rolled back or retried. Every
// write is addressed to the panel-namespace id of the card's base; cards with
// no panel twin are not persisted here.
//
// In the default mode each write runs on its own goroutine, so two writes for
// the same base may complete in either order and the remote keeps whichever
// finished last. Ordered mode queues writes per base in a bounded FIFO drained
// by a single goroutine, which restores issue order for that base.
package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cardsync/internal/cardid"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/storage"
)

const (
	DefaultQueueSize = 32
	DefaultTimeout   = 10 * time.Second
)

type Options struct {
	Ordered   bool
	QueueSize int
	Timeout   time.Duration
}

// SessionFunc returns the active session id, or "" when there is none.
type SessionFunc func() string

type writeKind int

const (
	writeUpsert writeKind = iota
	writeDelete
)

type write struct {
	kind      writeKind
	op        cardstore.Op
	sessionID string
	cardID    string
	record    storage.Card
}

type Synchronizer struct {
	remote  storage.CardStore
	session SessionFunc
	logger  *zap.Logger
	opts    Options
	now     func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	queues map[string]chan write
	closed bool
}

func New(remote storage.CardStore, session SessionFunc, logger *zap.Logger, opts Options) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Synchronizer{
		remote:  remote,
		session: session,
		logger:  logger.Named("sync"),
		opts:    opts,
		now:     time.Now,
		queues:  make(map[string]chan write),
	}
}

// Mirror implements cardstore.Mirror.
func (s *Synchronizer) Mirror(ch cardstore.Change) {
	if ch.Op == cardstore.OpDelete {
		s.MirrorDelete(ch.BaseID)
		return
	}
	if ch.Panel == nil {
		s.logger.Debug("inline-only card, not persisted", zap.String("op", string(ch.Op)), zap.String("base_id", ch.BaseID))
		return
	}
	switch ch.Op {
	case cardstore.OpCreate:
		s.MirrorCreate(*ch.Panel)
	case cardstore.OpArchive:
		s.MirrorArchive(*ch.Panel)
	case cardstore.OpFavorite, cardstore.OpUnfavorite:
		s.MirrorFavorite(*ch.Panel)
	case cardstore.OpHide:
		s.MirrorHide(*ch.Panel)
	default:
		s.MirrorUpdate(*ch.Panel)
	}
}

func (s *Synchronizer) MirrorCreate(c cardstore.Card) { s.upsert(cardstore.OpCreate, c) }

func (s *Synchronizer) MirrorArchive(c cardstore.Card) { s.upsert(cardstore.OpArchive, c) }

func (s *Synchronizer) MirrorFavorite(c cardstore.Card) { s.upsert(cardstore.OpFavorite, c) }

func (s *Synchronizer) MirrorHide(c cardstore.Card) { s.upsert(cardstore.OpHide, c) }

func (s *Synchronizer) MirrorUpdate(c cardstore.Card) { s.upsert(cardstore.OpUpdate, c) }

// MirrorDelete removes the panel record of base from the active session.
func (s *Synchronizer) MirrorDelete(base string) {
	base = cardid.BaseID(base)
	sessionID := s.session()
	if sessionID == "" || base == "" {
		s.logger.Debug("no active session, delete not mirrored", zap.String("base_id", base))
		return
	}
	s.dispatch(write{
		kind:      writeDelete,
		op:        cardstore.OpDelete,
		sessionID: sessionID,
		cardID:    cardid.PanelID(base).String(),
	})
}

func (s *Synchronizer) upsert(op cardstore.Op, c cardstore.Card) {
	sessionID := s.session()
	if sessionID == "" {
		s.logger.Debug("no active session, write not mirrored", zap.String("op", string(op)), zap.String("base_id", c.BaseID()))
		return
	}
	s.dispatch(write{
		kind:      writeUpsert,
		op:        op,
		sessionID: sessionID,
		cardID:    cardid.PanelID(c.BaseID()).String(),
		record:    ToRecord(c, s.now()),
	})
}

// ToRecord converts a card to its persisted form, keyed by the panel id.
func ToRecord(c cardstore.Card, updatedAt time.Time) storage.Card {
	c = c.Clone()
	return storage.Card{
		ID:         cardid.PanelID(c.BaseID()).String(),
		Type:       c.Type,
		Status:     string(c.Status),
		IsFavorite: c.IsFavorite,
		Payload:    c.Payload,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  updatedAt,
	}
}

// FromRecord converts a persisted record back into a panel card.
func FromRecord(r storage.Card) cardstore.Card {
	status := cardstore.Status(r.Status)
	if !status.Valid() {
		status = cardstore.StatusActive
	}
	return cardstore.Card{
		ID:         cardid.PanelID(cardid.BaseID(r.ID)),
		Type:       r.Type,
		Status:     status,
		IsFavorite: r.IsFavorite,
		Payload:    r.Payload,
		CreatedAt:  r.CreatedAt,
	}
}

func (s *Synchronizer) dispatch(w write) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("synchronizer closed, write dropped", zap.String("op", string(w.op)), zap.String("card_id", w.cardID))
		return
	}

	if !s.opts.Ordered {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(w)
		}()
		return
	}

	key := w.sessionID + "/" + w.cardID
	q, ok := s.queues[key]
	if !ok {
		q = make(chan write, s.opts.QueueSize)
		s.queues[key] = q
		s.wg.Add(1)
		go s.drain(key, q)
	}
	select {
	case q <- w:
	default:
		s.logger.Warn("write queue full, write dropped",
			zap.String("op", string(w.op)), zap.String("card_id", w.cardID), zap.Int("queue_size", s.opts.QueueSize))
	}
}

// drain runs the writes for one key in order and exits once the queue is
// empty. Enqueueing happens under s.mu, so a write is either seen here or
// lands in a fresh queue.
func (s *Synchronizer) drain(key string, q chan write) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		select {
		case w := <-q:
			s.mu.Unlock()
			s.run(w)
		default:
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Synchronizer) run(w write) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()

	var err error
	switch w.kind {
	case writeDelete:
		err = s.remote.DeleteCard(ctx, w.sessionID, w.cardID)
	default:
		err = s.remote.UpsertCard(ctx, w.sessionID, w.record)
	}
	if err != nil {
		s.logger.Warn("remote write failed",
			zap.String("op", string(w.op)),
			zap.String("session_id", w.sessionID),
			zap.String("card_id", w.cardID),
			zap.Error(err))
		return
	}
	s.logger.Debug("remote write done", zap.String("op", string(w.op)), zap.String("card_id", w.cardID))
}

// Wait blocks until every issued write has finished.
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}

// Close stops accepting writes and waits for in-flight ones.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

var _ cardstore.Mirror = (*Synchronizer)(nil)
