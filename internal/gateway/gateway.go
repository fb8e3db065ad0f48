// Package gateway wires the card engine together and runs it behind a
// websocket endpoint.
//
// Every state change (stream events, user actions, session switches) goes
// through one task-queue goroutine, so the card store has a single writer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cardsync/internal/bus"
	"github.com/stellarlinkco/cardsync/internal/cardid"
	"github.com/stellarlinkco/cardsync/internal/cardstore"
	"github.com/stellarlinkco/cardsync/internal/config"
	"github.com/stellarlinkco/cardsync/internal/cron"
	"github.com/stellarlinkco/cardsync/internal/hydrate"
	"github.com/stellarlinkco/cardsync/internal/panel"
	"github.com/stellarlinkco/cardsync/internal/persist"
	"github.com/stellarlinkco/cardsync/internal/processor"
	"github.com/stellarlinkco/cardsync/internal/session"
	"github.com/stellarlinkco/cardsync/internal/storage"
	"github.com/stellarlinkco/cardsync/internal/storage/memory"
	"github.com/stellarlinkco/cardsync/internal/storage/sqlite"
	"github.com/stellarlinkco/cardsync/internal/tombstone"
)

// Options for creating a Gateway
type Options struct {
	Store      storage.Store  // overrides cfg.Storage when set
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	bus          *bus.MessageBus
	store        storage.Store
	checkpointer cron.Checkpointer
	tombstones   *tombstone.Registry
	cards        *cardstore.Store
	syncer       *persist.Synchronizer
	proc         *processor.Processor
	sessions     *session.Manager
	cron         *cron.Service
	web          *webServer

	signalChan chan os.Signal
	ready      chan struct{}
}

func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// OpenStore opens the session store selected by cfg.
func OpenStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.New(), nil
	case config.StorageSQLite, "":
		dbPath := strings.TrimSpace(cfg.DBPath)
		if dbPath == "" {
			dbPath = filepath.Join(config.DataDir(), "sessions.db")
		}
		engine, err := sqlite.NewEngine(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return engine, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func NewWithOptions(cfg *config.Config, logger *zap.Logger, opts Options) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:        cfg,
		logger:     logger.Named("gateway"),
		signalChan: opts.SignalChan,
		ready:      make(chan struct{}),
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	g.store = opts.Store
	if g.store == nil {
		st, err := OpenStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		g.store = st
	}
	if cp, ok := g.store.(cron.Checkpointer); ok {
		g.checkpointer = cp
	}

	tombPath := cfg.Tombstones.Path
	if tombPath == "" {
		tombPath = filepath.Join(config.DataDir(), "tombstones.json")
	}
	reg, err := tombstone.Open(tombPath, logger)
	if err != nil {
		_ = g.store.Close()
		return nil, fmt.Errorf("open tombstones: %w", err)
	}
	g.tombstones = reg

	router, err := panel.LoadRouter(cfg.Routing.File)
	if err != nil {
		_ = g.store.Close()
		return nil, fmt.Errorf("load routes: %w", err)
	}

	g.cards = cardstore.New(cardstore.WithTombstones(reg), cardstore.WithLogger(logger))
	g.sessions = session.NewManager(g.store, g.cards,
		session.WithHydrator(hydrate.New(reg, logger)),
		session.WithPublisher(g.bus),
		session.WithLogger(logger),
		session.WithTitleMaxLen(cfg.Session.TitleMaxLen))
	g.syncer = persist.New(g.store, g.sessions.ActiveSessionID, logger, persist.Options{
		Ordered:   cfg.Sync.Ordered,
		QueueSize: cfg.Sync.QueueSize,
		Timeout:   time.Duration(cfg.Sync.TimeoutMs) * time.Millisecond,
	})
	g.cards.SetMirror(g.syncer)
	g.proc = processor.New(g.cards,
		processor.WithRouter(router),
		processor.WithReveal(g.reveal),
		processor.WithLogger(logger))

	g.bus.SubscribeSession(func(ev bus.SessionChanged) {
		g.push(bus.OutboundMessage{Type: bus.FrameSession, SessionID: ev.Current})
	})

	g.cron = cron.NewService(config.CronPath(), logger)

	g.web = &webServer{
		addr:     net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		bus:      g.bus,
		view:     g.sessions.View,
		sessions: g.sessions.ListSessions,
		logger:   logger.Named("web"),
	}
	g.bus.SubscribeOutbound(g.web.Send)

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		g.bus.DispatchOutbound(ctx)
	}()

	if err := g.web.Start(ctx); err != nil {
		cancel()
		<-dispatched
		_ = g.Shutdown()
		return fmt.Errorf("start web: %w", err)
	}
	close(g.ready)

	if g.cfg.Maintenance.Enabled {
		if err := cron.RegisterMaintenance(g.cron, g.cfg.Maintenance, g.tombstones, g.checkpointer); err != nil {
			g.logger.Warn("register maintenance jobs", zap.Error(err))
		}
		if err := g.cron.Start(ctx); err != nil {
			g.logger.Warn("cron start", zap.Error(err))
		}
	}

	if g.cfg.Routing.Watch && g.cfg.Routing.File != "" {
		go func() {
			if err := panel.Watch(ctx, g.cfg.Routing.File, g.logger, g.proc.SetRouter); err != nil {
				g.logger.Warn("routes watch stopped", zap.Error(err))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.processLoop(ctx)
	}()

	g.logger.Info("running", zap.String("addr", g.web.Addr()))

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	cancel()
	<-done
	<-dispatched
	return g.Shutdown()
}

// Ready is closed once the web server is listening.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr is the address the web server is bound to. Call it after Ready.
func (g *Gateway) Addr() string { return g.web.Addr() }

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handle applies one client frame. It runs only on the task-queue goroutine.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	var err error
	switch msg.Type {
	case bus.FrameEvent:
		n := g.proc.Process(msg.Events)
		g.logger.Debug("events applied", zap.Int("received", len(msg.Events)), zap.Int("applied", n))
	case bus.FrameAction:
		if msg.Action == nil {
			err = errors.New("action frame without action")
			break
		}
		err = g.proc.Do(*msg.Action)
	case bus.FrameMessage:
		role := storage.Role(msg.Role)
		if role == "" {
			role = storage.RoleUser
		}
		_, err = g.sessions.AppendMessage(ctx, role, msg.Content)
	case bus.FrameLoad:
		g.syncer.Wait()
		_, err = g.sessions.LoadSession(ctx, msg.SessionID)
	case bus.FrameNew:
		g.syncer.Wait()
		_, err = g.sessions.CreateSession(ctx, msg.Content)
	case bus.FrameFavoriteSession, bus.FrameArchiveSession:
		err = g.setSessionFlag(ctx, msg)
	case bus.FrameAnnotation:
		if msg.Annotation == nil {
			err = errors.New("annotation frame without annotation")
			break
		}
		_, err = g.sessions.SaveAnnotation(ctx, msg.Annotation.Kind, msg.Annotation.Data)
	case bus.FrameAnnotationTag:
		if msg.Tag == nil {
			err = errors.New("annotationTag frame without tag")
			break
		}
		_, err = g.sessions.SaveAnnotationTag(ctx, msg.Tag.Name, msg.Tag.Color)
	default:
		err = fmt.Errorf("unknown frame type %q", msg.Type)
	}

	if err != nil {
		g.logger.Warn("frame failed", zap.String("type", msg.Type), zap.String("client", msg.ClientID), zap.Error(err))
		g.push(bus.OutboundMessage{ClientID: msg.ClientID, Type: bus.FrameError, Error: err.Error()})
		return
	}
	g.broadcastState()
}

func (g *Gateway) setSessionFlag(ctx context.Context, msg bus.InboundMessage) error {
	if msg.Flag == nil {
		return fmt.Errorf("%s frame without flag", msg.Type)
	}
	id := msg.SessionID
	if id == "" {
		id = g.sessions.ActiveSessionID()
	}
	if id == "" {
		return session.ErrNoActiveSession
	}
	var err error
	if msg.Type == bus.FrameFavoriteSession {
		_, err = g.sessions.SetFavorite(ctx, id, *msg.Flag)
	} else {
		_, err = g.sessions.SetArchived(ctx, id, *msg.Flag)
	}
	return err
}

func (g *Gateway) broadcastState() {
	g.push(stateFrame(g.sessions.View()))
}

func stateFrame(snap session.Snapshot) bus.OutboundMessage {
	msg := bus.OutboundMessage{
		Type:           bus.FrameState,
		SessionID:      snap.Session.ID,
		State:          &snap.Cards,
		Annotations:    snap.Annotations,
		AnnotationTags: snap.AnnotationTags,
	}
	if snap.Session.ID != "" {
		msg.Session = &snap.Session
	}
	return msg
}

func (g *Gateway) reveal(surface cardid.Namespace, target panel.Panel, id cardid.ID) {
	g.push(bus.OutboundMessage{
		Type:   bus.FrameReveal,
		Reveal: &bus.PanelReveal{Surface: surface.String(), Panel: string(target), CardID: id.String()},
	})
}

func (g *Gateway) push(msg bus.OutboundMessage) {
	select {
	case g.bus.Outbound <- msg:
	default:
		g.logger.Warn("outbound queue full, frame dropped", zap.String("type", msg.Type))
	}
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.web.Stop()
	g.syncer.Close()
	if g.tombstones.Dirty() {
		if err := g.tombstones.Flush(); err != nil {
			g.logger.Warn("flush tombstones", zap.Error(err))
		}
	}
	if err := g.store.Close(); err != nil {
		g.logger.Warn("close store", zap.Error(err))
	}
	g.logger.Info("shutdown complete")
	return nil
}
