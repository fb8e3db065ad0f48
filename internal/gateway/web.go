package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/stellarlinkco/cardsync/internal/bus"
	"github.com/stellarlinkco/cardsync/internal/session"
	"github.com/stellarlinkco/cardsync/internal/storage"
)

const writeTimeout = 5 * time.Second

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// webServer accepts client frames over /ws and serves read-only views. It
// never touches card state itself; frames go onto the bus inbound queue.
type webServer struct {
	addr     string
	bus      *bus.MessageBus
	view     func() session.Snapshot
	sessions func(ctx context.Context, limit int) ([]storage.Session, error)
	logger   *zap.Logger

	server   *http.Server
	listener net.Listener
	clients  sync.Map
	nextID   atomic.Int64
	wg       sync.WaitGroup

	// conns counts live websocket handlers; closed stops new ones from
	// joining once Stop has started waiting.
	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup
}

func (w *webServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	mux.HandleFunc("GET /api/state", w.handleState)
	mux.HandleFunc("GET /api/sessions", w.handleSessions)
	return mux
}

func (w *webServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.addr, err)
	}
	w.listener = ln
	w.server = &http.Server{
		Handler:           w.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (w *webServer) Addr() string {
	if w.listener == nil {
		return w.addr
	}
	return w.listener.Addr().String()
}

func (w *webServer) track() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.conns.Add(1)
	return true
}

func (w *webServer) handleWS(wr http.ResponseWriter, r *http.Request) {
	if !w.track() {
		http.Error(wr, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer w.conns.Done()

	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		w.logger.Warn("websocket accept error", zap.Error(err))
		return
	}

	clientID := fmt.Sprintf("client-%d", w.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID}
	w.clients.Store(clientID, client)
	w.logger.Debug("client connected", zap.String("client", clientID))

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		w.logger.Debug("client disconnected", zap.String("client", clientID))
	}()

	// The first frame tells the client where things stand.
	if err := w.write(r.Context(), client, stateFrame(w.view())); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg bus.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Debug("bad frame", zap.String("client", clientID), zap.Error(err))
			continue
		}
		msg.ClientID = clientID
		msg.Timestamp = time.Now()

		select {
		case w.bus.Inbound <- msg:
		case <-r.Context().Done():
			return
		}
	}
}

func (w *webServer) handleState(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, w.view())
}

func (w *webServer) handleSessions(wr http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(wr, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	list, err := w.sessions(r.Context(), limit)
	if err != nil {
		w.logger.Warn("list sessions failed", zap.Error(err))
		writeJSON(wr, http.StatusInternalServerError, map[string]string{"error": "list sessions failed"})
		return
	}
	writeJSON(wr, http.StatusOK, list)
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	_ = json.NewEncoder(wr).Encode(v)
}

// Send delivers msg to its client, or to every client when ClientID is empty.
func (w *webServer) Send(msg bus.OutboundMessage) {
	if msg.ClientID != "" {
		c, ok := w.clients.Load(msg.ClientID)
		if !ok {
			return
		}
		if err := w.write(context.Background(), c.(*wsClient), msg); err != nil {
			w.logger.Debug("write failed", zap.String("client", msg.ClientID), zap.Error(err))
		}
		return
	}
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		if err := w.write(context.Background(), c, msg); err != nil {
			w.logger.Debug("broadcast write failed", zap.String("client", c.id), zap.Error(err))
		}
		return true
	})
}

func (w *webServer) write(ctx context.Context, c *wsClient, msg bus.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (w *webServer) Stop() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.logger.Warn("shutdown error", zap.Error(err))
		}
	}
	w.clients.Range(func(key, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	w.wg.Wait()
	w.conns.Wait()
	w.logger.Info("stopped")
	return nil
}
