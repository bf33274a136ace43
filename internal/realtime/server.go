// Package realtime serves observers over websocket and a small REST mirror,
// and fans notifications out to them by subscription.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"cbos/internal/event"
	"cbos/internal/notify"
	"cbos/internal/protocol"
	"cbos/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendBuffer     = 256
	commandTimeout = 30 * time.Second

	// Per-observer inbound budget: 10 messages per second, bursts of 20.
	messageRate  = rate.Limit(10)
	messageBurst = 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Observers are local tools on arbitrary ports.
	},
}

// Controller executes operator commands on behalf of observers.
type Controller interface {
	List() []session.Session
	Get(slug string) (session.Session, error)
	Create(ctx context.Context, slug, path string, transport session.Transport) (session.Session, error)
	Delete(ctx context.Context, slug string) error
	SendInput(ctx context.Context, slug, text string) error
	Interrupt(ctx context.Context, slug string) (bool, error)
	Events(slug string, limit int, category event.Category) ([]event.Event, error)
	Counts() map[session.State]int
}

// Hub tracks observer connections and their subscriptions.
type Hub struct {
	ctrl      Controller
	staticDir string
	logger    *slog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	subs subscription

	limiter *rate.Limiter
}

// subscription is one connection's interest set. all wins over slugs.
type subscription struct {
	mu    sync.Mutex
	all   bool
	slugs map[string]bool
}

// replace sets exactly the given slugs, or all-sessions mode when the list
// contains the wildcard.
func (s *subscription) replace(slugs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.all = false
	s.slugs = make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		if slug == protocol.Wildcard {
			s.all = true
			s.slugs = map[string]bool{}
			return
		}
		s.slugs[slug] = true
	}
}

func (s *subscription) remove(slugs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, slug := range slugs {
		if slug == protocol.Wildcard {
			s.all = false
			s.slugs = map[string]bool{}
			return
		}
		delete(s.slugs, slug)
	}
}

func (s *subscription) includes(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all || s.slugs[slug]
}

func (s *subscription) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.all {
		return []string{protocol.Wildcard}
	}
	out := make([]string, 0, len(s.slugs))
	for slug := range s.slugs {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// New creates a Hub. Attach must be called before serving.
func New(staticDir string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		staticDir: staticDir,
		logger:    logger,
		clients:   make(map[*client]bool),
	}
}

// Attach sets the controller that executes commands. It exists because the
// controller itself notifies the hub.
func (h *Hub) Attach(ctrl Controller) {
	h.ctrl = ctrl
}

// Handler returns an http.Handler with all routes configured.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("GET /sessions/status", h.handleStatus)
	mux.HandleFunc("GET /sessions/{slug}", h.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{slug}", h.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{slug}/send", h.handleSendInput)
	mux.HandleFunc("POST /sessions/{slug}/interrupt", h.handleInterrupt)
	mux.HandleFunc("GET /sessions/{slug}/events", h.handleEvents)

	if h.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(h.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close drops every observer connection.
func (h *Hub) Close() {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,

		limiter: rate.NewLimiter(messageRate, messageBurst),
	}
	c.subs.replace(nil)

	h.clientsMu.Lock()
	h.clients[c] = true
	h.clientsMu.Unlock()

	h.logger.Info("observer connected", slog.String("client", c.id), slog.String("remote", r.RemoteAddr))

	c.reply(protocol.NewSessions(h.ctrl.List()))

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", slog.String("client", c.id), slog.Any("error", err))
			}
			return
		}

		c.hub.handleMessage(c, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	delete(h.clients, c)
	h.clientsMu.Unlock()

	close(c.send)
	h.logger.Info("observer disconnected", slog.String("client", c.id))
}

// reply queues msg for this client only. Only the read pump calls it, so
// send is never closed underneath it.
func (c *client) reply(msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.hub.logger.Error("encode reply", slog.Any("error", err))
		return
	}
	c.deliver(data)
}

func (c *client) deliver(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("observer buffer full, dropping message", slog.String("client", c.id))
	}
}

func (h *Hub) handleMessage(c *client, raw []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.reply(protocol.NewError(protocol.ErrRateLimited))
		return
	}

	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.reply(protocol.NewError(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch msg.Type {
	case protocol.TypeSubscribe:
		c.subs.replace(msg.Sessions)
		c.reply(protocol.NewSubscribed(c.subs.list()))

	case protocol.TypeUnsubscribe:
		c.subs.remove(msg.Sessions)
		c.reply(protocol.NewSubscribed(c.subs.list()))

	case protocol.TypeListSessions:
		c.reply(protocol.NewSessions(h.ctrl.List()))

	case protocol.TypeCreateSession:
		// Success is announced to everyone through session_created.
		if _, err := h.ctrl.Create(ctx, msg.Slug, msg.Path, session.Transport(msg.Transport)); err != nil {
			c.reply(protocol.NewError(err))
		}

	case protocol.TypeDeleteSession:
		if err := h.ctrl.Delete(ctx, msg.Slug); err != nil {
			c.reply(protocol.NewError(err))
		}

	case protocol.TypeSendInput:
		err := h.ctrl.SendInput(ctx, msg.Slug, msg.Text)
		if err != nil {
			c.reply(protocol.NewError(err))
		}
		c.reply(protocol.NewSendResult(msg.Slug, err))

	case protocol.TypeInterrupt:
		ok, err := h.ctrl.Interrupt(ctx, msg.Slug)
		if err != nil {
			c.reply(protocol.NewError(err))
			return
		}
		c.reply(protocol.NewInterruptResult(msg.Slug, ok))

	case protocol.TypeGetEvents:
		events, err := h.ctrl.Events(msg.Slug, msg.Limit, event.Category(msg.Category))
		if err != nil {
			c.reply(protocol.NewError(err))
			return
		}
		c.reply(protocol.NewEvents(msg.Slug, events))
	}
}

// Notify implements notify.Notifier. Delivery never blocks: a full or
// departed observer simply misses the message.
func (h *Hub) Notify(n notify.Notification) {
	var msg any
	switch n.Kind {
	case notify.Event:
		if n.Event == nil {
			return
		}
		msg = protocol.NewFormattedEvent(n.Slug, *n.Event)
	case notify.SessionUpdate:
		if n.Session == nil {
			return
		}
		msg = protocol.NewSessionUpdate(*n.Session)
	case notify.Waiting:
		msg = protocol.NewSessionWaiting(n.Slug, n.Context)
	case notify.Created:
		if n.Session == nil {
			return
		}
		msg = protocol.NewSessionCreated(*n.Session)
	case notify.Deleted:
		msg = protocol.NewSessionDeleted(n.Slug)
	default:
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode notification", slog.String("kind", n.Kind.String()), slog.Any("error", err))
		return
	}
	if n.Global() {
		h.broadcast(data, "")
		return
	}
	h.broadcast(data, n.Slug)
}

// broadcast sends data to every client interested in slug, or to every
// client when slug is empty.
func (h *Hub) broadcast(data []byte, slug string) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for c := range h.clients {
		if slug != "" && !c.subs.includes(slug) {
			continue
		}
		c.deliver(data)
	}
}
