package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/user/gdbrelay/internal/metrics"
	"github.com/user/gdbrelay/internal/session"
)

const (
	DefaultSessionID = "default"

	defaultCommandRate  = rate.Limit(50)
	defaultCommandBurst = 100
	defaultSendBuffer   = 256
)

// Sessions resolves a session id to its session, creating it on first use.
type Sessions interface {
	GetOrCreate(id string) *session.Session
}

type Options struct {
	// Token, when set, must be presented as ?token= or a bearer header.
	Token        string
	CommandRate  rate.Limit
	CommandBurst int
	// SendBuffer is the number of outbound frames queued per client
	// before it is considered too slow and disconnected.
	SendBuffer int
	Logger     *zap.Logger
}

// Hub accepts websocket connections and binds each to a debugger session.
type Hub struct {
	sessions     Sessions
	token        string
	commandRate  rate.Limit
	commandBurst int
	sendBuffer   int
	logger       *zap.Logger

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	ctx        atomic.Pointer[context.Context]
	running    atomic.Bool
}

func New(sessions Sessions, opts Options) *Hub {
	if opts.CommandRate <= 0 {
		opts.CommandRate = defaultCommandRate
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = defaultCommandBurst
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		sessions:     sessions,
		token:        opts.Token,
		commandRate:  opts.CommandRate,
		commandBurst: opts.CommandBurst,
		sendBuffer:   opts.SendBuffer,
		logger:       opts.Logger,
		clients:      make(map[string]*Client),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
	}
}

func (h *Hub) getContext() context.Context {
	if ctx := h.ctx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctx.Store(&ctx)
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				c.closeSend()
				metrics.WSConnections.Dec()
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			metrics.WSConnections.Inc()

			sess := h.sessions.GetOrCreate(client.sessionID)
			go client.writePump(h.getContext())
			go client.readPump(h.getContext(), sess)
			client.logger.Info("client connected", zap.Int("total", h.ClientCount()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.closeSend()
				metrics.WSConnections.Dec()
			}
			h.mu.Unlock()
			client.logger.Info("client disconnected", zap.Int("total", h.ClientCount()))
		}
	}
}

// HandleWebSocket serves /ws and /ws/{session}.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := strings.TrimSpace(r.PathValue("session"))
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept error", zap.Error(err))
		return
	}

	client := newClient(conn, h, sessionID, strings.TrimSpace(r.URL.Query().Get("client")))

	select {
	case h.register <- client:
	default:
		h.logger.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return token == h.token
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.running.Load() {
		c.closeSend()
		return
	}
	select {
	case h.unregister <- c:
	default:
		c.logger.Warn("unregister channel full, forcing close")
		c.closeSend()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
