package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/user/gdbrelay/internal/session"
)

var (
	errClientClosed   = errors.New("hub: client closed")
	errSendBufferFull = errors.New("hub: client send buffer full")
)

const (
	readLimit    = 32768
	pingInterval = 30 * time.Second
	// closeGrace bounds the close handshake before the connection is
	// dropped outright.
	closeGrace = 500 * time.Millisecond
)

// Client is one websocket connection bound to one debugger session. It
// is the session's Transport while attached.
type Client struct {
	id        string
	observer  string
	sessionID string
	conn      *websocket.Conn
	hub       *Hub
	limiter   *rate.Limiter
	logger    *zap.Logger

	sendMu     sync.Mutex
	send       chan []byte
	closed     bool
	overflowed bool
}

func newClient(conn *websocket.Conn, hub *Hub, sessionID, observer string) *Client {
	id := uuid.NewString()
	return &Client{
		id:        id,
		observer:  observer,
		sessionID: sessionID,
		conn:      conn,
		hub:       hub,
		limiter:   rate.NewLimiter(hub.commandRate, hub.commandBurst),
		logger:    hub.logger.With(zap.String("client", id), zap.String("session", sessionID)),
		send:      make(chan []byte, hub.sendBuffer),
	}
}

// ObserverID is the ?client= value the browser connected with, so a
// reconnecting tab resumes log replay where it left off.
func (c *Client) ObserverID() string { return c.observer }

// Send queues data for the write pump without blocking. A client that
// falls a full buffer behind is disconnected; it reconnects and is brought
// up to date by a fresh attach.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed || c.overflowed {
		return errClientClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.overflowed = true
		c.logger.Warn("send buffer full, disconnecting slow client", zap.Int("buffer", cap(c.send)))
		c.disconnect(websocket.StatusTryAgainLater, "client too slow")
		return errSendBufferFull
	}
}

// Close ends the connection without blocking the caller. The read pump
// notices and unregisters.
func (c *Client) Close() error {
	c.disconnect(websocket.StatusGoingAway, "session transport closed")
	return nil
}

// disconnect starts the close handshake and drops the connection if the
// peer has not answered within closeGrace.
func (c *Client) disconnect(code websocket.StatusCode, reason string) {
	go func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = c.conn.Close(code, reason)
		}()
		select {
		case <-done:
		case <-time.After(closeGrace):
			_ = c.conn.CloseNow()
		}
	}()
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(ctx context.Context, sess *session.Session) {
	defer func() {
		sess.Detach(c)
		c.hub.unregisterClient(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(readLimit)

	if err := sess.Attach(c); err != nil {
		c.logger.Info("session unavailable", zap.Error(err))
		return
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}

		var msg session.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Action == "" {
			c.logger.Debug("invalid message", zap.Error(err))
			c.sendError("invalid message format")
			continue
		}

		if err := sess.Submit(msg.Action, msg.Args); err != nil {
			c.logger.Info("session closed, dropping client", zap.Error(err))
			return
		}
	}
}

func (c *Client) sendError(message string) {
	data, err := json.Marshal(session.Message{Type: session.TypeError, Payload: message})
	if err != nil {
		return
	}
	_ = c.Send(context.Background(), data)
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}
