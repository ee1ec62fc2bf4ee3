package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice/internal/protocol"
	"github.com/manpreetbhatti/lattice/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrClientClosed = errors.New("ws: client closed")
	ErrSlowClient   = errors.New("ws: send buffer full")
)

type Config struct {
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1024 * 1024,
		SendBuffer:     512,
	}
}

// Handler upgrades /ws requests and attaches each connection to its room.
type Handler struct {
	manager  *session.Manager
	limiters *ratelimit.ClientLimiters
	cfg      Config
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewHandler(manager *session.Manager, limiters *ratelimit.ClientLimiters, cfg Config) *Handler {
	return &Handler{
		manager:  manager,
		limiters: limiters,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logrus.WithField("component", "ws"),
	}
}

// Client is one websocket participant. It satisfies session.Conn and
// session.BatchSender.
type Client struct {
	h       *Handler
	id      string
	roomID  string
	conn    *websocket.Conn
	limiter *ratelimit.Limiter
	log     *logrus.Entry

	mu     sync.Mutex
	send   chan []protocol.Frame
	closed bool
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWs(w, r)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "room query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Upgrade failed")
		return
	}

	client := h.newClient(conn, roomID)
	go client.writePump()

	s, err := h.manager.Join(r.Context(), roomID, client)
	if err != nil {
		client.log.WithError(err).Warn("Join failed")
		if frame, encErr := protocol.Encode(protocol.NewError(roomID, "unable to join room")); encErr == nil {
			_ = client.Send(frame)
		}
		h.limiters.Remove(client.id)
		_ = client.Close()
		return
	}

	go client.readPump(s)
}

func (h *Handler) newClient(conn *websocket.Conn, roomID string) *Client {
	id := uuid.NewString()
	return &Client{
		h:       h,
		id:      id,
		roomID:  roomID,
		conn:    conn,
		limiter: h.limiters.Get(id),
		log: h.log.WithFields(logrus.Fields{
			"room_id": roomID,
			"conn_id": id,
		}),
		send: make(chan []protocol.Frame, h.cfg.SendBuffer),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues frame without blocking. A client that cannot keep up is
// closed.
func (c *Client) Send(frame protocol.Frame) error {
	return c.enqueue([]protocol.Frame{frame})
}

// SendBatch queues frames as a single send buffer slot. The write pump
// writes them back to back, ahead of anything queued later.
func (c *Client) SendBatch(frames []protocol.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	return c.enqueue(frames)
}

func (c *Client) enqueue(frames []protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- frames:
		return nil
	default:
		c.closeLocked()
		return ErrSlowClient
	}
}

// Close stops the write pump, which sends a close frame and drops the
// connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(s *session.Session) {
	defer func() {
		if err := c.h.manager.Leave(context.Background(), s, c); err != nil {
			c.log.WithError(err).Error("Leave failed")
		}
		c.h.limiters.Remove(c.id)
		_ = c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.h.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	maxViolations := c.h.limiters.Config().MaxViolations
	violations := 0

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		if !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.log.WithField("violations", violations).Warn("Rate limit exceeded")
			}
			if maxViolations > 0 && violations > maxViolations {
				c.log.Warn("Disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		var frame protocol.Frame
		switch messageType {
		case websocket.BinaryMessage:
			frame = protocol.Binary(message)
		case websocket.TextMessage:
			frame = protocol.Text(message)
		default:
			continue
		}

		if err := s.Receive(context.Background(), c, frame); err != nil {
			if !errors.Is(err, session.ErrSessionClosed) {
				c.log.WithError(err).Error("Failed to deliver frame to room")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frames, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			for _, frame := range frames {
				if err := c.write(frame); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(frame protocol.Frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	messageType := websocket.BinaryMessage
	if frame.Kind == protocol.KindText {
		messageType = websocket.TextMessage
	}
	return c.conn.WriteMessage(messageType, frame.Payload)
}
