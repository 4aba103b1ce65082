package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
)

// syncTimeout bounds a producer submission received over the socket.
const syncTimeout = 10 * time.Second

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type int
	// Event names the payload for SSE framing.
	Event   string
	Payload []byte
}

// Client is a middleman between a subscriber connection and the hub. SSE subscribers
// have no websocket connection and read Messages directly.
type Client struct {
	id  string
	hub *Hub

	// The websocket connection, nil for SSE.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Producers may submit segments with the sync event.
	producer bool

	validator *MessageValidator
	logger    *zap.Logger

	mu        sync.Mutex
	sessionID string
	closed    bool
}

func newClient(hub *Hub, conn *websocket.Conn, producer bool, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:        id,
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, sendBuffer),
		producer:  producer,
		validator: NewMessageValidator(),
		logger:    logger.With(zap.String("client_id", id)),
	}
}

// ID returns the connection identifier sent in connected and joined_session events.
func (c *Client) ID() string { return c.id }

// Messages is closed when the client is disconnected.
func (c *Client) Messages() <-chan WriteData { return c.send }

// enqueue never blocks. A full buffer closes the client and reports false.
func (c *Client) enqueue(data WriteData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Client) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// HandleWebSocket handles websocket requests from the peer. producer is true when the
// request carried a valid producer token.
func HandleWebSocket(hub *Hub, c echo.Context, producer bool, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(hub, conn, producer, logger)
	select {
	case client.hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	if data, err := encode(MessageTypeConnected, &ConnectedMessage{
		BaseMessage: newBase(MessageTypeConnected),
		Status:      "connected",
		ClientID:    client.id,
	}); err == nil {
		client.enqueue(data)
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		default:
			c.logger.Warn("Received unsupported message type", zap.Int("type", messageType))
			c.sendError("unsupported_frame", "only text frames are accepted", "")
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage dispatches one client event.
func (c *Client) processMessage(message []byte) {
	parsed, err := c.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Rejected message", zap.Error(err))
		c.sendError("invalid_message", err.Error(), "")
		return
	}

	switch msg := parsed.(type) {
	case *JoinSessionMessage:
		c.handleJoin(msg)
	case *LeaveSessionMessage:
		c.handleLeave()
	case *SyncMessage:
		c.handleSync(msg)
	case *PingMessage:
		c.reply(MessageTypePong, CreatePongMessage(msg.Data))
	}
}

func (c *Client) handleJoin(msg *JoinSessionMessage) {
	lastSeen := int64(-1)
	if msg.LastSeenSeq != nil {
		lastSeen = *msg.LastSeenSeq
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if err := c.hub.join(ctx, c, msg.SessionID, lastSeen); err != nil {
		c.logger.Error("Failed to join session",
			zap.String("session_id", msg.SessionID),
			zap.Error(err))
		c.sendError("join_failed", "failed to join session", err.Error())
	}
}

func (c *Client) handleLeave() {
	sessionID := c.hub.leave(c)
	c.reply(MessageTypeLeftSession, &LeftSessionMessage{
		BaseMessage: newBase(MessageTypeLeftSession),
		SessionID:   sessionID,
	})
}

func (c *Client) handleSync(msg *SyncMessage) {
	if !c.producer {
		c.sendError("forbidden", "sync requires a producer token", "")
		return
	}
	if c.hub.ingress == nil {
		c.sendError("unavailable", "this server does not accept submissions", "")
		return
	}

	req := msg.SyncRequest
	if req.Target() == "" {
		req.SessionID = c.currentSession()
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	resp, err := c.hub.ingress.Sync(ctx, req)
	if err != nil {
		c.logger.Error("Sync failed", zap.String("session_id", req.Target()), zap.Error(err))
		c.sendError("sync_failed", "failed to store segment", err.Error())
		return
	}
	c.reply(MessageTypeSyncSuccess, &SyncSuccessMessage{
		BaseMessage:  newBase(MessageTypeSyncSuccess),
		SyncResponse: resp,
	})
}

func (c *Client) sendError(code, message, details string) {
	c.reply(MessageTypeError, CreateErrorMessage(code, message, details))
}

func (c *Client) reply(event MessageType, msg interface{}) {
	data, err := encode(event, msg)
	if err != nil {
		c.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("Reply dropped", zap.Error(&domain.DistributionError{
			SessionID: c.currentSession(),
			ClientID:  c.id,
			Err:       errSlowSubscriber,
		}))
	}
}
