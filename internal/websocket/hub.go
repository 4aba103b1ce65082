// Package websocket is the real-time distributor: session rooms fed by the session store,
// served to websocket and SSE subscribers.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Outbound buffer per subscriber.
	sendBuffer = 256

	// Larger backlogs are not replayed over the socket; the client is told to pull instead.
	maxBacklogReplay = sendBuffer - 16

	// DefaultHeartbeat is the interval between heartbeat events.
	DefaultHeartbeat = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// Viewers are embedded in arbitrary pages.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// errSlowSubscriber is wrapped in the DistributionError logged when a send buffer overflows.
var errSlowSubscriber = errors.New("send buffer full")

// SessionAttacher replays a session's history atomically with respect to new appends.
type SessionAttacher interface {
	Attach(ctx context.Context, sessionID string, lastSeen int64, fn func(backlog []entities.TranscriptSegment)) error
}

// Ingress accepts producer submissions arriving over the socket.
type Ingress interface {
	Sync(ctx context.Context, req domain.SyncRequest) (domain.SyncResponse, error)
}

// Hub maintains the set of active clients and their session rooms.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Room membership keyed by session id.
	rooms map[string]map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to clients and rooms
	mu sync.RWMutex

	sessions  SessionAttacher
	ingress   Ingress
	heartbeat time.Duration
	done      chan struct{}

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub. ingress may be nil for a read-only relay.
func NewHub(sessions SessionAttacher, ingress Ingress, heartbeat time.Duration, logger *zap.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		sessions:   sessions,
		ingress:    ingress,
		heartbeat:  heartbeat,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled, disconnecting every
// client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Info("Client unregistered", zap.String("client_id", client.id))

		case <-ticker.C:
			h.sendHeartbeat()

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			clients := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				clients = append(clients, c)
			}
			h.clients = make(map[string]*Client)
			h.rooms = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			for _, c := range clients {
				c.close()
			}
			return
		}
	}
}

// SegmentAppended pushes seg to every member of its room. Members whose buffer is full are
// disconnected; they recover by re-joining with their last seen sequence number.
func (h *Hub) SegmentAppended(seg entities.TranscriptSegment) {
	data, err := encode(MessageTypeTranscriptionUpdate, createUpdateMessage(seg))
	if err != nil {
		h.logger.Error("Failed to encode segment", zap.String("session_id", seg.SessionID), zap.Error(err))
		return
	}
	h.fanOut(seg.SessionID, data)
}

// PartialUpdated pushes the in-progress utterance to the session's room.
func (h *Hub) PartialUpdated(sessionID string, partial entities.PartialTranscript) {
	data, err := encode(MessageTypeTranscriptionPartial, &TranscriptionPartialMessage{
		BaseMessage: newBase(MessageTypeTranscriptionPartial),
		SessionID:   sessionID,
		Partial:     partial,
	})
	if err != nil {
		h.logger.Error("Failed to encode partial", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	h.fanOut(sessionID, data)
}

// CloseSession notifies the room that the session was torn down and empties it. The
// connections stay open and may join another session.
func (h *Hub) CloseSession(sessionID string) {
	data, err := encode(MessageTypeSessionClosed, &SessionClosedMessage{
		BaseMessage: newBase(MessageTypeSessionClosed),
		SessionID:   sessionID,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	members := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()

	for c := range members {
		c.setSession("")
		if !c.enqueue(data) {
			h.dropSlow(c, sessionID)
		}
	}
	h.logger.Info("Session room closed",
		zap.String("session_id", sessionID),
		zap.Int("members", len(members)))
}

// InUse reports whether anyone is subscribed to sessionID.
func (h *Hub) InUse(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID]) > 0
}

// Subscribers returns the number of members of the session's room.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Subscribe registers a connection-less client (used by SSE) and joins it to sessionID,
// replaying segments after lastSeen. A negative lastSeen skips the replay.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, lastSeen int64) (*Client, error) {
	c := newClient(h, nil, false, h.logger)
	select {
	case h.register <- c:
	case <-h.done:
		return nil, errors.New("hub stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := h.join(ctx, c, sessionID, lastSeen); err != nil {
		h.Unsubscribe(c)
		return nil, err
	}
	return c, nil
}

// Unsubscribe releases a client obtained from Subscribe.
func (h *Hub) Unsubscribe(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// join moves c into the room of sessionID. The backlog and the room insertion happen under
// the store's writer lock, so the client sees every segment exactly in order.
func (h *Hub) join(ctx context.Context, c *Client, sessionID string, lastSeen int64) error {
	h.leave(c)

	return h.sessions.Attach(ctx, sessionID, lastSeen, func(backlog []entities.TranscriptSegment) {
		h.mu.Lock()
		room, ok := h.rooms[sessionID]
		if !ok {
			room = make(map[*Client]struct{})
			h.rooms[sessionID] = room
		}
		room[c] = struct{}{}
		h.mu.Unlock()
		c.setSession(sessionID)

		joined, err := encode(MessageTypeJoinedSession, &JoinedSessionMessage{
			BaseMessage: newBase(MessageTypeJoinedSession),
			SessionID:   sessionID,
			ClientID:    c.id,
		})
		if err == nil {
			c.enqueue(joined)
		}

		if len(backlog) > maxBacklogReplay {
			resync, err := encode(MessageTypeResyncRequired, &ResyncRequiredMessage{
				BaseMessage: newBase(MessageTypeResyncRequired),
				SessionID:   sessionID,
				LastSeenSeq: uint64(lastSeen),
				Reason:      "backlog too large",
			})
			if err == nil {
				c.enqueue(resync)
			}
			return
		}
		for _, seg := range backlog {
			data, err := encode(MessageTypeTranscriptionUpdate, createUpdateMessage(seg))
			if err != nil {
				continue
			}
			if !c.enqueue(data) {
				return
			}
		}

		h.logger.Info("Client joined session",
			zap.String("client_id", c.id),
			zap.String("session_id", sessionID),
			zap.Int("backlog", len(backlog)))
	})
}

// leave removes c from its room and returns the session it left.
func (h *Hub) leave(c *Client) string {
	sessionID := c.currentSession()
	if sessionID == "" {
		return ""
	}
	h.mu.Lock()
	if room, ok := h.rooms[sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	h.mu.Unlock()
	c.setSession("")
	return sessionID
}

func (h *Hub) remove(c *Client) {
	h.leave(c)
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) fanOut(sessionID string, data WriteData) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.rooms[sessionID] {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.dropSlow(c, sessionID)
	}
}

func (h *Hub) dropSlow(c *Client, sessionID string) {
	h.leave(c)
	h.logger.Warn("Disconnected slow subscriber", zap.Error(&domain.DistributionError{
		SessionID: sessionID,
		ClientID:  c.id,
		Err:       errSlowSubscriber,
	}))
}

func (h *Hub) sendHeartbeat() {
	data, err := encode(MessageTypeHeartbeat, &HeartbeatMessage{BaseMessage: newBase(MessageTypeHeartbeat)})
	if err != nil {
		return
	}
	h.mu.RLock()
	var slow []*Client
	for _, c := range h.clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if sessionID := c.currentSession(); sessionID != "" {
			h.dropSlow(c, sessionID)
		}
	}
}
