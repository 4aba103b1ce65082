package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/internal/websocket"
)

// streamEvents serves a session room as Server-Sent Events for clients that cannot hold a
// websocket. ?after=N replays the segments after N before live events. Heartbeats come from
// the hub, so idle proxies keep the stream open.
func streamEvents(c echo.Context, hub *websocket.Hub, logger *zap.Logger) error {
	sessionID := c.Param("id")
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_session_id", Message: err.Error()})
	}
	lastSeen := int64(-1)
	if v := c.QueryParam("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			return badQuery(c, "after", fmt.Errorf("must be a non-negative integer"))
		}
		lastSeen = after
	}

	ctx := c.Request().Context()
	client, err := hub.Subscribe(ctx, sessionID, lastSeen)
	if err != nil {
		logger.Error("SSE subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: err.Error()})
	}
	defer hub.Unsubscribe(client)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	connected, _ := json.Marshal(map[string]string{
		"status":     "connected",
		"client_id":  client.ID(),
		"session_id": sessionID,
	})
	if err := writeEvent(w, "connected", connected); err != nil {
		return nil
	}

	logger.Info("SSE client connected",
		zap.String("client_id", client.ID()),
		zap.String("session_id", sessionID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-client.Messages():
			if !ok {
				// Dropped as a slow subscriber or the session closed.
				return nil
			}
			if err := writeEvent(w, msg.Event, msg.Payload); err != nil {
				logger.Debug("SSE write failed", zap.String("client_id", client.ID()), zap.Error(err))
				return nil
			}
			if msg.Event == string(websocket.MessageTypeSessionClosed) {
				logger.Info("SSE stream ended with session",
					zap.String("client_id", client.ID()),
					zap.String("session_id", sessionID))
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
