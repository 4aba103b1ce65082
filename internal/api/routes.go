package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/internal/auth"
	"github.com/opentranslive/server/internal/websocket"
	"github.com/opentranslive/server/usecase"
)

const claimsKey = "claims"

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, service *usecase.TranscriptionService, issuer *auth.Issuer, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "opentranslive-server",
		})
	})

	producer := requireProducer(issuer, logger)

	apiGroup := e.Group("/api")
	apiGroup.POST("/auth/token", func(c echo.Context) error {
		return issueToken(c, issuer, logger)
	})

	// Ingress
	apiGroup.POST("/sync/:id", func(c echo.Context) error {
		return syncSegment(c, service, logger)
	}, producer)

	// Pull
	apiGroup.GET("/sessions/:id", func(c echo.Context) error {
		return sessionInfo(c, service)
	})
	segments := func(c echo.Context) error {
		return listSegments(c, service)
	}
	apiGroup.GET("/sessions/:id/segments", segments)
	e.GET("/rt/:id", segments)
	e.GET("/download/:id", func(c echo.Context) error {
		return download(c, service)
	})
	e.GET("/yt/:id", func(c echo.Context) error {
		return videoTranscript(c, service)
	})

	// Push
	apiGroup.GET("/sse/:id", func(c echo.Context) error {
		return streamEvents(c, hub, logger)
	})
	ws := func(c echo.Context) error {
		return websocketWithAuth(hub, issuer, c, logger)
	}
	e.GET("/ws", ws)
	e.GET("/socket", ws)

	// Admin
	apiGroup.DELETE("/sessions/:id", func(c echo.Context) error {
		return teardown(c, service, logger)
	}, producer)
}

// tokenFrom reads a JWT from the Authorization header, falling back to the token query
// parameter for browser websocket clients that cannot set headers.
func tokenFrom(c echo.Context) string {
	if token := auth.BearerToken(c.Request().Header.Get("Authorization")); token != "" {
		return token
	}
	return c.QueryParam("token")
}

// requireProducer only lets requests carrying a producer token through.
func requireProducer(issuer *auth.Issuer, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := tokenFrom(c)
			if token == "" {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required in Authorization header",
				})
			}

			claims, err := issuer.ValidateToken(token)
			if err != nil {
				logger.Warn("Request rejected: invalid token",
					zap.String("path", c.Path()),
					zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}

			if claims.Role != auth.RoleProducer {
				logger.Warn("Request rejected: invalid role",
					zap.String("role", claims.Role))
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Only producer tokens may modify sessions",
				})
			}

			if sessionID := c.Param("id"); sessionID != "" && !claims.AllowsSession(sessionID) {
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "session_forbidden",
					Message: "Token is not valid for this session",
				})
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

func issueToken(c echo.Context, issuer *auth.Issuer, logger *zap.Logger) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Secret key is required",
		})
	}
	if !issuer.CheckSecret(req.SecretKey) {
		logger.Warn("Token request rejected", zap.String("remote_ip", c.RealIP()))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid secret key",
		})
	}
	if req.SessionID != "" {
		if err := entities.ValidateSessionID(req.SessionID); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_session_id", Message: err.Error()})
		}
	}

	subject := req.Subject
	if subject == "" {
		subject = "producer"
	}
	token, expiresAt, err := issuer.GenerateProducerToken(subject, req.SessionID)
	if err != nil {
		logger.Error("Failed to generate producer token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Producer token issued",
		zap.String("subject", subject),
		zap.String("session_id", req.SessionID))
	return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt, Role: auth.RoleProducer})
}

func syncSegment(c echo.Context, service *usecase.TranscriptionService, logger *zap.Logger) error {
	var req domain.SyncRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	// The path names the session; a body id cannot redirect the write.
	req.SessionID = c.Param("id")

	resp, err := service.Sync(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func sessionInfo(c echo.Context, service *usecase.TranscriptionService) error {
	sessionID := c.Param("id")
	if videoID := c.QueryParam("youtube"); videoID != "" {
		if err := service.LinkVideo(sessionID, videoID); err != nil {
			return errorJSON(c, err)
		}
	}

	info, ok, err := service.Info(c.Request().Context(), sessionID)
	if err != nil {
		return errorJSON(c, err)
	}
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "No transcript exists for this session",
		})
	}
	return c.JSON(http.StatusOK, info)
}

func listSegments(c echo.Context, service *usecase.TranscriptionService) error {
	var q usecase.SegmentQuery
	if v := c.QueryParam("all"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			return badQuery(c, "all", err)
		}
		q.All = all
	}
	if v := c.QueryParam("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return badQuery(c, "after", err)
		}
		q.After = &after
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return badQuery(c, "limit", errors.New("must be a positive integer"))
		}
		q.Limit = limit
	}
	q.AlignToVideo = c.QueryParam("align") == "video"

	segs, err := service.Segments(c.Request().Context(), c.Param("id"), q)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, segs)
}

func download(c echo.Context, service *usecase.TranscriptionService) error {
	sessionID := c.Param("id")
	resp, err := transcript(c, service, sessionID)
	if err != nil {
		return errorJSON(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+sessionID+`.json"`)
	return c.JSON(http.StatusOK, resp)
}

// videoTranscript serves a session whose id is also the YouTube video id of the stream.
func videoTranscript(c echo.Context, service *usecase.TranscriptionService) error {
	sessionID := c.Param("id")
	if err := service.LinkVideo(sessionID, sessionID); err != nil {
		return errorJSON(c, err)
	}
	resp, err := transcript(c, service, sessionID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func transcript(c echo.Context, service *usecase.TranscriptionService, sessionID string) (TranscriptResponse, error) {
	ctx := c.Request().Context()
	segs, err := service.Segments(ctx, sessionID, usecase.SegmentQuery{All: true})
	if err != nil {
		return TranscriptResponse{}, err
	}
	resp := TranscriptResponse{SessionID: sessionID, Transcriptions: segs}
	if info, ok, err := service.Info(ctx, sessionID); err == nil && ok {
		resp.StreamStartTime = info.StreamStartTime
	}
	return resp, nil
}

func teardown(c echo.Context, service *usecase.TranscriptionService, logger *zap.Logger) error {
	sessionID := c.Param("id")
	if err := service.Teardown(c.Request().Context(), sessionID); err != nil {
		return errorJSON(c, err)
	}
	if claims, ok := c.Get(claimsKey).(*auth.JWTClaims); ok {
		logger.Info("Session deleted",
			zap.String("session_id", sessionID),
			zap.String("subject", claims.Subject))
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":     "deleted",
		"session_id": sessionID,
	})
}

// websocketWithAuth upgrades viewers without a token and producers with a valid one.
func websocketWithAuth(hub *websocket.Hub, issuer *auth.Issuer, c echo.Context, logger *zap.Logger) error {
	token := tokenFrom(c)
	if token == "" {
		return websocket.HandleWebSocket(hub, c, false, logger)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("subject", claims.Subject),
		zap.String("role", claims.Role))
	return websocket.HandleWebSocket(hub, c, claims.Role == auth.RoleProducer, logger)
}

func badQuery(c echo.Context, param string, err error) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_query",
		Message: param + ": " + err.Error(),
	})
}

// errorJSON maps domain errors onto status codes.
func errorJSON(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidSegment):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_segment", Message: err.Error()})
	case errors.Is(err, domain.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "session_not_found", Message: err.Error()})
	case entities.ValidateSessionID(c.Param("id")) != nil:
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_session_id", Message: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
	}
}
