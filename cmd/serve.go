package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/internal/api"
	"github.com/opentranslive/server/internal/auth"
	"github.com/opentranslive/server/internal/config"
	"github.com/opentranslive/server/internal/pipeline"
	"github.com/opentranslive/server/internal/store"
	"github.com/opentranslive/server/internal/websocket"
	"github.com/opentranslive/server/usecase"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(app *app) *cobra.Command {
	var withCapture bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Long: "serve runs the HTTP and websocket server that stores session transcripts and pushes " +
			"them to viewers. With --capture it also runs a producer pipeline in-process.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), app, withCapture)
		},
	}

	cmd.Flags().String("port", "", "listen port (PORT)")
	cmd.Flags().String("storage", "", "segment log backend: memory, sqlite or mongo (STORAGE_BACKEND)")
	cmd.Flags().BoolVar(&withCapture, "capture", false, "run a capture pipeline in-process for --session")
	cmd.Flags().String("session", "", "session id the in-process producer writes to (SESSION_ID)")
	cmd.Flags().String("youtube", "", "YouTube video id linked to the in-process session (YOUTUBE_VIDEO_ID)")
	bindFlag(cmd, "server.port", "port")
	bindFlag(cmd, "storage.backend", "storage")
	bindFlag(cmd, "capture.session_id", "session")
	bindFlag(cmd, "capture.youtube_video_id", "youtube")

	return cmd
}

func runServe(ctx context.Context, app *app, withCapture bool) error {
	cfg, logger := app.cfg, app.logger
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Server.SecretKey == "" {
		return errors.New("SECRET_KEY is required to issue producer tokens")
	}
	if withCapture {
		if err := entities.ValidateSessionID(cfg.Capture.SessionID); err != nil {
			return fmt.Errorf("--capture needs --session: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	segmentLog, err := openSegmentLog(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	var opts []store.Option
	if segmentLog != nil {
		opts = append(opts, store.WithSegmentLog(segmentLog))
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := segmentLog.Close(closeCtx); err != nil {
				logger.Error("Failed to close segment log", zap.Error(err))
			}
		}()
	}
	sessions := store.New(logger, opts...)

	offsets, err := newOffsetProvider(ctx, cfg.Server.YouTubeAPIKey, logger)
	if err != nil {
		return err
	}
	service := usecase.NewTranscriptionService(sessions, offsets, usecase.ServiceConfig{
		MetadataTTL:  cfg.Server.MetadataTTL,
		StartTimeTTL: cfg.Server.YouTubeCacheTTL,
	}, logger)

	// Initialize WebSocket hub with the transcription service as ingress
	hub := websocket.NewHub(sessions, service, cfg.Server.Heartbeat, logger)
	sessions.AddListener(hub)
	service.SetRooms(hub)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	cleanup := store.NewCleanupService(sessions, cfg.Server.MetadataTTL, cfg.Server.CleanupInterval, hub.InUse, logger, service)
	cleanup.Start()
	defer cleanup.Stop()

	issuer, err := auth.NewIssuer(cfg.Server.SecretKey, cfg.Server.TokenTTL)
	if err != nil {
		return err
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, hub, service, issuer, logger)

	serveErr := make(chan error, 1)
	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("Server started",
		zap.String("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend))

	producerDone := make(chan struct{})
	if withCapture {
		go runInProcessProducer(ctx, cfg, sessions, service, logger, producerDone)
	} else {
		close(producerDone)
	}

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-producerDone
		return fmt.Errorf("server stopped: %w", err)
	}

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	select {
	case <-producerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Producer did not stop before the shutdown deadline")
	}

	logger.Info("Server exited")
	return nil
}

// runInProcessProducer feeds the local store directly. Teardown of the session through the
// admin API cancels it.
func runInProcessProducer(ctx context.Context, cfg *config.Config, sessions *store.Store, service *usecase.TranscriptionService, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)
	sessionID := cfg.Capture.SessionID

	if videoID := cfg.Capture.YouTubeVideoID; videoID != "" {
		if err := service.LinkVideo(sessionID, videoID); err != nil {
			logger.Warn("Failed to link video", zap.String("video_id", videoID), zap.Error(err))
		}
	}
	if cfg.Capture.LLM != config.LLMNone && len(cfg.Capture.TargetLanguages) > 0 {
		if err := sessions.Configure(ctx, sessionID, cfg.Capture.TargetLanguages); err != nil {
			logger.Error("Failed to configure session", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
	}

	producerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := make(chan struct{})
	unregister := service.RegisterProducer(sessionID, cancel, stopped)
	defer unregister()
	defer close(stopped)

	sink := pipeline.NewStoreSink(sessions, sessionID, logger)
	if err := runProducer(producerCtx, cfg, sink, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("In-process producer failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
