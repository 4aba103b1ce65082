package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opentranslive/server/adapters/sqlite"
	"github.com/opentranslive/server/internal/auth"
	"github.com/opentranslive/server/internal/pipeline"
)

func newCaptureCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture, transcribe and translate audio into a remote session",
		Long: "capture runs a producer pipeline and submits finalized segments to a server over " +
			"its websocket sync event, falling back to POST /api/sync/:id.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(cmd.Context(), app)
		},
	}

	cmd.Flags().String("server", "", "server base URL, e.g. https://live.example.org (SERVER_URL)")
	cmd.Flags().String("token", "", "producer token; issued locally from SECRET_KEY when empty (PRODUCER_TOKEN)")
	cmd.Flags().String("session", "", "session id (SESSION_ID)")
	cmd.Flags().String("source", "", "audio source: ffmpeg, stdin or file (CAPTURE_SOURCE)")
	cmd.Flags().String("file", "", "raw s16le PCM file for the file source (CAPTURE_FILE)")
	cmd.Flags().String("device", "", "ffmpeg input device (CAPTURE_DEVICE)")
	cmd.Flags().String("engine", "", "transcription engine: openai, groq, google, scribe or mock (TRANSCRIBE_ENGINE)")
	cmd.Flags().String("llm", "", "translation backend: gemini, mock or none (LLM_PROVIDER)")
	cmd.Flags().StringSlice("lang", nil, "target languages (TARGET_LANGUAGES)")
	cmd.Flags().String("journal", "", "SQLite file keeping a local copy of every segment (JOURNAL_PATH)")
	bindFlag(cmd, "capture.server_url", "server")
	bindFlag(cmd, "capture.token", "token")
	bindFlag(cmd, "capture.session_id", "session")
	bindFlag(cmd, "capture.source", "source")
	bindFlag(cmd, "capture.file", "file")
	bindFlag(cmd, "capture.device", "device")
	bindFlag(cmd, "capture.engine", "engine")
	bindFlag(cmd, "capture.llm", "llm")
	bindFlag(cmd, "capture.target_languages", "lang")
	bindFlag(cmd, "capture.journal_path", "journal")

	return cmd
}

func runCapture(ctx context.Context, app *app) error {
	cfg, logger := app.cfg, app.logger
	if err := cfg.Capture.Validate(); err != nil {
		return err
	}
	if cfg.Capture.ServerURL == "" {
		return errors.New("a server URL is required (--server or SERVER_URL)")
	}

	token := cfg.Capture.Token
	if token == "" {
		if cfg.Server.SecretKey == "" {
			return errors.New("a producer token is required (--token, PRODUCER_TOKEN or SECRET_KEY)")
		}
		issuer, err := auth.NewIssuer(cfg.Server.SecretKey, cfg.Server.TokenTTL)
		if err != nil {
			return err
		}
		token, _, err = issuer.GenerateProducerToken("capture", cfg.Capture.SessionID)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote, err := pipeline.NewRemoteSink(pipeline.RemoteConfig{
		ServerURL: cfg.Capture.ServerURL,
		Token:     token,
		SessionID: cfg.Capture.SessionID,
	}, logger)
	if err != nil {
		return err
	}
	defer remote.Close()

	var sink pipeline.Sink = remote
	if path := cfg.Capture.JournalPath; path != "" {
		journal, err := sqlite.Open(path)
		if err != nil {
			return err
		}
		defer journal.Close(context.Background())
		sink, err = pipeline.NewJournalSink(ctx, remote, journal, cfg.Capture.SessionID, logger)
		if err != nil {
			return err
		}
		logger.Info("Journaling segments locally", zap.String("path", path))
	}

	err = runProducer(ctx, cfg, sink, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
