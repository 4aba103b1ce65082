package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/opentranslive/server/adapters/llm"
	"github.com/opentranslive/server/adapters/mongo"
	"github.com/opentranslive/server/adapters/sqlite"
	"github.com/opentranslive/server/adapters/stt"
	"github.com/opentranslive/server/adapters/youtube"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
	"github.com/opentranslive/server/internal/audio"
	"github.com/opentranslive/server/internal/config"
	"github.com/opentranslive/server/internal/keywords"
	"github.com/opentranslive/server/internal/pipeline"
	"github.com/opentranslive/server/internal/translate"
)

type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func newApp() *app {
	return &app{v: viper.New()}
}

// load reads .env, the config file and the environment once the command line is parsed.
func (a *app) load(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	if err := bindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(a.v, configFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	if cfg.File != "" {
		logger.Debug("Loaded config file", zap.String("path", cfg.File))
	}
	return nil
}

func (a *app) sync() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if level != "" {
		if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	return zcfg.Build()
}

const configKeyAnnotation = "config_key"

// bindFlag marks a flag as the override of a config key. Bindings are applied by load for
// the executing command only, since several commands share keys.
func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := cmd.Flags().SetAnnotation(flag, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keys[0], f)
	})
	return bindErr
}

// openSegmentLog returns the durable log for the configured backend, or nil for memory.
func openSegmentLog(ctx context.Context, cfg config.Storage, logger *zap.Logger) (repositories.SegmentLog, error) {
	switch cfg.Backend {
	case config.StorageSQLite:
		log, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("wire sqlite segment log: %w", err)
		}
		logger.Info("Using SQLite segment log", zap.String("path", cfg.SQLitePath))
		return log, nil
	case config.StorageMongo:
		client, err := mongo.NewClient(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, logger)
		if err != nil {
			return nil, fmt.Errorf("wire mongo client: %w", err)
		}
		log, err := mongo.NewSegmentLog(ctx, client, logger)
		if err != nil {
			client.Close(ctx)
			return nil, fmt.Errorf("wire mongo segment log: %w", err)
		}
		return log, nil
	default:
		logger.Warn("Using in-memory session store; history is lost on restart")
		return nil, nil
	}
}

func newOffsetProvider(ctx context.Context, apiKey string, logger *zap.Logger) (repositories.TimeOffsetProvider, error) {
	if apiKey == "" {
		logger.Info("YOUTUBE_API_KEY not set; stream start times are disabled")
		return nil, nil
	}
	provider, err := youtube.NewOffsetProvider(ctx, apiKey, logger)
	if err != nil {
		return nil, fmt.Errorf("wire youtube offset provider: %w", err)
	}
	return provider, nil
}

// producer holds everything one capture pipeline needs besides its sink.
type producer struct {
	source      audio.Source
	transcriber repositories.Transcriber
	keywords    *keywords.Set
	translator  *translate.Translator
	closers     []func() error
}

func (p *producer) Close() {
	for _, c := range p.closers {
		_ = c()
	}
}

func newProducer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*producer, error) {
	p := &producer{}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	source, err := newSource(cfg.Capture, logger)
	if err != nil {
		return nil, err
	}
	p.source = source

	transcriber, closer, err := newTranscriber(ctx, cfg.Capture, cfg.Keys, logger)
	if err != nil {
		return nil, err
	}
	p.transcriber = transcriber
	if closer != nil {
		p.closers = append(p.closers, closer)
	}

	p.keywords = keywords.NewSet(keywords.Config{
		MaxTerms:  cfg.Capture.MaxKeywords,
		BiasTerms: cfg.Capture.BiasTerms,
		Seed:      splitTerms(cfg.Capture.CommonPrompt),
	})
	if cfg.Capture.KeywordsFile != "" {
		if err := p.keywords.Load(cfg.Capture.KeywordsFile); err != nil {
			return nil, err
		}
	}

	translator, err := newTranslator(ctx, cfg.Capture, cfg.Keys, logger)
	if err != nil {
		return nil, err
	}
	p.translator = translator

	ok = true
	return p, nil
}

func newSource(cfg config.Capture, logger *zap.Logger) (audio.Source, error) {
	format := entities.DefaultAudioFormat
	format.SampleRate = cfg.SampleRate

	switch cfg.Source {
	case config.SourceStdin:
		return audio.NewReaderSource("stdin", io.NopCloser(os.Stdin), format, false), nil
	case config.SourceFile:
		f, err := os.Open(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("open capture file: %w", err)
		}
		return audio.NewReaderSource(cfg.File, f, format, true), nil
	default:
		return audio.NewFFmpegSource(cfg.InputFormat, cfg.Device, format, logger), nil
	}
}

func newTranscriber(ctx context.Context, cfg config.Capture, keys config.Keys, logger *zap.Logger) (repositories.Transcriber, func() error, error) {
	switch cfg.Engine {
	case config.EngineOpenAI, config.EngineGroq:
		key := keys.OpenAI
		if cfg.Engine == config.EngineGroq {
			key = keys.Groq
		}
		t, err := stt.NewBatchTranscriber(stt.BatchConfig{Provider: cfg.Engine, APIKey: key, Model: cfg.Model}, logger)
		return t, nil, err
	case config.EngineGoogle:
		t, err := stt.NewGoogleSpeechToText(ctx, stt.GoogleConfig{
			Language:        cfg.Language,
			CredentialsFile: keys.GoogleCredentials,
			Model:           cfg.Model,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case config.EngineScribe:
		t, err := stt.NewScribeTranscriber(stt.ScribeConfig{APIKey: keys.ElevenLabs, Model: cfg.Model, Language: cfg.Language}, logger)
		return t, nil, err
	case config.EngineMock:
		return stt.NewMockTranscriber(nil, true, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transcription engine %q", cfg.Engine)
	}
}

// newTranslator returns nil when translation is disabled.
func newTranslator(ctx context.Context, cfg config.Capture, keys config.Keys, logger *zap.Logger) (*translate.Translator, error) {
	if len(cfg.TargetLanguages) == 0 || cfg.LLM == config.LLMNone {
		logger.Info("Translation disabled")
		return nil, nil
	}

	var model repositories.LargeLanguageModel
	switch cfg.LLM {
	case config.LLMMock:
		model = llm.NewMockLLM()
	default:
		gemini, err := llm.NewGeminiLLM(ctx, llm.GeminiConfig{APIKey: keys.Gemini, Model: cfg.LLMModel}, logger)
		if err != nil {
			return nil, fmt.Errorf("wire gemini: %w", err)
		}
		model = gemini
	}
	return translate.New(model, translate.Config{
		TargetLanguages: cfg.TargetLanguages,
		ContextSegments: cfg.ContextWindow,
	}, logger)
}

// runProducer runs one capture pipeline into sink until the source ends or ctx is done.
func runProducer(ctx context.Context, cfg *config.Config, sink pipeline.Sink, logger *zap.Logger) error {
	prod, err := newProducer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer prod.Close()

	p, err := pipeline.New(pipeline.Config{
		SessionID:       cfg.Capture.SessionID,
		Language:        cfg.Capture.Language,
		Segmenter:       cfg.Capture.Segmenter(),
		Workers:         cfg.Capture.Workers,
		PartialInterval: cfg.Capture.PartialInterval,
		ContextSegments: cfg.Capture.ContextWindow,
	}, prod.source, prod.transcriber, prod.keywords, prod.translator, sink, logger)
	if err != nil {
		return err
	}

	logger.Info("Producer started",
		zap.String("session_id", cfg.Capture.SessionID),
		zap.String("source", prod.source.Name()),
		zap.String("engine", prod.transcriber.Name()),
		zap.Strings("target_languages", cfg.Capture.TargetLanguages))

	runErr := p.Run(ctx)

	stats := p.Stats()
	logger.Info("Producer stopped",
		zap.String("session_id", cfg.Capture.SessionID),
		zap.Uint64("segments", stats.Segments),
		zap.Uint64("windows_dropped", stats.WindowsDropped),
		zap.Uint64("transcriber_errors", stats.TranscriberErrors),
		zap.Uint64("translation_failures", stats.TranslationFailures),
		zap.Uint64("overflowed", stats.Overflowed),
		zap.Uint64("delivery_failures", stats.DeliveryFailures),
		zap.Uint64("discarded", stats.Discarded))

	if cfg.Capture.KeywordsFile != "" {
		if err := prod.keywords.Save(cfg.Capture.KeywordsFile); err != nil {
			logger.Error("Failed to save keyword snapshot", zap.Error(err))
		}
	}
	return runErr
}

func splitTerms(prompt string) []string {
	var terms []string
	for _, t := range strings.Split(prompt, ",") {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}
