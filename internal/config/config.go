// Package config loads server and producer settings from .env, an optional
// opentranslive.toml file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opentranslive/server/internal/audio"
)

const (
	configName = "opentranslive"
	configType = "toml"
)

// Transcription engines.
const (
	EngineOpenAI = "openai"
	EngineGroq   = "groq"
	EngineGoogle = "google"
	EngineScribe = "scribe"
	EngineMock   = "mock"
)

// Translation backends. "none" delivers segments untranslated.
const (
	LLMGemini = "gemini"
	LLMMock   = "mock"
	LLMNone   = "none"
)

// Storage backends for the durable segment log.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageMongo  = "mongo"
)

// Capture sources.
const (
	SourceFFmpeg = "ffmpeg"
	SourceStdin  = "stdin"
	SourceFile   = "file"
)

// Server configures the HTTP/websocket side.
type Server struct {
	Port            string
	SecretKey       string
	TokenTTL        time.Duration
	Heartbeat       time.Duration
	MetadataTTL     time.Duration
	CleanupInterval time.Duration
	YouTubeAPIKey   string
	YouTubeCacheTTL time.Duration
	LogLevel        string
}

// Storage selects the durable segment log.
type Storage struct {
	Backend       string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
}

// Capture configures one producer pipeline.
type Capture struct {
	SessionID       string
	Source          string
	InputFormat     string
	Device          string
	File            string
	SampleRate      int
	Language        string
	TargetLanguages []string

	Engine        string
	Model         string
	LLM           string
	LLMModel      string
	CommonPrompt  string
	KeywordsFile  string
	MaxKeywords   int
	BiasTerms     int
	ContextWindow int

	Window          time.Duration
	Overlap         time.Duration
	EnergyThreshold float64
	PauseThreshold  time.Duration

	Workers         int
	PartialInterval time.Duration

	// ServerURL and Token are used by the standalone capture command.
	ServerURL      string
	Token          string
	JournalPath    string
	YouTubeVideoID string
}

// Keys holds provider credentials.
type Keys struct {
	OpenAI            string
	Groq              string
	Gemini            string
	ElevenLabs        string
	GoogleCredentials string
}

// Config is the full application configuration.
type Config struct {
	Server  Server
	Storage Storage
	Capture Capture
	Keys    Keys
	// File is the config file that was read, if any.
	File string
}

// envBindings maps config keys to environment variables. The first name wins when several
// are set.
var envBindings = map[string][]string{
	"server.port":              {"PORT"},
	"server.secret_key":        {"SECRET_KEY"},
	"server.token_ttl":         {"TOKEN_TTL"},
	"server.heartbeat":         {"HEARTBEAT_INTERVAL"},
	"server.metadata_ttl":      {"METADATA_TTL"},
	"server.cleanup_interval":  {"CLEANUP_INTERVAL"},
	"server.youtube_api_key":   {"YOUTUBE_API_KEY"},
	"server.youtube_cache_ttl": {"YOUTUBE_CACHE_TTL"},
	"server.log_level":         {"LOG_LEVEL"},

	"storage.backend":        {"STORAGE_BACKEND"},
	"storage.sqlite_path":    {"SQLITE_PATH"},
	"storage.mongo_uri":      {"MONGODB_URI"},
	"storage.mongo_database": {"MONGODB_DATABASE"},

	"capture.session_id":       {"SESSION_ID"},
	"capture.source":           {"CAPTURE_SOURCE"},
	"capture.input_format":     {"CAPTURE_INPUT_FORMAT"},
	"capture.device":           {"CAPTURE_DEVICE"},
	"capture.file":             {"CAPTURE_FILE"},
	"capture.sample_rate":      {"SAMPLE_RATE"},
	"capture.language":         {"SOURCE_LANGUAGE"},
	"capture.target_languages": {"TARGET_LANGUAGES"},
	"capture.engine":           {"TRANSCRIBE_ENGINE"},
	"capture.model":            {"TRANSCRIBE_MODEL"},
	"capture.llm":              {"LLM_PROVIDER"},
	"capture.llm_model":        {"LLM_MODEL"},
	"capture.common_prompt":    {"COMMON_PROMPT"},
	"capture.keywords_file":    {"KEYWORDS_FILE"},
	"capture.max_keywords":     {"MAX_KEYWORDS"},
	"capture.bias_terms":       {"BIAS_TERMS"},
	"capture.context_window":   {"CONTEXT_WINDOW"},
	"capture.record_timeout":   {"RECORD_TIMEOUT"},
	"capture.overlap":          {"OVERLAP"},
	"capture.energy_threshold": {"ENERGY_THRESHOLD"},
	"capture.pause_threshold":  {"PAUSE_THRESHOLD"},
	"capture.workers":          {"TRANSLATE_WORKERS"},
	"capture.partial_interval": {"PARTIAL_INTERVAL"},
	"capture.server_url":       {"SERVER_URL"},
	"capture.token":            {"PRODUCER_TOKEN"},
	"capture.journal_path":     {"JOURNAL_PATH"},
	"capture.youtube_video_id": {"YOUTUBE_VIDEO_ID"},

	"keys.openai":             {"OPENAI_API_KEY"},
	"keys.groq":               {"GROQ_API_KEY"},
	"keys.gemini":             {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"keys.elevenlabs":         {"ELEVENLABS_API_KEY"},
	"keys.google_credentials": {"GOOGLE_APPLICATION_CREDENTIALS"},
}

func setDefaults(v *viper.Viper) {
	seg := audio.DefaultSegmenterConfig()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.token_ttl", "24h")
	v.SetDefault("server.heartbeat", "30s")
	v.SetDefault("server.metadata_ttl", "1h")
	v.SetDefault("server.cleanup_interval", "5m")
	v.SetDefault("server.youtube_cache_ttl", "1h")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.sqlite_path", "opentranslive.sqlite")
	v.SetDefault("storage.mongo_database", "opentranslive")

	v.SetDefault("capture.source", SourceFFmpeg)
	v.SetDefault("capture.input_format", "pulse")
	v.SetDefault("capture.device", "default")
	v.SetDefault("capture.sample_rate", 16000)
	v.SetDefault("capture.language", "en")
	v.SetDefault("capture.target_languages", []string{"ja"})
	v.SetDefault("capture.engine", EngineOpenAI)
	v.SetDefault("capture.llm", LLMGemini)
	v.SetDefault("capture.max_keywords", 500)
	v.SetDefault("capture.bias_terms", 20)
	v.SetDefault("capture.context_window", 3)
	v.SetDefault("capture.record_timeout", seg.Window.Seconds())
	v.SetDefault("capture.energy_threshold", seg.EnergyThreshold)
	v.SetDefault("capture.pause_threshold", seg.PauseThreshold.Seconds())
	v.SetDefault("capture.workers", 2)
	v.SetDefault("capture.partial_interval", 1.5)
}

// LoadDotEnv loads .env files into the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration into v and returns the typed view. configFile may be empty, in
// which case opentranslive.toml is looked up in the working directory and
// $HOME/.config/opentranslive; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		File: v.ConfigFileUsed(),
		Server: Server{
			Port:            v.GetString("server.port"),
			SecretKey:       v.GetString("server.secret_key"),
			TokenTTL:        v.GetDuration("server.token_ttl"),
			Heartbeat:       v.GetDuration("server.heartbeat"),
			MetadataTTL:     v.GetDuration("server.metadata_ttl"),
			CleanupInterval: v.GetDuration("server.cleanup_interval"),
			YouTubeAPIKey:   v.GetString("server.youtube_api_key"),
			YouTubeCacheTTL: v.GetDuration("server.youtube_cache_ttl"),
			LogLevel:        strings.ToLower(v.GetString("server.log_level")),
		},
		Storage: Storage{
			Backend:       strings.ToLower(v.GetString("storage.backend")),
			SQLitePath:    v.GetString("storage.sqlite_path"),
			MongoURI:      v.GetString("storage.mongo_uri"),
			MongoDatabase: v.GetString("storage.mongo_database"),
		},
		Capture: Capture{
			SessionID:       v.GetString("capture.session_id"),
			Source:          strings.ToLower(v.GetString("capture.source")),
			InputFormat:     v.GetString("capture.input_format"),
			Device:          v.GetString("capture.device"),
			File:            v.GetString("capture.file"),
			SampleRate:      v.GetInt("capture.sample_rate"),
			Language:        v.GetString("capture.language"),
			TargetLanguages: splitList(v.GetStringSlice("capture.target_languages")),
			Engine:          strings.ToLower(v.GetString("capture.engine")),
			Model:           v.GetString("capture.model"),
			LLM:             strings.ToLower(v.GetString("capture.llm")),
			LLMModel:        v.GetString("capture.llm_model"),
			CommonPrompt:    v.GetString("capture.common_prompt"),
			KeywordsFile:    v.GetString("capture.keywords_file"),
			MaxKeywords:     v.GetInt("capture.max_keywords"),
			BiasTerms:       v.GetInt("capture.bias_terms"),
			ContextWindow:   v.GetInt("capture.context_window"),
			Window:          seconds(v.GetFloat64("capture.record_timeout")),
			Overlap:         seconds(v.GetFloat64("capture.overlap")),
			EnergyThreshold: v.GetFloat64("capture.energy_threshold"),
			PauseThreshold:  seconds(v.GetFloat64("capture.pause_threshold")),
			Workers:         v.GetInt("capture.workers"),
			PartialInterval: seconds(v.GetFloat64("capture.partial_interval")),
			ServerURL:       v.GetString("capture.server_url"),
			Token:           v.GetString("capture.token"),
			JournalPath:     v.GetString("capture.journal_path"),
			YouTubeVideoID:  v.GetString("capture.youtube_video_id"),
		},
		Keys: Keys{
			OpenAI:            v.GetString("keys.openai"),
			Groq:              v.GetString("keys.groq"),
			Gemini:            v.GetString("keys.gemini"),
			ElevenLabs:        v.GetString("keys.elevenlabs"),
			GoogleCredentials: v.GetString("keys.google_credentials"),
		},
	}
	if cfg.Capture.Overlap == 0 {
		cfg.Capture.Overlap = time.Duration(float64(cfg.Capture.PauseThreshold) * 0.65)
	}
	return cfg, nil
}

// Segmenter returns the audio segmenter settings.
func (c Capture) Segmenter() audio.SegmenterConfig {
	seg := audio.DefaultSegmenterConfig()
	seg.Window = c.Window
	seg.Overlap = c.Overlap
	seg.EnergyThreshold = c.EnergyThreshold
	seg.PauseThreshold = c.PauseThreshold
	return seg
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageSQLite, StorageMongo:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Server.Heartbeat <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	return c.Capture.Validate()
}

// Validate checks the producer settings.
func (c Capture) Validate() error {
	switch c.Engine {
	case EngineOpenAI, EngineGroq, EngineGoogle, EngineScribe, EngineMock:
	default:
		return fmt.Errorf("unknown transcription engine %q", c.Engine)
	}
	switch c.LLM {
	case LLMGemini, LLMMock, LLMNone:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM)
	}
	switch c.Source {
	case SourceFFmpeg, SourceStdin, SourceFile:
	default:
		return fmt.Errorf("unknown capture source %q", c.Source)
	}
	if c.Source == SourceFile && c.File == "" {
		return errors.New("capture file is required for the file source")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if err := c.Segmenter().Validate(); err != nil {
		return fmt.Errorf("segmenter: %w", err)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// splitList accepts both TOML arrays and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
