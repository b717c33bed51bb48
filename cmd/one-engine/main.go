package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/originx/one-engine/internal/api"
	"github.com/originx/one-engine/internal/capability"
	"github.com/originx/one-engine/internal/credit"
	"github.com/originx/one-engine/internal/flow"
	"github.com/originx/one-engine/internal/genai"
	"github.com/originx/one-engine/internal/speech"
	"github.com/originx/one-engine/internal/store"
	"github.com/originx/one-engine/internal/util"
	"github.com/originx/one-engine/internal/voice"
)

// Default configuration constants
const (
	// DefaultAPIAddr is the default listen address for the HTTP API
	DefaultAPIAddr = ":8080"
	// DefaultVoiceID is the default ElevenLabs voice
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Assemble modules
	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize context store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ledger := buildLedger(flags, st)
	aiClient := buildGenAIClient(flags)
	registry, invoker := buildCapabilities(flags, aiClient, ledger)

	engine := flow.NewEngine(flow.Dependencies{
		Store:   st,
		AI:      aiClient,
		Invoker: invoker,
	})

	deps := api.Dependencies{
		Engine:   engine,
		Store:    st,
		Registry: registry,
		Invoker:  invoker,
		Ledger:   ledger,
		SynthFor: buildSynthFactory(flags),
		Voice:    speech.VoiceConfig{VoiceID: *flags.voiceID},
		Timings:  buildVoiceTimings(),
	}

	var serverOpts []api.Option
	if *flags.apiAddr != "" {
		serverOpts = append(serverOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(deps, serverOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping engine with configured modules")
	if err := server.Run(ctx); err != nil {
		slog.Error("Engine failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Engine exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	RedisAddr   string
	OpenAIKey   string
	ElevenKey   string
	VideoURL    string
	VideoKey    string
	APIAddr     string
	VoiceID     string
}

// Flags holds command line flag values
type Flags struct {
	dbDSN         *string
	redisAddr     *string
	openaiKey     *string
	elevenKey     *string
	videoURL      *string
	videoKey      *string
	apiAddr       *string
	voiceID       *string
	creditsPerUSD *float64
}

// initializeLogger sets up structured logging. Debug level is the default;
// set LOG_DEBUG=false to quiet it down.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("LOG_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		ElevenKey:   os.Getenv("ELEVENLABS_API_KEY"),
		VideoURL:    os.Getenv("VIDEO_SERVICE_URL"),
		VideoKey:    os.Getenv("VIDEO_SERVICE_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		VoiceID:     os.Getenv("ELEVENLABS_VOICE_ID"),
	}

	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	if config.VoiceID == "" {
		config.VoiceID = DefaultVoiceID
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ELEVENLABS_API_KEY_SET", config.ElevenKey != "",
		"VIDEO_SERVICE_URL_SET", config.VideoURL != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	creditsPerUSD := util.ParseFloatEnv("CREDITS_PER_USD", credit.DefaultCreditsPerUSD)

	flags := Flags{
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the context store (overrides $DATABASE_URL)"),
		redisAddr:     flag.String("redis-addr", config.RedisAddr, "Redis address for the context store (overrides $REDIS_ADDR)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		elevenKey:     flag.String("elevenlabs-api-key", config.ElevenKey, "ElevenLabs API key (overrides $ELEVENLABS_API_KEY)"),
		videoURL:      flag.String("video-service-url", config.VideoURL, "video render service base URL (overrides $VIDEO_SERVICE_URL)"),
		videoKey:      flag.String("video-service-key", config.VideoKey, "video render service API key (overrides $VIDEO_SERVICE_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		voiceID:       flag.String("voice-id", config.VoiceID, "default synthesis voice (overrides $ELEVENLABS_VOICE_ID)"),
		creditsPerUSD: flag.Float64("credits-per-usd", creditsPerUSD, "credit conversion rate (overrides $CREDITS_PER_USD)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr", *flags.redisAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"elevenKeySet", *flags.elevenKey != "",
		"apiAddr", *flags.apiAddr,
		"creditsPerUSD", *flags.creditsPerUSD)

	return flags
}

// buildStore selects a context store backend from the configured DSN.
// Postgres DSNs start the usual way, Redis uses its own address flag, a bare
// file path means SQLite, and nothing at all means in-memory.
func buildStore(flags Flags) (store.ContextStore, error) {
	dsn := *flags.dbDSN
	switch {
	case *flags.redisAddr != "":
		slog.Debug("Configuring Redis context store", "addr", *flags.redisAddr)
		return store.NewRedisStore(store.WithRedisAddr(*flags.redisAddr))
	case strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host="):
		slog.Debug("Configuring Postgres context store", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(dsn))
	case dsn != "":
		slog.Debug("Configuring SQLite context store", "db_path", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	default:
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
}

// buildLedger shares the store's SQL connection when one exists; otherwise
// balances live in memory for the process lifetime.
func buildLedger(flags Flags, st store.ContextStore) credit.Ledger {
	initial := float64(util.ParseIntEnv("INITIAL_CREDITS", int(credit.DefaultInitialBalance)))
	switch s := st.(type) {
	case *store.PostgresStore:
		return credit.NewSQLLedger(s.DB(), "postgres", initial)
	case *store.SQLiteStore:
		return credit.NewSQLLedger(s.DB(), "sqlite3", initial)
	default:
		return credit.NewMemoryLedger(credit.WithInitialBalance(initial))
	}
}

// buildGenAIClient constructs the OpenAI client, or nil when no key is
// configured. The engine degrades to scripted fallbacks without it.
func buildGenAIClient(flags Flags) genai.ClientInterface {
	if *flags.openaiKey == "" {
		slog.Warn("No OpenAI API key configured, model calls disabled")
		return nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Error("Failed to initialize OpenAI client", "error", err)
		return nil
	}
	return client
}

// buildCapabilities loads the default catalog and binds vendor adapters for
// the capabilities we can actually reach with the current configuration.
func buildCapabilities(flags Flags, ai genai.ClientInterface, ledger credit.Ledger) (*capability.Registry, *capability.Invoker) {
	registry := capability.NewRegistry()
	registry.RegisterDefaults()

	invoker := capability.NewInvoker(registry, ledger, credit.NewConverter(*flags.creditsPerUSD))

	if ai != nil {
		invoker.Bind("openai-gpt4o-mini", &capability.OpenAITextAdapter{AI: ai})
		invoker.Bind("openai-dalle3", &capability.OpenAIImageAdapter{AI: ai})
	}
	if *flags.videoURL != "" {
		invoker.Bind("video-renderer", &capability.HTTPVideoAdapter{
			BaseURL: *flags.videoURL,
			APIKey:  *flags.videoKey,
		})
	}
	// Synthesis is billed per session through the voice surface rather than
	// per invocation, so the catalog entry carries no vendor adapter here.
	invoker.Bind("elevenlabs-tts", &capability.StaticAdapter{Result: "tts-session"})

	return registry, invoker
}

// buildSynthFactory returns a per-session synthesizer factory, or nil when
// speech synthesis is not configured.
func buildSynthFactory(flags Flags) api.SynthFactory {
	key := *flags.elevenKey
	if key == "" {
		slog.Warn("No ElevenLabs API key configured, voice sessions will be text-only")
		return nil
	}
	return func(sink speech.AudioSink) (speech.Synthesizer, error) {
		return speech.NewElevenLabsSynthesizer(key, sink)
	}
}

// buildVoiceTimings applies duration overrides from the environment, keeping
// the protocol defaults otherwise.
func buildVoiceTimings() voice.Timings {
	t := voice.DefaultTimings()
	t.EndpointPunct = util.ParseDurationEnv("VOICE_ENDPOINT_PUNCT", t.EndpointPunct)
	t.EndpointShort = util.ParseDurationEnv("VOICE_ENDPOINT_SHORT", t.EndpointShort)
	t.EndpointDefault = util.ParseDurationEnv("VOICE_ENDPOINT_DEFAULT", t.EndpointDefault)
	t.Settle = util.ParseDurationEnv("VOICE_SETTLE", t.Settle)
	return t
}
