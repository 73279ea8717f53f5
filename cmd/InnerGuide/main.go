package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/InnerGuide/internal/api"
	"github.com/BTreeMap/InnerGuide/internal/genai"
	"github.com/BTreeMap/InnerGuide/internal/lockfile"
	"github.com/BTreeMap/InnerGuide/internal/messaging"
	"github.com/BTreeMap/InnerGuide/internal/store"
	"github.com/BTreeMap/InnerGuide/internal/twiliowhatsapp"
	"github.com/BTreeMap/InnerGuide/internal/util"
	"github.com/BTreeMap/InnerGuide/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir holds the lock file and the SQLite databases.
	DefaultStateDir = "/var/lib/innerguide"
	// DefaultWhatsAppDBFileName is the whatsmeow session database.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the SQLite user store.
	DefaultAppDBFileName = "innerguide.db"
)

var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := applyLogLevel(*flags.logLevel); err != nil {
		slog.Error("Invalid log level", "level", *flags.logLevel, "error", err)
		os.Exit(1)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(config)
	storeOpts := buildStoreOptions(flags, config)
	genaiOpts := buildGenAIOptions(flags, config)
	apiOpts := buildAPIOptions(flags, config)

	slog.Info("Bootstrapping InnerGuide with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	runErr := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts)
	if err := lock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("InnerGuide failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("InnerGuide exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	LogLevel         string
	LLMProvider      string
	OpenAIKey        string
	GeminiKey        string
	LLMModel         string
	LLMMaxTokens     int
	Transport        string
	WhatsAppDBDSN    string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string
	DatabaseURL      string
	RedisURL         string
	DynamoDBTable    string
	MaxBackups       int
	APIAddr          string
	APIToken         string
	ScheduledCron    string
	ContextGate      bool
	PromptsFile      string
	StepsFile        string
	RetryBackoff     time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	logLevel      *string
	transport     *string
	whatsappDBDSN *string
	appDBDSN      *string
	llmProvider   *string
	llmModel      *string
	apiAddr       *string
	scheduledCron *string
	promptsFile   *string
	stepsFile     *string
	contextGate   *bool
}

// initializeLogger installs a text logger on stdout. The level starts at debug
// until LOG_LEVEL is applied.
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// applyLogLevel parses names such as "info" or "WARN+2". Empty keeps the current level.
func applyLogLevel(level string) error {
	if strings.TrimSpace(level) == "" {
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return err
	}
	logLevel.Set(l)
	return nil
}

func whatsAppDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func appDSNFor(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("INNERGUIDE_STATE_DIR"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		LLMProvider:      os.Getenv("LLM_PROVIDER"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		GeminiKey:        os.Getenv("GEMINI_API_KEY"),
		LLMModel:         os.Getenv("LLM_MODEL"),
		LLMMaxTokens:     util.ParseIntEnv("LLM_MAX_TOKENS", genai.DefaultMaxTokens),
		Transport:        os.Getenv("TRANSPORT"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		DynamoDBTable:    os.Getenv("DYNAMODB_TABLE"),
		MaxBackups:       util.ParseIntEnv("MAX_BACKUPS", store.DefaultMaxBackups),
		APIAddr:          os.Getenv("API_ADDR"),
		APIToken:         os.Getenv("API_TOKEN"),
		ScheduledCron:    os.Getenv("SCHEDULED_MESSAGES_CRON"),
		ContextGate:      util.ParseBoolEnv("CONTEXT_GATE", false),
		PromptsFile:      os.Getenv("PROMPTS_FILE"),
		StepsFile:        os.Getenv("STEPS_FILE"),
		RetryBackoff:     util.ParseDurationEnv("RETRY_BACKOFF", messaging.DefaultRetryBackoff),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INNERGUIDE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = whatsAppDSNFor(config.StateDir)
		slog.Debug("No WHATSAPP_DB_DSN set, defaulting to SQLite", "dsn", config.WhatsAppDBDSN)
	}
	// Redis and DynamoDB take precedence in store.Connect, so only default the
	// SQL store when neither is configured.
	if config.DatabaseURL == "" && config.RedisURL == "" && config.DynamoDBTable == "" {
		config.DatabaseURL = appDSNFor(config.StateDir)
		slog.Debug("No store configured, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"INNERGUIDE_STATE_DIR", config.StateDir,
		"LOG_LEVEL", config.LogLevel,
		"LLM_PROVIDER", config.LLMProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"LLM_MODEL", config.LLMModel,
		"TRANSPORT", config.Transport,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"DYNAMODB_TABLE", config.DynamoDBTable,
		"API_ADDR", config.APIAddr,
		"API_TOKEN_SET", config.APIToken != "",
		"SCHEDULED_MESSAGES_CRON", config.ScheduledCron,
		"CONTEXT_GATE", config.ContextGate)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:       flag.Bool("numeric-code", false, "print the raw login code instead of a QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for InnerGuide data (overrides $INNERGUIDE_STATE_DIR)"),
		logLevel:      flag.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		transport:     flag.String("transport", config.Transport, "messaging transport: whatsapp or twilio (overrides $TRANSPORT)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      flag.String("db-dsn", config.DatabaseURL, "user store DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)"),
		llmProvider:   flag.String("llm-provider", config.LLMProvider, "LLM provider: openai or gemini (overrides $LLM_PROVIDER)"),
		llmModel:      flag.String("llm-model", config.LLMModel, "LLM model name (overrides $LLM_MODEL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		scheduledCron: flag.String("scheduled-cron", config.ScheduledCron, "cron schedule for proactive messages (overrides $SCHEDULED_MESSAGES_CRON)"),
		promptsFile:   flag.String("prompts-file", config.PromptsFile, "YAML file with prompt templates (overrides $PROMPTS_FILE)"),
		stepsFile:     flag.String("steps-file", config.StepsFile, "YAML file with conversation steps (overrides $STEPS_FILE)"),
		contextGate:   flag.Bool("context-gate", config.ContextGate, "reject off-topic messages before each turn (overrides $CONTEXT_GATE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"transport", *flags.transport,
		"whatsappDBDSN_set", *flags.whatsappDBDSN != "",
		"appDBDSN_set", *flags.appDBDSN != "",
		"llmProvider", *flags.llmProvider,
		"apiAddr", *flags.apiAddr,
		"scheduledCron", *flags.scheduledCron)

	rebaseStateDir(flags, config)
	return flags
}

// rebaseStateDir moves defaulted SQLite paths under a state directory given on
// the command line.
func rebaseStateDir(flags Flags, config Config) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.whatsappDBDSN == whatsAppDSNFor(config.StateDir) {
		*flags.whatsappDBDSN = whatsAppDSNFor(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "state_dir", *flags.stateDir)
	}
	if *flags.appDBDSN == appDSNFor(config.StateDir) {
		*flags.appDBDSN = appDSNFor(*flags.stateDir)
		slog.Debug("Updated store DSN based on state directory", "state_dir", *flags.stateDir)
	}
}

// sqlitePath returns the file behind a SQLite DSN, or "" for PostgreSQL.
func sqlitePath(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// ensureDirectoriesExist creates the state directory and the parents of any
// SQLite database file.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if flags.whatsappDBDSN != nil {
		if p := sqlitePath(*flags.whatsappDBDSN); p != "" {
			dirs = append(dirs, filepath.Dir(p))
		}
	}
	if flags.appDBDSN != nil {
		if p := sqlitePath(*flags.appDBDSN); p != "" {
			dirs = append(dirs, filepath.Dir(p))
		}
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromNumber(config.TwilioFromNumber))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags, config Config) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN != "" {
		slog.Debug("Configuring SQL store", "dsn_type", store.DetectDSNType(*flags.appDBDSN))
		storeOpts = append(storeOpts, store.WithDSN(*flags.appDBDSN))
	}
	if config.RedisURL != "" {
		storeOpts = append(storeOpts, store.WithRedisURL(config.RedisURL))
	}
	if config.DynamoDBTable != "" {
		storeOpts = append(storeOpts, store.WithDynamoDBTable(config.DynamoDBTable))
	}
	if config.MaxBackups > 0 {
		storeOpts = append(storeOpts, store.WithMaxBackups(config.MaxBackups))
	}
	return storeOpts
}

// buildGenAIOptions picks the API key that matches the provider.
func buildGenAIOptions(flags Flags, config Config) []genai.Option {
	provider := strings.ToLower(strings.TrimSpace(*flags.llmProvider))
	if provider == "" {
		provider = genai.ProviderOpenAI
	}
	genaiOpts := []genai.Option{genai.WithProvider(provider)}

	key := config.OpenAIKey
	if provider == genai.ProviderGemini {
		key = config.GeminiKey
	}
	if key != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(key))
	}
	if *flags.llmModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.llmModel))
	}
	if config.LLMMaxTokens > 0 {
		genaiOpts = append(genaiOpts, genai.WithMaxTokens(int64(config.LLMMaxTokens)))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithContextGate(*flags.contextGate),
		api.WithRetryBackoff(config.RetryBackoff),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.APIToken != "" {
		apiOpts = append(apiOpts, api.WithAPIToken(config.APIToken))
	}
	if *flags.transport != "" {
		apiOpts = append(apiOpts, api.WithTransport(*flags.transport))
	}
	if *flags.scheduledCron != "" {
		apiOpts = append(apiOpts, api.WithScheduledCron(*flags.scheduledCron))
	}
	if *flags.promptsFile != "" {
		apiOpts = append(apiOpts, api.WithPromptsFile(*flags.promptsFile))
	}
	if *flags.stepsFile != "" {
		apiOpts = append(apiOpts, api.WithStepsFile(*flags.stepsFile))
	}
	if config.TwilioWebhookURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioWebhookURL(config.TwilioWebhookURL))
	}
	return apiOpts
}
