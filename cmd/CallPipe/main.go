package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CallPipe/internal/api"
	"github.com/BTreeMap/CallPipe/internal/engine"
	"github.com/BTreeMap/CallPipe/internal/fallback"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/BTreeMap/CallPipe/internal/util"
	"github.com/BTreeMap/CallPipe/internal/voice"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CallPipe state data
	DefaultStateDir = "/var/lib/callpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "callpipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(flags)
	fallbackOpts := buildFallbackOptions(flags)
	voiceOpts := buildVoiceOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping CallPipe with configured modules")
	slog.Debug("Final configuration", "stateDir", flags.StateDir, "dsnSet", flags.DBDSN != "",
		"redisAddr", flags.RedisAddr, "configDir", flags.ConfigDir, "apiAddr", flags.APIAddr)
	if err := api.Run(storeOpts, fallbackOpts, voiceOpts, apiOpts); err != nil {
		slog.Error("CallPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CallPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ConfigDir        string
	APIAddr          string
	PublicURL        string
	AdminToken       string
	OpenAIKey        string
	OpenAIModel      string
	TwilioAccountSID string
	TwilioAuthToken  string
	StateTTL         time.Duration
	LedgerTTL        time.Duration
	PurgeSchedule    string
}

// Flags holds the resolved command line values
type Flags struct {
	StateDir         string
	DBDSN            string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ConfigDir        string
	APIAddr          string
	PublicURL        string
	AdminToken       string
	OpenAIKey        string
	OpenAIModel      string
	TwilioAccountSID string
	TwilioAuthToken  string
	StateTTL         time.Duration
	LedgerTTL        time.Duration
	PurgeSchedule    string
}

// initializeLogger sets up structured logging. LOG_LEVEL selects the level
// and LOG_FORMAT=json switches to JSON output.
func initializeLogger() {
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level.Set(slog.LevelInfo)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("CALLPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          util.ParseIntEnv("REDIS_DB", 0),
		ConfigDir:        os.Getenv("CALLPIPE_CONFIG_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		StateTTL:         util.ParseDurationEnv("STATE_TTL", engine.DefaultStateTTL),
		LedgerTTL:        util.ParseDurationEnv("LEDGER_TTL", store.DefaultLedgerTTL),
		PurgeSchedule:    os.Getenv("PURGE_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CALLPIPE_STATE_DIR set, using default", "defaultStateDir", config.StateDir)
	}
	if util.ParseBoolEnv("CALLPIPE_IN_MEMORY", false) {
		config.DatabaseURL = ""
		slog.Debug("CALLPIPE_IN_MEMORY set, using in-memory store")
	} else if config.DatabaseURL == "" && config.RedisAddr == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlitePath", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"CALLPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR", config.RedisAddr,
		"CALLPIPE_CONFIG_DIR", config.ConfigDir,
		"API_ADDR", config.APIAddr,
		"PUBLIC_URL", config.PublicURL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"STATE_TTL", config.StateTTL)
	return config
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	f := Flags{}
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for CallPipe data (overrides $CALLPIPE_STATE_DIR)")
	fs.StringVar(&f.DBDSN, "db-dsn", config.DatabaseURL, "SQLite path or PostgreSQL DSN for call state (overrides $DATABASE_URL)")
	fs.StringVar(&f.RedisAddr, "redis-addr", config.RedisAddr, "Redis host:port for call state, takes precedence over -db-dsn (overrides $REDIS_ADDR)")
	fs.StringVar(&f.RedisPassword, "redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)")
	fs.IntVar(&f.RedisDB, "redis-db", config.RedisDB, "Redis logical database (overrides $REDIS_DB)")
	fs.StringVar(&f.ConfigDir, "config-dir", config.ConfigDir, "scenario configuration directory, empty for built-in defaults (overrides $CALLPIPE_CONFIG_DIR)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.PublicURL, "public-url", config.PublicURL, "public base URL Twilio posts webhooks to (overrides $PUBLIC_URL)")
	fs.StringVar(&f.AdminToken, "admin-token", config.AdminToken, "bearer token for admin endpoints (overrides $ADMIN_TOKEN)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key for fallback replies (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.OpenAIModel, "openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.TwilioAccountSID, "twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&f.TwilioAuthToken, "twilio-auth-token", config.TwilioAuthToken, "Twilio auth token, enables webhook signature checks (overrides $TWILIO_AUTH_TOKEN)")
	fs.DurationVar(&f.StateTTL, "state-ttl", config.StateTTL, "idle call state expiry (overrides $STATE_TTL)")
	fs.DurationVar(&f.LedgerTTL, "ledger-ttl", config.LedgerTTL, "turn ledger retention (overrides $LEDGER_TTL)")
	fs.StringVar(&f.PurgeSchedule, "purge-schedule", config.PurgeSchedule, "cron expression for purging expired SQL rows (overrides $PURGE_SCHEDULE)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow -state-dir with the default SQLite path unless a DSN was chosen explicitly.
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if f.DBDSN == defaultDSN && f.StateDir != config.StateDir {
		f.DBDSN = filepath.Join(f.StateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "oldStateDir", config.StateDir, "newStateDir", f.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", f.StateDir,
		"dbDSNSet", f.DBDSN != "",
		"redisAddr", f.RedisAddr,
		"configDir", f.ConfigDir,
		"apiAddr", f.APIAddr,
		"openaiKeySet", f.OpenAIKey != "",
		"stateTTL", f.StateTTL)
	return f, nil
}

// ensureDirectoriesExist creates the directory of a file-based DSN.
func ensureDirectoriesExist(flags Flags) error {
	if flags.RedisAddr != "" || flags.DBDSN == "" || store.DetectDSNType(flags.DBDSN) == store.DriverPostgres {
		return nil
	}
	path := strings.TrimPrefix(flags.DBDSN, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	slog.Debug("Creating state directory for file-based database", "stateDir", dir)
	return os.MkdirAll(dir, 0o755)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	storeOpts := []store.Option{store.WithLedgerTTL(flags.LedgerTTL)}
	switch {
	case flags.RedisAddr != "":
		slog.Debug("Configuring Redis store", "addr", flags.RedisAddr, "db", flags.RedisDB)
		storeOpts = append(storeOpts,
			store.WithRedisAddr(flags.RedisAddr),
			store.WithRedisPassword(flags.RedisPassword),
			store.WithRedisDB(flags.RedisDB))
	case flags.DBDSN == "":
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(flags.DBDSN) == store.DriverPostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		storeOpts = append(storeOpts, store.WithPostgresDSN(flags.DBDSN))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dbPath", flags.DBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.DBDSN))
	}
	return storeOpts
}

// buildFallbackOptions constructs OpenAI fallback options
func buildFallbackOptions(flags Flags) []fallback.Option {
	var opts []fallback.Option
	if flags.OpenAIKey != "" {
		opts = append(opts, fallback.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIModel != "" {
		opts = append(opts, fallback.WithModel(flags.OpenAIModel))
	}
	return opts
}

// buildVoiceOptions constructs Twilio REST client options
func buildVoiceOptions(flags Flags) []voice.Option {
	var opts []voice.Option
	if flags.TwilioAccountSID != "" {
		opts = append(opts, voice.WithAccountSID(flags.TwilioAccountSID))
	}
	if flags.TwilioAuthToken != "" {
		opts = append(opts, voice.WithAuthToken(flags.TwilioAuthToken))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(flags.StateDir),
		api.WithStateTTL(flags.StateTTL),
	}
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if flags.ConfigDir != "" {
		apiOpts = append(apiOpts, api.WithConfigDir(flags.ConfigDir))
	}
	if flags.PublicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(flags.PublicURL))
	}
	if flags.TwilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithTwilioAuthToken(flags.TwilioAuthToken))
	}
	if flags.AdminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(flags.AdminToken))
	}
	if flags.PurgeSchedule != "" {
		apiOpts = append(apiOpts, api.WithPurgeSchedule(flags.PurgeSchedule))
	}
	return apiOpts
}
