package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the orchestration core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Broker sessions
	DryRun            bool
	ConnectTimeout    time.Duration
	CallTimeout       time.Duration
	CallRetries       int
	CallRetryDelay    time.Duration
	SimInitialBalance float64
	SimWinRate        float64 // sim broker win probability (dry-run only)
	SimPayout         float64 // sim broker payout fraction (e.g. 0.8)

	// Worker supervision
	FailureThreshold int
	ProbeInterval    time.Duration
	RestartBackoff   time.Duration
	CommandBuffer    int

	// Orchestration
	DefaultAccount   string
	TradeSpacing     time.Duration // minimum gap between orders on one account
	SubmitTimeout    time.Duration
	ResultTimeout    time.Duration
	MaxSignalAge     time.Duration
	MaxParallel      int
	MinPayout        float64
	DefaultExpirySec int
	PrioritySymbols  []string // fallback list for the symbol_priority lane strategy

	// Result monitoring
	MonitorLead     time.Duration // start polling this long before expiry
	MonitorInterval time.Duration
	MonitorGrace    time.Duration // give up this long after expiry
	SweepInterval   time.Duration

	// Signal intake
	SignalFeedURL string
	SignalBuffer  int

	// Signal journal
	EnableSignalWAL bool
	SignalWALPath   string

	// Balance refresh
	BalanceSyncInterval time.Duration

	// Accounts bootstrap
	AccountsFile string

	// Credential encryption (hex or raw 32-byte key; empty disables)
	CredentialKey string

	// Licensing
	LicenseToken  string
	LicenseSecret string

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/options.db")
	}

	return &Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: dbPath,

		DryRun:            getEnv("DRY_RUN", "true") == "true",
		ConnectTimeout:    getEnvDuration("BROKER_CONNECT_TIMEOUT", 30*time.Second),
		CallTimeout:       getEnvDuration("BROKER_CALL_TIMEOUT", 8*time.Second),
		CallRetries:       getEnvInt("BROKER_CALL_RETRIES", 2),
		CallRetryDelay:    getEnvDuration("BROKER_CALL_RETRY_DELAY", time.Second),
		SimInitialBalance: getEnvFloat("SIM_INITIAL_BALANCE", 10000.0),
		SimWinRate:        getEnvFloat("SIM_WIN_RATE", 0.5),
		SimPayout:         getEnvFloat("SIM_PAYOUT", 0.8),

		FailureThreshold: getEnvInt("WORKER_FAILURE_THRESHOLD", 3),
		ProbeInterval:    getEnvDuration("WORKER_PROBE_INTERVAL", time.Minute),
		RestartBackoff:   getEnvDuration("WORKER_RESTART_BACKOFF", 5*time.Second),
		CommandBuffer:    getEnvInt("WORKER_COMMAND_BUFFER", 32),

		DefaultAccount:   getEnv("DEFAULT_ACCOUNT", ""),
		TradeSpacing:     getEnvDuration("TRADE_SPACING", 2*time.Second),
		SubmitTimeout:    getEnvDuration("SUBMIT_TIMEOUT", 15*time.Second),
		ResultTimeout:    getEnvDuration("RESULT_CHECK_TIMEOUT", 20*time.Second),
		MaxSignalAge:     getEnvDuration("MAX_SIGNAL_AGE", 60*time.Second),
		MaxParallel:      getEnvInt("MAX_PARALLEL_SUBMISSIONS", 8),
		MinPayout:        getEnvFloat("MIN_PAYOUT", 0),
		DefaultExpirySec: getEnvInt("DEFAULT_EXPIRY_SECONDS", 60),
		PrioritySymbols:  splitAndTrim(getEnv("PRIORITY_SYMBOLS", "")),

		MonitorLead:     getEnvDuration("MONITOR_LEAD", 5*time.Second),
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 3*time.Second),
		MonitorGrace:    getEnvDuration("MONITOR_GRACE", 180*time.Second),
		SweepInterval:   getEnvDuration("MONITOR_SWEEP_INTERVAL", 30*time.Second),

		SignalFeedURL: getEnv("SIGNAL_FEED_URL", ""),
		SignalBuffer:  getEnvInt("SIGNAL_BUFFER", 100),

		EnableSignalWAL: getEnv("ENABLE_SIGNAL_WAL", "true") == "true",
		SignalWALPath:   getEnv("SIGNAL_WAL_PATH", "./data/signal_wal"),

		BalanceSyncInterval: getEnvDuration("BALANCE_SYNC_INTERVAL", 30*time.Second),

		AccountsFile: getEnv("ACCOUNTS_FILE", "accounts.yaml"),

		CredentialKey: os.Getenv("CREDENTIAL_KEY"),

		LicenseToken:  os.Getenv("LICENSE_TOKEN"),
		LicenseSecret: getEnv("LICENSE_SECRET", ""),

		Language: getEnv("LANGUAGE", "en"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("15s") or bare seconds ("15").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
