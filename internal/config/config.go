package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/engine.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// EngineConfig describes runtime options for the metering daemon. It is
// loaded once at startup and treated as immutable afterwards.
type EngineConfig struct {
	Environment string

	// HTTP surface
	ListenPort   int
	AuthDisabled bool

	// Quota policy
	QuotaEnabled   bool
	DefaultQuota   int
	MinimumToStart int
	StaleAfter     time.Duration
	ReaperInterval time.Duration
	TxHistoryLimit int

	// Storage: sqlite (default) or postgres
	StoreBackend string
	LedgerPath   string
	SessionPath  string
	PostgresDSN  string
	PGMaxOpen    int
	PGMaxIdle    int
	PGConnLifeM  int
	PGConnIdleM  int

	// Rate table
	RatesFile string

	// Logging
	LogFile  string
	LogLevel string
}

// LoadEngineConfig reads the current environment and loads the appropriate
// engine config file, applying environment-variable overrides.
func LoadEngineConfig(root string) (EngineConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return EngineConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return EngineConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := EngineConfig{
		Environment:    s.Environment,
		ListenPort:     parseOptionalInt(firstNonEmpty(os.Getenv("FLEETMETER_PORT"), merged["port"]), 8080),
		AuthDisabled:   parseOptionalBool(firstNonEmpty(os.Getenv("FLEETMETER_AUTH_DISABLED"), merged["auth_disabled"]), true),
		QuotaEnabled:   parseOptionalBool(firstNonEmpty(os.Getenv("FLEETMETER_QUOTA_ENABLED"), merged["quota_enabled"]), true),
		DefaultQuota:   parseOptionalInt(firstNonEmpty(os.Getenv("FLEETMETER_DEFAULT_QUOTA"), merged["default_quota"]), 0),
		MinimumToStart: parseOptionalInt(firstNonEmpty(os.Getenv("FLEETMETER_MINIMUM_TO_START"), merged["minimum_to_start"]), 10),
		TxHistoryLimit: parseOptionalInt(merged["tx_history_limit"], 20),
		StoreBackend:   strings.ToLower(firstNonEmpty(os.Getenv("FLEETMETER_STORE_BACKEND"), merged["store_backend"], "sqlite")),
		LedgerPath:     firstNonEmpty(os.Getenv("FLEETMETER_LEDGER_PATH"), merged["ledger_path"], filepath.Join("data", "ledger.db")),
		SessionPath:    firstNonEmpty(os.Getenv("FLEETMETER_SESSION_PATH"), merged["session_path"], filepath.Join("data", "sessions.db")),
		PostgresDSN:    firstNonEmpty(os.Getenv("FLEETMETER_POSTGRES_DSN"), merged["postgres_dsn"]),
		PGMaxOpen:      parseOptionalInt(merged["pg_max_open"], 25),
		PGMaxIdle:      parseOptionalInt(merged["pg_max_idle"], 5),
		PGConnLifeM:    parseOptionalInt(merged["pg_conn_lifetime_minutes"], 5),
		PGConnIdleM:    parseOptionalInt(merged["pg_conn_idle_minutes"], 1),
		RatesFile:      firstNonEmpty(os.Getenv("FLEETMETER_RATES_FILE"), merged["rates_file"], filepath.Join("config", "rates.yaml")),
		LogFile:        firstNonEmpty(os.Getenv("FLEETMETER_LOG_FILE"), merged["log_file"]),
		LogLevel:       firstNonEmpty(merged["log_level"], "info"),
	}

	cfg.StaleAfter, err = parseOptionalDuration(firstNonEmpty(os.Getenv("FLEETMETER_STALE_AFTER"), merged["stale_after"]), 8*time.Hour)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid stale_after: %w", err)
	}
	cfg.ReaperInterval, err = parseOptionalDuration(firstNonEmpty(os.Getenv("FLEETMETER_REAPER_INTERVAL"), merged["reaper_interval"]), time.Hour)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid reaper_interval: %w", err)
	}

	switch cfg.StoreBackend {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return EngineConfig{}, errors.New("store_backend=postgres requires postgres_dsn")
		}
	default:
		return EngineConfig{}, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
