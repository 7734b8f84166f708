package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"commhub/internal/normalize"
	"commhub/internal/signature"
)

// Config is the root configuration for commhub.
type Config struct {
	General     GeneralConfig             `json:"general"`
	Server      ServerConfig              `json:"server"`
	Store       StoreConfig               `json:"store"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Pipeline    PipelineConfig            `json:"pipeline"`
	Maintenance MaintenanceConfig         `json:"maintenance"`
	Metrics     MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel           string `env:"COMMHUB_LOG_LEVEL"            json:"logLevel"`
	LogFile            string `env:"COMMHUB_LOG_FILE"             json:"logFile,omitempty"` // optional log file path
	DefaultCountryCode string `env:"COMMHUB_DEFAULT_COUNTRY_CODE" json:"defaultCountryCode"`
	TelegramBotName    string `env:"COMMHUB_TELEGRAM_BOT_NAME"    json:"telegramBotName,omitempty"`
}

type ServerConfig struct {
	Host               string `env:"COMMHUB_SERVER_HOST"          json:"host"`
	Port               int    `env:"COMMHUB_SERVER_PORT"          json:"port"`
	MaxBodyBytes       int64  `env:"COMMHUB_SERVER_MAX_BODY"      json:"maxBodyBytes"`
	ReadTimeoutSeconds int    `env:"COMMHUB_SERVER_READ_TIMEOUT"  json:"readTimeoutSeconds"`
	PublicURL          string `env:"COMMHUB_SERVER_PUBLIC_URL"    json:"publicUrl,omitempty"` // base for twilio signature URLs
	// Per-provider delivery throttle; 0 disables it.
	RateLimitPerMinute int `env:"COMMHUB_SERVER_RATE_LIMIT" json:"rateLimitPerMinute"`
	RateLimitBurst     int `json:"rateLimitBurst"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

type StoreConfig struct {
	// DSN is "memory", a SQLite file path, or a postgres:// URL.
	DSN string `env:"COMMHUB_STORE_DSN" json:"dsn"`
}

// ProviderConfig describes one webhook source. The map key in
// Config.Providers is the provider ID used in URLs and stored records.
type ProviderConfig struct {
	Enabled          bool            `json:"enabled"`
	Type             string          `json:"type"` // normalizer: twilio | whatsapp | email | telegram | slack
	Signature        SignatureConfig `json:"signature"`
	WebhookURL       string          `json:"webhookUrl,omitempty"`  // exact URL the provider signs (twilio)
	VerifyToken      string          `json:"verifyToken,omitempty"` // meta subscription challenge
	MediaURLTemplate string          `json:"mediaUrlTemplate,omitempty"`
	BotToken         string          `json:"botToken,omitempty"` // telegram getFile resolution
}

// SignatureKindNone disables verification for a provider.
const SignatureKindNone = "none"

type SignatureConfig struct {
	Kind             string `json:"kind"` // twilio | meta | slack | token | generic | none
	Secret           string `json:"secret,omitempty"`
	Algorithm        string `json:"algorithm,omitempty"`
	Encoding         string `json:"encoding,omitempty"`
	Header           string `json:"header,omitempty"`
	TimestampHeader  string `json:"timestampHeader,omitempty"`
	ToleranceSeconds int    `json:"toleranceSeconds,omitempty"`
}

type PipelineConfig struct {
	BatchConcurrency         int            `env:"COMMHUB_BATCH_CONCURRENCY"    json:"batchConcurrency"`
	StageTimeoutSeconds      int            `env:"COMMHUB_STAGE_TIMEOUT"        json:"stageTimeoutSeconds"`
	MediaTimeoutSeconds      int            `json:"mediaTimeoutSeconds"`
	IdempotencyTTLMinutes    int            `env:"COMMHUB_IDEMPOTENCY_TTL"      json:"idempotencyTtlMinutes"`
	ProceedOnIdentityFailure bool           `json:"proceedOnIdentityFailure"`
	MaxRetries               int            `env:"COMMHUB_MAX_RETRIES"          json:"maxRetries"`
	RetryBackoffMillis       int            `json:"retryBackoffMillis"`
	Dedup                    DedupConfig    `json:"dedup"`
	Identity                 IdentityConfig `json:"identity"`
	Threading                ThreadConfig   `json:"threading"`
}

type DedupConfig struct {
	CheckContentHash    bool    `json:"checkContentHash"`
	CheckSimilarContent bool    `json:"checkSimilarContent"`
	WindowMinutes       int     `json:"windowMinutes"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
}

type IdentityConfig struct {
	FuzzyMatching       bool    `json:"fuzzyMatching"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
	CreateNewCustomer   bool    `json:"createNewCustomer"`
}

type ThreadConfig struct {
	CreateIfMissing       bool `json:"createIfMissing"`
	PreferExistingThreads bool `json:"preferExistingThreads"`
	RecentWindowHours     int  `json:"recentWindowHours"`
}

// MaintenanceConfig schedules the periodic jobs run by `commhub serve`.
type MaintenanceConfig struct {
	Enabled           bool   `env:"COMMHUB_MAINTENANCE_ENABLED" json:"enabled"`
	ArchiveSchedule   string `json:"archiveSchedule"` // cron expression
	ArchiveAfterHours int    `json:"archiveAfterHours"`
	SweepSchedule     string `json:"sweepSchedule"` // idempotency cache sweep
}

type MetricsConfig struct {
	Enabled  bool   `env:"COMMHUB_METRICS_ENABLED" json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.commhub).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".commhub"
	}
	return filepath.Join(home, ".commhub")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays COMMHUB_* environment variables and expands ~/ paths.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("cannot apply environment overrides: %w", err)
	}
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	if cfg.Store.DSN != "" && !strings.Contains(cfg.Store.DSN, "://") {
		cfg.Store.DSN = ExpandPath(cfg.Store.DSN)
	}
	return nil
}

// yamlToJSON re-encodes a YAML document so the json tags stay the single
// source of field names.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// wholeNumbers turns integral float64 values back into ints so yaml.v3
// does not write exponent notation that int fields cannot load.
func wholeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = wholeNumbers(x)
		}
	case []any:
		for i, x := range t {
			t[i] = wholeNumbers(x)
		}
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	}
	return v
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(wholeNumbers(doc)); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	// Provider secrets live here.
	return os.WriteFile(path, data, 0o600)
}

var providerTypes = []string{
	normalize.ProviderTwilio,
	normalize.ProviderWhatsApp,
	normalize.ProviderEmail,
	normalize.ProviderTelegram,
	normalize.ProviderSlack,
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if _, err := ParseLevel(cfg.General.LogLevel); err != nil {
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1024 {
		errs = append(errs, "server.maxBodyBytes must be >= 1024")
	}
	if cfg.Server.RateLimitPerMinute < 0 || cfg.Server.RateLimitBurst < 0 {
		errs = append(errs, "server.rateLimitPerMinute and server.rateLimitBurst must be >= 0")
	}
	if cfg.Store.DSN == "" {
		errs = append(errs, "store.dsn is required")
	}

	p := cfg.Pipeline
	if p.BatchConcurrency < 1 || p.BatchConcurrency > 256 {
		errs = append(errs, "pipeline.batchConcurrency must be between 1 and 256")
	}
	if p.StageTimeoutSeconds < 1 {
		errs = append(errs, "pipeline.stageTimeoutSeconds must be >= 1")
	}
	if p.IdempotencyTTLMinutes < 1 {
		errs = append(errs, "pipeline.idempotencyTtlMinutes must be >= 1")
	}
	if p.MaxRetries < 0 || p.MaxRetries > 10 {
		errs = append(errs, "pipeline.maxRetries must be between 0 and 10")
	}
	if p.Dedup.WindowMinutes < 1 {
		errs = append(errs, "pipeline.dedup.windowMinutes must be >= 1")
	}
	if p.Dedup.SimilarityThreshold <= 0 || p.Dedup.SimilarityThreshold > 1 {
		errs = append(errs, "pipeline.dedup.similarityThreshold must be in (0, 1]")
	}
	if p.Identity.ConfidenceThreshold < 0 || p.Identity.ConfidenceThreshold > 1 {
		errs = append(errs, "pipeline.identity.confidenceThreshold must be in [0, 1]")
	}
	if p.Threading.RecentWindowHours < 1 {
		errs = append(errs, "pipeline.threading.recentWindowHours must be >= 1")
	}

	if m := cfg.Maintenance; m.Enabled {
		g := gronx.New()
		if !g.IsValid(m.ArchiveSchedule) {
			errs = append(errs, fmt.Sprintf("maintenance.archiveSchedule is not a valid cron expression: %q", m.ArchiveSchedule))
		}
		if !g.IsValid(m.SweepSchedule) {
			errs = append(errs, fmt.Sprintf("maintenance.sweepSchedule is not a valid cron expression: %q", m.SweepSchedule))
		}
		if m.ArchiveAfterHours < 1 {
			errs = append(errs, "maintenance.archiveAfterHours must be >= 1")
		}
	}

	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		pc := cfg.Providers[id]
		if strings.ContainsAny(id, "/ ") || id == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: id must be non-empty without slashes or spaces", id))
		}
		if !slices.Contains(providerTypes, pc.Type) {
			errs = append(errs, fmt.Sprintf("providers.%s: type must be one of: %s", id, strings.Join(providerTypes, ", ")))
		}
		if !pc.Enabled || pc.Signature.Kind == SignatureKindNone {
			continue
		}
		kind, err := signature.ParseKind(pc.Signature.Kind)
		if err != nil {
			errs = append(errs, fmt.Sprintf("providers.%s: %v", id, err))
			continue
		}
		if pc.Signature.Secret == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: signature.secret is required", id))
		}
		if kind == signature.KindTwilio && pc.WebhookURL == "" && cfg.Server.PublicURL == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: webhookUrl or server.publicUrl is required for twilio signatures", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseLevel maps a config log level onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
