package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transport modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

var (
	// ErrMissingToken is returned when the bot token is required but absent.
	ErrMissingToken = errors.New("telegram bot token is not configured (set TELEGRAM_BOT_TOKEN)")
	// ErrMissingWebhookURL is returned in webhook mode without an external base URL.
	ErrMissingWebhookURL = errors.New("webhook mode requires telegram.webhookUrl (set WEBHOOK_URL)")
)

// Config is the root configuration for relaybot.
type Config struct {
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Audit    AuditConfig    `json:"audit" yaml:"audit"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// BackendConfig points at the question-answering service.
type BackendConfig struct {
	BaseURL              string `json:"baseUrl" yaml:"baseUrl"`
	Approach             string `json:"approach" yaml:"approach"`
	HealthTimeoutSeconds int    `json:"healthTimeoutSeconds" yaml:"healthTimeoutSeconds"`
	InfoTimeoutSeconds   int    `json:"infoTimeoutSeconds" yaml:"infoTimeoutSeconds"`
	QueryTimeoutSeconds  int    `json:"queryTimeoutSeconds" yaml:"queryTimeoutSeconds"`
}

type TelegramConfig struct {
	Token               string `json:"token" yaml:"token"`
	Mode                string `json:"mode" yaml:"mode"` // "polling" | "webhook"
	APIEndpoint         string `json:"apiEndpoint" yaml:"apiEndpoint,omitempty"`
	PollTimeoutSeconds  int    `json:"pollTimeoutSeconds" yaml:"pollTimeoutSeconds"`
	WebhookURL          string `json:"webhookUrl" yaml:"webhookUrl,omitempty"` // external base URL
	WebhookPath         string `json:"webhookPath" yaml:"webhookPath"`
	WebhookSecret       string `json:"webhookSecret" yaml:"webhookSecret,omitempty"`
	DropPendingUpdates  bool   `json:"dropPendingUpdates" yaml:"dropPendingUpdates"`
	DeleteWebhookOnStop bool   `json:"deleteWebhookOnStop" yaml:"deleteWebhookOnStop"`
}

// ServerConfig configures the embedded HTTP listener (liveness, metrics, webhook).
type ServerConfig struct {
	Host                     string `json:"host" yaml:"host"`
	Port                     int    `json:"port" yaml:"port"`
	WebhookRequestsPerMinute int    `json:"webhookRequestsPerMinute" yaml:"webhookRequestsPerMinute"`
	ShutdownTimeoutSeconds   int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

type RelayConfig struct {
	MaxConcurrent       int     `json:"maxConcurrent" yaml:"maxConcurrent"`
	MaxMessageRunes     int     `json:"maxMessageRunes" yaml:"maxMessageRunes"`
	ChatRatePerMinute   float64 `json:"chatRatePerMinute" yaml:"chatRatePerMinute"` // 0 = disabled
	ChatBurst           int     `json:"chatBurst" yaml:"chatBurst"`
	DrainTimeoutSeconds int     `json:"drainTimeoutSeconds" yaml:"drainTimeoutSeconds"`
}

type AuditConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file" yaml:"file,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load builds a config from defaults, the optional file at path, and the
// environment, in that order. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))

		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Audit.DBPath = ExpandPath(cfg.Audit.DBPath)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFile reads defaults overlaid with the file at path exactly as written:
// ${VAR} references stay literal and the environment is ignored. A config
// edited from it can be saved back without persisting environment values.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve returns the config the relay would run with for cfg: ${VAR}
// references expanded and environment overrides applied. cfg is unchanged.
func Resolve(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	out := Defaults()
	if err := json.Unmarshal([]byte(ExpandEnvVars(string(data))), out); err != nil {
		return nil, fmt.Errorf("cannot resolve config: %w", err)
	}
	if err := ApplyEnv(out); err != nil {
		return nil, err
	}
	out.Audit.DBPath = ExpandPath(out.Audit.DBPath)
	out.Log.File = ExpandPath(out.Log.File)
	return out, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ApplyEnv overlays the deployment environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Telegram.WebhookURL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Telegram.WebhookSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("USE_WEBHOOK"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid USE_WEBHOOK %q: %w", v, err)
		}
		if on {
			cfg.Telegram.Mode = ModeWebhook
		} else {
			cfg.Telegram.Mode = ModePolling
		}
	}
	return nil
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
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. It does not require a
// bot token; see RequireTransport.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Backend.BaseURL == "" {
		errs = append(errs, "backend.baseUrl is required")
	} else if !strings.HasPrefix(cfg.Backend.BaseURL, "http://") && !strings.HasPrefix(cfg.Backend.BaseURL, "https://") {
		errs = append(errs, "backend.baseUrl must start with http:// or https://")
	}
	if cfg.Backend.Approach == "" {
		errs = append(errs, "backend.approach is required")
	}
	if cfg.Backend.HealthTimeoutSeconds < 1 || cfg.Backend.InfoTimeoutSeconds < 1 || cfg.Backend.QueryTimeoutSeconds < 1 {
		errs = append(errs, "backend timeouts must be >= 1 second")
	}

	switch cfg.Telegram.Mode {
	case ModePolling, ModeWebhook:
		// valid
	default:
		errs = append(errs, "telegram.mode must be one of: polling, webhook")
	}
	if cfg.Telegram.PollTimeoutSeconds < 0 || cfg.Telegram.PollTimeoutSeconds > 60 {
		errs = append(errs, "telegram.pollTimeoutSeconds must be between 0 and 60")
	}
	if !strings.HasPrefix(cfg.Telegram.WebhookPath, "/") {
		errs = append(errs, "telegram.webhookPath must start with /")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}

	if cfg.Relay.MaxConcurrent < 1 || cfg.Relay.MaxConcurrent > 1000 {
		errs = append(errs, "relay.maxConcurrent must be between 1 and 1000")
	}
	// Telegram rejects messages above 4096 UTF-16 units.
	if cfg.Relay.MaxMessageRunes < 100 || cfg.Relay.MaxMessageRunes > 4096 {
		errs = append(errs, "relay.maxMessageRunes must be between 100 and 4096")
	}
	if cfg.Relay.ChatRatePerMinute < 0 {
		errs = append(errs, "relay.chatRatePerMinute must be >= 0")
	}
	if cfg.Relay.ChatRatePerMinute > 0 && cfg.Relay.ChatBurst < 1 {
		errs = append(errs, "relay.chatBurst must be >= 1 when chatRatePerMinute is set")
	}

	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.dbPath is required when audit is enabled")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireTransport reports the configuration needed to talk to Telegram that
// is still missing. It is fatal at serve startup.
func RequireTransport(cfg *Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrMissingToken
	}
	if cfg.Telegram.Mode == ModeWebhook && cfg.Telegram.WebhookURL == "" {
		return ErrMissingWebhookURL
	}
	return nil
}

// WebhookEndpoint returns the externally reachable webhook URL.
func (c *Config) WebhookEndpoint() string {
	return strings.TrimRight(c.Telegram.WebhookURL, "/") + c.Telegram.WebhookPath
}

// ListenAddr returns host:port for the embedded HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
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
