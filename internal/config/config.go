package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the teamwire client.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Server      ServerConfig      `json:"server"`
	Transport   TransportConfig   `json:"transport"`
	Typing      TypingConfig      `json:"typing"`
	Composer    ComposerConfig    `json:"composer"`
	Suggestions SuggestionsConfig `json:"suggestions"`
	Store       StoreConfig       `json:"store"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
	UserID   string `json:"userId"`
}

type ServerConfig struct {
	BaseURL        string   `json:"baseURL"`
	WebsocketURL   string   `json:"websocketURL"`
	Token          string   `json:"token,omitempty"`
	WorkspaceID    string   `json:"workspaceId,omitempty"`
	RequestTimeout Duration `json:"requestTimeout"`
}

type TransportConfig struct {
	ReconnectInitial Duration `json:"reconnectInitial"`
	ReconnectMax     Duration `json:"reconnectMax"`
	WriteTimeout     Duration `json:"writeTimeout"`
	PingInterval     Duration `json:"pingInterval"`
}

type TypingConfig struct {
	QuietPeriod Duration `json:"quietPeriod"` // local input silence before isTyping:false
	PeerTimeout Duration `json:"peerTimeout"` // liveness of a remote indicator
}

type ComposerConfig struct {
	MaxAttachmentSize SizeBytes `json:"maxAttachmentSize"`
	MaxRows           int       `json:"maxRows"`
}

type SuggestionsConfig struct {
	Enabled         bool         `json:"enabled"`
	MinLength       int          `json:"minLength"`
	Every           int          `json:"every"`
	RatePerMinute   int          `json:"ratePerMinute"`
	Burst           int          `json:"burst"`
	Timeout         Duration     `json:"timeout"`
	ContextMessages int          `json:"contextMessages"`
	Providers       []string     `json:"providers"` // tried in order: "server", "openai"
	OpenAI          OpenAIConfig `json:"openai"`
}

// OpenAIConfig points the "openai" completer at any OpenAI-compatible
// endpoint, e.g. a local Ollama.
type OpenAIConfig struct {
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// DefaultConfigDir returns the default config directory (~/.teamwire).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teamwire"
	}
	return filepath.Join(home, ".teamwire")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML (by extension) config file on top of Defaults.
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

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// yamlToJSON converts a YAML document to JSON so both formats share the json
// tags and custom unmarshalers of Config.
func yamlToJSON(data []byte) ([]byte, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset ${VAR}
// without default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
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
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}
	// The file may hold the server token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if err := checkURL(cfg.Server.BaseURL, "http", "https"); err != nil {
		errs = append(errs, "server.baseURL: "+err.Error())
	}
	if err := checkURL(cfg.Server.WebsocketURL, "ws", "wss"); err != nil {
		errs = append(errs, "server.websocketURL: "+err.Error())
	}

	positive := map[string]Duration{
		"server.requestTimeout":      cfg.Server.RequestTimeout,
		"transport.reconnectInitial": cfg.Transport.ReconnectInitial,
		"transport.reconnectMax":     cfg.Transport.ReconnectMax,
		"transport.writeTimeout":     cfg.Transport.WriteTimeout,
		"transport.pingInterval":     cfg.Transport.PingInterval,
		"typing.quietPeriod":         cfg.Typing.QuietPeriod,
		"typing.peerTimeout":         cfg.Typing.PeerTimeout,
		"suggestions.timeout":        cfg.Suggestions.Timeout,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, name+" must be > 0")
		}
	}
	if cfg.Transport.ReconnectMax < cfg.Transport.ReconnectInitial {
		errs = append(errs, "transport.reconnectMax must be >= transport.reconnectInitial")
	}

	if cfg.Composer.MaxAttachmentSize <= 0 {
		errs = append(errs, "composer.maxAttachmentSize must be > 0")
	}
	if cfg.Composer.MaxRows < 1 || cfg.Composer.MaxRows > 50 {
		errs = append(errs, "composer.maxRows must be between 1 and 50")
	}

	s := cfg.Suggestions
	if s.MinLength < 0 {
		errs = append(errs, "suggestions.minLength must be >= 0")
	}
	if s.Every < 1 {
		errs = append(errs, "suggestions.every must be >= 1")
	}
	if s.RatePerMinute < 1 || s.Burst < 1 {
		errs = append(errs, "suggestions.ratePerMinute and suggestions.burst must be >= 1")
	}
	if s.ContextMessages < 0 {
		errs = append(errs, "suggestions.contextMessages must be >= 0")
	}
	if s.Enabled && len(s.Providers) == 0 {
		errs = append(errs, "suggestions.providers must not be empty when suggestions are enabled")
	}
	for _, p := range s.Providers {
		switch p {
		case "server":
		case "openai":
			if s.OpenAI.APIBase == "" || s.OpenAI.Model == "" {
				errs = append(errs, "suggestions.openai: apiBase and model are required for the openai provider")
			}
		default:
			errs = append(errs, fmt.Sprintf("suggestions.providers references unknown provider: %s", p))
		}
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("must be an absolute %s URL, got %q", strings.Join(schemes, "/"), raw)
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
