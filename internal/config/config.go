package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pmchat/internal/domain"
)

// Config is the root configuration for pmchat.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Remote      RemoteConfig      `json:"remote" yaml:"remote"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`
	DevServer   DevServerConfig   `json:"devServer" yaml:"devServer"`
	Identity    IdentityConfig    `json:"identity" yaml:"identity"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// RemoteConfig points the client at the conversation store and the
// completion endpoints.
type RemoteConfig struct {
	BaseURL           string            `json:"baseURL" yaml:"baseURL"`
	HistoryPath       string            `json:"historyPath" yaml:"historyPath"`
	ConversationsPath string            `json:"conversationsPath" yaml:"conversationsPath"`
	AuthToken         string            `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	TimeoutSeconds    int               `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries        int               `json:"maxRetries" yaml:"maxRetries"` // idempotent calls only
	Endpoints         map[string]string `json:"endpoints" yaml:"endpoints"`   // agent role -> completion path
}

// Timeout returns the connect and response-header timeout.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// EndpointMap returns Endpoints keyed by agent role.
func (r RemoteConfig) EndpointMap() map[domain.AgentRole]string {
	out := make(map[domain.AgentRole]string, len(r.Endpoints))
	for role, path := range r.Endpoints {
		out[domain.AgentRole(role)] = path
	}
	return out
}

type AttachmentsConfig struct {
	MaxSizeBytes  int64 `json:"maxSizeBytes" yaml:"maxSizeBytes"`
	MaxConcurrent int   `json:"maxConcurrent" yaml:"maxConcurrent"`
}

// DevServerConfig configures the local stand-in for the remote store and
// completion service.
type DevServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	DBPath       string `json:"dbPath" yaml:"dbPath"`
	Reply        string `json:"reply,omitempty" yaml:"reply,omitempty"` // fixed reply; empty echoes the prompt
	ChunkSize    int    `json:"chunkSize" yaml:"chunkSize"`
	ChunkDelayMs int    `json:"chunkDelayMs" yaml:"chunkDelayMs"`
}

// IdentityConfig holds the defaults used by the CLI to derive a key.
type IdentityConfig struct {
	DefaultRole string `json:"defaultRole" yaml:"defaultRole"`
	UserID      int64  `json:"userID,omitempty" yaml:"userID,omitempty"`       // 0 = no user
	ProjectID   int64  `json:"projectID,omitempty" yaml:"projectID,omitempty"` // 0 = no project
}

// DefaultConfigDir returns the default config directory (~/.pmchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pmchat"
	}
	return filepath.Join(home, ".pmchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.DevServer.DBPath = ExpandPath(cfg.DevServer.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
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

// Save writes cfg to path, as YAML when the extension says so and JSON
// otherwise.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
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

	// The file may carry an auth token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if u, err := url.Parse(cfg.Remote.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "remote.baseURL must be an absolute http(s) URL")
	}
	for name, p := range map[string]string{
		"remote.historyPath":       cfg.Remote.HistoryPath,
		"remote.conversationsPath": cfg.Remote.ConversationsPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Sprintf("%s must start with /", name))
		}
	}
	if cfg.Remote.TimeoutSeconds < 0 {
		errs = append(errs, "remote.timeoutSeconds must be >= 0")
	}
	if cfg.Remote.MaxRetries < 0 || cfg.Remote.MaxRetries > 10 {
		errs = append(errs, "remote.maxRetries must be between 0 and 10")
	}
	if len(cfg.Remote.Endpoints) == 0 {
		errs = append(errs, "remote.endpoints must map at least one agent role")
	}
	for role, p := range cfg.Remote.Endpoints {
		if role == "" {
			errs = append(errs, "remote.endpoints has an empty agent role")
		}
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Sprintf("remote.endpoints.%s must start with /", role))
		}
	}

	if cfg.Attachments.MaxSizeBytes < 1 {
		errs = append(errs, "attachments.maxSizeBytes must be >= 1")
	}
	if cfg.Attachments.MaxConcurrent < 1 || cfg.Attachments.MaxConcurrent > 64 {
		errs = append(errs, "attachments.maxConcurrent must be between 1 and 64")
	}

	if cfg.DevServer.Port < 0 || cfg.DevServer.Port > 65535 {
		errs = append(errs, "devServer.port must be between 0 and 65535")
	}
	if cfg.DevServer.ChunkSize < 1 {
		errs = append(errs, "devServer.chunkSize must be >= 1")
	}
	if cfg.DevServer.ChunkDelayMs < 0 {
		errs = append(errs, "devServer.chunkDelayMs must be >= 0")
	}

	if cfg.Identity.DefaultRole != "" {
		known := false
		for _, r := range domain.KnownRoles() {
			if string(r) == cfg.Identity.DefaultRole {
				known = true
			}
		}
		if !known {
			errs = append(errs, fmt.Sprintf("identity.defaultRole is not a known agent role: %s", cfg.Identity.DefaultRole))
		}
	}
	if cfg.Identity.UserID < 0 || cfg.Identity.ProjectID < 0 {
		errs = append(errs, "identity ids must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
