package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultRemoteUserHeader is the identity header set by Authelia-style proxies.
const DefaultRemoteUserHeader = "Remote-User"

// Config holds application configuration.
type Config struct {
	// PersonAName and PersonBName are the display names of the two participants.
	PersonAName string `json:"person_a_name,omitempty"`
	PersonBName string `json:"person_b_name,omitempty"`

	// Currency is shown next to amounts in the UI and reports.
	Currency string `json:"currency,omitempty"`

	// VisionModel is the chat-completions model used to read receipts.
	VisionModel string `json:"vision_model,omitempty"`

	// VisionBaseURL is the root of an OpenAI-compatible API; the client
	// appends /chat/completions.
	VisionBaseURL string `json:"vision_base_url,omitempty"`

	// VisionMaxTokens caps the reply length of one extraction.
	VisionMaxTokens int `json:"vision_max_tokens,omitempty"`

	// VisionTimeoutSeconds bounds one extraction request.
	VisionTimeoutSeconds int `json:"vision_timeout_seconds,omitempty"`

	// VisionAPIKey is only read from the environment (RECEIPTS_VISION_API_KEY
	// or OPENAI_API_KEY, also via .env), never from config.json.
	VisionAPIKey string `json:"-"`

	// MaxUploadBytes limits the size of an uploaded ZIP archive.
	MaxUploadBytes int64 `json:"max_upload_bytes,omitempty"`

	// RemoteUserHeader names the header set by the authenticating proxy.
	RemoteUserHeader string `json:"remote_user_header,omitempty"`

	// DefaultOwner is used by the CLI and MCP server, and by the web UI when
	// AllowAnonymous is set and no identity header is present.
	DefaultOwner string `json:"default_owner,omitempty"`

	// AllowAnonymous lets web requests without identity header act as DefaultOwner.
	AllowAnonymous bool `json:"allow_anonymous,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// LogFormat is text or json.
	LogFormat string `json:"log_format,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PersonAName:          "A",
		PersonBName:          "B",
		Currency:             "CHF",
		VisionModel:          "gpt-4o",
		VisionBaseURL:        "https://api.openai.com/v1",
		VisionMaxTokens:      5000,
		VisionTimeoutSeconds: 120,
		MaxUploadBytes:       200 << 20,
		RemoteUserHeader:     DefaultRemoteUserHeader,
		DefaultOwner:         "local",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load loads configuration from baseDir/config.json merged over defaults,
// then applies the environment overlay (baseDir/.env, then the process env).
// The baseDir parameter allows tests to use t.TempDir().
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	env, err := readEnv(filepath.Join(baseDir, ".env"))
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// readEnv returns the variables of the .env file (if any) overlaid with the
// process environment. The .env file is read, not loaded into os.Environ.
func readEnv(envPath string) (map[string]string, error) {
	vars := map[string]string{}
	if _, err := os.Stat(envPath); err == nil {
		fileVars, err := godotenv.Read(envPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", envPath, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if strings.HasPrefix(k, "RECEIPTS_") || k == "OPENAI_API_KEY" {
			vars[k] = v
		}
	}
	return vars, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, env map[string]string) error {
	if v := env["OPENAI_API_KEY"]; v != "" {
		cfg.VisionAPIKey = v
	}
	if v := env["RECEIPTS_VISION_API_KEY"]; v != "" {
		cfg.VisionAPIKey = v
	}
	setString := map[string]*string{
		"RECEIPTS_PERSON_A_NAME":      &cfg.PersonAName,
		"RECEIPTS_PERSON_B_NAME":      &cfg.PersonBName,
		"RECEIPTS_CURRENCY":           &cfg.Currency,
		"RECEIPTS_VISION_MODEL":       &cfg.VisionModel,
		"RECEIPTS_VISION_BASE_URL":    &cfg.VisionBaseURL,
		"RECEIPTS_REMOTE_USER_HEADER": &cfg.RemoteUserHeader,
		"RECEIPTS_DEFAULT_OWNER":      &cfg.DefaultOwner,
		"RECEIPTS_LOG_LEVEL":          &cfg.LogLevel,
		"RECEIPTS_LOG_FORMAT":         &cfg.LogFormat,
	}
	for key, dst := range setString {
		if v := strings.TrimSpace(env[key]); v != "" {
			*dst = v
		}
	}
	if v := env["RECEIPTS_MAX_UPLOAD_BYTES"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RECEIPTS_MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.MaxUploadBytes = n
	}
	if v := env["RECEIPTS_ALLOW_ANONYMOUS"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RECEIPTS_ALLOW_ANONYMOUS: %w", err)
		}
		cfg.AllowAnonymous = b
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.PersonAName) == "" || strings.TrimSpace(c.PersonBName) == "" {
		problems = append(problems, "person_a_name and person_b_name must not be empty")
	}
	if c.PersonAName == c.PersonBName {
		problems = append(problems, "person_a_name and person_b_name must differ")
	}
	if c.VisionMaxTokens < 0 {
		problems = append(problems, "vision_max_tokens must not be negative")
	}
	if c.VisionTimeoutSeconds < 0 {
		problems = append(problems, "vision_timeout_seconds must not be negative")
	}
	if c.MaxUploadBytes <= 0 {
		problems = append(problems, "max_upload_bytes must be positive")
	}
	if strings.TrimSpace(c.DefaultOwner) == "" {
		problems = append(problems, "default_owner must not be empty")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.PersonAName = firstString(overlay.PersonAName, base.PersonAName)
	result.PersonBName = firstString(overlay.PersonBName, base.PersonBName)
	result.Currency = firstString(overlay.Currency, base.Currency)
	result.VisionModel = firstString(overlay.VisionModel, base.VisionModel)
	result.VisionBaseURL = firstString(overlay.VisionBaseURL, base.VisionBaseURL)
	result.VisionAPIKey = firstString(overlay.VisionAPIKey, base.VisionAPIKey)
	result.RemoteUserHeader = firstString(overlay.RemoteUserHeader, base.RemoteUserHeader)
	result.DefaultOwner = firstString(overlay.DefaultOwner, base.DefaultOwner)
	result.LogLevel = firstString(overlay.LogLevel, base.LogLevel)
	result.LogFormat = firstString(overlay.LogFormat, base.LogFormat)

	result.VisionMaxTokens = overlay.VisionMaxTokens
	if result.VisionMaxTokens == 0 {
		result.VisionMaxTokens = base.VisionMaxTokens
	}

	result.VisionTimeoutSeconds = overlay.VisionTimeoutSeconds
	if result.VisionTimeoutSeconds == 0 {
		result.VisionTimeoutSeconds = base.VisionTimeoutSeconds
	}

	result.MaxUploadBytes = overlay.MaxUploadBytes
	if result.MaxUploadBytes == 0 {
		result.MaxUploadBytes = base.MaxUploadBytes
	}

	result.DBMaxOpenConns = overlay.DBMaxOpenConns
	if result.DBMaxOpenConns == 0 {
		result.DBMaxOpenConns = base.DBMaxOpenConns
	}

	result.DBMaxIdleConns = overlay.DBMaxIdleConns
	if result.DBMaxIdleConns == 0 {
		result.DBMaxIdleConns = base.DBMaxIdleConns
	}

	// Booleans: overlay wins if true, else base
	result.AllowAnonymous = base.AllowAnonymous || overlay.AllowAnonymous

	// Arrays: merge and deduplicate
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func firstString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
