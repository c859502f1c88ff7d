package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileEnv names the environment variable pointing at an optional config file.
const FileEnv = "AUTOCHAT_CONFIG_FILE"

const placeholderPrefix = "{-Variable."

// Config contains all runtime settings for one bot run. It is loaded once and
// never reloaded.
type Config struct {
	ChatAuth          string
	Model             string
	ServerURL         string
	FallbackServerURL string

	GatewayMode        string
	GatewayURL         string
	GatewayFallbackURL string
	GatewayTimeout     time.Duration

	MaxDialogs        int
	InactivityTimeout time.Duration
	SearchTimeout     time.Duration
	TypingDelay       Range
	ResponseDelay     Range
	ReconnectDelay    Range
	ReinitDelay       Range
	SearchRetryDelay  Range
	ConclusionDelay   Range
	GraceDelay        Range

	MaxReconnectAttempts int
	MaxRestoreAttempts   int
	SearchLimitMax       int
	SystemGreeting       string

	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration
	DatabaseURL      string
	LogLevel         string
	LogFormat        string

	ConfigFile string
}

// Load reads the optional config file named by AUTOCHAT_CONFIG_FILE, then
// environment variables, and applies defaults.
func Load() (Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit config file path. Environment variables
// override file values.
func LoadFile(path string) (Config, error) {
	l := loader{}
	path = trimSpace(path)
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		l.file = v
	}

	cfg := Config{
		ChatAuth:             l.stringsTrimSpace("CHAT_AUTH"),
		Model:                l.stringsTrimSpace("CHAT_MODEL"),
		ServerURL:            l.envOrDefault("CHAT_SERVER_URL", "wss://noname.chat/socket.io/"),
		FallbackServerURL:    l.stringsTrimSpace("CHAT_FALLBACK_SERVER_URL"),
		GatewayMode:          strings.ToLower(l.envOrDefault("GATEWAY_MODE", "http")),
		GatewayURL:           l.envOrDefault("GATEWAY_URL", "http://127.0.0.1:8001/api/chat"),
		GatewayFallbackURL:   l.stringsTrimSpace("GATEWAY_FALLBACK_URL"),
		GatewayTimeout:       20 * time.Second,
		MaxDialogs:           20,
		InactivityTimeout:    15 * time.Second,
		SearchTimeout:        30 * time.Second,
		TypingDelay:          Range{Min: 2 * time.Second, Max: 6 * time.Second},
		ResponseDelay:        Range{Min: 2 * time.Second, Max: 6 * time.Second},
		ReconnectDelay:       Range{Min: 10 * time.Second, Max: 30 * time.Second},
		ReinitDelay:          Range{Min: 4 * time.Second, Max: 12 * time.Second},
		SearchRetryDelay:     Range{Min: 2 * time.Second, Max: 3 * time.Second},
		ConclusionDelay:      Range{Min: 20 * time.Second, Max: 30 * time.Second},
		GraceDelay:           Range{Min: 2 * time.Second, Max: 3 * time.Second},
		MaxReconnectAttempts: 5,
		MaxRestoreAttempts:   1,
		SearchLimitMax:       50,
		SystemGreeting:       l.envOrDefault("SYSTEM_GREETING", "Привет"),
		BindAddr:             l.stringsTrimSpace("APP_BIND_ADDR"),
		MetricsNamespace:     l.envOrDefault("APP_METRICS_NAMESPACE", "autochat"),
		ShutdownTimeout:      15 * time.Second,
		DatabaseURL:          l.stringsTrimSpace("DATABASE_URL"),
		LogLevel:             strings.ToLower(l.envOrDefault("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(l.envOrDefault("LOG_FORMAT", "text")),
		ConfigFile:           path,
	}

	var err error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"GATEWAY_TIMEOUT", &cfg.GatewayTimeout},
		{"INACTIVITY_TIMEOUT", &cfg.InactivityTimeout},
		{"SEARCH_TIMEOUT", &cfg.SearchTimeout},
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	} {
		if *d.dst, err = l.durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	for _, n := range []struct {
		key string
		dst *int
	}{
		{"MAX_DIALOGS", &cfg.MaxDialogs},
		{"MAX_RECONNECT_ATTEMPTS", &cfg.MaxReconnectAttempts},
		{"MAX_RESTORE_ATTEMPTS", &cfg.MaxRestoreAttempts},
		{"SEARCH_LIMIT_MAX", &cfg.SearchLimitMax},
	} {
		if *n.dst, err = l.intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	for _, r := range []struct {
		key string
		dst *Range
	}{
		{"TYPING_DELAY", &cfg.TypingDelay},
		{"RESPONSE_DELAY", &cfg.ResponseDelay},
		{"RECONNECT_DELAY", &cfg.ReconnectDelay},
		{"REINIT_DELAY", &cfg.ReinitDelay},
		{"SEARCH_RETRY_DELAY", &cfg.SearchRetryDelay},
		{"CONCLUSION_DELAY", &cfg.ConclusionDelay},
		{"GRACE_DELAY", &cfg.GraceDelay},
	} {
		if *r.dst, err = l.rangeFromEnv(r.key, *r.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and bounds.
func (c Config) Validate() error {
	for key, v := range map[string]string{
		"CHAT_AUTH":       c.ChatAuth,
		"CHAT_MODEL":      c.Model,
		"CHAT_SERVER_URL": c.ServerURL,
	} {
		if strings.Contains(v, placeholderPrefix) {
			return fmt.Errorf("%s still holds an unreplaced placeholder", key)
		}
	}
	if c.ChatAuth == "" {
		return fmt.Errorf("CHAT_AUTH is required")
	}
	if c.Model == "" {
		return fmt.Errorf("CHAT_MODEL is required")
	}
	switch c.GatewayMode {
	case "http":
		if c.GatewayURL == "" {
			return fmt.Errorf("GATEWAY_URL is required when GATEWAY_MODE=http")
		}
	case "mock":
	default:
		return fmt.Errorf("GATEWAY_MODE must be http or mock")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.MaxDialogs <= 0 {
		return fmt.Errorf("MAX_DIALOGS must be positive")
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("INACTIVITY_TIMEOUT must be positive")
	}
	if c.SearchTimeout <= 0 {
		return fmt.Errorf("SEARCH_TIMEOUT must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.MaxRestoreAttempts < 0 {
		return fmt.Errorf("MAX_RESTORE_ATTEMPTS must be >= 0")
	}
	if c.SearchLimitMax <= 0 {
		return fmt.Errorf("SEARCH_LIMIT_MAX must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

// Setting is one resolved key for display.
type Setting struct {
	Key   string
	Value string
}

// Settings lists the resolved configuration by environment key with the auth
// token masked.
func (c Config) Settings() []Setting {
	return []Setting{
		{"CHAT_AUTH", MaskSecret(c.ChatAuth)},
		{"CHAT_MODEL", c.Model},
		{"CHAT_SERVER_URL", c.ServerURL},
		{"CHAT_FALLBACK_SERVER_URL", c.FallbackServerURL},
		{"GATEWAY_MODE", c.GatewayMode},
		{"GATEWAY_URL", c.GatewayURL},
		{"GATEWAY_FALLBACK_URL", c.GatewayFallbackURL},
		{"GATEWAY_TIMEOUT", c.GatewayTimeout.String()},
		{"MAX_DIALOGS", strconv.Itoa(c.MaxDialogs)},
		{"INACTIVITY_TIMEOUT", c.InactivityTimeout.String()},
		{"SEARCH_TIMEOUT", c.SearchTimeout.String()},
		{"TYPING_DELAY", c.TypingDelay.String()},
		{"RESPONSE_DELAY", c.ResponseDelay.String()},
		{"RECONNECT_DELAY", c.ReconnectDelay.String()},
		{"REINIT_DELAY", c.ReinitDelay.String()},
		{"SEARCH_RETRY_DELAY", c.SearchRetryDelay.String()},
		{"CONCLUSION_DELAY", c.ConclusionDelay.String()},
		{"GRACE_DELAY", c.GraceDelay.String()},
		{"MAX_RECONNECT_ATTEMPTS", strconv.Itoa(c.MaxReconnectAttempts)},
		{"MAX_RESTORE_ATTEMPTS", strconv.Itoa(c.MaxRestoreAttempts)},
		{"SEARCH_LIMIT_MAX", strconv.Itoa(c.SearchLimitMax)},
		{"SYSTEM_GREETING", c.SystemGreeting},
		{"APP_BIND_ADDR", c.BindAddr},
		{"APP_METRICS_NAMESPACE", c.MetricsNamespace},
		{"APP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout.String()},
		{"DATABASE_URL", maskURLPassword(c.DatabaseURL)},
		{"LOG_LEVEL", c.LogLevel},
		{"LOG_FORMAT", c.LogFormat},
		{FileEnv, c.ConfigFile},
	}
}

// MaskSecret keeps the first and last two characters of a secret.
func MaskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 6 {
		return "******"
	}
	return v[:2] + strings.Repeat("*", len(v)-4) + v[len(v)-2:]
}

func maskURLPassword(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return raw
	}
	return scheme + "://" + user + ":******@" + host
}

// loader resolves keys from the environment first, then the config file.
type loader struct {
	file *viper.Viper
}

func (l loader) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if l.file != nil && l.file.IsSet(key) {
		return l.file.GetString(key)
	}
	return ""
}

func (l loader) envOrDefault(key, fallback string) string {
	v := trimSpace(l.lookup(key))
	if v == "" {
		return fallback
	}
	return v
}

func (l loader) stringsTrimSpace(key string) string {
	return trimSpace(l.lookup(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func (l loader) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := l.stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (l loader) intFromEnv(key string, fallback int) (int, error) {
	v := l.stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (l loader) rangeFromEnv(key string, fallback Range) (Range, error) {
	v := l.stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	r, err := ParseRange(v)
	if err != nil {
		return Range{}, fmt.Errorf("%s parse error: %w", key, err)
	}
	return r, nil
}
