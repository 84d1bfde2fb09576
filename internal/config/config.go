package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "TODOSCHEDULE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabasePath     = "todoschedule.db"
	defaultLogLevel         = "info"
	defaultCookieName       = "todoschedule_session"
	defaultIssuer           = "todoschedule"
	defaultMaxDownloadBatch = 1000
	defaultTombstonePolicy  = "terminal"
	defaultServiceName      = "todoschedule-api"
	defaultMaxClockSkew     = 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string
	SigningSecret    string
	SessionIssuer    string
	SessionCookie    string
	MaxDownloadBatch int
	TombstonePolicy  string
	MaxClockSkew     time.Duration
	JaegerEndpoint   string
	ServiceName      string
}

// LoadDotEnv exports variables from .env style files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("sync.max_download_batch", defaultMaxDownloadBatch)
	configViper.SetDefault("sync.tombstone_policy", defaultTombstonePolicy)
	configViper.SetDefault("sync.max_clock_skew", defaultMaxClockSkew)
	configViper.SetDefault("tracing.service_name", defaultServiceName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AllowedOrigins:   parseOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		SessionIssuer:    configViper.GetString("auth.issuer"),
		SessionCookie:    configViper.GetString("auth.cookie_name"),
		MaxDownloadBatch: configViper.GetInt("sync.max_download_batch"),
		TombstonePolicy:  configViper.GetString("sync.tombstone_policy"),
		MaxClockSkew:     configViper.GetDuration("sync.max_clock_skew"),
		JaegerEndpoint:   configViper.GetString("tracing.jaeger_endpoint"),
		ServiceName:      configViper.GetString("tracing.service_name"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.MaxDownloadBatch <= 0 {
		return fmt.Errorf("sync.max_download_batch must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.TombstonePolicy)) {
	case "terminal", "resurrect":
	default:
		return fmt.Errorf("sync.tombstone_policy must be terminal or resurrect, got %q", c.TombstonePolicy)
	}
	if c.MaxClockSkew <= 0 {
		return fmt.Errorf("sync.max_clock_skew must be positive")
	}
	for _, origin := range c.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins entries must start with http:// or https://, got %q", origin)
		}
	}
	return nil
}

// parseOrigins accepts both list values and comma separated strings from env.
func parseOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			origin = strings.TrimRight(strings.TrimSpace(origin), "/")
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
