package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "INDYBOT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "indybot.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultIndyTimeout     = 15 * time.Second
	defaultScheduleSpec    = "0 0 3 * * *"
	defaultScheduleTarget  = "http://localhost:8080"
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and its commands.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel string
	LogFile  string

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	IndyBaseURL         string
	IndyTimeout         time.Duration
	IndyEncryptionKey   string
	IndyServiceUsername string
	IndyServicePassword string
	IndyServiceUserID   string

	CronSecret     string
	MetricsEnabled bool

	ScheduleSpec      string
	ScheduleTargetURL string
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
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", "")
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("indy.base_url", "")
	configViper.SetDefault("indy.timeout", defaultIndyTimeout)
	configViper.SetDefault("indy.encryption_key", "")
	configViper.SetDefault("indy.service_username", "")
	configViper.SetDefault("indy.service_password", "")
	configViper.SetDefault("indy.service_user_id", "")
	configViper.SetDefault("cron.secret", "")
	configViper.SetDefault("metrics.enabled", false)
	configViper.SetDefault("schedule.spec", defaultScheduleSpec)
	configViper.SetDefault("schedule.target_url", defaultScheduleTarget)
}

// Load parses runtime configuration from viper. The cron secret and the
// encryption key are not required here; their absence fails the operations
// that need them.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadSync parses configuration for the one-shot sync command, which never
// validates sessions and so does not need the session settings.
func LoadSync(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validateStorage(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadSchedule parses only what the external scheduler needs.
func LoadSchedule(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if strings.TrimSpace(cfg.ScheduleSpec) == "" {
		return AppConfig{}, fmt.Errorf("schedule.spec is required")
	}
	if strings.TrimSpace(cfg.ScheduleTargetURL) == "" {
		return AppConfig{}, fmt.Errorf("schedule.target_url is required")
	}
	if strings.TrimSpace(cfg.CronSecret) == "" {
		return AppConfig{}, fmt.Errorf("cron.secret is required")
	}
	return cfg, nil
}

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogFile:              configViper.GetString("log.file"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		IndyBaseURL:          configViper.GetString("indy.base_url"),
		IndyTimeout:          configViper.GetDuration("indy.timeout"),
		IndyEncryptionKey:    configViper.GetString("indy.encryption_key"),
		IndyServiceUsername:  configViper.GetString("indy.service_username"),
		IndyServicePassword:  configViper.GetString("indy.service_password"),
		IndyServiceUserID:    configViper.GetString("indy.service_user_id"),
		CronSecret:           configViper.GetString("cron.secret"),
		MetricsEnabled:       configViper.GetBool("metrics.enabled"),
		ScheduleSpec:         configViper.GetString("schedule.spec"),
		ScheduleTargetURL:    configViper.GetString("schedule.target_url"),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	return c.validateStorage()
}

func (c AppConfig) validateStorage() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.IndyBaseURL) == "" {
		return fmt.Errorf("indy.base_url is required")
	}
	if c.IndyTimeout <= 0 {
		return fmt.Errorf("indy.timeout must be positive")
	}
	return nil
}
