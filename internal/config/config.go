package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "INTAKE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "intake.db"
	defaultLogLevel       = "info"
	defaultTokenTTLMins   = 30
	defaultRealtimeBuffer = 16
)

// AppConfig captures runtime configuration for the intake API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	SSOJWKSURL     string
	SSOAudience    string
	SSOIssuer      string
	TokenTTL       time.Duration
	RealtimeBuffer int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMins)
	configViper.SetDefault("realtime.buffer", defaultRealtimeBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		SSOJWKSURL:     configViper.GetString("sso.jwks_url"),
		SSOAudience:    configViper.GetString("sso.audience"),
		SSOIssuer:      configViper.GetString("sso.issuer"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		RealtimeBuffer: configViper.GetInt("realtime.buffer"),
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SSOJWKSURL) == "" {
		return fmt.Errorf("sso.jwks_url is required")
	}
	if strings.TrimSpace(c.SSOAudience) == "" {
		return fmt.Errorf("sso.audience is required")
	}
	if strings.TrimSpace(c.SSOIssuer) == "" {
		return fmt.Errorf("sso.issuer is required")
	}
	if c.RealtimeBuffer <= 0 {
		return fmt.Errorf("realtime.buffer must be positive")
	}
	return nil
}
