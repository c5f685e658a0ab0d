// Package config loads process configuration from the environment, optionally
// seeded from .env files. Service packages read their own keys from the same
// *viper.Viper returned by New.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
}

type AppConfig struct {
	ServiceName string
	Env         string
	LogLevel    string
	HTTP        HTTPConfig
}

// New loads .env and .env.<env> from dir (missing files are ignored; variables
// already present in the environment win) and returns a viper instance that
// resolves keys such as "HTTP_ADDR" from the environment.
func New(dir string) (*viper.Viper, error) {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENV")))
	if env == "" {
		env = "dev"
	}
	for _, name := range []string{".env." + env, ".env"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetDefault("ENV", env)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.AutomaticEnv()
	return v, nil
}

// Load reads the settings every service shares.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: strings.TrimSpace(v.GetString("SERVICE_NAME")),
		Env:         strings.TrimSpace(v.GetString("ENV")),
		LogLevel:    strings.TrimSpace(v.GetString("LOG_LEVEL")),
		HTTP: HTTPConfig{
			Addr:        strings.TrimSpace(v.GetString("HTTP_ADDR")),
			CORSOrigins: SplitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// SplitList splits a comma separated value, trimming blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsProd reports whether env names a production deployment.
func (c AppConfig) IsProd() bool {
	switch strings.ToLower(c.Env) {
	case "prod", "production":
		return true
	}
	return false
}
