package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable, e.g. MASOMO_TOKEN.
const EnvPrefix = "MASOMO"

// Env carries the secrets and overrides that never live in the config
// file.
type Env struct {
	Token    string `envconfig:"TOKEN"`
	Username string `envconfig:"USERNAME"`
	Password string `envconfig:"PASSWORD"`
	LogLevel string `envconfig:"LOG_LEVEL"`
	Config   string `envconfig:"CONFIG" default:"masomo.json"`
}

func LoadEnv() (Env, error) {
	var env Env
	err := envconfig.Process(EnvPrefix, &env)
	return env, err
}

// HasCredentials reports whether a login can be attempted.
func (e Env) HasCredentials() bool {
	return strings.TrimSpace(e.Username) != "" && e.Password != ""
}

// Apply overlays environment overrides onto cfg.
func (e Env) Apply(cfg *Config) {
	if lvl := strings.TrimSpace(e.LogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
}
