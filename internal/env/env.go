// Package env loads configuration from .env, an optional YAML file and the
// environment, in that order of increasing precedence.
package env

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads .env (if present) into the process environment and returns a
// viper instance over {name}.yaml and the environment. Keys map to env vars
// with dots replaced by underscores: whisper.url reads WHISPER_URL.
func Load(name string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Bind maps each key to an explicit env var name, for names that do not
// follow the dotted layout.
func Bind(v *viper.Viper, pairs map[string]string) {
	for key, name := range pairs {
		v.BindEnv(key, name)
	}
}

// Duration parses key as a Go duration, falling back to def.
func Duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return def
	}
	return d
}

// StringMap parses "a=x,b=y" into a map. Empty entries are skipped.
func StringMap(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || val == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out
}
