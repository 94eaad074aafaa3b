package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "TIMERBOT_"

// LoadDotenv loads a .env file into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotenv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("dotenv %s: %w", p, err)
		}
	}
	return nil
}

// DotenvPaths returns the .env candidates for a config file: the working
// directory first, then the config's own directory.
func DotenvPaths(cfgPath string) []string {
	out := []string{".env"}
	if dir := filepath.Dir(cfgPath); dir != "." && dir != "" {
		out = append(out, filepath.Join(dir, ".env"))
	}
	return out
}

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

// Secrets and deployment-specific values; everything else lives in the file.
var envBindings = []envBinding{
	{"TELEGRAM_TOKEN", func(c *Config, v string) error { c.Telegram.Token = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_CHAT", func(c *Config, v string) error { c.Logging.Telegram.Chat = v; return nil }},
	{"STORAGE_DRIVER", func(c *Config, v string) error { c.Storage.Driver = v; return nil }},
	{"STORAGE_PATH", func(c *Config, v string) error { c.Storage.Path = v; return nil }},
	{"STORAGE_DSN", func(c *Config, v string) error { c.Storage.DSN = v; return nil }},
	{"HTTP_ADDR", func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
	{"HTTP_TOKEN", func(c *Config, v string) error { c.HTTP.Token = v; return nil }},
	{"HTTP_ENABLED", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.HTTP.Enabled = b
		return nil
	}},
	{"DEFAULT_TIMEZONE", func(c *Config, v string) error { c.Commands.DefaultTimezone = v; return nil }},
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}
