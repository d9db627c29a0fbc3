// Package config loads process settings from the environment and an
// optional .env file. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys double as environment variable names once upper-cased.
const (
	keyDBPath      = "voucher_db_path"
	keyListenAddr  = "voucher_listen_addr"
	keyDBTimeout   = "voucher_db_timeout"
	keyLogLevel    = "voucher_log_level"
	keyLogPretty   = "voucher_log_pretty"
	keyCORSOrigins = "voucher_cors_origins"
)

// Config holds the process settings.
type Config struct {
	DBPath      string
	ListenAddr  string
	DBTimeout   time.Duration
	LogLevel    string
	LogPretty   bool
	CORSOrigins []string
}

// Load reads ./.env, if present, and the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit .env path. A missing file is not an
// error; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault(keyDBPath, "vouchers.db")
	v.SetDefault(keyListenAddr, "127.0.0.1:8080")
	v.SetDefault(keyDBTimeout, "1s")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogPretty, false)
	v.SetDefault(keyCORSOrigins, "*")

	for _, key := range []string{keyDBPath, keyListenAddr, keyDBTimeout, keyLogLevel, keyLogPretty, keyCORSOrigins} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
		}
	}

	timeout, err := time.ParseDuration(v.GetString(keyDBTimeout))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", strings.ToUpper(keyDBTimeout), err)
	}

	cfg := &Config{
		DBPath:      strings.TrimSpace(v.GetString(keyDBPath)),
		ListenAddr:  strings.TrimSpace(v.GetString(keyListenAddr)),
		DBTimeout:   timeout,
		LogLevel:    strings.ToLower(strings.TrimSpace(v.GetString(keyLogLevel))),
		LogPretty:   v.GetBool(keyLogPretty),
		CORSOrigins: splitList(v.GetString(keyCORSOrigins)),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DBPath == "":
		return fmt.Errorf("%s must not be empty", strings.ToUpper(keyDBPath))
	case c.ListenAddr == "":
		return fmt.Errorf("%s must not be empty", strings.ToUpper(keyListenAddr))
	case c.DBTimeout <= 0:
		return fmt.Errorf("%s must be positive", strings.ToUpper(keyDBTimeout))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
