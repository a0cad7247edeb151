package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configEnv overrides the config file location.
const configEnv = "RENTWHEEL_CONFIG"

// Config is the CLI state kept in ~/.rentwheel/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
}

// ConfigAuth is the chat identity: a bearer token and the user it was
// issued for.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// configKey binds a dotted key to the field it edits.
type configKey struct {
	field  func(*Config) *string
	check  func(string) error
	secret bool
}

var configKeys = map[string]configKey{
	"default.base_url":    {field: func(c *Config) *string { return &c.Default.BaseURL }, check: checkBaseURL},
	"default.environment": {field: func(c *Config) *string { return &c.Default.Environment }},
	"auth.token":          {field: func(c *Config) *string { return &c.Auth.Token }, secret: true},
	"auth.user_id":        {field: func(c *Config) *string { return &c.Auth.UserID }},
	"auth.token_expires":  {field: func(c *Config) *string { return &c.Auth.TokenExpires }, check: checkExpiry},
}

func configKeyNames() []string {
	names := make([]string, 0, len(configKeys))
	for k := range configKeys {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func lookupKey(name string) (configKey, error) {
	k, ok := configKeys[name]
	if !ok {
		return configKey{}, fmt.Errorf("unknown key %q (valid: %s)", name, strings.Join(configKeyNames(), ", "))
	}
	return k, nil
}

func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	if k.check != nil && value != "" {
		if err := k.check(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	*k.field(cfg) = value
	return nil
}

func getConfigValue(cfg *Config, key string) (string, error) {
	k, err := lookupKey(key)
	if err != nil {
		return "", err
	}
	return *k.field(cfg), nil
}

func checkBaseURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http(s) URL")
	}
	return nil
}

func checkExpiry(v string) error {
	if _, err := time.Parse(time.RFC3339, v); err != nil {
		return errors.New("must be an RFC 3339 timestamp")
	}
	return nil
}

func configPath() (string, error) {
	if p := os.Getenv(configEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".rentwheel", "config.toml"), nil
}

// loadConfig returns the zero Config when no file exists yet.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig replaces the file through a temp file so a crash never leaves
// a half-written token behind.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// maskToken keeps the first and last four characters of a secret.
func maskToken(v string) string {
	if len(v) <= 12 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + "..." + v[len(v)-4:]
}
