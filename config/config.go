// Package config loads service settings from a YAML file with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP       HTTP       `yaml:"http"`
	Database   Database   `yaml:"database"`
	Auth       Auth       `yaml:"auth"`
	Expiration Expiration `yaml:"expiration"`
	ESign      ESign      `yaml:"esign"`
	Log        Log        `yaml:"log"`
}

type HTTP struct {
	Addr           string        `yaml:"addr" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

type Database struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxConns        int32         `yaml:"max_conns" validate:"gte=1"`
	MinConns        int32         `yaml:"min_conns" validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" validate:"gte=0"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" validate:"gte=0"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required,min=32"`
}

type Expiration struct {
	DefaultLookaheadDays int `yaml:"default_lookahead_days" validate:"gte=0,lte=366"`
}

// ESign points at the e-signature provider. An empty BaseURL selects the
// local reference generator.
type ESign struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:           ":8080",
			RequestTimeout: 15 * time.Second,
			ShutdownGrace:  10 * time.Second,
		},
		Database: Database{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		},
		Expiration: Expiration{DefaultLookaheadDays: 30},
		ESign:      ESign{Timeout: 10 * time.Second},
		Log:        Log{Level: "info", Format: "text"},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup("JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("ESIGN_BASE_URL"); ok {
		c.ESign.BaseURL = v
	}
}

var validate = validator.New()

// Validate checks every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}
