package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agencyflow.yaml")
	body := `
http:
  addr: ":9090"
  request_timeout: 5s
database:
  dsn: postgres://file
  max_conns: 4
auth:
  jwt_secret: ` + secret + `
expiration:
  default_lookahead_days: 14
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DATABASE_URL", "postgres://env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.HTTP.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected http section: %+v", cfg.HTTP)
	}
	if cfg.Database.DSN != "postgres://env" {
		t.Fatalf("expected env override, got %q", cfg.Database.DSN)
	}
	if cfg.Database.MaxConns != 4 || cfg.Database.MinConns != 1 {
		t.Fatalf("expected defaults merged with file, got %+v", cfg.Database)
	}
	if cfg.Expiration.DefaultLookaheadDays != 14 {
		t.Fatalf("unexpected lookahead: %d", cfg.Expiration.DefaultLookaheadDays)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	if err := Parse([]byte("http:\n  adr: \":1\"\n"), &cfg); err == nil {
		t.Fatal("expected unknown key error")
	}
	if err := Parse(nil, &cfg); err != nil {
		t.Fatalf("empty document should be accepted: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Database.DSN = "postgres://x"
	valid.Auth.JWTSecret = secret
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	cases := map[string]func(c *Config){
		"short secret":    func(c *Config) { c.Auth.JWTSecret = "short" },
		"missing dsn":     func(c *Config) { c.Database.DSN = "" },
		"min above max":   func(c *Config) { c.Database.MinConns = 20 },
		"bad log format":  func(c *Config) { c.Log.Format = "xml" },
		"bad esign url":   func(c *Config) { c.ESign.BaseURL = "not a url" },
		"zero timeout":    func(c *Config) { c.HTTP.RequestTimeout = 0 },
		"negative window": func(c *Config) { c.Expiration.DefaultLookaheadDays = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			err := c.Validate()
			if err == nil || !strings.HasPrefix(err.Error(), "config: invalid") {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{"JWT_SECRET": secret, "HTTP_ADDR": ":7000", "LOG_LEVEL": "debug", "ESIGN_BASE_URL": ""}
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.Auth.JWTSecret != secret || cfg.HTTP.Addr != ":7000" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
