package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "flat-3b"
database:
  path: "/tmp/homegate-test.db"
dispatch:
  command_timeout_ms: 2500
pool:
  idle_timeout: 300
drivers:
  ssh:
    enabled: false
protocols:
  extra:
    - name: zwave
      description: "Z-Wave hubs"
api:
  port: 8081
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "flat-3b" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "flat-3b")
	}
	if cfg.CommandTimeout() != 2500*time.Millisecond {
		t.Errorf("CommandTimeout() = %v, want 2.5s", cfg.CommandTimeout())
	}
	if cfg.IdleTimeout() != 5*time.Minute {
		t.Errorf("IdleTimeout() = %v, want 5m", cfg.IdleTimeout())
	}
	if cfg.Drivers.SSH.Enabled {
		t.Error("Drivers.SSH.Enabled = true, want false from file")
	}
	if !cfg.Drivers.Arduino.Enabled {
		t.Error("Drivers.Arduino.Enabled = false, default should survive partial file")
	}
	if len(cfg.Protocols.Extra) != 1 || cfg.Protocols.Extra[0].Name != "zwave" {
		t.Errorf("Protocols.Extra = %+v", cfg.Protocols.Extra)
	}
	if cfg.API.Port != 8081 {
		t.Errorf("API.Port = %d, want 8081", cfg.API.Port)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.CommandTimeout() != 5*time.Second {
		t.Errorf("default CommandTimeout() = %v, want 5s", cfg.CommandTimeout())
	}
	if cfg.RetryDelay() != 100*time.Millisecond {
		t.Errorf("default RetryDelay() = %v, want 100ms", cfg.RetryDelay())
	}
	if cfg.API.Port != 1456 {
		t.Errorf("default API.Port = %d, want 1456", cfg.API.Port)
	}
	if cfg.IdleTimeout() != 0 {
		t.Errorf("default IdleTimeout() = %v, want 0 (never evict)", cfg.IdleTimeout())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "site:\n  id: home\n")

	t.Setenv("HOMEGATE_DATABASE_PATH", "/var/lib/homegate/env.db")
	t.Setenv("HOMEGATE_API_PORT", "9000")
	t.Setenv("HOMEGATE_DATABASE_ENABLED", "false")
	t.Setenv("HOMEGATE_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/homegate/env.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.Database.Enabled {
		t.Error("Database.Enabled = true, want false from env")
	}
	if cfg.Security.JWT.Secret == "" {
		t.Error("JWT secret not taken from env")
	}
}

func TestLoad_BadEnvInt(t *testing.T) {
	path := writeConfig(t, "site:\n  id: home\n")
	t.Setenv("HOMEGATE_API_PORT", "eighty")

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "HOMEGATE_API_PORT") {
		t.Errorf("Load() error = %v, want HOMEGATE_API_PORT parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty site id", func(c *Config) { c.Site.ID = "" }, "site.id"},
		{"no db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"db path ignored when disabled", func(c *Config) { c.Database.Enabled = false; c.Database.Path = "" }, ""},
		{"zero command timeout", func(c *Config) { c.Dispatch.CommandTimeout = 0 }, "command_timeout_ms"},
		{"negative idle", func(c *Config) { c.Pool.IdleTimeout = -1 }, "idle_timeout"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"tls without files", func(c *Config) { c.API.TLS.Enabled = true }, "cert_file"},
		{"auth without secret", func(c *Config) { c.Security.AuthEnabled = true }, "jwt.secret is required"},
		{"short secret", func(c *Config) {
			c.Security.AuthEnabled = true
			c.Security.JWT.Secret = "short"
		}, "at least 32"},
		{"duplicate extra protocol", func(c *Config) {
			c.Protocols.Extra = []ProtocolDecl{{Name: "zwave"}, {Name: "ZWave"}}
		}, "declared twice"},
		{"influx without url", func(c *Config) { c.InfluxDB.Enabled = true }, "influxdb.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Site.ID = ""
	cfg.API.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	if !strings.Contains(err.Error(), "site.id") || !strings.Contains(err.Error(), "api.port") {
		t.Errorf("Validate() error = %v, want both problems reported", err)
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	t.Setenv("HOMEGATE_API_PORT", "")
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load(configs/config.yaml) error = %v", err)
	}

	def := Default()
	if cfg.API.Port != def.API.Port || cfg.Dispatch != def.Dispatch || cfg.Pool != def.Pool {
		t.Errorf("shipped config drifted from defaults: api.port=%d dispatch=%+v pool=%+v",
			cfg.API.Port, cfg.Dispatch, cfg.Pool)
	}
	if cfg.Drivers.SSH != def.Drivers.SSH || cfg.Drivers.MQTT != def.Drivers.MQTT {
		t.Errorf("shipped driver settings drifted from defaults: %+v", cfg.Drivers)
	}
	if cfg.Security.RateLimit != def.Security.RateLimit || cfg.Security.JWT.TokenTTL != def.Security.JWT.TokenTTL {
		t.Errorf("shipped security settings drifted from defaults: %+v", cfg.Security)
	}
}
