package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trymwestin/shinobi/internal/core/trigger"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shinobid.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shinobi.Port != 8080 || cfg.Shinobi.Path != "/" || !cfg.Repair.Enabled {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Triggers.MotionOff != 20*time.Second {
		t.Errorf("motion_off = %v", cfg.Triggers.MotionOff)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
shinobi:
  host: nvr.lan
  port: 8443
  ssl: true
  path: shinobi
  username: admin@example.com
  password: hunter2
triggers:
  motion_off: 45s
polling:
  update_interval: 1m
repair:
  enabled: false
  attempts: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shinobi.Host != "nvr.lan" || cfg.Shinobi.Port != 8443 || !cfg.Shinobi.SSL {
		t.Errorf("shinobi = %+v", cfg.Shinobi)
	}
	if cfg.Shinobi.Path != "/shinobi/" {
		t.Errorf("path = %q", cfg.Shinobi.Path)
	}
	if cfg.Triggers.MotionOff != 45*time.Second || cfg.Triggers.SoundOff != 20*time.Second {
		t.Errorf("triggers = %+v", cfg.Triggers)
	}
	if cfg.Polling.UpdateInterval != time.Minute {
		t.Errorf("update_interval = %v", cfg.Polling.UpdateInterval)
	}
	if cfg.Repair.Enabled || cfg.Repair.Attempts != 3 {
		t.Errorf("repair = %+v", cfg.Repair)
	}
	if got := cfg.APIConfig().BaseURL(); got != "https://nvr.lan:8443/shinobi/" {
		t.Errorf("BaseURL = %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeFile(t, "triggers:\n  motion_off: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "shinobi:\n  host: file-host\n  username: a\n  password: b\n")
	t.Setenv("SHINOBI_HOST", "env-host")
	t.Setenv("SHINOBI_PORT", "9000")
	t.Setenv("SHINOBI_SOUND_OFF", "5s")
	t.Setenv("SHINOBI_MQTT_ENABLED", "TRUE")
	t.Setenv("SHINOBI_MQTT_BROKER", "tcp://broker:1883")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shinobi.Host != "env-host" || cfg.Shinobi.Port != 9000 {
		t.Errorf("shinobi = %+v", cfg.Shinobi)
	}
	if cfg.TriggerDurations()[trigger.Sound] != 5*time.Second {
		t.Errorf("sound_off = %v", cfg.Triggers.SoundOff)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestEnvInvalidValues(t *testing.T) {
	t.Run("port", func(t *testing.T) {
		t.Setenv("SHINOBI_PORT", "eighty")
		if _, err := Load(""); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("SHINOBI_RETRY_BACKOFF", "10")
		if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "SHINOBI_RETRY_BACKOFF") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.Shinobi.Host = "nvr"
	valid.Shinobi.Username = "u"
	valid.Shinobi.Password = "p"

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no host", func(c *Config) { c.Shinobi.Host = "" }, "shinobi.host"},
		{"bad port", func(c *Config) { c.Shinobi.Port = 0 }, "shinobi.port"},
		{"no password", func(c *Config) { c.Shinobi.Password = "" }, "shinobi.password"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	for in, want := range map[string]string{"": "/", "/": "/", "nvr": "/nvr/", "/nvr": "/nvr/", "nvr/": "/nvr/"} {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
