package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("portal:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/yardnode.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yardnode.yaml")
	os.WriteFile(path, []byte("portal:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "yardnode.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "yardnode.yaml")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yardnode.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/yardnode\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.MQTT.Namespace != "HSC" {
		t.Errorf("MQTT.Namespace = %q, want HSC", cfg.MQTT.Namespace)
	}
	if cfg.MQTT.ReconnectInterval != 5*time.Second {
		t.Errorf("MQTT.ReconnectInterval = %v, want 5s", cfg.MQTT.ReconnectInterval)
	}
	if cfg.GPIO.Debounce != 50*time.Millisecond {
		t.Errorf("GPIO.Debounce = %v, want 50ms", cfg.GPIO.Debounce)
	}
	if cfg.Network.ConnectAttempts != 20 || cfg.Network.ConnectInterval != 500*time.Millisecond {
		t.Errorf("network attempts = %d x %v, want 20 x 500ms",
			cfg.Network.ConnectAttempts, cfg.Network.ConnectInterval)
	}
	if cfg.Defaults.BoardID != 0 {
		t.Errorf("Defaults.BoardID = %d, want 0 (unconfigured)", cfg.Defaults.BoardID)
	}
	want := filepath.Join("/var/lib/yardnode", "firmware", "yardnode")
	if cfg.Update.FirmwarePath != want {
		t.Errorf("Update.FirmwarePath = %q, want %q", cfg.Update.FirmwarePath, want)
	}
}

func TestLoad_Durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yardnode.yaml")
	os.WriteFile(path, []byte("gpio:\n  debounce: 80ms\nmqtt:\n  reconnect_interval: 10s\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.GPIO.Debounce != 80*time.Millisecond {
		t.Errorf("GPIO.Debounce = %v, want 80ms", cfg.GPIO.Debounce)
	}
	if cfg.MQTT.ReconnectInterval != 10*time.Second {
		t.Errorf("MQTT.ReconnectInterval = %v, want 10s", cfg.MQTT.ReconnectInterval)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yardnode.yaml")
	os.WriteFile(path, []byte("defaults:\n  mqtt_password: ${YARDNODE_TEST_SECRET}\n"), 0600)
	t.Setenv("YARDNODE_TEST_SECRET", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Defaults.MQTTPassword != "secret123" {
		t.Errorf("mqtt_password = %q, want %q", cfg.Defaults.MQTTPassword, "secret123")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad driver", func(c *Config) { c.Network.Driver = "zigbee" }, "network.driver"},
		{"port range", func(c *Config) { c.Defaults.MQTTPort = 70000 }, "mqtt_port"},
		{"negative board", func(c *Config) { c.Defaults.BoardID = -1 }, "board_id"},
		{"duplicate track line", func(c *Config) { c.GPIO.Tracks = []int{5, 6, 5} }, "twice"},
		{"update scheme", func(c *Config) { c.Update.URL = "ftp://x/fw.bin" }, "scheme"},
		{"update https ok", func(c *Config) { c.Update.URL = "https://x/fw_%BOARD_TYPE%.bin" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
}
