// Package config handles yardnode boot configuration loading.
//
// The boot configuration plays the role of the compiled-in constants of a
// microcontroller build: factory defaults for the persisted device
// settings, pin assignments, radio driver, and the update URL template.
// Operator changes made through the portal live in the settings store,
// not here.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./yardnode.yaml, ~/.config/yardnode/yardnode.yaml,
// /etc/yardnode/yardnode.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"yardnode.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "yardnode", "yardnode.yaml"))
	}

	paths = append(paths, "/etc/yardnode/yardnode.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds the complete boot configuration.
type Config struct {
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Board     BoardConfig   `yaml:"board"`
	Defaults  Defaults      `yaml:"defaults"`
	Network   NetworkConfig `yaml:"network"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	GPIO      GPIOConfig    `yaml:"gpio"`
	Portal    PortalConfig  `yaml:"portal"`
	Update    UpdateConfig  `yaml:"update"`

	// TickInterval is the pause between polling loop iterations.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// BoardConfig describes the kind of board this binary drives.
type BoardConfig struct {
	// TypeDesc is the long description shown in the portal and sent as
	// the model in the device info document.
	TypeDesc string `yaml:"type_desc"`
	// TypeShort is substituted for %BOARD_TYPE% in the update URL and
	// reported as board_code.
	TypeShort string `yaml:"type_short"`
}

// Defaults are the factory values for the persisted device settings.
// They apply when the settings store has never been written or after a
// reset.
type Defaults struct {
	WiFiSSID     string `yaml:"wifi_ssid"`
	WiFiPassword string `yaml:"wifi_password"`
	MQTTServer   string `yaml:"mqtt_server"`
	MQTTPort     int    `yaml:"mqtt_port"`
	MQTTUser     string `yaml:"mqtt_user"`
	MQTTPassword string `yaml:"mqtt_password"`
	BoardID      int    `yaml:"board_id"`
}

// NetworkConfig selects and tunes the radio driver.
type NetworkConfig struct {
	// Driver is "nmcli" (NetworkManager WiFi) or "wired".
	Driver    string `yaml:"driver"`
	Interface string `yaml:"interface"`

	APSSID     string `yaml:"ap_ssid"`
	APPassword string `yaml:"ap_password"`

	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
}

// MQTTConfig holds session parameters that are not operator-editable.
type MQTTConfig struct {
	// Namespace is the topic prefix, "HSC" unless overridden.
	Namespace         string        `yaml:"namespace"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	KeepAlive         uint16        `yaml:"keepalive"`
	// TLS switches the broker connection to TLS.
	TLS bool `yaml:"tls"`
}

// GPIOConfig maps the physical lines.
type GPIOConfig struct {
	Chip string `yaml:"chip"`
	// Tracks are the line offsets of the track inputs, in channel order.
	Tracks   []int         `yaml:"tracks"`
	APButton int           `yaml:"ap_button"`
	LED      int           `yaml:"led"`
	Debounce time.Duration `yaml:"debounce"`
	// Simulate replaces the GPIO chip with an in-memory bank whose
	// inputs float high. Useful on development machines.
	Simulate bool `yaml:"simulate"`
}

// PortalConfig defines the configuration portal listener.
type PortalConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	MaxConns int    `yaml:"max_conns"`
}

// UpdateConfig defines the remote update source.
type UpdateConfig struct {
	// URL is the firmware image URL template. %BOARD_TYPE% is replaced
	// with the board short code. Empty disables updates.
	URL string `yaml:"url"`
	// FirmwarePath is where a successfully downloaded firmware image is
	// installed. The service manager starts this binary on reboot.
	FirmwarePath string `yaml:"firmware_path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, and applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the factory boot configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.Board.TypeDesc == "" {
		c.Board.TypeDesc = "HSC Yard Detector"
	}
	if c.Board.TypeShort == "" {
		c.Board.TypeShort = "YARD"
	}
	if c.Defaults.WiFiSSID == "" {
		c.Defaults.WiFiSSID = "LocoNet"
	}
	if c.Defaults.WiFiPassword == "" {
		c.Defaults.WiFiPassword = "MyTrainRoom"
	}
	if c.Defaults.MQTTServer == "" {
		c.Defaults.MQTTServer = "mqtt.internal"
	}
	if c.Defaults.MQTTPort == 0 {
		c.Defaults.MQTTPort = 1883
	}
	if c.Network.Driver == "" {
		c.Network.Driver = "nmcli"
	}
	if c.Network.Interface == "" {
		c.Network.Interface = "wlan0"
	}
	if c.Network.APSSID == "" {
		c.Network.APSSID = "HSC-Setup"
	}
	if c.Network.APPassword == "" {
		c.Network.APPassword = "password"
	}
	if c.Network.ConnectAttempts <= 0 {
		c.Network.ConnectAttempts = 20
	}
	if c.Network.ConnectInterval <= 0 {
		c.Network.ConnectInterval = 500 * time.Millisecond
	}
	if c.MQTT.Namespace == "" {
		c.MQTT.Namespace = "HSC"
	}
	if c.MQTT.ReconnectInterval <= 0 {
		c.MQTT.ReconnectInterval = 5 * time.Second
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 15
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = "gpiochip0"
	}
	if len(c.GPIO.Tracks) == 0 {
		c.GPIO.Tracks = []int{17, 27, 22, 23, 24, 25}
	}
	if c.GPIO.APButton == 0 {
		c.GPIO.APButton = 4
	}
	if c.GPIO.LED == 0 {
		c.GPIO.LED = 2
	}
	if c.GPIO.Debounce <= 0 {
		c.GPIO.Debounce = 50 * time.Millisecond
	}
	if c.Portal.Port == 0 {
		c.Portal.Port = 80
	}
	if c.Portal.MaxConns <= 0 {
		c.Portal.MaxConns = 8
	}
	if c.Update.FirmwarePath == "" {
		c.Update.FirmwarePath = filepath.Join(c.DataDir, "firmware", "yardnode")
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	switch c.Network.Driver {
	case "nmcli", "wired":
	default:
		return fmt.Errorf("network.driver %q must be nmcli or wired", c.Network.Driver)
	}
	if c.Defaults.MQTTPort < 1 || c.Defaults.MQTTPort > 65535 {
		return fmt.Errorf("defaults.mqtt_port %d out of range", c.Defaults.MQTTPort)
	}
	if c.Defaults.BoardID < 0 {
		return fmt.Errorf("defaults.board_id must not be negative")
	}
	seen := make(map[int]bool, len(c.GPIO.Tracks))
	for _, line := range c.GPIO.Tracks {
		if seen[line] {
			return fmt.Errorf("gpio.tracks lists line %d twice", line)
		}
		seen[line] = true
	}
	if c.Update.URL != "" {
		// The placeholder is not a valid percent escape.
		u, err := url.Parse(strings.ReplaceAll(c.Update.URL, "%BOARD_TYPE%", "BOARD"))
		if err != nil {
			return fmt.Errorf("update.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("update.url scheme %q must be http or https", u.Scheme)
		}
	}
	return nil
}
