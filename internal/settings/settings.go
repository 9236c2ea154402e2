// Package settings persists the operator-editable device configuration.
//
// Each field lives under a short key in the "yarddetector" namespace of
// the opstate store. The presence of the board_id key marks a device that
// has been configured at least once; without it every field takes its
// factory default.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hsc-engineering/yardnode/internal/config"
	"github.com/hsc-engineering/yardnode/internal/opstate"
)

// Namespace is the opstate namespace holding the device settings.
const Namespace = "yarddetector"

// Short keys as stored.
const (
	keyWiFiSSID     = "wifi_ssid"
	keyWiFiPassword = "wifi_pass"
	keyMQTTServer   = "mqtt_srv"
	keyMQTTPort     = "mqtt_port"
	keyMQTTUser     = "mqtt_user"
	keyMQTTPassword = "mqtt_pass"
	keyBoardID      = "board_id"
	keyLocation     = "location"
)

// Config is the device's working configuration.
type Config struct {
	WiFiSSID     string `json:"wifi_ssid"`
	WiFiPassword string `json:"wifi_password"`
	MQTTServer   string `json:"mqtt_server"`
	MQTTPort     int    `json:"mqtt_port"`
	MQTTUser     string `json:"mqtt_user"`
	MQTTPassword string `json:"mqtt_password"`
	BoardID      int    `json:"board_id"`
	Location     string `json:"location"`

	// UpdateURL comes from the boot configuration and is never written to
	// the store.
	UpdateURL string `json:"update_url"`
}

// Configured reports whether a board identifier has been assigned.
// An unconfigured device stays silent on the bus.
func (c Config) Configured() bool {
	return c.BoardID != 0
}

// Store is the persisted configuration over an opstate KV store.
type Store struct {
	kv        *opstate.Store
	defaults  config.Defaults
	updateURL string
	logger    *slog.Logger

	current Config
}

// New creates a Store. defaults supply every field the store does not
// hold; updateURL is copied into every loaded Config.
func New(kv *opstate.Store, defaults config.Defaults, updateURL string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:        kv,
		defaults:  defaults,
		updateURL: updateURL,
		logger:    logger,
	}
	s.current = s.Defaults()
	return s
}

// Defaults returns the factory configuration.
func (s *Store) Defaults() Config {
	return Config{
		WiFiSSID:     s.defaults.WiFiSSID,
		WiFiPassword: s.defaults.WiFiPassword,
		MQTTServer:   s.defaults.MQTTServer,
		MQTTPort:     s.defaults.MQTTPort,
		MQTTUser:     s.defaults.MQTTUser,
		MQTTPassword: s.defaults.MQTTPassword,
		BoardID:      s.defaults.BoardID,
		UpdateURL:    s.updateURL,
	}
}

// Current returns the last successfully loaded or saved configuration.
func (s *Store) Current() Config {
	return s.current
}

// Load reads the configuration from the store. A store without the
// board_id key yields the defaults. Individual missing or unparsable
// fields fall back to their default.
func (s *Store) Load() (Config, error) {
	cfg := s.Defaults()

	values, err := s.kv.List(Namespace)
	if err != nil {
		return cfg, fmt.Errorf("load settings: %w", err)
	}
	if _, ok := values[keyBoardID]; !ok {
		s.logger.Info("no stored settings, using defaults")
		s.current = cfg
		return cfg, nil
	}

	str := func(key string, into *string) {
		if v, ok := values[key]; ok {
			*into = v
		}
	}
	num := func(key string, into *int) {
		v, ok := values[key]
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			s.logger.Warn("ignoring malformed stored setting", "key", key, "value", v)
			return
		}
		*into = n
	}

	str(keyWiFiSSID, &cfg.WiFiSSID)
	str(keyWiFiPassword, &cfg.WiFiPassword)
	str(keyMQTTServer, &cfg.MQTTServer)
	num(keyMQTTPort, &cfg.MQTTPort)
	str(keyMQTTUser, &cfg.MQTTUser)
	str(keyMQTTPassword, &cfg.MQTTPassword)
	num(keyBoardID, &cfg.BoardID)
	str(keyLocation, &cfg.Location)

	s.current = cfg
	return cfg, nil
}

// Save writes every persisted field in one transaction. On failure the
// cached configuration is left as it was.
func (s *Store) Save(cfg Config) error {
	values := map[string]string{
		keyWiFiSSID:     cfg.WiFiSSID,
		keyWiFiPassword: cfg.WiFiPassword,
		keyMQTTServer:   cfg.MQTTServer,
		keyMQTTPort:     strconv.Itoa(cfg.MQTTPort),
		keyMQTTUser:     cfg.MQTTUser,
		keyMQTTPassword: cfg.MQTTPassword,
		keyBoardID:      strconv.Itoa(cfg.BoardID),
		keyLocation:     cfg.Location,
	}
	if err := s.kv.SetMany(Namespace, values); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	cfg.UpdateURL = s.updateURL
	s.current = cfg
	s.logger.Info("settings saved", "board_id", cfg.BoardID, "mqtt_server", cfg.MQTTServer)
	return nil
}

// Reset clears every stored key and returns the defaults.
func (s *Store) Reset() (Config, error) {
	if err := s.kv.DeleteNamespace(Namespace); err != nil {
		return s.current, fmt.Errorf("reset settings: %w", err)
	}
	s.current = s.Defaults()
	s.logger.Info("settings reset to defaults")
	return s.current, nil
}

// Patch is a partial configuration update. Nil fields keep the current
// value.
type Patch struct {
	WiFiSSID     *string `json:"wifi_ssid"`
	WiFiPassword *string `json:"wifi_password"`
	MQTTServer   *string `json:"mqtt_server"`
	MQTTPort     *int    `json:"mqtt_port"`
	MQTTUser     *string `json:"mqtt_user"`
	MQTTPassword *string `json:"mqtt_password"`
	BoardID      *int    `json:"board_id"`
	Location     *string `json:"location"`
}

// ParsePatch decodes a JSON request body into a Patch.
func ParsePatch(body []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(body, &p); err != nil {
		return Patch{}, fmt.Errorf("parse settings: %w", err)
	}
	if p.MQTTPort != nil && (*p.MQTTPort < 1 || *p.MQTTPort > 65535) {
		return Patch{}, fmt.Errorf("mqtt_port %d out of range", *p.MQTTPort)
	}
	if p.BoardID != nil && *p.BoardID < 0 {
		return Patch{}, fmt.Errorf("board_id must not be negative")
	}
	return p, nil
}

// Apply returns current with every field set in p replaced.
func Apply(current Config, p Patch) Config {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&current.WiFiSSID, p.WiFiSSID)
	set(&current.WiFiPassword, p.WiFiPassword)
	set(&current.MQTTServer, p.MQTTServer)
	set(&current.MQTTUser, p.MQTTUser)
	set(&current.MQTTPassword, p.MQTTPassword)
	set(&current.Location, p.Location)
	if p.MQTTPort != nil {
		current.MQTTPort = *p.MQTTPort
	}
	if p.BoardID != nil {
		current.BoardID = *p.BoardID
	}
	return current
}
