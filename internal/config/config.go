package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/privatejack/internal/ble"
	"github.com/chaz8081/privatejack/internal/ble/keys"
	"github.com/chaz8081/privatejack/internal/model"
)

// Config holds all application configuration.
type Config struct {
	LogLevel     string         `yaml:"log_level"`
	Backend      string         `yaml:"backend"`    // "system" or "hci"
	HCIDevice    int            `yaml:"hci_device"` // hciN, hci backend only
	PollInterval time.Duration  `yaml:"poll_interval"`
	BLE          BLEConfig      `yaml:"ble"`
	Capture      CaptureConfig  `yaml:"capture"`
	Devices      []DeviceConfig `yaml:"devices"`
}

// BLEConfig holds link timing and retry settings.
type BLEConfig struct {
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectRetries  int           `yaml:"connect_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	CollectWindow   time.Duration `yaml:"collect_window"`
	WriteDelay      time.Duration `yaml:"write_delay"`
	DisconnectDelay time.Duration `yaml:"disconnect_delay"`
	CommandSettle   time.Duration `yaml:"command_settle"`
	Heartbeat       bool          `yaml:"heartbeat"`
	TimeSync        bool          `yaml:"time_sync"`
	KeyCacheSize    int           `yaml:"key_cache_size"`
}

// CaptureConfig controls the wire capture log.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DeviceConfig describes one known power station.
type DeviceConfig struct {
	Name          string `yaml:"name"`
	Address       string `yaml:"address"`
	ModelCode     uint16 `yaml:"model_code"`     // 0 detects the cipher on the wire
	Kind          string `yaml:"kind"`           // "portable" or "box"
	EncryptionKey string `yaml:"encryption_key"` // base64, optional when the beacon is seen
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "privatejack")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	capturePath := filepath.Join(home, ".local", "share", "privatejack", "capture.cbor")

	opts := ble.DefaultClientOptions()
	return &Config{
		LogLevel:     "info",
		Backend:      "system",
		PollInterval: 30 * time.Second,
		BLE: BLEConfig{
			ScanTimeout:     10 * time.Second,
			ConnectRetries:  opts.Retries,
			RetryBackoff:    opts.RetryBackoff,
			MaxBackoff:      opts.MaxBackoff,
			ConnectTimeout:  opts.ConnectTimeout,
			ResponseTimeout: opts.ResponseTimeout,
			CollectWindow:   opts.CollectWindow,
			WriteDelay:      opts.WriteDelay,
			DisconnectDelay: opts.DisconnectDelay,
			CommandSettle:   opts.CommandSettle,
			Heartbeat:       opts.Heartbeat,
			TimeSync:        opts.TimeSync,
			KeyCacheSize:    8,
		},
		Capture: CaptureConfig{
			Path: capturePath,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in capture.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Capture.Path = expandTilde(cfg.Capture.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Backend {
	case "system":
	case "hci":
		if c.HCIDevice < 0 {
			return fmt.Errorf("hci_device must be >= 0, got %d", c.HCIDevice)
		}
	default:
		return fmt.Errorf("backend must be \"system\" or \"hci\", got %q", c.Backend)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}

	if err := c.BLE.validate(); err != nil {
		return err
	}

	if c.Capture.Enabled && c.Capture.Path == "" {
		return fmt.Errorf("capture.path must be set when capture is enabled")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		addr := strings.ToUpper(d.Address)
		if seen[addr] {
			return fmt.Errorf("devices[%d]: duplicate address %s", i, d.Address)
		}
		seen[addr] = true
	}

	return nil
}

func (b BLEConfig) validate() error {
	if b.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if b.ConnectRetries < 0 {
		return fmt.Errorf("ble.connect_retries must be >= 0, got %d", b.ConnectRetries)
	}
	if b.ResponseTimeout <= 0 {
		return fmt.Errorf("ble.response_timeout must be > 0")
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"retry_backoff", b.RetryBackoff},
		{"max_backoff", b.MaxBackoff},
		{"connect_timeout", b.ConnectTimeout},
		{"collect_window", b.CollectWindow},
		{"write_delay", b.WriteDelay},
		{"disconnect_delay", b.DisconnectDelay},
		{"command_settle", b.CommandSettle},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("ble.%s must not be negative", d.name)
		}
	}
	if b.KeyCacheSize < 1 {
		return fmt.Errorf("ble.key_cache_size must be >= 1, got %d", b.KeyCacheSize)
	}
	return nil
}

func (d DeviceConfig) validate() error {
	if d.Address == "" {
		return errors.New("address must not be empty")
	}
	if _, err := model.ParseKind(d.Kind); err != nil {
		return fmt.Errorf("kind: %w", err)
	}
	if d.EncryptionKey != "" {
		if _, err := keys.ParseSessionKey(d.EncryptionKey); err != nil {
			return fmt.Errorf("encryption_key: %w", err)
		}
	}
	return nil
}

// Device finds a configured device by name or address, ignoring case.
func (c *Config) Device(query string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if strings.EqualFold(d.Address, query) || (d.Name != "" && strings.EqualFold(d.Name, query)) {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// ClientOptions converts the ble section into client options. Every client
// built from one Config shares the returned key cache.
func (c *Config) ClientOptions() ble.ClientOptions {
	return ble.ClientOptions{
		Retries:         c.BLE.ConnectRetries,
		RetryBackoff:    c.BLE.RetryBackoff,
		MaxBackoff:      c.BLE.MaxBackoff,
		ConnectTimeout:  c.BLE.ConnectTimeout,
		ResponseTimeout: c.BLE.ResponseTimeout,
		CollectWindow:   c.BLE.CollectWindow,
		WriteDelay:      c.BLE.WriteDelay,
		DisconnectDelay: c.BLE.DisconnectDelay,
		CommandSettle:   c.BLE.CommandSettle,
		Heartbeat:       c.BLE.Heartbeat,
		TimeSync:        c.BLE.TimeSync,
		Keys:            ble.NewKeyCache(c.BLE.KeyCacheSize),
	}
}

// Target builds the connection target for a configured device. A zero
// model code yields an unknown model whose cipher is detected on the wire.
func (d DeviceConfig) Target() (ble.Target, error) {
	kind, err := model.ParseKind(d.Kind)
	if err != nil {
		return ble.Target{}, err
	}
	m, ok := model.Lookup(model.Code(d.ModelCode))
	if !ok {
		m = model.Unknown(model.Code(d.ModelCode))
	}
	t := ble.Target{
		Address: d.Address,
		Name:    d.Name,
		Profile: model.Profile{Model: m, Kind: kind},
	}
	if d.EncryptionKey != "" {
		k, err := keys.ParseSessionKey(d.EncryptionKey)
		if err != nil {
			return ble.Target{}, err
		}
		t.Key = k
	}
	return t, nil
}

// ParseLogLevel maps a config string to a slog level. Unknown values map to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# privatejack configuration
#
# Durations use Go syntax: 500ms, 5s, 1m.

# debug, info, warn or error
log_level: info

# system uses the OS Bluetooth stack (BlueZ over D-Bus, CoreBluetooth, WinRT).
# hci talks to a raw HCI socket on Linux and needs CAP_NET_ADMIN.
backend: system
hci_device: 0

# How often watch refreshes each device.
poll_interval: 30s

ble:
  scan_timeout: 10s
  # Extra attempts per refresh. Connect and poll failures share the budget.
  connect_retries: 2
  retry_backoff: 2s
  max_backoff: 8s
  connect_timeout: 20s
  response_timeout: 5s
  collect_window: 2s
  write_delay: 100ms
  disconnect_delay: 300ms
  command_settle: 500ms
  heartbeat: false
  time_sync: true
  key_cache_size: 8

# Record every frame to a CBOR log for "privatejack capture view".
capture:
  enabled: false
  path: ~/.local/share/privatejack/capture.cbor

# Known devices. Run "privatejack scan" to find addresses and keys.
devices: []
#  - name: garage
#    address: "C8:47:8C:12:34:56"
#    model_code: 5
#    kind: portable
#    encryption_key: ""
`

// WriteDefault writes a commented default config to DefaultConfigPath.
// It returns the path written, or "" when a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
