package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	yaml "github.com/goccy/go-yaml"
)

var (
	errConfigPathEmpty          = errors.New("config path is empty")
	errHTTPListenMustBeSet      = errors.New("http.listen must be set")
	errAddressMustBeHostPort    = errors.New("address must be host:port or :port")
	errWhitelistPathMustBeSet   = errors.New("whitelist.path must be set")
	errScanIntervalNegative     = errors.New("bluetooth.scan_interval must be non-negative")
	errConnectTimeoutNotPos     = errors.New("bluetooth.connect_timeout must be positive")
	errMaxAttemptsNegative      = errors.New("bluetooth.max_connection_attempts must be non-negative")
	errLogBufferCapacityNotPos  = errors.New("log.buffer_capacity must be positive")
	errBroadcastIntervalNotPos  = errors.New("events.broadcast_interval must be positive")
	errSubscriberBufferNotPos   = errors.New("events.subscriber_buffer must be positive")
	errAnnounceWindowNegative   = errors.New("bluetooth.announce_window must be non-negative")
	errUnknownLogFormat         = errors.New("log.format must be json or console")
	errConnectTimeoutTooGeneric = errors.New("bluetooth.connect_timeout must not exceed 5m")
)

const (
	defaultHTTPListen        = "127.0.0.1:47911"
	defaultHTTPReadTimeout   = 30 * time.Second
	defaultHTTPWriteTimeout  = 30 * time.Second
	defaultHTTPIdleTimeout   = 120 * time.Second
	defaultMaxHeaderBytes    = 1024 * 1024 // 1MB
	defaultFilePerm          = 0o600
	defaultWhitelistPath     = "whitelist.json"
	defaultScanInterval      = 500 * time.Millisecond
	defaultConnectTimeout    = 15 * time.Second
	defaultMaxAttempts       = 3
	defaultLogBufferCapacity = 200
	defaultBroadcastInterval = 500 * time.Millisecond
	defaultSubscriberBuffer  = 64
	defaultAnnounceWindow    = 5 * time.Minute

	maxConnectTimeout = 5 * time.Minute
)

// HTTPConfig defines the HTTP API server settings.
type HTTPConfig struct {
	Listen         string        `yaml:"listen,omitempty"`
	ReadTimeout    time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration `yaml:"write_timeout,omitempty"`
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty"`
	MaxHeaderBytes int           `yaml:"max_header_bytes,omitempty"`
}

// BluetoothConfig defines adapter and connection orchestration settings.
type BluetoothConfig struct {
	// Adapter is the host controller name, e.g. hci0.
	Adapter string `yaml:"adapter,omitempty"`
	// ScanInterval throttles device list broadcasts during discovery.
	ScanInterval time.Duration `yaml:"scan_interval,omitempty"`
	// ConnectTimeout bounds a single connect or disconnect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	// MaxConnectionAttempts caps consecutive failed connects per device.
	// Zero disables the cap.
	MaxConnectionAttempts int `yaml:"max_connection_attempts,omitempty"`
	// AnnounceWindow suppresses repeated "device sighted" log entries for
	// the same device within the window.
	AnnounceWindow time.Duration `yaml:"announce_window,omitempty"`
}

// WhitelistConfig defines whitelist persistence settings.
type WhitelistConfig struct {
	Path  string `yaml:"path,omitempty"`
	Watch bool   `yaml:"watch,omitempty"`
}

// EventsConfig defines observer fan-out settings.
type EventsConfig struct {
	SubscriberBuffer  int           `yaml:"subscriber_buffer,omitempty"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval,omitempty"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	// BufferCapacity is the size of the in-memory activity log ring.
	BufferCapacity int `yaml:"buffer_capacity,omitempty"`
}

// Config is the main application configuration.
type Config struct {
	AppName   string          `yaml:"app_name,omitempty"`
	HTTP      HTTPConfig      `yaml:"http,omitempty"`
	Bluetooth BluetoothConfig `yaml:"bluetooth,omitempty"`
	Whitelist WhitelistConfig `yaml:"whitelist,omitempty"`
	Events    EventsConfig    `yaml:"events,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
	Path      string          `yaml:"-"`
}

// global mutex to serialize YAML writes.
var saveMu sync.Mutex //nolint:gochecknoglobals // global mutex for config writes

// Load reads the configuration from path and applies defaults. A missing
// file is not an error; the defaults are returned with Path set so a later
// Save materializes them.
func Load(path string) (*Config, error) {
	var cfg Config

	b, err := os.ReadFile(path) //nolint:gosec // config file path comes from the operator
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		// keep defaults
	default:
		return nil, err
	}

	cfg.Path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() { //nolint:cyclop
	if c.AppName == "" {
		c.AppName = "bluehub"
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = defaultHTTPListen
	}

	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = defaultHTTPReadTimeout
	}

	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = defaultHTTPWriteTimeout
	}

	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = defaultHTTPIdleTimeout
	}

	if c.HTTP.MaxHeaderBytes == 0 {
		c.HTTP.MaxHeaderBytes = defaultMaxHeaderBytes
	}

	if c.Bluetooth.Adapter == "" {
		c.Bluetooth.Adapter = "hci0"
	}

	if c.Bluetooth.ScanInterval == 0 {
		c.Bluetooth.ScanInterval = defaultScanInterval
	}

	if c.Bluetooth.ConnectTimeout == 0 {
		c.Bluetooth.ConnectTimeout = defaultConnectTimeout
	}

	if c.Bluetooth.MaxConnectionAttempts == 0 {
		c.Bluetooth.MaxConnectionAttempts = defaultMaxAttempts
	}

	if c.Bluetooth.AnnounceWindow == 0 {
		c.Bluetooth.AnnounceWindow = defaultAnnounceWindow
	}

	if c.Whitelist.Path == "" {
		c.Whitelist.Path = defaultWhitelistPath
	}

	if c.Events.SubscriberBuffer == 0 {
		c.Events.SubscriberBuffer = defaultSubscriberBuffer
	}

	if c.Events.BroadcastInterval == 0 {
		c.Events.BroadcastInterval = defaultBroadcastInterval
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Log.BufferCapacity == 0 {
		c.Log.BufferCapacity = defaultLogBufferCapacity
	}
}

// Save writes the configuration back to the original file path.
func (c *Config) Save() error {
	saveMu.Lock()
	defer saveMu.Unlock()

	if c.Path == "" {
		return errConfigPathEmpty
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(c.Path, out, defaultFilePerm); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", c.Path, err)
	}

	return nil
}

func (c *Config) Validate() error { //nolint:cyclop
	if c.HTTP.Listen == "" {
		return errHTTPListenMustBeSet
	}

	if err := validateAddr(c.HTTP.Listen); err != nil {
		return fmt.Errorf("invalid http.listen: %w", err)
	}

	if c.Whitelist.Path == "" {
		return errWhitelistPathMustBeSet
	}

	if c.Bluetooth.ScanInterval < 0 {
		return errScanIntervalNegative
	}

	if c.Bluetooth.ConnectTimeout <= 0 {
		return errConnectTimeoutNotPos
	}

	if c.Bluetooth.ConnectTimeout > maxConnectTimeout {
		return errConnectTimeoutTooGeneric
	}

	if c.Bluetooth.MaxConnectionAttempts < 0 {
		return errMaxAttemptsNegative
	}

	if c.Bluetooth.AnnounceWindow < 0 {
		return errAnnounceWindowNegative
	}

	if c.Log.BufferCapacity <= 0 {
		return errLogBufferCapacityNotPos
	}

	if c.Events.BroadcastInterval <= 0 {
		return errBroadcastIntervalNotPos
	}

	if c.Events.SubscriberBuffer <= 0 {
		return errSubscriberBufferNotPos
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return errUnknownLogFormat
	}

	return nil
}

func validateAddr(addr string) error {
	if !strings.HasPrefix(addr, ":") && !strings.Contains(addr, ":") {
		return errAddressMustBeHostPort
	}

	_, _, err := net.SplitHostPort(addr)

	return err
}
