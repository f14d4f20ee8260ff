// Package config loads the TOML configuration of the controller
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sergev/gammaspec/frame"
	"github.com/sergev/gammaspec/logger"
)

//go:embed gammaspec.toml
var defaultConfigData []byte

// Config represents the entire TOML configuration structure
type Config struct {
	Detector   Detector   `toml:"detector"`
	Binning    Binning    `toml:"binning"`
	Rate       Rate       `toml:"rate"`
	Reconnect  Reconnect  `toml:"reconnect"`
	PowerCycle PowerCycle `toml:"power_cycle"`
	Virtual    Virtual    `toml:"virtual"`
	Logging    Logging    `toml:"logging"`
	Metrics    Metrics    `toml:"metrics"`
}

type Detector struct {
	Transport    string   `toml:"transport"`
	VendorID     int      `toml:"vendor_id"`
	ProductID    int      `toml:"product_id"`
	Port         string   `toml:"port"`
	ReadTimeout  Duration `toml:"read_timeout"`
	StallTimeout Duration `toml:"stall_timeout"`
}

type Binning struct {
	NativeLevels int `toml:"native_levels"`
}

type Rate struct {
	Window Duration `toml:"window"`
}

type Reconnect struct {
	FailureThreshold int      `toml:"failure_threshold"`
	InitialBackoff   Duration `toml:"initial_backoff"`
	MaxBackoff       Duration `toml:"max_backoff"`
}

type PowerCycle struct {
	Enabled bool     `toml:"enabled"`
	OnStart bool     `toml:"on_start"`
	Hub     string   `toml:"hub"`
	Port    int      `toml:"port"`
	OffTime Duration `toml:"off_time"`
	OnTime  Duration `toml:"on_time"`
}

type Virtual struct {
	Rate        float64  `toml:"rate"`
	FramePeriod Duration `toml:"frame_period"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Metrics struct {
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as a string like "500ms"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Path determines the config file path based on the operating system
func Path() (string, error) {
	var configDir string
	var err error

	switch runtime.GOOS {
	case "windows":
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "gammaspec")
	default:
		configDir, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user home directory: %w", err)
		}
	}

	return filepath.Join(configDir, ".gammaspec"), nil
}

// Default returns the built-in configuration
func Default() *Config {
	var conf Config
	if _, err := toml.Decode(string(defaultConfigData), &conf); err != nil {
		panic(fmt.Sprintf("embedded config: %v", err))
	}
	return &conf
}

// Initialize loads the config file from the default location.
// If the file doesn't exist, it is created from the embedded default.
func Initialize() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		// Create parent directory if needed (for Windows)
		configDir := filepath.Dir(configPath)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		if err := os.WriteFile(configPath, defaultConfigData, 0644); err != nil {
			return nil, fmt.Errorf("failed to create default config file at %s: %w", configPath, err)
		}
	}
	return Load(configPath)
}

// Load parses and validates a config file. Keys missing from the file
// keep their default values.
func Load(configPath string) (*Config, error) {
	conf := Default()
	md, err := toml.DecodeFile(configPath, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML config at %s: %w", configPath, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in config %s: %s", configPath, strings.Join(keys, ", "))
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return conf, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Detector.Transport == "" {
		return errors.New("detector.transport is empty")
	}
	if c.Detector.VendorID <= 0 || c.Detector.VendorID > 0xffff {
		return fmt.Errorf("detector.vendor_id 0x%x out of range", c.Detector.VendorID)
	}
	if c.Detector.ProductID <= 0 || c.Detector.ProductID > 0xffff {
		return fmt.Errorf("detector.product_id 0x%x out of range", c.Detector.ProductID)
	}
	if _, err := c.PortPath(); err != nil {
		return err
	}
	if c.Detector.ReadTimeout.Duration <= 0 {
		return fmt.Errorf("detector.read_timeout %v must be positive", c.Detector.ReadTimeout)
	}
	if c.Detector.StallTimeout.Duration <= c.Detector.ReadTimeout.Duration {
		return fmt.Errorf("detector.stall_timeout %v must exceed read_timeout", c.Detector.StallTimeout)
	}
	if _, err := frame.NewBinner(c.Binning.NativeLevels, frame.Channels); err != nil {
		return fmt.Errorf("binning.native_levels: %w", err)
	}
	if c.Rate.Window.Duration <= 0 {
		return fmt.Errorf("rate.window %v must be positive", c.Rate.Window)
	}
	if c.Reconnect.FailureThreshold <= 0 {
		return fmt.Errorf("reconnect.failure_threshold %d must be positive", c.Reconnect.FailureThreshold)
	}
	if c.Reconnect.InitialBackoff.Duration <= 0 {
		return fmt.Errorf("reconnect.initial_backoff %v must be positive", c.Reconnect.InitialBackoff)
	}
	if c.Reconnect.MaxBackoff.Duration < c.Reconnect.InitialBackoff.Duration {
		return fmt.Errorf("reconnect.max_backoff %v is less than initial_backoff", c.Reconnect.MaxBackoff)
	}
	if (c.PowerCycle.Hub == "") != (c.PowerCycle.Port == 0) {
		return errors.New("power_cycle.hub and power_cycle.port must be set together")
	}
	if c.PowerCycle.Port < 0 {
		return fmt.Errorf("power_cycle.port %d is negative", c.PowerCycle.Port)
	}
	if c.PowerCycle.OffTime.Duration < 0 || c.PowerCycle.OnTime.Duration < 0 {
		return errors.New("power_cycle times must not be negative")
	}
	if c.Virtual.Rate < 0 {
		return fmt.Errorf("virtual.rate %g is negative", c.Virtual.Rate)
	}
	if c.Virtual.FramePeriod.Duration <= 0 {
		return fmt.Errorf("virtual.frame_period %v must be positive", c.Virtual.FramePeriod)
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if _, err := logger.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}
	return nil
}

// PortPath parses detector.port, a dot separated list of port numbers
func (c *Config) PortPath() ([]int, error) {
	if c.Detector.Port == "" {
		return nil, nil
	}
	parts := strings.Split(c.Detector.Port, ".")
	path := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("detector.port %q: bad port number %q", c.Detector.Port, p)
		}
		path[i] = n
	}
	return path, nil
}
