// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for the console log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for locating and launching the browser binary.
type BrowserConfig struct {
	// Path is an explicit browser executable. When empty the launcher probes
	// DROVER_CHROME and the well-known install locations.
	Path        string   `mapstructure:"path" yaml:"path"`
	Headless    bool     `mapstructure:"headless" yaml:"headless"`
	DebugPort   int      `mapstructure:"debug_port" yaml:"debug_port"`
	UserDataDir string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args        []string `mapstructure:"args" yaml:"args"`
	WindowW     int      `mapstructure:"window_width" yaml:"window_width"`
	WindowH     int      `mapstructure:"window_height" yaml:"window_height"`
}

// ProtocolConfig tunes the synchronous control surface: how long we wait for
// the socket, for individual calls, and for polled conditions.
type ProtocolConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// SettleGrace is the fixed pause after a mutating action before the
	// network-quiescence check starts.
	SettleGrace time.Duration `mapstructure:"settle_grace" yaml:"settle_grace"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "drover")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.debug_port", 0) // 0 picks a free port
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 900)

	// -- Protocol --
	v.SetDefault("protocol.connect_timeout", "20s")
	v.SetDefault("protocol.call_timeout", "30s")
	v.SetDefault("protocol.wait_timeout", "15s")
	v.SetDefault("protocol.poll_interval", "100ms")
	v.SetDefault("protocol.settle_grace", "100ms")
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with our own defaults, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Protocol.ConnectTimeout <= 0 {
		return fmt.Errorf("protocol.connect_timeout must be a positive duration")
	}
	if c.Protocol.CallTimeout <= 0 {
		return fmt.Errorf("protocol.call_timeout must be a positive duration")
	}
	if c.Protocol.WaitTimeout <= 0 {
		return fmt.Errorf("protocol.wait_timeout must be a positive duration")
	}
	if c.Protocol.PollInterval <= 0 {
		return fmt.Errorf("protocol.poll_interval must be a positive duration")
	}
	if c.Protocol.SettleGrace < 0 {
		return fmt.Errorf("protocol.settle_grace must not be negative")
	}
	if c.Browser.DebugPort < 0 || c.Browser.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port must be a valid TCP port")
	}
	return nil
}
