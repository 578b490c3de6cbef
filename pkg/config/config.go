// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ColorConfig names, per log level, one of colorMap's friendly color names
// used by pkg/observability's console encoder. An empty field leaves that
// level uncolorized.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LoggerConfig controls the global zap logger built by pkg/observability.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// DefaultLoggerConfig returns sane defaults for interactive use.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:       "info",
		Format:      "console",
		ServiceName: "h2conn",
	}
}

// DialConfig controls the TCP/TLS dial performed before the connection
// engine takes over.
type DialConfig struct {
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepAlive          time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// H2Config controls the connection engine's local preferences and timers.
type H2Config struct {
	// Local SETTINGS this client advertises at connection start.
	InitialWindowSize   uint32 `mapstructure:"initial_window_size" yaml:"initial_window_size"`
	MaxFrameSize        uint32 `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	MaxConcurrentStreams uint32 `mapstructure:"max_concurrent_streams" yaml:"max_concurrent_streams"`
	MaxHeaderListSize   uint32 `mapstructure:"max_header_list_size" yaml:"max_header_list_size"`
	HeaderTableSize     uint32 `mapstructure:"header_table_size" yaml:"header_table_size"`

	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// SettingsTimeout bounds how long we wait for the peer to ACK our
	// SETTINGS frame before treating the connection as dead.
	SettingsTimeout time.Duration `mapstructure:"settings_timeout" yaml:"settings_timeout"`
}

// DefaultH2Config mirrors RFC 7540 defaults except where this client
// advertises a larger receive window for throughput, caps concurrent
// streams at 100 and limits the header list to 64 KiB (RFC 7540 leaves
// both unlimited).
func DefaultH2Config() H2Config {
	return H2Config{
		InitialWindowSize:    4 * 1024 * 1024,
		MaxFrameSize:         16384,
		MaxConcurrentStreams: 100,
		MaxHeaderListSize:    64 * 1024,
		HeaderTableSize:      4096,
		PingInterval:         30 * time.Second,
		PingTimeout:          10 * time.Second,
		IdleTimeout:          90 * time.Second,
		SettingsTimeout:      10 * time.Second,
	}
}

// Config aggregates every module this core needs to load from a file or the
// environment. Access is through the getters below, following the teacher's
// Interface-backed Config pattern, trimmed to this core's concerns.
type Config struct {
	logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	dial   DialConfig   `mapstructure:"dial" yaml:"dial"`
	h2     H2Config     `mapstructure:"h2" yaml:"h2"`
}

func (c *Config) Logger() LoggerConfig { return c.logger }
func (c *Config) Dial() DialConfig     { return c.dial }
func (c *Config) H2() H2Config         { return c.h2 }

func (c *Config) SetLogger(l LoggerConfig) { c.logger = l }
func (c *Config) SetDial(d DialConfig)     { c.dial = d }
func (c *Config) SetH2(h H2Config)         { c.h2 = h }

// NewDefaultConfig returns a Config populated entirely with defaults,
// independent of any file or environment state.
func NewDefaultConfig() *Config {
	return &Config{
		logger: DefaultLoggerConfig(),
		dial:   DialConfig{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		h2:     DefaultH2Config(),
	}
}

// Load reads configuration from path (if non-empty), environment variables
// prefixed H2CONN_, and falls back to defaults for anything unset. It
// follows the teacher's cmd/root.go initializeConfig pattern.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("h2conn")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("H2CONN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := NewDefaultConfig()
	v.SetDefault("logger", def.logger)
	v.SetDefault("dial", def.dial)
	v.SetDefault("h2", def.h2)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Config's fields are unexported, which mapstructure cannot set, so
	// decode into exported mirrors and copy them across.
	var raw struct {
		Logger LoggerConfig `mapstructure:"logger"`
		Dial   DialConfig   `mapstructure:"dial"`
		H2     H2Config     `mapstructure:"h2"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := &Config{logger: raw.Logger, dial: raw.Dial, h2: raw.H2}
	if cfg.h2.MaxFrameSize == 0 {
		cfg.h2 = def.h2
	}
	if cfg.logger.Level == "" {
		cfg.logger = def.logger
	}
	return cfg, nil
}
