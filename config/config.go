package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// SerialConfig selects how the controller is reached. SPJSURL, when set,
// takes precedence over a local Port.
type SerialConfig struct {
	Port    string `json:"port"`
	Baud    int    `json:"baud"`
	SPJSURL string `json:"spjs_url"`

	// RateLimit is outbound lines per second. Unset means 20; an explicit
	// 0 turns pacing off.
	RateLimit  *float64 `json:"write_rate_limit"`
	RateBurst  int      `json:"write_rate_burst"`
	FlushAfter string   `json:"flush_after"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type TimingConfig struct {
	MotionTimeout string `json:"motion_timeout"`
	PollInterval  string `json:"poll_interval"`
	TickInterval  string `json:"tick_interval"`
	SettleDelay   string `json:"settle_delay"`
}

type Config struct {
	Serial SerialConfig `json:"serial"`
	Server ServerConfig `json:"server"`
	Timing TimingConfig `json:"timing"`
}

// Load reads the JSON config at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.setDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("open config file '%s': %w", path, err)
	}
	defer file.Close()

	cfg := &Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) sanitize() {
	c.Serial.Port = strings.TrimSpace(c.Serial.Port)
	c.Serial.SPJSURL = strings.TrimSpace(c.Serial.SPJSURL)
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
}

func (c *Config) setDefaults() {
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 9600
	}
	if c.Serial.RateLimit == nil {
		limit := 20.0
		c.Serial.RateLimit = &limit
	}
	if c.Serial.RateBurst <= 0 {
		c.Serial.RateBurst = 5
	}
	if c.Serial.FlushAfter == "" {
		c.Serial.FlushAfter = "1s"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}

	if c.Timing.MotionTimeout == "" {
		c.Timing.MotionTimeout = "30s"
	}
	if c.Timing.PollInterval == "" {
		c.Timing.PollInterval = "20ms"
	}
	if c.Timing.TickInterval == "" {
		c.Timing.TickInterval = "20ms"
	}
	if c.Timing.SettleDelay == "" {
		c.Timing.SettleDelay = "1s"
	}
}

func (c *Config) validate() error {
	if c.Serial.Baud < 0 {
		return fmt.Errorf("config error: 'baud' must be positive")
	}
	if *c.Serial.RateLimit < 0 {
		return fmt.Errorf("config error: 'write_rate_limit' must not be negative")
	}
	for name, val := range map[string]string{
		"flush_after":    c.Serial.FlushAfter,
		"motion_timeout": c.Timing.MotionTimeout,
		"poll_interval":  c.Timing.PollInterval,
		"tick_interval":  c.Timing.TickInterval,
		"settle_delay":   c.Timing.SettleDelay,
	} {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("config error: '%s': %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config error: '%s' must be positive", name)
		}
	}
	return nil
}

// Duration parses one of the already-validated duration fields.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
