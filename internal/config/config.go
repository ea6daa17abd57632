// Package config loads the service configuration from defaults, an optional
// YAML file and the environment, in that order.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"tokenlottery/internal/oracle"
)

// EnvPrefix prefixes every environment variable, e.g. TOKENLOTTERY_PORT.
const EnvPrefix = "tokenlottery"

const (
	DefaultSlotDuration    = 400 * time.Millisecond
	DefaultJanitorInterval = 10 * time.Minute
	DefaultStaleAgeSlots   = 1500
	DefaultShutdownTimeout = 30 * time.Second
)

type ctxKey string

const configContextKey ctxKey = "tokenlottery.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	BindAddr    string `yaml:"bindAddr"    split_words:"true"`
	Port        uint   `yaml:"port"`
	DbPath      string `yaml:"dbPath"      split_words:"true"`
	OracleDir   string `yaml:"oracleDir"   split_words:"true"`
	LogFile     string `yaml:"logFile"     split_words:"true"`
	Debug       bool   `yaml:"debug"`
	ManualClock bool   `yaml:"manualClock" split_words:"true"`

	// Genesis is the instant slot 0 began; zero means process start.
	Genesis      time.Time     `yaml:"genesis"`
	SlotDuration time.Duration `yaml:"slotDuration" split_words:"true"`

	OracleQueue       string `yaml:"oracleQueue"       split_words:"true"`
	OracleRevealDelay uint64 `yaml:"oracleRevealDelay" split_words:"true"`

	Authority   string `yaml:"authority"`
	TicketURI   string `yaml:"ticketUri"   envconfig:"TICKET_URI"`
	AllowFaucet bool   `yaml:"allowFaucet" split_words:"true"`

	JanitorInterval time.Duration `yaml:"janitorInterval" split_words:"true"`
	StaleAgeSlots   uint64        `yaml:"staleAgeSlots"   split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		BindAddr:          "0.0.0.0",
		Port:              8080,
		DbPath:            ".tokenlottery/lottery.db",
		OracleDir:         ".tokenlottery/oracle",
		SlotDuration:      DefaultSlotDuration,
		OracleQueue:       "default",
		OracleRevealDelay: oracle.DefaultRevealDelay,
		TicketURI:         "https://raw.githubusercontent.com/nick-720/token-lottery/refs/heads/main/token-metadata.json",
		JanitorInterval:   DefaultJanitorInterval,
		StaleAgeSlots:     DefaultStaleAgeSlots,
		ShutdownTimeout:   DefaultShutdownTimeout,
	}
}

// Load builds the configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port == 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SlotDuration <= 0 {
		return errors.New("slot duration must be positive")
	}
	if c.JanitorInterval <= 0 {
		return errors.New("janitor interval must be positive")
	}
	return nil
}

// ListenAddr returns the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}
