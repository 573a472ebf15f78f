// Package config loads the server configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultTickRate        = 15
	DefaultAckTimeout      = 10 * time.Second
	DefaultMaxClients      = 256
	DefaultMaxPayloadBytes = 64 * 1024
	DefaultChunkBatchSize  = 64
	DefaultOutboxDepth     = 32
	DefaultPlantID         = "plant-1"
	DefaultPlantName       = "Plant One"
)

// Environment override names.
const (
	EnvListenAddr = "PLANTSYNC_LISTEN_ADDR"
	EnvTickRate   = "PLANTSYNC_TICK_RATE"
	EnvMaxClients = "PLANTSYNC_MAX_CLIENTS"
	EnvSimSeed    = "PLANTSYNC_SIM_SEED"
)

// Duration wraps time.Duration so YAML values can use forms like "5s".
// The yaml package has no native duration decoding.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Session declares one isolated simulation scope created at startup.
type Session struct {
	ID   string `yaml:"id"`
	Seed int64  `yaml:"seed"`
}

// Config is the full server configuration.
type Config struct {
	ListenAddr      string    `yaml:"listen_addr"`
	TickRate        int       `yaml:"tick_rate"`
	AckTimeout      Duration  `yaml:"ack_timeout"`
	MaxClients      int       `yaml:"max_clients"`
	MaxPayloadBytes int       `yaml:"max_payload_bytes"`
	ChunkBatchSize  int       `yaml:"chunk_batch_size"`
	OutboxDepth     int       `yaml:"outbox_depth"`
	PlantID         string    `yaml:"plant_id"`
	PlantName       string    `yaml:"plant_name"`
	SimSeed         int64     `yaml:"sim_seed"`
	Sessions        []Session `yaml:"sessions"`
}

// Default returns a configuration populated with every default.
func Default() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		TickRate:        DefaultTickRate,
		AckTimeout:      Duration(DefaultAckTimeout),
		MaxClients:      DefaultMaxClients,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		ChunkBatchSize:  DefaultChunkBatchSize,
		OutboxDepth:     DefaultOutboxDepth,
		PlantID:         DefaultPlantID,
		PlantName:       DefaultPlantName,
		SimSeed:         1,
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides on top, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvTickRate); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.TickRate = parsed
		}
	}
	if v := os.Getenv(EnvMaxClients); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.MaxClients = parsed
		}
	}
	if v := os.Getenv(EnvSimSeed); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SimSeed = parsed
		}
	}
}

// Validate checks ranges on every tunable.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.TickRate < 1 || c.TickRate > 120 {
		return errors.Errorf("tick_rate must be between 1 and 120, got %d", c.TickRate)
	}
	if c.AckTimeout <= 0 {
		return errors.New("ack_timeout must be positive")
	}
	if c.MaxClients < 1 {
		return errors.New("max_clients must be >= 1")
	}
	if c.MaxPayloadBytes < 1024 {
		return errors.Errorf("max_payload_bytes must be >= 1024, got %d", c.MaxPayloadBytes)
	}
	if c.ChunkBatchSize < 1 {
		return errors.New("chunk_batch_size must be >= 1")
	}
	if c.OutboxDepth < 1 {
		return errors.New("outbox_depth must be >= 1")
	}
	for i, session := range c.Sessions {
		if session.ID == "" {
			return errors.Errorf("sessions[%d].id is required", i)
		}
	}
	return nil
}
