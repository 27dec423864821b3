package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Evolution EvolutionConfig `json:"evolution"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Gateway   GatewayConfig   `json:"gateway"`
	Seeds     []SeedConfig    `json:"seeds"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// EvolutionConfig drives the world clock and the evolver.
type EvolutionConfig struct {
	TickInterval Duration `json:"tick_interval"` // wall-clock time between clock ticks
	Speed        float64  `json:"speed"`         // world-time multiplier
	Every        Duration `json:"every"`         // world time between evolutions, 0 = every tick
	AutoStart    bool     `json:"auto_start"`
	Seed         int64    `json:"seed"` // random seed for default attention, 0 = time based
	History      int      `json:"history"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

// SQLiteConfig is the fallback repository used when no PostgreSQL DSN is set.
type SQLiteConfig struct {
	Path string `json:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type GatewayConfig struct {
	OnlyChanges bool                 `json:"only_changes"`
	Slack       SlackGatewayConfig   `json:"slack"`
	Discord     DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// SeedConfig is a knowledge unit inserted at startup when the population is empty.
// A nil Attention draws one from the random source.
type SeedConfig struct {
	Content   string   `json:"content"`
	Attention *float64 `json:"attention,omitempty"`
}

// Duration is a time.Duration that unmarshals from "1m30s"-style strings.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes config bytes the same way Load does.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Evolution.TickInterval == 0 {
		c.Evolution.TickInterval = Duration(time.Second)
	}
	if c.Evolution.Speed == 0 {
		c.Evolution.Speed = 1.0
	}
	if c.Evolution.History == 0 {
		c.Evolution.History = 100
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Database.Qdrant.Port == 0 && c.Database.Qdrant.Host != "" {
		c.Database.Qdrant.Port = 6334
	}
}

func (c *Config) validate() error {
	if c.Evolution.Speed < 0 {
		return fmt.Errorf("evolution.speed must not be negative")
	}
	if c.Evolution.TickInterval < 0 || c.Evolution.Every < 0 {
		return fmt.Errorf("evolution intervals must not be negative")
	}
	for i, s := range c.Seeds {
		if s.Content == "" {
			return fmt.Errorf("seeds[%d]: content is required", i)
		}
	}
	return nil
}
