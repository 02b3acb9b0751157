package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ── Configuration ──────────────────────────────────────────
// One YAML file describes the whole export: where documents come
// from, where rows go, and which schema artifact shapes them.
// The schema itself is a separate JSON file (see internal/export).

// Source identifies the watched document collection.
type Source struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Sink identifies the warehouse table rows are written to.
type Sink struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres" | "mysql"
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
	Mode   string `yaml:"mode"` // "replace" (default) | "append"
}

// Config is the full service configuration.
type Config struct {
	Source     Source `yaml:"source"`
	Sink       Sink   `yaml:"sink"`
	SchemaPath string `yaml:"schemaPath"`
	StatePath  string `yaml:"statePath"`
	WebhookURL string `yaml:"webhookUrl"`
	ResyncCron string `yaml:"resyncCron"` // optional cron expression for scheduled full resyncs
	Backfill   bool   `yaml:"backfill"`   // run a full import before streaming
	LogLevel   string `yaml:"logLevel"`   // "debug" | "info" (default)
}

// Load reads, defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sink.Driver == "" {
		c.Sink.Driver = "sqlite"
	}
	if c.Sink.Mode == "" {
		c.Sink.Mode = "replace"
	}
	if c.StatePath == "" {
		c.StatePath = "./data/export-state.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks that required fields are present and enums are known.
func (c *Config) Validate() error {
	if c.Source.URI == "" {
		return fmt.Errorf("config: source.uri is required")
	}
	if c.Source.Database == "" {
		return fmt.Errorf("config: source.database is required")
	}
	if c.Source.Collection == "" {
		return fmt.Errorf("config: source.collection is required")
	}
	if c.Sink.DSN == "" {
		return fmt.Errorf("config: sink.dsn is required")
	}
	if c.Sink.Table == "" {
		return fmt.Errorf("config: sink.table is required")
	}
	switch c.Sink.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("config: unsupported sink.driver %q", c.Sink.Driver)
	}
	switch c.Sink.Mode {
	case "replace", "append":
	default:
		return fmt.Errorf("config: unsupported sink.mode %q", c.Sink.Mode)
	}
	if c.SchemaPath == "" {
		return fmt.Errorf("config: schemaPath is required")
	}
	return nil
}
