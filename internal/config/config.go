// Package config loads conductor configuration from config.yaml and
// CONDUCTOR_ environment variables, env taking precedence.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Engine    EngineConfig    `koanf:"engine"`
	Approval  ApprovalConfig  `koanf:"approval"`
	Notify    NotifyConfig    `koanf:"notify"`
	Model     ModelConfig     `koanf:"model"`
	Ticketing TicketingConfig `koanf:"ticketing"`
	Pipelines PipelinesConfig `koanf:"pipelines"`
}

type ServerConfig struct {
	Port           int    `koanf:"port"`
	RequestTimeout string `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type     string         `koanf:"type"` // memory, sqlite, postgres
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration for the
// non-sqlite dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type EngineConfig struct {
	StageTimeout string `koanf:"stage_timeout"`
	Retries      int    `koanf:"retries"`
	RetryBackoff string `koanf:"retry_backoff"`
}

type ApprovalConfig struct {
	TTL             string   `koanf:"ttl"`
	SweepInterval   string   `koanf:"sweep_interval"`
	Recipients      []string `koanf:"recipients"`
	DecisionBaseURL string   `koanf:"decision_base_url"`
}

type NotifyConfig struct {
	WebhookURL string            `koanf:"webhook_url"`
	Timeout    string            `koanf:"timeout"`
	Retries    int               `koanf:"retries"`
	Headers    map[string]string `koanf:"headers"`
}

type ModelConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
	Timeout string `koanf:"timeout"`
}

type TicketingConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
	Timeout string `koanf:"timeout"`
}

type PipelinesConfig struct {
	Incident IncidentConfig `koanf:"incident"`
	Diagram  DiagramConfig  `koanf:"diagram"`
}

type IncidentConfig struct {
	MinConfidence float64 `koanf:"min_confidence"`
}

type DiagramConfig struct {
	OutputDir string `koanf:"output_dir"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml if present, then overlays CONDUCTOR_ env vars
// (double underscore separates nesting: CONDUCTOR_SERVER__PORT).
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit config path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CONDUCTOR_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CONDUCTOR_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "memory")
	}
	if !k.Exists("model.base_url") {
		k.Set("model.base_url", "https://api.openai.com/v1")
	}
	if !k.Exists("model.model") {
		k.Set("model.model", "gpt-4o")
	}
	if !k.Exists("pipelines.diagram.output_dir") {
		k.Set("pipelines.diagram.output_dir", "diagrams")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in secrets
	cfg.Model.APIKey = substituteEnvVars(cfg.Model.APIKey)
	cfg.Ticketing.Token = substituteEnvVars(cfg.Ticketing.Token)
	for key, val := range cfg.Notify.Headers {
		cfg.Notify.Headers[key] = substituteEnvVars(val)
	}

	return &cfg, nil
}

// Duration parses s, falling back to def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
