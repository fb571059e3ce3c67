package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"sopline/internal/policy"
	"sopline/internal/sequence"
)

const fileName = "sopline.yml"

// Config models sopline.yml.
type Config struct {
	Policy struct {
		MaxRetries         int `yaml:"max_retries"`
		MaxEscalationLevel int `yaml:"max_escalation_level"`
	} `yaml:"policy"`
	Audit struct {
		PageSize    int `yaml:"page_size"`
		MaxPageSize int `yaml:"max_page_size"`
	} `yaml:"audit"`
	Sequence struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"sequence"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Policy.MaxRetries = policy.DefaultMaxRetries
	cfg.Policy.MaxEscalationLevel = policy.DefaultMaxEscalationLevel
	cfg.Audit.PageSize = 50
	cfg.Audit.MaxPageSize = 200
	cfg.Sequence.CacheSize = sequence.DefaultCacheSize
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.PolicyConfig().Validate(); err != nil {
		return fmt.Errorf("config.policy: %w", err)
	}
	if c.Audit.PageSize < 1 {
		return fmt.Errorf("config.audit.page_size must be >= 1")
	}
	if c.Audit.MaxPageSize < 1 {
		return fmt.Errorf("config.audit.max_page_size must be >= 1")
	}
	if c.Audit.PageSize > c.Audit.MaxPageSize {
		return fmt.Errorf("config.audit.page_size %d exceeds max_page_size %d", c.Audit.PageSize, c.Audit.MaxPageSize)
	}
	if c.Sequence.CacheSize < 1 {
		return fmt.Errorf("config.sequence.cache_size must be >= 1")
	}
	return nil
}

func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{MaxRetries: c.Policy.MaxRetries, MaxEscalationLevel: c.Policy.MaxEscalationLevel}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads the workspace config, falling back to defaults when the file is
// absent, then applies the environment overlay and validates.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	switch {
	case err == nil:
		cfg, err = decode(data)
		if err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

type envOverlay struct {
	MaxRetries         *int `env:"SOPLINE_POLICY_MAX_RETRIES"`
	MaxEscalationLevel *int `env:"SOPLINE_POLICY_MAX_ESCALATION_LEVEL"`
}

// ApplyEnv overrides policy limits from SOPLINE_POLICY_* variables.
func ApplyEnv(cfg *Config) error {
	var o envOverlay
	if err := ParseEnv(&o); err != nil {
		return err
	}
	if o.MaxRetries != nil {
		cfg.Policy.MaxRetries = *o.MaxRetries
	}
	if o.MaxEscalationLevel != nil {
		cfg.Policy.MaxEscalationLevel = *o.MaxEscalationLevel
	}
	return nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ServerEnv holds the HTTP server settings read from the environment.
type ServerEnv struct {
	Addr             string `env:"SOPLINE_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath         string `env:"SOPLINE_BASE_PATH" envDefault:"/v0"`
	JWTSecret        string `env:"SOPLINE_JWT_SECRET"`
	AllowActorHeader bool   `env:"SOPLINE_ALLOW_ACTOR_HEADER" envDefault:"false"`
	OTELEndpoint     string `env:"SOPLINE_OTEL_ENDPOINT"`
	// TrustProxyHeaders lets X-Forwarded-For set the audited client address.
	TrustProxyHeaders bool `env:"SOPLINE_TRUST_PROXY_HEADERS" envDefault:"false"`
}

func LoadServerEnv() (ServerEnv, error) {
	var s ServerEnv
	if err := ParseEnv(&s); err != nil {
		return s, err
	}
	return s, nil
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `policy:
  # automatic retries granted before an execution is escalated
  max_retries: 3
  max_escalation_level: 5

audit:
  page_size: 50
  max_page_size: 200

sequence:
  cache_size: 256
`
