package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sorteia/sorteia/pkg/ordering"
	"github.com/sorteia/sorteia/pkg/stores"
	"github.com/sorteia/sorteia/pkg/telemetry"
)

// Environment variables that override file settings.
const (
	EnvDatabase = "SORTEIA_DB"
	EnvLogLevel = "LOG_LEVEL"
	EnvOwner    = "SORTEIA_OWNER"
)

// Config is the complete sorteia configuration.
type Config struct {
	// Store selects and configures the persistence backend.
	Store stores.Config `yaml:"store"`

	// Compaction configures the queue that renumbers partitions.
	Compaction ordering.CompactorConfig `yaml:"compaction"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	// OwnerEnv names the environment variable holding the caller's owner id
	// when --owner is not given.
	OwnerEnv string `yaml:"owner_env" validate:"required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: stores.Config{
			Driver:       stores.DriverSQLite,
			Path:         "./sorteia.db",
			MaxOpenConns: 25,
		},
		Compaction: ordering.DefaultCompactorConfig(),
		Telemetry:  *telemetry.DefaultConfig(),
		OwnerEnv:   EnvOwner,
	}
}

// Load reads a YAML file over the defaults, applies environment overrides and
// validates the result. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides file settings from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDatabase)); v != "" {
		c.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks struct tags and the nested telemetry configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var validate = validator.New()
