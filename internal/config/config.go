package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "apjsurvey.yml"

// Config models apjsurvey.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Storage struct {
		Driver string `yaml:"driver"`
		Mongo  struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`
	} `yaml:"storage"`
	Points struct {
		Driver string `yaml:"driver"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"points"`
	Tracking struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"tracking"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with apj config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "mongo":
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("config.storage.mongo.uri is required for the mongo driver")
		}
		if c.Storage.Mongo.Database == "" {
			return fmt.Errorf("config.storage.mongo.database is required for the mongo driver")
		}
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or mongo, got %q", c.Storage.Driver)
	}
	switch c.Points.Driver {
	case "sqlite":
	case "redis":
		if c.Points.Redis.Addr == "" {
			return fmt.Errorf("config.points.redis.addr is required for the redis driver")
		}
		if c.Points.Redis.DB < 0 {
			return fmt.Errorf("config.points.redis.db must not be negative")
		}
	default:
		return fmt.Errorf("config.points.driver must be sqlite or redis, got %q", c.Points.Driver)
	}
	if c.Tracking.IntervalSeconds <= 0 {
		return fmt.Errorf("config.tracking.interval_seconds must be positive")
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	if c.Server.BasePath != "" && c.Server.BasePath[0] != '/' {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

func (c *Config) TrackingInterval() time.Duration {
	return time.Duration(c.Tracking.IntervalSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

storage:
  driver: sqlite
  mongo:
    uri: mongodb://localhost:27017
    database: apjsurvey

points:
  driver: sqlite
  redis:
    addr: localhost:6379
    password: ""
    db: 0

tracking:
  interval_seconds: 15

auth:
  jwt_secret: ""

log:
  level: info
  format: json
`
