// Package config loads service settings from defaults, an optional YAML
// file, a local .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	AWS         AWSConfig         `yaml:"aws"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Auth        AuthConfig        `yaml:"auth"`
	HTTP        HTTPConfig        `yaml:"http"`
	Orders      OrdersConfig      `yaml:"orders"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	LogLevel    string            `yaml:"log_level"`
}

type AWSConfig struct {
	Region           string `yaml:"region"`
	EndpointOverride string `yaml:"endpoint_override"` // LocalStack and friends
}

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	OrdersTable string `yaml:"orders_table"`
	DatabaseURL string `yaml:"database_url"`
	QueueURL    string `yaml:"queue_url"`
}

type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

type HTTPConfig struct {
	RunLocal bool   `yaml:"run_local"`
	Addr     string `yaml:"addr"`
}

type OrdersConfig struct {
	StrictTransitions bool `yaml:"strict_transitions"`
	DefaultPageSize   int  `yaml:"default_page_size"`
	MaxPageSize       int  `yaml:"max_page_size"`
}

type IdempotencyConfig struct {
	Table string        `yaml:"table"`
	TTL   time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		AWS:   AWSConfig{Region: "us-east-1"},
		Store: StoreConfig{Backend: BackendDynamoDB},
		Cache: CacheConfig{TTL: 30 * time.Second},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Orders: OrdersConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
		Idempotency: IdempotencyConfig{TTL: 48 * time.Hour},
		Metrics:     MetricsConfig{Namespace: "FoodOrder/Orders"},
		LogLevel:    "info",
	}
}

// Load resolves the configuration. path names an optional YAML file; when
// empty, CONFIG_FILE is consulted.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.AWS.Region, "AWS_REGION")
	setString(&cfg.AWS.EndpointOverride, "AWS_ENDPOINT_OVERRIDE")
	setString(&cfg.Store.Backend, "STORE_BACKEND")
	setString(&cfg.Store.OrdersTable, "ORDERS_TABLE")
	setString(&cfg.Store.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Store.QueueURL, "ORDERS_QUEUE_URL")
	setString(&cfg.Cache.RedisURL, "REDIS_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.Idempotency.Table, "IDEMPOTENCY_TABLE")
	setString(&cfg.Metrics.Namespace, "METRICS_NAMESPACE")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	var errs []error
	errs = append(errs,
		setBool(&cfg.HTTP.RunLocal, "RUN_LOCAL"),
		setBool(&cfg.Orders.StrictTransitions, "STRICT_TRANSITIONS"),
		setDuration(&cfg.Cache.TTL, "CACHE_TTL"),
		setDuration(&cfg.Idempotency.TTL, "IDEMPOTENCY_TTL"),
	)
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	return errors.Join(errs...)
}

// Validate reports settings that are missing or inconsistent for the chosen backend.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.OrdersTable == "" {
			errs = append(errs, errors.New("ORDERS_TABLE is required for the dynamodb backend"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Orders.DefaultPageSize <= 0 || c.Orders.MaxPageSize < c.Orders.DefaultPageSize {
		errs = append(errs, fmt.Errorf("invalid page sizes %d/%d", c.Orders.DefaultPageSize, c.Orders.MaxPageSize))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
