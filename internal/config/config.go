// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Catalog sources
const (
	CatalogEmbedded = "embedded"
	CatalogDir      = "dir"
	CatalogS3       = "s3"
	CatalogPostgres = "postgres"
)

// Patient stores
const (
	PatientStoreNone     = "none"
	PatientStoreSQLite   = "sqlite"
	PatientStorePostgres = "postgres"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	APIKeysRaw  string `mapstructure:"API_KEYS"`

	CatalogSource string `mapstructure:"CATALOG_SOURCE"`
	CatalogDir    string `mapstructure:"CATALOG_DIR"`
	CatalogBucket string `mapstructure:"CATALOG_BUCKET"`
	CatalogPrefix string `mapstructure:"CATALOG_PREFIX"`
	AWSRegion     string `mapstructure:"AWS_REGION"`
	S3Endpoint    string `mapstructure:"S3_ENDPOINT"`

	KafkaBrokersRaw    string        `mapstructure:"KAFKA_BROKERS"`
	EvaluationsTopic   string        `mapstructure:"EVALUATIONS_TOPIC"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	Phase1Workers int    `mapstructure:"PHASE1_WORKERS"`
	PatientStore  string `mapstructure:"PATIENT_STORE"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	AuditEnabled  bool   `mapstructure:"AUDIT_ENABLED"`
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"ENV":                  "development",
	"LOG_LEVEL":            "info",
	"CATALOG_SOURCE":       CatalogEmbedded,
	"CATALOG_PREFIX":       "catalog/",
	"AWS_REGION":           "us-east-1",
	"KAFKA_BROKERS":        "localhost:19092",
	"EVALUATIONS_TOPIC":    "dosing.evaluations",
	"OUTBOX_POLL_INTERVAL": "1s",
	"OUTBOX_BATCH_SIZE":    100,
	"TRACE_SAMPLE_RATE":    1.0,
	"PHASE1_WORKERS":       4,
	"PATIENT_STORE":        PatientStoreSQLite,
	"SQLITE_PATH":          "dose-engine.db",
	"AUDIT_ENABLED":        false,
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "API_KEYS",
	"CATALOG_SOURCE", "CATALOG_DIR", "CATALOG_BUCKET", "CATALOG_PREFIX", "AWS_REGION", "S3_ENDPOINT",
	"KAFKA_BROKERS", "EVALUATIONS_TOPIC", "OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"PHASE1_WORKERS", "PATIENT_STORE", "SQLITE_PATH", "AUDIT_ENABLED",
}

// Load reads the environment, falling back to .env in the working directory
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads the environment, falling back to the given env file. A
// missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CatalogSource = strings.ToLower(cfg.CatalogSource)
	cfg.PatientStore = strings.ToLower(cfg.PatientStore)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that every selected backend has what it needs
func (c *Config) Validate() error {
	switch c.CatalogSource {
	case CatalogEmbedded:
	case CatalogDir:
		if c.CatalogDir == "" {
			return fmt.Errorf("CATALOG_DIR is required when CATALOG_SOURCE is %q", c.CatalogSource)
		}
	case CatalogS3:
		if c.CatalogBucket == "" {
			return fmt.Errorf("CATALOG_BUCKET is required when CATALOG_SOURCE is %q", c.CatalogSource)
		}
	case CatalogPostgres:
	default:
		return fmt.Errorf("CATALOG_SOURCE must be embedded, dir, s3 or postgres, got %q", c.CatalogSource)
	}

	switch c.PatientStore {
	case PatientStoreNone, PatientStorePostgres:
	case PatientStoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when PATIENT_STORE is %q", c.PatientStore)
		}
	default:
		return fmt.Errorf("PATIENT_STORE must be none, sqlite or postgres, got %q", c.PatientStore)
	}

	if c.NeedsPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the selected catalog, patient store or audit trail")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}
	if c.Phase1Workers < 0 {
		return fmt.Errorf("PHASE1_WORKERS must not be negative")
	}
	if _, err := c.APIKeys(); err != nil {
		return err
	}
	return nil
}

// NeedsPostgres reports whether any selected backend uses DATABASE_URL
func (c *Config) NeedsPostgres() bool {
	return c.CatalogSource == CatalogPostgres || c.PatientStore == PatientStorePostgres || c.AuditEnabled
}

// APIKeys parses API_KEYS ("key=client,key2=client2"). Development falls
// back to a demo key when none are configured.
func (c *Config) APIKeys() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(c.APIKeysRaw) {
		key, client, ok := strings.Cut(pair, "=")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key=client", pair)
		}
		out[key] = client
	}
	if len(out) == 0 && c.IsDev() {
		out["demo-api-key-12345"] = "demo-client"
	}
	return out, nil
}

// KafkaBrokers returns the seed brokers
func (c *Config) KafkaBrokers() []string {
	return splitList(c.KafkaBrokersRaw)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
