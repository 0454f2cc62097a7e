package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.CatalogSource != CatalogEmbedded || cfg.PatientStore != PatientStoreSQLite {
		t.Errorf("catalog %q, patient store %q", cfg.CatalogSource, cfg.PatientStore)
	}
	if cfg.OutboxPollInterval != time.Second {
		t.Errorf("poll interval = %v", cfg.OutboxPollInterval)
	}
	keys, err := cfg.APIKeys()
	if err != nil || keys["demo-api-key-12345"] != "demo-client" {
		t.Errorf("dev keys = %v, %v", keys, err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CATALOG_SOURCE", "S3")
	t.Setenv("CATALOG_BUCKET", "vet-catalog")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("API_KEYS", "k1=clinic-a,k2=clinic-b")
	t.Setenv("ENV", "production")
	t.Setenv("PATIENT_STORE", "none")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CatalogSource != CatalogS3 || cfg.CatalogBucket != "vet-catalog" {
		t.Errorf("catalog = %s/%s", cfg.CatalogSource, cfg.CatalogBucket)
	}
	if b := cfg.KafkaBrokers(); len(b) != 2 || b[1] != "b:9092" {
		t.Errorf("brokers = %v", b)
	}
	keys, _ := cfg.APIKeys()
	if len(keys) != 2 || keys["k2"] != "clinic-b" {
		t.Errorf("keys = %v", keys)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("PORT=9999\nPHASE1_WORKERS=2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9999" || cfg.Phase1Workers != 2 {
		t.Errorf("port %s, workers %d", cfg.Port, cfg.Phase1Workers)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Env: "development", CatalogSource: CatalogEmbedded, PatientStore: PatientStoreNone, TraceSampleRate: 1}
	}
	tests := []struct {
		name    string
		mod     func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"dir without path", func(c *Config) { c.CatalogSource = CatalogDir }, true},
		{"s3 without bucket", func(c *Config) { c.CatalogSource = CatalogS3 }, true},
		{"unknown source", func(c *Config) { c.CatalogSource = "ftp" }, true},
		{"audit without database", func(c *Config) { c.AuditEnabled = true }, true},
		{"postgres store", func(c *Config) { c.PatientStore = PatientStorePostgres; c.DatabaseURL = "postgres://x" }, false},
		{"sample rate", func(c *Config) { c.TraceSampleRate = 2 }, true},
		{"bad key", func(c *Config) { c.APIKeysRaw = "nokey" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mod(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
