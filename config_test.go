package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const validConfig = `
service:
  name: premium-pipeline
  poll_interval_seconds: 5
warehouse:
  engine: duckdb
  path: test.duckdb
sources:
  - name: premiums
    table: bronze_premiums
    dir: ./landing/premiums
  - name: territory
    table: bronze_territory
    dir: ./landing/territory
silver:
  table: silver_premiums
  facts_table: bronze_premiums
  dimension_table: bronze_territory
  join_key: territory
  dob_column: date_of_birth
  age_column: customer_age
  constraints:
    - name: valid_age
      expr: "row.customer_age > 0.0 && row.customer_age < 100.0"
      policy: drop
gold:
  table: gold_by_town
  source_table: silver_premiums
  group_by: town
  average_of: premium
`

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	if config.PollInterval() != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %v", config.PollInterval())
	}
	if len(config.Sources) != 2 {
		t.Errorf("expected 2 sources, got %d", len(config.Sources))
	}
	if config.Silver.Constraints[0].Name != "valid_age" {
		t.Errorf("unexpected constraint: %+v", config.Silver.Constraints[0])
	}

	// Defaults fill the gaps
	if config.Service.HealthPort != "8080" {
		t.Errorf("expected default health port, got %s", config.Service.HealthPort)
	}
	if config.Gold.AvgColumn != "average_premium" || config.Gold.CountColumn != "number_of_customers" {
		t.Errorf("expected default gold column names, got %+v", config.Gold)
	}
	if config.WatchDebounce() != 500*time.Millisecond {
		t.Errorf("expected default debounce, got %v", config.WatchDebounce())
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no sources", func(c *Config) { c.Sources = nil }},
		{"unknown engine", func(c *Config) { c.Warehouse.Engine = "sqlite" }},
		{"duplicate table", func(c *Config) { c.Sources[1].Table = c.Sources[0].Table }},
		{"source missing dir", func(c *Config) { c.Sources[0].Dir = "" }},
		{"silver facts unknown", func(c *Config) { c.Silver.Facts = "bronze_nope" }},
		{"gold missing group_by", func(c *Config) { c.Gold.GroupBy = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := LoadConfig(writeConfig(t, validConfig))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConnectionString(t *testing.T) {
	d := DatabaseConfig{
		Host: "localhost", Port: 5432, Database: "warehouse",
		User: "pipeline", Password: "secret", SSLMode: "disable",
	}
	want := "host=localhost port=5432 dbname=warehouse user=pipeline password=secret sslmode=disable"
	if got := d.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
