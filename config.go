package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/covergrid/premium-pipeline/metrics"
)

// Config represents the service configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Evolution EvolutionConfig `yaml:"schema_evolution"`
	Sources   []SourceConfig  `yaml:"sources"`
	Silver    SilverConfig    `yaml:"silver"`
	Gold      GoldConfig      `yaml:"gold"`
	Metrics   metrics.Config  `yaml:"metrics"`
}

// ServiceConfig holds service-level settings
type ServiceConfig struct {
	Name                string `yaml:"name"`
	HealthPort          string `yaml:"health_port"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	CronSchedule        string `yaml:"cron_schedule"`
	WatchLanding        bool   `yaml:"watch_landing"`
	WatchDebounceMillis int    `yaml:"watch_debounce_millis"`
	LogLevel            string `yaml:"log_level"`
}

// WarehouseConfig selects and configures the table store engine
type WarehouseConfig struct {
	Engine   string         `yaml:"engine"` // "duckdb" or "postgres"
	Path     string         `yaml:"path"`   // duckdb database file
	Postgres DatabaseConfig `yaml:"postgres"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// EvolutionConfig holds schema evolution settings
type EvolutionConfig struct {
	AllowNewColumns bool `yaml:"allow_new_columns"`
	WidenToText     bool `yaml:"widen_to_text"`
}

// SourceConfig declares one landing-zone source and its bronze table
type SourceConfig struct {
	Name  string `yaml:"name"`
	Table string `yaml:"table"`
	Dir   string `yaml:"dir"`
}

// ConstraintConfig declares one data quality expectation
type ConstraintConfig struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Policy string `yaml:"policy"` // "drop", "warn" or "fail"
}

// SilverConfig configures the join/enrich/gate step
type SilverConfig struct {
	Table            string             `yaml:"table"`
	Facts            string             `yaml:"facts_table"`
	Dimension        string             `yaml:"dimension_table"`
	JoinKey          string             `yaml:"join_key"`
	DimensionColumns []string           `yaml:"dimension_columns"`
	DOBColumn        string             `yaml:"dob_column"`
	AgeColumn        string             `yaml:"age_column"`
	Constraints      []ConstraintConfig `yaml:"constraints"`
}

// GoldConfig configures the aggregate step
type GoldConfig struct {
	Table       string `yaml:"table"`
	Source      string `yaml:"source_table"`
	GroupBy     string `yaml:"group_by"`
	AverageOf   string `yaml:"average_of"`
	AvgColumn   string `yaml:"average_column"`
	CountColumn string `yaml:"count_column"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "premium-pipeline"
	}
	if c.Service.HealthPort == "" {
		c.Service.HealthPort = "8080"
	}
	if c.Service.PollIntervalSeconds == 0 {
		c.Service.PollIntervalSeconds = 10
	}
	if c.Service.WatchDebounceMillis == 0 {
		c.Service.WatchDebounceMillis = 500
	}
	if c.Warehouse.Engine == "" {
		c.Warehouse.Engine = "duckdb"
	}
	if c.Warehouse.Path == "" {
		c.Warehouse.Path = "warehouse.duckdb"
	}
	if c.Silver.JoinKey == "" {
		c.Silver.JoinKey = "territory"
	}
	if c.Gold.AvgColumn == "" {
		c.Gold.AvgColumn = "average_premium"
	}
	if c.Gold.CountColumn == "" {
		c.Gold.CountColumn = "number_of_customers"
	}
	c.Metrics.ApplyDefaults()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Service.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll_interval_seconds must be at least 1")
	}

	switch c.Warehouse.Engine {
	case "duckdb", "postgres":
	default:
		return fmt.Errorf("warehouse engine must be duckdb or postgres, got %q", c.Warehouse.Engine)
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	tables := make(map[string]bool)
	for i, s := range c.Sources {
		if s.Name == "" || s.Table == "" || s.Dir == "" {
			return fmt.Errorf("source %d: name, table and dir are all required", i)
		}
		if tables[s.Table] {
			return fmt.Errorf("source %s: table %s declared twice", s.Name, s.Table)
		}
		tables[s.Table] = true
	}

	if c.Silver.Table != "" {
		if !tables[c.Silver.Facts] {
			return fmt.Errorf("silver facts_table %q is not produced by any source", c.Silver.Facts)
		}
		if !tables[c.Silver.Dimension] {
			return fmt.Errorf("silver dimension_table %q is not produced by any source", c.Silver.Dimension)
		}
	}

	if c.Gold.Table != "" {
		if c.Gold.Source == "" || c.Gold.GroupBy == "" || c.Gold.AverageOf == "" {
			return fmt.Errorf("gold requires source_table, group_by and average_of")
		}
	}

	return nil
}

// PollInterval returns the poll interval as a Duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Service.PollIntervalSeconds) * time.Second
}

// WatchDebounce returns the landing watch debounce as a Duration
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Service.WatchDebounceMillis) * time.Millisecond
}

// ConnectionString builds a PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, d.SSLMode,
	)
}
