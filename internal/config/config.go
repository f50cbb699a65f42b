package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"guidemag/internal/filter"
	"guidemag/internal/output"
	"guidemag/internal/photometry"
	"guidemag/internal/sky"
	"guidemag/internal/spectrum"
)

// Catalog drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config models guidemag.yml.
type Config struct {
	Tessellation struct {
		Order int `yaml:"order"`
	} `yaml:"tessellation"`
	Pipeline  Pipeline `yaml:"pipeline"`
	Catalog   Catalog  `yaml:"catalog"`
	Templates struct {
		Path string `yaml:"path"`
	} `yaml:"templates"`
	Filters []filter.Spec `yaml:"filters"`
	Output  Output        `yaml:"output"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type Pipeline struct {
	Concurrency int    `yaml:"concurrency"`
	Convention  string `yaml:"convention"`
	BatchSize   int    `yaml:"batch_size"`
}

type Catalog struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	Schema        string        `yaml:"schema"`
	SourceTable   string        `yaml:"source_table"`
	SpectrumTable string        `yaml:"spectrum_table"`
	ParamsTable   string        `yaml:"params_table"`
	MaxMag        float64       `yaml:"max_mag"`
	MagBand       string        `yaml:"mag_band"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	Backoff       time.Duration `yaml:"backoff"`
	RateLimit     float64       `yaml:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst"`
	FluxUnit      string        `yaml:"flux_unit"`
}

type Output struct {
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
	// FluxUnit of reported fluxes; cgs and si are shorthands for
	// erg s-1 cm-2 AA-1 and W m-2 nm-1.
	FluxUnit string `yaml:"flux_unit"`
	S3       S3     `yaml:"s3"`
}

// S3 configures an object storage sink. Credentials are read from the named
// environment variables, never from the file.
type S3 struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// Enabled reports whether an S3 sink is configured.
func (s S3) Enabled() bool { return s.Endpoint != "" && s.Bucket != "" }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with guidemag init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := sky.NewHEALPix(c.Tessellation.Order); err != nil {
		return fmt.Errorf("config.tessellation.order: %w", err)
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("config.pipeline.concurrency must be positive")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("config.pipeline.batch_size must be positive")
	}
	if _, err := photometry.ParseConvention(c.Pipeline.Convention); err != nil {
		return fmt.Errorf("config.pipeline.convention: %w", err)
	}
	switch c.Catalog.Driver {
	case DriverPostgres:
		if c.Catalog.DSN == "" {
			return fmt.Errorf("config.catalog.dsn is required for driver postgres")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("config.catalog.driver must be postgres or sqlite, got %q", c.Catalog.Driver)
	}
	if c.Catalog.QueryTimeout < 0 || c.Catalog.Backoff < 0 {
		return fmt.Errorf("config.catalog timeouts must not be negative")
	}
	if c.Catalog.MaxRetries < 0 {
		return fmt.Errorf("config.catalog.max_retries must not be negative")
	}
	if c.Catalog.RateLimit < 0 {
		return fmt.Errorf("config.catalog.rate_limit must not be negative")
	}
	if c.Templates.Path == "" {
		return fmt.Errorf("config.templates.path is required")
	}
	if len(c.Filters) == 0 {
		return fmt.Errorf("config.filters needs at least one filter")
	}
	seen := make(map[string]struct{}, len(c.Filters))
	for i, f := range c.Filters {
		if f.Name == "" {
			return fmt.Errorf("config.filters[%d].name is required", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("config.filters has duplicate filter %s", f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Path == "" {
			return fmt.Errorf("filter %s has no path", f.Name)
		}
		if f.ZeroPoint.System != "" {
			if err := f.ZeroPoint.Validate(); err != nil {
				return fmt.Errorf("filter %s: %w", f.Name, err)
			}
		}
	}
	switch c.Output.Format {
	case output.FormatTable, output.FormatCSV, output.FormatMarkdown, output.FormatJSON, output.FormatParquet:
	default:
		return fmt.Errorf("config.output.format %q is not one of table, csv, markdown, json, parquet", c.Output.Format)
	}
	if _, err := spectrum.FluxScale(c.Output.FluxUnit); err != nil {
		return fmt.Errorf("config.output.flux_unit: %w", err)
	}
	if _, err := spectrum.FluxScale(c.Catalog.FluxUnit); err != nil {
		return fmt.Errorf("config.catalog.flux_unit: %w", err)
	}
	if s := c.Output.S3; s.Endpoint != "" || s.Bucket != "" {
		if !s.Enabled() {
			return fmt.Errorf("config.output.s3 needs both endpoint and bucket")
		}
		if s.AccessKeyEnv == "" || s.SecretKeyEnv == "" {
			return fmt.Errorf("config.output.s3 needs access_key_env and secret_key_env")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "guidemag.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the config file does not exist.
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
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// filters replace the defaults rather than merging by index
	cfg.Filters = nil
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

const defaultTemplate = `tessellation:
  order: 8

pipeline:
  concurrency: 8
  convention: photon
  batch_size: 16

catalog:
  driver: sqlite
  schema: catalogdb
  source_table: gaia_dr3_source
  spectrum_table: gaia_dr3_xp_sampled_mean_spectrum
  params_table: gaia_dr3_astrophysical_parameters
  max_mag: 18
  mag_band: g
  query_timeout: 30s
  max_retries: 3
  backoff: 500ms
  rate_limit: 10
  rate_burst: 5
  flux_unit: si

templates:
  path: templates/library.yml

filters:
  - name: guider
    path: filters/guider.dat
    wave_unit: nm
    columns: [wavelength, optimistic, pessimistic]
    select: mean
    zero_point:
      system: ab

output:
  format: table
  dir: out
  flux_unit: cgs

log:
  level: info
  format: text
`
