// Package app builds the long-lived resources shared by every command.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"guidemag/internal/catalog"
	"guidemag/internal/config"
	"guidemag/internal/db"
	"guidemag/internal/filter"
	"guidemag/internal/logging"
	"guidemag/internal/matcher"
	"guidemag/internal/migrate"
	"guidemag/internal/observability"
	"guidemag/internal/output"
	"guidemag/internal/photometry"
	"guidemag/internal/pipeline"
	"guidemag/internal/runlog"
	"guidemag/internal/selector"
	"guidemag/internal/sky"
	"guidemag/internal/templates"
)

// Resources are built once per process and never mutated afterwards.
type Resources struct {
	Config    *config.Config
	Workspace string
	Log       logging.Logger
	Filters   *filter.Store
	Templates *templates.Library
	Index     sky.HEALPix
	Engine    photometry.Engine
	Matcher   matcher.Matcher
	Catalog   catalog.Catalog
	Selector  *selector.Selector
	Metrics   *observability.Collector
	Registry  *prometheus.Registry
	DB        *sql.DB
	RunLog    runlog.Log

	catalogDB *sql.DB
}

// Options override parts of Build.
type Options struct {
	Log logging.Logger
	// Catalog replaces the configured catalog driver.
	Catalog catalog.Catalog
}

// Build loads filters and templates, opens the workspace database and the
// configured catalog. Malformed filter or template data is fatal.
func Build(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*Resources, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}
	r := &Resources{Config: cfg, Workspace: workspace, Log: log}

	var err error
	if r.Filters, err = filter.NewStore(cfg.Filters, workspace); err != nil {
		return nil, err
	}
	if r.Templates, err = templates.Load(resolve(workspace, cfg.Templates.Path)); err != nil {
		return nil, err
	}
	if r.Index, err = sky.NewHEALPix(cfg.Tessellation.Order); err != nil {
		return nil, err
	}
	conv, err := photometry.ParseConvention(cfg.Pipeline.Convention)
	if err != nil {
		return nil, err
	}
	var engineOpts []photometry.Option
	if vega, ok := r.Templates.Vega(); ok {
		engineOpts = append(engineOpts, photometry.WithVega(vega))
	}
	if r.Engine, err = photometry.New(conv, engineOpts...); err != nil {
		return nil, err
	}
	r.Matcher = matcher.New(r.Templates)

	r.Registry = prometheus.NewRegistry()
	if r.Metrics, err = observability.NewCollector(r.Registry); err != nil {
		return nil, err
	}

	if r.DB, err = db.Open(db.Config{Workspace: workspace}); err != nil {
		return nil, err
	}
	if _, err := migrate.MigrateContext(ctx, r.DB); err != nil {
		r.Close()
		return nil, err
	}
	r.RunLog = runlog.New(r.DB)

	r.Catalog = opts.Catalog
	if r.Catalog == nil {
		if r.Catalog, err = r.openCatalog(); err != nil {
			r.Close()
			return nil, err
		}
	}
	r.Selector = selector.New(r.Index, r.Catalog, SelectorConfig(cfg),
		selector.WithLogger(log), selector.WithMetrics(r.Metrics))
	log.Debug(ctx, "resources ready",
		logging.Int("filters", len(r.Filters.Names())),
		logging.Int("templates", r.Templates.Len()),
		logging.Int("order", r.Index.Order()),
		logging.String("catalog", cfg.Catalog.Driver))
	return r, nil
}

func (r *Resources) openCatalog() (catalog.Catalog, error) {
	c := r.Config.Catalog
	filt := catalog.Filter{MaxMag: c.MaxMag, MagBand: c.MagBand}
	switch c.Driver {
	case config.DriverSQLite:
		local, err := catalog.NewSQLite(r.DB, r.Index)
		if err != nil {
			return nil, err
		}
		local.Filter = filt
		return local, nil
	case config.DriverPostgres:
		conn, err := catalog.OpenPostgres(c.DSN)
		if err != nil {
			return nil, err
		}
		r.catalogDB = conn
		return catalog.NewPostgres(conn, r.Index, catalog.PostgresConfig{
			Schema:        c.Schema,
			SourceTable:   c.SourceTable,
			SpectrumTable: c.SpectrumTable,
			ParamsTable:   c.ParamsTable,
			FluxUnit:      c.FluxUnit,
			Filter:        filt,
		})
	}
	return nil, fmt.Errorf("unknown catalog driver %q", c.Driver)
}

// SelectorConfig maps the catalog section onto selector settings.
func SelectorConfig(cfg *config.Config) selector.Config {
	return selector.Config{
		BatchSize:    cfg.Pipeline.BatchSize,
		QueryTimeout: cfg.Catalog.QueryTimeout,
		MaxRetries:   cfg.Catalog.MaxRetries,
		Backoff:      cfg.Catalog.Backoff,
		RateLimit:    cfg.Catalog.RateLimit,
		RateBurst:    cfg.Catalog.RateBurst,
	}
}

// Orchestrator returns a pipeline over the shared resources that records
// runs in the workspace.
func (r *Resources) Orchestrator() *pipeline.Orchestrator {
	return &pipeline.Orchestrator{
		Selector:    r.Selector,
		Matcher:     r.Matcher,
		Engine:      r.Engine,
		Concurrency: r.Config.Pipeline.Concurrency,
		Log:         r.Log,
		Metrics:     r.Metrics,
		Recorder:    r.RunLog,
	}
}

// Sink returns the S3 sink when one is configured, else a local directory
// sink under the workspace (or dir when set).
func (r *Resources) Sink(ctx context.Context, dir string) (output.Sink, error) {
	s3 := r.Config.Output.S3
	if s3.Enabled() {
		sink, err := output.NewS3(output.S3Config{
			Endpoint:  s3.Endpoint,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			AccessKey: os.Getenv(s3.AccessKeyEnv),
			SecretKey: os.Getenv(s3.SecretKeyEnv),
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := sink.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	}
	if dir == "" {
		dir = resolve(r.Workspace, r.Config.Output.Dir)
	}
	return output.Local{Dir: dir}, nil
}

// Close releases database handles.
func (r *Resources) Close() error {
	var errs []error
	if r.catalogDB != nil {
		errs = append(errs, r.catalogDB.Close())
	}
	if r.DB != nil {
		errs = append(errs, r.DB.Close())
	}
	return errors.Join(errs...)
}

func resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) || workspace == "" {
		return p
	}
	return filepath.Join(workspace, p)
}
