package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"guidemag/internal/app"
	"guidemag/internal/catalog"
	"guidemag/internal/config"
	"guidemag/internal/db"
	"guidemag/internal/filter"
	"guidemag/internal/ingest"
	"guidemag/internal/logging"
	"guidemag/internal/migrate"
	"guidemag/internal/output"
	"guidemag/internal/repo"
	"guidemag/internal/selector"
	"guidemag/internal/sky"
	"guidemag/internal/survey"
)

var rootCmd = &cobra.Command{
	Use:   "guidemag",
	Short: "Synthetic guide star magnitudes",
	Long: `guidemag computes synthetic magnitudes of catalog stars through guider camera passbands.
- Region: a cone (--ra, --dec, --radius) or explicit HEALPix cells (--cells) at the configured order.
- Spectra: a star's measured spectrum when it has one, else the nearest template from the library.
- Quality: every star gets one of measured-spectrum, template-match, extrapolated or unavailable.
- Workspace: guidemag.yml plus a .guidemag directory holding the run log and the local catalog.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GUIDEMAG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "config file (default <workspace>/guidemag.yml)")
	flags.Bool("json", false, "output JSON")
	flags.Int("order", 0, "HEALPix order (overrides tessellation.order)")
	flags.Int("concurrency", 0, "per-star workers (overrides pipeline.concurrency)")
	flags.String("convention", "", "integration convention: photon or energy")
	flags.Duration("query-timeout", 0, "catalog query timeout")
	flags.Float64("max-mag", 0, "drop catalog stars fainter than this G magnitude")
	flags.String("dsn", "", "catalog Postgres DSN (overrides catalog.dsn)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	for _, name := range []string{"workspace", "config", "json", "order", "concurrency", "convention",
		"query-timeout", "max-mag", "dsn", "log-level", "metrics-addr"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(automateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(filtersCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default guidemag.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func runCmd() *cobra.Command {
	var (
		ra, dec, radius float64
		cells           []int64
		filterName      string
		format          string
		outPath         string
		subResolution   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute synthetic magnitudes for a region",
		RunE: func(cmd *cobra.Command, args []string) error {
			var region selector.Region
			switch {
			case len(cells) > 0:
				region = selector.CellList(cells...)
			case cmd.Flags().Changed("ra") && cmd.Flags().Changed("dec"):
				region = selector.Cone(sky.Position{RA: ra, Dec: dec}, radius)
				region.AllowSubResolution = subResolution
			default:
				return fmt.Errorf("give either --ra/--dec/--radius or --cells")
			}
			return withResources(cmd.Context(), func(ctx context.Context, r *app.Resources) error {
				curve, err := pickFilter(r, filterName)
				if err != nil {
					return err
				}
				res, err := r.Orchestrator().Run(ctx, region, curve)
				if err != nil {
					return err
				}
				opts := outputOptions(r.Config, format)
				w := io.Writer(os.Stdout)
				if outPath != "" {
					f, err := os.Create(outPath)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				if err := output.Encode(w, res.Magnitudes, opts); err != nil {
					return err
				}
				r.Log.Info(ctx, "magnitudes written",
					logging.String("run_id", res.RunID),
					logging.Int("stars", len(res.Magnitudes)),
					logging.Int("cells", len(res.Cells)))
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&ra, "ra", 0, "cone centre right ascension (deg)")
	cmd.Flags().Float64Var(&dec, "dec", 0, "cone centre declination (deg)")
	cmd.Flags().Float64Var(&radius, "radius", 0.5, "cone radius (deg)")
	cmd.Flags().BoolVar(&subResolution, "allow-sub-resolution", false, "accept cones smaller than one cell")
	cmd.Flags().Int64SliceVar(&cells, "cells", nil, "explicit HEALPix cells at the configured order")
	cmd.Flags().StringVar(&filterName, "filter", "", "filter name (default: the first configured filter)")
	cmd.Flags().StringVar(&format, "format", "", "output format: table, csv, markdown, json, parquet")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func automateCmd() *cobra.Command {
	var (
		cells      []int64
		filterName string
		format     string
		dir        string
		workers    int
		overwrite  bool
		noProgress bool
	)
	cmd := &cobra.Command{
		Use:   "automate",
		Short: "Compute magnitudes cell by cell, one output file per cell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResources(cmd.Context(), func(ctx context.Context, r *app.Resources) error {
				curve, err := pickFilter(r, filterName)
				if err != nil {
					return err
				}
				sink, err := r.Sink(ctx, dir)
				if err != nil {
					return err
				}
				opts := outputOptions(r.Config, format)
				if format == "" && !viper.GetBool("json") {
					opts.Format = output.FormatParquet
				}
				total := int64(len(cells))
				if total == 0 {
					total = r.Index.NumCells()
				}
				pb := startBar("cells", total, noProgress)
				sum, err := survey.Run(ctx, r.Orchestrator(), sink, r.Index, curve, survey.Options{
					Cells:     cells,
					Workers:   workers,
					Overwrite: overwrite,
					Output:    opts,
					Log:       r.Log,
					OnCellDone: func(int64, string, error) {
						pb.Increment()
					},
				})
				pb.Stop(err != nil || len(sum.Failed) > 0)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(sum,
					table.Row{"Cells", sum.Cells},
					table.Row{"Written", sum.Written},
					table.Row{"Skipped", sum.Skipped},
					table.Row{"Failed", len(sum.Failed)},
					table.Row{"Stars", sum.Stars},
				); err != nil {
					return err
				}
				if len(sum.Failed) > 0 {
					return fmt.Errorf("%d cells failed; rerun to retry them", len(sum.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64SliceVar(&cells, "cells", nil, "only these cells (default: the whole sky)")
	cmd.Flags().StringVar(&filterName, "filter", "", "filter name (default: the first configured filter)")
	cmd.Flags().StringVar(&format, "format", "", "file format (default parquet)")
	cmd.Flags().StringVar(&dir, "out", "", "output directory (default output.dir)")
	cmd.Flags().IntVar(&workers, "workers", 4, "cells processed at once")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "recompute cells whose file already exists")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "hide the progress bar")
	return cmd
}

func ingestCmd() *cobra.Command {
	var (
		dir, pattern, schema, tableName string
		workers                         int
		noProgress                      bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Bulk-load magnitude parquet files into an existing Postgres table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tableName == "" {
				return fmt.Errorf("--table is required")
			}
			if cfg.Catalog.DSN == "" {
				return fmt.Errorf("no database DSN; set catalog.dsn or --dsn")
			}
			if dir == "" {
				dir = cfg.Output.Dir
				if !filepath.IsAbs(dir) {
					dir = filepath.Join(viper.GetString("workspace"), dir)
				}
			}
			files, err := ingest.Files(dir, pattern)
			if err != nil {
				return err
			}
			conn, err := catalog.OpenPostgres(cfg.Catalog.DSN)
			if err != nil {
				return err
			}
			defer conn.Close()
			log := newLogger(cfg)
			pb := startBar("files", int64(len(files)), noProgress)
			sum, err := ingest.Run(cmd.Context(), ingest.Postgres{DB: conn, Schema: schema, Table: tableName}, files, ingest.Options{
				Workers:    workers,
				Log:        log,
				OnFileDone: func(string, int64, error) { pb.Increment() },
			})
			pb.Stop(err != nil || len(sum.Failed) > 0)
			if err != nil {
				return err
			}
			return printJSONOrTable(sum,
				table.Row{"Files", sum.Files},
				table.Row{"Loaded", sum.Loaded},
				table.Row{"Rows", sum.Rows},
				table.Row{"Failed", len(sum.Failed)},
			)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory holding the files (default output.dir)")
	cmd.Flags().StringVar(&pattern, "pattern", "guidemag_*.parquet", "file name glob")
	cmd.Flags().StringVar(&schema, "schema", "public", "target schema")
	cmd.Flags().StringVar(&tableName, "table", "", "target table (must exist)")
	cmd.Flags().IntVar(&workers, "workers", 4, "files loaded at once")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "hide the progress bar")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect the run log"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Status", "Filter", "Region", "Stars"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, run.StartedAt, run.Status, run.Filter, run.Region, run.Stars})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (running, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var (
		magnitudes bool
		format     string
	)
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run, its events and optionally its magnitudes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("run %s not found", args[0])
					}
					return err
				}
				if !magnitudes {
					evts, err := r.ListEvents(ctx, run.ID)
					if err != nil {
						return err
					}
					rows := []table.Row{
						{"ID", run.ID},
						{"Status", run.Status},
						{"Region", run.Region},
						{"Filter", run.Filter},
						{"Order", run.Order},
						{"Convention", run.Convention},
						{"Started", run.StartedAt},
						{"Stars", run.Stars},
					}
					if run.FinishedAt != nil {
						rows = append(rows, table.Row{"Finished", *run.FinishedAt})
					}
					if run.Error != "" {
						rows = append(rows, table.Row{"Error", run.Error})
					}
					for _, e := range evts {
						rows = append(rows, table.Row{e.Type, e.TS})
					}
					return printJSONOrTable(map[string]any{"run": run, "events": evts}, rows...)
				}
				mags, err := r.ListMagnitudes(ctx, run.ID)
				if err != nil {
					return err
				}
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				return output.Encode(os.Stdout, mags, outputOptions(cfg, format))
			})
		},
	}
	cmd.Flags().BoolVar(&magnitudes, "magnitudes", false, "print the stored magnitudes instead of the run")
	cmd.Flags().StringVar(&format, "format", "", "magnitude output format")
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Manage the local star catalog"}
	cat.AddCommand(catalogImportCmd())
	return cat
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import JSON-lines stars into the workspace catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			idx, err := sky.NewHEALPix(cfg.Tessellation.Order)
			if err != nil {
				return err
			}
			in := io.Reader(os.Stdin)
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			stars, err := catalog.ReadJSONLines(in)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				local, err := catalog.NewSQLite(r.DB, idx)
				if err != nil {
					return err
				}
				n, err := local.Insert(ctx, stars)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"imported": n}, table.Row{"Imported", n})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON-lines file (default stdin)")
	return cmd
}

func filtersCmd() *cobra.Command {
	filters := &cobra.Command{Use: "filters", Short: "Inspect configured passbands"}
	filters.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResources(cmd.Context(), func(ctx context.Context, r *app.Resources) error {
				type row struct {
					Name      string  `json:"name"`
					Min       float64 `json:"min_wavelength"`
					Max       float64 `json:"max_wavelength"`
					System    string  `json:"system"`
					Available bool    `json:"available"`
				}
				var rows []row
				for _, name := range r.Filters.Names() {
					curve, err := r.Filters.Get(name)
					if err != nil {
						return err
					}
					lo, hi := curve.Support()
					rows = append(rows, row{
						Name: name, Min: lo, Max: hi,
						System:    string(curve.ZeroPoint().System),
						Available: r.Engine.Check(curve) == nil,
					})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "From (Å)", "To (Å)", "Zero point", "Usable"})
				for _, x := range rows {
					tw.AppendRow(table.Row{x.Name, x.Min, x.Max, x.System, x.Available})
				}
				tw.Render()
				return nil
			})
		},
	})
	return filters
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if viper.IsSet("order") && viper.GetInt("order") > 0 {
		cfg.Tessellation.Order = viper.GetInt("order")
	}
	if viper.GetInt("concurrency") > 0 {
		cfg.Pipeline.Concurrency = viper.GetInt("concurrency")
	}
	if v := viper.GetString("convention"); v != "" {
		cfg.Pipeline.Convention = v
	}
	if v := viper.GetDuration("query-timeout"); v > 0 {
		cfg.Catalog.QueryTimeout = v
	}
	if v := viper.GetFloat64("max-mag"); v > 0 {
		cfg.Catalog.MaxMag = v
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.Catalog.DSN = v
		cfg.Catalog.Driver = config.DriverPostgres
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logging.Logger {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func withResources(ctx context.Context, fn func(context.Context, *app.Resources) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, err := app.Build(ctx, viper.GetString("workspace"), cfg, app.Options{Log: newLogger(cfg)})
	if err != nil {
		return err
	}
	defer r.Close()
	if cfg.Metrics.Addr != "" {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := r.Metrics.Serve(mctx, cfg.Metrics.Addr); err != nil {
				r.Log.Error(ctx, "metrics server", logging.Err(err))
			}
		}()
	}
	return fn(ctx, r)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func pickFilter(r *app.Resources, name string) (*filter.Curve, error) {
	if name == "" {
		names := r.Filters.Names()
		if len(names) == 0 {
			return nil, fmt.Errorf("no filters configured")
		}
		name = r.Config.Filters[0].Name
	}
	return r.Filters.Get(name)
}

func outputOptions(cfg *config.Config, format string) output.Options {
	if format == "" {
		format = cfg.Output.Format
		if viper.GetBool("json") {
			format = output.FormatJSON
		}
	}
	return output.Options{Format: format, FluxUnit: cfg.Output.FluxUnit}
}

// printJSONOrTable prints v as JSON under --json, else rows as a two column
// table. Without rows it falls back to indented JSON.
func printJSONOrTable(v any, rows ...table.Row) error {
	if viper.GetBool("json") || len(rows) == 0 {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
