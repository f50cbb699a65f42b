// Package ingest bulk-loads magnitude files into a Postgres table.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lib/pq"

	"guidemag/internal/logging"
	"guidemag/internal/output"
)

// Loader stores one file's records.
type Loader interface {
	Load(ctx context.Context, recs []output.Record) (int64, error)
}

// Postgres loads records with COPY into an existing table whose columns are
// named after output.Columns.
type Postgres struct {
	DB     *sql.DB
	Schema string
	Table  string
}

func (p Postgres) Load(ctx context.Context, recs []output.Record) (int64, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	schema := p.Schema
	if schema == "" {
		schema = "public"
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(schema, p.Table, output.Columns...))
	if err != nil {
		return 0, fmt.Errorf("copy into %s.%s: %w", schema, p.Table, err)
	}
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, Values(r)...); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy row %d: %w", r.SourceID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("copy flush: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// Values returns r's fields in output.Columns order, with SQL NULL for
// missing values.
func Values(r output.Record) []any {
	return []any{
		r.SourceID,
		r.RA,
		r.Dec,
		r.Filter,
		nullFloat(r.Magnitude),
		nullFloat(r.MagnitudeVega),
		nullFloat(r.Flux),
		nullFloat(r.Uncertainty),
		r.Quality,
		nullString(r.Template),
	}
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Files lists the parquet files under dir that match pattern (a
// filepath.Match glob, "*.parquet" when empty), sorted by name.
func Files(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*.parquet"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Options configure a bulk load.
type Options struct {
	Workers int
	Log     logging.Logger
	// Read decodes one file; output.ReadParquetFile when nil.
	Read func(path string) ([]output.Record, error)
	// OnFileDone is called after every file, loaded or not, possibly from
	// several goroutines at once.
	OnFileDone func(path string, rows int64, err error)
}

// Summary reports a bulk load.
type Summary struct {
	Files  int      `json:"files"`
	Loaded int      `json:"loaded"`
	Rows   int64    `json:"rows"`
	Failed []string `json:"failed"`
}

// Run loads files on at most opts.Workers goroutines. A file that fails to
// read or load is logged and skipped; only cancellation stops the run.
func Run(ctx context.Context, loader Loader, files []string, opts Options) (Summary, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	read := opts.Read
	if read == nil {
		read = output.ReadParquetFile
	}
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}

	sum := Summary{Files: len(files)}
	var mu sync.Mutex
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, path := range files {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return sum, ctx.Err()
		}
		wg.Add(1)
		go func(path string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			rows, err := loadFile(ctx, loader, read, path)
			mu.Lock()
			if err != nil {
				sum.Failed = append(sum.Failed, path)
			} else {
				sum.Loaded++
				sum.Rows += rows
			}
			mu.Unlock()
			if err != nil {
				log.Warn(ctx, "ingest file failed", logging.String("file", path), logging.Err(err))
			} else {
				log.Debug(ctx, "ingested file", logging.String("file", path), logging.Int64("rows", rows))
			}
			if opts.OnFileDone != nil {
				opts.OnFileDone(path, rows, err)
			}
		}(path)
	}
	wg.Wait()
	sort.Strings(sum.Failed)
	return sum, ctx.Err()
}

func loadFile(ctx context.Context, loader Loader, read func(string) ([]output.Record, error), path string) (int64, error) {
	recs, err := read(path)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return loader.Load(ctx, recs)
}
