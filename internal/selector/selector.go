// Package selector turns a sky region into spatial cells and streams the
// catalog stars in those cells.
package selector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"guidemag/internal/catalog"
	"guidemag/internal/domain"
	"guidemag/internal/logging"
	"guidemag/internal/observability"
	"guidemag/internal/sky"
)

var (
	// ErrEmptyRegion is returned for regions that select no cells.
	ErrEmptyRegion = errors.New("empty region")
	// ErrRetriesExhausted is returned once a transient catalog failure
	// persists past the retry limit.
	ErrRetriesExhausted = errors.New("catalog retries exhausted")
)

// Region is either a cone (Center, Radius in degrees) or an explicit cell list.
type Region struct {
	Center *sky.Position
	Radius float64
	Cells  []int64
	// AllowSubResolution accepts cones smaller than one cell.
	AllowSubResolution bool
}

// Cone is a region of radius degrees around center.
func Cone(center sky.Position, radius float64) Region {
	return Region{Center: &center, Radius: radius}
}

// CellList is a region made of explicit cells at the selector's order.
func CellList(cells ...int64) Region {
	return Region{Cells: append([]int64(nil), cells...)}
}

func (r Region) String() string {
	if r.Center != nil {
		return fmt.Sprintf("cone %s r=%g", r.Center, r.Radius)
	}
	parts := make([]string, 0, len(r.Cells))
	for _, c := range r.Cells {
		parts = append(parts, fmt.Sprint(c))
	}
	return "cells " + strings.Join(parts, ",")
}

// Config controls catalog access.
type Config struct {
	BatchSize    int
	QueryTimeout time.Duration
	MaxRetries   int
	Backoff      time.Duration
	// RateLimit is queries per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig mirrors the defaults of the configuration file.
func DefaultConfig() Config {
	return Config{
		BatchSize:    16,
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		Backoff:      500 * time.Millisecond,
		RateLimit:    10,
		RateBurst:    5,
	}
}

// Selector is safe for concurrent use.
type Selector struct {
	idx     sky.CellIndexer
	cat     catalog.Catalog
	cfg     Config
	limiter *rate.Limiter
	log     logging.Logger
	metrics *observability.Collector
	sleep   func(context.Context, time.Duration) error
}

// Option configures a Selector.
type Option func(*Selector)

func WithLogger(l logging.Logger) Option { return func(s *Selector) { s.log = l } }

func WithMetrics(c *observability.Collector) Option { return func(s *Selector) { s.metrics = c } }

func New(idx sky.CellIndexer, cat catalog.Catalog, cfg Config, opts ...Option) *Selector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	s := &Selector{idx: idx, cat: cat, cfg: cfg, log: logging.Noop(), sleep: sleepContext}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Selector) Indexer() sky.CellIndexer { return s.idx }

// Select returns the sorted cells covering region. Cones over-cover: every
// cell that may intersect the disc is included.
func (s *Selector) Select(region Region) ([]int64, error) {
	if region.Center != nil {
		if err := region.Center.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmptyRegion, err)
		}
		r := region.Radius
		if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
			return nil, fmt.Errorf("%w: radius %v", ErrEmptyRegion, r)
		}
		if r < s.idx.Resolution() && !region.AllowSubResolution {
			return nil, fmt.Errorf("%w: radius %g° below cell resolution %g°", ErrEmptyRegion, r, s.idx.Resolution())
		}
		cells := s.idx.Cover(*region.Center, r)
		if len(cells) == 0 {
			return nil, ErrEmptyRegion
		}
		return cells, nil
	}
	if len(region.Cells) == 0 {
		return nil, fmt.Errorf("%w: no cells", ErrEmptyRegion)
	}
	seen := make(map[int64]struct{}, len(region.Cells))
	cells := make([]int64, 0, len(region.Cells))
	for _, c := range region.Cells {
		if c < 0 || c >= s.idx.NumCells() {
			return nil, fmt.Errorf("%w: cell %d out of range at order %d", ErrEmptyRegion, c, s.idx.Order())
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		cells = append(cells, c)
	}
	slices.Sort(cells)
	return cells, nil
}

// Candidates lazily yields the stars of cells, querying the catalog one batch
// at a time. Iteration stops at the first error, which is yielded once.
func (s *Selector) Candidates(ctx context.Context, cells []int64) iter.Seq2[domain.CatalogStar, error] {
	return func(yield func(domain.CatalogStar, error) bool) {
		for start := 0; start < len(cells); start += s.cfg.BatchSize {
			end := min(start+s.cfg.BatchSize, len(cells))
			stars, err := s.query(ctx, cells[start:end])
			if err != nil {
				yield(domain.CatalogStar{}, err)
				return
			}
			for _, star := range stars {
				if !yield(star, nil) {
					return
				}
			}
		}
	}
}

// query runs one batch with rate limiting, a per-attempt timeout and
// exponential backoff on transient failures.
func (s *Selector) query(ctx context.Context, batch []int64) ([]domain.CatalogStar, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * s.cfg.Backoff
			if err := s.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		start := time.Now()
		stars, err := s.attempt(ctx, batch)
		if err == nil {
			s.metrics.ObserveQuery(time.Since(start), observability.OutcomeOK)
			return stars, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.metrics.ObserveQuery(time.Since(start), observability.OutcomeError)
			return nil, ctxErr
		}
		err = catalog.Classify(err)
		if !catalog.IsRetryable(err) {
			s.metrics.ObserveQuery(time.Since(start), observability.OutcomeError)
			return nil, fmt.Errorf("catalog query for %d cells: %w", len(batch), err)
		}
		s.metrics.ObserveQuery(time.Since(start), observability.OutcomeRetry)
		s.log.Warn(ctx, "catalog query failed, retrying",
			logging.Int("attempt", attempt+1),
			logging.Int("cells", len(batch)),
			logging.Err(err))
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.cfg.MaxRetries+1, lastErr)
}

func (s *Selector) attempt(ctx context.Context, batch []int64) ([]domain.CatalogStar, error) {
	if s.cfg.QueryTimeout <= 0 {
		return s.cat.Query(ctx, batch)
	}
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return s.cat.Query(qctx, batch)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
