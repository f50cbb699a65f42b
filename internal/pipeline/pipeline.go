// Package pipeline runs selection, spectrum matching and synthetic photometry
// for one region and one filter.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"guidemag/internal/domain"
	"guidemag/internal/filter"
	"guidemag/internal/logging"
	"guidemag/internal/matcher"
	"guidemag/internal/observability"
	"guidemag/internal/photometry"
	"guidemag/internal/selector"
	"guidemag/internal/spectrum"
)

// Run statuses as recorded in the run log.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Recorder persists run bookkeeping. It is optional.
type Recorder interface {
	StartRun(ctx context.Context, run domain.Run) error
	FinishRun(ctx context.Context, run domain.Run, mags []domain.SyntheticMagnitude) error
}

// Result is the output of one run: one magnitude per candidate, in candidate order.
type Result struct {
	RunID      string
	Cells      []int64
	Magnitudes []domain.SyntheticMagnitude
	Counts     map[domain.Quality]int
}

// Orchestrator wires the pipeline stages. Its collaborators are read-only
// during a run, so one Orchestrator may serve concurrent runs.
type Orchestrator struct {
	Selector    *selector.Selector
	Matcher     matcher.Matcher
	Engine      photometry.Engine
	Concurrency int

	Log      logging.Logger
	Metrics  *observability.Collector
	Recorder Recorder
	Now      func() time.Time
	NewID    func() string
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Orchestrator) newID() string {
	if o.NewID == nil {
		return uuid.NewString()
	}
	return o.NewID()
}

// Run selects the cells of region and computes magnitudes through curve.
// Invalid input and catalog failures are fatal; per-star gaps are flagged.
func (o *Orchestrator) Run(ctx context.Context, region selector.Region, curve *filter.Curve) (Result, error) {
	if err := o.Engine.Check(curve); err != nil {
		return Result{}, err
	}
	cells, err := o.Selector.Select(region)
	if err != nil {
		return Result{}, err
	}
	return o.run(ctx, region.String(), cells, curve)
}

// RunCells is Run over an explicit, already validated cell set.
func (o *Orchestrator) RunCells(ctx context.Context, cells []int64, curve *filter.Curve) (Result, error) {
	return o.Run(ctx, selector.CellList(cells...), curve)
}

func (o *Orchestrator) run(ctx context.Context, region string, cells []int64, curve *filter.Curve) (Result, error) {
	started := o.now()
	id := o.newID()
	ctx, log := logging.WithRunLogger(ctx, o.Log, id)
	run := domain.Run{
		ID:         id,
		Region:     region,
		Filter:     curve.Name(),
		Order:      o.Selector.Indexer().Order(),
		Convention: string(o.Engine.Convention()),
		Status:     StatusRunning,
		StartedAt:  started.UTC().Format(time.RFC3339),
	}
	if o.Recorder != nil {
		if err := o.Recorder.StartRun(ctx, run); err != nil {
			return Result{}, fmt.Errorf("record run start: %w", err)
		}
	}
	log.Info(ctx, "run started", logging.String("region", region), logging.String("filter", curve.Name()), logging.Int("cells", len(cells)))

	res, err := o.execute(ctx, cells, curve)
	res.RunID = id
	res.Cells = cells

	finished := o.now()
	fin := finished.UTC().Format(time.RFC3339)
	run.FinishedAt = &fin
	run.Stars = len(res.Magnitudes)
	run.Counts = make(map[string]int, len(res.Counts))
	for q, n := range res.Counts {
		run.Counts[string(q)] = n
	}
	run.Status = StatusCompleted
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	}
	o.Metrics.ObserveRun(run.Status, finished.Sub(started), len(cells))
	if o.Recorder != nil {
		// finish with a fresh context so cancellation still lands in the log
		if rerr := o.Recorder.FinishRun(context.WithoutCancel(ctx), run, res.Magnitudes); rerr != nil {
			log.Error(ctx, "record run finish", logging.Err(rerr))
			if err == nil {
				err = fmt.Errorf("record run finish: %w", rerr)
			}
		}
	}
	if err != nil {
		log.Error(ctx, "run failed", logging.Err(err))
		return Result{RunID: id, Cells: cells}, err
	}
	log.Info(ctx, "run completed", logging.Int("stars", run.Stars), logging.Any("counts", run.Counts))
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, cells []int64, curve *filter.Curve) (Result, error) {
	// enumerate everything first: a catalog failure fails the run before any
	// per-star work is reported
	var stars []domain.CatalogStar
	for star, err := range o.Selector.Candidates(ctx, cells) {
		if err != nil {
			return Result{}, err
		}
		stars = append(stars, star)
	}

	mags := make([]domain.SyntheticMagnitude, len(stars))
	if err := o.forEach(ctx, len(stars), func(i int) {
		mags[i] = o.measure(stars[i], curve)
	}); err != nil {
		return Result{}, err
	}

	counts := make(map[domain.Quality]int)
	for _, m := range mags {
		counts[m.Quality]++
		o.Metrics.ObserveMagnitude(string(m.Quality))
	}
	return Result{Magnitudes: mags, Counts: counts}, nil
}

// forEach runs fn over [0, n) on at most Concurrency goroutines.
func (o *Orchestrator) forEach(ctx context.Context, n int, fn func(i int)) error {
	workers := o.Concurrency
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			fn(i)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// measure never fails: problems become quality flags.
func (o *Orchestrator) measure(star domain.CatalogStar, curve *filter.Curve) domain.SyntheticMagnitude {
	out := domain.SyntheticMagnitude{
		SourceID: star.SourceID,
		RA:       star.RA,
		Dec:      star.Dec,
		Filter:   curve.Name(),
	}
	res, quality := o.Matcher.Resolve(star)
	if tpl, ok := res.(spectrum.Template); ok {
		out.Template = tpl.TemplateID
	}
	phot := o.Engine.Measure(res, curve)
	out.Quality = CombineQuality(quality, phot.Status)
	if out.Quality == domain.QualityUnavailable {
		return out
	}
	mag, flux := phot.Magnitude, phot.Flux
	out.Magnitude = &mag
	out.Flux = &flux
	out.MagnitudeVega = phot.Vega
	out.Uncertainty = phot.Uncertainty
	return out
}

// CombineQuality merges the matcher's quality with the engine status:
// unavailable always wins, then extrapolated.
func CombineQuality(q domain.Quality, status photometry.Status) domain.Quality {
	switch {
	case q == domain.QualityUnavailable || status == photometry.Unavailable:
		return domain.QualityUnavailable
	case status == photometry.Extrapolated:
		return domain.QualityExtrapolated
	}
	return q
}
