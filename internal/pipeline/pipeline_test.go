package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidemag/internal/catalog"
	"guidemag/internal/domain"
	"guidemag/internal/filter"
	"guidemag/internal/matcher"
	"guidemag/internal/observability"
	"guidemag/internal/photometry"
	"guidemag/internal/selector"
	"guidemag/internal/sky"
	"guidemag/internal/spectrum"
	"guidemag/internal/templates"
)

func f(v float64) *float64 { return &v }

var field = sky.Position{RA: 10, Dec: 20}

type env struct {
	idx   sky.HEALPix
	curve *filter.Curve
	lib   *templates.Library
}

func newEnv(t *testing.T) env {
	t.Helper()
	idx, err := sky.NewHEALPix(8)
	require.NoError(t, err)

	wave := spectrum.UniformGrid(4000, 7000, 10)
	trans := make([]float64, len(wave))
	for i := range trans {
		trans[i] = 1
	}
	curve, err := filter.NewCurve("guider", wave, trans, filter.ZeroPoint{System: filter.SystemAB})
	require.NoError(t, err)

	sed := func(a, b float64) spectrum.SED {
		s, err := spectrum.New([]float64{3000, 11000}, []float64{a, b})
		require.NoError(t, err)
		return s
	}
	lib, err := templates.New([]templates.Template{
		{ID: "k5v", Teff: f(4400), FeH: f(0), Logg: f(4.6), Color: f(1.45), SED: sed(1e-15, 5e-15)},
		{ID: "g2v", Teff: f(5800), FeH: f(0), Logg: f(4.4), Color: f(0.82), SED: sed(4e-15, 3e-15)},
	}, templates.Options{ColorBands: [2]string{catalog.BandBP, catalog.BandRP}})
	require.NoError(t, err)
	return env{idx: idx, curve: curve, lib: lib}
}

func (e env) orchestrator(t *testing.T, cat catalog.Catalog, cfg selector.Config) *Orchestrator {
	t.Helper()
	eng, err := photometry.New(photometry.Photon)
	require.NoError(t, err)
	return &Orchestrator{
		Selector:    selector.New(e.idx, cat, cfg),
		Matcher:     matcher.New(e.lib),
		Engine:      eng,
		Concurrency: 4,
	}
}

func (e env) memory(stars ...domain.CatalogStar) *catalog.Memory {
	return &catalog.Memory{
		Stars:  stars,
		CellOf: func(s domain.CatalogStar) int64 { return e.idx.CellOf(sky.Position{RA: s.RA, Dec: s.Dec}) },
	}
}

func fastConfig() selector.Config {
	return selector.Config{BatchSize: 4, QueryTimeout: time.Second, MaxRetries: 2, Backoff: time.Millisecond}
}

func TestColorProxyStarGetsTemplateMagnitude(t *testing.T) {
	e := newEnv(t)
	cat := e.memory(domain.CatalogStar{
		SourceID: 42, RA: 10.05, Dec: 20.05,
		Magnitudes: map[string]domain.BandMagnitude{catalog.BandBP: {Value: 12.9}, catalog.BandRP: {Value: 11.4}},
	})
	o := e.orchestrator(t, cat, fastConfig())

	res, err := o.Run(context.Background(), selector.Cone(field, 0.5), e.curve)
	require.NoError(t, err)
	require.Len(t, res.Magnitudes, 1)
	m := res.Magnitudes[0]
	assert.Equal(t, int64(42), m.SourceID)
	assert.Equal(t, domain.QualityTemplate, m.Quality)
	assert.Equal(t, "k5v", m.Template)
	require.NotNil(t, m.Magnitude)
	assert.False(t, math.IsNaN(*m.Magnitude))
	assert.Nil(t, m.Uncertainty)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.Counts[domain.QualityTemplate])
}

func TestMeasuredSpectrumMatchesReferenceMagnitude(t *testing.T) {
	e := newEnv(t)
	cat := e.memory(domain.CatalogStar{
		SourceID: 7, RA: 10.01, Dec: -5.01,
		Spectrum: &domain.MeasuredSpectrum{
			Wavelength: []float64{3000, 6000, 9000},
			Flux:       []float64{1e-14, 1e-14, 1e-14},
		},
	})
	o := e.orchestrator(t, cat, fastConfig())

	res, err := o.Run(context.Background(), selector.Cone(sky.Position{RA: 10, Dec: -5}, 0.5), e.curve)
	require.NoError(t, err)
	require.Len(t, res.Magnitudes, 1)
	m := res.Magnitudes[0]
	assert.Equal(t, domain.QualityMeasured, m.Quality)
	require.NotNil(t, m.Magnitude)

	// photon-weighted AB flux through a 4000-7000 Å boxcar, in closed form
	c := 3631e-23 * 2.99792458e18
	ab := c * math.Log(7000.0/4000.0) / ((7000.0*7000.0 - 4000.0*4000.0) / 2)
	want := -2.5 * math.Log10(1e-14/ab)
	assert.InDelta(t, want, *m.Magnitude, 1e-4)
	assert.InDelta(t, 13.918, *m.Magnitude, 1e-3)
}

func TestQualitiesAndCandidateOrder(t *testing.T) {
	e := newEnv(t)
	partial := &domain.MeasuredSpectrum{
		Wavelength: []float64{5000, 6000, 9000},
		Flux:       []float64{1e-15, 1e-15, 1e-15},
		FluxError:  []float64{1e-17, 1e-17, 1e-17},
	}
	full := &domain.MeasuredSpectrum{
		Wavelength: []float64{3000, 6000, 9000},
		Flux:       []float64{1e-15, 1e-15, 1e-15},
		FluxError:  []float64{1e-17, 1e-17, 1e-17},
	}
	var stars []domain.CatalogStar
	for i := 1; i <= 40; i++ {
		s := domain.CatalogStar{SourceID: int64(i), RA: 10 + float64(i%5)*0.02, Dec: 20 + float64(i%7)*0.02}
		switch i % 4 {
		case 0:
			s.Spectrum = full
		case 1:
			s.Spectrum = partial
		case 2:
			s.Params = &domain.StellarParams{Teff: f(5700), FeH: f(0), Logg: f(4.4)}
		}
		stars = append(stars, s)
	}
	cat := e.memory(stars...)
	o := e.orchestrator(t, cat, fastConfig())

	res, err := o.Run(context.Background(), selector.Cone(field, 0.5), e.curve)
	require.NoError(t, err)
	require.Len(t, res.Magnitudes, len(stars))

	expected, err := cat.Query(context.Background(), mustSelect(t, o, selector.Cone(field, 0.5)))
	require.NoError(t, err)
	for i, m := range res.Magnitudes {
		assert.Equal(t, expected[i].SourceID, m.SourceID, "candidate order")
		switch m.SourceID % 4 {
		case 0:
			assert.Equal(t, domain.QualityMeasured, m.Quality)
			require.NotNil(t, m.Uncertainty)
		case 1:
			assert.Equal(t, domain.QualityExtrapolated, m.Quality)
			require.NotNil(t, m.Magnitude)
		case 2:
			assert.Equal(t, domain.QualityTemplate, m.Quality)
			assert.Equal(t, "g2v", m.Template)
		case 3:
			assert.Equal(t, domain.QualityUnavailable, m.Quality)
			assert.Nil(t, m.Magnitude)
			assert.Nil(t, m.Flux)
		}
	}
	assert.Equal(t, 10, res.Counts[domain.QualityUnavailable])
}

func mustSelect(t *testing.T, o *Orchestrator, r selector.Region) []int64 {
	t.Helper()
	cells, err := o.Selector.Select(r)
	require.NoError(t, err)
	return cells
}

// stallingCatalog times out on the batch containing stall and serves the rest.
type stallingCatalog struct {
	inner *catalog.Memory
	stall int64
	hits  atomic.Int32
}

func (c *stallingCatalog) Query(ctx context.Context, cells []int64) ([]domain.CatalogStar, error) {
	for _, cell := range cells {
		if cell == c.stall {
			c.hits.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	return c.inner.Query(ctx, cells)
}

type memRecorder struct {
	mu       sync.Mutex
	started  []domain.Run
	finished []domain.Run
}

func (r *memRecorder) StartRun(_ context.Context, run domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, run)
	return nil
}

func (r *memRecorder) FinishRun(_ context.Context, run domain.Run, _ []domain.SyntheticMagnitude) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, run)
	return nil
}

func TestPersistentTimeoutFailsTheRun(t *testing.T) {
	e := newEnv(t)
	cells := e.idx.Cover(field, 0.5)
	require.Greater(t, len(cells), 4)
	cat := &stallingCatalog{
		inner: e.memory(domain.CatalogStar{SourceID: 1, RA: 10, Dec: 20}),
		stall: cells[len(cells)-1],
	}
	cfg := fastConfig()
	cfg.QueryTimeout = 5 * time.Millisecond
	o := e.orchestrator(t, cat, cfg)
	rec := &memRecorder{}
	o.Recorder = rec
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewCollector(reg)
	require.NoError(t, err)
	o.Metrics = metrics

	res, err := o.Run(context.Background(), selector.Cone(field, 0.5), e.curve)
	require.Error(t, err)
	assert.True(t, errors.Is(err, selector.ErrRetriesExhausted))
	assert.Empty(t, res.Magnitudes)
	assert.Equal(t, int32(cfg.MaxRetries+1), cat.hits.Load())

	require.Len(t, rec.finished, 1)
	assert.Equal(t, StatusFailed, rec.finished[0].Status)
	assert.NotEmpty(t, rec.finished[0].Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues(StatusFailed)))
}

func TestInputErrorsAreFatalBeforeQuerying(t *testing.T) {
	e := newEnv(t)
	var queried atomic.Bool
	cat := catalogFunc(func(context.Context, []int64) ([]domain.CatalogStar, error) {
		queried.Store(true)
		return nil, nil
	})
	o := e.orchestrator(t, cat, fastConfig())

	_, err := o.Run(context.Background(), selector.Cone(field, 0), e.curve)
	assert.ErrorIs(t, err, selector.ErrEmptyRegion)

	vegaCurve, err := filter.NewCurve("v", []float64{4000, 5000}, []float64{1, 1}, filter.ZeroPoint{System: filter.SystemVega})
	require.NoError(t, err)
	_, err = o.Run(context.Background(), selector.Cone(field, 0.5), vegaCurve)
	assert.Error(t, err)
	assert.False(t, queried.Load())
}

func TestRunIsDeterministic(t *testing.T) {
	e := newEnv(t)
	var stars []domain.CatalogStar
	for i := 1; i <= 25; i++ {
		stars = append(stars, domain.CatalogStar{
			SourceID: int64(i), RA: 10 + float64(i)*0.01, Dec: 20,
			Magnitudes: map[string]domain.BandMagnitude{catalog.BandBP: {Value: 10 + float64(i)*0.05}, catalog.BandRP: {Value: 9.5}},
		})
	}
	o := e.orchestrator(t, e.memory(stars...), fastConfig())
	a, err := o.RunCells(context.Background(), mustSelect(t, o, selector.Cone(field, 0.5)), e.curve)
	require.NoError(t, err)
	b, err := o.RunCells(context.Background(), mustSelect(t, o, selector.Cone(field, 0.5)), e.curve)
	require.NoError(t, err)
	assert.Equal(t, a.Magnitudes, b.Magnitudes)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestCombineQuality(t *testing.T) {
	assert.Equal(t, domain.QualityExtrapolated, CombineQuality(domain.QualityTemplate, photometry.Extrapolated))
	assert.Equal(t, domain.QualityExtrapolated, CombineQuality(domain.QualityMeasured, photometry.Extrapolated))
	assert.Equal(t, domain.QualityUnavailable, CombineQuality(domain.QualityMeasured, photometry.Unavailable))
	assert.Equal(t, domain.QualityUnavailable, CombineQuality(domain.QualityUnavailable, photometry.Exact))
	assert.Equal(t, domain.QualityTemplate, CombineQuality(domain.QualityTemplate, photometry.Exact))
}

type catalogFunc func(ctx context.Context, cells []int64) ([]domain.CatalogStar, error)

func (f catalogFunc) Query(ctx context.Context, cells []int64) ([]domain.CatalogStar, error) {
	return f(ctx, cells)
}
