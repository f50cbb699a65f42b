package selector

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidemag/internal/catalog"
	"guidemag/internal/domain"
	"guidemag/internal/sky"
)

// scriptedCatalog returns queued errors before answering from stars.
type scriptedCatalog struct {
	mu      sync.Mutex
	errs    []error
	calls   [][]int64
	perCell map[int64][]domain.CatalogStar
}

func (c *scriptedCatalog) Query(ctx context.Context, cells []int64) ([]domain.CatalogStar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]int64(nil), cells...))
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	var out []domain.CatalogStar
	for _, cell := range cells {
		out = append(out, c.perCell[cell]...)
	}
	return out, nil
}

func testSelector(t *testing.T, cat catalog.Catalog, cfg Config) *Selector {
	t.Helper()
	idx, err := sky.NewHEALPix(8)
	require.NoError(t, err)
	s := New(idx, cat, cfg)
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

func noLimit() Config {
	return Config{BatchSize: 2, QueryTimeout: time.Second, MaxRetries: 2, Backoff: time.Millisecond}
}

func TestSelectCone(t *testing.T) {
	s := testSelector(t, &scriptedCatalog{}, noLimit())
	cells, err := s.Select(Cone(sky.Position{RA: 10, Dec: 20}, 0.5))
	require.NoError(t, err)
	assert.NotEmpty(t, cells)

	again, err := s.Select(Cone(sky.Position{RA: 10, Dec: 20}, 0.5))
	require.NoError(t, err)
	assert.Equal(t, cells, again)

	wider, err := s.Select(Cone(sky.Position{RA: 10, Dec: 20}, 1.0))
	require.NoError(t, err)
	assert.Subset(t, wider, cells)
}

func TestSelectEmptyRegions(t *testing.T) {
	s := testSelector(t, &scriptedCatalog{}, noLimit())
	for name, r := range map[string]Region{
		"zero radius":     Cone(sky.Position{RA: 10, Dec: 20}, 0),
		"negative radius": Cone(sky.Position{RA: 10, Dec: 20}, -1),
		"nan radius":      Cone(sky.Position{RA: 10, Dec: 20}, math.NaN()),
		"sub resolution":  Cone(sky.Position{RA: 10, Dec: 20}, 0.01),
		"no cells":        CellList(),
		"cell too large":  CellList(12 * 256 * 256),
		"negative cell":   CellList(-1),
	} {
		_, err := s.Select(r)
		assert.ErrorIs(t, err, ErrEmptyRegion, name)
	}

	r := Cone(sky.Position{RA: 10, Dec: 20}, 0.01)
	r.AllowSubResolution = true
	cells, err := s.Select(r)
	require.NoError(t, err)
	assert.NotEmpty(t, cells)
}

func TestSelectCellListSortsAndDedupes(t *testing.T) {
	s := testSelector(t, &scriptedCatalog{}, noLimit())
	cells, err := s.Select(CellList(9, 3, 9, 5))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 9}, cells)
}

func TestCandidatesBatchesLazily(t *testing.T) {
	cat := &scriptedCatalog{perCell: map[int64][]domain.CatalogStar{
		1: {{SourceID: 10}}, 2: {{SourceID: 20}}, 3: {{SourceID: 30}}, 4: {{SourceID: 40}}, 5: {{SourceID: 50}},
	}}
	s := testSelector(t, cat, noLimit())

	var ids []int64
	for star, err := range s.Candidates(context.Background(), []int64{1, 2, 3, 4, 5}) {
		require.NoError(t, err)
		ids = append(ids, star.SourceID)
		if star.SourceID == 30 {
			break
		}
	}
	assert.Equal(t, []int64{10, 20, 30}, ids)
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}}, cat.calls)
}

func TestCandidatesRetriesTransientErrors(t *testing.T) {
	cat := &scriptedCatalog{
		errs:    []error{context.DeadlineExceeded, &pq.Error{Code: "08006"}},
		perCell: map[int64][]domain.CatalogStar{7: {{SourceID: 1}}},
	}
	s := testSelector(t, cat, noLimit())
	var got []domain.CatalogStar
	for star, err := range s.Candidates(context.Background(), []int64{7}) {
		require.NoError(t, err)
		got = append(got, star)
	}
	assert.Len(t, got, 1)
	assert.Len(t, cat.calls, 3)
}

func TestCandidatesRetriesExhausted(t *testing.T) {
	cat := &scriptedCatalog{errs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	s := testSelector(t, cat, noLimit())
	var errs []error
	for _, err := range s.Candidates(context.Background(), []int64{1}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRetriesExhausted)
	assert.Len(t, cat.calls, noLimit().MaxRetries+1)
}

func TestCandidatesFatalErrorIsNotRetried(t *testing.T) {
	cat := &scriptedCatalog{errs: []error{&pq.Error{Code: "42P01"}}}
	s := testSelector(t, cat, noLimit())
	var errs []error
	for _, err := range s.Candidates(context.Background(), []int64{1}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.False(t, errors.Is(errs[0], ErrRetriesExhausted))
	var ce *catalog.Error
	require.ErrorAs(t, errs[0], &ce)
	assert.Equal(t, catalog.CodeSchema, ce.Code)
	assert.Len(t, cat.calls, 1)
}

func TestCandidatesHonoursCancellation(t *testing.T) {
	cat := &scriptedCatalog{perCell: map[int64][]domain.CatalogStar{1: {{SourceID: 1}}}}
	cfg := noLimit()
	cfg.RateLimit, cfg.RateBurst = 1, 1
	s := testSelector(t, cat, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var errs []error
	for _, err := range s.Candidates(ctx, []int64{1}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
	assert.Empty(t, cat.calls)
}

func TestQueryTimeoutIsApplied(t *testing.T) {
	blocking := catalogFunc(func(ctx context.Context, cells []int64) ([]domain.CatalogStar, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := noLimit()
	cfg.QueryTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 1
	s := testSelector(t, blocking, cfg)
	var errs []error
	for _, err := range s.Candidates(context.Background(), []int64{1}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRetriesExhausted)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

type catalogFunc func(ctx context.Context, cells []int64) ([]domain.CatalogStar, error)

func (f catalogFunc) Query(ctx context.Context, cells []int64) ([]domain.CatalogStar, error) {
	return f(ctx, cells)
}
