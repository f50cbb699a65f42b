package survey

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidemag/internal/domain"
	"guidemag/internal/filter"
	"guidemag/internal/output"
	"guidemag/internal/pipeline"
	"guidemag/internal/sky"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []int64
	fail  map[int64]bool
}

func (r *fakeRunner) RunCells(_ context.Context, cells []int64, curve *filter.Curve) (pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cells...)
	if r.fail[cells[0]] {
		return pipeline.Result{}, errors.New("catalog retries exhausted")
	}
	mag := 12.0
	return pipeline.Result{Magnitudes: []domain.SyntheticMagnitude{
		{SourceID: cells[0]*10 + 1, Filter: curve.Name(), Magnitude: &mag, Quality: domain.QualityTemplate},
	}}, nil
}

func testCurve(t *testing.T) *filter.Curve {
	t.Helper()
	c, err := filter.NewCurve("guider", []float64{4000, 7000}, []float64{1, 1}, filter.ZeroPoint{System: filter.SystemAB})
	require.NoError(t, err)
	return c
}

func TestFileName(t *testing.T) {
	idx, err := sky.NewHEALPix(8)
	require.NoError(t, err)
	assert.Equal(t, "guidemag_8_000042.parquet", FileName(idx, 42, output.FormatParquet))
	idx, err = sky.NewHEALPix(1)
	require.NoError(t, err)
	assert.Equal(t, "guidemag_1_07.json", FileName(idx, 7, output.FormatJSON))
}

func TestRunWritesSkipsAndRetriesFailures(t *testing.T) {
	idx, err := sky.NewHEALPix(0)
	require.NoError(t, err)
	dir := t.TempDir()
	sink := output.Local{Dir: dir}
	require.NoError(t, sink.Put(context.Background(), FileName(idx, 3, output.FormatJSON), []byte("[]")))

	runner := &fakeRunner{fail: map[int64]bool{5: true}}
	var mu sync.Mutex
	outcomes := map[int64]string{}
	sum, err := Run(context.Background(), runner, sink, idx, testCurve(t), Options{
		Workers: 3,
		Output:  output.Options{Format: output.FormatJSON},
		OnCellDone: func(cell int64, outcome string, _ error) {
			mu.Lock()
			outcomes[cell] = outcome
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Cells)
	assert.Equal(t, 10, sum.Written)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, []int64{5}, sum.Failed)
	assert.Equal(t, 10, sum.Stars)
	assert.Equal(t, Skipped, outcomes[3])
	assert.Equal(t, Failed, outcomes[5])
	assert.NotContains(t, runner.calls, int64(3))

	_, err = os.Stat(filepath.Join(dir, FileName(idx, 5, output.FormatJSON)))
	assert.True(t, os.IsNotExist(err), "failed cells leave no file")
	data, err := os.ReadFile(filepath.Join(dir, FileName(idx, 4, output.FormatJSON)))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"source_id": 41`)
}

func TestRunOverwriteAndSubset(t *testing.T) {
	idx, err := sky.NewHEALPix(0)
	require.NoError(t, err)
	sink := output.Local{Dir: t.TempDir()}
	require.NoError(t, sink.Put(context.Background(), FileName(idx, 2, output.FormatParquet), []byte("stale")))

	runner := &fakeRunner{}
	sum, err := Run(context.Background(), runner, sink, idx, testCurve(t), Options{Cells: []int64{2, 6}, Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Written)
	assert.ElementsMatch(t, []int64{2, 6}, runner.calls)

	recs, err := output.ReadParquetFile(sink.Location(FileName(idx, 2, output.FormatParquet)))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(21), recs[0].SourceID)

	_, err = Run(context.Background(), runner, sink, idx, testCurve(t), Options{Cells: []int64{12}})
	assert.Error(t, err)
}
