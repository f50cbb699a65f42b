package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidemag/internal/catalog"
	"guidemag/internal/config"
	"guidemag/internal/domain"
	"guidemag/internal/logging"
	"guidemag/internal/output"
	"guidemag/internal/selector"
	"guidemag/internal/sky"
)

const libraryYAML = `color_bands: [bp, rp]
magnitude_band: g
templates:
  - id: k5v
    teff: 4400
    feh: 0
    logg: 4.6
    color: 1.45
    wavelength: [3000, 11000]
    flux: [1.0e-15, 5.0e-15]
  - id: g2v
    teff: 5800
    feh: 0
    logg: 4.4
    color: 0.82
    wavelength: [3000, 11000]
    flux: [4.0e-15, 3.0e-15]
`

func writeWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "filters"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "templates"), 0o755))
	var b strings.Builder
	b.WriteString("# guider passband\n")
	for nm := 400; nm <= 700; nm += 10 {
		fmt.Fprintf(&b, "%d 95 85\n", nm)
	}
	require.NoError(t, os.WriteFile(filepath.Join(ws, "filters", "guider.dat"), []byte(b.String()), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "templates", "library.yml"), []byte(libraryYAML), 0o644))
	return ws
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Filters[0].Percent = true
	cfg.Catalog.MaxMag = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildAndRunAgainstLocalCatalog(t *testing.T) {
	ws := writeWorkspace(t)
	ctx := context.Background()
	r, err := Build(ctx, ws, testConfig(t), Options{Log: logging.Noop()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	curve, err := r.Filters.Get("guider")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, curve.At(5500), 1e-9)
	assert.Equal(t, 2, r.Templates.Len())

	local, ok := r.Catalog.(*catalog.SQLite)
	require.True(t, ok)
	_, err = local.Insert(ctx, []domain.CatalogStar{
		{SourceID: 1, RA: 150.01, Dec: 2.01, Magnitudes: map[string]domain.BandMagnitude{catalog.BandBP: {Value: 12.9}, catalog.BandRP: {Value: 11.4}}},
		{SourceID: 2, RA: 150.02, Dec: 1.99},
		{SourceID: 3, RA: 200, Dec: -40},
	})
	require.NoError(t, err)

	res, err := r.Orchestrator().Run(ctx, selector.Cone(sky.Position{RA: 150, Dec: 2}, 0.5), curve)
	require.NoError(t, err)
	require.Len(t, res.Magnitudes, 2)
	byID := map[int64]domain.SyntheticMagnitude{}
	for _, m := range res.Magnitudes {
		byID[m.SourceID] = m
	}
	assert.Equal(t, domain.QualityTemplate, byID[1].Quality)
	assert.Equal(t, "k5v", byID[1].Template)
	assert.Equal(t, domain.QualityUnavailable, byID[2].Quality)

	run, err := r.RunLog.Repo.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, "photon", run.Convention)
	stored, err := r.RunLog.Repo.ListMagnitudes(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestBuildRejectsMalformedTemplates(t *testing.T) {
	ws := writeWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "templates", "library.yml"), []byte("templates:\n  - teff: 5000\n"), 0o644))
	_, err := Build(context.Background(), ws, testConfig(t), Options{Log: logging.Noop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestSinkDefaultsToWorkspaceDir(t *testing.T) {
	ws := writeWorkspace(t)
	r, err := Build(context.Background(), ws, testConfig(t), Options{Log: logging.Noop(), Catalog: &catalog.Memory{}})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	sink, err := r.Sink(context.Background(), "")
	require.NoError(t, err)
	local, ok := sink.(output.Local)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(ws, "out"), local.Dir)

	sel := SelectorConfig(r.Config)
	assert.Equal(t, 16, sel.BatchSize)
	assert.Equal(t, 3, sel.MaxRetries)
}
