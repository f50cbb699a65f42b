package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Tessellation.Order)
	assert.Equal(t, "photon", cfg.Pipeline.Convention)
	assert.Equal(t, 30*time.Second, cfg.Catalog.QueryTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Catalog.Backoff)
	require.Len(t, cfg.Filters, 1)
	assert.Equal(t, "mean", cfg.Filters[0].Select)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
tessellation:
  order: 10
catalog:
  driver: postgres
  dsn: postgres://localhost/catalog
filters:
  - name: r
    path: r.dat
`))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Tessellation.Order)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, "gaia_dr3_source", cfg.Catalog.SourceTable)
	require.Len(t, cfg.Filters, 1)
	assert.Equal(t, "r", cfg.Filters[0].Name)
}

func TestValidateNamesOffendingKey(t *testing.T) {
	cases := []struct{ doc, want string }{
		{"tessellation:\n  order: 40\n", "config.tessellation.order"},
		{"pipeline:\n  concurrency: 0\n", "config.pipeline.concurrency"},
		{"pipeline:\n  convention: bolometric\n", "config.pipeline.convention"},
		{"catalog:\n  driver: oracle\n", "config.catalog.driver"},
		{"catalog:\n  driver: postgres\n", "config.catalog.dsn"},
		{"output:\n  format: xml\n", "config.output.format"},
		{"output:\n  flux_unit: jansky\n", "config.output.flux_unit"},
		{"output:\n  s3:\n    endpoint: localhost:9000\n", "config.output.s3"},
		{"filters:\n  - name: a\n    path: a.dat\n  - name: a\n    path: b.dat\n", "duplicate filter a"},
		{"filters:\n  - name: a\n    path: a.dat\n    zero_point:\n      system: reference\n", "filter a"},
	}
	for _, tc := range cases {
		doc := tc.doc
		if !strings.Contains(doc, "filters:") {
			doc += "filters:\n  - name: g\n    path: g.dat\n"
		}
		_, err := FromYAML([]byte(doc))
		require.Error(t, err, doc)
		assert.Contains(t, err.Error(), tc.want, doc)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := FromYAML([]byte("tessellation: [1, 2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config yaml")
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "guidemag.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestS3Enabled(t *testing.T) {
	assert.False(t, S3{}.Enabled())
	assert.True(t, S3{Endpoint: "minio:9000", Bucket: "mags"}.Enabled())
}
