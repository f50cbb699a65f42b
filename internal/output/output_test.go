package output

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidemag/internal/domain"
)

func f(v float64) *float64 { return &v }

func sample() []domain.SyntheticMagnitude {
	return []domain.SyntheticMagnitude{
		{SourceID: 42, RA: 10.5, Dec: -20.25, Filter: "guider", Magnitude: f(13.9182), Flux: f(2e-14), Uncertainty: f(0.012), Quality: domain.QualityMeasured},
		{SourceID: 7, RA: 11, Dec: -20, Filter: "guider", Magnitude: f(15.1), Flux: f(3e-15), Quality: domain.QualityTemplate, Template: "g2v"},
		{SourceID: 9, RA: 11.5, Dec: -19.5, Filter: "guider", Quality: domain.QualityUnavailable},
	}
}

func TestRecordsConvertFlux(t *testing.T) {
	recs, err := Records(sample(), "W m-2 nm-1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.InDelta(t, 2e-16, *recs[0].Flux, 1e-30)
	assert.Nil(t, recs[2].Flux)
	assert.Equal(t, "unavailable", recs[2].Quality)

	_, err = Records(sample(), "jansky")
	assert.Error(t, err)
}

func TestEncodeCSVKeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample(), Options{Format: FormatCSV}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "42,"))
	assert.True(t, strings.HasPrefix(lines[2], "7,"))
	assert.Contains(t, lines[2], "g2v")
	assert.Contains(t, lines[3], "unavailable")
}

func TestEncodeTableAndMarkdown(t *testing.T) {
	for _, format := range []string{FormatTable, FormatMarkdown} {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, sample(), Options{Format: format}))
		assert.Contains(t, buf.String(), "13.9182", format)
		assert.Contains(t, buf.String(), "template-match", format)
	}
}

func TestEncodeJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample(), Options{Format: FormatJSON}))
	var recs []Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &recs))
	require.Len(t, recs, 3)
	assert.Equal(t, int64(7), recs[1].SourceID)
	assert.Nil(t, recs[2].Magnitude)
}

func TestEncodeUnknownFormat(t *testing.T) {
	assert.Error(t, Encode(&bytes.Buffer{}, sample(), Options{Format: "xml"}))
}

func TestParquetReadBack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample(), Options{Format: FormatParquet}))
	path := filepath.Join(t.TempDir(), "mags.parquet")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	recs, err := ReadParquetFile(path)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(42), recs[0].SourceID)
	require.NotNil(t, recs[0].Magnitude)
	assert.InDelta(t, 13.9182, *recs[0].Magnitude, 1e-12)
	assert.Equal(t, "g2v", recs[1].Template)
	assert.Nil(t, recs[2].Magnitude)
}

func TestLocalSink(t *testing.T) {
	ctx := context.Background()
	sink := Local{Dir: filepath.Join(t.TempDir(), "out")}
	ok, err := sink.Exists(ctx, "a.csv")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sink.Put(ctx, "a.csv", []byte("x")))
	ok, err = sink.Exists(ctx, "a.csv")
	require.NoError(t, err)
	assert.True(t, ok)
	data, err := os.ReadFile(sink.Location("a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	entries, err := os.ReadDir(sink.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestNewS3(t *testing.T) {
	_, err := NewS3(S3Config{Endpoint: "localhost:9000", Bucket: "mags"})
	assert.Error(t, err)

	s, err := NewS3(S3Config{Endpoint: "https://minio.local:9000", Bucket: "mags", Prefix: "/runs/", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "s3://mags/runs/guidemag_8_1.parquet", s.Location("guidemag_8_1.parquet"))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".parquet", Extension(FormatParquet))
	assert.Equal(t, ".txt", Extension(FormatTable))
}
