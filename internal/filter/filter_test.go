package filter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passband = `# wave(nm) optimistic pessimistic
380 0.0 0.0
400 0.4 0.2
500 0.9 0.7
600 0.8 0.6
700 0.2 0.0
720 0.0 0.0
`

func writePassband(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lvm_ag.txt"), []byte(passband), 0o644))
	return dir
}

func TestLoadMeanOfColumns(t *testing.T) {
	dir := writePassband(t)
	c, err := Load(Spec{
		Name:     "mean",
		Path:     "lvm_ag.txt",
		WaveUnit: "nm",
		Columns:  []string{"wave", "optimistic", "pessimistic"},
		Select:   "mean",
	}, dir)
	require.NoError(t, err)

	assert.Equal(t, []float64{3800, 4000, 5000, 6000, 7000, 7200}, c.Wavelength())
	assert.InDelta(t, 0.3, c.Transmission()[1], 1e-12)
	assert.InDelta(t, 0.1, c.Transmission()[4], 1e-12)
	assert.Equal(t, SystemAB, c.ZeroPoint().System)

	lo, hi := c.Support()
	assert.Equal(t, 3800.0, lo)
	assert.Equal(t, 7200.0, hi)
	assert.Equal(t, 0.0, c.At(3000))
	assert.InDelta(t, 0.15, c.At(3900), 1e-12)
}

func TestLoadSingleColumn(t *testing.T) {
	dir := writePassband(t)
	c, err := Load(Spec{Name: "pess", Path: "lvm_ag.txt", WaveUnit: "nm", Columns: []string{"wave", "optimistic", "pessimistic"}, Select: "pessimistic"}, dir)
	require.NoError(t, err)
	// pessimistic is zero at 700 nm, so support ends at that sample
	_, hi := c.Support()
	assert.Equal(t, 7000.0, hi)
}

func TestNewCurveRejectsBadTransmission(t *testing.T) {
	_, err := NewCurve("bad", []float64{4000, 5000}, []float64{0.5, 1.2}, ZeroPoint{System: SystemAB})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedCurve))

	_, err = NewCurve("dark", []float64{4000, 5000}, []float64{0, 0}, ZeroPoint{System: SystemAB})
	assert.True(t, errors.Is(err, ErrMalformedCurve))

	_, err = NewCurve("dup", []float64{4000, 4000}, []float64{0.5, 0.5}, ZeroPoint{System: SystemAB})
	assert.True(t, errors.Is(err, ErrMalformedCurve))
}

func TestZeroPointValidate(t *testing.T) {
	assert.NoError(t, ZeroPoint{System: SystemVega}.Validate())
	assert.Error(t, ZeroPoint{System: SystemReference}.Validate())
	assert.NoError(t, ZeroPoint{System: SystemReference, RefFlux: 3.6e-9}.Validate())
	assert.Error(t, ZeroPoint{System: "st"}.Validate())
}

func TestStore(t *testing.T) {
	dir := writePassband(t)
	specs := []Spec{
		{Name: "optimistic", Path: "lvm_ag.txt", WaveUnit: "nm", Columns: []string{"wave", "optimistic", "pessimistic"}, Select: "optimistic"},
		{Name: "mean", Path: filepath.Join(dir, "lvm_ag.txt"), WaveUnit: "nm", Columns: []string{"wave", "optimistic", "pessimistic"}, Select: "mean"},
	}
	s, err := NewStore(specs, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"mean", "optimistic"}, s.Names())

	_, err = s.Get("")
	assert.Error(t, err)
	c, err := s.Get("optimistic")
	require.NoError(t, err)
	assert.Equal(t, "optimistic", c.Name())

	_, err = NewStore(append(specs, specs[0]), dir)
	assert.Error(t, err)
}
