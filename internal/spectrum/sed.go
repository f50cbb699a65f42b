// Package spectrum holds spectral energy distributions in the pipeline's fixed
// unit system: wavelength in Å, flux density in erg s-1 cm-2 Å-1.
package spectrum

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

// ErrMalformed is returned for sample sets violating the SED invariants.
var ErrMalformed = errors.New("malformed spectrum")

// SED is an immutable sampled spectral energy distribution.
type SED struct {
	wave []float64
	flux []float64
	pl   interp.PiecewiseLinear
}

// New validates and copies the samples into an SED.
func New(wave, flux []float64) (SED, error) {
	if err := ValidateSamples(wave, flux); err != nil {
		return SED{}, err
	}
	s := SED{
		wave: append([]float64(nil), wave...),
		flux: append([]float64(nil), flux...),
	}
	if err := s.pl.Fit(s.wave, s.flux); err != nil {
		return SED{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

// ValidateSamples checks lengths, finiteness and strictly increasing wavelengths.
func ValidateSamples(wave, values []float64) error {
	if len(wave) != len(values) {
		return fmt.Errorf("%w: %d wavelengths for %d values", ErrMalformed, len(wave), len(values))
	}
	if len(wave) < 2 {
		return fmt.Errorf("%w: need at least 2 samples, got %d", ErrMalformed, len(wave))
	}
	for i := range wave {
		if !finite(wave[i]) || !finite(values[i]) {
			return fmt.Errorf("%w: non-finite sample at index %d", ErrMalformed, i)
		}
		if wave[i] <= 0 {
			return fmt.Errorf("%w: non-positive wavelength %v at index %d", ErrMalformed, wave[i], i)
		}
		if i == 0 {
			continue
		}
		if wave[i] == wave[i-1] {
			return fmt.Errorf("%w: duplicate wavelength %v at index %d", ErrMalformed, wave[i], i)
		}
		if wave[i] < wave[i-1] {
			return fmt.Errorf("%w: wavelength not increasing at index %d (%v < %v)", ErrMalformed, i, wave[i], wave[i-1])
		}
	}
	return nil
}

func (s SED) Len() int { return len(s.wave) }

// Wavelength returns a copy of the wavelength grid.
func (s SED) Wavelength() []float64 { return append([]float64(nil), s.wave...) }

// Flux returns a copy of the flux samples.
func (s SED) Flux() []float64 { return append([]float64(nil), s.flux...) }

// Range returns the first and last sampled wavelengths.
func (s SED) Range() (float64, float64) {
	if len(s.wave) == 0 {
		return 0, 0
	}
	return s.wave[0], s.wave[len(s.wave)-1]
}

// Covers reports whether lambda lies inside the sampled range.
func (s SED) Covers(lambda float64) bool {
	lo, hi := s.Range()
	return len(s.wave) > 0 && lambda >= lo && lambda <= hi
}

// At interpolates linearly. ok is false outside the sampled range; no extrapolation is done.
func (s SED) At(lambda float64) (float64, bool) {
	if !s.Covers(lambda) {
		return 0, false
	}
	return s.pl.Predict(lambda), true
}

// Resample interpolates onto grid. Points outside the native range get zero flux
// and a false entry in covered.
func (s SED) Resample(grid []float64) (flux []float64, covered []bool) {
	flux = make([]float64, len(grid))
	covered = make([]bool, len(grid))
	for i, x := range grid {
		flux[i], covered[i] = s.At(x)
	}
	return flux, covered
}

// Scale returns a copy with every flux sample multiplied by k.
func (s SED) Scale(k float64) SED {
	flux := make([]float64, len(s.flux))
	floats.ScaleTo(flux, k, s.flux)
	out, err := New(s.wave, flux)
	if err != nil {
		return s
	}
	return out
}

// UniformGrid returns wavelengths from lo to hi inclusive, spaced by step.
func UniformGrid(lo, hi, step float64) []float64 {
	n := int(math.Round((hi-lo)/step)) + 1
	if n < 2 {
		n = 2
	}
	return floats.Span(make([]float64, n), lo, hi)
}

// XPGrid is the default sampling of Gaia DR3 XP sampled mean spectra.
func XPGrid() []float64 {
	return UniformGrid(3360, 10200, 20)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
