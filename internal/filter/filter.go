// Package filter loads guider camera passbands and keeps them for the lifetime of the process.
package filter

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/interp"

	"guidemag/internal/spectrum"
)

// ErrMalformedCurve is returned for transmission data that cannot describe a passband.
var ErrMalformedCurve = errors.New("malformed filter curve")

// System is the photometric system a zero point refers to.
type System string

const (
	SystemAB        System = "ab"
	SystemVega      System = "vega"
	SystemReference System = "reference"
)

// ZeroPoint converts a band-averaged flux into a magnitude:
// m = -2.5 log10(<f> / <f_ref>) + RefMag, where <f_ref> is the AB or Vega
// spectrum averaged through the same passband, or RefFlux for SystemReference.
type ZeroPoint struct {
	System  System  `yaml:"system" json:"system"`
	RefFlux float64 `yaml:"ref_flux,omitempty" json:"ref_flux,omitempty"`
	RefMag  float64 `yaml:"ref_mag,omitempty" json:"ref_mag,omitempty"`
}

func (z ZeroPoint) Validate() error {
	switch z.System {
	case SystemAB, SystemVega:
		return nil
	case SystemReference:
		if !(z.RefFlux > 0) || math.IsInf(z.RefFlux, 0) {
			return fmt.Errorf("reference zero point needs a positive ref_flux, got %v", z.RefFlux)
		}
		return nil
	case "":
		return fmt.Errorf("zero point system is required")
	}
	return fmt.Errorf("unknown zero point system %q", z.System)
}

// Curve is an immutable passband: wavelength (Å) and transmission in [0, 1].
type Curve struct {
	name      string
	wave      []float64
	trans     []float64
	zeroPoint ZeroPoint
	lo, hi    int
	pl        interp.PiecewiseLinear
}

// NewCurve validates the samples and builds a curve.
func NewCurve(name string, wave, transmission []float64, zp ZeroPoint) (*Curve, error) {
	if err := spectrum.ValidateSamples(wave, transmission); err != nil {
		return nil, fmt.Errorf("filter %s: %w: %v", name, ErrMalformedCurve, err)
	}
	lo, hi := -1, -1
	for i, t := range transmission {
		if t < 0 || t > 1 {
			return nil, fmt.Errorf("filter %s: %w: transmission %v at %v Å outside [0, 1]", name, ErrMalformedCurve, t, wave[i])
		}
		if t > 0 {
			if lo < 0 {
				lo = i
			}
			hi = i
		}
	}
	if lo < 0 {
		return nil, fmt.Errorf("filter %s: %w: transmission is zero everywhere", name, ErrMalformedCurve)
	}
	if err := zp.Validate(); err != nil {
		return nil, fmt.Errorf("filter %s: %w", name, err)
	}
	// the curve ramps linearly to the neighbouring zero samples
	if lo > 0 {
		lo--
	}
	if hi < len(wave)-1 {
		hi++
	}
	c := &Curve{
		name:      name,
		wave:      append([]float64(nil), wave...),
		trans:     append([]float64(nil), transmission...),
		zeroPoint: zp,
		lo:        lo,
		hi:        hi,
	}
	if err := c.pl.Fit(c.wave, c.trans); err != nil {
		return nil, fmt.Errorf("filter %s: %w: %v", name, ErrMalformedCurve, err)
	}
	return c, nil
}

func (c *Curve) Name() string            { return c.name }
func (c *Curve) ZeroPoint() ZeroPoint    { return c.zeroPoint }
func (c *Curve) Wavelength() []float64   { return append([]float64(nil), c.wave...) }
func (c *Curve) Transmission() []float64 { return append([]float64(nil), c.trans...) }

// Support is the wavelength range outside of which transmission is zero.
func (c *Curve) Support() (float64, float64) {
	return c.wave[c.lo], c.wave[c.hi]
}

// SupportGrid returns the curve's own samples inside the support.
func (c *Curve) SupportGrid() []float64 {
	return append([]float64(nil), c.wave[c.lo:c.hi+1]...)
}

// At returns the transmission at lambda, zero outside the support.
func (c *Curve) At(lambda float64) float64 {
	lo, hi := c.Support()
	if lambda < lo || lambda > hi {
		return 0
	}
	return c.pl.Predict(lambda)
}

// Combine selects one transmission column or averages several.
// sel is a column name or "mean"; empty picks the first column.
func Combine(names []string, columns [][]float64, sel string) ([]float64, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no transmission columns", ErrMalformedCurve)
	}
	if !strings.EqualFold(sel, "mean") {
		if sel == "" {
			return columns[0], nil
		}
		for i, n := range names {
			if strings.EqualFold(n, sel) {
				return columns[i], nil
			}
		}
		return nil, fmt.Errorf("transmission column %q not found (have %s)", sel, strings.Join(names, ", "))
	}
	out := make([]float64, len(columns[0]))
	for _, col := range columns {
		for i, v := range col {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float64(len(columns))
	}
	return out, nil
}
