// Package photometry integrates spectra through passbands into synthetic magnitudes.
package photometry

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"

	"guidemag/internal/filter"
	"guidemag/internal/spectrum"
)

// Convention is the detector weighting used when averaging flux through a passband.
type Convention string

const (
	// Photon weights by λ: <f> = ∫ f T λ dλ / ∫ T λ dλ.
	Photon Convention = "photon"
	// Energy does not: <f> = ∫ f T dλ / ∫ T dλ.
	Energy Convention = "energy"
)

func ParseConvention(s string) (Convention, error) {
	switch Convention(s) {
	case Photon, "":
		return Photon, nil
	case Energy:
		return Energy, nil
	}
	return "", fmt.Errorf("unknown integration convention %q (photon|energy)", s)
}

// Status is the engine-level outcome of an integration.
type Status int

const (
	// Exact: the spectrum covers all of the passband's transmission.
	Exact Status = iota
	// Extrapolated: part of the passband lies outside the spectrum and was taken as zero flux.
	Extrapolated
	// Unavailable: no magnitude could be formed.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Exact:
		return "exact"
	case Extrapolated:
		return "extrapolated"
	}
	return "unavailable"
}

// Result is one integration outcome. Magnitude, Flux and Coverage are only
// meaningful when Status is not Unavailable.
type Result struct {
	Status    Status
	Magnitude float64
	// Vega is the Vega-system magnitude when a Vega reference is loaded and the
	// curve's own zero point is not Vega.
	Vega *float64
	// Flux is the passband-averaged flux density, erg s-1 cm-2 Å-1.
	Flux        float64
	Uncertainty *float64
	// Coverage is the weighted fraction of the passband inside the spectrum.
	Coverage float64
	Reason   string
}

// cAA is the speed of light in Å/s; abFnu is 3631 Jy in erg s-1 cm-2 Hz-1.
const (
	cAA   = 2.99792458e18
	abFnu = 3631e-23
)

// coverageTolerance absorbs rounding in the coverage ratio.
const coverageTolerance = 1e-9

// Engine integrates with a fixed convention. It is immutable and safe for concurrent use.
type Engine struct {
	convention Convention
	vega       *spectrum.SED
}

// Option configures an Engine.
type Option func(*Engine)

// WithVega sets the Vega reference spectrum used by Vega zero points.
func WithVega(sed spectrum.SED) Option {
	return func(e *Engine) { e.vega = &sed }
}

func New(convention Convention, opts ...Option) (Engine, error) {
	if convention != Photon && convention != Energy {
		return Engine{}, fmt.Errorf("unknown integration convention %q", convention)
	}
	e := Engine{convention: convention}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

func (e Engine) Convention() Convention { return e.convention }

// Check reports whether curve can be integrated by this engine. A Vega zero
// point needs a Vega reference covering the whole support.
func (e Engine) Check(curve *filter.Curve) error {
	if curve == nil {
		return fmt.Errorf("no filter curve")
	}
	if curve.ZeroPoint().System != filter.SystemVega {
		return nil
	}
	if e.vega == nil {
		return fmt.Errorf("filter %s uses a Vega zero point but no Vega reference is loaded", curve.Name())
	}
	lo, hi := curve.Support()
	if !e.vega.Covers(lo) || !e.vega.Covers(hi) {
		return fmt.Errorf("vega reference does not cover filter %s support [%g, %g] Å", curve.Name(), lo, hi)
	}
	return nil
}

// Measure integrates whatever the matcher resolved.
func (e Engine) Measure(res spectrum.Resolution, curve *filter.Curve) Result {
	switch r := res.(type) {
	case spectrum.Measured:
		return e.integrate(r.SED, r.FluxError, curve)
	case spectrum.Template:
		return e.integrate(r.SED, nil, curve)
	case spectrum.Unavailable:
		return Result{Status: Unavailable, Reason: r.Reason}
	}
	return Result{Status: Unavailable, Reason: fmt.Sprintf("unsupported resolution %T", res)}
}

// Integrate integrates sed through curve.
func (e Engine) Integrate(sed spectrum.SED, curve *filter.Curve) Result {
	return e.integrate(sed, nil, curve)
}

func (e Engine) integrate(sed spectrum.SED, fluxErr []float64, curve *filter.Curve) Result {
	if sed.Len() < 2 {
		return Result{Status: Unavailable, Reason: "empty spectrum"}
	}
	lo, hi := curve.Support()
	sLo, sHi := sed.Range()
	oLo, oHi := math.Max(lo, sLo), math.Min(hi, sHi)
	if oLo >= oHi {
		return Result{Status: Unavailable, Reason: "spectrum does not overlap the passband"}
	}

	grid := mergeGrid(curve.SupportGrid(), sed.Wavelength(), lo, hi)
	trans := make([]float64, len(grid))
	weight := make([]float64, len(grid))
	for i, x := range grid {
		trans[i] = curve.At(x)
		weight[i] = trans[i] * e.lambdaWeight(x)
	}
	den := trapezoid(grid, weight)
	if !(den > 0) {
		return Result{Status: Unavailable, Reason: "passband has no transmission"}
	}

	// numerator runs over the overlap only; flux outside the spectrum is zero
	i0 := sort.SearchFloat64s(grid, oLo)
	i1 := sort.SearchFloat64s(grid, oHi)
	sub := grid[i0 : i1+1]
	subWeight := weight[i0 : i1+1]
	covered := trapezoid(sub, subWeight)
	if !(covered > 0) {
		return Result{Status: Unavailable, Reason: "no transmission within spectral coverage"}
	}
	flux, _ := sed.Resample(sub)
	integrand := make([]float64, len(sub))
	for i := range sub {
		integrand[i] = flux[i] * subWeight[i]
	}
	mean := trapezoid(sub, integrand) / den
	if !(mean > 0) || math.IsInf(mean, 0) {
		return Result{Status: Unavailable, Reason: "non-positive integrated flux"}
	}

	ref, err := e.referenceFlux(curve.ZeroPoint(), grid, weight, den)
	if err != nil {
		return Result{Status: Unavailable, Reason: err.Error()}
	}
	res := Result{
		Status:    Exact,
		Magnitude: -2.5*math.Log10(mean/ref) + curve.ZeroPoint().RefMag,
		Flux:      mean,
		Coverage:  covered / den,
	}
	if res.Coverage < 1-coverageTolerance {
		res.Status = Extrapolated
	}
	if curve.ZeroPoint().System != filter.SystemVega && e.vega != nil {
		if vref, err := e.referenceFlux(filter.ZeroPoint{System: filter.SystemVega}, grid, weight, den); err == nil {
			v := -2.5 * math.Log10(mean/vref)
			res.Vega = &v
		}
	}
	if len(fluxErr) == len(sed.Wavelength()) {
		if sigma, ok := propagate(sed.Wavelength(), fluxErr, sub, subWeight, den); ok {
			u := 2.5 / math.Ln10 * sigma / mean
			res.Uncertainty = &u
		}
	}
	return res
}

func (e Engine) lambdaWeight(x float64) float64 {
	if e.convention == Photon {
		return x
	}
	return 1
}

func (e Engine) referenceFlux(zp filter.ZeroPoint, grid, weight []float64, den float64) (float64, error) {
	switch zp.System {
	case filter.SystemReference:
		return zp.RefFlux, nil
	case filter.SystemAB:
		vals := make([]float64, len(grid))
		for i, x := range grid {
			vals[i] = abFnu * cAA / (x * x) * weight[i]
		}
		return trapezoid(grid, vals) / den, nil
	case filter.SystemVega:
		if e.vega == nil {
			return 0, fmt.Errorf("no vega reference loaded")
		}
		flux, covered := e.vega.Resample(grid)
		vals := make([]float64, len(grid))
		for i := range grid {
			if !covered[i] {
				return 0, fmt.Errorf("vega reference does not cover %g Å", grid[i])
			}
			vals[i] = flux[i] * weight[i]
		}
		return trapezoid(grid, vals) / den, nil
	}
	return 0, fmt.Errorf("unknown zero point system %q", zp.System)
}

// propagate treats the interpolated flux errors as independent and sums them
// with the trapezoid weights of the overlap grid.
func propagate(wave, fluxErr, grid, weight []float64, den float64) (float64, bool) {
	errSED, err := spectrum.New(wave, fluxErr)
	if err != nil {
		return 0, false
	}
	sigma, _ := errSED.Resample(grid)
	var sum float64
	for i := range grid {
		var dx float64
		if i > 0 {
			dx += (grid[i] - grid[i-1]) / 2
		}
		if i < len(grid)-1 {
			dx += (grid[i+1] - grid[i]) / 2
		}
		v := dx * weight[i] * sigma[i]
		sum += v * v
	}
	return math.Sqrt(sum) / den, true
}

// mergeGrid returns the sorted union of a and the points of b inside [lo, hi].
func mergeGrid(a, b []float64, lo, hi float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	for _, x := range b {
		if x >= lo && x <= hi {
			out = append(out, x)
		}
	}
	sort.Float64s(out)
	uniq := out[:1]
	for _, x := range out[1:] {
		if x != uniq[len(uniq)-1] {
			uniq = append(uniq, x)
		}
	}
	return uniq
}

func trapezoid(x, y []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return integrate.Trapezoidal(x, y)
}
