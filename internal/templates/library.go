// Package templates loads the stellar template grid and finds the closest
// template for a set of stellar parameters or photometric proxies.
package templates

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"guidemag/internal/spectrum"
)

var (
	// ErrNoTemplateAvailable is returned by Nearest only when the library is empty.
	ErrNoTemplateAvailable = errors.New("no template available")
	// ErrNoMatchParameters is returned when none of the matching attributes are set.
	ErrNoMatchParameters = errors.New("no parameters to match on")
)

// Distances on proxy bases are widened so callers can tell them apart from
// full parameter matches.
const (
	colorWidening     = 2.0
	teffWidening      = 3.0
	magnitudeWidening = 4.0
)

// Template is one library spectrum and the attributes it is indexed by.
type Template struct {
	ID        string
	Teff      *float64
	FeH       *float64
	Logg      *float64
	Color     *float64
	Magnitude *float64
	SED       spectrum.SED
}

// Parameters are the attributes of a star available for matching.
type Parameters struct {
	Teff      *float64
	FeH       *float64
	Logg      *float64
	Color     *float64
	Magnitude *float64
}

// Match is the chosen template and how far it is from the request.
type Match struct {
	Template Template
	Distance float64
	Basis    spectrum.Basis
}

// Weights scale the normalized parameter axes in the Euclidean distance.
type Weights struct {
	Teff float64 `yaml:"teff"`
	FeH  float64 `yaml:"feh"`
	Logg float64 `yaml:"logg"`
}

// Library is an immutable template set.
type Library struct {
	templates     []Template
	weights       Weights
	colorBands    [2]string
	magnitudeBand string
	vega          *spectrum.SED
	spans         spans
}

type spans struct {
	teff, feh, logg, color, mag float64
}

type manifest struct {
	ColorBands    []string        `yaml:"color_bands"`
	MagnitudeBand string          `yaml:"magnitude_band"`
	WaveUnit      string          `yaml:"wave_unit"`
	FluxUnit      string          `yaml:"flux_unit"`
	Weights       *Weights        `yaml:"weights"`
	Vega          string          `yaml:"vega"`
	Templates     []templateEntry `yaml:"templates"`
}

type templateEntry struct {
	ID         string    `yaml:"id"`
	Teff       *float64  `yaml:"teff"`
	FeH        *float64  `yaml:"feh"`
	Logg       *float64  `yaml:"logg"`
	Color      *float64  `yaml:"color"`
	Magnitude  *float64  `yaml:"magnitude"`
	Spectrum   string    `yaml:"spectrum"`
	Wavelength []float64 `yaml:"wavelength"`
	Flux       []float64 `yaml:"flux"`
}

// Load reads a YAML manifest. Spectrum paths are relative to the manifest.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lib, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("template library %s: %w", path, err)
	}
	return lib, nil
}

// Parse builds a library from manifest bytes.
func Parse(data []byte, baseDir string) (*Library, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest yaml: %w", err)
	}
	waveScale, err := spectrum.WaveScale(m.WaveUnit)
	if err != nil {
		return nil, err
	}
	fluxScale, err := spectrum.FluxScale(m.FluxUnit)
	if err != nil {
		return nil, err
	}
	opts := Options{MagnitudeBand: m.MagnitudeBand}
	if m.Weights != nil {
		opts.Weights = *m.Weights
	}
	switch len(m.ColorBands) {
	case 0:
	case 2:
		opts.ColorBands = [2]string{m.ColorBands[0], m.ColorBands[1]}
	default:
		return nil, fmt.Errorf("color_bands needs exactly two bands, got %d", len(m.ColorBands))
	}
	if m.Vega != "" {
		vega, err := spectrum.ReadSEDFile(resolve(baseDir, m.Vega), m.WaveUnit, m.FluxUnit)
		if err != nil {
			return nil, fmt.Errorf("vega reference: %w", err)
		}
		opts.Vega = &vega
	}

	tpls := make([]Template, 0, len(m.Templates))
	for i, e := range m.Templates {
		if e.ID == "" {
			return nil, fmt.Errorf("template %d has no id", i)
		}
		var sed spectrum.SED
		switch {
		case e.Spectrum != "" && len(e.Wavelength) > 0:
			return nil, fmt.Errorf("template %s: both spectrum file and inline samples given", e.ID)
		case e.Spectrum != "":
			sed, err = spectrum.ReadSEDFile(resolve(baseDir, e.Spectrum), m.WaveUnit, m.FluxUnit)
		default:
			sed, err = inlineSED(e.Wavelength, e.Flux, waveScale, fluxScale)
		}
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", e.ID, err)
		}
		tpls = append(tpls, Template{
			ID: e.ID, Teff: e.Teff, FeH: e.FeH, Logg: e.Logg,
			Color: e.Color, Magnitude: e.Magnitude, SED: sed,
		})
	}
	return New(tpls, opts)
}

// Options configure a library built in memory.
type Options struct {
	Weights       Weights
	ColorBands    [2]string
	MagnitudeBand string
	Vega          *spectrum.SED
}

// New validates a template set. Two templates on the same (teff, feh, logg)
// grid point, or duplicate ids, are rejected.
func New(tpls []Template, opts Options) (*Library, error) {
	if opts.Weights == (Weights{}) {
		opts.Weights = Weights{Teff: 1, FeH: 1, Logg: 1}
	}
	if opts.Weights.Teff < 0 || opts.Weights.FeH < 0 || opts.Weights.Logg < 0 {
		return nil, fmt.Errorf("weights must be non-negative")
	}
	ids := make(map[string]struct{}, len(tpls))
	grid := make(map[[3]float64]string, len(tpls))
	for _, t := range tpls {
		if _, dup := ids[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %s", t.ID)
		}
		ids[t.ID] = struct{}{}
		if t.Teff != nil && t.FeH != nil && t.Logg != nil {
			key := [3]float64{*t.Teff, *t.FeH, *t.Logg}
			if other, dup := grid[key]; dup {
				return nil, fmt.Errorf("templates %s and %s share grid point teff=%v feh=%v logg=%v", other, t.ID, key[0], key[1], key[2])
			}
			grid[key] = t.ID
		}
		if t.SED.Len() == 0 {
			return nil, fmt.Errorf("template %s has no spectrum", t.ID)
		}
	}
	lib := &Library{
		templates:     append([]Template(nil), tpls...),
		weights:       opts.Weights,
		colorBands:    opts.ColorBands,
		magnitudeBand: opts.MagnitudeBand,
		vega:          opts.Vega,
	}
	lib.spans = spans{
		teff:  span(tpls, func(t Template) *float64 { return t.Teff }),
		feh:   span(tpls, func(t Template) *float64 { return t.FeH }),
		logg:  span(tpls, func(t Template) *float64 { return t.Logg }),
		color: span(tpls, func(t Template) *float64 { return t.Color }),
		mag:   span(tpls, func(t Template) *float64 { return t.Magnitude }),
	}
	return lib, nil
}

func (l *Library) Len() int { return len(l.templates) }

// ColorBands are the catalog bands whose difference is the library color index.
func (l *Library) ColorBands() (string, string) { return l.colorBands[0], l.colorBands[1] }

// MagnitudeBand is the band of the templates' reference magnitudes.
func (l *Library) MagnitudeBand() string { return l.magnitudeBand }

// Vega returns the Vega reference spectrum, if the library provides one.
func (l *Library) Vega() (spectrum.SED, bool) {
	if l.vega == nil {
		return spectrum.SED{}, false
	}
	return *l.vega, true
}

// Nearest picks the closest template. Full (teff, feh, logg) matching uses a
// weighted Euclidean distance over axes normalized by the library span; with
// incomplete parameters it falls back to color, then temperature alone, then
// the reference magnitude.
func (l *Library) Nearest(p Parameters) (Match, error) {
	if len(l.templates) == 0 {
		return Match{}, ErrNoTemplateAvailable
	}
	if p.Teff != nil && p.FeH != nil && p.Logg != nil {
		if m, ok := l.nearestParams(p); ok {
			return m, nil
		}
	}
	if p.Color != nil {
		if m, ok := l.nearest1D(*p.Color, l.spans.color, colorWidening, spectrum.BasisColor, func(t Template) *float64 { return t.Color }); ok {
			return m, nil
		}
	}
	if p.Teff != nil {
		if m, ok := l.nearest1D(*p.Teff, l.spans.teff, teffWidening, spectrum.BasisTemperature, func(t Template) *float64 { return t.Teff }); ok {
			return m, nil
		}
	}
	if p.Magnitude != nil {
		if m, ok := l.nearest1D(*p.Magnitude, l.spans.mag, magnitudeWidening, spectrum.BasisMagnitude, func(t Template) *float64 { return t.Magnitude }); ok {
			return m, nil
		}
	}
	return Match{}, ErrNoMatchParameters
}

func (l *Library) nearestParams(p Parameters) (Match, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, t := range l.templates {
		if t.Teff == nil || t.FeH == nil || t.Logg == nil {
			continue
		}
		dt := norm(*p.Teff-*t.Teff, l.spans.teff)
		df := norm(*p.FeH-*t.FeH, l.spans.feh)
		dg := norm(*p.Logg-*t.Logg, l.spans.logg)
		d := math.Sqrt(l.weights.Teff*dt*dt + l.weights.FeH*df*df + l.weights.Logg*dg*dg)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Match{}, false
	}
	return Match{Template: l.templates[best], Distance: bestDist, Basis: spectrum.BasisParams}, true
}

func (l *Library) nearest1D(v, sp, widen float64, basis spectrum.Basis, attr func(Template) *float64) (Match, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, t := range l.templates {
		tv := attr(t)
		if tv == nil {
			continue
		}
		d := math.Abs(norm(v-*tv, sp))
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Match{}, false
	}
	return Match{Template: l.templates[best], Distance: bestDist * widen, Basis: basis}, true
}

func norm(d, span float64) float64 {
	if span <= 0 {
		return d
	}
	return d / span
}

func span(tpls []Template, attr func(Template) *float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, t := range tpls {
		if v := attr(t); v != nil {
			lo = math.Min(lo, *v)
			hi = math.Max(hi, *v)
		}
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

func inlineSED(wave, flux []float64, waveScale, fluxScale float64) (spectrum.SED, error) {
	if len(wave) == 0 {
		return spectrum.SED{}, fmt.Errorf("no spectrum given")
	}
	w := make([]float64, len(wave))
	for i := range wave {
		w[i] = wave[i] * waveScale
	}
	f := make([]float64, len(flux))
	for i := range flux {
		f[i] = flux[i] * fluxScale
	}
	return spectrum.New(w, f)
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
