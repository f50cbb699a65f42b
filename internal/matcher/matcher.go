// Package matcher assigns a spectrum to each catalog star.
package matcher

import (
	"errors"
	"fmt"

	"guidemag/internal/domain"
	"guidemag/internal/spectrum"
	"guidemag/internal/templates"
)

// Matcher resolves stars against a template library. It holds no mutable
// state and is safe for concurrent use.
type Matcher struct {
	Library *templates.Library
}

func New(lib *templates.Library) Matcher {
	return Matcher{Library: lib}
}

// Resolve picks a spectrum for star: its measured spectrum, else the nearest
// template on stellar parameters, else the nearest template on a photometric
// proxy. Stars with nothing usable resolve to Unavailable.
func (m Matcher) Resolve(star domain.CatalogStar) (spectrum.Resolution, domain.Quality) {
	if star.Spectrum != nil {
		if res, err := measured(star.Spectrum); err == nil {
			return res, domain.QualityMeasured
		}
		// an unusable measured spectrum falls through to the template path
	}
	if m.Library == nil {
		return spectrum.Unavailable{Reason: "no template library"}, domain.QualityUnavailable
	}
	params := m.parameters(star)
	match, err := m.Library.Nearest(params)
	switch {
	case errors.Is(err, templates.ErrNoMatchParameters):
		return spectrum.Unavailable{Reason: "no spectrum, stellar parameters or usable photometry"}, domain.QualityUnavailable
	case err != nil:
		return spectrum.Unavailable{Reason: err.Error()}, domain.QualityUnavailable
	}
	return spectrum.Template{
		SED:        match.Template.SED,
		TemplateID: match.Template.ID,
		Distance:   match.Distance,
		Basis:      match.Basis,
	}, domain.QualityTemplate
}

func (m Matcher) parameters(star domain.CatalogStar) templates.Parameters {
	var p templates.Parameters
	if star.Params != nil {
		p.Teff = star.Params.Teff
		p.FeH = star.Params.FeH
		p.Logg = star.Params.Logg
	}
	blue, red := m.Library.ColorBands()
	if blue != "" && red != "" {
		b, okB := star.Magnitude(blue)
		r, okR := star.Magnitude(red)
		if okB && okR {
			c := b.Value - r.Value
			p.Color = &c
		}
	}
	if band := m.Library.MagnitudeBand(); band != "" {
		if g, ok := star.Magnitude(band); ok {
			v := g.Value
			p.Magnitude = &v
		}
	}
	return p
}

func measured(ms *domain.MeasuredSpectrum) (spectrum.Measured, error) {
	sed, err := spectrum.New(ms.Wavelength, ms.Flux)
	if err != nil {
		return spectrum.Measured{}, err
	}
	res := spectrum.Measured{SED: sed}
	if len(ms.FluxError) > 0 {
		if len(ms.FluxError) != len(ms.Flux) {
			return spectrum.Measured{}, fmt.Errorf("%d flux errors for %d samples", len(ms.FluxError), len(ms.Flux))
		}
		res.FluxError = append([]float64(nil), ms.FluxError...)
	}
	return res, nil
}
