package domain

// Quality classifies how a synthetic magnitude was obtained.
type Quality string

const (
	QualityMeasured     Quality = "measured-spectrum"
	QualityTemplate     Quality = "template-match"
	QualityExtrapolated Quality = "extrapolated"
	QualityUnavailable  Quality = "unavailable"
)

func (q Quality) Valid() bool {
	switch q {
	case QualityMeasured, QualityTemplate, QualityExtrapolated, QualityUnavailable:
		return true
	}
	return false
}

// BandMagnitude is a catalog magnitude in one native band.
type BandMagnitude struct {
	Value float64  `json:"value"`
	Error *float64 `json:"error,omitempty"`
}

// StellarParams are the optional astrophysical parameters of a star. Any field may be nil.
type StellarParams struct {
	Teff *float64 `json:"teff,omitempty"`
	FeH  *float64 `json:"feh,omitempty"`
	Logg *float64 `json:"logg,omitempty"`
}

// Complete reports whether temperature, metallicity and gravity are all set.
func (p *StellarParams) Complete() bool {
	return p != nil && p.Teff != nil && p.FeH != nil && p.Logg != nil
}

// MeasuredSpectrum is a sampled spectrum attached to a catalog row, already in
// pipeline units (Å, erg s-1 cm-2 Å-1).
type MeasuredSpectrum struct {
	Wavelength []float64 `json:"wavelength"`
	Flux       []float64 `json:"flux"`
	FluxError  []float64 `json:"flux_error,omitempty"`
}

// CatalogStar is a read-only snapshot of one catalog row.
type CatalogStar struct {
	SourceID   int64                    `json:"source_id"`
	RA         float64                  `json:"ra"`
	Dec        float64                  `json:"dec"`
	Magnitudes map[string]BandMagnitude `json:"magnitudes,omitempty"`
	Params     *StellarParams           `json:"params,omitempty"`
	Spectrum   *MeasuredSpectrum        `json:"spectrum,omitempty"`
}

// Magnitude returns the catalog magnitude in band, if any.
func (s CatalogStar) Magnitude(band string) (BandMagnitude, bool) {
	m, ok := s.Magnitudes[band]
	return m, ok
}

// SyntheticMagnitude is the per-star, per-filter output of a pipeline run.
type SyntheticMagnitude struct {
	SourceID      int64    `json:"source_id"`
	RA            float64  `json:"ra"`
	Dec           float64  `json:"dec"`
	Filter        string   `json:"filter"`
	Magnitude     *float64 `json:"magnitude,omitempty"`
	MagnitudeVega *float64 `json:"magnitude_vega,omitempty"`
	Flux          *float64 `json:"flux,omitempty"`
	Uncertainty   *float64 `json:"uncertainty,omitempty"`
	Quality       Quality  `json:"quality"`
	Template      string   `json:"template,omitempty"`
}

// Run summarises one orchestrator invocation as stored in the workspace.
type Run struct {
	ID         string         `json:"id"`
	Region     string         `json:"region"`
	Filter     string         `json:"filter"`
	Order      int            `json:"order"`
	Convention string         `json:"convention"`
	Status     string         `json:"status"`
	Stars      int            `json:"stars"`
	Counts     map[string]int `json:"counts,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  string         `json:"started_at"`
	FinishedAt *string        `json:"finished_at,omitempty"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	RunID       string `json:"run_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	PayloadJSON string `json:"payload_json"`
}
