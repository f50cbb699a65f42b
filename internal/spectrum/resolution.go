package spectrum

// Basis names the attributes a template was matched on.
type Basis string

const (
	BasisParams      Basis = "params"
	BasisColor       Basis = "color"
	BasisTemperature Basis = "teff"
	BasisMagnitude   Basis = "magnitude"
)

// Resolution is the outcome of resolving a star to a spectrum. It is one of
// Measured, Template or Unavailable.
type Resolution interface {
	resolution()
}

// Measured is a spectrum observed for the star itself.
type Measured struct {
	SED SED
	// FluxError is sampled on the SED grid; nil when the catalog carries no errors.
	FluxError []float64
}

// Template is a library spectrum chosen as the closest match.
type Template struct {
	SED        SED
	TemplateID string
	Distance   float64
	Basis      Basis
}

// Unavailable means no spectrum could be obtained.
type Unavailable struct {
	Reason string
}

func (Measured) resolution()    {}
func (Template) resolution()    {}
func (Unavailable) resolution() {}
