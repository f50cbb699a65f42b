package filter

import (
	"fmt"
	"path/filepath"
	"sort"

	"guidemag/internal/spectrum"
)

// Spec describes a passband file.
type Spec struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	// WaveUnit of the first column: AA (default), nm or um.
	WaveUnit string `yaml:"wave_unit"`
	// Columns names the file's columns when it has no header; the first is wavelength.
	Columns []string `yaml:"columns,omitempty"`
	// Select is a transmission column name, or "mean" to average all of them.
	Select    string    `yaml:"select,omitempty"`
	Percent   bool      `yaml:"percent,omitempty"`
	ZeroPoint ZeroPoint `yaml:"zero_point"`
}

// Load reads and normalizes a passband file. Relative paths resolve against baseDir.
func Load(spec Spec, baseDir string) (*Curve, error) {
	path := spec.Path
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	tbl, err := spectrum.ReadTableFile(path)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", spec.Name, err)
	}
	if len(tbl.Columns) < 2 {
		return nil, fmt.Errorf("filter %s: %w: need wavelength and transmission columns", spec.Name, ErrMalformedCurve)
	}
	names := tbl.Names
	if len(spec.Columns) > 0 {
		if len(spec.Columns) != len(tbl.Columns) {
			return nil, fmt.Errorf("filter %s: %d column names for %d columns", spec.Name, len(spec.Columns), len(tbl.Columns))
		}
		names = spec.Columns
	}
	scale, err := spectrum.WaveScale(spec.WaveUnit)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", spec.Name, err)
	}
	wave := make([]float64, len(tbl.Columns[0]))
	for i, w := range tbl.Columns[0] {
		wave[i] = w * scale
	}
	trans, err := Combine(names[1:], tbl.Columns[1:], spec.Select)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", spec.Name, err)
	}
	if spec.Percent {
		scaled := make([]float64, len(trans))
		for i, t := range trans {
			scaled[i] = t / 100
		}
		trans = scaled
	}
	zp := spec.ZeroPoint
	if zp.System == "" {
		zp.System = SystemAB
	}
	return NewCurve(spec.Name, wave, trans, zp)
}

// Store holds every configured passband, loaded once at startup.
type Store struct {
	curves map[string]*Curve
}

// NewStore loads all specs. Any malformed curve fails the whole store.
func NewStore(specs []Spec, baseDir string) (*Store, error) {
	s := &Store{curves: make(map[string]*Curve, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("filter with path %q has no name", spec.Path)
		}
		if _, dup := s.curves[spec.Name]; dup {
			return nil, fmt.Errorf("filter %s defined twice", spec.Name)
		}
		c, err := Load(spec, baseDir)
		if err != nil {
			return nil, err
		}
		s.curves[spec.Name] = c
	}
	return s, nil
}

// StoreOf wraps already built curves.
func StoreOf(curves ...*Curve) *Store {
	s := &Store{curves: make(map[string]*Curve, len(curves))}
	for _, c := range curves {
		s.curves[c.Name()] = c
	}
	return s
}

// Get returns the named curve. An empty name is accepted when exactly one curve is loaded.
func (s *Store) Get(name string) (*Curve, error) {
	if name == "" && len(s.curves) == 1 {
		for _, c := range s.curves {
			return c, nil
		}
	}
	c, ok := s.curves[name]
	if !ok {
		return nil, fmt.Errorf("filter %q not configured (have %v)", name, s.Names())
	}
	return c, nil
}

func (s *Store) Names() []string {
	names := make([]string, 0, len(s.curves))
	for n := range s.curves {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
