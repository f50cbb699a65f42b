package spectrum

import (
	"fmt"
	"strings"
)

// Flux density units accepted at the storage and catalog boundaries. Everything
// downstream works in erg s-1 cm-2 Å-1.
const (
	FluxCGS = "erg s-1 cm-2 AA-1"
	FluxSI  = "W m-2 nm-1"
)

// FluxScale returns the factor converting unit into erg s-1 cm-2 Å-1.
// 1 W m-2 nm-1 = 100 erg s-1 cm-2 Å-1.
func FluxScale(unit string) (float64, error) {
	switch normalizeUnit(unit) {
	case "", "cgs", "erg s-1 cm-2 aa-1", "erg/s/cm2/a", "erg/s/cm**2/aa", "flam":
		return 1, nil
	case "si", "w m-2 nm-1", "w/m2/nm":
		return 100, nil
	case "w m-2 m-1", "w/m2/m":
		return 1e-7, nil
	}
	return 0, fmt.Errorf("unknown flux unit %q", unit)
}

// WaveScale returns the factor converting unit into Å.
func WaveScale(unit string) (float64, error) {
	switch normalizeUnit(unit) {
	case "", "aa", "a", "angstrom":
		return 1, nil
	case "nm":
		return 10, nil
	case "um", "micron":
		return 1e4, nil
	}
	return 0, fmt.Errorf("unknown wavelength unit %q", unit)
}

func normalizeUnit(u string) string {
	return strings.Join(strings.Fields(strings.ToLower(u)), " ")
}
