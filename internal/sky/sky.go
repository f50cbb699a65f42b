// Package sky holds sky positions and the cell tessellation used to index catalog queries.
package sky

import (
	"fmt"
	"math"
)

// Position is an ICRS sky position in degrees.
type Position struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Validate checks the position is finite and Dec lies in [-90, 90].
func (p Position) Validate() error {
	if math.IsNaN(p.RA) || math.IsInf(p.RA, 0) || math.IsNaN(p.Dec) || math.IsInf(p.Dec, 0) {
		return fmt.Errorf("position (%v, %v) is not finite", p.RA, p.Dec)
	}
	if p.Dec < -90 || p.Dec > 90 {
		return fmt.Errorf("declination %v out of range", p.Dec)
	}
	return nil
}

func (p Position) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.RA, p.Dec)
}

// Separation returns the great-circle distance between two positions in degrees.
func Separation(a, b Position) float64 {
	ra1, dec1 := deg2rad(a.RA), deg2rad(a.Dec)
	ra2, dec2 := deg2rad(b.RA), deg2rad(b.Dec)
	// Vincenty form, stable at small and antipodal separations.
	dra := ra2 - ra1
	sdra, cdra := math.Sincos(dra)
	sd1, cd1 := math.Sincos(dec1)
	sd2, cd2 := math.Sincos(dec2)
	num1 := cd2 * sdra
	num2 := cd1*sd2 - sd1*cd2*cdra
	den := sd1*sd2 + cd1*cd2*cdra
	return rad2deg(math.Atan2(math.Hypot(num1, num2), den))
}

// CellIndexer partitions the sphere into fixed-resolution cells.
type CellIndexer interface {
	// Order is the tessellation order; each increment splits every cell into four.
	Order() int
	NumCells() int64
	CellOf(p Position) int64
	Center(cell int64) Position
	// MaxRadius is the largest distance from a cell centre to its boundary, in degrees.
	MaxRadius() float64
	// Resolution is the characteristic cell size, in degrees.
	Resolution() float64
	// Cover returns every cell that may intersect the disc, sorted ascending.
	Cover(center Position, radius float64) []int64
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
