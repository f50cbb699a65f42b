// Package catalog reads candidate stars from the star catalog by spatial cell.
package catalog

import (
	"context"
	"sort"

	"guidemag/internal/domain"
)

// Catalog returns the stars belonging to the given cells. Implementations
// classify failures with *Error so callers can tell transient from fatal.
type Catalog interface {
	Query(ctx context.Context, cells []int64) ([]domain.CatalogStar, error)
}

// Filter restricts the rows returned by a catalog.
type Filter struct {
	// MaxMag drops stars fainter than this in MagBand. Zero disables the cut.
	MaxMag  float64
	MagBand string
}

func (f Filter) keep(star domain.CatalogStar) bool {
	if f.MaxMag == 0 || f.MagBand == "" {
		return true
	}
	m, ok := star.Magnitude(f.MagBand)
	return ok && m.Value <= f.MaxMag
}

// Gaia DR3 photometric bands as stored in CatalogStar.Magnitudes.
const (
	BandG  = "g"
	BandBP = "bp"
	BandRP = "rp"
)

func sortStars(stars []domain.CatalogStar, cellOf func(domain.CatalogStar) int64) {
	sort.SliceStable(stars, func(i, j int) bool {
		ci, cj := cellOf(stars[i]), cellOf(stars[j])
		if ci != cj {
			return ci < cj
		}
		return stars[i].SourceID < stars[j].SourceID
	})
}

// Memory is an in-process catalog, used for tests and small offline runs.
type Memory struct {
	Stars  []domain.CatalogStar
	CellOf func(domain.CatalogStar) int64
	Filter Filter
}

func (m *Memory) Query(ctx context.Context, cells []int64) ([]domain.CatalogStar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[int64]struct{}, len(cells))
	for _, c := range cells {
		want[c] = struct{}{}
	}
	var out []domain.CatalogStar
	for _, s := range m.Stars {
		if _, ok := want[m.CellOf(s)]; ok && m.Filter.keep(s) {
			out = append(out, s)
		}
	}
	sortStars(out, m.CellOf)
	return out, nil
}
