package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"guidemag/internal/domain"
	"guidemag/internal/sky"
)

// fineOrder indexes local catalog rows. Nested indices at a coarser order o
// map to the contiguous range [cell << 2(fineOrder-o), (cell+1) << 2(fineOrder-o)).
const fineOrder = sky.MaxOrder

// SQLite is a local catalog kept in the workspace database (catalog_stars table).
type SQLite struct {
	db     *sql.DB
	idx    sky.CellIndexer
	fine   sky.HEALPix
	Filter Filter
}

func NewSQLite(db *sql.DB, idx sky.CellIndexer) (*SQLite, error) {
	if idx.Order() > fineOrder {
		return nil, fmt.Errorf("tessellation order %d deeper than local catalog index %d", idx.Order(), fineOrder)
	}
	fine, err := sky.NewHEALPix(fineOrder)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db, idx: idx, fine: fine}, nil
}

func (s *SQLite) Query(ctx context.Context, cells []int64) ([]domain.CatalogStar, error) {
	shift := 2 * uint(fineOrder-s.idx.Order())
	var out []domain.CatalogStar
	for _, cell := range cells {
		lo, hi := cell<<shift, (cell+1)<<shift
		stars, err := s.queryRange(ctx, lo, hi)
		if err != nil {
			return nil, Classify(fmt.Errorf("cell %d: %w", cell, err))
		}
		out = append(out, stars...)
	}
	return out, nil
}

func (s *SQLite) queryRange(ctx context.Context, lo, hi int64) ([]domain.CatalogStar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, ra, dec, magnitudes_json, teff, feh, logg, spectrum_json
		FROM catalog_stars WHERE hpx29 >= ? AND hpx29 < ? ORDER BY source_id`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stars []domain.CatalogStar
	for rows.Next() {
		var (
			star            domain.CatalogStar
			mags            string
			teff, feh, logg sql.NullFloat64
			spec            sql.NullString
		)
		if err := rows.Scan(&star.SourceID, &star.RA, &star.Dec, &mags, &teff, &feh, &logg, &spec); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(mags), &star.Magnitudes); err != nil {
			return nil, wrapError(CodeDecode, false, fmt.Errorf("source %d magnitudes: %w", star.SourceID, err))
		}
		if teff.Valid || feh.Valid || logg.Valid {
			star.Params = &domain.StellarParams{Teff: ptr(teff), FeH: ptr(feh), Logg: ptr(logg)}
		}
		if spec.Valid && spec.String != "" {
			var ms domain.MeasuredSpectrum
			if err := json.Unmarshal([]byte(spec.String), &ms); err != nil {
				return nil, wrapError(CodeDecode, false, fmt.Errorf("source %d spectrum: %w", star.SourceID, err))
			}
			star.Spectrum = &ms
		}
		if s.Filter.keep(star) {
			stars = append(stars, star)
		}
	}
	return stars, rows.Err()
}

// Insert upserts stars by source id.
func (s *SQLite) Insert(ctx context.Context, stars []domain.CatalogStar) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO catalog_stars(source_id,ra,dec,hpx29,magnitudes_json,teff,feh,logg,spectrum_json)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(source_id) DO UPDATE SET ra=excluded.ra, dec=excluded.dec, hpx29=excluded.hpx29,
		magnitudes_json=excluded.magnitudes_json, teff=excluded.teff, feh=excluded.feh, logg=excluded.logg,
		spectrum_json=excluded.spectrum_json`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, star := range stars {
		pos := sky.Position{RA: star.RA, Dec: star.Dec}
		if err := pos.Validate(); err != nil {
			return 0, fmt.Errorf("source %d: %w", star.SourceID, err)
		}
		mags := star.Magnitudes
		if mags == nil {
			mags = map[string]domain.BandMagnitude{}
		}
		magJSON, err := json.Marshal(mags)
		if err != nil {
			return 0, err
		}
		var specJSON any
		if star.Spectrum != nil {
			data, err := json.Marshal(star.Spectrum)
			if err != nil {
				return 0, err
			}
			specJSON = string(data)
		}
		var teff, feh, logg any
		if star.Params != nil {
			teff, feh, logg = deref(star.Params.Teff), deref(star.Params.FeH), deref(star.Params.Logg)
		}
		if _, err := stmt.ExecContext(ctx, star.SourceID, star.RA, star.Dec, s.fine.CellOf(pos),
			string(magJSON), teff, feh, logg, specJSON); err != nil {
			return 0, fmt.Errorf("insert source %d: %w", star.SourceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stars), nil
}

// CellOf returns the cell of star at the indexer's order, as stored locally.
func (s *SQLite) CellOf(star domain.CatalogStar) int64 {
	return s.fine.CellOf(sky.Position{RA: star.RA, Dec: star.Dec}) >> (2 * uint(fineOrder-s.idx.Order()))
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
