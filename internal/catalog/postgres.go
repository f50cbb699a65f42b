package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"guidemag/internal/domain"
	"guidemag/internal/sky"
	"guidemag/internal/spectrum"
)

// PostgresConfig names the Gaia DR3 tables of a q3c-indexed catalog database.
type PostgresConfig struct {
	Schema        string
	SourceTable   string
	SpectrumTable string
	// ParamsTable is optional; when set, GSP-Phot parameters are joined in.
	ParamsTable string
	// FluxUnit of the XP sampled spectra, converted to the pipeline unit on read.
	FluxUnit string
	// WorkMem sets work_mem for each query when non-empty.
	WorkMem string
	Filter  Filter
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.Schema == "" {
		c.Schema = "catalogdb"
	}
	if c.SourceTable == "" {
		c.SourceTable = "gaia_dr3_source"
	}
	if c.SpectrumTable == "" {
		c.SpectrumTable = "gaia_dr3_xp_sampled_mean_spectrum"
	}
	if c.FluxUnit == "" {
		c.FluxUnit = spectrum.FluxSI
	}
	return c
}

// Postgres queries a Gaia DR3 catalog through lib/pq. Each cell is fetched as a
// cone around its centre that encloses the whole cell, then trimmed to the
// stars whose own cell matches.
type Postgres struct {
	db        *sql.DB
	idx       sky.CellIndexer
	cfg       PostgresConfig
	fluxScale float64
	grid      []float64
	query     string
}

func NewPostgres(db *sql.DB, idx sky.CellIndexer, cfg PostgresConfig) (*Postgres, error) {
	cfg = cfg.withDefaults()
	scale, err := spectrum.FluxScale(cfg.FluxUnit)
	if err != nil {
		return nil, err
	}
	return &Postgres{
		db:        db,
		idx:       idx,
		cfg:       cfg,
		fluxScale: scale,
		grid:      spectrum.XPGrid(),
		query:     buildConeQuery(cfg),
	}, nil
}

// OpenPostgres opens a lib/pq connection pool.
func OpenPostgres(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func table(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

func buildConeQuery(cfg PostgresConfig) string {
	var b strings.Builder
	b.WriteString(`SELECT s.source_id, s.ra, s.dec, s.phot_g_mean_mag, s.phot_bp_mean_mag, s.phot_rp_mean_mag, x.flux, x.flux_error`)
	if cfg.ParamsTable != "" {
		b.WriteString(`, p.teff_gspphot, p.mh_gspphot, p.logg_gspphot`)
	} else {
		b.WriteString(`, NULL::real, NULL::real, NULL::real`)
	}
	fmt.Fprintf(&b, ` FROM %s s LEFT JOIN %s x ON x.source_id = s.source_id`,
		table(cfg.Schema, cfg.SourceTable), table(cfg.Schema, cfg.SpectrumTable))
	if cfg.ParamsTable != "" {
		fmt.Fprintf(&b, ` LEFT JOIN %s p ON p.source_id = s.source_id`, table(cfg.Schema, cfg.ParamsTable))
	}
	b.WriteString(` WHERE q3c_radial_query(s.ra, s.dec, $1, $2, $3)`)
	if cfg.Filter.MaxMag != 0 {
		if col, ok := bandColumns[cfg.Filter.MagBand]; ok {
			fmt.Fprintf(&b, ` AND s.%s <= $4`, col)
		}
	}
	b.WriteString(` ORDER BY s.source_id`)
	return b.String()
}

var bandColumns = map[string]string{
	BandG:  "phot_g_mean_mag",
	BandBP: "phot_bp_mean_mag",
	BandRP: "phot_rp_mean_mag",
}

// Query runs one cone query per cell. Results are ordered by cell, then source id.
func (p *Postgres) Query(ctx context.Context, cells []int64) ([]domain.CatalogStar, error) {
	var out []domain.CatalogStar
	for _, cell := range cells {
		stars, err := p.queryCell(ctx, cell)
		if err != nil {
			return nil, Classify(fmt.Errorf("cell %d: %w", cell, err))
		}
		out = append(out, stars...)
	}
	return out, nil
}

func (p *Postgres) queryCell(ctx context.Context, cell int64) ([]domain.CatalogStar, error) {
	center := p.idx.Center(cell)
	args := []any{center.RA, center.Dec, p.idx.MaxRadius()}
	if strings.Contains(p.query, "$4") {
		args = append(args, p.cfg.Filter.MaxMag)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if p.cfg.WorkMem != "" {
		if _, err := tx.ExecContext(ctx, `SET LOCAL work_mem = `+pq.QuoteLiteral(p.cfg.WorkMem)); err != nil {
			return nil, err
		}
	}
	rows, err := tx.QueryContext(ctx, p.query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stars []domain.CatalogStar
	for rows.Next() {
		var (
			star            domain.CatalogStar
			g, bp, rp       sql.NullFloat64
			flux, fluxErr   sql.NullString
			teff, feh, logg sql.NullFloat64
		)
		if err := rows.Scan(&star.SourceID, &star.RA, &star.Dec, &g, &bp, &rp, &flux, &fluxErr, &teff, &feh, &logg); err != nil {
			return nil, err
		}
		if p.idx.CellOf(sky.Position{RA: star.RA, Dec: star.Dec}) != cell {
			continue
		}
		star.Magnitudes = map[string]domain.BandMagnitude{}
		setBand(star.Magnitudes, BandG, g)
		setBand(star.Magnitudes, BandBP, bp)
		setBand(star.Magnitudes, BandRP, rp)
		if teff.Valid || feh.Valid || logg.Valid {
			star.Params = &domain.StellarParams{Teff: ptr(teff), FeH: ptr(feh), Logg: ptr(logg)}
		}
		if flux.Valid {
			// an undecodable spectrum leaves the star to the template path
			if ms, err := p.xpSpectrum(flux.String, fluxErr); err == nil {
				star.Spectrum = ms
			}
		}
		stars = append(stars, star)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stars, tx.Commit()
}

// xpSpectrum converts a sampled XP spectrum to the pipeline flux unit. Spectra
// whose length does not match the XP grid are dropped, leaving the star to the
// template path.
func (p *Postgres) xpSpectrum(flux string, fluxErr sql.NullString) (*domain.MeasuredSpectrum, error) {
	f, err := ParseArray(flux)
	if err != nil {
		return nil, err
	}
	if len(f) != len(p.grid) {
		return nil, nil
	}
	ms := &domain.MeasuredSpectrum{Wavelength: append([]float64(nil), p.grid...), Flux: f}
	for i := range f {
		f[i] *= p.fluxScale
	}
	if fluxErr.Valid {
		e, err := ParseArray(fluxErr.String)
		if err != nil {
			return nil, err
		}
		if len(e) == len(f) {
			for i := range e {
				e[i] *= p.fluxScale
			}
			ms.FluxError = e
		}
	}
	return ms, nil
}

// ParseArray parses a numeric array stored as text, either "[1, 2]" or the
// PostgreSQL "{1,2}" form.
func ParseArray(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimSuffix(s, "}")
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func setBand(m map[string]domain.BandMagnitude, band string, v sql.NullFloat64) {
	if v.Valid {
		m[band] = domain.BandMagnitude{Value: v.Float64}
	}
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
