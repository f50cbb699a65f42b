package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"guidemag/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const runColumns = `id,region,filter,tess_order,convention,status,stars,counts_json,COALESCE(error,'') AS error,started_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var (
		run      domain.Run
		counts   string
		finished sql.NullString
	)
	err := row.Scan(&run.ID, &run.Region, &run.Filter, &run.Order, &run.Convention, &run.Status,
		&run.Stars, &counts, &run.Error, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if finished.Valid {
		run.FinishedAt = &finished.String
	}
	if counts != "" {
		if err := json.Unmarshal([]byte(counts), &run.Counts); err != nil {
			return run, fmt.Errorf("run %s counts: %w", run.ID, err)
		}
	}
	return run, nil
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	return insertRun(ctx, tx, run)
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	return insertRun(ctx, r.DB, run)
}

func insertRun(ctx context.Context, ex execer, run domain.Run) error {
	counts, err := countsJSON(run.Counts)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO runs(id,region,filter,tess_order,convention,status,stars,counts_json,error,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Region, run.Filter, run.Order, run.Convention, run.Status, run.Stars, counts,
		nullable(run.Error), run.StartedAt, nullableStringPtr(run.FinishedAt))
	return err
}

// FinishRunTx stores the final status, counts and error of a run.
func (r Repo) FinishRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	counts, err := countsJSON(run.Counts)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, stars=?, counts_json=?, error=?, finished_at=? WHERE id=?`,
		run.Status, run.Stars, counts, nullable(run.Error), nullableStringPtr(run.FinishedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRunsWithCursor pages runs newest first. The cursor is the last
// (started_at, id) pair of the previous page.
func (r Repo) ListRunsWithCursor(ctx context.Context, status string, limit int, cursorStartedAt, cursorID string) ([]domain.Run, error) {
	var (
		clauses []string
		args    []any
	)
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if cursorStartedAt != "" && cursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, cursorStartedAt, cursorStartedAt, cursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) ListRuns(ctx context.Context, status string, limit int) ([]domain.Run, error) {
	return r.ListRunsWithCursor(ctx, status, limit, "", "")
}

// InsertMagnitudesTx stores the magnitudes of a run in candidate order.
func (r Repo) InsertMagnitudesTx(ctx context.Context, tx *sql.Tx, runID string, mags []domain.SyntheticMagnitude) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO magnitudes(run_id,seq,source_id,ra,dec,filter,magnitude,magnitude_vega,flux,uncertainty,quality,template) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, m := range mags {
		if _, err := stmt.ExecContext(ctx, runID, i, m.SourceID, m.RA, m.Dec, m.Filter,
			nullableFloatPtr(m.Magnitude), nullableFloatPtr(m.MagnitudeVega), nullableFloatPtr(m.Flux),
			nullableFloatPtr(m.Uncertainty), string(m.Quality), nullable(m.Template)); err != nil {
			return fmt.Errorf("insert magnitude %d: %w", m.SourceID, err)
		}
	}
	return nil
}

// ListMagnitudes returns the magnitudes of a run in candidate order.
func (r Repo) ListMagnitudes(ctx context.Context, runID string) ([]domain.SyntheticMagnitude, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT source_id,ra,dec,filter,magnitude,magnitude_vega,flux,uncertainty,quality,COALESCE(template,'') FROM magnitudes WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyntheticMagnitude
	for rows.Next() {
		var (
			m                      domain.SyntheticMagnitude
			mag, vega, flux, sigma sql.NullFloat64
			quality                string
		)
		if err := rows.Scan(&m.SourceID, &m.RA, &m.Dec, &m.Filter, &mag, &vega, &flux, &sigma, &quality, &m.Template); err != nil {
			return nil, err
		}
		m.Magnitude, m.MagnitudeVega, m.Flux, m.Uncertainty = floatPtr(mag), floatPtr(vega), floatPtr(flux), floatPtr(sigma)
		m.Quality = domain.Quality(quality)
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListEvents returns the events of a run, oldest first.
func (r Repo) ListEvents(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func countsJSON(counts map[string]int) (string, error) {
	if counts == nil {
		return "{}", nil
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
