// Package runlog records pipeline runs, their magnitudes and lifecycle events
// in the workspace database.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"guidemag/internal/domain"
	"guidemag/internal/events"
	"guidemag/internal/pipeline"
	"guidemag/internal/repo"
)

// Log implements pipeline.Recorder on top of the workspace database.
type Log struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Log {
	return Log{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Now:    time.Now,
	}
}

var _ pipeline.Recorder = Log{}

func (l Log) writer() events.Writer {
	w := l.Events
	if l.Now != nil {
		w.Now = l.Now
	}
	return w
}

func (l Log) StartRun(ctx context.Context, run domain.Run) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := l.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := l.writer().Append(ctx, tx, events.ForRun(events.RunStarted, run.ID, events.Payload{
		"region": run.Region,
		"filter": run.Filter,
		"order":  run.Order,
	})); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishRun stores the final state and, for completed runs, the magnitudes.
func (l Log) FinishRun(ctx context.Context, run domain.Run, mags []domain.SyntheticMagnitude) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := l.Repo.FinishRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	evt := events.ForRun(events.RunCompleted, run.ID, events.Payload{"stars": run.Stars, "counts": run.Counts})
	if run.Status == pipeline.StatusFailed {
		evt = events.ForRun(events.RunFailed, run.ID, events.Payload{"error": run.Error})
	} else if err := l.Repo.InsertMagnitudesTx(ctx, tx, run.ID, mags); err != nil {
		return err
	}
	if err := l.writer().Append(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}
