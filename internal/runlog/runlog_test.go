package runlog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"guidemag/internal/db"
	"guidemag/internal/domain"
	"guidemag/internal/migrate"
	"guidemag/internal/repo"
	"guidemag/internal/runlog"
)

type testEnv struct {
	Log runlog.Log
	Ctx context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := runlog.New(conn)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Log: l, Ctx: context.Background()}
}

func f(v float64) *float64 { return &v }

func newRun(id, started string) domain.Run {
	return domain.Run{
		ID: id, Region: "cone (10.000000, 20.000000) r=0.5", Filter: "guider",
		Order: 8, Convention: "photon", Status: "running", StartedAt: started,
	}
}

func TestCompletedRunRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	run := newRun("run-1", "2024-01-01T00:00:00Z")
	if err := env.Log.StartRun(env.Ctx, run); err != nil {
		t.Fatalf("start: %v", err)
	}
	mags := []domain.SyntheticMagnitude{
		{SourceID: 5, RA: 10, Dec: 20, Filter: "guider", Magnitude: f(12.5), Flux: f(1e-14), Quality: domain.QualityTemplate, Template: "g2v"},
		{SourceID: 2, RA: 10.1, Dec: 20.1, Filter: "guider", Quality: domain.QualityUnavailable},
	}
	fin := "2024-01-01T00:00:05Z"
	run.Status, run.Stars, run.FinishedAt = "completed", 2, &fin
	run.Counts = map[string]int{"template-match": 1, "unavailable": 1}
	if err := env.Log.FinishRun(env.Ctx, run, mags); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := env.Log.Repo.GetRun(env.Ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "completed" || got.Stars != 2 || got.Counts["unavailable"] != 1 || got.FinishedAt == nil {
		t.Fatalf("unexpected run %+v", got)
	}
	stored, err := env.Log.Repo.ListMagnitudes(env.Ctx, "run-1")
	if err != nil {
		t.Fatalf("list magnitudes: %v", err)
	}
	if len(stored) != 2 || stored[0].SourceID != 5 || stored[1].SourceID != 2 {
		t.Fatalf("magnitudes out of order: %+v", stored)
	}
	if stored[0].Magnitude == nil || *stored[0].Magnitude != 12.5 || stored[0].Template != "g2v" {
		t.Fatalf("magnitude not stored: %+v", stored[0])
	}
	if stored[1].Magnitude != nil {
		t.Fatalf("unavailable star got a magnitude")
	}
	evts, err := env.Log.Repo.ListEvents(env.Ctx, "run-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 2 || evts[0].Type != "run.started" || evts[1].Type != "run.completed" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestFailedRunKeepsNoMagnitudes(t *testing.T) {
	env := newTestEnv(t)
	run := newRun("run-2", "2024-01-01T00:00:00Z")
	if err := env.Log.StartRun(env.Ctx, run); err != nil {
		t.Fatalf("start: %v", err)
	}
	run.Status, run.Error = "failed", "catalog retries exhausted"
	if err := env.Log.FinishRun(env.Ctx, run, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := env.Log.Repo.GetRun(env.Ctx, "run-2")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "failed" || got.Error == "" {
		t.Fatalf("unexpected run %+v", got)
	}
	evts, _ := env.Log.Repo.ListEvents(env.Ctx, "run-2")
	if len(evts) != 2 || evts[1].Type != "run.failed" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestListRunsPaging(t *testing.T) {
	env := newTestEnv(t)
	for i, started := range []string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z"} {
		if err := env.Log.StartRun(env.Ctx, newRun(string(rune('a'+i)), started)); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	page, err := env.Log.Repo.ListRunsWithCursor(env.Ctx, "", 2, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "c" || page[1].ID != "b" {
		t.Fatalf("unexpected first page %+v", page)
	}
	last := page[len(page)-1]
	page, err = env.Log.Repo.ListRunsWithCursor(env.Ctx, "", 2, last.StartedAt, last.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 || page[0].ID != "a" {
		t.Fatalf("unexpected second page %+v", page)
	}
	if runs, _ := env.Log.Repo.ListRuns(env.Ctx, "completed", 0); len(runs) != 0 {
		t.Fatalf("status filter ignored: %+v", runs)
	}
}

func TestMissingRun(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Log.Repo.GetRun(env.Ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
