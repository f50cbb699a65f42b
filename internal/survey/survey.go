// Package survey tiles the sky, one output file per cell.
package survey

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"guidemag/internal/filter"
	"guidemag/internal/logging"
	"guidemag/internal/output"
	"guidemag/internal/pipeline"
	"guidemag/internal/sky"
)

// Runner computes the magnitudes of explicit cells. *pipeline.Orchestrator
// satisfies it.
type Runner interface {
	RunCells(ctx context.Context, cells []int64, curve *filter.Curve) (pipeline.Result, error)
}

// Cell outcomes.
const (
	Written = "written"
	Skipped = "skipped"
	Failed  = "failed"
)

// Options configure a survey.
type Options struct {
	// Cells restricts the survey; every cell of the order when empty.
	Cells     []int64
	Workers   int
	Overwrite bool
	Output    output.Options
	Log       logging.Logger
	// OnCellDone is called once per cell, possibly from several goroutines.
	OnCellDone func(cell int64, outcome string, err error)
}

// Summary counts cell outcomes.
type Summary struct {
	Cells   int     `json:"cells"`
	Written int     `json:"written"`
	Skipped int     `json:"skipped"`
	Failed  []int64 `json:"failed"`
	Stars   int     `json:"stars"`
}

// FileName names the output file of cell. Cell numbers are zero padded to
// the width of the largest cell at order so names sort in cell order.
func FileName(idx sky.CellIndexer, cell int64, format string) string {
	width := len(strconv.FormatInt(idx.NumCells()-1, 10))
	return fmt.Sprintf("guidemag_%d_%0*d%s", idx.Order(), width, cell, output.Extension(format))
}

// Run processes cells on at most opts.Workers goroutines. Cells whose file
// already exists are skipped unless opts.Overwrite. A failing cell is logged
// and left without a file so a later run retries it; cancellation stops the
// survey.
func Run(ctx context.Context, runner Runner, sink output.Sink, idx sky.CellIndexer, curve *filter.Curve, opts Options) (Summary, error) {
	cells := opts.Cells
	if len(cells) == 0 {
		cells = make([]int64, idx.NumCells())
		for i := range cells {
			cells[i] = int64(i)
		}
	}
	for _, c := range cells {
		if c < 0 || c >= idx.NumCells() {
			return Summary{}, fmt.Errorf("cell %d out of range at order %d", c, idx.Order())
		}
	}
	if opts.Output.Format == "" {
		opts.Output.Format = output.FormatParquet
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}

	sum := Summary{Cells: len(cells)}
	var mu sync.Mutex
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, cell := range cells {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return sum, ctx.Err()
		}
		wg.Add(1)
		go func(cell int64) {
			defer func() {
				<-sem
				wg.Done()
			}()
			outcome, stars, err := processCell(ctx, runner, sink, idx, curve, cell, opts)
			mu.Lock()
			switch outcome {
			case Written:
				sum.Written++
				sum.Stars += stars
			case Skipped:
				sum.Skipped++
			case Failed:
				sum.Failed = append(sum.Failed, cell)
			}
			mu.Unlock()
			if err != nil && ctx.Err() == nil {
				log.Warn(ctx, "cell failed", logging.Int64("cell", cell), logging.Err(err))
			}
			if opts.OnCellDone != nil {
				opts.OnCellDone(cell, outcome, err)
			}
		}(cell)
	}
	wg.Wait()
	slices.Sort(sum.Failed)
	return sum, ctx.Err()
}

func processCell(ctx context.Context, runner Runner, sink output.Sink, idx sky.CellIndexer, curve *filter.Curve, cell int64, opts Options) (string, int, error) {
	name := FileName(idx, cell, opts.Output.Format)
	if !opts.Overwrite {
		exists, err := sink.Exists(ctx, name)
		if err != nil {
			return Failed, 0, err
		}
		if exists {
			return Skipped, 0, nil
		}
	}
	res, err := runner.RunCells(ctx, []int64{cell}, curve)
	if err != nil {
		return Failed, 0, err
	}
	var buf bytes.Buffer
	if err := output.Encode(&buf, res.Magnitudes, opts.Output); err != nil {
		return Failed, 0, err
	}
	if err := sink.Put(ctx, name, buf.Bytes()); err != nil {
		return Failed, 0, err
	}
	return Written, len(res.Magnitudes), nil
}
