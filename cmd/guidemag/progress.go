package main

import (
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
)

// bar is a single progress tracker rendered on stderr. A nil *bar is a no-op.
type bar struct {
	pw      progress.Writer
	tracker *progress.Tracker
	done    chan struct{}
}

func startBar(message string, total int64, hidden bool) *bar {
	if hidden || total <= 0 {
		return nil
	}
	pw := progress.NewWriter()
	pw.SetOutputWriter(os.Stderr)
	pw.SetAutoStop(true)
	pw.SetTrackerLength(40)
	pw.SetUpdateFrequency(250 * time.Millisecond)
	pw.Style().Visibility.ETA = true
	pw.Style().Visibility.Value = true
	t := &progress.Tracker{Message: message, Total: total, Units: progress.UnitsDefault}
	pw.AppendTracker(t)
	b := &bar{pw: pw, tracker: t, done: make(chan struct{})}
	go func() {
		pw.Render()
		close(b.done)
	}()
	return b
}

func (b *bar) Increment() {
	if b != nil {
		b.tracker.Increment(1)
	}
}

// Stop marks the tracker finished and waits for the final render.
func (b *bar) Stop(failed bool) {
	if b == nil {
		return
	}
	if failed {
		b.tracker.MarkAsErrored()
	} else {
		b.tracker.MarkAsDone()
	}
	<-b.done
}
