package ui

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/CrystallineCore/Blazefox/internal/engine"
	"github.com/CrystallineCore/Blazefox/internal/event"
)

func runPrinter(quiet bool, evs ...event.Event) string {
	color.NoColor = true
	var buf bytes.Buffer
	p := NewPrinter(&buf, quiet)
	ch := make(chan event.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	p.Run(ch)
	return buf.String()
}

func TestPrinterLines(t *testing.T) {
	out := runPrinter(false,
		event.Event{Type: event.FileCompleted, Path: "/src/a.txt", Dst: "/dst/a.txt", Size: 5},
		event.Event{Type: event.FileSkipped, Path: "/src/b.txt"},
		event.Event{Type: event.FileFailed, Path: "/src/c.txt", Error: errors.New("boom")},
	)

	assert.Contains(t, out, "done  /src/a.txt -> /dst/a.txt")
	assert.Contains(t, out, "skip  /src/b.txt")
	assert.Contains(t, out, "FAIL  /src/c.txt  boom")
}

func TestPrinterQuietKeepsFailures(t *testing.T) {
	out := runPrinter(true,
		event.Event{Type: event.FileCompleted, Path: "/src/a.txt", Dst: "/dst/a.txt"},
		event.Event{Type: event.FileFailed, Path: "/src/c.txt", Error: errors.New("boom")},
	)

	assert.NotContains(t, out, "done")
	assert.Contains(t, out, "FAIL  /src/c.txt  boom")
}

func TestPrinterVerifyMismatch(t *testing.T) {
	out := runPrinter(false,
		event.Event{Type: event.VerifyFailed, Dst: "/dst/a.txt", Error: errors.New("digest mismatch")},
	)
	assert.Contains(t, out, "MISMATCH  /dst/a.txt")
}

func TestSummary(t *testing.T) {
	line := Summary(engine.Result{
		PID:         "abc",
		Applied:     1200,
		Skipped:     3,
		Failed:      0,
		JournalPath: "/state/run.jsonl",
	})
	assert.Contains(t, line, "1,200 applied, 3 skipped, 0 failed")
	assert.Contains(t, line, "run abc journaled at /state/run.jsonl")

	truncated := Summary(engine.Result{Truncated: true})
	assert.Contains(t, truncated, "(cancelled)")
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0", FormatCount(0))
	assert.Equal(t, "999", FormatCount(999))
	assert.Equal(t, "1,000", FormatCount(1000))
	assert.Equal(t, "1,234,567", FormatCount(1234567))
	assert.Equal(t, "-1,000", FormatCount(-1000))
}
