// Package ui renders the engine's event stream for the terminal.
package ui

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/CrystallineCore/Blazefox/internal/engine"
	"github.com/CrystallineCore/Blazefox/internal/event"
)

// Printer writes one line per file outcome. Quiet mode drops everything
// except failures.
type Printer struct {
	w     io.Writer
	quiet bool

	ok   *color.Color
	skip *color.Color
	bad  *color.Color
	dim  *color.Color
}

// NewPrinter creates a printer for the given writer.
func NewPrinter(w io.Writer, quiet bool) *Printer {
	return &Printer{
		w:     w,
		quiet: quiet,
		ok:    color.New(color.FgGreen),
		skip:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed, color.Bold),
		dim:   color.New(color.Faint),
	}
}

// Run consumes events until the channel closes.
func (p *Printer) Run(events <-chan event.Event) {
	for ev := range events {
		p.handle(ev)
	}
}

func (p *Printer) handle(ev event.Event) {
	switch ev.Type {
	case event.FileCompleted:
		if p.quiet {
			return
		}
		fmt.Fprintf(p.w, "%s  %s -> %s  %s\n",
			p.ok.Sprint("done"), ev.Path, ev.Dst, p.dim.Sprint(FormatBytes(ev.Size)))
	case event.FileSkipped:
		if p.quiet {
			return
		}
		fmt.Fprintf(p.w, "%s  %s\n", p.skip.Sprint("skip"), ev.Path)
	case event.FileFailed:
		fmt.Fprintf(p.w, "%s  %s  %s\n", p.bad.Sprint("FAIL"), ev.Path, errText(ev))
	case event.VerifyFailed:
		fmt.Fprintf(p.w, "%s  %s  %s\n", p.bad.Sprint("MISMATCH"), ev.Dst, errText(ev))
	case event.RunTruncated:
		fmt.Fprintf(p.w, "%s  run cancelled before completion\n", p.bad.Sprint("TRUNCATED"))
	}
}

func errText(ev event.Event) string {
	if ev.Error != nil {
		return ev.Error.Error()
	}
	return "error"
}

// Summary renders the closing line for a finished run.
func Summary(res engine.Result) string {
	line := fmt.Sprintf("%s applied, %s skipped, %s failed",
		FormatCount(res.Applied), FormatCount(res.Skipped), FormatCount(res.Failed))
	if res.Truncated {
		line += " (cancelled)"
	}
	if res.JournalPath != "" {
		line += fmt.Sprintf("\nrun %s journaled at %s", res.PID, res.JournalPath)
	} else if res.Applied > 0 {
		line += fmt.Sprintf("\nrun %s (journal not persisted)", res.PID)
	}
	return line
}
