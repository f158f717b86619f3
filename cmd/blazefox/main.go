package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CrystallineCore/Blazefox/internal/config"
	"github.com/CrystallineCore/Blazefox/internal/engine"
	"github.com/CrystallineCore/Blazefox/internal/event"
	"github.com/CrystallineCore/Blazefox/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "blazefox",
		Short:         "Bulk file copy and move with dedup, conflict handling, and undoable runs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newTransferCmd(false))
	rootCmd.AddCommand(newTransferCmd(true))
	rootCmd.AddCommand(newReplayCmd(false))
	rootCmd.AddCommand(newReplayCmd(true))
	rootCmd.AddCommand(docsCmd)
	return rootCmd
}

// transferFlags mirrors engine.Options for the copy and move commands.
type transferFlags struct {
	resolve        string
	algorithm      string
	chunkSize      int
	dryRun         bool
	preserveMeta   bool
	verify         bool
	recurse        bool
	recursiveCheck bool
	hasExtension   bool
	noCreate       bool
	includeRegex   string
	excludeRegex   string
	includeGlob    string
	excludeGlob    string
	journalPath    string
	noJournal      bool
	workers        int
	quiet          bool
	verbose        bool
}

func newTransferCmd(move bool) *cobra.Command {
	name, short := "copy", "Copy the selected files under a source directory into a destination"
	if move {
		name, short = "move", "Move the selected files under a source directory into a destination"
	}

	var f transferFlags
	cmd := &cobra.Command{
		Use:           name + " [flags] <source> <destination>",
		Short:         short,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd, args[0], args[1], move, &f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.resolve, "resolve", "", "conflict mode: rename, skip, overwrite, defer (default rename)")
	fl.StringVar(&f.algorithm, "algorithm", "", "digest algorithm: xxhash, blake3, md5, sha256, sha512 (default xxhash)")
	fl.IntVar(&f.chunkSize, "chunk-size", 0, "read buffer size in bytes (default 1 MiB)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "report what would happen without writing")
	fl.BoolVarP(&f.preserveMeta, "preserve-meta", "p", false, "preserve permissions and timestamps")
	fl.BoolVar(&f.verify, "verify", false, "re-hash each file after transfer and fail on mismatch")
	fl.BoolVarP(&f.recurse, "recurse", "r", false, "descend into subdirectories of the source")
	fl.BoolVar(&f.recursiveCheck, "recursive-check", false, "fingerprint the whole destination tree for content dedup")
	fl.BoolVar(&f.hasExtension, "has-extension", false, "match filter patterns against the file extension only")
	fl.BoolVar(&f.noCreate, "no-create", false, "fail instead of creating a missing destination")
	fl.StringVar(&f.includeRegex, "include-regex", "", "select only names matching this regular expression")
	fl.StringVar(&f.excludeRegex, "exclude-regex", "", "drop names matching this regular expression")
	fl.StringVar(&f.includeGlob, "include-glob", "", "select only names matching this glob")
	fl.StringVar(&f.excludeGlob, "exclude-glob", "", "drop names matching this glob")
	fl.StringVar(&f.journalPath, "journal", "", "journal file path (default under the state directory)")
	fl.BoolVar(&f.noJournal, "no-journal", false, "keep the journal in memory only")
	fl.IntVarP(&f.workers, "workers", "n", 0, "transfer worker count (default min(NumCPU, 8))")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "suppress all output except errors")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "verbose diagnostics")
	return cmd
}

func runTransfer(cmd *cobra.Command, source, dest string, move bool, f *transferFlags) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: config: %v\n", err)
	}
	applyConfigDefaults(cmd, cfg.Defaults, f)

	journalPath := f.journalPath
	if journalPath == "" && !f.noJournal && !f.dryRun {
		journalPath = defaultJournalPath(cfg.Defaults.JournalDir)
	}

	logger := newLogger(f.verbose)
	events := make(chan event.Event, 256)
	printer := ui.NewPrinter(os.Stdout, f.quiet)

	var printWg sync.WaitGroup
	printWg.Add(1)
	go func() {
		defer printWg.Done()
		printer.Run(events)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := engine.Options{
		Resolve:        f.resolve,
		Algorithm:      f.algorithm,
		ChunkSize:      f.chunkSize,
		DryRun:         f.dryRun,
		PreserveMeta:   f.preserveMeta,
		Verify:         f.verify,
		Recurse:        f.recurse,
		RecursiveCheck: f.recursiveCheck,
		HasExtension:   f.hasExtension,
		NoCreate:       f.noCreate,
		IncludeRegex:   f.includeRegex,
		ExcludeRegex:   f.excludeRegex,
		IncludeGlob:    f.includeGlob,
		ExcludeGlob:    f.excludeGlob,
		JournalPath:    journalPath,
		Workers:        f.workers,
		Events:         events,
		Logger:         logger,
	}

	var res engine.Result
	if move {
		res, err = engine.Move(ctx, source, dest, opts)
	} else {
		res, err = engine.Copy(ctx, source, dest, opts)
	}
	stop()
	close(events)
	printWg.Wait()

	if err != nil {
		return err
	}
	return finish(res, f.quiet)
}

// replayFlags configures the undo and redo commands.
type replayFlags struct {
	force       bool
	dryRun      bool
	verify      bool
	journalPath string
	quiet       bool
	verbose     bool
}

func newReplayCmd(redo bool) *cobra.Command {
	name, short := "undo", "Reverse the applied records of an earlier run"
	if redo {
		name, short = "redo", "Re-apply records reversed by an earlier undo"
	}

	var f replayFlags
	cmd := &cobra.Command{
		Use:           name + " [flags] <run-id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args[0], redo, &f)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.force, "force", false, "bypass content-divergence guards")
	fl.BoolVar(&f.dryRun, "dry-run", false, "report what would happen without writing")
	fl.BoolVar(&f.verify, "verify", false, "re-hash each restored file and fail on mismatch")
	fl.StringVar(&f.journalPath, "journal", "", "journal file holding the run (default: consult the registry)")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "suppress all output except errors")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "verbose diagnostics")
	return cmd
}

func runReplay(pid string, redo bool, f *replayFlags) error {
	logger := newLogger(f.verbose)
	events := make(chan event.Event, 256)
	printer := ui.NewPrinter(os.Stdout, f.quiet)

	var printWg sync.WaitGroup
	printWg.Add(1)
	go func() {
		defer printWg.Done()
		printer.Run(events)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := engine.Options{
		Force:       f.force,
		DryRun:      f.dryRun,
		Verify:      f.verify,
		JournalPath: f.journalPath,
		Events:      events,
		Logger:      logger,
	}

	var (
		res engine.Result
		err error
	)
	if redo {
		res, err = engine.Redo(ctx, pid, opts)
	} else {
		res, err = engine.Undo(ctx, pid, opts)
	}
	stop()
	close(events)
	printWg.Wait()

	if err != nil {
		return err
	}
	return finish(res, f.quiet)
}

func finish(res engine.Result, quiet bool) error {
	if !quiet {
		fmt.Fprintln(os.Stderr, ui.Summary(res))
	}
	if res.Failed > 0 || len(res.Failures) > 0 {
		if res.Applied > 0 {
			return &exitError{code: 1} // partial failure
		}
		return &exitError{code: 2}
	}
	return nil
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, d config.DefaultsConfig, f *transferFlags) {
	if !cmd.Flags().Changed("algorithm") && d.Algorithm != nil {
		f.algorithm = *d.Algorithm
	}
	if !cmd.Flags().Changed("resolve") && d.Resolve != nil {
		f.resolve = *d.Resolve
	}
	if !cmd.Flags().Changed("workers") && d.Workers != nil {
		f.workers = *d.Workers
	}
	if !cmd.Flags().Changed("verify") && d.Verify != nil {
		f.verify = *d.Verify
	}
	if !cmd.Flags().Changed("preserve-meta") && d.PreserveMeta != nil {
		f.preserveMeta = *d.PreserveMeta
	}
	if !cmd.Flags().Changed("chunk-size") && d.ChunkSize != nil {
		f.chunkSize = *d.ChunkSize
	}
}

// defaultJournalPath places each run's journal in its own file under the
// state directory, so journals append-only per run and never interleave.
func defaultJournalPath(configured *string) string {
	dir := ""
	if configured != nil {
		dir = *configured
	}
	if dir == "" {
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			dir = filepath.Join(state, "blazefox", "journals")
		} else if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "state", "blazefox", "journals")
		} else {
			dir = filepath.Join(os.TempDir(), "blazefox-journals")
		}
	}
	name := fmt.Sprintf("%s-%s.jsonl", time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	return filepath.Join(dir, name)
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
