package engine

import (
	"runtime"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/CrystallineCore/Blazefox/internal/digest"
	"github.com/CrystallineCore/Blazefox/internal/event"
	"github.com/CrystallineCore/Blazefox/internal/fault"
	"github.com/CrystallineCore/Blazefox/internal/filter"
	"github.com/CrystallineCore/Blazefox/internal/resolve"
)

// Options configures a run. The zero value is a valid configuration: rename
// conflicts, xxhash digests, 1 MiB chunks, no filters, no persistence.
type Options struct {
	// Resolve names the conflict-resolution mode: rename, skip, overwrite,
	// or defer. Empty means rename.
	Resolve string

	// Algorithm names the digest algorithm. Empty means xxhash.
	Algorithm string

	// ChunkSize is the digest read-buffer length in bytes; it never affects
	// digest values. Zero means 1 MiB. Negative is a validation error.
	ChunkSize int

	DryRun       bool
	PreserveMeta bool
	Verify       bool
	Recurse      bool

	// RecursiveCheck fingerprints the whole destination subtree before the
	// run so content duplicates anywhere under it resolve to skip.
	RecursiveCheck bool

	HasExtension bool
	NoCreate     bool

	IncludeRegex string
	ExcludeRegex string
	IncludeGlob  string
	ExcludeGlob  string

	// JournalPath persists the run's journal for later undo/redo. Empty
	// keeps the journal in memory: undo/redo then only works within this
	// process.
	JournalPath string

	// RegistryPath overrides the process-registry location (tests mostly).
	RegistryPath string

	// Force bypasses divergence guards during undo/redo.
	Force bool

	// Workers bounds the fingerprint/transfer pool. Zero picks a default.
	Workers int

	// Events receives the engine's progress stream; nil discards it.
	Events chan<- event.Event

	// Decide supplies deferred conflict decisions.
	Decide resolve.DecisionFunc

	// Logger receives engine diagnostics; the zero value is disabled.
	Logger zerolog.Logger
}

// settings is the validated form of Options.
type settings struct {
	Options
	algo  digest.Algorithm
	mode  resolve.Mode
	chunk int
	rules *filter.Chain
}

func (o Options) normalize() (settings, error) {
	s := settings{Options: o}

	var err error
	if s.algo, err = digest.Parse(o.Algorithm); err != nil {
		return s, errors.Errorf("%w: %w", fault.ErrValidation, err)
	}
	if s.mode, err = resolve.ParseMode(o.Resolve); err != nil {
		return s, err
	}
	if o.ChunkSize < 0 {
		return s, errors.Errorf("%w: chunk size %d must be positive", fault.ErrValidation, o.ChunkSize)
	}
	s.chunk = o.ChunkSize
	if s.chunk == 0 {
		s.chunk = digest.DefaultChunkSize
	}

	s.rules, err = filter.Rules{
		IncludeRegex: o.IncludeRegex,
		ExcludeRegex: o.ExcludeRegex,
		IncludeGlob:  o.IncludeGlob,
		ExcludeGlob:  o.ExcludeGlob,
		HasExtension: o.HasExtension,
	}.Compile()
	if err != nil {
		return s, err
	}

	if s.Workers <= 0 {
		s.Workers = min(runtime.NumCPU(), 8)
	}
	return s, nil
}

// Failure is one per-file problem from a run.
type Failure struct {
	Path string
	Err  error
}

// Result reports a completed run. Per-file failures land here; only
// validation and journal faults surface as errors before any work happens.
type Result struct {
	PID         string
	Candidates  int64
	Applied     int64
	Skipped     int64
	Failed      int64
	Failures    []Failure
	Truncated   bool
	JournalPath string
}
