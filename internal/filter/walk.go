package filter

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/CrystallineCore/Blazefox/internal/fault"
)

// Candidate is one file selected under the source root. Candidates are
// ephemeral: they exist only for the duration of a run and are never
// persisted.
type Candidate struct {
	Path    string // absolute (or root-joined) path
	RelPath string // relative to the source root
	Size    int64
	ModTime time.Time
}

// Source describes where and how to collect candidates.
type Source struct {
	Root    string
	Recurse bool
	Rules   *Chain
}

// Validate checks the source root. A missing root or a root that is not a
// directory is a validation fault.
func (s Source) Validate() error {
	info, err := os.Stat(s.Root)
	if err != nil {
		return errors.Errorf("%w: source root %s: %w", fault.ErrValidation, s.Root, err)
	}
	if !info.IsDir() {
		return errors.Errorf("%w: source root %s is not a directory", fault.ErrValidation, s.Root)
	}
	return nil
}

// Walk lazily yields the candidates under the root, single level unless
// Recurse is set. Each call starts a fresh traversal, so the sequence is
// restartable. Per-entry failures go to the error channel and the walk
// continues; both channels close when the traversal ends.
//
// Symlinks are never followed and never selected: only regular files become
// candidates.
func (s Source) Walk(ctx context.Context) (<-chan Candidate, <-chan error) {
	out := make(chan Candidate)
	errs := make(chan error, 16)

	go func() {
		defer close(out)
		defer close(errs)
		if s.Recurse {
			s.walkTree(ctx, out, errs)
		} else {
			s.walkFlat(ctx, out, errs)
		}
	}()

	return out, errs
}

func (s Source) walkFlat(ctx context.Context, out chan<- Candidate, errs chan<- error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		sendErr(errs, errors.Errorf("%w: read %s: %w", fault.ErrFilesystem, s.Root, err))
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.Type().IsRegular() {
			continue
		}
		s.emit(ctx, out, errs, filepath.Join(s.Root, entry.Name()), entry)
	}
}

func (s Source) walkTree(ctx context.Context, out chan<- Candidate, errs chan<- error) {
	_ = filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			sendErr(errs, errors.Errorf("%w: walk %s: %w", fault.ErrFilesystem, path, err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		s.emit(ctx, out, errs, path, d)
		return nil
	})
}

func (s Source) emit(ctx context.Context, out chan<- Candidate, errs chan<- error, path string, d fs.DirEntry) {
	if s.Rules != nil && !s.Rules.Match(d.Name()) {
		return
	}
	info, err := d.Info()
	if err != nil {
		sendErr(errs, errors.Errorf("%w: stat %s: %w", fault.ErrFilesystem, path, err))
		return
	}
	rel, err := filepath.Rel(s.Root, path)
	if err != nil {
		rel = d.Name()
	}
	select {
	case out <- Candidate{Path: path, RelPath: rel, Size: info.Size(), ModTime: info.ModTime()}:
	case <-ctx.Done():
	}
}

func sendErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}
