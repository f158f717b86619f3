// Package resolve decides what happens when a candidate file collides with
// existing destination content, by name or by content.
package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gitlab.com/tozd/go/errors"

	"github.com/CrystallineCore/Blazefox/internal/digest"
	"github.com/CrystallineCore/Blazefox/internal/fault"
)

// Mode is a conflict-resolution policy.
type Mode string

const (
	Rename    Mode = "rename"
	Skip      Mode = "skip"
	Overwrite Mode = "overwrite"

	// Defer hands the decision to an injected callback. The engine never
	// blocks on a human: with no callback registered a deferred conflict
	// fails that file.
	Defer Mode = "defer"
)

// ParseMode validates a mode name. Empty selects Rename.
func ParseMode(name string) (Mode, error) {
	if name == "" {
		return Rename, nil
	}
	m := Mode(name)
	switch m {
	case Rename, Skip, Overwrite, Defer:
		return m, nil
	}
	return "", errors.Errorf("%w: unknown conflict mode %q", fault.ErrValidation, name)
}

// Conflict describes one collision to resolve.
type Conflict struct {
	SrcPath        string
	DstPath        string        // the literal target path
	Existing       string        // colliding path: the target, or a duplicate found elsewhere
	SrcDigest      digest.Digest
	ExistingDigest digest.Digest // zero when the colliding content is unknown (in-flight reservation)
	Duplicate      bool          // content match found away from the target path
}

// DecisionFunc supplies the deferred decision. It is evaluated once per
// conflicting file and must return Rename, Skip, or Overwrite.
type DecisionFunc func(Conflict) (Mode, error)

// Resolution is the resolver's verdict for one candidate.
type Resolution struct {
	Mode    Mode   // effective decision: Rename, Skip, or Overwrite
	DstPath string // final destination path (differs from the target under Rename)
	Reason  string
}

// Resolver applies the configured policy and owns the destination-namespace
// reservations that keep generated names collision-free across workers.
type Resolver struct {
	mode   Mode
	decide DecisionFunc

	mu       sync.Mutex
	reserved map[string]struct{}
}

// New creates a resolver for one run.
func New(mode Mode, decide DecisionFunc) *Resolver {
	return &Resolver{
		mode:     mode,
		decide:   decide,
		reserved: make(map[string]struct{}),
	}
}

// TryReserve claims a destination path for the caller. It returns false if an
// earlier candidate of this run already claimed it. The lock is held only for
// the map update, never during I/O.
func (r *Resolver) TryReserve(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.reserved[path]; taken {
		return false
	}
	r.reserved[path] = struct{}{}
	return true
}

// Release returns a reservation, used when a transfer fails and the name
// becomes available again.
func (r *Resolver) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, path)
}

// Resolve decides the outcome for one conflict.
//
// Identical content always resolves to Skip before any policy applies: the
// engine never re-copies bytes it can prove are already present.
func (r *Resolver) Resolve(c Conflict) (Resolution, error) {
	if c.SrcDigest.Equal(c.ExistingDigest) {
		return Resolution{
			Mode:    Skip,
			DstPath: c.DstPath,
			Reason:  fmt.Sprintf("identical content at %s", c.Existing),
		}, nil
	}

	mode := r.mode
	if mode == Defer {
		if r.decide == nil {
			return Resolution{}, errors.Errorf(
				"%w: conflict on %s deferred with no decision callback", fault.ErrConflict, c.DstPath)
		}
		decided, err := r.decide(c)
		if err != nil {
			return Resolution{}, errors.Errorf("%w: decision callback for %s: %w", fault.ErrConflict, c.DstPath, err)
		}
		if decided == Defer {
			return Resolution{}, errors.Errorf(
				"%w: decision callback for %s deferred again", fault.ErrConflict, c.DstPath)
		}
		mode = decided
	}

	switch mode {
	case Skip:
		return Resolution{Mode: Skip, DstPath: c.DstPath, Reason: "destination occupied"}, nil
	case Overwrite:
		if !r.TryReserve(c.DstPath) {
			// Another candidate of this run owns the target; fall back to
			// a generated name rather than clobbering in-flight work.
			return r.renamed(c)
		}
		return Resolution{Mode: Overwrite, DstPath: c.DstPath}, nil
	case Rename:
		return r.renamed(c)
	default:
		return Resolution{}, errors.Errorf("%w: unknown conflict mode %q", fault.ErrValidation, string(mode))
	}
}

func (r *Resolver) renamed(c Conflict) (Resolution, error) {
	path, err := r.NextName(c.DstPath)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Mode: Rename, DstPath: path}, nil
}

// NextName deterministically generates "name (n).ext" for increasing n until
// it finds a path that neither exists on disk nor is reserved by this run,
// then reserves it.
func (r *Resolver) NextName(target string) (string, error) {
	dir := filepath.Dir(target)
	name := filepath.Base(target)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if !r.TryReserve(candidate) {
			continue
		}
		if _, err := os.Lstat(candidate); err == nil {
			r.Release(candidate)
			continue
		} else if !os.IsNotExist(err) {
			r.Release(candidate)
			return "", errors.Errorf("%w: probe %s: %w", fault.ErrFilesystem, candidate, err)
		}
		return candidate, nil
	}
}
