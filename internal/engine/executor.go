package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/CrystallineCore/Blazefox/internal/digest"
	"github.com/CrystallineCore/Blazefox/internal/fault"
	"github.com/CrystallineCore/Blazefox/internal/platform"
)

// transferSpec describes one file movement for the executor.
type transferSpec struct {
	src          string
	dst          string
	size         int64
	want         digest.Digest // content identity of src at transfer time
	chunk        int
	preserveMeta bool
	verify       bool
	removeSrc    bool // move semantics: delete src after the copy lands
}

// executeTransfer copies one file through a temp name in the destination
// directory and renames it into place, so the destination never exposes a
// half-written file and overwrites replace atomically. On any failure the
// temp file is removed and the destination (and, for moves, the source) is
// left untouched.
func executeTransfer(spec transferSpec) (int64, error) {
	dir := filepath.Dir(spec.dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Errorf("%w: create %s: %w", fault.ErrFilesystem, dir, err)
	}

	tmpName := fmt.Sprintf(".%s.%s.blazefox-tmp", filepath.Base(spec.dst), uuid.NewString()[:8])
	tmpPath := filepath.Join(dir, tmpName)

	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, errors.Errorf("%w: create temp %s: %w", fault.ErrFilesystem, tmpPath, err)
	}
	defer os.Remove(tmpPath) // no-op once the rename lands

	written, err := platform.Copy(spec.src, tmp, spec.size)
	if err != nil {
		tmp.Close()
		return 0, errors.Errorf("%w: copy %s: %w", fault.ErrFilesystem, spec.src, err)
	}

	var srcInfo os.FileInfo
	if spec.preserveMeta {
		srcInfo, err = os.Stat(spec.src)
		if err != nil {
			tmp.Close()
			return 0, errors.Errorf("%w: stat %s: %w", fault.ErrFilesystem, spec.src, err)
		}
		if err := unix.Fchmod(int(tmp.Fd()), uint32(srcInfo.Mode().Perm())); err != nil {
			tmp.Close()
			return 0, errors.Errorf("%w: chmod %s: %w", fault.ErrFilesystem, tmpPath, err)
		}
	}

	if err := tmp.Close(); err != nil {
		return 0, errors.Errorf("%w: close temp %s: %w", fault.ErrFilesystem, tmpPath, err)
	}

	if srcInfo != nil {
		mtime := srcInfo.ModTime()
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			return 0, errors.Errorf("%w: set times on %s: %w", fault.ErrFilesystem, tmpPath, err)
		}
	}

	if spec.verify {
		got, err := digest.File(tmpPath, spec.want.Algo, spec.chunk)
		if err != nil {
			return 0, errors.Errorf("%w: re-read %s: %w", fault.ErrFilesystem, tmpPath, err)
		}
		if !spec.want.Equal(got) {
			return 0, errors.Errorf("%w: %s: wrote %s, expected %s",
				fault.ErrVerification, spec.dst, got, spec.want)
		}
	}

	if err := os.Rename(tmpPath, spec.dst); err != nil {
		return 0, errors.Errorf("%w: rename into %s: %w", fault.ErrFilesystem, spec.dst, err)
	}

	if spec.removeSrc {
		if err := os.Remove(spec.src); err != nil {
			return written, errors.Errorf("%w: remove moved source %s: %w", fault.ErrFilesystem, spec.src, err)
		}
	}
	return written, nil
}

// guardedRemove deletes path after confirming its content still matches
// want. force skips the check. Used by undo/redo so externally modified
// files are never silently destroyed.
func guardedRemove(path string, want digest.Digest, chunk int, force bool) error {
	if !force {
		got, err := digest.File(path, want.Algo, chunk)
		if err != nil {
			return errors.Errorf("%w: read %s: %w", fault.ErrUndoConflict, path, err)
		}
		if !want.Equal(got) {
			return errors.Errorf("%w: %s holds %s, journal recorded %s", fault.ErrUndoConflict, path, got, want)
		}
	}
	if err := os.Remove(path); err != nil {
		return errors.Errorf("%w: remove %s: %w", fault.ErrFilesystem, path, err)
	}
	return nil
}
