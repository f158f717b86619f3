package engine

import (
	"context"
	"os"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/CrystallineCore/Blazefox/internal/digest"
	"github.com/CrystallineCore/Blazefox/internal/event"
	"github.com/CrystallineCore/Blazefox/internal/fault"
	"github.com/CrystallineCore/Blazefox/internal/journal"
	"github.com/CrystallineCore/Blazefox/internal/stats"
)

// Undo reverses the applied records of an earlier run, newest first. Each
// reversal is guarded: a file whose content no longer matches the journaled
// digest is left alone and reported, unless Force is set.
func Undo(ctx context.Context, pid string, opts Options) (Result, error) {
	return replay(ctx, journal.ActionUndo, pid, opts)
}

// Redo re-applies records that a previous undo reversed, oldest first, under
// the same divergence guards.
func Redo(ctx context.Context, pid string, opts Options) (Result, error) {
	return replay(ctx, journal.ActionRedo, pid, opts)
}

// opState is the folded effect of the journal on one original record:
// applied, then toggled by any undo/redo reversals that reference it.
type opState struct {
	rec    journal.Record
	undone bool
}

func replay(ctx context.Context, action journal.Action, pid string, opts Options) (Result, error) {
	st, err := opts.normalize()
	if err != nil {
		return Result{}, err
	}

	jnl, records, err := locateRun(pid, st)
	if err != nil {
		return Result{}, err
	}
	for _, rec := range records {
		if rec.Status == journal.StatusApplied && rec.Reason == "dry-run" {
			return Result{}, errors.Errorf(
				"%w: run %s was a dry run and changed nothing", fault.ErrJournal, pid)
		}
	}

	ops, order := foldHistory(records)
	if action == journal.ActionUndo {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	if !st.DryRun {
		if err := jnl.Reopen(); err != nil {
			return Result{}, err
		}
	}
	defer jnl.Close()

	log := st.Logger.With().Str("pid", pid).Str("action", string(action)).Logger()
	log.Info().Int("operations", len(order)).Bool("dry_run", st.DryRun).Msg("replay started")
	event.Emit(st.Events, event.Event{Type: event.RunStarted, Action: string(action), PID: pid})

	col := stats.NewCollector()
	var failures []Failure
	failedPaths := make(map[string]struct{})
	truncated := false

	for _, seq := range order {
		if ctx.Err() != nil {
			truncated = true
			break
		}
		s := ops[seq]
		col.AddCandidates(1)

		var out reversalOutcome
		switch {
		case pathBlocked(failedPaths, s.rec):
			out = reversalOutcome{status: journal.StatusSkipped, reason: "earlier reversal on this path failed"}
		case action == journal.ActionUndo && s.undone && !st.Force:
			out = reversalOutcome{status: journal.StatusSkipped, reason: "already undone"}
		case action == journal.ActionRedo && !s.undone && !st.Force:
			out = reversalOutcome{status: journal.StatusSkipped, reason: "not undone"}
		case action == journal.ActionUndo:
			out = undoOne(s.rec, st)
		default:
			out = redoOne(s.rec, st)
		}

		rec := journal.Record{
			Action: action,
			Src:    s.rec.Src,
			Dst:    s.rec.Dst,
			Ref:    s.rec.Seq,
			Status: out.status,
			Reason: out.reason,
		}
		rec.SetDigest(s.rec.ContentDigest())

		switch out.status {
		case journal.StatusApplied:
			col.AddApplied(1)
			col.AddBytesCopied(out.bytes)
			if action == journal.ActionUndo {
				s.undone = true
			} else {
				s.undone = false
			}
			event.Emit(st.Events, event.Event{
				Type: event.FileCompleted, Action: string(action), PID: pid,
				Path: s.rec.Dst, Dst: s.rec.Src, Seq: s.rec.Seq,
			})
		case journal.StatusSkipped:
			col.AddSkipped(1)
			event.Emit(st.Events, event.Event{
				Type: event.FileSkipped, Action: string(action), PID: pid,
				Path: s.rec.Dst, Seq: s.rec.Seq,
			})
		case journal.StatusFailed:
			col.AddFailed(1)
			failures = append(failures, Failure{Path: s.rec.Dst, Err: out.err})
			failedPaths[s.rec.Src] = struct{}{}
			failedPaths[s.rec.Dst] = struct{}{}
			if out.err != nil {
				rec.Reason = out.err.Error()
			}
			log.Warn().Err(out.err).Uint64("ref", s.rec.Seq).Msg("reversal failed")
			event.Emit(st.Events, event.Event{
				Type: event.FileFailed, Action: string(action), PID: pid,
				Path: s.rec.Dst, Seq: s.rec.Seq, Error: out.err,
			})
		}

		if !st.DryRun {
			rec.Seq = jnl.NextSeq()
			rec.Time = time.Now()
			if err := jnl.Append(rec); err != nil {
				failures = append(failures, Failure{Path: jnl.Path(), Err: err})
			}
		}
	}

	if truncated && !st.DryRun {
		if err := jnl.MarkTruncated(); err != nil {
			failures = append(failures, Failure{Path: jnl.Path(), Err: err})
		}
		event.Emit(st.Events, event.Event{Type: event.RunTruncated, Action: string(action), PID: pid})
	}

	snap := col.Snapshot()
	event.Emit(st.Events, event.Event{Type: event.RunCompleted, Action: string(action), PID: pid})
	log.Info().
		Int64("applied", snap.Applied).
		Int64("skipped", snap.Skipped).
		Int64("failed", snap.Failed).
		Msg("replay completed")
	return Result{
		PID:         pid,
		Candidates:  snap.Candidates,
		Applied:     snap.Applied,
		Skipped:     snap.Skipped,
		Failed:      snap.Failed,
		Failures:    failures,
		Truncated:   truncated,
		JournalPath: jnl.Path(),
	}, nil
}

// locateRun finds the journal holding the run's records: the in-process table
// first, then an explicit journal path, then the registry.
func locateRun(pid string, st settings) (*journal.Journal, []journal.Record, error) {
	if jnl, ok := journal.Lookup(pid); ok {
		return jnl, jnl.Records(), nil
	}

	path := st.JournalPath
	if path == "" {
		reg, err := journal.OpenRegistry(st.RegistryPath)
		if err != nil {
			return nil, nil, err
		}
		info, lerr := reg.Lookup(pid)
		reg.Close()
		if lerr != nil {
			return nil, nil, lerr
		}
		path = info.JournalPath
	}

	jnl, err := journal.OpenAppend(pid, path)
	if err != nil {
		return nil, nil, err
	}
	return jnl, jnl.Records(), nil
}

// foldHistory reduces the journal to the current applied/undone state of each
// original record. Reversal records toggle the state of the record their Ref
// points at; history itself is never rewritten.
func foldHistory(records []journal.Record) (map[uint64]*opState, []uint64) {
	ops := make(map[uint64]*opState)
	var order []uint64

	for _, rec := range records {
		switch rec.Action {
		case journal.ActionCopy, journal.ActionMove:
			if rec.Status == journal.StatusApplied {
				ops[rec.Seq] = &opState{rec: rec}
				order = append(order, rec.Seq)
			}
		case journal.ActionUndo:
			if rec.Status == journal.StatusApplied {
				if s, ok := ops[rec.Ref]; ok {
					s.undone = true
				}
			}
		case journal.ActionRedo:
			if rec.Status == journal.StatusApplied {
				if s, ok := ops[rec.Ref]; ok {
					s.undone = false
				}
			}
		}
	}
	return ops, order
}

func pathBlocked(failed map[string]struct{}, rec journal.Record) bool {
	if _, ok := failed[rec.Src]; ok {
		return true
	}
	_, ok := failed[rec.Dst]
	return ok
}

// reversalOutcome is the result of attempting one undo or redo step.
type reversalOutcome struct {
	status journal.Status
	reason string
	bytes  int64
	err    error
}

func failedOutcome(err error) reversalOutcome {
	return reversalOutcome{status: journal.StatusFailed, err: err}
}

// undoOne reverses a single applied record. Undoing a copy removes the
// destination; undoing a move transfers the file back and then removes the
// destination. In dry-run mode only the guards execute.
func undoOne(rec journal.Record, st settings) reversalOutcome {
	dg := rec.ContentDigest()

	switch rec.Action {
	case journal.ActionCopy:
		if st.DryRun {
			if err := checkDigest(rec.Dst, dg, st.chunk, st.Force); err != nil {
				return failedOutcome(err)
			}
			return reversalOutcome{status: journal.StatusApplied, reason: "dry-run"}
		}
		if err := guardedRemove(rec.Dst, dg, st.chunk, st.Force); err != nil {
			return failedOutcome(err)
		}
		return reversalOutcome{status: journal.StatusApplied}

	case journal.ActionMove:
		if err := checkDigest(rec.Dst, dg, st.chunk, st.Force); err != nil {
			return failedOutcome(err)
		}

		srcOccupied := false
		if _, err := os.Lstat(rec.Src); err == nil {
			got, derr := digest.File(rec.Src, dg.Algo, st.chunk)
			if derr != nil {
				return failedOutcome(errors.Errorf("%w: read %s: %w", fault.ErrUndoConflict, rec.Src, derr))
			}
			if !dg.Equal(got) && !st.Force {
				return failedOutcome(errors.Errorf(
					"%w: original path %s was reoccupied with different content", fault.ErrUndoConflict, rec.Src))
			}
			srcOccupied = true
		} else if !os.IsNotExist(err) {
			return failedOutcome(errors.Errorf("%w: probe %s: %w", fault.ErrFilesystem, rec.Src, err))
		}

		if st.DryRun {
			return reversalOutcome{status: journal.StatusApplied, reason: "dry-run"}
		}
		if srcOccupied {
			// Content is already back (or Force waived the guard); dropping
			// the destination completes the reversal.
			if err := os.Remove(rec.Dst); err != nil {
				return failedOutcome(errors.Errorf("%w: remove %s: %w", fault.ErrFilesystem, rec.Dst, err))
			}
			return reversalOutcome{status: journal.StatusApplied, reason: "content already at original path"}
		}

		info, err := os.Stat(rec.Dst)
		if err != nil {
			return failedOutcome(errors.Errorf("%w: stat %s: %w", fault.ErrFilesystem, rec.Dst, err))
		}
		written, err := executeTransfer(transferSpec{
			src:       rec.Dst,
			dst:       rec.Src,
			size:      info.Size(),
			want:      dg,
			chunk:     st.chunk,
			verify:    st.Verify,
			removeSrc: true,
		})
		if err != nil {
			return failedOutcome(err)
		}
		return reversalOutcome{status: journal.StatusApplied, bytes: written}

	default:
		return failedOutcome(errors.Errorf("%w: cannot reverse %s record", fault.ErrJournal, rec.Action))
	}
}

// redoOne re-applies a single undone record under the same guards.
func redoOne(rec journal.Record, st settings) reversalOutcome {
	dg := rec.ContentDigest()

	if err := checkDigest(rec.Src, dg, st.chunk, st.Force); err != nil {
		return failedOutcome(err)
	}

	dstOccupied := false
	if _, err := os.Lstat(rec.Dst); err == nil {
		got, derr := digest.File(rec.Dst, dg.Algo, st.chunk)
		if derr != nil {
			return failedOutcome(errors.Errorf("%w: read %s: %w", fault.ErrUndoConflict, rec.Dst, derr))
		}
		if !dg.Equal(got) && !st.Force {
			return failedOutcome(errors.Errorf(
				"%w: destination %s was reoccupied with different content", fault.ErrUndoConflict, rec.Dst))
		}
		dstOccupied = dg.Equal(got)
	} else if !os.IsNotExist(err) {
		return failedOutcome(errors.Errorf("%w: probe %s: %w", fault.ErrFilesystem, rec.Dst, err))
	}

	if st.DryRun {
		return reversalOutcome{status: journal.StatusApplied, reason: "dry-run"}
	}

	if dstOccupied {
		if rec.Action == journal.ActionMove {
			if err := os.Remove(rec.Src); err != nil {
				return failedOutcome(errors.Errorf("%w: remove %s: %w", fault.ErrFilesystem, rec.Src, err))
			}
		}
		return reversalOutcome{status: journal.StatusApplied, reason: "content already at destination"}
	}

	info, err := os.Stat(rec.Src)
	if err != nil {
		return failedOutcome(errors.Errorf("%w: stat %s: %w", fault.ErrFilesystem, rec.Src, err))
	}
	written, err := executeTransfer(transferSpec{
		src:       rec.Src,
		dst:       rec.Dst,
		size:      info.Size(),
		want:      dg,
		chunk:     st.chunk,
		verify:    st.Verify,
		removeSrc: rec.Action == journal.ActionMove,
	})
	if err != nil {
		return failedOutcome(err)
	}
	return reversalOutcome{status: journal.StatusApplied, bytes: written}
}

// checkDigest verifies that path still holds the journaled content. Force
// downgrades a mismatch to a pass but a missing file always fails.
func checkDigest(path string, want digest.Digest, chunk int, force bool) error {
	got, err := digest.File(path, want.Algo, chunk)
	if err != nil {
		return errors.Errorf("%w: read %s: %w", fault.ErrUndoConflict, path, err)
	}
	if !want.Equal(got) && !force {
		return errors.Errorf("%w: %s holds %s, journal recorded %s", fault.ErrUndoConflict, path, got, want)
	}
	return nil
}
