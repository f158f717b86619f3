// Package engine runs bulk copy and move batches: it walks the source,
// fingerprints candidates, resolves conflicts, transfers files in parallel,
// and journals every outcome so runs can be undone and redone.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/CrystallineCore/Blazefox/internal/digest"
	"github.com/CrystallineCore/Blazefox/internal/event"
	"github.com/CrystallineCore/Blazefox/internal/fault"
	"github.com/CrystallineCore/Blazefox/internal/filter"
	"github.com/CrystallineCore/Blazefox/internal/journal"
	"github.com/CrystallineCore/Blazefox/internal/resolve"
	"github.com/CrystallineCore/Blazefox/internal/stats"
)

// Copy transfers the selected files under source into dest.
func Copy(ctx context.Context, source, dest string, opts Options) (Result, error) {
	return run(ctx, journal.ActionCopy, source, dest, opts)
}

// Move transfers the selected files under source into dest and removes each
// source file once its copy has landed.
func Move(ctx context.Context, source, dest string, opts Options) (Result, error) {
	return run(ctx, journal.ActionMove, source, dest, opts)
}

// fingerprinted is a candidate with its content digest, or the failure that
// prevented computing one.
type fingerprinted struct {
	cand filter.Candidate
	dg   digest.Digest
	err  error
}

// task is one scheduled transfer. The sequence number is assigned before the
// task leaves the scheduler, so journal order reflects scheduling order no
// matter which worker finishes first.
type task struct {
	seq  uint64
	src  string
	dst  string
	size int64
	dg   digest.Digest
}

func run(ctx context.Context, action journal.Action, source, dest string, opts Options) (Result, error) {
	st, err := opts.normalize()
	if err != nil {
		return Result{}, err
	}

	src := filter.Source{Root: source, Recurse: st.Recurse, Rules: st.rules}
	if err := src.Validate(); err != nil {
		return Result{}, err
	}
	if err := prepareDest(dest, st.NoCreate, st.DryRun); err != nil {
		return Result{}, err
	}

	pid := journal.NewPID()
	jpath := st.JournalPath
	if st.DryRun {
		// A preview changes nothing, so there is nothing to undo later.
		jpath = ""
	}
	jnl, err := journal.New(pid, jpath)
	if err != nil {
		return Result{}, err
	}

	log := st.Logger.With().Str("pid", pid).Str("action", string(action)).Logger()
	log.Info().Str("source", source).Str("dest", dest).Bool("dry_run", st.DryRun).Msg("run started")
	event.Emit(st.Events, event.Event{Type: event.RunStarted, Action: string(action), PID: pid, Path: source, Dst: dest})

	var index *dedupIndex
	if st.RecursiveCheck {
		index, err = buildDedupIndex(ctx, dest, st.algo, st.chunk, st.Workers, log)
		if err != nil {
			jnl.Close()
			return Result{}, err
		}
	}

	col := stats.NewCollector()
	resolver := resolve.New(st.mode, st.Decide)

	var (
		failMu   sync.Mutex
		failures []Failure
	)
	fail := func(path string, err error) {
		failMu.Lock()
		failures = append(failures, Failure{Path: path, Err: err})
		failMu.Unlock()
	}
	appendRec := func(rec journal.Record) {
		if err := jnl.Append(rec); err != nil {
			log.Error().Err(err).Uint64("seq", rec.Seq).Msg("journal append failed")
			fail(jnl.Path(), err)
		}
	}

	cands, walkErrs := src.Walk(ctx)
	walkDone := make(chan struct{})
	go func() {
		defer close(walkDone)
		for err := range walkErrs {
			log.Warn().Err(err).Msg("walk error")
			fail(source, err)
		}
	}()

	fpCh := make(chan fingerprinted, st.Workers)
	taskCh := make(chan task, st.Workers)

	var fpGroup errgroup.Group
	for i := 0; i < st.Workers; i++ {
		fpGroup.Go(func() error {
			for cand := range cands {
				dg, err := digest.File(cand.Path, st.algo, st.chunk)
				select {
				case fpCh <- fingerprinted{cand: cand, dg: dg, err: err}:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	go func() {
		fpGroup.Wait()
		close(fpCh)
	}()

	go func() {
		defer close(taskCh)
		schedule(ctx, schedCtx{
			action:   action,
			pid:      pid,
			dest:     dest,
			st:       st,
			jnl:      jnl,
			resolver: resolver,
			index:    index,
			col:      col,
			fail:     fail,
			record:   appendRec,
		}, fpCh, taskCh)
	}()

	var tGroup errgroup.Group
	for i := 0; i < st.Workers; i++ {
		tGroup.Go(func() error {
			for t := range taskCh {
				transferOne(ctx, action, pid, t, st, resolver, index, col, fail, appendRec, log)
			}
			return nil
		})
	}
	tGroup.Wait()
	<-walkDone

	truncated := false
	if ctx.Err() != nil {
		truncated = true
		if err := jnl.MarkTruncated(); err != nil {
			fail(jnl.Path(), err)
		}
		event.Emit(st.Events, event.Event{Type: event.RunTruncated, Action: string(action), PID: pid})
		log.Warn().Msg("run truncated")
	}

	records := jnl.Len()
	if err := jnl.Close(); err != nil {
		fail(jnl.Path(), err)
	}

	if jnl.Persisted() {
		if err := registerRun(st.RegistryPath, journal.RunInfo{
			PID:         pid,
			JournalPath: jnl.Path(),
			Action:      action,
			DryRun:      st.DryRun,
			Records:     records,
			CreatedAt:   time.Now(),
		}); err != nil {
			log.Error().Err(err).Msg("registry update failed")
			fail(jnl.Path(), err)
		}
	}

	snap := col.Snapshot()
	res := Result{
		PID:         pid,
		Candidates:  snap.Candidates,
		Applied:     snap.Applied,
		Skipped:     snap.Skipped,
		Failed:      snap.Failed,
		Failures:    failures,
		Truncated:   truncated,
		JournalPath: jnl.Path(),
	}
	event.Emit(st.Events, event.Event{Type: event.RunCompleted, Action: string(action), PID: pid})
	log.Info().
		Int64("applied", snap.Applied).
		Int64("skipped", snap.Skipped).
		Int64("failed", snap.Failed).
		Str("bytes", stats.FormatBytes(snap.BytesCopied)).
		Dur("elapsed", snap.Elapsed).
		Msg("run completed")
	return res, nil
}

// prepareDest ensures the destination root exists as a directory.
func prepareDest(dest string, noCreate, dryRun bool) error {
	info, err := os.Stat(dest)
	switch {
	case err == nil:
		if !info.IsDir() {
			return errors.Errorf("%w: destination %s is not a directory", fault.ErrValidation, dest)
		}
		return nil
	case os.IsNotExist(err):
		if noCreate {
			return errors.Errorf("%w: destination %s does not exist", fault.ErrValidation, dest)
		}
		if dryRun {
			return nil
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return errors.Errorf("%w: create destination %s: %w", fault.ErrFilesystem, dest, err)
		}
		return nil
	default:
		return errors.Errorf("%w: stat destination %s: %w", fault.ErrFilesystem, dest, err)
	}
}

type schedCtx struct {
	action   journal.Action
	pid      string
	dest     string
	st       settings
	jnl      *journal.Journal
	resolver *resolve.Resolver
	index    *dedupIndex
	col      *stats.Collector
	fail     func(string, error)
	record   func(journal.Record)
}

// schedule runs single-threaded: it assigns sequence numbers, detects
// conflicts, applies the resolution policy, and hands clean transfer tasks to
// the worker pool. Running it on one goroutine keeps sequence assignment and
// name reservation race-free.
func schedule(ctx context.Context, sc schedCtx, fpCh <-chan fingerprinted, taskCh chan<- task) {
	for fp := range fpCh {
		sc.col.AddCandidates(1)
		seq := sc.jnl.NextSeq()
		rec := journal.Record{Seq: seq, PID: sc.pid, Action: sc.action, Src: fp.cand.Path}

		if fp.err != nil {
			rec.Status = journal.StatusFailed
			rec.Reason = fp.err.Error()
			sc.record(rec)
			sc.col.AddFailed(1)
			sc.fail(fp.cand.Path, fp.err)
			event.Emit(sc.st.Events, event.Event{
				Type: event.FileFailed, Action: string(sc.action), PID: sc.pid,
				Path: fp.cand.Path, Seq: seq, Error: fp.err,
			})
			continue
		}
		rec.SetDigest(fp.dg)

		target := filepath.Join(sc.dest, fp.cand.RelPath)
		dst, res, err := sc.placeCandidate(fp, target)
		if err != nil {
			rec.Status = journal.StatusFailed
			rec.Reason = err.Error()
			rec.Dst = target
			sc.record(rec)
			sc.col.AddFailed(1)
			sc.fail(fp.cand.Path, err)
			event.Emit(sc.st.Events, event.Event{
				Type: event.FileFailed, Action: string(sc.action), PID: sc.pid,
				Path: fp.cand.Path, Dst: target, Seq: seq, Error: err,
			})
			continue
		}
		if res.Mode == resolve.Skip {
			rec.Status = journal.StatusSkipped
			rec.Dst = target
			rec.Reason = res.Reason
			sc.record(rec)
			sc.col.AddSkipped(1)
			event.Emit(sc.st.Events, event.Event{
				Type: event.FileSkipped, Action: string(sc.action), PID: sc.pid,
				Path: fp.cand.Path, Dst: target, Seq: seq,
			})
			continue
		}

		if sc.index != nil {
			sc.index.add(fp.dg, dst)
		}

		select {
		case taskCh <- task{seq: seq, src: fp.cand.Path, dst: dst, size: fp.cand.Size, dg: fp.dg}:
		case <-ctx.Done():
			sc.resolver.Release(dst)
			if sc.index != nil {
				sc.index.remove(fp.dg, dst)
			}
			rec.Status = journal.StatusSkipped
			rec.Dst = dst
			rec.Reason = "cancelled"
			sc.record(rec)
			sc.col.AddSkipped(1)
		}
	}
}

// placeCandidate decides the final destination path for one fingerprinted
// candidate, reserving it for the caller. A Skip resolution means no path was
// reserved and no transfer should happen.
func (sc schedCtx) placeCandidate(fp fingerprinted, target string) (string, resolve.Resolution, error) {
	var c resolve.Conflict
	conflict := false

	if sc.index != nil {
		if dupPath, ok := sc.index.lookup(fp.dg); ok {
			c = resolve.Conflict{
				SrcPath:        fp.cand.Path,
				DstPath:        target,
				Existing:       dupPath,
				SrcDigest:      fp.dg,
				ExistingDigest: fp.dg,
				Duplicate:      true,
			}
			conflict = true
		}
	}

	if !conflict {
		info, err := os.Lstat(target)
		switch {
		case err == nil:
			var exDg digest.Digest
			if info.Mode().IsRegular() {
				exDg, err = digest.File(target, sc.st.algo, sc.st.chunk)
				if err != nil {
					return "", resolve.Resolution{}, errors.Errorf(
						"%w: fingerprint existing %s: %w", fault.ErrFilesystem, target, err)
				}
			}
			c = resolve.Conflict{
				SrcPath:        fp.cand.Path,
				DstPath:        target,
				Existing:       target,
				SrcDigest:      fp.dg,
				ExistingDigest: exDg,
			}
			conflict = true
		case os.IsNotExist(err):
			if !sc.resolver.TryReserve(target) {
				// Another candidate of this run already targets this name.
				c = resolve.Conflict{
					SrcPath:   fp.cand.Path,
					DstPath:   target,
					Existing:  target,
					SrcDigest: fp.dg,
				}
				conflict = true
			}
		default:
			return "", resolve.Resolution{}, errors.Errorf(
				"%w: probe %s: %w", fault.ErrFilesystem, target, err)
		}
	}

	if !conflict {
		return target, resolve.Resolution{DstPath: target}, nil
	}

	res, err := sc.resolver.Resolve(c)
	if err != nil {
		return "", resolve.Resolution{}, err
	}
	return res.DstPath, res, nil
}

// transferOne executes one scheduled task and journals exactly one record
// for it.
func transferOne(
	ctx context.Context,
	action journal.Action,
	pid string,
	t task,
	st settings,
	resolver *resolve.Resolver,
	index *dedupIndex,
	col *stats.Collector,
	fail func(string, error),
	appendRec func(journal.Record),
	log zerolog.Logger,
) {
	rec := journal.Record{Seq: t.seq, PID: pid, Action: action, Src: t.src, Dst: t.dst}
	rec.SetDigest(t.dg)

	if ctx.Err() != nil {
		resolver.Release(t.dst)
		if index != nil {
			index.remove(t.dg, t.dst)
		}
		rec.Status = journal.StatusSkipped
		rec.Reason = "cancelled"
		appendRec(rec)
		col.AddSkipped(1)
		return
	}

	event.Emit(st.Events, event.Event{
		Type: event.FileStarted, Action: string(action), PID: pid,
		Path: t.src, Dst: t.dst, Size: t.size, Seq: t.seq,
	})

	if st.DryRun {
		rec.Status = journal.StatusApplied
		rec.Reason = "dry-run"
		appendRec(rec)
		col.AddApplied(1)
		event.Emit(st.Events, event.Event{
			Type: event.FileCompleted, Action: string(action), PID: pid,
			Path: t.src, Dst: t.dst, Size: t.size, Seq: t.seq,
		})
		return
	}

	written, err := executeTransfer(transferSpec{
		src:          t.src,
		dst:          t.dst,
		size:         t.size,
		want:         t.dg,
		chunk:        st.chunk,
		preserveMeta: st.PreserveMeta,
		verify:       st.Verify,
		removeSrc:    action == journal.ActionMove,
	})
	if err != nil {
		resolver.Release(t.dst)
		if index != nil {
			index.remove(t.dg, t.dst)
		}
		rec.Status = journal.StatusFailed
		rec.Reason = err.Error()
		appendRec(rec)
		col.AddFailed(1)
		fail(t.src, err)
		typ := event.FileFailed
		if errors.Is(err, fault.ErrVerification) {
			col.AddVerifyFailed(1)
			typ = event.VerifyFailed
		}
		log.Warn().Err(err).Str("src", t.src).Str("dst", t.dst).Msg("transfer failed")
		event.Emit(st.Events, event.Event{
			Type: typ, Action: string(action), PID: pid,
			Path: t.src, Dst: t.dst, Size: t.size, Seq: t.seq, Error: err,
		})
		return
	}

	rec.Status = journal.StatusApplied
	appendRec(rec)
	col.AddApplied(1)
	col.AddBytesCopied(written)
	event.Emit(st.Events, event.Event{
		Type: event.FileCompleted, Action: string(action), PID: pid,
		Path: t.src, Dst: t.dst, Size: written, Seq: t.seq,
	})
}

// registerRun opens the registry just long enough to record one run.
func registerRun(registryPath string, info journal.RunInfo) error {
	reg, err := journal.OpenRegistry(registryPath)
	if err != nil {
		return err
	}
	defer reg.Close()
	return reg.Register(info)
}
