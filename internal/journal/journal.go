package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/CrystallineCore/Blazefox/internal/fault"
)

// Journal is the single logical writer for one run's records. Sequence
// numbers are handed out at scheduling time; workers complete out of order,
// so Append holds finished records in a reorder buffer and flushes them
// strictly in sequence order. All methods are safe for concurrent use, with
// appends serialized through one critical section.
//
// A persisted journal file is append-only and may hold records of several
// runs; each record carries its process identifier.
type Journal struct {
	pid  string
	path string // "" = in-memory only

	mu        sync.Mutex
	f         *os.File
	nextSeq   uint64
	nextFlush uint64 // lowest seq not yet flushed
	pending   map[uint64]Record
	records   []Record
	truncated bool
	closed    bool
}

// New creates the journal for a fresh run. With a non-empty path the journal
// appends to that file, creating it (and its parent directory) if needed, and
// survives the process; with an empty path records live in memory only and
// undo/redo is available only within this process.
func New(pid, path string) (*Journal, error) {
	j := &Journal{
		pid:       pid,
		path:      path,
		nextSeq:   1,
		nextFlush: 1,
		pending:   make(map[uint64]Record),
	}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Errorf("%w: create journal dir: %w", fault.ErrJournal, err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Errorf("%w: open journal %s: %w", fault.ErrJournal, path, err)
		}
		j.f = f
	}

	remember(j)
	return j, nil
}

// OpenAppend reopens a persisted journal to append reversal records for the
// given run. Existing records (all runs in the file) are loaded so sequence
// numbering continues after the highest seen for this pid.
func OpenAppend(pid, path string) (*Journal, error) {
	records, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		pid:     pid,
		path:    path,
		pending: make(map[uint64]Record),
	}
	var maxSeq uint64
	for _, rec := range records {
		if rec.PID != pid {
			continue
		}
		j.records = append(j.records, rec)
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	if len(j.records) == 0 {
		return nil, errors.Errorf("%w: no records for process %s in %s", fault.ErrJournal, pid, path)
	}
	j.nextSeq = maxSeq + 1
	j.nextFlush = maxSeq + 1

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Errorf("%w: open journal %s: %w", fault.ErrJournal, path, err)
	}
	j.f = f
	return j, nil
}

// PID returns the run's process identifier.
func (j *Journal) PID() string { return j.pid }

// Path returns the persisted location, empty for in-memory journals.
func (j *Journal) Path() string { return j.path }

// Persisted reports whether the journal outlives the process.
func (j *Journal) Persisted() bool { return j.path != "" }

// NextSeq reserves the next sequence number. Called at scheduling time, so
// journal order reflects scheduling order regardless of worker completion.
func (j *Journal) NextSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.nextSeq
	j.nextSeq++
	return seq
}

// Append accepts one finished record. Records arriving out of order wait in
// the reorder buffer until every lower sequence number has been flushed.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return errors.Errorf("%w: append to closed journal", fault.ErrJournal)
	}
	if rec.Seq == 0 || rec.Seq >= j.nextSeq {
		return errors.Errorf("%w: record seq %d was never scheduled", fault.ErrJournal, rec.Seq)
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	rec.PID = j.pid

	j.pending[rec.Seq] = rec
	return j.flushContiguousLocked()
}

// flushContiguousLocked moves pending records into the log while they form an
// unbroken run from nextFlush.
func (j *Journal) flushContiguousLocked() error {
	for {
		rec, ok := j.pending[j.nextFlush]
		if !ok {
			return nil
		}
		if err := j.writeLocked(rec); err != nil {
			return err
		}
		delete(j.pending, j.nextFlush)
		j.nextFlush++
	}
}

func (j *Journal) writeLocked(rec Record) error {
	j.records = append(j.records, rec)
	if j.f == nil {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Errorf("%w: encode record %d: %w", fault.ErrJournal, rec.Seq, err)
	}
	line = append(line, '\n')
	if _, err := j.f.Write(line); err != nil {
		return errors.Errorf("%w: append record %d: %w", fault.ErrJournal, rec.Seq, err)
	}
	return nil
}

// MarkTruncated records that the run was cancelled before all scheduled work
// finished. Pending records are flushed in order even across gaps, then the
// truncation marker is appended.
func (j *Journal) MarkTruncated() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.truncated || j.closed {
		return nil
	}
	if err := j.drainPendingLocked(); err != nil {
		return err
	}
	j.truncated = true

	marker := Record{
		Seq:    j.nextSeq,
		PID:    j.pid,
		Action: ActionTruncated,
		Status: StatusSkipped,
		Time:   time.Now(),
	}
	j.nextSeq++
	j.nextFlush = j.nextSeq
	return j.writeLocked(marker)
}

func (j *Journal) drainPendingLocked() error {
	for j.nextFlush < j.nextSeq {
		if rec, ok := j.pending[j.nextFlush]; ok {
			if err := j.writeLocked(rec); err != nil {
				return err
			}
			delete(j.pending, j.nextFlush)
		}
		j.nextFlush++
	}
	return nil
}

// Truncated reports whether the run was cancelled mid-batch.
func (j *Journal) Truncated() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.truncated
}

// Records returns a copy of all flushed records in sequence order.
func (j *Journal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, len(j.records))
	copy(out, j.records)
	return out
}

// Len returns the number of flushed records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Reopen restores append rights on a closed journal so a reversal run can
// add its records. The existing history is untouched.
func (j *Journal) Reopen() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		return nil
	}
	if j.path != "" {
		f, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Errorf("%w: reopen journal %s: %w", fault.ErrJournal, j.path, err)
		}
		j.f = f
	}
	j.closed = false
	return nil
}

// Close flushes any buffered records and releases the file handle. The
// journal stays registered in the in-process table so same-process undo/redo
// can find it.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if err := j.drainPendingLocked(); err != nil {
		return err
	}
	j.closed = true
	if j.f != nil {
		if err := j.f.Close(); err != nil {
			return errors.Errorf("%w: close journal: %w", fault.ErrJournal, err)
		}
		j.f = nil
	}
	return nil
}

// In-process table of journals created during this process, so undo/redo can
// target runs that were never persisted.
var (
	liveMu sync.Mutex
	live   = make(map[string]*Journal)
)

func remember(j *Journal) {
	liveMu.Lock()
	defer liveMu.Unlock()
	live[j.pid] = j
}

// Lookup finds a journal created earlier in this process.
func Lookup(pid string) (*Journal, bool) {
	liveMu.Lock()
	defer liveMu.Unlock()
	j, ok := live[pid]
	return j, ok
}
