package journal

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/tozd/go/errors"
	_ "modernc.org/sqlite"

	"github.com/CrystallineCore/Blazefox/internal/fault"
)

// Registry maps process identifiers to persisted journal locations so a later
// process can target a run for undo/redo. It is SQLite-backed and stored at
// $XDG_STATE_HOME/blazefox/registry.db (or the os temp dir).
type Registry struct {
	db   *sql.DB
	path string
}

// RunInfo is one registered run.
type RunInfo struct {
	PID         string
	JournalPath string
	Action      Action
	DryRun      bool
	Records     int
	CreatedAt   time.Time
}

// RegistryPath returns the default registry location.
func RegistryPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "blazefox", "registry.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "blazefox", "registry.db")
	}
	return filepath.Join(os.TempDir(), "blazefox-registry.db")
}

// OpenRegistry opens (or creates) the registry database at path. An empty
// path selects the default location.
func OpenRegistry(path string) (*Registry, error) {
	if path == "" {
		path = RegistryPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Errorf("%w: create registry dir: %w", fault.ErrJournal, err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Errorf("%w: open registry: %w", fault.ErrJournal, err)
	}

	r := &Registry{db: db, path: path}
	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			pid          TEXT PRIMARY KEY,
			journal_path TEXT NOT NULL,
			action       TEXT NOT NULL,
			dry_run      INTEGER NOT NULL,
			records      INTEGER NOT NULL,
			created_at   INTEGER NOT NULL
		);
	`)
	if err != nil {
		return errors.Errorf("%w: create registry schema: %w", fault.ErrJournal, err)
	}
	return nil
}

// Register records a completed run. Process identifiers are unique across
// all runs ever registered; a duplicate is a journal fault.
func (r *Registry) Register(info RunInfo) error {
	_, err := r.db.Exec(
		"INSERT INTO runs (pid, journal_path, action, dry_run, records, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		info.PID, info.JournalPath, string(info.Action), boolToInt(info.DryRun), info.Records, info.CreatedAt.UnixNano(),
	)
	if err != nil {
		return errors.Errorf("%w: register run %s: %w", fault.ErrJournal, info.PID, err)
	}
	return nil
}

// Lookup finds a registered run by process identifier.
func (r *Registry) Lookup(pid string) (RunInfo, error) {
	var (
		info      RunInfo
		action    string
		dryRun    int
		createdAt int64
	)
	err := r.db.QueryRow(
		"SELECT pid, journal_path, action, dry_run, records, created_at FROM runs WHERE pid = ?", pid,
	).Scan(&info.PID, &info.JournalPath, &action, &dryRun, &info.Records, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, errors.Errorf("%w: unknown process identifier %s", fault.ErrJournal, pid)
	}
	if err != nil {
		return RunInfo{}, errors.Errorf("%w: lookup %s: %w", fault.ErrJournal, pid, err)
	}
	info.Action = Action(action)
	info.DryRun = dryRun != 0
	info.CreatedAt = time.Unix(0, createdAt)
	return info, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Path returns the registry database location.
func (r *Registry) Path() string { return r.path }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
