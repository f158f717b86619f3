package journal

import (
	"bufio"
	"encoding/json"
	"os"

	"gitlab.com/tozd/go/errors"

	"github.com/CrystallineCore/Blazefox/internal/fault"
)

// maxLineSize bounds a single journal line; paths plus a digest fit easily.
const maxLineSize = 1 << 20

// ReadFile parses a persisted journal. The file is append-only, so a crash
// can leave a partial final line: parsing stops at the last well-formed
// record in that case. A malformed line anywhere else means the file was
// tampered with and is a journal fault.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("%w: open journal %s: %w", fault.ErrJournal, path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	var bad bool // a line failed to parse; only acceptable as the final line
	var badLine int
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if bad {
			return nil, errors.Errorf("%w: %s: malformed record at line %d", fault.ErrJournal, path, badLine)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Seq == 0 {
			bad = true
			badLine = line
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Errorf("%w: read journal %s: %w", fault.ErrJournal, path, err)
	}
	return records, nil
}

// FilterPID returns the records belonging to one run, in sequence order as
// stored.
func FilterPID(records []Record, pid string) []Record {
	var out []Record
	for _, rec := range records {
		if rec.PID == pid {
			out = append(out, rec)
		}
	}
	return out
}
