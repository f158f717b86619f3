package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrystallineCore/Blazefox/internal/digest"
	"github.com/CrystallineCore/Blazefox/internal/fault"
)

func TestJournal_ReorderBuffer(t *testing.T) {
	j, err := New(NewPID(), "")
	require.NoError(t, err)

	s1 := j.NextSeq()
	s2 := j.NextSeq()
	s3 := j.NextSeq()

	// Workers finish out of order.
	require.NoError(t, j.Append(Record{Seq: s3, Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.Append(Record{Seq: s2, Action: ActionCopy, Status: StatusSkipped}))
	assert.Equal(t, 0, j.Len(), "nothing flushes until seq 1 arrives")

	require.NoError(t, j.Append(Record{Seq: s1, Action: ActionCopy, Status: StatusApplied}))
	recs := j.Records()
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Seq, "records flush in strict sequence order")
	}
}

func TestJournal_AppendUnscheduledSeq(t *testing.T) {
	j, err := New(NewPID(), "")
	require.NoError(t, err)

	err = j.Append(Record{Seq: 7})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrJournal)
}

func TestJournal_PersistAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.journal")
	pid := NewPID()

	j, err := New(pid, path)
	require.NoError(t, err)

	d := digest.Digest{Algo: digest.XXHash, Sum: "deadbeef"}
	rec := Record{Seq: j.NextSeq(), Action: ActionMove, Src: "/a", Dst: "/b", Status: StatusApplied}
	rec.SetDigest(d)
	require.NoError(t, j.Append(rec))
	require.NoError(t, j.Close())

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pid, got[0].PID)
	assert.Equal(t, ActionMove, got[0].Action)
	assert.True(t, d.Equal(got[0].ContentDigest()))
}

func TestJournal_SharedFileFiltersByPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.journal")

	first, err := New("pid-one", path)
	require.NoError(t, err)
	require.NoError(t, first.Append(Record{Seq: first.NextSeq(), Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, first.Close())

	second, err := New("pid-two", path)
	require.NoError(t, err)
	require.NoError(t, second.Append(Record{Seq: second.NextSeq(), Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, second.Close())

	all, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, FilterPID(all, "pid-one"), 1)
	assert.Len(t, FilterPID(all, "pid-two"), 1)
}

func TestReadFile_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.journal")
	pid := NewPID()

	j, err := New(pid, path)
	require.NoError(t, err)
	require.NoError(t, j.Append(Record{Seq: j.NextSeq(), Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.Append(Record{Seq: j.NextSeq(), Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.Close())

	// Simulate a crash mid-append: partial final line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"action":"co`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := ReadFile(path)
	require.NoError(t, err, "recovery reads up to the last well-formed record")
	assert.Len(t, got, 2)
}

func TestReadFile_CorruptMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.journal")
	content := `{"seq":1,"pid":"x","action":"copy","status":"applied","time":"2026-01-02T03:04:05Z"}
not json at all
{"seq":2,"pid":"x","action":"copy","status":"applied","time":"2026-01-02T03:04:06Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := ReadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrJournal)
}

func TestJournal_MarkTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.journal")
	j, err := New(NewPID(), path)
	require.NoError(t, err)

	s1 := j.NextSeq()
	_ = j.NextSeq() // scheduled but never completed
	s3 := j.NextSeq()

	require.NoError(t, j.Append(Record{Seq: s1, Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.Append(Record{Seq: s3, Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.MarkTruncated())
	require.NoError(t, j.Close())

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ActionTruncated, got[2].Action)
	assert.True(t, j.Truncated())
}

func TestOpenAppend_ContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.journal")
	pid := NewPID()

	j, err := New(pid, path)
	require.NoError(t, err)
	require.NoError(t, j.Append(Record{Seq: j.NextSeq(), Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.Append(Record{Seq: j.NextSeq(), Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.Close())

	re, err := OpenAppend(pid, path)
	require.NoError(t, err)
	seq := re.NextSeq()
	assert.Equal(t, uint64(3), seq)
	require.NoError(t, re.Append(Record{Seq: seq, Action: ActionUndo, Ref: 2, Status: StatusApplied}))
	require.NoError(t, re.Close())

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ActionUndo, got[2].Action)
	assert.Equal(t, uint64(2), got[2].Ref)
}

func TestOpenAppend_UnknownPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.journal")
	j, err := New(NewPID(), path)
	require.NoError(t, err)
	require.NoError(t, j.Append(Record{Seq: j.NextSeq(), Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.Close())

	_, err = OpenAppend("no-such-pid", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrJournal)
}

func TestLookup_LiveJournal(t *testing.T) {
	pid := NewPID()
	j, err := New(pid, "")
	require.NoError(t, err)

	got, ok := Lookup(pid)
	require.True(t, ok)
	assert.Same(t, j, got)

	_, ok = Lookup("missing")
	assert.False(t, ok)
}

func TestJournal_ReopenAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.journal")
	j, err := New(NewPID(), path)
	require.NoError(t, err)
	require.NoError(t, j.Append(Record{Seq: j.NextSeq(), Action: ActionCopy, Status: StatusApplied}))
	require.NoError(t, j.Close())

	require.NoError(t, j.Reopen())
	seq := j.NextSeq()
	require.NoError(t, j.Append(Record{Seq: seq, Action: ActionUndo, Ref: 1, Status: StatusApplied}))
	require.NoError(t, j.Close())

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
