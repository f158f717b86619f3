package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrystallineCore/Blazefox/internal/fault"
	"github.com/CrystallineCore/Blazefox/internal/journal"
	"github.com/CrystallineCore/Blazefox/internal/resolve"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCopyBasic(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "b.txt"), "bravo")
	writeFile(t, filepath.Join(src, "sub", "c.txt"), "charlie")

	res, err := Copy(context.Background(), src, dst, Options{Recurse: true, Workers: 2})
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.Candidates)
	assert.Equal(t, int64(3), res.Applied)
	assert.Equal(t, int64(0), res.Failed)
	assert.Equal(t, "alpha", readFile(t, filepath.Join(dst, "a.txt")))
	assert.Equal(t, "bravo", readFile(t, filepath.Join(dst, "b.txt")))
	assert.Equal(t, "charlie", readFile(t, filepath.Join(dst, "sub", "c.txt")))

	// Sources stay put on copy.
	assert.FileExists(t, filepath.Join(src, "a.txt"))
}

func TestCopyFlatIgnoresSubdirs(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "top.txt"), "top")
	writeFile(t, filepath.Join(src, "sub", "deep.txt"), "deep")

	res, err := Copy(context.Background(), src, dst, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Applied)
	assert.NoFileExists(t, filepath.Join(dst, "sub", "deep.txt"))
}

func TestCopyGlobFilter(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "report.txt"), "report")
	writeFile(t, filepath.Join(src, "notes.txt"), "notes")
	writeFile(t, filepath.Join(src, "image.png"), "png")

	res, err := Copy(context.Background(), src, dst, Options{IncludeGlob: "*.txt"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.Candidates)
	assert.Equal(t, int64(2), res.Applied)
	assert.NoFileExists(t, filepath.Join(dst, "image.png"))
}

func TestCopyConflictRename(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "report.txt"), "new version")
	writeFile(t, filepath.Join(dst, "report.txt"), "old version")

	res, err := Copy(context.Background(), src, dst, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Applied)
	assert.Equal(t, "old version", readFile(t, filepath.Join(dst, "report.txt")))
	assert.Equal(t, "new version", readFile(t, filepath.Join(dst, "report (1).txt")))
}

func TestCopyConflictSkip(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "report.txt"), "new version")
	writeFile(t, filepath.Join(dst, "report.txt"), "old version")

	res, err := Copy(context.Background(), src, dst, Options{Resolve: "skip"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Applied)
	assert.Equal(t, int64(1), res.Skipped)
	assert.Equal(t, "old version", readFile(t, filepath.Join(dst, "report.txt")))
}

func TestCopyConflictOverwrite(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "report.txt"), "new version")
	writeFile(t, filepath.Join(dst, "report.txt"), "old version")

	res, err := Copy(context.Background(), src, dst, Options{Resolve: "overwrite"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Applied)
	assert.Equal(t, "new version", readFile(t, filepath.Join(dst, "report.txt")))
	assert.NoFileExists(t, filepath.Join(dst, "report (1).txt"))
}

func TestCopyIdenticalContentAlwaysSkips(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "same.txt"), "identical bytes")
	writeFile(t, filepath.Join(dst, "same.txt"), "identical bytes")

	for _, mode := range []string{"rename", "skip", "overwrite"} {
		res, err := Copy(context.Background(), src, dst, Options{Resolve: mode})
		require.NoError(t, err, mode)
		assert.Equal(t, int64(1), res.Skipped, mode)
		assert.Equal(t, int64(0), res.Applied, mode)
	}
	assert.NoFileExists(t, filepath.Join(dst, "same (1).txt"))
}

func TestRecursiveCheckSkipsDuplicateElsewhere(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "new-name.bin"), "duplicate payload")
	writeFile(t, filepath.Join(dst, "archive", "old-name.bin"), "duplicate payload")

	res, err := Copy(context.Background(), src, dst, Options{RecursiveCheck: true})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Skipped)
	assert.NoFileExists(t, filepath.Join(dst, "new-name.bin"))
}

func TestMoveRemovesSource(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "payload.dat"), "move me")

	res, err := Move(context.Background(), src, dst, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Applied)
	assert.NoFileExists(t, filepath.Join(src, "payload.dat"))
	assert.Equal(t, "move me", readFile(t, filepath.Join(dst, "payload.dat")))
}

func TestDryRunChangesNothing(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "not-yet-created")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")

	res, err := Copy(context.Background(), src, dst, Options{DryRun: true, JournalPath: filepath.Join(t.TempDir(), "run.jsonl")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Applied)
	assert.NoDirExists(t, dst)
	assert.Empty(t, res.JournalPath, "dry runs never persist a journal")
}

func TestVerifyCopiesClean(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "v.txt"), "verified content")

	res, err := Copy(context.Background(), src, dst, Options{Verify: true, Algorithm: "sha256"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Applied)
	assert.Equal(t, int64(0), res.Failed)
	assert.Equal(t, "verified content", readFile(t, filepath.Join(dst, "v.txt")))
}

func TestNoCreateMissingDest(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")

	_, err := Copy(context.Background(), src, filepath.Join(t.TempDir(), "missing"), Options{NoCreate: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestMissingSourceRoot(t *testing.T) {
	_, err := Copy(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestDeferredConflictWithCallback(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "report.txt"), "new version")
	writeFile(t, filepath.Join(dst, "report.txt"), "old version")

	var seen []resolve.Conflict
	res, err := Copy(context.Background(), src, dst, Options{
		Resolve: "defer",
		Decide: func(c resolve.Conflict) (resolve.Mode, error) {
			seen = append(seen, c)
			return resolve.Skip, nil
		},
	})
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, filepath.Join(dst, "report.txt"), seen[0].DstPath)
	assert.Equal(t, int64(1), res.Skipped)
}

func TestDeferredConflictWithoutCallbackFails(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "report.txt"), "new version")
	writeFile(t, filepath.Join(dst, "report.txt"), "old version")

	res, err := Copy(context.Background(), src, dst, Options{Resolve: "defer"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Failed)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, fault.ErrConflict)
	assert.Equal(t, "old version", readFile(t, filepath.Join(dst, "report.txt")))
}

func TestInvalidOptions(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")

	_, err := Copy(context.Background(), src, t.TempDir(), Options{Algorithm: "crc32"})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = Copy(context.Background(), src, t.TempDir(), Options{Resolve: "ask-later"})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = Copy(context.Background(), src, t.TempDir(), Options{ChunkSize: -1})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestJournalPersistedAndRegistered(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	jpath := filepath.Join(t.TempDir(), "journals", "run.jsonl")
	rpath := filepath.Join(t.TempDir(), "registry.db")

	res, err := Copy(context.Background(), src, dst, Options{JournalPath: jpath, RegistryPath: rpath})
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	assert.Equal(t, jpath, res.JournalPath)

	records, err := journal.ReadFile(jpath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, journal.ActionCopy, records[0].Action)
	assert.Equal(t, journal.StatusApplied, records[0].Status)
	assert.Equal(t, res.PID, records[0].PID)
	assert.NotEmpty(t, records[0].Digest)

	reg, err := journal.OpenRegistry(rpath)
	require.NoError(t, err)
	defer reg.Close()
	info, err := reg.Lookup(res.PID)
	require.NoError(t, err)
	assert.Equal(t, jpath, info.JournalPath)
	assert.Equal(t, journal.ActionCopy, info.Action)
}

func TestJournalSequenceMatchesSchedulingOrder(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		writeFile(t, filepath.Join(src, name+".txt"), "content "+name)
	}

	res, err := Copy(context.Background(), src, dst, Options{Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Applied)

	jnl, ok := journal.Lookup(res.PID)
	require.True(t, ok)
	records := jnl.Records()
	require.Len(t, records, 6)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
}

func TestPreserveMeta(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "exec.sh")
	writeFile(t, path, "#!/bin/sh\n")
	require.NoError(t, os.Chmod(path, 0o755))

	_, err := Copy(context.Background(), src, dst, Options{PreserveMeta: true})
	require.NoError(t, err)

	srcInfo, err := os.Stat(path)
	require.NoError(t, err)
	dstInfo, err := os.Stat(filepath.Join(dst, "exec.sh"))
	require.NoError(t, err)
	assert.Equal(t, srcInfo.Mode().Perm(), dstInfo.Mode().Perm())
	assert.Equal(t, srcInfo.ModTime().Unix(), dstInfo.ModTime().Unix())
}
