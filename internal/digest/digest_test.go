package digest

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default, a)

	a, err = Parse("sha256")
	require.NoError(t, err)
	assert.Equal(t, SHA256, a)

	_, err = Parse("crc32")
	assert.Error(t, err)
}

func TestSum_ChunkSizeIndependent(t *testing.T) {
	data := make([]byte, 3*1024*1024+17)
	_, err := rand.Read(data)
	require.NoError(t, err)

	for _, algo := range Algorithms() {
		ref, err := Sum(bytes.NewReader(data), algo, 0)
		require.NoError(t, err)
		require.False(t, ref.IsZero())

		for _, chunk := range []int{1, 13, 4096, 1 << 20, len(data) + 1} {
			got, err := Sum(bytes.NewReader(data), algo, chunk)
			require.NoError(t, err)
			assert.True(t, ref.Equal(got), "algo=%s chunk=%d", algo, chunk)
		}
	}
}

func TestFile_MatchesSum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	data := []byte("some file content for hashing")
	require.NoError(t, os.WriteFile(path, data, 0644))

	want, err := Sum(bytes.NewReader(data), Blake3, 8)
	require.NoError(t, err)

	got, err := File(path, Blake3, 1<<20)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestDigest_Equal(t *testing.T) {
	a := Digest{Algo: XXHash, Sum: "abcd"}
	b := Digest{Algo: Blake3, Sum: "abcd"}
	assert.False(t, a.Equal(b), "same sum under different algorithms is not identity")
	assert.False(t, Digest{}.Equal(Digest{}), "zero digests match nothing")
	assert.True(t, a.Equal(Digest{Algo: XXHash, Sum: "abcd"}))
}

func TestFile_Missing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "nope"), XXHash, 0)
	assert.Error(t, err)
}
