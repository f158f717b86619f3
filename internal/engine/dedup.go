package engine

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CrystallineCore/Blazefox/internal/digest"
)

// dedupIndex maps content digests to one path that already holds that
// content under the destination root. With recursive checking enabled, a hit
// anywhere in the index means the candidate's bytes are already present and
// the transfer resolves to skip.
type dedupIndex struct {
	mu       sync.Mutex
	byDigest map[digest.Digest]string
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{byDigest: make(map[digest.Digest]string)}
}

func (ix *dedupIndex) lookup(d digest.Digest) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	path, ok := ix.byDigest[d]
	return path, ok
}

// add records content at path. The first path seen for a digest wins.
func (ix *dedupIndex) add(d digest.Digest, path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.byDigest[d]; !ok {
		ix.byDigest[d] = path
	}
}

// remove drops the entry for d when it still points at path. Destinations are
// registered optimistically at scheduling time; a transfer that never lands
// rolls its entry back so later identical content is not skipped against a
// path that holds nothing.
func (ix *dedupIndex) remove(d digest.Digest, path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.byDigest[d] == path {
		delete(ix.byDigest, d)
	}
}

// buildDedupIndex fingerprints every regular file under root with a bounded
// worker pool. A missing root yields an empty index (fresh destination).
// Unreadable files are logged and left out: a file we cannot hash can never
// prove a duplicate.
func buildDedupIndex(ctx context.Context, root string, algo digest.Algorithm, chunk, workers int, log zerolog.Logger) (*dedupIndex, error) {
	ix := newDedupIndex()

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return ix, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("dedup scan: skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		g.Go(func() error {
			fp, ferr := digest.File(path, algo, chunk)
			if ferr != nil {
				log.Debug().Err(ferr).Str("path", path).Msg("dedup scan: fingerprint failed")
				return nil
			}
			ix.add(fp, path)
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if walkErr != nil && walkErr != ctx.Err() {
		return nil, walkErr
	}
	return ix, nil
}
