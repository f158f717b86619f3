// Package platform selects the most efficient whole-file copy primitive the
// OS offers, falling back to a buffered read/write loop.
package platform

import (
	"io"
	"os"
	"sync"
)

const bufferSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// copyReadWrite copies src into dst with a pooled buffer.
func copyReadWrite(srcPath string, dst *os.File) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)

	// The interface wrappers hide ReadFrom/WriteTo so CopyBuffer actually
	// uses the pooled buffer.
	return io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, *bufp)
}
