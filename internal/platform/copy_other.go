//go:build !linux

package platform

import "os"

// Copy falls back to a buffered read/write loop where no kernel-assisted
// copy primitive is available.
func Copy(srcPath string, dst *os.File, _ int64) (int64, error) {
	return copyReadWrite(srcPath, dst)
}
