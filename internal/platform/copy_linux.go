//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Copy copies the file at srcPath into dst using copy_file_range(2) when the
// kernel and filesystems support it, falling back to read/write otherwise.
func Copy(srcPath string, dst *os.File, size int64) (int64, error) {
	preallocate(dst, size)

	written, err := copyFileRange(srcPath, dst, size)
	if err == nil {
		return written, nil
	}
	// Fall back only when nothing was transferred; a partial copy already
	// advanced both file offsets.
	if written == 0 && isFallbackErr(err) {
		return copyReadWrite(srcPath, dst)
	}
	return written, err
}

func copyFileRange(srcPath string, dst *os.File, size int64) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	remaining := size
	var total int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), nil, int(dst.Fd()), nil, int(remaining), 0)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return total, nil
}

// isFallbackErr reports whether err should trigger the read/write fallback
// (old kernel, cross-device copy, or unsupported filesystem).
func isFallbackErr(err error) bool {
	switch err {
	case unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.ENOTSUP:
		return true
	}
	if e, ok := err.(*os.PathError); ok {
		return isFallbackErr(e.Err)
	}
	return false
}

// preallocate hints the final size to the filesystem. Advisory only;
// fallocate is not supported everywhere.
func preallocate(fd *os.File, size int64) {
	if size > 0 {
		_ = unix.Fallocate(int(fd.Fd()), 0, 0, size)
	}
}
