//go:build !windows

package archive

import (
	stderrors "errors"
	"fmt"
	"os"
	"syscall"
)

// openFileNoFollow creates an unpacked image with O_NOFOLLOW so a symlink
// planted at the destination is never written through.
func openFileNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	fd, err := syscall.Open(path, flag|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, uint32(perm))
	if err != nil {
		if stderrors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("refusing to write through symlink %s", path)
		}
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// OpenImage opens an unpacked image for reading without following a final symlink.
func OpenImage(path string) (*os.File, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		if stderrors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("refusing to read through symlink %s", path)
		}
		if stderrors.Is(err, syscall.ENOENT) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}
