//go:build windows

package archive

import "os"

// openFileNoFollow creates an unpacked image. O_NOFOLLOW does not exist on
// Windows; creating symlinks there needs elevated privileges.
func openFileNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

// OpenImage opens an unpacked image for reading.
func OpenImage(path string) (*os.File, error) {
	return os.Open(path)
}
