// Package archive unpacks uploaded receipt archives.
package archive

import (
	"archive/zip"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotZip is returned when the upload is not a readable ZIP archive.
var ErrNotZip = stderrors.New("not a valid zip archive")

// ErrTooLarge is returned when the unpacked images exceed the size limit.
var ErrTooLarge = stderrors.New("archive contents exceed size limit")

// imageExtensions are the receipt photo formats kept from an archive.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Entry is one image written to disk.
type Entry struct {
	// Filename is unique among the entries of one archive
	Filename string
	// RelativePath is the slash-separated path below the destination directory
	RelativePath string
	Size         int64
}

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

// isPlatformMetadata reports entries that macOS and Windows add to archives.
func isPlatformMetadata(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == "__MACOSX" {
			return true
		}
	}
	base := path.Base(name)
	return base == ".DS_Store" || base == "Thumbs.db" || strings.HasPrefix(base, "._")
}

// Unpack extracts the images of the ZIP in r into destDir and returns them
// ordered by filename. Directory entries, platform metadata and non-image
// files are skipped. maxBytes bounds the total unpacked size (0 = no limit).
func Unpack(r io.ReaderAt, size int64, destDir string, maxBytes int64) ([]Entry, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, ErrNotZip
	}

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create unpack directory: %w", err)
	}

	var (
		entries []Entry
		written int64
		names   = make(map[string]bool)
		paths   = make(map[string]bool)
	)
	for _, f := range zr.File {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		if f.FileInfo().IsDir() || isPlatformMetadata(name) || !IsImage(name) {
			continue
		}

		rel, err := safeRelative(name)
		if err != nil {
			return nil, err
		}
		rel = uniquePath(rel, paths)

		remaining := int64(-1)
		if maxBytes > 0 {
			remaining = maxBytes - written
		}
		n, err := extractFile(f, filepath.Join(destDir, filepath.FromSlash(rel)), remaining)
		if err != nil {
			return nil, err
		}
		written += n

		entries = append(entries, Entry{
			Filename:     uniqueName(rel, names),
			RelativePath: rel,
			Size:         n,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Filename < entries[j].Filename })
	return entries, nil
}

// safeRelative cleans an entry name and rejects anything escaping the destination.
func safeRelative(name string) (string, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || path.IsAbs(name) || strings.Contains(name, "../") {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	parts := strings.Split(clean, "/")
	for i, p := range parts {
		parts[i] = SanitizeFilename(p)
	}
	return strings.Join(parts, "/"), nil
}

// uniqueName returns the base name of rel, or a path-derived name when the
// base name was already taken by an earlier entry.
func uniqueName(rel string, taken map[string]bool) string {
	name := path.Base(rel)
	if taken[name] {
		name = strings.ReplaceAll(rel, "/", "_")
	}
	for i := 2; taken[name]; i++ {
		ext := path.Ext(rel)
		name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(strings.ReplaceAll(rel, "/", "_"), ext), i, ext)
	}
	taken[name] = true
	return name
}

// uniquePath returns rel, or rel with a numeric suffix when an earlier entry
// already occupies that path. Paths are compared case-insensitively so that
// case-folding file systems can't merge two entries either.
func uniquePath(rel string, taken map[string]bool) string {
	p := rel
	ext := path.Ext(rel)
	for i := 2; taken[strings.ToLower(p)]; i++ {
		p = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(rel, ext), i, ext)
	}
	taken[strings.ToLower(p)] = true
	return p
}

func extractFile(f *zip.File, dest string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, ErrNotZip
	}
	defer rc.Close()

	// O_EXCL: an image is never written over another one
	out, err := openFileNoFollow(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, err
	}

	var src io.Reader = rc
	if remaining >= 0 {
		src = io.LimitReader(rc, remaining+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", f.Name, err)
	}
	if remaining >= 0 && n > remaining {
		return n, ErrTooLarge
	}
	return n, nil
}

// SanitizeFilename makes s safe to use as a single path component.
func SanitizeFilename(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.ReplaceAll(s, "..", "-")

	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	s = b.String()

	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(strings.TrimSpace(s), "-")

	if s == "" {
		s = "unnamed"
	}
	return s
}
