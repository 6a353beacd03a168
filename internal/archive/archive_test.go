package archive

import (
	"archive/zip"
	"bytes"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// buildZip returns a ZIP holding the given name → content entries.
// Names ending in "/" become directory entries.
func buildZip(t *testing.T, files map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Create(%q) error = %v", name, err)
		}
		if !strings.HasSuffix(name, "/") {
			if _, err := w.Write([]byte(content)); err != nil {
				t.Fatalf("Write(%q) error = %v", name, err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestUnpack_FiltersAndOrders(t *testing.T) {
	r := buildZip(t, map[string]string{
		"receipts/":                     "",
		"receipts/b.JPG":                "bbb",
		"receipts/a.png":                "aa",
		"receipts/c.jpeg":               "c",
		"receipts/notes.txt":            "skip me",
		"receipts/.DS_Store":            "x",
		"Thumbs.db":                     "x",
		"__MACOSX/receipts/._a.png":     "x",
		"receipts/._hidden.jpg":         "x",
		"receipts/scan.pdf":             "x",
		"receipts/nested/deeper/d.jpg":  "dddd",
	})
	dest := t.TempDir()

	entries, err := Unpack(r, r.Size(), dest, 0)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}

	want := []string{"a.png", "b.JPG", "c.jpeg", "d.jpg"}
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v, want %v", entries, want)
	}
	for i, w := range want {
		if entries[i].Filename != w {
			t.Errorf("entries[%d].Filename = %q, want %q", i, entries[i].Filename, w)
		}
	}

	data, err := os.ReadFile(filepath.Join(dest, "receipts", "nested", "deeper", "d.jpg"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "dddd" {
		t.Errorf("content = %q, want dddd", data)
	}
	if entries[3].RelativePath != "receipts/nested/deeper/d.jpg" {
		t.Errorf("RelativePath = %q", entries[3].RelativePath)
	}
}

func TestUnpack_DuplicateBaseNames(t *testing.T) {
	r := buildZip(t, map[string]string{
		"march/receipt.jpg": "1",
		"april/receipt.jpg": "2",
	})

	entries, err := Unpack(r, r.Size(), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Filename == entries[1].Filename {
		t.Errorf("filenames must be unique, got %q twice", entries[0].Filename)
	}
}

func TestUnpack_CollidingPathsKeepBothImages(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range []struct{ name, content string }{
		{"scan.jpg", "first"},
		{"scan.jpg", "second"},
		{"a-.jpg", "dash"},
		{"a--.jpg", "double dash"},
		{"Shop/R.png", "upper"},
		{"shop/r.png", "lower"},
	} {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("Create(%q) error = %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.content)); err != nil {
			t.Fatalf("Write(%q) error = %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	r := bytes.NewReader(buf.Bytes())
	dest := t.TempDir()

	entries, err := Unpack(r, r.Size(), dest, 0)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("len(entries) = %d, want 6: %+v", len(entries), entries)
	}

	seenName := map[string]bool{}
	seenPath := map[string]bool{}
	contents := map[string]bool{}
	for _, e := range entries {
		if seenName[e.Filename] {
			t.Errorf("filename %q used twice", e.Filename)
		}
		seenName[e.Filename] = true
		key := strings.ToLower(e.RelativePath)
		if seenPath[key] {
			t.Errorf("relative path %q used twice", e.RelativePath)
		}
		seenPath[key] = true

		data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(e.RelativePath)))
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", e.RelativePath, err)
		}
		if int64(len(data)) != e.Size {
			t.Errorf("%s holds %d bytes, entry says %d", e.RelativePath, len(data), e.Size)
		}
		contents[string(data)] = true
	}
	for _, want := range []string{"first", "second", "dash", "double dash", "upper", "lower"} {
		if !contents[want] {
			t.Errorf("content %q was overwritten", want)
		}
	}
}

func TestUnpack_EmptyArchive(t *testing.T) {
	r := buildZip(t, map[string]string{"readme.txt": "no images"})

	entries, err := Unpack(r, r.Size(), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %+v, want none", entries)
	}
}

func TestUnpack_NotZip(t *testing.T) {
	r := bytes.NewReader([]byte("definitely not a zip"))

	_, err := Unpack(r, r.Size(), t.TempDir(), 0)
	if !stderrors.Is(err, ErrNotZip) {
		t.Fatalf("error = %v, want ErrNotZip", err)
	}
}

func TestUnpack_RejectsTraversal(t *testing.T) {
	r := buildZip(t, map[string]string{"../../evil.jpg": "x"})
	dest := t.TempDir()

	if _, err := Unpack(r, r.Size(), dest, 0); err == nil {
		t.Fatalf("Unpack() accepted a path escaping the destination")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "evil.jpg")); err == nil {
		t.Fatalf("traversal entry was written outside destination")
	}
}

func TestUnpack_SizeLimit(t *testing.T) {
	r := buildZip(t, map[string]string{"a.jpg": strings.Repeat("x", 64)})

	_, err := Unpack(r, r.Size(), t.TempDir(), 10)
	if !stderrors.Is(err, ErrTooLarge) {
		t.Fatalf("error = %v, want ErrTooLarge", err)
	}
}

func TestIsImage(t *testing.T) {
	for name, want := range map[string]bool{
		"a.jpg": true, "a.JPEG": true, "dir/a.png": true,
		"a.gif": false, "a.heic": false, "jpg": false,
	} {
		if got := IsImage(name); got != want {
			t.Errorf("IsImage(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"receipts.zip", "receipts.zip"},
		{"../../etc/passwd", "etc-passwd"},
		{"a\\b.zip", "a-b.zip"},
		{"bad\x00name.zip", "badname.zip"},
		{"", "unnamed"},
		{"---", "unnamed"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenImage(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(p, []byte("img"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	f, err := OpenImage(p)
	if err != nil {
		t.Fatalf("OpenImage() error = %v", err)
	}
	f.Close()

	if _, err := OpenImage(filepath.Join(dir, "missing.jpg")); !stderrors.Is(err, os.ErrNotExist) {
		t.Errorf("OpenImage() missing error = %v, want ErrNotExist", err)
	}
}
