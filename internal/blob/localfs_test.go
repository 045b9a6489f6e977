package blob

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPutUniquePrefixesTimestamp(t *testing.T) {
	fs := LocalFS{Root: filepath.Join(t.TempDir(), "uploads")}
	now := time.UnixMilli(1700000000123)

	key, err := fs.PutUnique("clip.mp4", strings.NewReader("data"), now)
	if err != nil {
		t.Fatalf("PutUnique() error = %v", err)
	}
	if key != "1700000000123-clip.mp4" {
		t.Fatalf("key = %q", key)
	}

	f, err := fs.Open(key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if string(got) != "data" {
		t.Fatalf("content = %q", got)
	}
}

func TestPutUniqueAvoidsCollision(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	now := time.UnixMilli(42)

	first, err := fs.PutUnique("a.mp4", strings.NewReader("one"), now)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := fs.PutUnique("a.mp4", strings.NewReader("two"), now)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first == second {
		t.Fatalf("keys collide: %q", first)
	}
	if !strings.HasPrefix(second, "42-") || !strings.HasSuffix(second, "-a.mp4") {
		t.Fatalf("second key = %q", second)
	}

	data, err := os.ReadFile(filepath.Join(fs.Root, first))
	if err != nil || string(data) != "one" {
		t.Fatalf("first file overwritten: %q, %v", data, err)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	for _, key := range []string{"../secret", "..", "/etc/passwd", "."} {
		if fs.Exists(key) {
			t.Errorf("Exists(%q) = true", key)
		}
		if _, err := fs.Open(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestExistsIgnoresDirectories(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	if err := os.Mkdir(filepath.Join(fs.Root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if fs.Exists("dir") {
		t.Fatal("directory reported as blob")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":             "clip.mp4",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\rec.webm`: "rec.webm",
		"":                     "video",
		"..":                   "video",
		"bad\x00name.mp4":      "badname.mp4",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
