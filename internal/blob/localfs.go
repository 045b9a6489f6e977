package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidKey = errors.New("invalid blob key")

// LocalFS stores media files under Root, addressed by relative key.
type LocalFS struct {
	Root string
}

func (l LocalFS) resolve(relPath string) (string, string, error) {
	clean := filepath.Clean(relPath)
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, relPath)
	}
	return clean, filepath.Join(l.Root, clean), nil
}

func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	clean, abs, err := l.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return clean, nil
}

// PutUnique writes r as "<unixMillis>-<name>" directly under Root. The file is
// created exclusively; if that name is taken a random segment is inserted
// after the timestamp and the create is retried.
func (l LocalFS) PutUnique(name string, r io.Reader, now time.Time) (string, error) {
	base := SanitizeName(name)
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return "", err
	}

	key := fmt.Sprintf("%d-%s", now.UnixMilli(), base)
	for attempt := 0; attempt < 4; attempt++ {
		f, err := os.OpenFile(filepath.Join(l.Root, key), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			key = fmt.Sprintf("%d-%s-%s", now.UnixMilli(), uuid.NewString()[:8], base)
			continue
		}
		if err != nil {
			return "", err
		}
		_, copyErr := io.Copy(f, r)
		closeErr := f.Close()
		if copyErr != nil {
			_ = os.Remove(f.Name())
			return "", copyErr
		}
		if closeErr != nil {
			return "", closeErr
		}
		return key, nil
	}
	return "", fmt.Errorf("no free name for %q", base)
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// Abs returns the absolute filesystem path for relPath.
func (l LocalFS) Abs(relPath string) (string, error) {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return "", err
	}
	return filepath.Abs(abs)
}

// SanitizeName reduces an uploaded filename to a single safe path element.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '/' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "video"
	}
	return name
}
