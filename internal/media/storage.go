package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Storage persists image bytes and returns the URL they are served from.
type Storage interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// LocalStorage writes images under a directory served at BaseURL.
type LocalStorage struct {
	Dir     string
	BaseURL string
}

// NewLocalStorage creates a LocalStorage rooted at dir.
func NewLocalStorage(dir, baseURL string) *LocalStorage {
	return &LocalStorage{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Put writes body to Dir/key through a temp file so readers never see a
// partial image.
func (l *LocalStorage) Put(ctx context.Context, key, _ string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "media: put")
	}
	clean := filepath.Clean("/" + key)[1:]
	if clean == "" {
		return "", eris.Errorf("media: invalid key %q", key)
	}
	target := filepath.Join(l.Dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", eris.Wrapf(err, "media: mkdir for %s", key)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", eris.Wrapf(err, "media: write %s", key)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", eris.Wrapf(err, "media: rename %s", key)
	}
	return l.BaseURL + "/" + clean, nil
}
