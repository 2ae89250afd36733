package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalBackend keeps artifacts as files under a single root directory.
type LocalBackend struct {
	dir string
	// accelPrefix, when set, makes Serve hand the file to a fronting nginx
	// through X-Accel-Redirect instead of copying it through the process.
	accelPrefix string
}

// NewLocalBackend creates dir if needed.
func NewLocalBackend(dir, accelPrefix string) (*LocalBackend, error) {
	if dir == "" {
		dir = "./data/reports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalBackend{dir: dir, accelPrefix: strings.TrimRight(accelPrefix, "/")}, nil
}

func (l *LocalBackend) path(key string) string {
	return filepath.Join(l.dir, key)
}

// Put writes to a temp file and renames it so readers never see a partial artifact.
func (l *LocalBackend) Put(_ context.Context, key string, body []byte, _ string) error {
	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path(key)); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (l *LocalBackend) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (l *LocalBackend) Delete(_ context.Context, key string) (bool, error) {
	err := os.Remove(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove %s: %w", key, err)
	}
	return true, nil
}

func (l *LocalBackend) Serve(w http.ResponseWriter, r *http.Request, key string) error {
	f, err := os.Open(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}

	w.Header().Set("Content-Type", contentTypeFor(key))
	w.Header().Set("Content-Disposition", contentDisposition(key))
	if l.accelPrefix != "" {
		w.Header().Set("X-Accel-Redirect", path.Join(l.accelPrefix, key))
		w.WriteHeader(http.StatusOK)
		return nil
	}
	http.ServeContent(w, r, key, info.ModTime(), f)
	return nil
}

func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
