package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// fileSink stores objects as files below a local directory.
type fileSink struct {
	root string
}

func newFileSink(root string) (*fileSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating sink directory: %w", err)
	}
	return &fileSink{root: root}, nil
}

func (s *fileSink) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *fileSink) PutFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return copyTo(s.path(key), f)
}

func (s *fileSink) Put(ctx context.Context, key string, body []byte) error {
	return copyTo(s.path(key), bytes.NewReader(body))
}

func (s *fileSink) GetFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(s.path(key))
	if err != nil {
		return err
	}
	defer f.Close()
	return copyTo(localPath, f)
}

func (s *fileSink) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.path(prefix), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return keys, err
}

func (s *fileSink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// copyTo writes r to dst through a temporary file in the same directory, so readers never see a partial file.
func copyTo(dst string, r io.Reader) error {
	if err := mkParent(dst); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
