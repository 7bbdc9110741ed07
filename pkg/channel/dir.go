package channel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the BLAKE3 digest of data in hex. Stores without a
// native content tag use it.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DirStore is a remote that is a plain directory, typically a shared mount
// or a bucket materialised by the local provisioning backend.
type DirStore struct {
	root string
}

// NewDirStore returns a store rooted at root, which must exist.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("directory store needs a path")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// List implements Store.
func (s *DirStore) List(ctx context.Context, dir string) ([]Object, error) {
	entries, err := os.ReadDir(s.path(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var objects []Object
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(s.path(dir), entry.Name()))
		if err != nil {
			// Listed without a tag; the pull reports the failure.
			objects = append(objects, Object{Name: entry.Name()})
			continue
		}
		objects = append(objects, Object{Name: entry.Name(), Tag: Fingerprint(data)})
	}
	return objects, nil
}

// Get implements Store.
func (s *DirStore) Get(_ context.Context, key string) ([]byte, string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, "", err
	}
	return data, Fingerprint(data), nil
}

// Put implements Store.
func (s *DirStore) Put(_ context.Context, key string, data []byte) (string, error) {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", err
	}
	return Fingerprint(data), nil
}

// Close implements Store.
func (s *DirStore) Close() error { return nil }
