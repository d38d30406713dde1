package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/busybox42/floodmesh/pkg/types"
)

const (
	pubExt  = ".pub"
	privExt = ".key"
)

// File stores one encoded public key per identity as <dir>/<name>.pub. The
// node's own private key sits next to its public key as <name>.key.
type File struct {
	dir string
}

// NewFile creates dir if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (s *File) Dir() string {
	return s.dir
}

func (s *File) Put(id types.Identity, value []byte) error {
	return s.write(id, s.path(id, pubExt), value)
}

func (s *File) Get(id types.Identity) ([]byte, error) {
	return s.read(id, s.path(id, pubExt))
}

// PutPrivate saves id's private key, readable by the owner only.
func (s *File) PutPrivate(id types.Identity, value []byte) error {
	return s.write(id, s.path(id, privExt), value)
}

func (s *File) GetPrivate(id types.Identity) ([]byte, error) {
	return s.read(id, s.path(id, privExt))
}

func (s *File) write(id types.Identity, path string, value []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to store key for %s: %w", id, err)
	}
	return nil
}

func (s *File) read(id types.Identity, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key for %s: %w", id, err)
	}
	return bytes.TrimSpace(data), nil
}

func (s *File) path(id types.Identity, ext string) string {
	return filepath.Join(s.dir, sanitize(id)+ext)
}

// sanitize makes an identity safe as a file name on every platform.
func sanitize(id types.Identity) string {
	return strings.NewReplacer(":", "_", "[", "", "]", "", "/", "_", `\`, "_").Replace(string(id))
}
