package persistence

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FilePersistence stores one file per key under a root directory. Keys are
// hex-encoded so arbitrary strings are safe as file names.
type FilePersistence struct {
	root string
}

func NewFilePersistence(root string) (*FilePersistence, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("persistence: error making root dir %s: %w", root, err)
	}
	return &FilePersistence{root: root}, nil
}

func (p *FilePersistence) Write(key string, value []byte) error {
	if err := os.WriteFile(p.keyPath(key), value, 0o600); err != nil {
		return fmt.Errorf("persistence: error writing key %s: %w", key, err)
	}
	return nil
}

func (p *FilePersistence) Read(key string) ([]byte, error) {
	b, err := os.ReadFile(p.keyPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: error reading key %s: %w", key, err)
	}
	return b, nil
}

func (p *FilePersistence) keyPath(key string) string {
	return filepath.Join(p.root, hex.EncodeToString([]byte(key)))
}
