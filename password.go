package quill

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// newKey derives the 32-byte storage key from a password using argon2id. The
// random salt lives beside the database so the same password yields the same
// key across restarts.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadOrMakeSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadOrMakeSalt(saltPath string) ([]byte, error) {
	var salt [16]byte
	if _, err := os.Stat(saltPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if _, err := crypto_rand.Read(salt[:]); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
		if err != nil {
			return nil, err
		}
		n, err := f.Write(salt[:])
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if n != 16 {
			_ = f.Close()
			return nil, fmt.Errorf("expected 16 bytes, got %d", n)
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		return salt[:], nil
	}

	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(f, salt[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt[:], nil
}
