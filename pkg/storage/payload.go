package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// PayloadStore manages bundle payload files under <dataDir>/payloads. Each
// payload is one file named by a fresh UUID; the bundle's metadata holds the
// durable path.
type PayloadStore struct {
	root string
}

// NewPayloadStore creates the payload directory if needed.
func NewPayloadStore(dataDir string) (*PayloadStore, error) {
	root := filepath.Join(dataDir, "payloads")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("payload store: %w", err)
	}
	return &PayloadStore{root: root}, nil
}

// Root returns the payload directory.
func (p *PayloadStore) Root() string { return p.root }

// Create writes a new payload file from r and returns its path and length.
func (p *PayloadStore) Create(r io.Reader) (path string, n int64, err error) {
	path = filepath.Join(p.root, uuid.New().String()+".pay")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("payload store: create: %w", err)
	}
	n, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("payload store: write: %w", err)
	}
	return path, n, nil
}

// CreateBytes writes a new payload file from a byte slice.
func (p *PayloadStore) CreateBytes(data []byte) (string, error) {
	path, _, err := p.Create(bytes.NewReader(data))
	return path, err
}

// Open returns a reader over an existing payload file.
func (p *PayloadStore) Open(path string) (*os.File, error) {
	return os.Open(path)
}

// Read returns the full contents of a payload file.
func (p *PayloadStore) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Remove deletes a payload file. Removing a missing file is not an error.
func (p *PayloadStore) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payload store: remove: %w", err)
	}
	return nil
}

