package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"droidtour/internal/models"
)

// headSize is how much of an upload is kept for content sniffing.
const headSize = 512

var ErrTooLarge = errors.New("file too large")

// LocalFileStore keeps files on disk addressed by the sha256 of their content.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// Stored describes a file written by Put.
type Stored struct {
	Hash string
	Size int64
	Head []byte
}

// Put copies r into the store and returns its content hash. Reading stops
// with ErrTooLarge once more than maxBytes were read. Storing identical
// content twice keeps a single file.
func (s *LocalFileStore) Put(r io.Reader, maxBytes int64) (Stored, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return Stored{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	h := sha256.New()
	head := &headBuffer{limit: headSize}
	n, err := io.Copy(io.MultiWriter(tmp, h, head), io.LimitReader(r, maxBytes+1))
	if err != nil {
		return Stored{}, fmt.Errorf("failed to write data: %w", err)
	}
	if n > maxBytes {
		return Stored{}, ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	stored := Stored{
		Hash: hex.EncodeToString(h.Sum(nil)),
		Size: n,
		Head: head.buf,
	}

	path := s.path(stored.Hash)
	if _, err := os.Stat(path); err == nil {
		return stored, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Stored{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Stored{}, fmt.Errorf("failed to rename file: %w", err)
	}
	return stored, nil
}

// Open returns the file stored under hash.
func (s *LocalFileStore) Open(hash string) (*os.File, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("%w: malformed file hash", models.ErrInvalidArgument)
	}
	f, err := os.Open(s.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file %s: %w", hash, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", hash, err)
	}
	return f, nil
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

type headBuffer struct {
	buf   []byte
	limit int
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		b.buf = append(b.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
