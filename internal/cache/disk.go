package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Disk is the default persistent tier. Entries are content-addressed by a
// SHA-256 hash of the key, which yields a fixed-width file name regardless
// of key length. The JSON envelope stores the original key alongside the
// payload so hash collisions and corruption are detected on read.
type Disk struct {
	dir string
}

// NewDisk creates the disk tier rooted at dir.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Disk{dir: dir}, nil
}

// Get reads the entry for key. A corrupted or unreadable file, a hash
// collision, or an expired entry is deleted and reported as a miss.
func (d *Disk) Get(ctx context.Context, key string) (*Entry, error) {
	path := d.path(key)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupted payload: drop it and miss
		_ = os.Remove(path)
		return nil, ErrNotFound
	}

	if entry.Key != key {
		// Hash collision with another key; the stored entry wins its slot
		return nil, ErrNotFound
	}

	if entry.Expired(time.Now()) {
		_ = os.Remove(path)
		return nil, ErrNotFound
	}

	return &entry, nil
}

// Set writes the entry atomically (temp file + rename).
func (d *Disk) Set(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	path := d.path(entry.Key)
	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	return nil
}

// Delete removes the entry for key.
func (d *Disk) Delete(ctx context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

// Clear removes every entry under the cache dir.
func (d *Disk) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear cache dir: %w", err)
		}
	}
	return nil
}

// Close is a no-op for the disk tier.
func (d *Disk) Close() error {
	return nil
}

// path returns the content-addressed file path for key.
func (d *Disk) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+".json")
}
