package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestDisk(t *testing.T) *Disk {
	t.Helper()
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}
	return d
}

func TestDisk_SetGet(t *testing.T) {
	d := newTestDisk(t)

	err := d.Set(context.Background(), &Entry{
		Key:       "aws:ec2:us-east-1:instance-types",
		Value:     []byte(`{"types":["m5.large"]}`),
		CreatedAt: time.Now(),
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	entry, err := d.Get(context.Background(), "aws:ec2:us-east-1:instance-types")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(entry.Value) != `{"types":["m5.large"]}` {
		t.Errorf("Unexpected value: %s", entry.Value)
	}
	if entry.TTL != time.Hour {
		t.Errorf("Expected TTL to round-trip, got %v", entry.TTL)
	}
}

func TestDisk_ContentAddressedFilename(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}

	key := "a-very-long-key/with:odd characters and no length limit at all"
	if err := d.Set(context.Background(), &Entry{Key: key, Value: []byte("v"), CreatedAt: time.Now(), TTL: time.Hour}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	sum := sha256.Sum256([]byte(key))
	want := filepath.Join(dir, hex.EncodeToString(sum[:])+".json")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("Expected content-addressed file %s: %v", want, err)
	}
}

func TestDisk_GetMissing(t *testing.T) {
	d := newTestDisk(t)

	if _, err := d.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDisk_CorruptedFileIsDropped(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}

	sum := sha256.Sum256([]byte("k"))
	path := filepath.Join(dir, hex.EncodeToString(sum[:])+".json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := d.Get(context.Background(), "k"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for corrupted file, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected corrupted file to be removed")
	}
}

func TestDisk_HashMismatchIsMiss(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}

	// Plant a valid envelope for a different key in k's slot
	sum := sha256.Sum256([]byte("k"))
	path := filepath.Join(dir, hex.EncodeToString(sum[:])+".json")
	if err := os.WriteFile(path, []byte(`{"key":"other","value":"dg==","created_at":"2026-01-01T00:00:00Z","ttl":0}`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := d.Get(context.Background(), "k"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound on key mismatch, got %v", err)
	}
	// The other key's entry keeps its slot
	if _, err := os.Stat(path); err != nil {
		t.Error("Expected mismatched entry to survive")
	}
}

func TestDisk_ExpiredEntryRemoved(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}

	if err := d.Set(context.Background(), &Entry{
		Key:       "k",
		Value:     []byte("v"),
		CreatedAt: time.Now().Add(-time.Hour),
		TTL:       time.Minute,
	}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := d.Get(context.Background(), "k"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for expired entry, got %v", err)
	}

	sum := sha256.Sum256([]byte("k"))
	if _, err := os.Stat(filepath.Join(dir, hex.EncodeToString(sum[:])+".json")); !os.IsNotExist(err) {
		t.Error("Expected expired file to be removed")
	}
}

func TestDisk_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}

	// Yank the directory out from under the store
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	err = d.Set(context.Background(), &Entry{Key: "k", Value: []byte("v"), CreatedAt: time.Now(), TTL: time.Hour})
	if !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Expected ErrWriteFailed, got %v", err)
	}
}

func TestDisk_Overwrite(t *testing.T) {
	d := newTestDisk(t)
	ctx := context.Background()

	if err := d.Set(ctx, &Entry{Key: "k", Value: []byte("old"), CreatedAt: time.Now(), TTL: time.Hour}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := d.Set(ctx, &Entry{Key: "k", Value: []byte("new"), CreatedAt: time.Now(), TTL: time.Hour}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	entry, err := d.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(entry.Value) != "new" {
		t.Errorf("Expected overwrite to win, got %s", entry.Value)
	}
}

func TestDisk_Clear(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := d.Set(ctx, &Entry{Key: key, Value: []byte("v"), CreatedAt: time.Now(), TTL: time.Hour}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	if err := d.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("Expected empty cache dir after clear, found %d files", len(files))
	}
}
