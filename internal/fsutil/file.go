// Package fsutil writes archive exports, configuration files and journal
// directories with private permissions.
package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// PermPrivateFile is used for exported images and config files.
	PermPrivateFile os.FileMode = 0o600

	// PermPrivateDir is used for journal, log and archive directories.
	PermPrivateDir os.FileMode = 0o700
)

const maxPathLength = 4096

var (
	ErrInvalidPath  = errors.New("fsutil: invalid path")
	ErrAtomicWrite  = errors.New("fsutil: atomic write failed")
	ErrTempFile     = errors.New("fsutil: temporary file creation failed")
	ErrInsecurePerm = errors.New("fsutil: insecure permissions")
)

// AtomicWriter writes to a temporary file next to path and renames it
// into place on Commit, so readers never observe a partial file.
type AtomicWriter struct {
	path     string
	tempPath string
	tempFile *os.File
}

// NewAtomicWriter creates the temporary file for path, creating the parent
// directory with private permissions when needed.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(clean), PermPrivateDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := clean + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFile, err)
	}
	return &AtomicWriter{path: clean, tempPath: tempPath, tempFile: f}, nil
}

func (w *AtomicWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and renames it over the target.
func (w *AtomicWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWrite, err)
	}
	return nil
}

// Abort discards the temporary file.
func (w *AtomicWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	w, err := NewAtomicWriter(path, perm)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// EnsureDir creates path with private permissions, tightening the mode of
// an existing directory that is group or world accessible.
func EnsureDir(path string) error {
	clean, err := cleanPath(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(clean)
	if os.IsNotExist(err) {
		return os.MkdirAll(clean, PermPrivateDir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, clean)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(clean, PermPrivateDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}
	return nil
}

// CheckPerm reports an error if path does not have exactly perm.
func CheckPerm(path string, perm os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if mode := info.Mode().Perm(); mode != perm {
		return fmt.Errorf("%w: %s has mode %04o, expected %04o", ErrInsecurePerm, path, mode, perm)
	}
	return nil
}

func cleanPath(path string) (string, error) {
	if path == "" || strings.ContainsRune(path, 0) {
		return "", ErrInvalidPath
	}
	if len(path) > maxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds %d", ErrInvalidPath, len(path), maxPathLength)
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return abs, nil
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
