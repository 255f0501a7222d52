package fsutil

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "image.json")
	data := []byte(`{"version":1}`)

	if err := WriteFile(path, data, PermPrivateFile); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("file contents mismatch: got %q, want %q", got, data)
	}
	if runtime.GOOS != "windows" {
		if err := CheckPerm(path, PermPrivateFile); err != nil {
			t.Error(err)
		}
	}
}

func TestWriteFileReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := WriteFile(path, []byte("initial"), PermPrivateFile); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := WriteFile(path, []byte("updated"), PermPrivateFile); err != nil {
		t.Fatalf("WriteFile update failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "updated" {
		t.Errorf("contents = %q, want %q", got, "updated")
	}
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestAtomicWriterAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")

	w, err := NewAtomicWriter(path, PermPrivateFile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	w.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("target exists after abort: %v", err)
	}
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "streams")

	if err := EnsureDir(path); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory, got file")
	}
	if runtime.GOOS == "windows" {
		return
	}
	if info.Mode().Perm() != PermPrivateDir {
		t.Errorf("directory permissions = %04o, want %04o", info.Mode().Perm(), PermPrivateDir)
	}

	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := EnsureDir(path); err != nil {
		t.Fatalf("EnsureDir on existing dir failed: %v", err)
	}
	if err := CheckPerm(path, PermPrivateDir); err != nil {
		t.Errorf("permissions not tightened: %v", err)
	}
}

func TestEnsureDirRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := EnsureDir(path); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("EnsureDir(file) = %v, want ErrInvalidPath", err)
	}
}

func TestInvalidPaths(t *testing.T) {
	for _, p := range []string{"", "a\x00b"} {
		if _, err := NewAtomicWriter(p, PermPrivateFile); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("NewAtomicWriter(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}
