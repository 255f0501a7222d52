package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// RotatingFile appends to a log file and moves it aside once it exceeds
// MaxSizeMB or a new day starts. Rotated files are named
// <name>-<timestamp><ext>, optionally gzipped, and pruned by MaxBackups and
// MaxAgeDays.
type RotatingFile struct {
	path string
	cfg  Config

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	// housekeeping tracks background compress and prune runs.
	housekeeping sync.WaitGroup
}

// OpenRotatingFile opens cfg.FilePath for appending, creating its
// directory.
func OpenRotatingFile(cfg *Config) (*RotatingFile, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &RotatingFile{path: cfg.FilePath, cfg: *cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size, r.opened = f, info.Size(), time.Now()
	return nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) due(next int64) bool {
	if limit := r.cfg.MaxSizeMB << 20; limit > 0 && r.size+next > limit {
		return true
	}
	return r.opened.YearDay() != time.Now().YearDay()
}

// Rotate moves the current file aside now.
func (r *RotatingFile) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *RotatingFile) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	stem, ext := r.stem()
	rotated := fmt.Sprintf("%s-%s%s", stem, time.Now().Format("20060102-150405.000"), ext)
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.housekeeping.Add(1)
	go func() {
		defer r.housekeeping.Done()
		if r.cfg.Compress {
			gzipInPlace(rotated)
		}
		r.prune()
	}()
	return nil
}

// stem splits the path into everything before the extension and the
// extension.
func (r *RotatingFile) stem() (string, string) {
	ext := filepath.Ext(r.path)
	return strings.TrimSuffix(r.path, ext), ext
}

// Rotated lists the rotated files, oldest first.
func (r *RotatingFile) Rotated() ([]string, error) {
	stem, ext := r.stem()
	matches, err := filepath.Glob(stem + "-*" + ext + "*")
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	return matches, nil
}

func (r *RotatingFile) prune() {
	files, err := r.Rotated()
	if err != nil {
		return
	}
	if keep := r.cfg.MaxBackups; keep > 0 && len(files) > keep {
		for _, f := range files[:len(files)-keep] {
			os.Remove(f)
		}
		files = files[len(files)-keep:]
	}
	if r.cfg.MaxAgeDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -r.cfg.MaxAgeDays)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

// gzipInPlace replaces path with path.gz, leaving path alone on failure.
func gzipInPlace(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// Close waits for housekeeping and closes the file.
func (r *RotatingFile) Close() error {
	r.housekeeping.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
