package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "log-"
	fileSuffix = ".log"
	dayLayout  = "20060102"
)

// FileName returns the name of the log file written on day.
func FileName(day time.Time) string {
	return filePrefix + day.Format(dayLayout) + fileSuffix
}

// IsLogFile reports whether name is a bare log file name, as written by RollingFile.
func IsLogFile(name string) bool {
	if name != filepath.Base(name) || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return false
	}
	_, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	return err == nil
}

// FileInfo describes one log file.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ListFiles returns the log files in dir, newest first.
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsLogFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })
	return files, nil
}

// RollingFile is a zapcore.WriteSyncer writing to one file per day in a directory and
// keeping at most the configured number of files.
type RollingFile struct {
	dir    string
	retain int
	now    func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewRollingFile creates dir if needed. retain below 1 keeps a single file.
func NewRollingFile(dir string, retain int) (*RollingFile, error) {
	if dir == "" {
		return nil, errors.New("log directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if retain < 1 {
		retain = 1
	}
	return &RollingFile{dir: dir, retain: retain, now: time.Now}, nil
}

// Dir returns the directory the files are written to.
func (r *RollingFile) Dir() string {
	return r.dir
}

func (r *RollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.roll(); err != nil {
		return 0, err
	}
	return r.file.Write(p)
}

// Sync flushes the current file.
func (r *RollingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close closes the current file. A later Write reopens it.
func (r *RollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.day = nil, ""
	return err
}

func (r *RollingFile) roll() error {
	now := r.now()
	day := now.Format(dayLayout)
	if r.file != nil && day == r.day {
		return nil
	}
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	f, err := os.OpenFile(filepath.Join(r.dir, FileName(now)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	r.file, r.day = f, day
	r.prune()
	return nil
}

// prune removes the oldest files beyond the retention count.
func (r *RollingFile) prune() {
	files, err := ListFiles(r.dir)
	if err != nil {
		return
	}
	for _, f := range files[min(r.retain, len(files)):] {
		_ = os.Remove(filepath.Join(r.dir, f.Name))
	}
}
