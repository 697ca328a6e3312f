package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const stagePrefix = "stage-"

// Staging is a private scratch directory for uploads in flight. Nothing in
// it is ever served; Sweep clears what a crash left behind.
type Staging struct {
	dir string
}

func NewStaging(dir string) (*Staging, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("staging dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Staging{dir: dir}, nil
}

// CreateStage returns a new empty staging file. The caller removes it.
func (s *Staging) CreateStage() (*os.File, error) {
	f, err := os.CreateTemp(s.dir, stagePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create stage file: %w", err)
	}
	return f, nil
}

// Discard closes and removes a staging file.
func (s *Staging) Discard(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// Sweep removes staging files older than minAge and returns how many were
// removed.
func (s *Staging) Sweep(minAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}
	cutoff := time.Now().Add(-minAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), stagePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
