package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fsTempPrefix = ".tmp-"

// FSBackend stores objects as files under a root directory. Writes land in
// a temp file in the destination directory and are renamed into place only
// after an fsync, so a crash never leaves a partial object at a locator.
type FSBackend struct {
	root string
}

func NewFSBackend(root string) (*FSBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob root required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) path(locator string) (string, error) {
	if !validLocator(locator) {
		return "", fmt.Errorf("%w: %q", ErrLocator, locator)
	}
	return filepath.Join(b.root, filepath.FromSlash(locator)), nil
}

func (b *FSBackend) Create(_ context.Context, locator string) (PendingObject, error) {
	final, err := b.path(locator)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	f, err := os.CreateTemp(dir, fsTempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp object: %w", err)
	}
	return &fsPending{File: f, final: final}, nil
}

func (b *FSBackend) Open(_ context.Context, locator string) (io.ReadSeekCloser, error) {
	path, err := b.path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (b *FSBackend) Remove(_ context.Context, locator string) error {
	path, err := b.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (b *FSBackend) RemovePrefix(_ context.Context, prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/")
	path, err := b.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove prefix: %w", err)
	}
	return nil
}

// SweepTemp removes temp files left behind by writes interrupted by a crash.
// Files younger than minAge are kept since they may belong to a write in
// flight.
func (b *FSBackend) SweepTemp(minAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-minAge)
	removed := 0
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), fsTempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	return removed, err
}

type fsPending struct {
	*os.File
	final string
	done  bool
}

func (p *fsPending) Commit(_ context.Context) error {
	if p.done {
		return errors.New("object already finalized")
	}
	if err := p.File.Sync(); err != nil {
		return fmt.Errorf("sync object: %w", err)
	}
	if err := p.File.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(p.File.Name(), p.final); err != nil {
		_ = os.Remove(p.File.Name())
		return fmt.Errorf("rename object: %w", err)
	}
	p.done = true
	if err := syncDir(filepath.Dir(p.final)); err != nil {
		// The caller treats the write as failed and never records it, so
		// the renamed file would have no owner.
		_ = os.Remove(p.final)
		return err
	}
	return nil
}

func (p *fsPending) Abort() {
	if p.done {
		return
	}
	p.done = true
	_ = p.File.Close()
	_ = os.Remove(p.File.Name())
}

var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open object dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync object dir: %w", err)
	}
	return nil
}
