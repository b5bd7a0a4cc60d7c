package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// FileOptions is an Options backend kept in a single JSON file.
//
// Writes go to <path>.tmp and are renamed over the target, so a crash never
// leaves a half-written settings file behind.
type FileOptions struct {
	fs   afero.Fs
	path string

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

func NewFileOptions(fsys afero.Fs, path string) (*FileOptions, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("options path is required for file driver")
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileOptions{fs: fsys, path: path}, nil
}

func (f *FileOptions) loadLocked() error {
	if f.loaded {
		return nil
	}
	b, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.values = map[string]string{}
		f.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	m := map[string]string{}
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
	}
	f.values = m
	f.loaded = true
	return nil
}

func (f *FileOptions) flushLocked() error {
	b, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return f.fs.Rename(tmp, f.path)
}

func (f *FileOptions) GetOption(ctx context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := f.values[name]
	return v, ok, nil
}

func (f *FileOptions) SetOption(ctx context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	f.values[name] = value
	return f.flushLocked()
}

func (f *FileOptions) DeleteOption(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	if _, ok := f.values[name]; !ok {
		return nil
	}
	delete(f.values, name)
	return f.flushLocked()
}

// Reload drops the cached values so the next read goes back to the file.
func (f *FileOptions) Reload() {
	f.mu.Lock()
	f.loaded = false
	f.values = nil
	f.mu.Unlock()
}
