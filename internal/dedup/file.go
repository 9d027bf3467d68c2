package dedup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileTracker keeps delivered ids in memory and appends each new id to a
// plain text file, one per line.
type FileTracker struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	file    string
	created bool
}

// NewFileTracker loads (or creates) a tracker backed by filePath.
func NewFileTracker(filePath string) (*FileTracker, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create tracker dir: %w", err)
	}

	t := &FileTracker{
		ids:  make(map[string]struct{}),
		file: filePath,
	}

	f, err := os.Open(filePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open tracker file: %w", err)
		}
		t.created = true
		// Touch the file so the next start is not treated as a first run.
		nf, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create tracker file: %w", err)
		}
		return t, nf.Close()
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// Ids are stored verbatim; only a CRLF line ending is dropped.
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line != "" {
			t.ids[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tracker file: %w", err)
	}

	return t, nil
}

func (t *FileTracker) IsDelivered(_ context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok, nil
}

// RecordDelivered appends id to the file and syncs it before returning.
func (t *FileTracker) RecordDelivered(_ context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("record id: empty")
	}
	if strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("record id %q: contains line break", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.ids[id]; exists {
		return nil
	}

	f, err := os.OpenFile(t.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open tracker file for append: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, id); err != nil {
		return fmt.Errorf("write tracker id: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync tracker file: %w", err)
	}

	t.ids[id] = struct{}{}
	return nil
}

func (t *FileTracker) Reset(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Truncate(t.file, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("truncate tracker file: %w", err)
	}
	t.ids = make(map[string]struct{})
	return nil
}

func (t *FileTracker) Count(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids), nil
}

func (t *FileTracker) Created() bool { return t.created }

func (t *FileTracker) Close() error { return nil }
