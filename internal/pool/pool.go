// Package pool implements the inbound and outbound message pools:
// directories of opaque message files with atomic deposit, random
// unpredictable filenames, and processed-rate counters.
package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// FilePool is a directory of opaque message files, shared by the inbound
// pool (enumerate-all) and as the storage layer beneath the outbound
// Cottrell pool.
type FilePool struct {
	dir string

	mu        sync.Mutex
	hourCount int64
	dayCount  int64
}

// New opens (creating if necessary) a FilePool rooted at dir.
func New(dir string) (*FilePool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("pool: create directory %s: %w", dir, err)
	}
	return &FilePool{dir: dir}, nil
}

// Dir returns the pool's backing directory.
func (p *FilePool) Dir() string {
	return p.dir
}

// Deposit writes data under a fresh, unpredictable filename and returns it.
// The write goes to a temp name first and is then renamed into place, so a
// concurrent SelectAll/SelectSubset never observes a partial file. No
// directory-listing collision check: a v4 UUID's collision odds make one
// unnecessary.
func (p *FilePool) Deposit(data []byte) (string, error) {
	name := uuid.NewString()

	finalPath := filepath.Join(p.dir, name)
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return "", fmt.Errorf("pool: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("pool: rename into place: %w", err)
	}

	return name, nil
}

// Delete removes filename from the pool and increments the processed
// counters.
func (p *FilePool) Delete(filename string) error {
	if err := os.Remove(filepath.Join(p.dir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pool: delete %s: %w", filename, err)
	}

	p.mu.Lock()
	p.hourCount++
	p.dayCount++
	p.mu.Unlock()

	return nil
}

// SelectAll lists every file currently in the pool (inbound: every file,
// every cycle).
func (p *FilePool) SelectAll() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("pool: list %s: %w", p.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Size returns the current number of files in the pool.
func (p *FilePool) Size() (int, error) {
	names, err := p.SelectAll()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Read reads the contents of a pool file.
func (p *FilePool) Read(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("pool: read %s: %w", filename, err)
	}
	return data, nil
}

// ReportProcessed returns the (hour, day) processed counters, optionally
// zeroing them.
func (p *FilePool) ReportProcessed(reset bool) (hour, day int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hour, day = p.hourCount, p.dayCount
	if reset {
		p.hourCount, p.dayCount = 0, 0
	}
	return hour, day
}

// ResetHourCount zeros only the hourly counter, for the hourly trigger.
func (p *FilePool) ResetHourCount() {
	p.mu.Lock()
	p.hourCount = 0
	p.mu.Unlock()
}

// ResetDayCount zeros only the daily counter, for the midnight trigger.
func (p *FilePool) ResetDayCount() {
	p.mu.Lock()
	p.dayCount = 0
	p.mu.Unlock()
}
