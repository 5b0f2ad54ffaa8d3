// Package execlog implements the append-only execution log shared by every
// remote session and SQL execution of a release run.
package execlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Log is an append-only audit file. Every Append is one write call, so
// concurrent writers never interleave partial entries.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens (or creates) the log at path for appending. Existing content
// is kept.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create execution log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution log: %w", err)
	}
	return &Log{path: path, file: f}, nil
}

// Path returns the log file location
func (l *Log) Path() string {
	return l.path
}

// Append writes entry as a single record, adding a trailing newline when
// missing. Empty entries are ignored.
func (l *Log) Append(entry string) error {
	if l == nil || entry == "" {
		return nil
	}
	if entry[len(entry)-1] != '\n' {
		entry += "\n"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("execution log %s is closed", l.path)
	}
	if _, err := l.file.Write([]byte(entry)); err != nil {
		return fmt.Errorf("failed to append to execution log: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Calling Close twice is a no-op.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
