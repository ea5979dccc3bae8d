// Package filestore persists a single structured document as a JSON file
// with serialized access. The settings store and the session registry
// each sit on one Document; concurrent tenant workers share it safely
// because every read-modify-write runs under the document lock.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Document is a JSON file holding one value of type T. A missing file is
// repaired on first access by persisting the init value. Writes are
// atomic (temp file plus rename) so a crash never leaves a half-written
// document behind.
type Document[T any] struct {
	path string
	init func() T
	mu   sync.Mutex
}

func NewDocument[T any](path string, init func() T) *Document[T] {
	return &Document[T]{path: path, init: init}
}

// Read returns the current document value, initializing the file with
// the init value if it does not exist yet.
func (d *Document[T]) Read() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read()
}

// Write replaces the document value.
func (d *Document[T]) Write(v T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write(v)
}

// Update applies fn to the current value and persists the result, all
// under the document lock. fn returning an error aborts without writing.
func (d *Document[T]) Update(fn func(T) (T, error)) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.read()
	if err != nil {
		var zero T
		return zero, err
	}

	next, err := fn(cur)
	if err != nil {
		var zero T
		return zero, err
	}

	if err := d.write(next); err != nil {
		var zero T
		return zero, err
	}
	return next, nil
}

func (d *Document[T]) read() (T, error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		v := d.init()
		if werr := d.write(v); werr != nil {
			var zero T
			return zero, werr
		}
		return v, nil
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to read %s: %w", d.path, err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to parse %s: %w", d.path, err)
	}
	return v, nil
}

func (d *Document[T]) write(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", d.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", d.path, err)
	}
	return nil
}
