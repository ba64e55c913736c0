package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// NonceSource hands out strictly increasing nonces for one signer identity.
type NonceSource interface {
	Next() (uint64, error)
}

// CounterNonce is an in-process counter. It is only safe when a single process
// signs for the identity and restarts resume above the last value used.
type CounterNonce struct {
	n atomic.Uint64
}

// NewCounterNonce returns a counter whose first nonce is last+1.
func NewCounterNonce(last uint64) *CounterNonce {
	c := &CounterNonce{}
	c.n.Store(last)
	return c
}

func (c *CounterNonce) Next() (uint64, error) {
	return c.n.Add(1), nil
}

// FileNonce persists the last issued nonce to a file before returning it, so
// a nonce is never reissued across runs of a CLI.
type FileNonce struct {
	mu   sync.Mutex
	path string
}

func NewFileNonce(path string) *FileNonce {
	return &FileNonce{path: path}
}

func (f *FileNonce) Next() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	last, err := f.read()
	if err != nil {
		return 0, err
	}
	next := last + 1

	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return 0, fmt.Errorf("failed to create nonce dir: %w", err)
	}
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next, 10)+"\n"), 0o600); err != nil {
		return 0, fmt.Errorf("failed to write nonce file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return 0, fmt.Errorf("failed to replace nonce file: %w", err)
	}
	return next, nil
}

func (f *FileNonce) read() (uint64, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read nonce file: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt nonce file %s: %w", f.path, err)
	}
	return v, nil
}
