// Package lockfile guards the store file against a second writer process.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Lock struct {
	path string
}

// Acquire writes a pid-stamped lock file, failing when a live process holds it.
// A lock left by a dead pid is reclaimed.
func Acquire(stateDir string) (*Lock, error) {
	dir := strings.TrimSpace(stateDir)
	if dir == "" {
		return nil, errors.New("missing state dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "brainstem.lock")

	if raw, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pidAlive(pid) {
			return nil, fmt.Errorf("another brainstem instance is running (pid %d)", pid)
		}
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile busy: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(path)
		return nil, errors.Join(werr, cerr)
	}
	return &Lock{path: path}, nil
}

func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	_ = os.Remove(l.path)
	l.path = ""
}
