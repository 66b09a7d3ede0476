// Package store persists the per-instrument portfolio record across restarts.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
)

// ErrNotFound is returned by Load when nothing was saved for the instrument yet.
var ErrNotFound = errors.New("record not found")

// Store loads and atomically saves portfolio records. Save is all-or-nothing.
type Store interface {
	Load(instrument string) (portfolio.Record, error)
	Save(rec portfolio.Record) error
	Close() error
}

const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

// Open selects a backend by name.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(path)
	case BackendPebble:
		return NewPebbleStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
