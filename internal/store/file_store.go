package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
)

const fileFormatVersion = 1

type fileDocument struct {
	Format  int                         `json:"format"`
	Records map[string]portfolio.Record `json:"records"`
}

// FileStore keeps every instrument record in one JSON document and replaces it with
// write-temp, fsync, rename so a crash leaves either the old or the new file.
type FileStore struct {
	mu   sync.Mutex
	path string

	// seams for crash simulation in tests
	rename func(oldpath, newpath string) error
	sync   func(f *os.File) error
}

// NewFileStore prepares the directory holding path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{
		path:   path,
		rename: os.Rename,
		sync:   func(f *os.File) error { return f.Sync() },
	}, nil
}

// Load returns the record saved for instrument.
func (s *FileStore) Load(instrument string) (portfolio.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return portfolio.Record{}, err
	}
	rec, ok := doc.Records[instrument]
	if !ok {
		return portfolio.Record{}, ErrNotFound
	}
	return rec, nil
}

// Save replaces the record for rec.Instrument, leaving other instruments untouched.
func (s *FileStore) Save(rec portfolio.Record) error {
	if rec.Instrument == "" {
		return errors.New("record instrument required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	doc.Records[rec.Instrument] = rec

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	return s.replace(data)
}

// Close is a no-op; every Save is already durable.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (fileDocument, error) {
	doc := fileDocument{Format: fileFormatVersion, Records: make(map[string]portfolio.Record)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, ErrNotFound
	}
	if err != nil {
		return doc, fmt.Errorf("read store: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode store %s: %w", s.path, err)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]portfolio.Record)
	}
	return doc, nil
}

func (s *FileStore) replace(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := s.sync(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := s.rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	committed = true

	// persist the directory entry; not every platform supports it
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
