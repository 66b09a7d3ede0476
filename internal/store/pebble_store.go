package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
)

// PebbleStore keeps each part of a record under its own key and commits them in one batch.
type PebbleStore struct {
	db *pebble.DB
}

// keys: pos:<instrument>, risk:<instrument>, last:<instrument>, pending:<instrument>, ver:<instrument>
func kPosition(instrument string) []byte { return []byte("pos:" + instrument) }
func kRisk(instrument string) []byte     { return []byte("risk:" + instrument) }
func kLast(instrument string) []byte     { return []byte("last:" + instrument) }
func kPending(instrument string) []byte  { return []byte("pending:" + instrument) }
func kVersion(instrument string) []byte  { return []byte("ver:" + instrument) }

// NewPebbleStore opens (or creates) the database directory at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	if path == "" {
		return nil, errors.New("store path required")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close releases the database.
func (s *PebbleStore) Close() error { return s.db.Close() }

// Save writes every part of rec in a single synced batch.
func (s *PebbleStore) Save(rec portfolio.Record) error {
	if rec.Instrument == "" {
		return errors.New("record instrument required")
	}
	b := s.db.NewBatch()
	defer b.Close()

	if err := setJSON(b, kPosition(rec.Instrument), rec.Position); err != nil {
		return err
	}
	if err := setJSON(b, kRisk(rec.Instrument), rec.Risk); err != nil {
		return err
	}
	if err := setJSON(b, kVersion(rec.Instrument), rec.Version); err != nil {
		return err
	}
	if err := setOrDelete(b, kLast(rec.Instrument), rec.LastOrder); err != nil {
		return err
	}
	if err := setOrDelete(b, kPending(rec.Instrument), rec.Pending); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// Load reassembles the record for instrument.
func (s *PebbleStore) Load(instrument string) (portfolio.Record, error) {
	rec := portfolio.Record{Instrument: instrument}
	found, err := s.getJSON(kPosition(instrument), &rec.Position)
	if err != nil {
		return portfolio.Record{}, err
	}
	if !found {
		return portfolio.Record{}, ErrNotFound
	}
	if _, err := s.getJSON(kRisk(instrument), &rec.Risk); err != nil {
		return portfolio.Record{}, err
	}
	if _, err := s.getJSON(kVersion(instrument), &rec.Version); err != nil {
		return portfolio.Record{}, err
	}
	var last portfolio.OrderRecord
	if ok, err := s.getJSON(kLast(instrument), &last); err != nil {
		return portfolio.Record{}, err
	} else if ok {
		rec.LastOrder = &last
	}
	var pending portfolio.OrderRecord
	if ok, err := s.getJSON(kPending(instrument), &pending); err != nil {
		return portfolio.Record{}, err
	} else if ok {
		rec.Pending = &pending
	}
	return rec, nil
}

func (s *PebbleStore) getJSON(key []byte, out any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := b.Set(key, data, nil); err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	return nil
}

func setOrDelete(b *pebble.Batch, key []byte, v *portfolio.OrderRecord) error {
	if v == nil {
		if err := b.Delete(key, nil); err != nil {
			return fmt.Errorf("stage delete %s: %w", key, err)
		}
		return nil
	}
	return setJSON(b, key, v)
}
