// Package history keeps the durable, append-only log of completed gradings,
// most recent first, scoped to one user identity.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shenlunapp/shenlun-cli/internal/model"
	"github.com/shenlunapp/shenlun-cli/internal/store"
)

const keyPrefix = "history:"

// Store is the history log. Mutations are serialized; every mutation
// rewrites the full log to durable storage.
type Store struct {
	kv   store.KV
	user model.User
	log  *slog.Logger

	mu      sync.Mutex
	records []model.HistoryRecord
}

// New creates a history store for the given user and hydrates it from
// durable storage. A missing or undecodable stored log yields an empty one.
func New(kv store.KV, user model.User) *Store {
	s := &Store{
		kv:   kv,
		user: user,
		log:  slog.Default(),
	}
	s.records = s.load()
	return s
}

func (s *Store) key() string {
	return keyPrefix + s.user.ID
}

func (s *Store) load() []model.HistoryRecord {
	data, ok, err := s.kv.Get(s.key())
	if err != nil {
		s.log.Warn("read history", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var records []model.HistoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.log.Warn("decode history, starting empty", "error", err)
		return nil
	}
	return records
}

// Append prepends a record and persists the full log. On a persistence
// failure the prepend is rolled back so memory and durable storage stay
// consistent.
func (s *Store) Append(rec model.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make([]model.HistoryRecord, 0, len(s.records)+1)
	updated = append(updated, rec)
	updated = append(updated, s.records...)

	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.kv.Set(s.key(), data); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	s.records = updated
	return nil
}

// All returns the log, most recent first.
func (s *Store) All() []model.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.HistoryRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Clear empties the log in memory and durable storage. Called on logout.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(s.key()); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	s.records = nil
	return nil
}
