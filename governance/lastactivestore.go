package governance

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/ferrumchain/ferrum/core"
	"github.com/ferrumchain/ferrum/storage"
)

// lastActiveKey is the single key last_active.json is persisted under,
// rewritten whole on every change (mirrors Whitelist's persistence style;
// the map is small and bounded by federation size).
const lastActiveKey = "fed:last_active"

// lastActiveStore persists the idle kicker's pubkey -> last-seen-unix-time
// map.
type lastActiveStore struct {
	mu   sync.RWMutex
	data map[string]int64
	db   storage.DB
}

func newLastActiveStore(db storage.DB) *lastActiveStore {
	return &lastActiveStore{db: db, data: make(map[string]int64)}
}

func (s *lastActiveStore) loadFromDisk() error {
	raw, err := s.db.Get([]byte(lastActiveKey))
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newPersistenceError("load last-active", err)
	}
	var m map[string]int64
	if err := json.Unmarshal(raw, &m); err != nil {
		return newPersistenceError("unmarshal last-active", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = m
	return nil
}

func (s *lastActiveStore) persistLocked() error {
	data, err := json.Marshal(s.data)
	if err != nil {
		return newPersistenceError("marshal last-active", err)
	}
	if err := s.db.Set([]byte(lastActiveKey), data); err != nil {
		return newPersistenceError("persist last-active", err)
	}
	return nil
}

func (s *lastActiveStore) get(pubkey string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data[pubkey]
	return t, ok
}

func (s *lastActiveStore) set(pubkey string, t int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[pubkey] = t
	return s.persistLocked()
}

func (s *lastActiveStore) setIfAbsent(pubkey string, t int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[pubkey]; ok {
		return nil
	}
	s.data[pubkey] = t
	return s.persistLocked()
}

func (s *lastActiveStore) delete(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[pubkey]; !ok {
		return nil
	}
	delete(s.data, pubkey)
	return s.persistLocked()
}
