package governance

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/ferrumchain/ferrum/core"
	"github.com/ferrumchain/ferrum/storage"
)

// whitelistKey is the single key the whitelist is persisted under,
// rewritten in full on every change — unlike the roster, which keeps one
// blob per member, the whitelist is small and always read/written whole.
const whitelistKey = "fed:whitelist"

// Whitelist is the ordered set of approved content-hash digests (e.g.
// approved contract code hashes) maintained by governance vote.
type Whitelist struct {
	mu    sync.RWMutex
	order []string // hex digests, insertion order
	set   map[string]bool
	db    storage.DB
}

// NewWhitelist returns an empty Whitelist backed by db.
func NewWhitelist(db storage.DB) *Whitelist {
	return &Whitelist{db: db, set: make(map[string]bool)}
}

// LoadFromDisk replays the persisted whitelist at startup.
func (w *Whitelist) LoadFromDisk() error {
	data, err := w.db.Get([]byte(whitelistKey))
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newPersistenceError("load whitelist", err)
	}
	var order []string
	if err := json.Unmarshal(data, &order); err != nil {
		return newPersistenceError("unmarshal whitelist", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order = order
	w.set = make(map[string]bool, len(order))
	for _, h := range order {
		w.set[h] = true
	}
	return nil
}

func (w *Whitelist) persist() error {
	data, err := json.Marshal(w.order)
	if err != nil {
		return newPersistenceError("marshal whitelist", err)
	}
	if err := w.db.Set([]byte(whitelistKey), data); err != nil {
		return newPersistenceError("persist whitelist", err)
	}
	return nil
}

// Contains reports whether hexHash is currently whitelisted.
func (w *Whitelist) Contains(hexHash string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.set[hexHash]
}

// All returns a snapshot of the whitelist in insertion order.
func (w *Whitelist) All() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.order...)
}

// add inserts hexHash if absent and persists. No-op if already present.
func (w *Whitelist) add(hexHash string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.set[hexHash] {
		return nil
	}
	w.order = append(w.order, hexHash)
	w.set[hexHash] = true
	return w.persist()
}

// remove deletes hexHash if present and persists. No-op if already absent.
func (w *Whitelist) remove(hexHash string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.set[hexHash] {
		return nil
	}
	delete(w.set, hexHash)
	for i, h := range w.order {
		if h == hexHash {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	return w.persist()
}
