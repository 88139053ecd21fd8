package governance

import (
	"encoding/json"
	"sort"

	"github.com/ferrumchain/ferrum/storage"
)

// memberPrefix namespaces federation roster entries within the shared
// key-value store, the same single-blob-per-key convention
// storage.StateDB uses for accounts.
const memberPrefix = "fed:member:"

// storedMember is the on-disk representation of a roster entry. Seq records
// the monotonic join order so LoadFromDisk can reconstruct true insertion
// order across a restart instead of falling back to the DB iterator's
// pubkey-sorted key order (spec.md §4.2: membership order is insertion
// order and defines PoA slot assignment).
type storedMember struct {
	Member FederationMember
	Seq    uint64
}

// memberStore persists the federation roster as one JSON blob per member,
// keyed by pubkey hex.
type memberStore struct {
	db storage.DB
}

func newMemberStore(db storage.DB) *memberStore {
	return &memberStore{db: db}
}

func (s *memberStore) put(m FederationMember, seq uint64) error {
	data, err := json.Marshal(storedMember{Member: m, Seq: seq})
	if err != nil {
		return newPersistenceError("marshal member", err)
	}
	if err := s.db.Set([]byte(memberPrefix+m.Pubkey), data); err != nil {
		return newPersistenceError("put member", err)
	}
	return nil
}

func (s *memberStore) delete(pubkey string) error {
	if err := s.db.Delete([]byte(memberPrefix + pubkey)); err != nil {
		return newPersistenceError("delete member", err)
	}
	return nil
}

// loadAll scans every persisted member at startup and returns them ordered
// by join sequence (ascending), so the caller can rebuild fm.order as true
// insertion order rather than the iterator's pubkey-sorted key order.
func (s *memberStore) loadAll() ([]FederationMember, error) {
	it := s.db.NewIterator([]byte(memberPrefix))
	defer it.Release()

	var stored []storedMember
	for it.Next() {
		var sm storedMember
		if err := json.Unmarshal(it.Value(), &sm); err != nil {
			return nil, newPersistenceError("unmarshal member", err)
		}
		stored = append(stored, sm)
	}
	if err := it.Error(); err != nil {
		return nil, newPersistenceError("iterate members", err)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Seq < stored[j].Seq })
	members := make([]FederationMember, len(stored))
	for i, sm := range stored {
		members[i] = sm.Member
	}
	return members, nil
}
