package governance

import (
	"encoding/binary"
	"encoding/json"

	"github.com/ferrumchain/ferrum/storage"
)

// pollLogPrefix namespaces the append-only poll event log. Unlike the
// roster (one blob per member, overwritten in place), poll history is
// replayed by reading every entry in sequence order at startup — the same
// relationship core/blockchain.go's block-by-height index bears to the
// single "chain:tip" pointer, but applied to governance state instead of
// the chain.
const pollLogPrefix = "fed:pollog:"

// pollEventKind tags what a pollLogEntry records.
type pollEventKind string

const (
	pollEventCreated       pollEventKind = "created"
	pollEventVoted         pollEventKind = "voted"
	pollEventApproved      pollEventKind = "approved"
	pollEventExecuted      pollEventKind = "executed"
	pollEventRevertExecuted pollEventKind = "revert_executed"
	pollEventRevertApproved pollEventKind = "revert_approved"
	pollEventVoteRemoved    pollEventKind = "vote_removed"
	pollEventDeleted        pollEventKind = "deleted"
)

// pollLogEntry is one record in the append-only poll log. Only the fields
// relevant to Kind are populated; the rest are zero. Each entry records a
// pure bookkeeping transition of the poll table itself — it never re-runs
// execution side effects (federation roster / whitelist mutations), since
// those are independently durable in their own stores and are replayed by
// FederationManager.LoadFromDisk / Whitelist.LoadFromDisk.
type pollLogEntry struct {
	Seq    uint64        `json:"seq"`
	Kind   pollEventKind `json:"kind"`
	PollID uint64        `json:"poll_id"`

	// pollEventCreated
	Data        VotingData `json:"data,omitempty"`
	StartHeight int64      `json:"start_height,omitempty"`
	StartHash   string     `json:"start_hash,omitempty"`

	// pollEventCreated / pollEventVoted / pollEventVoteRemoved
	Voter string `json:"voter,omitempty"`

	// pollEventApproved / pollEventExecuted / pollEventRevertExecuted /
	// pollEventRevertApproved
	Height int64 `json:"height,omitempty"`
}

// pollLog is the append-only on-disk log of every poll lifecycle
// transition, replayed in full at startup to reconstruct VotingManager's
// in-memory poll table.
type pollLog struct {
	db      storage.DB
	nextSeq uint64
}

func newPollLog(db storage.DB) *pollLog {
	return &pollLog{db: db}
}

func seqKey(seq uint64) []byte {
	key := make([]byte, len(pollLogPrefix)+8)
	copy(key, pollLogPrefix)
	binary.BigEndian.PutUint64(key[len(pollLogPrefix):], seq)
	return key
}

// append writes entry under the next sequence number and advances it.
// Sequence numbers are zero-padded big-endian in the key so the
// underlying iterator, which yields keys in byte order, yields log
// entries in write order on replay.
func (l *pollLog) append(entry pollLogEntry) error {
	entry.Seq = l.nextSeq
	data, err := json.Marshal(entry)
	if err != nil {
		return newPersistenceError("marshal poll log entry", err)
	}
	if err := l.db.Set(seqKey(entry.Seq), data); err != nil {
		return newPersistenceError("append poll log entry", err)
	}
	l.nextSeq++
	return nil
}

// replay reads every entry in sequence order and invokes fn for each. The
// caller rebuilds in-memory poll state by folding entries into it.
func (l *pollLog) replay(fn func(pollLogEntry) error) error {
	it := l.db.NewIterator([]byte(pollLogPrefix))
	defer it.Release()

	var maxSeq uint64
	var seen bool
	for it.Next() {
		var entry pollLogEntry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			return newPersistenceError("unmarshal poll log entry", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
		if !seen || entry.Seq >= maxSeq {
			maxSeq = entry.Seq
			seen = true
		}
	}
	if err := it.Error(); err != nil {
		return newPersistenceError("iterate poll log", err)
	}
	if seen {
		l.nextSeq = maxSeq + 1
	}
	return nil
}
