package governance

import (
	"sort"
	"sync"

	"github.com/ferrumchain/ferrum/events"
	"github.com/ferrumchain/ferrum/storage"
	"go.uber.org/zap"
)

// membershipChange records one add/kick applied to the roster at a given
// height, so GetMembersAt(height) can reconstruct the roster as of any
// past block without replaying the whole poll log.
type membershipChange struct {
	height int64
	added  *FederationMember // nil for a kick
	kicked string            // pubkey, empty for an add
}

// FederationManager is the authoritative in-memory federation roster. It
// is the only component allowed to mutate membership; VotingManager calls
// into it once a poll reaches majority and its execution delay elapses.
type FederationManager struct {
	mu      sync.RWMutex
	members map[string]FederationMember // pubkey -> member
	order   []string                    // true insertion order, used for slot assignment
	nextSeq uint64                      // next join-sequence number to assign and persist
	history []membershipChange
	store   *memberStore
	emitter *events.Emitter
	logger  *zap.Logger

	selfPubkey string // this node's own pubkey, if known; empty if unset
}

// NewFederationManager returns an empty FederationManager backed by db for
// persistence, publishing MemberAdded/MemberKicked on emitter.
func NewFederationManager(db storage.DB, emitter *events.Emitter, logger *zap.Logger) *FederationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FederationManager{
		members: make(map[string]FederationMember),
		store:   newMemberStore(db),
		emitter: emitter,
		logger:  logger.Named("federation"),
	}
}

// LoadFromDisk replays the persisted roster at startup, in join order
// (memberStore.loadAll sorts by the persisted join sequence), so fm.order
// matches true insertion order across a restart. Membership history
// (GetMembersAt) is not recoverable across a restart beyond the current
// roster — only the poll log, replayed separately by VotingManager, can
// reconstruct how the roster got here.
func (fm *FederationManager) LoadFromDisk() error {
	members, err := fm.store.loadAll()
	if err != nil {
		return err
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, m := range members {
		// Renumber densely so seqs assigned after this load stay unique.
		if err := fm.store.put(m, fm.nextSeq); err != nil {
			return err
		}
		fm.members[m.Pubkey] = m
		fm.order = append(fm.order, m.Pubkey)
		fm.nextSeq++
	}
	return nil
}

// SeedGenesisMember injects a member directly at chain genesis, bypassing
// voting entirely (spec.md §4.2: genesis membership, including multisig
// status, is fixed by config, never voted on).
func (fm *FederationManager) SeedGenesisMember(m FederationMember) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if _, exists := fm.members[m.Pubkey]; exists {
		return nil
	}
	if err := fm.store.put(m, fm.nextSeq); err != nil {
		return err
	}
	fm.nextSeq++
	fm.members[m.Pubkey] = m
	fm.order = append(fm.order, m.Pubkey)
	return nil
}

// SetSelfKey records the node's own pubkey, loaded from its private key at
// startup. Used to answer CurrentKey/IsSelfFederationMember.
func (fm *FederationManager) SetSelfKey(pubkey string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.selfPubkey = pubkey
}

// CurrentKey returns the node's own pubkey and true, or ("", false) if it
// was never set.
func (fm *FederationManager) CurrentKey() (string, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	if fm.selfPubkey == "" {
		return "", false
	}
	return fm.selfPubkey, true
}

// IsSelfFederationMember reports whether this node's own key currently
// holds a federation seat. The Idle Kicker only schedules votes when this
// is true (spec.md §4.3 fairness constraints).
func (fm *FederationManager) IsSelfFederationMember() bool {
	fm.mu.RLock()
	pk := fm.selfPubkey
	fm.mu.RUnlock()
	if pk == "" {
		return false
	}
	return fm.IsFederationMember(pk)
}

// IsFederationMember reports whether pubkey currently holds a federation
// seat, multisig or otherwise.
func (fm *FederationManager) IsFederationMember(pubkey string) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	_, ok := fm.members[pubkey]
	return ok
}

// IsMultisig reports whether pubkey is a multisig member. Returns false
// for non-members too; callers that need to distinguish "not a member"
// from "member but not multisig" should call IsFederationMember first.
func (fm *FederationManager) IsMultisig(pubkey string) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	m, ok := fm.members[pubkey]
	return ok && m.IsMultisig
}

// GetMembers returns a snapshot of the current roster in join order:
// members are appended as they join, and kicking a member preserves the
// relative order of the remainder (spec.md §4.2). This order is what
// ProposerForSlot uses for PoA slot assignment.
func (fm *FederationManager) GetMembers() []FederationMember {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	out := make([]FederationMember, 0, len(fm.order))
	for _, pk := range fm.order {
		out = append(out, fm.members[pk])
	}
	return out
}

// Size returns the current roster size, used to compute the majority
// threshold for open polls.
func (fm *FederationManager) Size() int {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return len(fm.members)
}

// GetMembersAt reconstructs the *set* of members present as of height by
// walking history backward from the current roster, undoing every change
// recorded after height. The returned slice is sorted by pubkey for
// deterministic iteration — it is a point-in-time membership query, not a
// slot-order reconstruction: history does not record join sequence, so it
// cannot recover the insertion order that was authoritative at height.
// GetMembers/ProposerForSlot use fm.order directly for that.
func (fm *FederationManager) GetMembersAt(height int64) []FederationMember {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	snapshot := make(map[string]FederationMember, len(fm.members))
	for pk, m := range fm.members {
		snapshot[pk] = m
	}
	for i := len(fm.history) - 1; i >= 0; i-- {
		ch := fm.history[i]
		if ch.height <= height {
			break // history is append-only in height order
		}
		if ch.added != nil {
			delete(snapshot, ch.added.Pubkey)
		} else {
			// Undo a kick: we don't retain the kicked member's IsMultisig
			// flag in history since kicked members are never multisig
			// (ErrMultisigImmutable forbids it), so reconstructing as a
			// plain member is always correct.
			snapshot[ch.kicked] = FederationMember{Pubkey: ch.kicked}
		}
	}
	out := make([]FederationMember, 0, len(snapshot))
	for _, m := range snapshot {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return out
}

// ProposerForSlot returns the pubkey assigned to slot index in round-robin
// order over the current roster, in join order (spec.md §4.2). Callers own
// the mapping from block height / round to slot index; FederationManager
// only knows the roster.
func (fm *FederationManager) ProposerForSlot(slot int) (string, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	if len(fm.order) == 0 {
		return "", false
	}
	return fm.order[slot%len(fm.order)], true
}

// addMember commits a new member at height, persists it, records history,
// and emits MemberAdded. Called by VotingManager once an AddMember poll's
// execution delay elapses; never called directly by RPC or consensus.
func (fm *FederationManager) addMember(height int64, m FederationMember) error {
	fm.mu.Lock()
	if _, exists := fm.members[m.Pubkey]; exists {
		fm.mu.Unlock()
		return nil // idempotent: already a member, nothing to do
	}
	if err := fm.store.put(m, fm.nextSeq); err != nil {
		fm.mu.Unlock()
		return err
	}
	fm.nextSeq++
	fm.members[m.Pubkey] = m
	fm.order = append(fm.order, m.Pubkey)
	mCopy := m
	fm.history = append(fm.history, membershipChange{height: height, added: &mCopy})
	fm.mu.Unlock()

	fm.logger.Info("federation member added", zap.String("pubkey", m.Pubkey), zap.Int64("height", height))
	if fm.emitter != nil {
		fm.emitter.Emit(events.Event{
			Type:        events.EventMemberAdded,
			BlockHeight: height,
			Data:        map[string]any{"member": m},
		})
	}
	return nil
}

// kickMember removes an existing non-multisig member at height, persists
// the removal, records history, and emits MemberKicked.
func (fm *FederationManager) kickMember(height int64, pubkey string) error {
	fm.mu.Lock()
	m, exists := fm.members[pubkey]
	if !exists {
		fm.mu.Unlock()
		return nil // idempotent: already gone
	}
	if m.IsMultisig {
		fm.mu.Unlock()
		return ErrMultisigImmutable
	}
	if err := fm.store.delete(pubkey); err != nil {
		fm.mu.Unlock()
		return err
	}
	delete(fm.members, pubkey)
	for i, pk := range fm.order {
		if pk == pubkey {
			fm.order = append(fm.order[:i], fm.order[i+1:]...)
			break
		}
	}
	fm.history = append(fm.history, membershipChange{height: height, kicked: pubkey})
	fm.mu.Unlock()

	fm.logger.Info("federation member kicked", zap.String("pubkey", pubkey), zap.Int64("height", height))
	if fm.emitter != nil {
		fm.emitter.Emit(events.Event{
			Type:        events.EventMemberKicked,
			BlockHeight: height,
			Data:        map[string]any{"pubkey": pubkey},
		})
	}
	return nil
}

// undoHistoryAbove drops membership changes recorded above height, for
// reorg: VotingManager calls this after reverting executed polls whose
// ExecutedHeight is no longer part of the canonical chain. The roster
// itself is restored by re-running addMember/kickMember with the inverse
// operation; this only trims stale history entries.
func (fm *FederationManager) undoHistoryAbove(height int64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	i := len(fm.history)
	for i > 0 && fm.history[i-1].height > height {
		i--
	}
	fm.history = fm.history[:i]
}
