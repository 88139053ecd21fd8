package governance

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ferrumchain/ferrum/core"
	"github.com/ferrumchain/ferrum/events"
	"github.com/ferrumchain/ferrum/storage"
	"go.uber.org/zap"
)

// VotingManager aggregates per-member votes embedded in block coinbases
// into polls, finalizes polls on majority, and — after a reorg-safety
// delay — executes the resulting membership/whitelist changes. It is the
// only writer of federation and whitelist state during normal block
// processing; RPC-initiated votes go through ScheduleVote like any other.
type VotingManager struct {
	mu sync.RWMutex

	polls       map[uint64]*Poll
	activeByKey map[string]uint64 // dataKey(v) -> poll ID, only while Pending/Approved
	nextPollID  uint64
	scheduled   []ScheduledVote

	fm             *FederationManager
	whitelist      *Whitelist
	log            *pollLog
	logger         *zap.Logger
	emitter        *events.Emitter
	metrics        *Metrics
	maxReorgLength int64
}

// NewVotingManager returns a VotingManager backed by db, mutating fm and
// whitelist on poll execution, with polls activating maxReorgLength
// blocks after reaching majority.
func NewVotingManager(db storage.DB, fm *FederationManager, whitelist *Whitelist, emitter *events.Emitter, logger *zap.Logger, metrics *Metrics, maxReorgLength int64) *VotingManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VotingManager{
		polls:          make(map[uint64]*Poll),
		activeByKey:    make(map[string]uint64),
		fm:             fm,
		whitelist:      whitelist,
		log:            newPollLog(db),
		logger:         logger.Named("voting"),
		emitter:        emitter,
		metrics:        metrics,
		maxReorgLength: maxReorgLength,
	}
}

// dataKey is the lookup key used to find the poll, if any, already open
// for a given VotingData value.
func dataKey(v VotingData) string {
	return fmt.Sprintf("%d:%x", v.Key, v.Payload)
}

// LoadFromDisk replays the poll log to rebuild the in-memory poll table.
// Must be called after fm and whitelist have loaded their own state, since
// this replay reconstructs poll bookkeeping only — not the side effects
// those polls already caused, which live independently under the member
// store's fed:member:* keys and the whitelist's fed:whitelist key.
func (vm *VotingManager) LoadFromDisk() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.log.replay(func(e pollLogEntry) error {
		switch e.Kind {
		case pollEventCreated:
			p := newPoll(e.PollID, e.Data, e.StartHeight, e.StartHash, e.Voter)
			vm.polls[e.PollID] = p
			vm.activeByKey[dataKey(e.Data)] = e.PollID
			if e.PollID >= vm.nextPollID {
				vm.nextPollID = e.PollID + 1
			}
		case pollEventVoted:
			p, ok := vm.polls[e.PollID]
			if !ok {
				return newInvariantViolation("voted replay: poll %d not found", e.PollID)
			}
			p.VotesInFavor[e.Voter] = true
		case pollEventApproved:
			p, ok := vm.polls[e.PollID]
			if !ok {
				return newInvariantViolation("approved replay: poll %d not found", e.PollID)
			}
			p.Status = PollApproved
			p.PollAppliedHeight = e.Height
		case pollEventExecuted:
			p, ok := vm.polls[e.PollID]
			if !ok {
				return newInvariantViolation("executed replay: poll %d not found", e.PollID)
			}
			p.Status = PollExecuted
			p.ExecutedHeight = e.Height
			delete(vm.activeByKey, dataKey(p.Data))
		case pollEventRevertExecuted:
			p, ok := vm.polls[e.PollID]
			if !ok {
				return newInvariantViolation("revert-executed replay: poll %d not found", e.PollID)
			}
			p.Status = PollApproved
			p.ExecutedHeight = heightAbsent
			vm.activeByKey[dataKey(p.Data)] = p.ID
		case pollEventRevertApproved:
			p, ok := vm.polls[e.PollID]
			if !ok {
				return newInvariantViolation("revert-approved replay: poll %d not found", e.PollID)
			}
			p.Status = PollPending
			p.PollAppliedHeight = heightAbsent
		case pollEventVoteRemoved:
			p, ok := vm.polls[e.PollID]
			if !ok {
				return newInvariantViolation("vote-removed replay: poll %d not found", e.PollID)
			}
			delete(p.VotesInFavor, e.Voter)
		case pollEventDeleted:
			p, ok := vm.polls[e.PollID]
			if ok {
				delete(vm.activeByKey, dataKey(p.Data))
			}
			delete(vm.polls, e.PollID)
		default:
			return newInvariantViolation("unknown poll log entry kind %q", e.Kind)
		}
		return nil
	})
}

// ---- Scheduled votes ----

// ScheduleVote enqueues v for inclusion in the next block this node
// produces. Rejects a vote identical to one already scheduled, or already
// cast by this node in any pending/finished poll (spec invariant I6).
func (vm *VotingManager) ScheduleVote(v VotingData) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if v.Key == VoteKickMember {
		target, err := DeserializeMember(v.Payload)
		if err != nil {
			return &ValidationError{Message: "malformed kick-member payload: " + err.Error()}
		}
		if vm.fm.IsMultisig(target.Pubkey) {
			return ErrMultisigImmutable
		}
		if !vm.fm.IsFederationMember(target.Pubkey) {
			return ErrUnknownMember
		}
	}
	if v.Key == VoteAddMember {
		if target, err := DeserializeMember(v.Payload); err == nil && (target.IsMultisig || vm.fm.IsMultisig(target.Pubkey)) {
			return ErrMultisigImmutable
		}
	}

	key := dataKey(v)
	for _, sv := range vm.scheduled {
		if dataKey(sv) == key {
			return &DuplicateVoteError{Data: v}
		}
	}
	self, haveSelf := vm.fm.CurrentKey()
	if haveSelf {
		if id, ok := vm.activeByKey[key]; ok && vm.polls[id].VotesInFavor[self] {
			return &DuplicateVoteError{Voter: self, Data: v}
		}
		for _, p := range vm.polls {
			if p.Status == PollExecuted && p.Data.Equal(v) && p.VotesInFavor[self] {
				return &DuplicateVoteError{Voter: self, Data: v}
			}
		}
	}

	vm.scheduled = append(vm.scheduled, v)
	if vm.metrics != nil {
		vm.metrics.ScheduledVotesGauge.Set(float64(len(vm.scheduled)))
	}
	return nil
}

// GetScheduledVotes returns the current queue, oldest first, without
// clearing it.
func (vm *VotingManager) GetScheduledVotes() []ScheduledVote {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return append([]ScheduledVote(nil), vm.scheduled...)
}

// GetAndCleanScheduledVotes returns the current queue and empties it.
// Called exactly once per produced block, by the block producer
// immediately before sealing.
func (vm *VotingManager) GetAndCleanScheduledVotes() []ScheduledVote {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := vm.scheduled
	vm.scheduled = nil
	if vm.metrics != nil {
		vm.metrics.ScheduledVotesGauge.Set(0)
	}
	return out
}

// ---- Poll snapshots ----

func (vm *VotingManager) pollsWithStatus(status PollStatus) []*Poll {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	var out []*Poll
	for _, p := range vm.polls {
		if p.Status == status {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPendingPolls returns a snapshot of all Pending polls.
func (vm *VotingManager) GetPendingPolls() []*Poll { return vm.pollsWithStatus(PollPending) }

// GetApprovedPolls returns a snapshot of Approved-but-not-yet-Executed polls.
func (vm *VotingManager) GetApprovedPolls() []*Poll { return vm.pollsWithStatus(PollApproved) }

// GetExecutedPolls returns a snapshot of all Executed polls.
func (vm *VotingManager) GetExecutedPolls() []*Poll { return vm.pollsWithStatus(PollExecuted) }

// ---- Block connect/disconnect ----

// OnBlockConnected processes block B's embedded votes against the current
// roster, then runs the execution pass for every poll whose activation
// delay has elapsed. Any inconsistency is fatal (spec §7 InvariantViolation
// / PersistenceError): the caller should treat a non-nil error as a signal
// to shut the node down rather than continue with divergent state.
func (vm *VotingManager) OnBlockConnected(block *core.Block, height int64) error {
	entries, skipped, err := ExtractVotingData(block)
	if err != nil {
		return newInvariantViolation("malformed voting script at height %d: %v", height, err)
	}
	if skipped > 0 {
		vm.logger.Warn("skipped unrecognized vote entries", zap.Int64("height", height), zap.Int("skipped", skipped))
	}

	miner := block.Header.Proposer
	hash := block.Hash

	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, v := range entries {
		if err := vm.processVoteLocked(v, miner, height, hash); err != nil {
			return err
		}
	}
	return vm.runExecutionPassLocked(height)
}

// processVoteLocked folds a single extracted vote into the poll table.
// Caller holds vm.mu.
func (vm *VotingManager) processVoteLocked(v VotingData, miner string, height int64, hash string) error {
	if v.Key == VoteKickMember {
		target, err := DeserializeMember(v.Payload)
		if err != nil {
			vm.logger.Warn("malformed kick-member vote, ignoring", zap.Error(err))
			return nil
		}
		if vm.fm.IsMultisig(target.Pubkey) {
			vm.logger.Warn("kick vote against multisig member, ignoring", zap.String("target", target.Pubkey))
			return nil
		}
	}
	if v.Key == VoteAddMember {
		if target, err := DeserializeMember(v.Payload); err == nil && (target.IsMultisig || vm.fm.IsMultisig(target.Pubkey)) {
			vm.logger.Warn("add vote for multisig member, ignoring", zap.String("target", target.Pubkey))
			return nil
		}
	}

	key := dataKey(v)
	if id, ok := vm.activeByKey[key]; ok {
		p := vm.polls[id]
		if p.VotesInFavor[miner] {
			return nil // duplicate vote from same miner: idempotent no-op
		}
		p.VotesInFavor[miner] = true
		if err := vm.log.append(pollLogEntry{Kind: pollEventVoted, PollID: p.ID, Voter: miner}); err != nil {
			return err
		}

		threshold := majorityThreshold(vm.fm.Size())
		if p.Status == PollPending && len(p.VotesInFavor) >= threshold {
			p.Status = PollApproved
			p.PollAppliedHeight = height
			if err := vm.log.append(pollLogEntry{Kind: pollEventApproved, PollID: p.ID, Height: height}); err != nil {
				return err
			}
			if vm.metrics != nil {
				vm.metrics.PollsApprovedTotal.Inc()
			}
		}
		return nil
	}

	// No active poll: create one, seeded with miner's vote.
	id := vm.nextPollID
	vm.nextPollID++
	p := newPoll(id, v, height, hash, miner)
	vm.polls[id] = p
	vm.activeByKey[key] = id
	if err := vm.log.append(pollLogEntry{
		Kind: pollEventCreated, PollID: id, Data: v,
		StartHeight: height, StartHash: hash, Voter: miner,
	}); err != nil {
		return err
	}
	if vm.metrics != nil {
		vm.metrics.PollsCreatedTotal.Inc()
	}

	// A lone member's vote can itself constitute a majority (N=1 roster,
	// or threshold already met by a single voter in a tiny federation).
	threshold := majorityThreshold(vm.fm.Size())
	if len(p.VotesInFavor) >= threshold {
		p.Status = PollApproved
		p.PollAppliedHeight = height
		if err := vm.log.append(pollLogEntry{Kind: pollEventApproved, PollID: p.ID, Height: height}); err != nil {
			return err
		}
		if vm.metrics != nil {
			vm.metrics.PollsApprovedTotal.Inc()
		}
	}
	return nil
}

// runExecutionPassLocked executes every Approved poll whose activation
// delay has elapsed, in ascending poll-ID order (a deterministic tie-break
// independent of coinbase layout, satisfying P1). Caller holds vm.mu.
func (vm *VotingManager) runExecutionPassLocked(height int64) error {
	var ids []uint64
	for id, p := range vm.polls {
		if p.Status == PollApproved && height-p.PollAppliedHeight >= vm.maxReorgLength {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := vm.polls[id]
		if err := vm.executePollLocked(p, height); err != nil {
			return err
		}
	}
	return nil
}

// executePollLocked applies a poll's side effect to the federation roster
// or whitelist and transitions it to Executed. Caller holds vm.mu.
func (vm *VotingManager) executePollLocked(p *Poll, height int64) error {
	switch p.Data.Key {
	case VoteAddMember:
		member, err := DeserializeMember(p.Data.Payload)
		if err != nil {
			return newInvariantViolation("executed poll %d: malformed member payload: %v", p.ID, err)
		}
		if err := vm.fm.addMember(height, member); err != nil {
			return newPersistenceError("execute add-member", err)
		}
	case VoteKickMember:
		target, err := DeserializeMember(p.Data.Payload)
		if err != nil {
			return newInvariantViolation("executed poll %d: malformed member payload: %v", p.ID, err)
		}
		// Defensive re-check: a conforming node never creates or approves
		// a kick poll against a multisig member (processVoteLocked and
		// ScheduleVote both guard it). Reaching this with a multisig
		// target means the poll was admitted by non-conforming software
		// earlier in the chain's history; treat the execution as a no-op
		// rather than crash every honest node over it.
		if vm.fm.IsMultisig(target.Pubkey) {
			vm.logger.Error("refusing to execute kick against multisig member", zap.String("target", target.Pubkey), zap.Uint64("poll_id", p.ID))
		} else {
			if err := vm.fm.kickMember(height, target.Pubkey); err != nil {
				return newPersistenceError("execute kick-member", err)
			}
			if err := vm.pruneKickedVoterLocked(target.Pubkey, height); err != nil {
				return err
			}
		}
	case VoteWhitelistHash:
		h, err := ParseWhitelistHash(p.Data.Payload)
		if err != nil {
			return newInvariantViolation("executed poll %d: malformed whitelist payload: %v", p.ID, err)
		}
		if err := vm.whitelist.add(h); err != nil {
			return newPersistenceError("execute whitelist-add", err)
		}
	case VoteRemoveHash:
		h, err := ParseWhitelistHash(p.Data.Payload)
		if err != nil {
			return newInvariantViolation("executed poll %d: malformed whitelist payload: %v", p.ID, err)
		}
		if err := vm.whitelist.remove(h); err != nil {
			return newPersistenceError("execute whitelist-remove", err)
		}
	default:
		return newInvariantViolation("executed poll %d: unknown vote key %s", p.ID, p.Data.Key)
	}

	p.Status = PollExecuted
	p.ExecutedHeight = height
	delete(vm.activeByKey, dataKey(p.Data))
	if err := vm.log.append(pollLogEntry{Kind: pollEventExecuted, PollID: p.ID, Height: height}); err != nil {
		return err
	}
	if vm.metrics != nil {
		vm.metrics.PollsExecutedTotal.Inc()
	}
	return nil
}

// pruneKickedVoterLocked removes pubkey's stale vote from every still-open
// (Pending or Approved) poll, then re-evaluates each affected poll against
// the majority threshold for the now-smaller roster. A kicked member's
// vote no longer belongs to the federation (spec invariant I2:
// votesInFavorHex must remain a subset of the roster as of the poll's
// current head), and the shrunken roster can also flip either direction:
// an Approved poll can fall back under threshold and must demote, while a
// Pending poll whose vote count never moved can newly clear a lowered
// threshold and must approve. Caller holds vm.mu.
func (vm *VotingManager) pruneKickedVoterLocked(pubkey string, height int64) error {
	threshold := majorityThreshold(vm.fm.Size())
	for _, p := range vm.pollsSortedLocked() {
		if p.Status != PollPending && p.Status != PollApproved {
			continue
		}
		if p.VotesInFavor[pubkey] {
			delete(p.VotesInFavor, pubkey)
			if err := vm.log.append(pollLogEntry{Kind: pollEventVoteRemoved, PollID: p.ID, Voter: pubkey}); err != nil {
				return err
			}
		}

		switch {
		case p.Status == PollApproved && len(p.VotesInFavor) < threshold:
			p.Status = PollPending
			p.PollAppliedHeight = heightAbsent
			if err := vm.log.append(pollLogEntry{Kind: pollEventRevertApproved, PollID: p.ID, Height: height}); err != nil {
				return err
			}
		case p.Status == PollPending && len(p.VotesInFavor) >= threshold:
			p.Status = PollApproved
			p.PollAppliedHeight = height
			if err := vm.log.append(pollLogEntry{Kind: pollEventApproved, PollID: p.ID, Height: height}); err != nil {
				return err
			}
			if vm.metrics != nil {
				vm.metrics.PollsApprovedTotal.Inc()
			}
		}
	}
	return nil
}

// OnBlockDisconnected reverses the effect block B at height H had on the
// poll table: undoes executions that happened at H, demotes approvals
// that happened at H, and removes votes that first appeared in B,
// deleting polls that started in B and lost their only vote.
func (vm *VotingManager) OnBlockDisconnected(block *core.Block, height int64) error {
	entries, _, err := ExtractVotingData(block)
	if err != nil {
		return newInvariantViolation("malformed voting script at height %d: %v", height, err)
	}
	miner := block.Header.Proposer

	vm.mu.Lock()
	defer vm.mu.Unlock()

	// 1. Undo executions committed at this height.
	for _, p := range vm.pollsSortedLocked() {
		if p.Status == PollExecuted && p.ExecutedHeight == height {
			if err := vm.undoExecutionLocked(p, height); err != nil {
				return err
			}
		}
	}

	// 2. Demote approvals reached at this height.
	for _, p := range vm.pollsSortedLocked() {
		if p.Status == PollApproved && p.PollAppliedHeight == height {
			p.Status = PollPending
			p.PollAppliedHeight = heightAbsent
			if err := vm.log.append(pollLogEntry{Kind: pollEventRevertApproved, PollID: p.ID, Height: height}); err != nil {
				return err
			}
		}
	}

	// 3. Remove votes that first appeared in this block; delete polls
	// that started here and lost their only vote.
	for _, v := range entries {
		key := dataKey(v)
		id, ok := vm.activeByKey[key]
		if !ok {
			continue // poll may already have been deleted by an earlier disconnect in this pass
		}
		p := vm.polls[id]
		if !p.VotesInFavor[miner] {
			continue
		}
		delete(p.VotesInFavor, miner)
		if err := vm.log.append(pollLogEntry{Kind: pollEventVoteRemoved, PollID: p.ID, Voter: miner}); err != nil {
			return err
		}
		if len(p.VotesInFavor) == 0 && p.StartHeight == height {
			delete(vm.polls, id)
			delete(vm.activeByKey, key)
			if err := vm.log.append(pollLogEntry{Kind: pollEventDeleted, PollID: p.ID}); err != nil {
				return err
			}
		}
	}

	// Membership history recorded at or above this height belongs to a
	// block that is no longer canonical; drop it so GetMembersAt doesn't
	// reconstruct a roster that includes changes undone above.
	vm.fm.undoHistoryAbove(height - 1)
	return nil
}

// undoExecutionLocked reverses a poll's side effect and returns it to
// Approved. Caller holds vm.mu.
func (vm *VotingManager) undoExecutionLocked(p *Poll, height int64) error {
	switch p.Data.Key {
	case VoteAddMember:
		member, err := DeserializeMember(p.Data.Payload)
		if err != nil {
			return newInvariantViolation("revert poll %d: malformed member payload: %v", p.ID, err)
		}
		if err := vm.fm.kickMember(height, member.Pubkey); err != nil {
			return newPersistenceError("revert add-member", err)
		}
	case VoteKickMember:
		target, err := DeserializeMember(p.Data.Payload)
		if err != nil {
			return newInvariantViolation("revert poll %d: malformed member payload: %v", p.ID, err)
		}
		if err := vm.fm.addMember(height, target); err != nil {
			return newPersistenceError("revert kick-member", err)
		}
	case VoteWhitelistHash:
		h, err := ParseWhitelistHash(p.Data.Payload)
		if err != nil {
			return newInvariantViolation("revert poll %d: malformed whitelist payload: %v", p.ID, err)
		}
		if err := vm.whitelist.remove(h); err != nil {
			return newPersistenceError("revert whitelist-add", err)
		}
	case VoteRemoveHash:
		h, err := ParseWhitelistHash(p.Data.Payload)
		if err != nil {
			return newInvariantViolation("revert poll %d: malformed whitelist payload: %v", p.ID, err)
		}
		if err := vm.whitelist.add(h); err != nil {
			return newPersistenceError("revert whitelist-remove", err)
		}
	default:
		return newInvariantViolation("revert poll %d: unknown vote key %s", p.ID, p.Data.Key)
	}

	p.Status = PollApproved
	p.ExecutedHeight = heightAbsent
	vm.activeByKey[dataKey(p.Data)] = p.ID
	return vm.log.append(pollLogEntry{Kind: pollEventRevertExecuted, PollID: p.ID, Height: height})
}

// pollsSortedLocked returns all polls ordered by ID, for deterministic
// iteration during reorg processing. Caller holds vm.mu.
func (vm *VotingManager) pollsSortedLocked() []*Poll {
	out := make([]*Poll, 0, len(vm.polls))
	for _, p := range vm.polls {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasVotedForKick reports whether selfPubkey has already voted (in a
// scheduled, pending, or finished poll) to kick the given target. Used by
// the Idle Kicker's duplicate-suppression scan (spec.md §4.3).
func (vm *VotingManager) HasVotedForKick(selfPubkey, targetPubkey string) bool {
	payload, err := SerializeMember(FederationMember{Pubkey: targetPubkey})
	if err != nil {
		return false
	}
	v := VotingData{Key: VoteKickMember, Payload: payload}
	key := dataKey(v)

	vm.mu.RLock()
	defer vm.mu.RUnlock()

	for _, sv := range vm.scheduled {
		if dataKey(sv) == key {
			return true
		}
	}
	if id, ok := vm.activeByKey[key]; ok && vm.polls[id].VotesInFavor[selfPubkey] {
		return true
	}
	for _, p := range vm.polls {
		if p.Status == PollExecuted && p.Data.Equal(v) && p.VotesInFavor[selfPubkey] {
			return true
		}
	}
	return false
}
