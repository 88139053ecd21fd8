package governance

import (
	"testing"

	"github.com/ferrumchain/ferrum/core"
	"github.com/ferrumchain/ferrum/events"
	"github.com/ferrumchain/ferrum/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// votingFixture bundles a VotingManager with the FederationManager and
// Whitelist it mutates, all backed by the same in-memory DB, plus a helper
// to drive blocks through it the way cmd/ferrumd's event subscription does.
type votingFixture struct {
	fm        *FederationManager
	whitelist *Whitelist
	vm        *VotingManager
}

func newVotingFixture(t *testing.T, maxReorgLength int64, members ...FederationMember) *votingFixture {
	t.Helper()
	db := testutil.NewMemDB()
	emitter := events.NewEmitter()
	fm := NewFederationManager(db, emitter, nil)
	for _, m := range members {
		require.NoError(t, fm.SeedGenesisMember(m))
	}
	whitelist := NewWhitelist(db)
	vm := NewVotingManager(db, fm, whitelist, emitter, nil, nil, maxReorgLength)
	return &votingFixture{fm: fm, whitelist: whitelist, vm: vm}
}

// connectVoteBlock builds and connects a block at height whose coinbase
// carries a single vote cast by proposer.
func (f *votingFixture) connectVoteBlock(t *testing.T, height int64, proposer string, v VotingData) *core.Block {
	t.Helper()
	script := EncodeVotingScript([]VotingData{v})
	block := core.NewBlock("test-chain", height, "prev", proposer, nil, script)
	block.Hash = block.ComputeHash()
	require.NoError(t, f.vm.OnBlockConnected(block, height))
	return block
}

// connectEmptyBlock advances height with no votes, used to let the
// execution-delay window elapse.
func (f *votingFixture) connectEmptyBlock(t *testing.T, height int64, proposer string) *core.Block {
	t.Helper()
	block := core.NewBlock("test-chain", height, "prev", proposer, nil, nil)
	block.Hash = block.ComputeHash()
	require.NoError(t, f.vm.OnBlockConnected(block, height))
	return block
}

func addMemberVote(t *testing.T, target FederationMember) VotingData {
	t.Helper()
	payload, err := SerializeMember(target)
	require.NoError(t, err)
	return VotingData{Key: VoteAddMember, Payload: payload}
}

// TestSingleMemberMajorityApprovesImmediately covers the N=1 edge case:
// a lone member's own vote already satisfies majorityThreshold(1)==1.
func TestSingleMemberMajorityApprovesImmediately(t *testing.T) {
	f := newVotingFixture(t, 2, FederationMember{Pubkey: "aa"})
	vote := addMemberVote(t, FederationMember{Pubkey: "bb"})

	f.connectVoteBlock(t, 1, "aa", vote)

	approved := f.vm.GetApprovedPolls()
	require.Len(t, approved, 1)
	assert.Equal(t, int64(1), approved[0].PollAppliedHeight)
	assert.False(t, f.fm.IsFederationMember("bb"), "not executed until the reorg delay elapses")
}

// TestMajorityThresholdGatesApproval covers a 3-member federation where
// majorityThreshold(3)==2: one vote must leave the poll Pending, the second
// approves it.
func TestMajorityThresholdGatesApproval(t *testing.T) {
	f := newVotingFixture(t, 2,
		FederationMember{Pubkey: "aa"}, FederationMember{Pubkey: "bb"}, FederationMember{Pubkey: "cc"})
	vote := addMemberVote(t, FederationMember{Pubkey: "dd"})

	f.connectVoteBlock(t, 1, "aa", vote)
	pending := f.vm.GetPendingPolls()
	require.Len(t, pending, 1)
	assert.Len(t, pending[0].VotesInFavor, 1)

	f.connectVoteBlock(t, 2, "bb", vote)
	approved := f.vm.GetApprovedPolls()
	require.Len(t, approved, 1)
	assert.Equal(t, int64(2), approved[0].PollAppliedHeight)
	assert.Empty(t, f.vm.GetPendingPolls())
}

// TestExecutionWaitsForReorgDelay verifies the poll only transitions to
// Executed once height - PollAppliedHeight >= maxReorgLength, and that it
// executes on the very first height that satisfies the inequality.
func TestExecutionWaitsForReorgDelay(t *testing.T) {
	f := newVotingFixture(t, 3, FederationMember{Pubkey: "aa"})
	vote := addMemberVote(t, FederationMember{Pubkey: "bb"})

	f.connectVoteBlock(t, 10, "aa", vote) // approved at height 10

	f.connectEmptyBlock(t, 11, "aa")
	assert.False(t, f.fm.IsFederationMember("bb"), "delay not yet elapsed at height 11")
	f.connectEmptyBlock(t, 12, "aa")
	assert.False(t, f.fm.IsFederationMember("bb"), "delay not yet elapsed at height 12")

	f.connectEmptyBlock(t, 13, "aa") // height - 10 == 3 == maxReorgLength
	assert.True(t, f.fm.IsFederationMember("bb"))

	executed := f.vm.GetExecutedPolls()
	require.Len(t, executed, 1)
	assert.Equal(t, int64(13), executed[0].ExecutedHeight)
}

// TestDuplicateVoteFromSameMinerIsIgnored ensures a miner voting twice on
// the same open poll doesn't inflate VotesInFavor (spec invariant I2).
func TestDuplicateVoteFromSameMinerIsIgnored(t *testing.T) {
	f := newVotingFixture(t, 5,
		FederationMember{Pubkey: "aa"}, FederationMember{Pubkey: "bb"}, FederationMember{Pubkey: "cc"})
	vote := addMemberVote(t, FederationMember{Pubkey: "dd"})

	f.connectVoteBlock(t, 1, "aa", vote)
	f.connectVoteBlock(t, 2, "aa", vote) // same miner votes again

	pending := f.vm.GetPendingPolls()
	require.Len(t, pending, 1)
	assert.Len(t, pending[0].VotesInFavor, 1)
}

// TestScheduleVoteRejectsKickAgainstMultisig covers the immutability
// invariant directly at the scheduling boundary, before a vote ever
// reaches a block.
func TestScheduleVoteRejectsKickAgainstMultisig(t *testing.T) {
	f := newVotingFixture(t, 2, FederationMember{Pubkey: "aa", IsMultisig: true})
	payload, err := SerializeMember(FederationMember{Pubkey: "aa"})
	require.NoError(t, err)

	err = f.vm.ScheduleVote(VotingData{Key: VoteKickMember, Payload: payload})
	assert.ErrorIs(t, err, ErrMultisigImmutable)
}

// TestScheduleVoteRejectsDuplicate covers the scheduled-queue side of I6:
// the same vote can't be queued twice by this node.
func TestScheduleVoteRejectsDuplicate(t *testing.T) {
	f := newVotingFixture(t, 2, FederationMember{Pubkey: "aa"})
	vote := addMemberVote(t, FederationMember{Pubkey: "bb"})

	require.NoError(t, f.vm.ScheduleVote(vote))
	err := f.vm.ScheduleVote(vote)
	assert.True(t, IsDuplicateVote(err))
}

// TestWhitelistVoteExecutesAfterDelay exercises the whitelist-hash vote
// path end to end, distinct from membership votes.
func TestWhitelistVoteExecutesAfterDelay(t *testing.T) {
	f := newVotingFixture(t, 1, FederationMember{Pubkey: "aa"})
	hash := make([]byte, WhitelistedHashSize)
	for i := range hash {
		hash[i] = byte(i)
	}
	vote := VotingData{Key: VoteWhitelistHash, Payload: hash}

	f.connectVoteBlock(t, 1, "aa", vote)
	f.connectEmptyBlock(t, 2, "aa")

	hexHash, err := ParseWhitelistHash(hash)
	require.NoError(t, err)
	assert.True(t, f.whitelist.Contains(hexHash))
}

// TestReorgRevertsExecutedAddMember drives the exact scenario DESIGN.md's
// Open Question decision describes: a poll executes, then the block that
// caused its execution is disconnected, and the membership change must be
// undone along with the poll's own bookkeeping.
func TestReorgRevertsExecutedAddMember(t *testing.T) {
	f := newVotingFixture(t, 1, FederationMember{Pubkey: "aa"})
	vote := addMemberVote(t, FederationMember{Pubkey: "bb"})

	f.connectVoteBlock(t, 10, "aa", vote) // approved at height 10
	execBlock := f.connectEmptyBlock(t, 11, "aa") // height-10==1==maxReorgLength: executes

	require.True(t, f.fm.IsFederationMember("bb"))
	require.Len(t, f.vm.GetExecutedPolls(), 1)

	require.NoError(t, f.vm.OnBlockDisconnected(execBlock, 11))

	assert.False(t, f.fm.IsFederationMember("bb"), "membership change must be undone")
	assert.Empty(t, f.vm.GetExecutedPolls())
	approved := f.vm.GetApprovedPolls()
	require.Len(t, approved, 1, "poll returns to Approved, not Pending, on execution revert")
}

// TestReorgRevertsApprovalAndRemovesVote goes one step further: disconnect
// the block that reached majority itself, which should demote the poll
// back to Pending and strip the disconnected miner's vote.
func TestReorgRevertsApprovalAndRemovesVote(t *testing.T) {
	f := newVotingFixture(t, 5, FederationMember{Pubkey: "aa"})
	vote := addMemberVote(t, FederationMember{Pubkey: "bb"})

	approvalBlock := f.connectVoteBlock(t, 10, "aa", vote)
	require.Len(t, f.vm.GetApprovedPolls(), 1)

	require.NoError(t, f.vm.OnBlockDisconnected(approvalBlock, 10))

	assert.Empty(t, f.vm.GetApprovedPolls())
	assert.Empty(t, f.vm.GetPendingPolls(), "poll's only vote was removed, so it's deleted entirely")
}

// TestLoadFromDiskReplaysPollLog verifies the poll log replay reconstructs
// poll bookkeeping identically to the live in-memory state, without
// re-running any execution side effect (federation/whitelist state is
// loaded independently, per governance/federation.go's LoadFromDisk doc).
func TestLoadFromDiskReplaysPollLog(t *testing.T) {
	db := testutil.NewMemDB()
	emitter := events.NewEmitter()
	fm := NewFederationManager(db, emitter, nil)
	require.NoError(t, fm.SeedGenesisMember(FederationMember{Pubkey: "aa"}))
	require.NoError(t, fm.SeedGenesisMember(FederationMember{Pubkey: "bb"}))
	require.NoError(t, fm.SeedGenesisMember(FederationMember{Pubkey: "cc"}))
	whitelist := NewWhitelist(db)
	vm1 := NewVotingManager(db, fm, whitelist, emitter, nil, nil, 5)

	vote := addMemberVote(t, FederationMember{Pubkey: "dd"})
	script := EncodeVotingScript([]VotingData{vote})
	block := core.NewBlock("test-chain", 1, "prev", "aa", nil, script)
	block.Hash = block.ComputeHash()
	require.NoError(t, vm1.OnBlockConnected(block, 1))

	// Fresh VotingManager sharing the same DB, simulating a restart.
	vm2 := NewVotingManager(db, fm, whitelist, emitter, nil, nil, 5)
	require.NoError(t, vm2.LoadFromDisk())

	pending := vm2.GetPendingPolls()
	require.Len(t, pending, 1)
	assert.Len(t, pending[0].VotesInFavor, 1)
	assert.True(t, pending[0].VotesInFavor["aa"])
}

// TestUnknownVoteKeyIsSkippedNotError verifies forward compatibility: an
// unrecognized VoteKey byte in a coinbase script is silently counted, not
// rejected as malformed.
func TestUnknownVoteKeyIsSkippedNotError(t *testing.T) {
	known := addMemberVote(t, FederationMember{Pubkey: "bb"})
	script := EncodeVotingScript([]VotingData{known})
	// Append a bogus trailing entry with an unrecognized key and empty payload.
	script = append(script, 0xFF, 0x00, 0x00, 0x00, 0x00)

	entries, skipped, err := DecodeVotingScript(script)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, entries, 1)
	assert.Equal(t, VoteAddMember, entries[0].Key)
}
