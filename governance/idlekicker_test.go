package governance

import (
	"testing"

	"github.com/ferrumchain/ferrum/core"
	"github.com/ferrumchain/ferrum/events"
	"github.com/ferrumchain/ferrum/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleKickerFixture struct {
	emitter *events.Emitter
	fm      *FederationManager
	vm      *VotingManager
	kicker  *IdleKicker
}

func newIdleKickerFixture(t *testing.T, maxIdleSeconds int64, now *int64, members ...FederationMember) *idleKickerFixture {
	t.Helper()
	db := testutil.NewMemDB()
	emitter := events.NewEmitter()
	fm := NewFederationManager(db, emitter, nil)
	for _, m := range members {
		require.NoError(t, fm.SeedGenesisMember(m))
	}
	whitelist := NewWhitelist(db)
	vm := NewVotingManager(db, fm, whitelist, emitter, nil, nil, 10)
	tipTime := func() int64 { return *now }
	k := NewIdleKicker(db, fm, vm, tipTime, nil, nil, maxIdleSeconds)
	k.Subscribe(emitter)
	return &idleKickerFixture{emitter: emitter, fm: fm, vm: vm, kicker: k}
}

// connectBlockAt drives a block first through VotingManager.OnBlockConnected
// (so any votes it carries are processed) and then through the emitter, where
// the idle kicker's subscription sees it. cmd/ferrumd subscribes the kicker
// before the voting manager, so there the kicker handles the event first.
func (f *idleKickerFixture) connectBlockAt(t *testing.T, height, timestampSeconds int64, proposer string) *core.Block {
	t.Helper()
	block := core.NewBlock("test-chain", height, "prev", proposer, nil, nil)
	block.Header.Timestamp = timestampSeconds * 1e9
	block.Hash = block.ComputeHash()
	require.NoError(t, f.vm.OnBlockConnected(block, height))
	f.emitter.Emit(events.Event{
		Type:        events.EventBlockConnected,
		BlockHeight: height,
		Data:        map[string]any{"block": block, "height": height},
	})
	return block
}

// TestIdleKickerSeedColdStartSkipsMultisig verifies SeedColdStart seeds
// every non-multisig member's last-active timestamp and leaves multisig
// members untouched (they're never eligible for an idle kick at all).
func TestIdleKickerSeedColdStartSkipsMultisig(t *testing.T) {
	now := int64(1000)
	f := newIdleKickerFixture(t, 3600, &now, FederationMember{Pubkey: "aa"}, FederationMember{Pubkey: "bb", IsMultisig: true})
	require.NoError(t, f.kicker.SeedColdStart(now))

	last, ok := f.kicker.lastActive.get("aa")
	require.True(t, ok)
	assert.Equal(t, now, last)

	_, ok = f.kicker.lastActive.get("bb")
	assert.False(t, ok, "multisig members are never tracked for idleness")
}

// TestIdleKickerSchedulesKickAfterSilence drives a self-member node
// through a sequence of blocks where a peer never proposes, and verifies
// a kick vote is scheduled once the peer's silence exceeds maxIdleSeconds,
// but not before.
func TestIdleKickerSchedulesKickAfterSilence(t *testing.T) {
	now := int64(0)
	f := newIdleKickerFixture(t, 100, &now, FederationMember{Pubkey: "self"}, FederationMember{Pubkey: "quiet"})
	f.fm.SetSelfKey("self")
	require.NoError(t, f.kicker.SeedColdStart(0))

	// "self" proposes repeatedly; "quiet" never does. After 160 seconds of
	// silence (> maxIdleSeconds=100), a kick vote must be scheduled.
	f.connectBlockAt(t, 1, 50, "self")
	assert.Empty(t, f.vm.GetScheduledVotes(), "not yet idle at 50s")

	f.connectBlockAt(t, 2, 160, "self")
	scheduled := f.vm.GetScheduledVotes()
	require.Len(t, scheduled, 1)
	assert.Equal(t, VoteKickMember, scheduled[0].Key)

	target, err := DeserializeMember(scheduled[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "quiet", target.Pubkey)
}

// TestIdleKickerDoesNotDuplicateScheduledKick verifies the idle kicker
// consults VotingManager.HasVotedForKick and doesn't requeue a vote this
// node already has pending.
func TestIdleKickerDoesNotDuplicateScheduledKick(t *testing.T) {
	now := int64(0)
	f := newIdleKickerFixture(t, 100, &now, FederationMember{Pubkey: "self"}, FederationMember{Pubkey: "quiet"})
	f.fm.SetSelfKey("self")
	require.NoError(t, f.kicker.SeedColdStart(0))

	f.connectBlockAt(t, 1, 200, "self")
	require.Len(t, f.vm.GetScheduledVotes(), 1)

	// A second round past the threshold must not enqueue a second,
	// duplicate kick vote for the same target.
	f.connectBlockAt(t, 2, 400, "self")
	assert.Len(t, f.vm.GetScheduledVotes(), 1)
}

// TestIdleKickerNonMemberNodeNeverSchedules verifies a node whose own key
// doesn't hold a federation seat never schedules idle-kick votes (spec.md
// §4.3 fairness constraint: only members vote).
func TestIdleKickerNonMemberNodeNeverSchedules(t *testing.T) {
	now := int64(0)
	f := newIdleKickerFixture(t, 100, &now, FederationMember{Pubkey: "aa"}, FederationMember{Pubkey: "quiet"})
	// Deliberately do not call f.fm.SetSelfKey.
	require.NoError(t, f.kicker.SeedColdStart(0))

	f.connectBlockAt(t, 1, 500, "aa")
	assert.Empty(t, f.vm.GetScheduledVotes())
}
