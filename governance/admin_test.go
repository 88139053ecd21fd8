package governance

import (
	"strings"
	"testing"

	"github.com/ferrumchain/ferrum/events"
	"github.com/ferrumchain/ferrum/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmin(t *testing.T, members ...FederationMember) *Admin {
	t.Helper()
	db := testutil.NewMemDB()
	emitter := events.NewEmitter()
	fm := NewFederationManager(db, emitter, nil)
	for _, m := range members {
		require.NoError(t, fm.SeedGenesisMember(m))
	}
	whitelist := NewWhitelist(db)
	vm := NewVotingManager(db, fm, whitelist, emitter, nil, nil, 5)
	return NewAdmin(vm, fm, whitelist)
}

func hexPubkey(fill byte) string {
	return strings.Repeat(string([]byte{"0123456789abcdef"[fill%16]}), 64)
}

func TestAdminVoteAddMemberRejectsShortPubkey(t *testing.T) {
	a := newTestAdmin(t, FederationMember{Pubkey: hexPubkey(1)})
	_, err := a.VoteAddMember("deadbeef", false)
	assert.True(t, IsValidationError(err))
}

func TestAdminVoteAddMemberSchedulesVote(t *testing.T) {
	a := newTestAdmin(t, FederationMember{Pubkey: hexPubkey(1)})
	result, err := a.VoteAddMember(hexPubkey(2), false)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Len(t, a.ListScheduledVotes(), 1)
}

func TestAdminVoteKickMemberRejectsMultisig(t *testing.T) {
	target := hexPubkey(3)
	a := newTestAdmin(t, FederationMember{Pubkey: hexPubkey(1)}, FederationMember{Pubkey: target, IsMultisig: true})
	_, err := a.VoteKickMember(target)
	assert.ErrorIs(t, err, ErrMultisigImmutable)
}

func TestAdminVoteIsIdempotentOnDuplicate(t *testing.T) {
	a := newTestAdmin(t, FederationMember{Pubkey: hexPubkey(1)})
	_, err := a.VoteWhitelistHash(strings.Repeat("ab", 32))
	require.NoError(t, err)

	result, err := a.VoteWhitelistHash(strings.Repeat("ab", 32))
	require.NoError(t, err, "a duplicate vote is a no-op, not an error, at the admin edge")
	assert.False(t, result.Accepted)
}

func TestAdminListMembersReflectsRoster(t *testing.T) {
	a := newTestAdmin(t, FederationMember{Pubkey: hexPubkey(1)}, FederationMember{Pubkey: hexPubkey(2)})
	assert.Len(t, a.ListMembers(), 2)
}
