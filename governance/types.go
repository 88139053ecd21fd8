// Package governance implements the federation's voting, polling, and
// membership state machine: the subsystem that decides, deterministically
// from the chain, who is allowed to produce blocks.
package governance

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// VoteKey identifies what a VotingData entry votes on.
type VoteKey uint8

const (
	// VoteAddMember proposes adding a new federation member.
	VoteAddMember VoteKey = iota + 1
	// VoteKickMember proposes removing an existing, non-multisig member.
	VoteKickMember
	// VoteWhitelistHash proposes adding a 32-byte digest to the whitelist.
	VoteWhitelistHash
	// VoteRemoveHash proposes removing a 32-byte digest from the whitelist.
	VoteRemoveHash
)

// String renders a VoteKey for logging.
func (k VoteKey) String() string {
	switch k {
	case VoteAddMember:
		return "AddMember"
	case VoteKickMember:
		return "KickMember"
	case VoteWhitelistHash:
		return "WhitelistHash"
	case VoteRemoveHash:
		return "RemoveHash"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// knownVoteKey reports whether k is one of the four vote kinds this version
// understands. Unrecognized keys are forward-compatible: per spec.md §7
// they're skipped with a warning, not an error.
func knownVoteKey(k VoteKey) bool {
	switch k {
	case VoteAddMember, VoteKickMember, VoteWhitelistHash, VoteRemoveHash:
		return true
	default:
		return false
	}
}

// VotingData is the atomic unit of voting carried in a block's coinbase
// voting-data script. Two VotingData values are equal iff Key and Payload
// bytes match exactly.
type VotingData struct {
	Key     VoteKey
	Payload []byte
}

// Equal reports whether v and other carry the same vote.
func (v VotingData) Equal(other VotingData) bool {
	return v.Key == other.Key && bytes.Equal(v.Payload, other.Payload)
}

// ScheduledVote is a VotingData this node intends to embed in the next
// block it produces. Drained FIFO by the block producer.
type ScheduledVote = VotingData

// FederationMember identifies one member of the PoA federation.
// Multisig members are structurally immutable: they can never be the
// target of an add/kick poll.
type FederationMember struct {
	Pubkey     string // hex-encoded ed25519 public key
	IsMultisig bool
}

// SerializeMember returns the canonical VotingData payload for an
// AddMember/KickMember vote: a one-byte flag field followed by the raw
// (non-hex) public key bytes.
func SerializeMember(m FederationMember) ([]byte, error) {
	pub, err := hex.DecodeString(m.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid member pubkey hex: %w", err)
	}
	var flags byte
	if m.IsMultisig {
		flags |= 0x01
	}
	out := make([]byte, 0, 1+len(pub))
	out = append(out, flags)
	out = append(out, pub...)
	return out, nil
}

// DeserializeMember parses a VotingData payload produced by SerializeMember.
func DeserializeMember(payload []byte) (FederationMember, error) {
	if len(payload) < 1 {
		return FederationMember{}, fmt.Errorf("member payload too short: %d bytes", len(payload))
	}
	flags := payload[0]
	pub := payload[1:]
	return FederationMember{
		Pubkey:     hex.EncodeToString(pub),
		IsMultisig: flags&0x01 != 0,
	}, nil
}

// WhitelistedHashSize is the fixed length of a whitelist vote's payload.
const WhitelistedHashSize = 32

// ParseWhitelistHash validates that payload is a well-formed 32-byte digest
// and returns its hex encoding (the Whitelist Repository's storage key).
func ParseWhitelistHash(payload []byte) (string, error) {
	if len(payload) != WhitelistedHashSize {
		return "", fmt.Errorf("whitelist hash must be %d bytes, got %d", WhitelistedHashSize, len(payload))
	}
	return hex.EncodeToString(payload), nil
}

// PollStatus is a poll's place in its lifecycle: Pending → Approved →
// Executed, with reorg able to revert to any earlier state.
type PollStatus int

const (
	PollPending PollStatus = iota
	PollApproved
	PollExecuted
)

func (s PollStatus) String() string {
	switch s {
	case PollPending:
		return "Pending"
	case PollApproved:
		return "Approved"
	case PollExecuted:
		return "Executed"
	default:
		return "Unknown"
	}
}

// heightAbsent marks PollAppliedHeight/ExecutedHeight as not yet reached.
const heightAbsent int64 = -1

// Poll is an aggregated vote being accumulated or already finalized.
type Poll struct {
	ID          uint64
	Data        VotingData
	StartHeight int64
	StartHash   string
	// VotesInFavor is the set of voter pubkeys (hex) who voted yes, keyed
	// for O(1) duplicate-vote detection; spec.md §3 calls this
	// votesInFavorHex.
	VotesInFavor map[string]bool
	// PollAppliedHeight is the height at which majority was reached, or
	// heightAbsent while still Pending.
	PollAppliedHeight int64
	// ExecutedHeight is the height at which the poll's effect was
	// committed to state, or heightAbsent until execution.
	ExecutedHeight int64
	Status        PollStatus
}

// newPoll creates a Pending poll seeded with the first voter.
func newPoll(id uint64, data VotingData, startHeight int64, startHash, firstVoter string) *Poll {
	return &Poll{
		ID:                id,
		Data:              data,
		StartHeight:       startHeight,
		StartHash:         startHash,
		VotesInFavor:      map[string]bool{firstVoter: true},
		PollAppliedHeight: heightAbsent,
		ExecutedHeight:    heightAbsent,
		Status:            PollPending,
	}
}

// clone deep-copies a Poll so snapshots returned to callers (GetPendingPolls
// et al.) can't be mutated to corrupt VotingManager's internal state.
func (p *Poll) clone() *Poll {
	cp := *p
	cp.VotesInFavor = make(map[string]bool, len(p.VotesInFavor))
	for k, v := range p.VotesInFavor {
		cp.VotesInFavor[k] = v
	}
	cp.Data.Payload = append([]byte(nil), p.Data.Payload...)
	return &cp
}

// majorityThreshold returns ⌊N/2⌋+1, the number of votes needed to approve
// a poll against a federation roster of size n (spec.md invariant I3).
func majorityThreshold(n int) int {
	return n/2 + 1
}
