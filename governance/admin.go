package governance

import "encoding/hex"

// Admin is the facade consumed by the node's HTTP/JSON-RPC edge (outside
// this package) for the administrative operations listed in spec.md §6:
// casting member/whitelist votes by hand and listing poll/queue state.
type Admin struct {
	vm *VotingManager
	fm *FederationManager
	wl *Whitelist
}

// NewAdmin returns an Admin facade over vm, fm, and wl.
func NewAdmin(vm *VotingManager, fm *FederationManager, wl *Whitelist) *Admin {
	return &Admin{vm: vm, fm: fm, wl: wl}
}

// VoteResult reports the outcome of an admin-initiated vote. Accepted is
// false for a soft duplicate confirmation (spec.md §7: DuplicateVote is
// not an error at the admin edge, just a no-op).
type VoteResult struct {
	Accepted bool
	Message  string
}

func decodePubkey(pubkeyHex string) ([]byte, error) {
	b, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(b) != 32 {
		return nil, &ValidationError{Message: "pubkey must be 64-char hex (32 bytes ed25519)"}
	}
	return b, nil
}

func decodeHash(hashHex string) ([]byte, error) {
	b, err := hex.DecodeString(hashHex)
	if err != nil || len(b) != WhitelistedHashSize {
		return nil, &ValidationError{Message: "hash must be 64-char hex (32 bytes)"}
	}
	return b, nil
}

// VoteAddMember schedules a vote to add pubkeyHex as a new federation
// member. Multisig seats are fixed at genesis: with isMultisig set, or with
// a pubkey that is already a multisig member, ScheduleVote rejects the vote
// with ErrMultisigImmutable.
func (a *Admin) VoteAddMember(pubkeyHex string, isMultisig bool) (VoteResult, error) {
	if _, err := decodePubkey(pubkeyHex); err != nil {
		return VoteResult{}, err
	}
	payload, err := SerializeMember(FederationMember{Pubkey: pubkeyHex, IsMultisig: isMultisig})
	if err != nil {
		return VoteResult{}, &ValidationError{Message: err.Error()}
	}
	return a.schedule(VotingData{Key: VoteAddMember, Payload: payload})
}

// VoteKickMember schedules a vote to remove pubkeyHex from the federation.
// Returns a ValidationError carrying the spec's stable message if the
// target is a multisig member.
func (a *Admin) VoteKickMember(pubkeyHex string) (VoteResult, error) {
	if _, err := decodePubkey(pubkeyHex); err != nil {
		return VoteResult{}, err
	}
	payload, err := SerializeMember(FederationMember{Pubkey: pubkeyHex})
	if err != nil {
		return VoteResult{}, &ValidationError{Message: err.Error()}
	}
	return a.schedule(VotingData{Key: VoteKickMember, Payload: payload})
}

// VoteWhitelistHash schedules a vote to add hashHex to the whitelist.
func (a *Admin) VoteWhitelistHash(hashHex string) (VoteResult, error) {
	payload, err := decodeHash(hashHex)
	if err != nil {
		return VoteResult{}, err
	}
	return a.schedule(VotingData{Key: VoteWhitelistHash, Payload: payload})
}

// VoteRemoveHash schedules a vote to remove hashHex from the whitelist.
func (a *Admin) VoteRemoveHash(hashHex string) (VoteResult, error) {
	payload, err := decodeHash(hashHex)
	if err != nil {
		return VoteResult{}, err
	}
	return a.schedule(VotingData{Key: VoteRemoveHash, Payload: payload})
}

func (a *Admin) schedule(v VotingData) (VoteResult, error) {
	err := a.vm.ScheduleVote(v)
	switch {
	case err == nil:
		return VoteResult{Accepted: true, Message: "vote scheduled"}, nil
	case IsDuplicateVote(err):
		return VoteResult{Accepted: false, Message: "already voted; no-op"}, nil
	case IsValidationError(err):
		return VoteResult{}, err
	default:
		return VoteResult{}, err
	}
}

// ListPendingPolls, ListApprovedPolls, ListExecutedPolls, and
// ListScheduledVotes expose read-only snapshots for the admin edge.

func (a *Admin) ListPendingPolls() []*Poll           { return a.vm.GetPendingPolls() }
func (a *Admin) ListApprovedPolls() []*Poll          { return a.vm.GetApprovedPolls() }
func (a *Admin) ListExecutedPolls() []*Poll          { return a.vm.GetExecutedPolls() }
func (a *Admin) ListScheduledVotes() []ScheduledVote { return a.vm.GetScheduledVotes() }

// ListMembers exposes the current federation roster.
func (a *Admin) ListMembers() []FederationMember { return a.fm.GetMembers() }

// ListWhitelist exposes the current whitelist.
func (a *Admin) ListWhitelist() []string { return a.wl.All() }
