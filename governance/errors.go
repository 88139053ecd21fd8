package governance

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError reports a vote or poll that was rejected on its merits
// (e.g. a vote targeting a multisig member) rather than because of a
// storage or invariant failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrMultisigImmutable is returned when a vote targets a multisig member:
// multisig membership is fixed at genesis and can never be put to a poll.
var ErrMultisigImmutable = &ValidationError{Message: "Multisig members can't be voted on"}

// ErrUnknownMember is returned when a kick vote targets a pubkey that is
// not currently in the federation roster.
var ErrUnknownMember = &ValidationError{Message: "target is not a current federation member"}

// ErrNotFederationMember describes a voter pubkey that is not itself a
// current federation member. No function in this package returns it.
var ErrNotFederationMember = &ValidationError{Message: "voter is not a current federation member"}

// DuplicateVoteError is returned by VotingManager.ScheduleVote when the vote
// is already in the scheduled queue, or this node has already voted for it
// in an open or executed poll. It is tolerated, not fatal: the admin edge
// reports it as a no-op. A duplicate vote carried in a block is ignored
// without any error.
type DuplicateVoteError struct {
	Voter string
	Data  VotingData
}

func (e *DuplicateVoteError) Error() string {
	return fmt.Sprintf("duplicate vote by %s for key=%s payload=%x", e.Voter, e.Data.Key, e.Data.Payload)
}

// IsDuplicateVote reports whether err is (or wraps) a DuplicateVoteError.
func IsDuplicateVote(err error) bool {
	var dv *DuplicateVoteError
	return errors.As(err, &dv)
}

// PersistenceError wraps a failure from the poll log, member store, or any
// other on-disk governance state. These are treated as fatal by callers:
// governance state must never silently drift from what was written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func newPersistenceError(op string, err error) error {
	return errors.WithStack(&PersistenceError{Op: op, Err: err})
}

// InvariantViolation marks a condition that should be structurally
// impossible given the rest of the package's logic (e.g. a poll reaching
// PollExecuted with no PollAppliedHeight). Seeing one means a bug, not bad
// input: callers should treat it as fatal rather than try to recover.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string { return "invariant violation: " + e.Message }

func newInvariantViolation(format string, args ...any) error {
	return errors.WithStack(&InvariantViolation{Message: fmt.Sprintf(format, args...)})
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
