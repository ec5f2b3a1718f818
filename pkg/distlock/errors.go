package distlock

import (
	"errors"
	"fmt"
)

var (
	// ErrQuorumNotReached means the acquire or extend attempt did not
	// get a majority of node acknowledgements. Recoverable: the caller
	// skips this attempt; the next trigger is a fresh one.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrMarginExhausted means a majority acknowledged but the elapsed
	// time plus drift margin left no usable validity window. Treated
	// the same as ErrQuorumNotReached by callers.
	ErrMarginExhausted = errors.New("validity margin exhausted")

	// ErrTokenMismatch means release or extend presented a value the
	// nodes no longer hold: the lock was already lost. Non-fatal.
	ErrTokenMismatch = errors.New("token no longer matches store state")
)

// QuorumError carries the per-node tally behind a failed acquire or
// extend. errors.Is(err, ErrQuorumNotReached) holds for every
// QuorumError, so callers that don't care about the breakdown can
// match the sentinel alone.
type QuorumError struct {
	Op          string // acquire | extend
	OK          int
	Refused     int
	Unreachable int
	Needed      int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("%s: quorum not reached: ok=%d refused=%d unreachable=%d needed=%d",
		e.Op, e.OK, e.Refused, e.Unreachable, e.Needed)
}

func (e *QuorumError) Is(target error) bool {
	return target == ErrQuorumNotReached
}

// HeldElsewhere reports whether enough nodes answered to have formed a
// majority, i.e. the failure is another holder rather than a partition.
func (e *QuorumError) HeldElsewhere() bool {
	return e.OK+e.Refused >= e.Needed
}

// FailureReason classifies an acquire failure for metrics and skip
// messages: "held", "quorum_unavailable", "margin_exhausted", or
// "error" for anything else.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrMarginExhausted) {
		return "margin_exhausted"
	}
	var qe *QuorumError
	if errors.As(err, &qe) {
		if qe.HeldElsewhere() {
			return "held"
		}
		return "quorum_unavailable"
	}
	if errors.Is(err, ErrQuorumNotReached) {
		return "quorum_unavailable"
	}
	return "error"
}
