package replication

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
)

var (
	// ErrCoordinationUnavailable means the store is unreachable or timed out.
	ErrCoordinationUnavailable = errors.New("coordination store unavailable")
	// ErrSessionExpired releases waiters when the coordination session is lost.
	ErrSessionExpired = errors.New("coordination session expired")
	// ErrDonorUnavailable means no active replica currently holds the data.
	ErrDonorUnavailable = errors.New("no replica has the part")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrStructureMismatch is fatal to startup until resolved by ALTER.
	ErrStructureMismatch = errors.New("local table structure differs from the shared metadata")
	// ErrTooManyUnexpectedParts is the reconciliation safety valve.
	ErrTooManyUnexpectedParts = errors.New("too many unexpected parts")
	// ErrAborted is benign: shutdown or replica drop in progress.
	ErrAborted = errors.New("aborted")

	// ErrRetryable makes the Retryer try again.
	ErrRetryable       = errors.New("retryable replication error")
	ErrReadonly        = errors.New("replica is in readonly mode")
	ErrQuorumTimeout   = errors.New("timeout while waiting for quorum")
	ErrPartInFlight    = errors.New("part is already being fetched")
	ErrPartDisappeared = errors.New("part disappeared while proposing")
	ErrNotLeader       = errors.New("replica is not the leader")
	ErrUnknownMutation = errors.New("unknown mutation")
	ErrRetriesExceeded = errors.New("retries exceeded")
	ErrTooFewReplicas  = errors.New("number of alive replicas is less than the requested quorum")
	ErrBadArguments    = errors.New("bad arguments")
)

// ChecksumMismatchError describes a data integrity event.
type ChecksumMismatchError struct {
	Part     string
	Donor    string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for part %s from %s: expected %s, got %s",
		e.Part, e.Donor, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error {
	return ErrChecksumMismatch
}

// classify maps coordination facade errors onto the replication taxonomy.
// Logical errors (no node, bad version) are returned unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coordination.ErrSessionExpired), errors.Is(err, coordination.ErrClosed):
		return errors.Wrap(ErrSessionExpired, err.Error())
	case errors.Is(err, coordination.ErrUnavailable):
		return errors.Wrap(ErrCoordinationUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return errors.Wrap(ErrAborted, err.Error())
	default:
		return err
	}
}

// isBenign reports errors that are logged at Info: shutdown, session
// changes and ordinary postponements.
func isBenign(err error) bool {
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrPartInFlight) ||
		errors.Is(err, coordination.ErrSessionExpired) ||
		errors.Is(err, coordination.ErrClosed)
}

// isTransient reports errors a queue entry should simply be retried on.
func isTransient(err error) bool {
	return isBenign(err) ||
		errors.Is(err, ErrCoordinationUnavailable) ||
		errors.Is(err, coordination.ErrUnavailable) ||
		errors.Is(err, ErrDonorUnavailable) ||
		errors.Is(err, ErrRetryable) ||
		errors.Is(err, context.DeadlineExceeded)
}
