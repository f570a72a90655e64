package frontend

import (
	"context"
	"errors"

	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils/rpc/msgpack2"
)

var argsNilError = codedError{
	error: errors.New("arguments are nil, can not run a command with nil arguments"),
	code:  msgpack2.ErrBadParams,
}

// codedError carries the msgpack-RPC code a replica error is answered with.
type codedError struct {
	error
	code msgpack2.ErrorCode
}

func (e codedError) ErrorCode() msgpack2.ErrorCode { return e.code }

func (e codedError) Unwrap() error { return e.error }

func badParams(err error) error {
	return codedError{error: err, code: msgpack2.ErrBadParams}
}

func wrapError(err error) error {
	var code msgpack2.ErrorCode
	switch {
	case err == nil:
		return nil
	case errors.Is(err, replication.ErrBadArguments), errors.Is(err, replication.ErrTooFewReplicas):
		code = msgpack2.ErrBadParams
	case errors.Is(err, replication.ErrReadonly), errors.Is(err, replication.ErrSessionExpired),
		errors.Is(err, replication.ErrCoordinationUnavailable):
		code = msgpack2.ErrReadonly
	case errors.Is(err, replication.ErrNotLeader):
		code = msgpack2.ErrNotLeader
	case errors.Is(err, replication.ErrUnknownMutation):
		code = msgpack2.ErrNotFound
	case errors.Is(err, replication.ErrQuorumTimeout), errors.Is(err, context.DeadlineExceeded):
		code = msgpack2.ErrTimeout
	default:
		return err
	}
	return codedError{error: err, code: code}
}
