package coordination

import (
	"fmt"

	"github.com/pkg/errors"
)

// Op is one operation of a Multi transaction.
type Op interface {
	OpPath() string
}

type CreateOp struct {
	Path string
	Data []byte
	Mode CreateMode
}

type DeleteOp struct {
	Path    string
	Version int32
}

type SetOp struct {
	Path    string
	Data    []byte
	Version int32
}

// CheckOp fails the transaction unless Path exists with Version.
// AnyVersion only asserts existence.
type CheckOp struct {
	Path    string
	Version int32
}

func (o CreateOp) OpPath() string { return o.Path }
func (o DeleteOp) OpPath() string { return o.Path }
func (o SetOp) OpPath() string    { return o.Path }
func (o CheckOp) OpPath() string  { return o.Path }

func NewCreate(path string, data []byte, mode CreateMode) Op {
	return CreateOp{Path: path, Data: data, Mode: mode}
}

func NewDelete(path string, version int32) Op {
	return DeleteOp{Path: path, Version: version}
}

func NewSet(path string, data []byte, version int32) Op {
	return SetOp{Path: path, Data: data, Version: version}
}

func NewCheck(path string, version int32) Op {
	return CheckOp{Path: path, Version: version}
}

// OpResult holds per-op output of a successful Multi.
// For creates, Path is the actual created path (with sequence suffix).
type OpResult struct {
	Path string
	Stat *Stat
}

// MultiError is returned by Multi when one of the operations fails.
type MultiError struct {
	Index int
	Op    Op
	Err   error
}

func (e *MultiError) Error() string {
	return fmt.Sprintf("multi op #%d (%T %s) failed: %v", e.Index, e.Op, e.Op.OpPath(), e.Err)
}

func (e *MultiError) Unwrap() error {
	return e.Err
}

// FailedOp returns the failing operation of a Multi error, if any.
func FailedOp(err error) (Op, bool) {
	var me *MultiError
	if !errors.As(err, &me) {
		return nil, false
	}
	return me.Op, true
}
