// Copyright 2009 The Go Authors. All rights reserved.
// Copyright 2012 The Gorilla Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgpack2

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	ErrParse      ErrorCode = -32700
	ErrInvalidReq ErrorCode = -32600
	ErrNoMethod   ErrorCode = -32601
	ErrBadParams  ErrorCode = -32602
	ErrInternal   ErrorCode = -32603
	ErrServer     ErrorCode = -32000

	// Replica errors, kept inside the implementation defined server range.
	ErrReadonly  ErrorCode = -32001
	ErrNotLeader ErrorCode = -32002
	ErrNotFound  ErrorCode = -32003
	ErrTimeout   ErrorCode = -32004
)

var ErrNullResult = errors.New("result is null")

type Error struct {
	Code    ErrorCode   `msgpack:"code"`
	Message string      `msgpack:"message"`
	Data    interface{} `msgpack:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Coder is implemented by errors that pick their own response code.
type Coder interface {
	ErrorCode() ErrorCode
}

// CodeOf returns the response code for err: the code of an *Error or a
// Coder in its chain, ErrServer otherwise.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrServer
}

// StatusError is returned by Call when the server answers with something
// other than an rpc response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("response error (%d): %s", e.StatusCode, e.Body)
}
