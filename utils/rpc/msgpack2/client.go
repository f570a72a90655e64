// This is a copy from gorilla's jsonrpc2 using msgpack
//
// Copyright 2009 The Go Authors. All rights reserved.
// Copyright 2012 The Gorilla Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgpack2

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
	msgpack "github.com/vmihailenco/msgpack"
)

const ContentType = "application/x-msgpack"

var lastRequestID uint64

type clientRequest struct {
	Version string      `msgpack:"jsonrpc"`
	Method  string      `msgpack:"method"`
	Params  interface{} `msgpack:"params"`
	ID      uint64      `msgpack:"id"`
}

type clientResponse struct {
	Version string      `msgpack:"jsonrpc"`
	Result  interface{} `msgpack:"result"`
	Error   interface{} `msgpack:"error"`
	ID      uint64      `msgpack:"id"`
}

// EncodeClientRequest encodes parameters for a msgpack-RPC client request.
func EncodeClientRequest(method string, args interface{}) ([]byte, error) {
	c := &clientRequest{
		Version: Version,
		Method:  method,
		Params:  args,
		ID:      atomic.AddUint64(&lastRequestID, 1),
	}
	return msgpack.Marshal(c)
}

// DecodeClientResponse decodes the response body of a client request into
// the interface reply. A response carrying an error returns it as *Error.
func DecodeClientResponse(r io.Reader, reply interface{}) error {
	var c clientResponse
	if err := msgpack.NewDecoder(r).Decode(&c); err != nil {
		return err
	}
	if c.Error != nil {
		encoded, err := msgpack.Marshal(c.Error)
		if err != nil {
			return err
		}
		msgErr := &Error{}
		if err = msgpack.Unmarshal(encoded, msgErr); err != nil {
			return &Error{Code: ErrServer, Message: string(encoded)}
		}
		return msgErr
	}
	if c.Result == nil {
		return ErrNullResult
	}
	encoded, err := msgpack.Marshal(c.Result)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(encoded, reply)
}

// Call posts one request to url and decodes the result into reply.
func Call(ctx context.Context, hc *http.Client, url, method string, args, reply interface{}) error {
	message, err := EncodeClientRequest(method, args)
	if err != nil {
		return errors.Wrapf(err, "encode %s", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)
	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call %s", method)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s response", method)
	}
	// failed calls still carry an encoded error
	derr := DecodeClientResponse(bytes.NewReader(body), reply)
	var msgErr *Error
	if derr == nil || resp.StatusCode == http.StatusOK || errors.As(derr, &msgErr) {
		return derr
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
