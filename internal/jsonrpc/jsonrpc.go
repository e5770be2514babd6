// Copyright 2024 Ross Light
// SPDX-License-Identifier: MIT

// Package jsonrpc provides a stream-based implementation of the JSON-RPC 2.0 specification,
// inspired by the Language Server Protocol (LSP) framing format.
package jsonrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Request represents a parsed [JSON-RPC request].
//
// [JSON-RPC request]: https://www.jsonrpc.org/specification#request_object
type Request struct {
	// Method is the name of the method to be invoked.
	Method string
	// Params is the raw JSON of the parameters.
	// If len(Params) == 0, then the parameters are omitted on the wire.
	// Otherwise, Params must hold a valid JSON array or valid JSON object.
	Params jsontext.Value
	// Notification is true if the client does not care about a response.
	Notification bool
	// Extra holds a map of additional top-level fields on the request object.
	Extra map[string]jsontext.Value
}

// Response represents a parsed [JSON-RPC response].
//
// [JSON-RPC response]: https://www.jsonrpc.org/specification#response_object
type Response struct {
	// Result is the result of invoking the method.
	// This may be any JSON.
	Result jsontext.Value
	// Extra holds a map of additional top-level fields on the response object.
	Extra map[string]jsontext.Value
}

// Do makes a JSON-RPC call on h,
// marshaling params for the request
// and unmarshaling the response's result into result.
// If params is nil, then the parameters are omitted on the wire.
// If result is nil, then the response's result is discarded.
func Do(ctx context.Context, h Handler, method string, result, params any) error {
	req := &Request{Method: method}
	if params != nil {
		var err error
		req.Params, err = jsonv2.Marshal(params)
		if err != nil {
			return fmt.Errorf("call json rpc %s: marshal params: %v", method, err)
		}
	}
	resp, err := h.JSONRPC(ctx, req)
	if err != nil {
		return err
	}
	if result != nil {
		if err := jsonv2.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("call json rpc %s: unmarshal result: %v", method, err)
		}
	}
	return nil
}

// ErrorCode is a number that indicates the type of error
// that occurred during a JSON-RPC.
type ErrorCode int

// Error codes defined in JSON-RPC 2.0.
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// Language Server Protocol error codes.
const (
	UnknownErrorCode ErrorCode = -32001
	RequestCancelled ErrorCode = -32800
)

// CodeFromError returns the error's [ErrorCode],
// if one has been assigned using [Error].
//
// As a special case, if there is a [context.Canceled] or [context.DeadlineExceeded] error
// in the error's Unwrap() chain,
// then CodeFromError returns [RequestCancelled].
func CodeFromError(err error) (_ ErrorCode, ok bool) {
	if err == nil {
		return 0, false
	}
	if e := (*codeError)(nil); errors.As(err, &e) {
		return e.code, true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RequestCancelled, true
	}
	return 0, false
}

type codeError struct {
	code ErrorCode
	err  error
}

// Error returns a new error that wraps the given error
// and will return the given code from [CodeFromError].
// Error panics if it is given a nil error.
func Error(code ErrorCode, err error) error {
	if err == nil {
		panic("jsonrpc.Error called with nil error")
	}
	return &codeError{code, err}
}

func (e *codeError) Error() string { return e.err.Error() }
func (e *codeError) Unwrap() error { return e.err }

// RequestID is an opaque JSON-RPC request ID.
// IDs can be integers, strings, or null
// (although nulls are discouraged).
// The zero value is null.
type RequestID struct {
	n   int64
	s   string
	typ int8
}

func (id RequestID) String() string {
	switch id.typ {
	case 0:
		return "null"
	case 1:
		return strconv.FormatInt(id.n, 10)
	case 2:
		return id.s
	default:
		return "<invalid request id>"
	}
}

// toString returns the ID's string value,
// or ok == false if the ID is not a JSON string.
func (id RequestID) toString() (_ string, ok bool) {
	return id.s, id.typ == 2
}

// MarshalJSONTo encodes the ID as a single JSON value.
func (id RequestID) MarshalJSONTo(enc *jsontext.Encoder) error {
	switch id.typ {
	case 0:
		return enc.WriteToken(jsontext.Null)
	case 1:
		return enc.WriteToken(jsontext.Int(id.n))
	case 2:
		return enc.WriteToken(jsontext.String(id.s))
	default:
		return fmt.Errorf("invalid request id type %d (internal error)", id.typ)
	}
}

// UnmarshalJSONFrom decodes a single JSON value as the ID.
func (id *RequestID) UnmarshalJSONFrom(dec *jsontext.Decoder) error {
	tok, err := dec.ReadToken()
	if err != nil {
		return err
	}
	switch kind := tok.Kind(); kind {
	case 'n':
		*id = RequestID{}
		return nil
	case '"':
		*id = RequestID{typ: 2, s: tok.String()}
		return nil
	case '0':
		n, err := strconv.ParseInt(tok.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("request id: %v", err)
		}
		*id = RequestID{typ: 1, n: n}
		return nil
	default:
		return fmt.Errorf("request id: unexpected %v token", kind)
	}
}

// cancelMethod is the reserved method name
// the Language Server Protocol uses
// to cancel a request in flight.
const cancelMethod = "$/cancelRequest"

// cancelParams is the parameter object for a [cancelMethod] request.
type cancelParams struct {
	ID RequestID `json:"id"`
}

func isReservedRequestField(key string) bool {
	switch key {
	case "jsonrpc", "method", "params", "id":
		return true
	default:
		return false
	}
}

func isReservedResponseField(key string) bool {
	switch key {
	case "jsonrpc", "result", "error", "id":
		return true
	default:
		return false
	}
}

// inverseFilterMap returns a new map
// containing the entries of m for which f reports false.
// If no entries remain, inverseFilterMap returns nil.
func inverseFilterMap[K comparable, V any, M ~map[K]V](m M, f func(K) bool) M {
	var result M
	for k, v := range m {
		if !f(k) {
			if result == nil {
				result = make(M)
			}
			result[k] = v
		}
	}
	return result
}

// marshalJSONRPCVersionTo writes the "jsonrpc" version member of an object.
func marshalJSONRPCVersionTo(enc *jsontext.Encoder) error {
	if err := enc.WriteToken(jsontext.String("jsonrpc")); err != nil {
		return err
	}
	return enc.WriteToken(jsontext.String("2.0"))
}

// jsonValueFromBuffer returns the buffer's bytes,
// stripping the trailing newline an encoder writes after a top-level value.
func jsonValueFromBuffer(buf *bytes.Buffer) jsontext.Value {
	return jsontext.Value(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}
