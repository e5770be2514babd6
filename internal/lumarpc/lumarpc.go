// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

// Package lumarpc defines the JSON-RPC protocol for driving Lua sessions
// hosted by a luma server.
package lumarpc

import (
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"luma.256lights.llc/pkg/internal/jsonrpc"
)

// Error codes in the implementation-defined JSON-RPC server range.
const (
	// ScriptError indicates that a Lua chunk failed to load or raised an error.
	// The error message is the Lua error message.
	ScriptError jsonrpc.ErrorCode = -32000
	// SessionNotFound indicates that a request named an unknown session,
	// either because it was never created or because it has been closed.
	SessionNotFound jsonrpc.ErrorCode = -32002
)

// NopMethod is the name of the method that does nothing.
// The request is ignored and the response is null.
const NopMethod = "luma.nop"

// NewSessionMethod is the name of the method that creates a Lua session.
// A session holds a single interpreter whose globals persist
// across [EvalMethod] calls until the session is closed.
// [NewSessionRequest] is used for the request
// and [NewSessionResponse] is used for the response.
const NewSessionMethod = "luma.newSession"

// NewSessionRequest is the set of parameters for [NewSessionMethod].
type NewSessionRequest struct {
	// Libraries is the set of standard library module names to load
	// (for example "math" or "table").
	// If empty, the server's default set is used.
	Libraries []string `json:"libraries,omitempty"`
	// MemoryLimit is the maximum number of bytes of interpreter heap
	// the session may use.
	// Zero means the server's default limit.
	MemoryLimit int64 `json:"memoryLimit,omitzero"`
}

// NewSessionResponse is the result for [NewSessionMethod].
type NewSessionResponse struct {
	SessionID string `json:"sessionID"`
}

// CloseSessionMethod is the name of the method that disposes a Lua session.
// [CloseSessionRequest] is used for the request and the response is null.
// Closing an unknown session fails with [SessionNotFound].
const CloseSessionMethod = "luma.closeSession"

// CloseSessionRequest is the set of parameters for [CloseSessionMethod].
type CloseSessionRequest struct {
	SessionID string `json:"sessionID"`
}

// EvalMethod is the name of the method that runs a Lua chunk.
// [EvalRequest] is used for the request
// and [EvalResponse] is used for the response.
const EvalMethod = "luma.eval"

// EvalRequest is the set of parameters for [EvalMethod].
type EvalRequest struct {
	// SessionID selects the session to run in.
	// If empty, the chunk runs in a fresh session
	// that is disposed when the call returns.
	SessionID string `json:"sessionID,omitzero"`
	// Source is the Lua source text of the chunk.
	Source string `json:"source"`
	// Name is the chunk name used in error messages and stack traces.
	Name string `json:"name,omitzero"`
}

// EvalResponse is the result for [EvalMethod].
type EvalResponse struct {
	// Values holds the chunk's return values, encoded as JSON.
	Values []jsontext.Value `json:"values"`
}

// CompileMethod is the name of the method
// that compiles a Lua chunk without running it.
// [CompileRequest] is used for the request
// and [CompileResponse] is used for the response.
const CompileMethod = "luma.compile"

// CompileRequest is the set of parameters for [CompileMethod].
type CompileRequest struct {
	// Source is the Lua source text of the chunk.
	Source string `json:"source"`
	// Name is the chunk name recorded in the chunk's debug information.
	Name string `json:"name,omitzero"`
	// Strip omits debug information from the compiled chunk.
	Strip bool `json:"strip,omitzero"`
}

// CompileResponse is the result for [CompileMethod].
type CompileResponse struct {
	// ChunkID is a stable identifier derived from the chunk's source.
	// Compiling the same source with the same options
	// yields the same ChunkID.
	ChunkID string `json:"chunkID"`
	// Dump is the compiled chunk in Lua binary format.
	Dump []byte `json:"dump"`
}

// StatusMethod is the name of the method that reports the server's live sessions.
// The request is ignored and [StatusResponse] is used for the response.
const StatusMethod = "luma.status"

// StatusResponse is the result for [StatusMethod].
type StatusResponse struct {
	// Sessions lists the live sessions in session ID order.
	Sessions []*SessionInfo `json:"sessions"`
}

// SessionInfo describes a live session in a [StatusResponse].
type SessionInfo struct {
	ID          string    `json:"id"`
	Libraries   []string  `json:"libraries"`
	MemoryLimit int64     `json:"memoryLimit"`
	UsedMemory  int64     `json:"usedMemory"`
	CreatedAt   time.Time `json:"createdAt"`
}
