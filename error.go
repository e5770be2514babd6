// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"fmt"
)

// RuntimeError is a script-level error raised during execution,
// either by the error builtin or by the interpreter itself.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string {
	return "runtime error: " + e.Message
}

// SyntaxError reports that a chunk failed to parse.
// IncompleteInput distinguishes a chunk truncated mid-construct
// (for example, a REPL line ending inside an unfinished block)
// from a genuine syntax fault.
type SyntaxError struct {
	Message         string
	IncompleteInput bool
}

func (e *SyntaxError) Error() string {
	return "syntax error: " + e.Message
}

// MemoryError reports that the interpreter ran out of memory,
// either from the system allocator
// or because the configured memory limit was exceeded.
type MemoryError struct {
	Message string
}

func (e *MemoryError) Error() string {
	return "memory error: " + e.Message
}

// GarbageCollectorError reports an error raised inside a __gc metamethod.
type GarbageCollectorError struct {
	Message string
}

func (e *GarbageCollectorError) Error() string {
	return "garbage collector error: " + e.Message
}

// SafetyError reports that an operation was refused
// because the virtual machine was created in safe mode.
type SafetyError struct {
	Message string
}

func (e *SafetyError) Error() string {
	return "safety error: " + e.Message
}

// CallbackError is a Go error that occurred inside a callback
// invoked from Lua.
// It carries the Lua traceback captured at the point of failure
// and wraps the original error as its cause.
// Nested protected calls pass a CallbackError through unchanged;
// the traceback is captured once, at the innermost boundary.
type CallbackError struct {
	Traceback string
	Cause     error
}

func (e *CallbackError) Error() string {
	cause := e.Cause
	// Report the innermost cause with the innermost traceback.
	for {
		var inner *CallbackError
		if !errors.As(cause, &inner) || inner.Cause == nil {
			break
		}
		cause = inner.Cause
	}
	if e.Traceback == "" {
		return cause.Error()
	}
	return cause.Error() + "\n" + e.Traceback
}

func (e *CallbackError) Unwrap() error {
	return e.Cause
}

// A ConversionError reports a failed conversion
// between a Go value and a Lua value.
// From and To name the source and destination types;
// exactly one of them is a Lua type name.
type ConversionError struct {
	From    string
	To      string
	ToLua   bool
	Message string
}

func (e *ConversionError) Error() string {
	var s string
	if e.ToLua {
		s = fmt.Sprintf("error converting %s to Lua %s", e.From, e.To)
	} else {
		s = fmt.Sprintf("error converting Lua %s to %s", e.From, e.To)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

var (
	// ErrClosed is returned by operations on a closed virtual machine.
	ErrClosed = errors.New("lua: virtual machine closed")

	// ErrCallbackDestructed is returned when script code invokes a callback
	// whose enclosing scope has already ended.
	ErrCallbackDestructed = errors.New("callback destructed")

	// ErrRecursiveMutCallback is returned when a callback
	// created with CreateFunctionMut is re-entered
	// while an invocation is already in progress.
	ErrRecursiveMutCallback = errors.New("mutable callback called recursively")

	// ErrPreviouslyResumedPanic is returned when an error object
	// carrying an already-repanicked Go panic crosses the boundary again.
	ErrPreviouslyResumedPanic = errors.New("previously resumed panic returned again")

	// ErrUserDataTypeMismatch is returned when a userdata value
	// does not hold the requested Go type.
	ErrUserDataTypeMismatch = errors.New("userdata is not expected type")

	// ErrUserDataDestructed is returned on any access to a userdata value
	// that has been explicitly invalidated.
	ErrUserDataDestructed = errors.New("userdata has been destructed")

	// ErrUserDataBorrow is returned when a shared borrow fails
	// because an exclusive borrow is outstanding.
	ErrUserDataBorrow = errors.New("userdata already mutably borrowed")

	// ErrUserDataBorrowMut is returned when an exclusive borrow fails
	// because any borrow is outstanding.
	ErrUserDataBorrowMut = errors.New("userdata already borrowed")

	// ErrMismatchedRegistryKey is returned when a RegistryKey
	// is used with a virtual machine other than the one that created it.
	ErrMismatchedRegistryKey = errors.New("RegistryKey used from different Lua state")

	// ErrMismatchedLua is the panic value raised when a handle
	// is used with a virtual machine other than the one that created it.
	ErrMismatchedLua = errors.New("value used from different Lua state")

	// ErrStackOverflow is returned when the interpreter refuses
	// to grow its stack to the requested headroom.
	ErrStackOverflow = errors.New("out of Lua stack")

	// ErrMemoryLimitNotAvailable is returned by SetMemoryLimit
	// when the virtual machine does not use the accounting allocator,
	// such as one adopted with InitFromPtr.
	ErrMemoryLimitNotAvailable = errors.New("setting memory limit is not available")

	// ErrCoroutineUnresumable is returned when resuming a coroutine
	// that is dead or already running.
	ErrCoroutineUnresumable = errors.New("cannot resume dead coroutine")

	// ErrCoroutineRunning is returned when resetting the coroutine
	// that is currently executing.
	ErrCoroutineRunning = errors.New("cannot reset a running coroutine")
)

// panicError wraps a recovered Go panic value
// while it travels through the interpreter as an error object.
// The payload is repanicked once the failure
// is safely back on the Go side of the boundary.
type panicError struct {
	payload  any
	consumed bool
}

func (e *panicError) Error() string {
	if e.consumed {
		return ErrPreviouslyResumedPanic.Error()
	}
	return fmt.Sprintf("panic: %v", e.payload)
}
