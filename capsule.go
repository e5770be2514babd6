// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// A failureCell carries a Go error or panic
// across the interpreter's stack unwinding.
// The Lua-visible face of the cell is an 8-byte userdata ("capsule")
// holding the cell's id,
// with the opaque-error metatable attached
// so message handlers pass it through untouched.
type failureCell struct {
	err error
}

// A reservedFailure is a capsule allocated ahead of time,
// so that reporting an error from a host callback
// requires no further interpreter allocation.
type reservedFailure struct {
	id   uint64
	slot int
}

const failurePoolSize = 64

func (l *Lua) initFailureHandling() error {
	m := l.main
	if err := m.CreateTable(0, 3); err != nil {
		return err
	}
	if err := m.PushClosure(0, l.failureGC); err != nil {
		return err
	}
	m.RawSetField(-2, "__gc")
	if err := m.PushClosure(0, l.failureToString); err != nil {
		return err
	}
	m.RawSetField(-2, "__tostring")
	m.PushBoolean(false)
	m.RawSetField(-2, "__metatable")
	m.SetOpaqueErrorMetatable()
	return nil
}

func (l *Lua) failureGC(s *lua.State) (int, error) {
	delete(l.failures, userdataID(s, 1))
	return 0, nil
}

func (l *Lua) failureToString(s *lua.State) (int, error) {
	msg := "error during error handling"
	if cell := l.failures[userdataID(s, 1)]; cell != nil && cell.err != nil {
		msg = cell.err.Error()
	}
	l.relaxAlloc(func() {
		s.PushString(msg)
	})
	return 1, nil
}

// userdataID reads the cell id out of an 8-byte userdata block.
// Both error capsules and typed userdata store their Go-side identity
// this way.
func userdataID(s *lua.State, idx int) uint64 {
	var buf [8]byte
	s.CopyUserdata(buf[:], idx, 0)
	return binary.LittleEndian.Uint64(buf[:])
}

// failureCapsuleID reports whether the value at idx is an error capsule,
// and if so, returns its cell id.
func (l *Lua) failureCapsuleID(idx int) (uint64, bool) {
	s := l.state
	idx = s.AbsIndex(idx)
	if s.RawLen(idx) != 8 {
		return 0, false
	}
	if !s.Metatable(idx) {
		return 0, false
	}
	s.PushOpaqueErrorMetatable()
	same := s.RawEqual(-1, -2)
	s.Pop(2)
	if !same {
		return 0, false
	}
	return userdataID(s, idx), true
}

// reserveFailure returns a capsule from the pool,
// creating one if the pool is empty.
func (l *Lua) reserveFailure() (reservedFailure, error) {
	if r, ok := l.failurePool.Get(); ok {
		return r, nil
	}

	var err error
	l.relaxAlloc(func() {
		err = l.state.NewUserdataUV(8, 0)
	})
	if err != nil {
		return reservedFailure{}, l.apiError(err)
	}
	id := l.failureNext
	l.failureNext++
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)
	l.state.SetUserdata(-1, 0, buf[:])
	if tp := l.state.PushOpaqueErrorMetatable(); tp != lua.TypeTable {
		panic("luma: opaque error metatable not registered")
	}
	l.state.SetMetatable(-2)
	l.failures[id] = new(failureCell)
	return reservedFailure{id: id, slot: l.popRef()}, nil
}

// unreserveFailure returns an unused capsule to the pool.
func (l *Lua) unreserveFailure(r reservedFailure) {
	if cell := l.failures[r.id]; cell != nil {
		cell.err = nil
	}
	if l.failurePool.Put(r) {
		return
	}
	delete(l.failures, r.id)
	l.refs.drop(r.slot)
}

// raiseFailure stores err into the reserved capsule,
// leaves the capsule on top of the current stack,
// and returns the sentinel instructing the trampoline
// to raise it as the Lua error object.
// The capsule's reference slot is released:
// from here on, the Lua stack owns it.
func (l *Lua) raiseFailure(r reservedFailure, err error) error {
	l.failures[r.id].err = l.wrapCallbackError(err)
	l.pushRef(r.slot)
	l.refs.drop(r.slot)
	return lua.ErrErrorObjectOnStack
}

// wrapCallbackError attaches a traceback of the failing callback's
// call stack to err.
// Errors that already carry a traceback
// and in-flight panics pass through unchanged,
// so that an error crossing several host/script boundaries
// keeps the traceback of the innermost frame.
func (l *Lua) wrapCallbackError(err error) error {
	switch err.(type) {
	case *CallbackError, *panicError:
		return err
	}
	return &CallbackError{
		Traceback: l.traceback(),
		Cause:     err,
	}
}

const (
	noMemoryTraceback = "not enough memory for traceback"
	noStackTraceback  = "<not enough stack space for traceback>"
)

func (l *Lua) traceback() string {
	if l.main.MemoryLimitReached() {
		return noMemoryTraceback
	}
	tb, ok := l.state.Traceback()
	if !ok {
		return noStackTraceback
	}
	return tb
}

// popError converts the error object on top of the current stack
// into this package's error taxonomy, consuming it.
// code is the interpreter status that reported the error.
//
// If the error object is a capsule holding a host panic,
// popError resumes the panic.
func (l *Lua) popError(code int) error {
	s := l.state
	if s.Type(-1) == lua.TypeUserdata {
		if id, ok := l.failureCapsuleID(-1); ok {
			cell := l.failures[id]
			s.Pop(1)
			if cell == nil || cell.err == nil {
				return &RuntimeError{Message: "error during error handling"}
			}
			if pe, ok := cell.err.(*panicError); ok {
				if pe.consumed {
					return ErrPreviouslyResumedPanic
				}
				pe.consumed = true
				panic(pe.payload)
			}
			return cell.err
		}
	}
	switch code {
	case lua.ErrMem:
		return &MemoryError{Message: l.popErrorMessage()}
	case lua.ErrSyntax:
		msg := l.popErrorMessage()
		return &SyntaxError{
			Message:         msg,
			IncompleteInput: strings.HasSuffix(msg, "<eof>"),
		}
	case lua.ErrErr:
		s.Pop(1)
		return &RuntimeError{Message: "error in error handling"}
	default:
		return &RuntimeError{Message: l.popErrorMessage()}
	}
}

// popErrorMessage renders the error object on top of the current stack
// as a string and pops it.
// Numbers are formatted on the Go side:
// converting the slot in place would allocate interpreter memory,
// which is not permitted on error paths.
func (l *Lua) popErrorMessage() string {
	s := l.state
	defer s.Pop(1)
	switch s.Type(-1) {
	case lua.TypeString:
		msg, _ := s.ToString(-1)
		return msg
	case lua.TypeNumber:
		if s.IsInteger(-1) {
			n, _ := s.ToInteger(-1)
			return strconv.FormatInt(n, 10)
		}
		f, _ := s.ToNumber(-1)
		return strconv.FormatFloat(f, 'g', 14, 64)
	default:
		return fmt.Sprintf("(error object is a %v value)", s.Type(-1))
	}
}

// callProtected calls the function below the top nArgs stack values
// with the traceback message handler installed.
// On success the results are on the stack;
// on failure the stack is restored and the error classified.
func (l *Lua) callProtected(nArgs, nResults int) error {
	s := l.state
	if !s.CheckStack(1) {
		return ErrStackOverflow
	}
	fPos := s.Top() - nArgs
	s.PushMessageHandler()
	s.Insert(fPos)
	err := s.Call(nArgs, nResults, fPos)
	if err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Remove(fPos)
		return perr
	}
	s.Remove(fPos)
	return nil
}
