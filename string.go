// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"runtime"
)

// String is a handle to an interned Lua string.
// Lua strings are immutable byte sequences;
// they are not required to be valid UTF-8
// and may contain zero bytes.
type String struct {
	ref
}

func (l *Lua) newStringRef(idx int) *String {
	s := &String{ref: ref{l: l, idx: idx}}
	s.cleanup = runtime.AddCleanup(s, queueUnref, refCleanup{l.pendingRefs, idx})
	return s
}

func (*String) valueType() Type { return TypeString }

// String returns a copy of the string's bytes.
// It panics if the VM is closed;
// use Bytes to observe closure as an error.
func (s *String) String() string {
	b, err := s.Bytes()
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Bytes returns a copy of the string's bytes.
func (s *String) Bytes() ([]byte, error) {
	l := s.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	st := l.state
	if !st.CheckStack(1) {
		return nil, ErrStackOverflow
	}
	s.push()
	raw, _ := st.ToString(-1)
	st.Pop(1)
	return []byte(raw), nil
}

// Len returns the length of the string in bytes.
func (s *String) Len() (int64, error) {
	l := s.l
	if err := l.enter(); err != nil {
		return 0, err
	}
	st := l.state
	if !st.CheckStack(1) {
		return 0, ErrStackOverflow
	}
	s.push()
	n := st.RawLen(-1)
	st.Pop(1)
	return int64(n), nil
}
