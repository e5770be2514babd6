// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"runtime"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// RegistryKey pins a value in the interpreter's registry table.
//
// Unlike handles, a RegistryKey does not know the kind of value it pins;
// it is the currency for stashing arbitrary values
// where a handle type would be inconvenient.
// Dropping a RegistryKey releases its slot
// on the next interaction with the VM;
// [Lua.RemoveRegistryValue] releases it immediately.
type RegistryKey struct {
	l       *Lua
	ref     int
	cleanup runtime.Cleanup
}

// CreateRegistryValue pins v in the registry.
func (l *Lua) CreateRegistryValue(v Value) (*RegistryKey, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	if err := l.pushValue(v); err != nil {
		return nil, err
	}
	r, err := l.state.Ref()
	if err != nil {
		return nil, l.apiError(err)
	}
	k := &RegistryKey{l: l, ref: r}
	k.cleanup = runtime.AddCleanup(k, queueUnref, refCleanup{l.pendingReg, r})
	return k, nil
}

// RegistryValue returns the value pinned by k.
func (l *Lua) RegistryValue(k *RegistryKey) (Value, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	if k.l != l {
		return nil, ErrMismatchedRegistryKey
	}
	switch k.ref {
	case lua.NoRef:
		return nil, &RuntimeError{Message: "registry key already removed"}
	case lua.RefNil:
		return nil, nil
	}
	if !l.state.CheckStack(2) {
		return nil, ErrStackOverflow
	}
	l.state.RawIndex(lua.RegistryIndex, int64(k.ref))
	v, err := l.valueAt(-1)
	l.state.Pop(1)
	return v, err
}

// ReplaceRegistryValue swaps the value pinned by k for v.
//
// A key holding nil pins no physical slot,
// so replacing nil with a value allocates a slot
// and replacing a value with nil releases one;
// either way k keeps working.
func (l *Lua) ReplaceRegistryValue(k *RegistryKey, v Value) error {
	if err := l.enter(); err != nil {
		return err
	}
	if k.l != l {
		return ErrMismatchedRegistryKey
	}
	if k.ref == lua.NoRef {
		return &RuntimeError{Message: "registry key already removed"}
	}
	switch {
	case v == nil && k.ref == lua.RefNil:
		return nil
	case v == nil:
		k.cleanup.Stop()
		l.main.Unref(k.ref)
		k.ref = lua.RefNil
		return nil
	case k.ref == lua.RefNil:
		if err := l.pushValue(v); err != nil {
			return err
		}
		r, err := l.state.Ref()
		if err != nil {
			return l.apiError(err)
		}
		k.cleanup.Stop()
		k.ref = r
		k.cleanup = runtime.AddCleanup(k, queueUnref, refCleanup{l.pendingReg, r})
		return nil
	}
	s := l.state
	if !s.CheckStack(4) {
		return ErrStackOverflow
	}
	s.PushInteger(int64(k.ref))
	if err := l.pushValue(v); err != nil {
		s.Pop(1)
		return err
	}
	if err := s.RawSetProtected(lua.RegistryIndex); err != nil {
		return l.apiError(err)
	}
	return nil
}

// RemoveRegistryValue releases the slot pinned by k immediately,
// making it available for reuse by future registry values.
// Further reads through k fail
// rather than observing the slot's next tenant.
func (l *Lua) RemoveRegistryValue(k *RegistryKey) error {
	if err := l.enter(); err != nil {
		return err
	}
	if k.l != l {
		return ErrMismatchedRegistryKey
	}
	if k.ref == lua.NoRef {
		return &RuntimeError{Message: "registry key already removed"}
	}
	k.cleanup.Stop()
	l.main.Unref(k.ref)
	k.ref = lua.NoRef
	return nil
}

// ExpireRegistryValues reclaims registry slots and reference slots
// whose keys or handles have been garbage collected.
// Reclamation also happens incrementally during normal use of the VM;
// calling this forces it immediately.
func (l *Lua) ExpireRegistryValues() error {
	return l.enter()
}

// SetNamedRegistryValue stores v in the registry under name,
// visible to every user of the interpreter.
// Storing nil removes the entry.
func (l *Lua) SetNamedRegistryValue(name string, v Value) error {
	if err := l.enter(); err != nil {
		return err
	}
	s := l.state
	if !s.CheckStack(4) {
		return ErrStackOverflow
	}
	if err := s.PushLString(name); err != nil {
		return l.apiError(err)
	}
	if err := l.pushValue(v); err != nil {
		s.Pop(1)
		return err
	}
	if err := s.RawSetProtected(lua.RegistryIndex); err != nil {
		return l.apiError(err)
	}
	return nil
}

// UnsetNamedRegistryValue removes the registry entry stored under name.
// Removing an absent entry is not an error.
func (l *Lua) UnsetNamedRegistryValue(name string) error {
	return l.SetNamedRegistryValue(name, nil)
}

// NamedRegistryValue returns the value stored in the registry under name,
// or nil if there is none.
func (l *Lua) NamedRegistryValue(name string) (Value, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(3) {
		return nil, ErrStackOverflow
	}
	if err := s.PushLString(name); err != nil {
		return nil, l.apiError(err)
	}
	s.RawGet(lua.RegistryIndex)
	v, err := l.valueAt(-1)
	s.Pop(1)
	return v, err
}
