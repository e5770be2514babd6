// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"fmt"
	"strings"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// StdLib is a bitmask of Lua standard libraries.
// The base library is not part of the mask;
// it is loaded into every VM.
type StdLib uint

const (
	LibCoroutine StdLib = 1 << iota
	LibTable
	LibIO
	LibOS
	LibString
	LibUTF8
	LibMath
	LibPackage
	LibDebug

	// LibNone selects no libraries beyond base.
	LibNone StdLib = 0
	// LibAll selects every standard library, including debug.
	LibAll = LibCoroutine | LibTable | LibIO | LibOS | LibString |
		LibUTF8 | LibMath | LibPackage | LibDebug
	// LibAllSafe is LibAll without the debug library.
	LibAllSafe = LibAll &^ LibDebug
)

// libNames lists each library bit with its Lua module name, in load order.
var libNames = []struct {
	lib  StdLib
	name string
}{
	{LibCoroutine, "coroutine"},
	{LibTable, "table"},
	{LibIO, "io"},
	{LibOS, "os"},
	{LibString, "string"},
	{LibUTF8, "utf8"},
	{LibMath, "math"},
	{LibPackage, "package"},
	{LibDebug, "debug"},
}

// Names returns the Lua module names of the libraries in the mask,
// in load order.
func (lib StdLib) Names() []string {
	var names []string
	for _, e := range libNames {
		if lib&e.lib != 0 {
			names = append(names, e.name)
		}
	}
	return names
}

// String returns the module names in the mask separated by "|",
// or "none" for the empty mask.
func (lib StdLib) String() string {
	if lib == LibNone {
		return "none"
	}
	return strings.Join(lib.Names(), "|")
}

// ParseStdLib returns the library whose Lua module name is s.
func ParseStdLib(s string) (StdLib, error) {
	for _, e := range libNames {
		if e.name == s {
			return e.lib, nil
		}
	}
	return 0, fmt.Errorf("unknown standard library %q", s)
}

// LoadStdLibs loads additional standard libraries
// into an already-constructed VM.
// Libraries that are already loaded are skipped.
// Requesting [LibDebug] on a safe VM fails with [*SafetyError].
func (l *Lua) LoadStdLibs(libs StdLib) error {
	if err := l.enter(); err != nil {
		return err
	}
	if l.safe && libs&LibDebug != 0 {
		return &SafetyError{Message: "the debug library is unsafe"}
	}
	if err := l.openLibraries(libs); err != nil {
		return err
	}
	l.libs |= libs
	return nil
}

// StdLibs returns the mask of standard libraries loaded so far.
func (l *Lua) StdLibs() StdLib {
	return l.libs
}

func (l *Lua) openLibraries(libs StdLib) error {
	type stdlib struct {
		mask StdLib
		name string
		push func(*lua.State)
	}
	freshBase := false
	for _, lib := range []stdlib{
		{0, lua.GName, lua.PushOpenBase},
		{LibCoroutine, lua.CoroutineLibraryName, lua.PushOpenCoroutine},
		{LibTable, lua.TableLibraryName, lua.PushOpenTable},
		{LibIO, lua.IOLibraryName, lua.PushOpenIO},
		{LibOS, lua.OSLibraryName, lua.PushOpenOS},
		{LibString, lua.StringLibraryName, lua.PushOpenString},
		{LibUTF8, lua.UTF8LibraryName, lua.PushOpenUTF8},
		{LibMath, lua.MathLibraryName, lua.PushOpenMath},
		{LibPackage, lua.PackageLibraryName, lua.PushOpenPackage},
		{LibDebug, lua.DebugLibraryName, lua.PushOpenDebug},
	} {
		if lib.mask != 0 && libs&lib.mask == 0 {
			continue
		}
		opened, err := l.requireStd(lib.name, lib.push)
		if err != nil {
			return fmt.Errorf("luma: open %s library: %w", lib.name, err)
		}
		if lib.mask == 0 && opened {
			freshBase = true
		}
	}
	if freshBase {
		return l.installPCallGuard()
	}
	return nil
}

const loadedTable = "_LOADED"

// requireStd mirrors luaL_requiref:
// it runs the library opener once,
// records the module in the registry's _LOADED table,
// and publishes it as a global.
// opened reports whether the opener actually ran,
// as opposed to the module already being cached.
func (l *Lua) requireStd(name string, push func(*lua.State)) (opened bool, err error) {
	s := l.state
	if !s.CheckStack(4) {
		return false, ErrStackOverflow
	}
	if err := s.PushLString(loadedTable); err != nil {
		return false, l.apiError(err)
	}
	if s.RawGet(lua.RegistryIndex) != lua.TypeTable {
		s.Pop(1)
		if err := s.CreateTable(0, 8); err != nil {
			return false, l.apiError(err)
		}
		s.PushValue(-1)
		if err := l.setRawField(lua.RegistryIndex, loadedTable); err != nil {
			s.Pop(1)
			return false, err
		}
	}
	lt := s.Top()
	if err := s.PushLString(name); err != nil {
		s.Pop(1)
		return false, l.apiError(err)
	}
	s.RawGet(lt)
	if s.ToBoolean(-1) {
		s.Pop(2)
		return false, nil
	}
	s.Pop(1)

	push(s)
	if err := s.PushLString(name); err != nil {
		s.Pop(2)
		return false, l.apiError(err)
	}
	if err := l.callProtected(1, 1); err != nil {
		s.Pop(1)
		return false, err
	}
	s.PushValue(-1)
	if err := l.setRawField(lt, name); err != nil {
		s.Pop(2)
		return false, err
	}
	s.PushValue(-1)
	if err := s.SetGlobal(name, 0); err != nil {
		s.Pop(3)
		return false, l.apiError(err)
	}
	s.Pop(2)
	return true, nil
}

// pcallGuardChunk rewraps pcall and xpcall so that a Go panic
// traveling through the interpreter as an error object
// keeps unwinding instead of being returned to script code.
// Ordinary script errors pass through untouched.
const pcallGuardChunk = `local rawpcall, rawxpcall, is_host_panic = ...
local function check(ok, ...)
	if not ok and is_host_panic(...) then
		error((...), 0)
	end
	return ok, ...
end
pcall = function(f, ...)
	return check(rawpcall(f, ...))
end
xpcall = function(f, h, ...)
	local function handler(e)
		if is_host_panic(e) then
			return e
		end
		return h(e)
	end
	return check(rawxpcall(f, handler, ...))
end
`

func (l *Lua) installPCallGuard() error {
	s := l.state
	if !s.CheckStack(5) {
		return ErrStackOverflow
	}
	tp, err := s.Global("pcall", 0)
	if err != nil {
		code, _ := lua.AsError(err)
		return l.popError(code)
	}
	if tp != lua.TypeFunction {
		// Base library not loaded; nothing to guard.
		s.Pop(1)
		return nil
	}
	s.Pop(1)

	if err := s.LoadString(pcallGuardChunk, "=__luma_pcall", "t"); err != nil {
		code, _ := lua.AsError(err)
		return l.popError(code)
	}
	if _, err := s.Global("pcall", 0); err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Pop(1)
		return perr
	}
	if _, err := s.Global("xpcall", 0); err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Pop(2)
		return perr
	}
	if err := s.PushClosure(0, l.wrapCallback(isHostPanic, false)); err != nil {
		s.Pop(3)
		return l.apiError(err)
	}
	return l.callProtected(3, 0)
}

// isHostPanic reports whether a pcall-caught error object
// carries a Go panic that must keep unwinding.
func isHostPanic(_ *Lua, args Values) (Values, error) {
	e, ok := args.Get(0).(*Error)
	if !ok {
		return Values{Boolean(false)}, nil
	}
	var pe *panicError
	return Values{Boolean(errors.As(e.Err, &pe))}, nil
}
