// Copyright 2023 Roxy Light
// Copyright 2025 The Luma Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the “Software”), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED “AS IS”, WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// SPDX-License-Identifier: MIT

package lua54

import (
	"fmt"
	"strings"
	"unsafe"
)

// #include <stdlib.h>
// #include <stddef.h>
// #include <stdint.h>
// #include "lua.h"
//
// int luma_lua_hookcb(lua_State *L, lua_Debug *ar);
// void luma_lua_warncb(void *ud, char *msg, int tocont);
//
// static void hookadapter(lua_State *L, lua_Debug *ar) {
//   if (luma_lua_hookcb(L, ar) < 0) {
//     lua_error(L);
//   }
// }
//
// static void sethook(lua_State *L, int mask, int count) {
//   lua_sethook(L, hookadapter, mask, count);
// }
//
// static void clearhook(lua_State *L) {
//   lua_sethook(L, NULL, 0, 0);
// }
//
// static void warnadapter(void *ud, const char *msg, int tocont) {
//   luma_lua_warncb(ud, (char *)msg, tocont);
// }
//
// static uintptr_t warnstateid(lua_State *L) {
//   return *(uintptr_t *)(lua_getextraspace(L));
// }
//
// static void setwarnf(lua_State *L) {
//   lua_setwarnf(L, warnadapter, (void *)warnstateid(L));
// }
//
// static void clearwarnf(lua_State *L) {
//   lua_setwarnf(L, NULL, NULL);
// }
import "C"

func (l *State) Stack(level int) *ActivationRecord {
	l.init()
	ar := new(C.lua_Debug)
	if C.lua_getstack(l.ptr, C.int(level), ar) == 0 {
		return nil
	}
	return &ActivationRecord{
		state: l,
		lptr:  l.ptr,
		ar:    ar,
	}
}

func (l *State) Info(what string) *Debug {
	l.checkElems(1)

	what = strings.TrimPrefix(what, ">")
	cwhat := make([]C.char, 0, len(">\x00")+len(what))
	cwhat = append(cwhat, '>')
	for _, c := range []byte(what) {
		cwhat = append(cwhat, C.char(c))
	}
	cwhat = append(cwhat, 0)

	var tmp C.lua_Debug
	return l.getinfo(&cwhat[0], &tmp)
}

func (l *State) getinfo(what *C.char, ar *C.lua_Debug) *Debug {
	if *what == '>' {
		l.top--
	}

	C.lua_getinfo(l.ptr, what, ar)

	db := &Debug{
		CurrentLine: -1,
	}
	pushFunction := false
	pushLines := false
	for ; *what != 0; what = (*C.char)(unsafe.Add(unsafe.Pointer(what), 1)) {
		switch *what {
		case 'f':
			pushFunction = true
		case 'l':
			db.CurrentLine = int(ar.currentline)
		case 'n':
			if ar.name != nil {
				db.Name = C.GoString(ar.name)
			}
			if ar.namewhat != nil {
				db.NameWhat = C.GoString(ar.namewhat)
			}
		case 'S':
			if ar.what != nil {
				db.What = C.GoString(ar.what)
			}
			if ar.source != nil {
				db.Source = C.GoStringN(ar.source, C.int(ar.srclen))
			}
			db.LineDefined = int(ar.linedefined)
			db.LastLineDefined = int(ar.lastlinedefined)
			db.ShortSource = C.GoString(&ar.short_src[0])
		case 't':
			db.IsTailCall = ar.istailcall != 0
		case 'u':
			db.NumUpvalues = uint8(ar.nups)
			db.NumParams = uint8(ar.nparams)
			db.IsVararg = ar.isvararg != 0
		case 'L':
			pushLines = true
		}
	}
	if pushFunction {
		l.top++
	}
	if pushLines {
		l.top++
	}
	return db
}

func (l *State) Upvalue(funcIndex, n int) (name string, ok bool) {
	l.init()
	if !l.isAcceptableIndex(funcIndex) {
		panic("unacceptable index")
	}
	cname := C.lua_getupvalue(l.ptr, C.int(funcIndex), C.int(n))
	if cname == nil {
		return "", false
	}
	l.top++
	return C.GoString(cname), true
}

func (l *State) SetUpvalue(funcIndex, n int) (name string, ok bool) {
	l.checkElems(1)
	if !l.isAcceptableIndex(funcIndex) {
		panic("unacceptable index")
	}
	cname := C.lua_setupvalue(l.ptr, C.int(funcIndex), C.int(n))
	if cname == nil {
		return "", false
	}
	l.top--
	return C.GoString(cname), true
}

type Debug struct {
	Name            string
	NameWhat        string
	What            string
	Source          string
	ShortSource     string
	CurrentLine     int
	LineDefined     int
	LastLineDefined int
	NumUpvalues     uint8
	NumParams       uint8
	IsVararg        bool
	IsTailCall      bool
}

type ActivationRecord struct {
	state *State
	lptr  *C.lua_State
	ar    *C.lua_Debug
}

func (ar *ActivationRecord) isValid() bool {
	return ar != nil && ar.state != nil && ar.state.ptr == ar.lptr
}

func (ar *ActivationRecord) Info(what string) *Debug {
	if strings.HasPrefix(what, ">") {
		panic("what must not start with '>'")
	}
	if !ar.isValid() {
		return nil
	}
	cwhat := C.CString(what)
	defer C.free(unsafe.Pointer(cwhat))
	return ar.state.getinfo(cwhat, ar.ar)
}

// HookEvent identifies the event that triggered a call to a hook function.
type HookEvent C.int

const (
	HookCall     HookEvent = C.LUA_HOOKCALL
	HookRet      HookEvent = C.LUA_HOOKRET
	HookLine     HookEvent = C.LUA_HOOKLINE
	HookCount    HookEvent = C.LUA_HOOKCOUNT
	HookTailCall HookEvent = C.LUA_HOOKTAILCALL
)

func (e HookEvent) String() string {
	switch e {
	case HookCall:
		return "call"
	case HookRet:
		return "return"
	case HookLine:
		return "line"
	case HookCount:
		return "count"
	case HookTailCall:
		return "tail call"
	default:
		return fmt.Sprintf("lua.HookEvent(%d)", C.int(e))
	}
}

// Event masks for SetHook.
const (
	MaskCall  int = C.LUA_MASKCALL
	MaskRet   int = C.LUA_MASKRET
	MaskLine  int = C.LUA_MASKLINE
	MaskCount int = C.LUA_MASKCOUNT
)

// A HookFunc is called by the interpreter
// whenever an event selected by the hook mask occurs.
// Returning an error raises the error inside the interpreter
// as if by the Lua error function.
// The ActivationRecord is only valid for the duration of the call.
type HookFunc = func(l *State, event HookEvent, ar *ActivationRecord) error

// SetHook installs f as the state's debug hook.
// mask is a bitwise OR of the Mask constants
// and count is the instruction interval for MaskCount.
// Passing a nil function or a zero mask removes the hook.
// There is at most one hook per state;
// coroutines created from the state share it.
func (l *State) SetHook(f HookFunc, mask int, count int) {
	l.init()
	data := l.data()
	if f == nil || mask == 0 {
		data.hook = nil
		C.clearhook(l.ptr)
		return
	}
	data.hook = f
	C.sethook(l.ptr, C.int(mask), C.int(count))
}

// A WarnFunc receives warnings emitted with the Lua warn function
// or lua_warning.
// toBeContinued reports that the message is a fragment
// that the next call will continue.
type WarnFunc = func(msg string, toBeContinued bool)

// SetWarnFunc installs f as the state's warning handler,
// replacing any previous handler.
// Passing nil discards warnings entirely.
func (l *State) SetWarnFunc(f WarnFunc) {
	l.init()
	data := l.data()
	data.warn = f
	if f == nil {
		C.clearwarnf(l.ptr)
		return
	}
	C.setwarnf(l.ptr)
}
