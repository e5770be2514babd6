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

// Package lua54 provides low-level bindings for Lua 5.4.
//
// Operations that may allocate interpreter memory
// run under the interpreter's protected-call mechanism,
// so that an allocation refused by the accounting allocator
// surfaces as an error instead of unwinding through Go frames.
package lua54

import (
	"errors"
	"fmt"
	"io"
	"runtime/cgo"
	"unsafe"
)

// #cgo unix CFLAGS: -DLUA_USE_POSIX
// #cgo unix LDFLAGS: -lm
// #include <stdlib.h>
// #include <stddef.h>
// #include <stdint.h>
// #include <string.h>
// #include "lua.h"
// #include "lauxlib.h"
// #include "lualib.h"
//
// char *luma_lua_readercb(lua_State *L, void *data, size_t *size);
// int luma_lua_writercb(lua_State *L, const void *p, size_t size, void *ud);
// int luma_lua_gocb(lua_State *L);
// int luma_lua_gcfunc(lua_State *L);
//
// static int trampoline(lua_State *L) {
//   int nresults = luma_lua_gocb(L);
//   if (nresults < 0) {
//     lua_error(L);
//   }
//   return nresults;
// }
//
// static int pushclosurecb(lua_State *L) {
//   int n = lua_gettop(L) - 1;
//   uint64_t funcID = (uint64_t)lua_tointeger(L, -1);
//   lua_pop(L, 1);
//
//   uint8_t *data = lua_newuserdatauv(L, 8, 0);
//   data[0] = (uint8_t)funcID;
//   data[1] = (uint8_t)(funcID >> 8);
//   data[2] = (uint8_t)(funcID >> 16);
//   data[3] = (uint8_t)(funcID >> 24);
//   data[4] = (uint8_t)(funcID >> 32);
//   data[5] = (uint8_t)(funcID >> 40);
//   data[6] = (uint8_t)(funcID >> 48);
//   data[7] = (uint8_t)(funcID >> 56);
//
//   if (luaL_newmetatable(L, "luma.256lights.llc/pkg/internal/lua54.Function")) {
//     lua_pushcfunction(L, luma_lua_gcfunc);
//     lua_setfield(L, -2, "__gc");
//     lua_pushboolean(L, 0);
//     lua_setfield(L, -2, "__metatable");
//   }
//   lua_setmetatable(L, -2);
//   lua_insert(L, -1 - n);
//   lua_pushcclosure(L, trampoline, 1 + n);
//   return 1;
// }
//
// static int pushclosure(lua_State *L, uint64_t funcID, int n) {
//   lua_pushcfunction(L, pushclosurecb);
//   lua_insert(L, -1 - n);
//   lua_pushinteger(L, (lua_Integer)funcID);
//   return lua_pcall(L, n + 1, 1, 0);
// }
//
// void luma_lua_pushstring(lua_State *L, _GoString_ s) {
//   lua_pushlstring(L, _GoStringPtr(s), _GoStringLen(s));
// }
//
// static int pushlstringcb(lua_State *L) {
//   const char *p = lua_touserdata(L, 1);
//   size_t n = (size_t)lua_tointeger(L, 2);
//   lua_pushlstring(L, p, n);
//   return 1;
// }
//
// static int pushlstring(lua_State *L, _GoString_ s) {
//   lua_pushcfunction(L, pushlstringcb);
//   lua_pushlightuserdata(L, (void *)_GoStringPtr(s));
//   lua_pushinteger(L, (lua_Integer)_GoStringLen(s));
//   return lua_pcall(L, 2, 1, 0);
// }
//
// const char *luma_lua_reader(lua_State *L, void *data, size_t *size) {
//   const char *p = luma_lua_readercb(L, data, size);
//   if (p == NULL) {
//     lua_error(L);
//   }
//   return p;
// }
//
// struct readStringData {
//   _GoString_ s;
//   int done;
// };
//
// static const char *readstring(lua_State *L, void *data, size_t *size) {
//   struct readStringData *myData = (struct readStringData*)(data);
//   if (myData->done) {
//     *size = 0;
//     return NULL;
//   }
//   *size = _GoStringLen(myData->s);
//   myData->done = 1;
//   return _GoStringPtr(myData->s);
// }
//
// static int loadstring(lua_State *L, _GoString_ s, const char* chunkname, const char* mode) {
//   struct readStringData myData = {s, 0};
//   return lua_load(L, readstring, &myData, chunkname, mode);
// }
//
// static int gettablecb(lua_State *L) {
//   lua_gettable(L, 1);
//   return 1;
// }
//
// static int gettable(lua_State *L, int index, int msgh, int *tp) {
//   index = lua_absindex(L, index);
//   msgh = msgh != 0 ? lua_absindex(L, msgh) : 0;
//   lua_pushcfunction(L, gettablecb);
//   lua_pushvalue(L, index);
//   lua_rotate(L, -3, -1);
//   int ret = lua_pcall(L, 2, 1, msgh);
//   if (tp != NULL) {
//     *tp = ret == LUA_OK ? lua_type(L, -1) : LUA_TNIL;
//   }
//   return ret;
// }
//
// static int settablecb(lua_State *L) {
//   lua_settable(L, 1);
//   return 0;
// }
//
// static int settable(lua_State *L, int index, int msgh) {
//   index = lua_absindex(L, index);
//   msgh = msgh != 0 ? lua_absindex(L, msgh) : 0;
//   lua_pushcfunction(L, settablecb);
//   lua_pushvalue(L, index);
//   lua_rotate(L, -4, -2);
//   return lua_pcall(L, 3, 0, msgh);
// }
//
// static int rawsetcb(lua_State *L) {
//   lua_rawset(L, 1);
//   return 0;
// }
//
// static int rawset(lua_State *L, int index) {
//   index = lua_absindex(L, index);
//   lua_pushcfunction(L, rawsetcb);
//   lua_pushvalue(L, index);
//   lua_rotate(L, -4, -2);
//   return lua_pcall(L, 3, 0, 0);
// }
//
// static int createtablecb(lua_State *L) {
//   lua_createtable(L, (int)lua_tointeger(L, 1), (int)lua_tointeger(L, 2));
//   return 1;
// }
//
// static int createtable(lua_State *L, int narr, int nrec) {
//   lua_pushcfunction(L, createtablecb);
//   lua_pushinteger(L, narr);
//   lua_pushinteger(L, nrec);
//   return lua_pcall(L, 2, 1, 0);
// }
//
// static int newuserdatacb(lua_State *L) {
//   size_t size = (size_t)lua_tointeger(L, 1);
//   int nuvalue = (int)lua_tointeger(L, 2);
//   void *ptr = lua_newuserdatauv(L, size, nuvalue);
//   memset(ptr, 0, size);
//   return 1;
// }
//
// static int newuserdata(lua_State *L, size_t size, int nuvalue) {
//   lua_pushcfunction(L, newuserdatacb);
//   lua_pushinteger(L, (lua_Integer)size);
//   lua_pushinteger(L, nuvalue);
//   return lua_pcall(L, 2, 1, 0);
// }
//
// static int newthreadcb(lua_State *L) {
//   lua_newthread(L);
//   return 1;
// }
//
// static int newthread(lua_State *L) {
//   lua_pushcfunction(L, newthreadcb);
//   return lua_pcall(L, 0, 1, 0);
// }
//
// static int refcb(lua_State *L) {
//   int ref = luaL_ref(L, LUA_REGISTRYINDEX);
//   lua_pushinteger(L, ref);
//   return 1;
// }
//
// static int tracebackcb(lua_State *L) {
//   luaL_traceback(L, L, NULL, 1);
//   return 1;
// }
//
// static int nextcb(lua_State *L) {
//   if (lua_next(L, 1)) {
//     return 2;
//   }
//   return 0;
// }
//
// static int protectednext(lua_State *L, int index, int *has) {
//   index = lua_absindex(L, index);
//   lua_pushcfunction(L, nextcb);
//   lua_pushvalue(L, index);
//   lua_rotate(L, -3, -1);
//   int top = lua_gettop(L) - 3;
//   int ret = lua_pcall(L, 2, LUA_MULTRET, 0);
//   if (ret == LUA_OK) {
//     *has = lua_gettop(L) > top;
//   }
//   return ret;
// }
//
// static int traceback(lua_State *L) {
//   lua_pushcfunction(L, tracebackcb);
//   return lua_pcall(L, 0, 1, 0);
// }
//
// static int registryref(lua_State *L, int *ref) {
//   lua_pushcfunction(L, refcb);
//   lua_rotate(L, -2, 1);
//   int ret = lua_pcall(L, 1, 1, 0);
//   if (ret == LUA_OK) {
//     *ref = (int)lua_tointeger(L, -1);
//     lua_pop(L, 1);
//   }
//   return ret;
// }
//
// static void pushlightuserdata(lua_State *L, uintptr_t p) {
//   lua_pushlightuserdata(L, (void *)p);
// }
//
// static int concatcb(lua_State *L) {
//   lua_concat(L, lua_gettop(L));
//   return 1;
// }
//
// static void pushconcatfunction(lua_State *L) {
//   lua_pushcfunction(L, concatcb);
// }
//
// static int lencb(lua_State *L) {
//   lua_len(L, 1);
//   return 1;
// }
//
// static void pushlenfunction(lua_State *L) {
//   lua_pushcfunction(L, lencb);
// }
//
// static int comparecb(lua_State *L) {
//   int op = (int)lua_tointeger(L, 3);
//   lua_pushboolean(L, lua_compare(L, 1, 2, op));
//   return 1;
// }
//
// static void pushcomparefunction(lua_State *L) {
//   lua_pushcfunction(L, comparecb);
// }
//
// static int tostringcb(lua_State *L) {
//   luaL_tolstring(L, 1, NULL);
//   return 1;
// }
//
// static void pushtostringfunction(lua_State *L) {
//   lua_pushcfunction(L, tostringcb);
// }
//
// static size_t userdatalen(lua_State *L, int index) {
//   if (lua_type(L, index) != LUA_TUSERDATA) {
//     return 0;
//   }
//   return (size_t)lua_rawlen(L, index);
// }
//
// typedef struct luma_alloc_state {
//   size_t used;
//   size_t limit;
//   int ignore_limit;
//   int limit_reached;
// } luma_alloc_state;
//
// static void *allocf(void *ud, void *ptr, size_t osize, size_t nsize) {
//   luma_alloc_state *mem = (luma_alloc_state *)ud;
//   if (nsize == 0) {
//     if (ptr != NULL) {
//       mem->used -= osize;
//       free(ptr);
//     }
//     return NULL;
//   }
//   if (nsize > PTRDIFF_MAX) {
//     return NULL;
//   }
//   // When ptr is NULL, osize encodes the kind of object being allocated,
//   // not a size.
//   size_t old = ptr != NULL ? osize : 0;
//   if (nsize > old &&
//       mem->limit > 0 &&
//       !mem->ignore_limit &&
//       mem->used - old + nsize > mem->limit) {
//     mem->limit_reached = 1;
//     return NULL;
//   }
//   void *newptr = realloc(ptr, nsize);
//   if (newptr == NULL) {
//     return NULL;
//   }
//   mem->used = mem->used - old + nsize;
//   return newptr;
// }
//
// static lua_State *newstate(uintptr_t id, luma_alloc_state **memOut) {
//   luma_alloc_state *mem = calloc(1, sizeof(luma_alloc_state));
//   if (mem == NULL) {
//     return NULL;
//   }
//   lua_State *L = lua_newstate(allocf, mem);
//   if (L == NULL) {
//     free(mem);
//     return NULL;
//   }
//   lua_setwarnf(L, NULL, NULL);
//   *(uintptr_t *)(lua_getextraspace(L)) = id;
//   *memOut = mem;
//   return L;
// }
//
// static uintptr_t stateid(lua_State *L) {
//   return *(uintptr_t *)(lua_getextraspace(L));
// }
//
// static void setstateid(lua_State *L, uintptr_t id) {
//   *(uintptr_t *)(lua_getextraspace(L)) = id;
// }
//
// static char opaque_error_key;
//
// static int messagehandler(lua_State *L) {
//   if (lua_checkstack(L, 3) == 0) {
//     // No room for a traceback. Return the error object unchanged.
//     return 1;
//   }
//   void *allocud = NULL;
//   if (lua_getallocf(L, &allocud) == allocf && allocud != NULL &&
//       ((luma_alloc_state *)allocud)->limit_reached) {
//     // Formatting a traceback allocates. Once the memory limit has been
//     // hit, any further refusal would replace the real error.
//     return 1;
//   }
//   if (lua_type(L, 1) == LUA_TUSERDATA && lua_getmetatable(L, 1)) {
//     lua_rawgetp(L, LUA_REGISTRYINDEX, (void *)&opaque_error_key);
//     int opaque = lua_rawequal(L, -1, -2);
//     lua_pop(L, 2);
//     if (opaque) {
//       return 1;
//     }
//   }
//   const char *msg = lua_tostring(L, 1);
//   if (msg == NULL) {
//     if (luaL_callmeta(L, 1, "__tostring") && lua_type(L, -1) == LUA_TSTRING) {
//       return 1;
//     }
//     msg = lua_pushfstring(L, "(error object is a %s value)", luaL_typename(L, 1));
//   }
//   luaL_traceback(L, L, msg, 1);
//   return 1;
// }
//
// static void pushmessagehandler(lua_State *L) {
//   lua_pushcfunction(L, messagehandler);
// }
//
// static void setopaqueerrormetatable(lua_State *L) {
//   lua_rawsetp(L, LUA_REGISTRYINDEX, (void *)&opaque_error_key);
// }
//
// static int pushopaqueerrormetatable(lua_State *L) {
//   return lua_rawgetp(L, LUA_REGISTRYINDEX, (void *)&opaque_error_key);
// }
//
// static int rawgetp(lua_State *L, int index, uintptr_t p) {
//   return lua_rawgetp(L, index, (const void *)p);
// }
//
// static void rawsetp(lua_State *L, int index, uintptr_t p) {
//   lua_rawsetp(L, index, (const void *)p);
// }
//
// static int gcniladic(lua_State *L, int what) {
//   return lua_gc(L, what);
// }
//
// static int gcstep(lua_State *L, int stepsize) {
//   return lua_gc(L, LUA_GCSTEP, stepsize);
// }
//
// static int gcinc(lua_State *L, int pause, int stepmul, int stepsize) {
//   return lua_gc(L, LUA_GCINC, pause, stepmul, stepsize);
// }
//
// static int gcgen(lua_State *L, int minormul, int majormul) {
//   return lua_gc(L, LUA_GCGEN, minormul, majormul);
// }
import "C"

const (
	VersionMajor   = C.LUA_VERSION_MAJOR
	VersionMinor   = C.LUA_VERSION_MINOR
	VersionRelease = C.LUA_VERSION_RELEASE

	VersionNum        = C.LUA_VERSION_NUM
	VersionReleaseNum = C.LUA_VERSION_RELEASE_NUM

	Version   = C.LUA_VERSION
	Release   = C.LUA_RELEASE
	Copyright = C.LUA_COPYRIGHT
	Authors   = C.LUA_AUTHORS
)

const RegistryIndex int = C.LUA_REGISTRYINDEX

const (
	RegistryIndexMainThread int64 = C.LUA_RIDX_MAINTHREAD
	RegistryIndexGlobals    int64 = C.LUA_RIDX_GLOBALS
)

const (
	LoadedTable  = C.LUA_LOADED_TABLE
	PreloadTable = C.LUA_PRELOAD_TABLE
)

// Sentinel references returned by Ref.
const (
	RefNil int = C.LUA_REFNIL
	NoRef  int = C.LUA_NOREF
)

type Type C.int

const (
	TypeNone          Type = C.LUA_TNONE
	TypeNil           Type = C.LUA_TNIL
	TypeBoolean       Type = C.LUA_TBOOLEAN
	TypeLightUserdata Type = C.LUA_TLIGHTUSERDATA
	TypeNumber        Type = C.LUA_TNUMBER
	TypeString        Type = C.LUA_TSTRING
	TypeTable         Type = C.LUA_TTABLE
	TypeFunction      Type = C.LUA_TFUNCTION
	TypeUserdata      Type = C.LUA_TUSERDATA
	TypeThread        Type = C.LUA_TTHREAD
)

func (tp Type) String() string {
	switch tp {
	case TypeNone:
		return "no value"
	case TypeNil:
		return "nil"
	case TypeBoolean:
		return "boolean"
	case TypeLightUserdata, TypeUserdata:
		return "userdata"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeTable:
		return "table"
	case TypeFunction:
		return "function"
	case TypeThread:
		return "thread"
	default:
		return fmt.Sprintf("lua.Type(%d)", C.int(tp))
	}
}

// State represents a Lua execution environment.
// The zero value is a Lua 5.4 environment
// with a memory-accounting allocator installed
// and no libraries loaded.
// States are not safe for concurrent use.
type State struct {
	ptr  *C.lua_State
	top  int
	cap  int
	main bool
}

type stateData struct {
	nextID   uint64
	closures map[uint64]Function
	hook     HookFunc
	warn     WarnFunc
	alloc    *C.luma_alloc_state
}

// stateForCallback returns a new State for the given *lua_State.
// stateForCallback assumes that it is called
// before any other functions are called on the *lua_State.
func stateForCallback(ptr *C.lua_State) *State {
	l := &State{
		ptr: ptr,
		top: int(C.lua_gettop(ptr)),
	}
	l.cap = l.top + C.LUA_MINSTACK
	return l
}

func (l *State) init() {
	if l.ptr == nil {
		data := &stateData{
			nextID:   1,
			closures: make(map[uint64]Function),
		}
		handle := cgo.NewHandle(data)
		l.ptr = C.newstate(C.uintptr_t(handle), &data.alloc)
		if l.ptr == nil {
			handle.Delete()
			panic("could not allocate memory for new state")
		}
		l.top = 0
		l.cap = C.LUA_MINSTACK
		l.main = true
	}
}

// OpenFromPtr adopts an existing *lua_State created by other code.
// The state's extra space is claimed for the package's bookkeeping;
// the embedder must not use it afterward.
// The returned State does not own the underlying *lua_State:
// call Detach (not Close) when done.
func OpenFromPtr(ptr unsafe.Pointer) *State {
	if ptr == nil {
		panic("OpenFromPtr called with nil state")
	}
	cptr := (*C.lua_State)(ptr)
	data := &stateData{
		nextID:   1,
		closures: make(map[uint64]Function),
	}
	C.setstateid(cptr, C.uintptr_t(cgo.NewHandle(data)))
	l := &State{
		ptr:  cptr,
		top:  int(C.lua_gettop(cptr)),
		main: true,
	}
	l.cap = l.top + C.LUA_MINSTACK
	return l
}

// Close releases all resources associated with the state,
// including the underlying *lua_State.
func (l *State) Close() error {
	if l.ptr != nil {
		if !l.main {
			return errors.New("lua: cannot close non-main thread")
		}
		handle := cgo.Handle(C.stateid(l.ptr))
		data := handle.Value().(*stateData)
		C.lua_close(l.ptr)
		if data.alloc != nil {
			C.free(unsafe.Pointer(data.alloc))
		}
		handle.Delete()
		*l = State{}
	}
	return nil
}

// Detach releases the Go-side resources for a state
// previously returned by OpenFromPtr,
// leaving the underlying *lua_State alive.
func (l *State) Detach() {
	if l.ptr != nil {
		handle := cgo.Handle(C.stateid(l.ptr))
		C.setstateid(l.ptr, 0)
		handle.Delete()
		*l = State{}
	}
}

// data returns the interpreter-wide data.
func (l *State) data() *stateData {
	return cgo.Handle(C.stateid(l.ptr)).Value().(*stateData)
}

// relaxed runs f with the memory limit unenforced.
// It is used on error paths that must push small strings
// while an allocation failure is already being reported.
func (l *State) relaxed(f func()) {
	mem := l.data().alloc
	if mem == nil {
		f()
		return
	}
	mem.ignore_limit++
	f()
	mem.ignore_limit--
}

func (l *State) AbsIndex(idx int) int {
	switch {
	case isPseudo(idx):
		return idx
	case idx == 0 || idx < -l.top || idx > l.cap:
		panic("unacceptable index")
	case idx < 0:
		return l.top + idx + 1
	default:
		return idx
	}
}

func (l *State) isValidIndex(idx int) bool {
	if idx == goClosureUpvalueIndex {
		// Forbid users of the package from accessing the GoClosure upvalue.
		return false
	}
	if isPseudo(idx) {
		return true
	}
	if idx < 0 {
		idx = -idx
	}
	return 1 <= idx && idx <= l.top
}

func (l *State) isAcceptableIndex(idx int) bool {
	return l.isValidIndex(idx) || l.top <= idx && idx <= l.cap
}

func (l *State) checkElems(n int) {
	if l.top < n {
		panic("not enough elements in the stack")
	}
}

func (l *State) checkMessageHandler(msgHandler int) int {
	switch {
	case msgHandler == 0:
		return 0
	case isPseudo(msgHandler):
		panic("pseudo-indexed message handler")
	case 1 <= msgHandler && msgHandler <= l.top:
		return msgHandler
	case -l.top <= msgHandler && msgHandler <= -1:
		return l.top + msgHandler + 1
	default:
		panic("invalid message handler index")
	}
}

func (l *State) Top() int {
	return l.top
}

func (l *State) SetTop(idx int) {
	// lua_settop can raise errors, which will be undefined behavior,
	// but only if we mark stack slots as to-be-closed.
	// We have a simple solution: don't let the user do that.

	switch {
	case isPseudo(idx):
		panic("pseudo-index invalid for top")
	case idx == 0:
		if l.ptr != nil {
			C.lua_settop(l.ptr, 0)
			l.top = 0
		}
		return
	case idx < 0:
		idx += l.top + 1
		if idx < 0 {
			panic("stack underflow")
		}
	case idx > l.cap:
		panic("stack overflow")
	}
	l.init()

	C.lua_settop(l.ptr, C.int(idx))
	l.top = idx
}

func (l *State) Pop(n int) {
	l.SetTop(-n - 1)
}

func (l *State) PushValue(idx int) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushvalue(l.ptr, C.int(idx))
	l.top++
}

func (l *State) Rotate(idx, n int) {
	l.init()
	if !l.isValidIndex(idx) || isPseudo(idx) {
		panic("invalid index")
	}
	idx = l.AbsIndex(idx)
	absN := n
	if n < 0 {
		absN = -n
	}
	if absN > l.top-idx+1 {
		panic("invalid rotation")
	}
	C.lua_rotate(l.ptr, C.int(idx), C.int(n))
}

func (l *State) Remove(idx int) {
	l.Rotate(idx, -1)
	l.Pop(1)
}

func (l *State) Insert(idx int) {
	l.Rotate(idx, 1)
}

func (l *State) Copy(fromIdx, toIdx int) {
	l.init()
	if !l.isAcceptableIndex(fromIdx) || !l.isAcceptableIndex(toIdx) {
		panic("unacceptable index")
	}
	C.lua_copy(l.ptr, C.int(fromIdx), C.int(toIdx))
}

func (l *State) Replace(idx int) {
	l.Copy(-1, idx)
	l.Pop(1)
}

func (l *State) CheckStack(n int) bool {
	if l.top+n <= l.cap {
		return true
	}
	l.init()
	ok := C.lua_checkstack(l.ptr, C.int(n)) != 0
	if ok {
		l.cap = max(l.cap, l.top+n)
	}
	return ok
}

func (l *State) IsNumber(idx int) bool {
	if l.ptr == nil {
		return false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return C.lua_isnumber(l.ptr, C.int(idx)) != 0
}

func (l *State) IsString(idx int) bool {
	if l.ptr == nil {
		return false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return C.lua_isstring(l.ptr, C.int(idx)) != 0
}

func (l *State) IsNativeFunction(idx int) bool {
	if l.ptr == nil {
		return false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return C.lua_iscfunction(l.ptr, C.int(idx)) != 0
}

func (l *State) IsInteger(idx int) bool {
	if l.ptr == nil {
		return false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return C.lua_isinteger(l.ptr, C.int(idx)) != 0
}

func (l *State) IsUserdata(idx int) bool {
	if l.ptr == nil {
		return false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return C.lua_isuserdata(l.ptr, C.int(idx)) != 0
}

func (l *State) Type(idx int) Type {
	if l.ptr == nil {
		return TypeNone
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return Type(C.lua_type(l.ptr, C.int(idx)))
}

func (l *State) IsFunction(idx int) bool { return l.Type(idx) == TypeFunction }
func (l *State) IsTable(idx int) bool    { return l.Type(idx) == TypeTable }
func (l *State) IsNil(idx int) bool      { return l.Type(idx) == TypeNil }
func (l *State) IsBoolean(idx int) bool  { return l.Type(idx) == TypeBoolean }
func (l *State) IsThread(idx int) bool   { return l.Type(idx) == TypeThread }
func (l *State) IsNone(idx int) bool     { return l.Type(idx) == TypeNone }

func (l *State) IsNoneOrNil(idx int) bool {
	tp := l.Type(idx)
	return tp == TypeNone || tp == TypeNil
}

func (l *State) ToNumber(idx int) (n float64, ok bool) {
	if l.ptr == nil {
		return 0, false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	var isNum C.int
	n = float64(C.lua_tonumberx(l.ptr, C.int(idx), &isNum))
	return n, isNum != 0
}

func (l *State) ToInteger(idx int) (n int64, ok bool) {
	if l.ptr == nil {
		return 0, false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	var isNum C.int
	n = int64(C.lua_tointegerx(l.ptr, C.int(idx), &isNum))
	return n, isNum != 0
}

func (l *State) ToBoolean(idx int) bool {
	if l.ptr == nil {
		return false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return C.lua_toboolean(l.ptr, C.int(idx)) != 0
}

// ToString converts the value at the given index to a string.
// Unlike lua_tolstring, ToString does not convert the stack slot itself:
// converting a number allocates a new interpreter string,
// which must not happen in place during stack traversal.
func (l *State) ToString(idx int) (s string, ok bool) {
	if l.ptr == nil {
		return "", false
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	var len C.size_t
	ptr := C.lua_tolstring(l.ptr, C.int(idx), &len)
	if ptr == nil {
		return "", false
	}
	return C.GoStringN(ptr, C.int(len)), true
}

func (l *State) RawLen(idx int) uint64 {
	if l.ptr == nil {
		return 0
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return uint64(C.lua_rawlen(l.ptr, C.int(idx)))
}

func (l *State) CopyUserdata(dst []byte, idx, start int) int {
	if l.ptr == nil {
		return 0
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return l.copyUserdata(dst, idx, start)
}

func (l *State) copyUserdata(dst []byte, idx, start int) int {
	if start < 0 {
		panic("negative userdata start")
	}
	size := int(C.userdatalen(l.ptr, C.int(idx)))
	if start >= size {
		return 0
	}
	src := unsafe.Slice((*byte)(C.lua_touserdata(l.ptr, C.int(idx))), size)
	return copy(dst, src[start:])
}

func (l *State) ToPointer(idx int) uintptr {
	if l.ptr == nil {
		return 0
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return uintptr(C.lua_topointer(l.ptr, C.int(idx)))
}

func (l *State) RawEqual(idx1, idx2 int) bool {
	if l.ptr == nil {
		return false
	}
	if !l.isAcceptableIndex(idx1) || !l.isAcceptableIndex(idx2) {
		panic("unacceptable index")
	}
	return C.lua_rawequal(l.ptr, C.int(idx1), C.int(idx2)) != 0
}

func (l *State) PushNil() {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushnil(l.ptr)
	l.top++
}

func (l *State) PushNumber(n float64) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushnumber(l.ptr, C.lua_Number(n))
	l.top++
}

func (l *State) PushInteger(n int64) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushinteger(l.ptr, C.lua_Integer(n))
	l.top++
}

// PushString pushes a string without protection.
// The caller must guarantee that the allocation cannot be refused:
// either no memory limit is configured,
// or the limit is temporarily relaxed.
func (l *State) PushString(s string) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.luma_lua_pushstring(l.ptr, s)
	l.top++
}

// PushLString pushes a string under the protected-call mechanism,
// reporting an allocation refusal as an error
// rather than unwinding.
func (l *State) PushLString(s string) error {
	l.init()
	if !l.CheckStack(3) {
		panic("stack overflow")
	}
	ret := C.pushlstring(l.ptr, s)
	l.top++
	if ret != C.LUA_OK {
		return l.popCallError(ret, "push string")
	}
	return nil
}

func (l *State) PushBoolean(b bool) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	i := C.int(0)
	if b {
		i = 1
	}
	C.lua_pushboolean(l.ptr, i)
	l.top++
}

func (l *State) PushLightUserdata(p uintptr) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.pushlightuserdata(l.ptr, C.uintptr_t(p))
	l.top++
}

type Function = func(*State) (int, error)

// ErrErrorObjectOnStack signals to the callback trampoline
// that the value on the top of the stack should be raised
// as the Lua error object,
// instead of the string form of the Go error.
var ErrErrorObjectOnStack = errors.New("lua: error object on top of stack")

func pcall(f Function, l *State) (nResults int, err error) {
	defer func() {
		if v := recover(); v != nil {
			nResults = 0
			switch v := v.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = fmt.Errorf("%v", v)
			}
		}
	}()
	return f(l)
}

func (l *State) PushClosure(n int, f Function) error {
	if f == nil {
		panic("nil Function")
	}
	if n < 0 || n > 254 {
		panic("invalid upvalue count")
	}
	l.checkElems(n)
	l.init()
	if !l.CheckStack(3) {
		panic("stack overflow")
	}
	data := l.data()
	funcID := data.nextID
	if funcID == 0 {
		panic("ID wrap-around")
	}

	ret := C.pushclosure(l.ptr, C.uint64_t(funcID), C.int(n))
	// On success the n upvalues are replaced with the single closure.
	l.top -= n - 1
	if ret != C.LUA_OK {
		return l.popCallError(ret, "push closure")
	}
	data.nextID++
	data.closures[funcID] = f
	return nil
}

func (l *State) Global(name string, msgHandler int) (Type, error) {
	l.init()
	msgHandler = l.checkMessageHandler(msgHandler)
	l.RawIndex(RegistryIndex, RegistryIndexGlobals)
	tp, err := l.Field(-1, name, msgHandler)
	l.Remove(-2) // remove the globals table
	return tp, err
}

func (l *State) Table(idx, msgHandler int) (Type, error) {
	l.checkElems(1)
	if !l.CheckStack(2) { // gettable needs 2 additional stack slots
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	msgHandler = l.checkMessageHandler(msgHandler)
	var tp C.int
	ret := C.gettable(l.ptr, C.int(idx), C.int(msgHandler), &tp)
	if ret != C.LUA_OK {
		return TypeNil, fmt.Errorf("lua: table lookup: %w", l.newError(ret))
	}
	return Type(tp), nil
}

func (l *State) Field(idx int, k string, msgHandler int) (Type, error) {
	l.init()
	if !l.CheckStack(3) { // gettable needs 2 additional stack slots
		panic("stack overflow")
	}
	idx = l.AbsIndex(idx)
	msgHandler = l.checkMessageHandler(msgHandler)
	l.PushString(k)
	var tp C.int
	ret := C.gettable(l.ptr, C.int(idx), C.int(msgHandler), &tp)
	if ret != C.LUA_OK {
		return TypeNil, fmt.Errorf("lua: get field %q: %w", k, l.newError(ret))
	}
	return Type(tp), nil
}

func (l *State) RawGet(idx int) Type {
	l.checkElems(1)
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	tp := Type(C.lua_rawget(l.ptr, C.int(idx)))
	return tp
}

func (l *State) RawIndex(idx int, n int64) Type {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	tp := Type(C.lua_rawgeti(l.ptr, C.int(idx), C.lua_Integer(n)))
	l.top++
	return tp
}

func (l *State) RawField(idx int, k string) Type {
	idx = l.AbsIndex(idx)
	l.PushString(k)
	return l.RawGet(idx)
}

// RawGetp pushes t[p] onto the stack,
// where t is the table at the given index
// and p is an opaque pointer-sized key.
func (l *State) RawGetp(idx int, p uintptr) Type {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	tp := Type(C.rawgetp(l.ptr, C.int(idx), C.uintptr_t(p)))
	l.top++
	return tp
}

// RawSetp performs the equivalent of t[p] = v,
// where t is the table at the given index,
// p is an opaque pointer-sized key,
// and v is the value on the top of the stack.
func (l *State) RawSetp(idx int, p uintptr) {
	l.checkElems(1)
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	C.rawsetp(l.ptr, C.int(idx), C.uintptr_t(p))
	l.top--
}

// CreateTable creates a new empty table
// with room preallocated for nArr sequence elements
// and nRec other elements,
// and pushes it onto the stack.
func (l *State) CreateTable(nArr, nRec int) error {
	l.init()
	if !l.CheckStack(3) {
		panic("stack overflow")
	}
	ret := C.createtable(l.ptr, C.int(nArr), C.int(nRec))
	l.top++
	if ret != C.LUA_OK {
		return l.popCallError(ret, "create table")
	}
	return nil
}

// NewUserdataUV creates a new full userdata of the given size
// with nUValue associated Lua values ("user values")
// and pushes it onto the stack.
// The userdata's bytes are zeroed.
func (l *State) NewUserdataUV(size, nUValue int) error {
	l.init()
	if !l.CheckStack(3) {
		panic("stack overflow")
	}
	if size < 0 {
		panic("negative userdata size")
	}
	ret := C.newuserdata(l.ptr, C.size_t(size), C.int(nUValue))
	l.top++
	if ret != C.LUA_OK {
		return l.popCallError(ret, "new userdata")
	}
	return nil
}

func (l *State) SetUserdata(idx int, start int, src []byte) {
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	l.setUserdata(idx, start, src)
}

func (l *State) setUserdata(idx int, start int, src []byte) {
	if start < 0 {
		panic("negative start")
	}

	size := int(C.userdatalen(l.ptr, C.int(idx)))
	if start+len(src) > size {
		panic("out of userdata bounds")
	}
	if len(src) == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(C.lua_touserdata(l.ptr, C.int(idx))), size)
	copy(dst[start:], src)
}

func (l *State) Metatable(idx int) bool {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	return l.metatable(idx)
}

func (l *State) metatable(idx int) bool {
	ok := C.lua_getmetatable(l.ptr, C.int(idx)) != 0
	if ok {
		l.top++
	}
	return ok
}

func (l *State) UserValue(idx int, n int) Type {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	tp := TypeNone
	if n < 1 {
		C.lua_pushnil(l.ptr)
	} else {
		tp = Type(C.lua_getiuservalue(l.ptr, C.int(idx), C.int(n)))
	}
	l.top++
	return tp
}

func (l *State) SetGlobal(name string, msgHandler int) error {
	l.checkElems(1)
	if msgHandler != 0 {
		msgHandler = l.AbsIndex(msgHandler)
	}
	l.RawIndex(RegistryIndex, RegistryIndexGlobals)
	l.Rotate(-2, 1) // swap globals table with value
	err := l.SetField(-2, name, msgHandler)
	l.Pop(1) // remove the globals table
	return err
}

func (l *State) SetTable(idx, msgHandler int) error {
	l.checkElems(2)
	if !l.CheckStack(2) { // settable needs 2 additional stack slots
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) || msgHandler != 0 && !l.isAcceptableIndex(msgHandler) {
		panic("unacceptable index")
	}
	ret := C.settable(l.ptr, C.int(idx), C.int(msgHandler))
	if ret != C.LUA_OK {
		l.top--
		return fmt.Errorf("lua: set table field: %w", l.newError(ret))
	}
	l.top -= 2
	return nil
}

func (l *State) SetField(idx int, k string, msgHandler int) error {
	l.checkElems(1)
	if !l.CheckStack(3) { // settable needs 2 additional stack slots
		panic("stack overflow")
	}

	idx = l.AbsIndex(idx)
	if msgHandler != 0 {
		msgHandler = l.AbsIndex(msgHandler)
	}

	l.PushString(k)
	l.Rotate(-2, 1)
	ret := C.settable(l.ptr, C.int(idx), C.int(msgHandler))
	if ret != C.LUA_OK {
		l.top--
		return fmt.Errorf("lua: set field %q: %w", k, l.newError(ret))
	}
	l.top -= 2
	return nil
}

// RawSet performs the equivalent of t[k] = v without metamethods,
// where t is the table at the given index,
// k is the value just below the top,
// and v is the value on the top of the stack.
// The assignment is unprotected:
// the caller must guarantee that growing the table cannot be refused
// by the accounting allocator.
func (l *State) RawSet(idx int) {
	l.checkElems(2)
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	C.lua_rawset(l.ptr, C.int(idx))
	l.top -= 2
}

// RawSetProtected is RawSet under the protected-call mechanism,
// for assignments that may grow the table
// while a memory limit is enforced.
func (l *State) RawSetProtected(idx int) error {
	l.checkElems(2)
	if !l.CheckStack(2) {
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	ret := C.rawset(l.ptr, C.int(idx))
	if ret != C.LUA_OK {
		l.top--
		return l.popCallError(ret, "raw set")
	}
	l.top -= 2
	return nil
}

func (l *State) RawSetIndex(idx int, n int64) {
	l.checkElems(1)
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	C.lua_rawseti(l.ptr, C.int(idx), C.lua_Integer(n))
	l.top--
}

func (l *State) RawSetField(idx int, k string) {
	idx = l.AbsIndex(idx)
	l.PushString(k)
	l.Rotate(-2, 1)
	l.RawSet(idx)
}

func (l *State) SetMetatable(objIndex int) {
	l.checkElems(1)
	if !l.isAcceptableIndex(objIndex) {
		panic("unacceptable index")
	}
	C.lua_setmetatable(l.ptr, C.int(objIndex))
	l.top--
}

func (l *State) SetUserValue(idx int, n int) bool {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	if n < 1 {
		l.Pop(1)
		return false
	}
	ok := C.lua_setiuservalue(l.ptr, C.int(idx), C.int(n)) != 0
	l.top--
	return ok
}

func (l *State) Call(nArgs, nResults, msgHandler int) error {
	if nArgs < 0 {
		panic("negative arguments")
	}
	toPop := 1 + nArgs
	l.checkElems(toPop)
	newTop := -1
	if nResults != MultipleReturns {
		if nResults < 0 {
			panic("negative results")
		}
		newTop = l.top - toPop + nResults
		if newTop > l.cap {
			panic("stack overflow")
		}
	}
	msgHandler = l.checkMessageHandler(msgHandler)

	ret := C.lua_pcallk(l.ptr, C.int(nArgs), C.int(nResults), C.int(msgHandler), 0, nil)
	if ret != C.LUA_OK {
		l.top -= toPop - 1
		return l.newError(ret)
	}
	if newTop >= 0 {
		l.top = newTop
	} else {
		l.top = int(C.lua_gettop(l.ptr))
		l.cap = max(l.cap, l.top)
	}
	return nil
}

const MultipleReturns int = C.LUA_MULTRET

// Traceback returns a textual traceback of the thread's call stack.
// ok is false if there was not enough memory to build the traceback.
func (l *State) Traceback() (s string, ok bool) {
	l.init()
	if !l.CheckStack(3) {
		return "", false
	}
	ret := C.traceback(l.ptr)
	l.top++
	if ret != C.LUA_OK {
		l.Pop(1)
		return "", false
	}
	s, _ = l.ToString(-1)
	l.Pop(1)
	return s, true
}

// PushMessageHandler pushes a message handler function onto the stack
// for use with Call or Resume.
// The handler appends a Lua traceback to string-convertible error objects.
// Error objects whose metatable was registered
// with SetOpaqueErrorMetatable pass through unchanged.
func (l *State) PushMessageHandler() {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.pushmessagehandler(l.ptr)
	l.top++
}

// SetOpaqueErrorMetatable pops a metatable from the top of the stack
// and registers it as the marker for opaque error objects:
// the message handler returns such error objects unchanged
// instead of converting them to strings or appending tracebacks.
func (l *State) SetOpaqueErrorMetatable() {
	l.checkElems(1)
	if l.Type(-1) != TypeTable {
		panic("opaque error metatable must be a table")
	}
	C.setopaqueerrormetatable(l.ptr)
	l.top--
}

// PushOpaqueErrorMetatable pushes the metatable registered with
// SetOpaqueErrorMetatable, or nil if none has been registered.
func (l *State) PushOpaqueErrorMetatable() Type {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	tp := Type(C.pushopaqueerrormetatable(l.ptr))
	l.top++
	return tp
}

func (l *State) Load(r io.Reader, chunkName string, mode string) error {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}

	modeC, err := loadMode(mode)
	if err != nil {
		l.PushString(err.Error())
		return fmt.Errorf("lua: load %s: %v", formatChunkName(chunkName), err)
	}

	rr := newReader(r)
	defer rr.free()
	handle := cgo.NewHandle(rr)
	defer handle.Delete()

	chunkNameC := C.CString(chunkName)
	defer C.free(unsafe.Pointer(chunkNameC))

	ret := C.lua_load(l.ptr, C.lua_Reader(C.luma_lua_reader), unsafe.Pointer(&handle), chunkNameC, modeC)
	l.top++
	if ret != C.LUA_OK {
		return fmt.Errorf("lua: load %s: %w", formatChunkName(chunkName), l.newError(ret))
	}
	return nil
}

func (l *State) LoadString(s string, chunkName string, mode string) error {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}

	modeC, err := loadMode(mode)
	if err != nil {
		l.PushString(err.Error())
		return fmt.Errorf("lua: load %s: %v", formatChunkName(chunkName), err)
	}

	chunkNameC := C.CString(chunkName)
	defer C.free(unsafe.Pointer(chunkNameC))

	ret := C.loadstring(l.ptr, s, chunkNameC, modeC)
	l.top++
	if ret != C.LUA_OK {
		return fmt.Errorf("lua: load %s: %w", formatChunkName(chunkName), l.newError(ret))
	}
	return nil
}

func formatChunkName(chunkName string) string {
	if len(chunkName) == 0 || (chunkName[0] != '@' && chunkName[0] != '=') {
		return "(string)"
	}
	return chunkName[1:]
}

func loadMode(mode string) (*C.char, error) {
	const modeCStrings = "bt\x00t\x00b\x00"
	switch mode {
	case "bt":
		return (*C.char)(unsafe.Pointer(unsafe.StringData(modeCStrings))), nil
	case "t":
		return (*C.char)(unsafe.Pointer(unsafe.StringData(modeCStrings[3:]))), nil
	case "b":
		return (*C.char)(unsafe.Pointer(unsafe.StringData(modeCStrings[5:]))), nil
	default:
		return nil, fmt.Errorf("unknown load mode %q", mode)
	}
}

func (l *State) Dump(w io.Writer, strip bool) (int64, error) {
	l.checkElems(1)
	state := &writerState{w: cgo.NewHandle(w)}
	defer state.w.Delete()
	stripInt := C.int(0)
	if strip {
		stripInt = 1
	}
	ret := C.lua_dump(l.ptr, C.lua_Writer(C.luma_lua_writercb), unsafe.Pointer(state), stripInt)
	var err error
	switch {
	case state.err != 0:
		err = fmt.Errorf("lua: dump function: %w", state.err.Value().(error))
		state.err.Delete()
	case ret != 0:
		err = fmt.Errorf("lua: dump function: not a function")
	}
	return state.n, err
}

// NewThread creates a new coroutine state,
// pushes the thread object on the stack,
// and returns a State for manipulating the coroutine's own stack.
// The coroutine shares all global state with l
// but has an independent execution stack.
// Closing the returned State is not permitted:
// its lifetime is controlled by the Lua garbage collector
// through the pushed thread object.
func (l *State) NewThread() (*State, error) {
	l.init()
	if !l.CheckStack(2) {
		panic("stack overflow")
	}
	ret := C.newthread(l.ptr)
	l.top++
	if ret != C.LUA_OK {
		return nil, l.popCallError(ret, "new thread")
	}
	ptr := C.lua_tothread(l.ptr, -1)
	return &State{
		ptr: ptr,
		top: 0,
		cap: C.LUA_MINSTACK,
	}, nil
}

// Is reports whether l and other manipulate the same coroutine stack.
func (l *State) Is(other *State) bool {
	return other != nil && l.ptr == other.ptr
}

// ToThread returns a State for the coroutine at the given index.
func (l *State) ToThread(idx int) *State {
	if l.ptr == nil {
		return nil
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	ptr := C.lua_tothread(l.ptr, C.int(idx))
	if ptr == nil {
		return nil
	}
	co := &State{ptr: ptr}
	co.top = int(C.lua_gettop(ptr))
	co.cap = co.top + C.LUA_MINSTACK
	return co
}

// Resume starts or continues the coroutine.
// To start a coroutine,
// push the function and its arguments onto the coroutine's stack,
// then call Resume with the number of arguments.
// On Ok or Yield returns, the stack holds the returned or yielded values
// and nResults reports their number.
// On error returns, the error object is on the top of the stack.
func (l *State) Resume(from *State, nArgs int) (nResults int, code int) {
	if nArgs < 0 {
		panic("negative arguments")
	}
	l.init()
	l.checkElems(nArgs)
	var fromPtr *C.lua_State
	if from != nil {
		fromPtr = from.ptr
	}
	var nres C.int
	ret := C.lua_resume(l.ptr, fromPtr, C.int(nArgs), &nres)
	l.top = int(C.lua_gettop(l.ptr))
	l.cap = max(l.cap, l.top)
	switch ret {
	case C.LUA_OK, C.LUA_YIELD:
		return int(nres), int(ret)
	default:
		return 0, int(ret)
	}
}

// Status returns the status of the coroutine:
// Ok for a coroutine that can start or has finished normally,
// Yield for a suspended coroutine,
// or an error code if the coroutine finished with an error.
func (l *State) Status() int {
	if l.ptr == nil {
		return Ok
	}
	return int(C.lua_status(l.ptr))
}

// IsYieldable reports whether the coroutine can yield.
func (l *State) IsYieldable() bool {
	if l.ptr == nil {
		return false
	}
	return C.lua_isyieldable(l.ptr) != 0
}

// ResetThread resets the coroutine to its initial state,
// closing any pending to-be-closed variables.
// It returns Ok on success;
// on failure the error object is left on the top of the stack.
func (l *State) ResetThread() int {
	l.init()
	ret := C.lua_resetthread(l.ptr)
	l.top = int(C.lua_gettop(l.ptr))
	return int(ret)
}

// XMove exchanges values between the stacks of two coroutines
// belonging to the same interpreter:
// it pops n values from l's stack and pushes them onto to's stack.
func (l *State) XMove(to *State, n int) {
	if n < 0 {
		panic("negative value count")
	}
	if n == 0 {
		return
	}
	l.checkElems(n)
	if l == to || l.ptr == to.ptr {
		return
	}
	if !to.CheckStack(n) {
		panic("stack overflow")
	}
	C.lua_xmove(l.ptr, to.ptr, C.int(n))
	l.top -= n
	to.top += n
}

// Ref pops the value from the top of the stack,
// stores it into the registry,
// and returns a unique integer key ("reference")
// for retrieving it with RawIndex.
// Ref returns RefNil for a nil value.
func (l *State) Ref() (int, error) {
	l.checkElems(1)
	if !l.CheckStack(2) {
		panic("stack overflow")
	}
	var ref C.int
	ret := C.registryref(l.ptr, &ref)
	if ret != C.LUA_OK {
		// The value was replaced by the error object.
		return NoRef, l.popCallError(ret, "registry ref")
	}
	l.top--
	return int(ref), nil
}

// Unref releases a reference returned by Ref,
// so that the referred value can be collected
// and ref may be returned by a later call to Ref.
func (l *State) Unref(ref int) {
	if l.ptr == nil || ref == RefNil || ref == NoRef {
		return
	}
	C.luaL_unref(l.ptr, C.int(RegistryIndex), C.int(ref))
}

func (l *State) GC() {
	l.init()
	C.gcniladic(l.ptr, C.LUA_GCCOLLECT)
}

func (l *State) GCStop() {
	l.init()
	C.gcniladic(l.ptr, C.LUA_GCSTOP)
}

func (l *State) GCRestart() {
	l.init()
	C.gcniladic(l.ptr, C.LUA_GCRESTART)
}

func (l *State) GCCount() int64 {
	l.init()
	kb := int64(C.gcniladic(l.ptr, C.LUA_GCCOUNT))
	b := int64(C.gcniladic(l.ptr, C.LUA_GCCOUNTB))
	return kb<<10 | b
}

func (l *State) GCStep(stepSize int) {
	l.init()
	C.gcstep(l.ptr, C.int(stepSize))
}

func (l *State) IsGCRunning() bool {
	l.init()
	return C.gcniladic(l.ptr, C.LUA_GCISRUNNING) != 0
}

func (l *State) GCIncremental(pause, stepMul, stepSize int) {
	l.init()
	C.gcinc(l.ptr, C.int(pause), C.int(stepMul), C.int(stepSize))
}

func (l *State) GCGenerational(minorMul, majorMul int) {
	l.init()
	C.gcgen(l.ptr, C.int(minorMul), C.int(majorMul))
}

// UsedMemory returns the number of bytes of memory
// currently allocated through the state's accounting allocator.
// ok is false if the state was adopted with OpenFromPtr
// and its allocator is not managed by this package.
func (l *State) UsedMemory() (n uint64, ok bool) {
	if l.ptr == nil {
		return 0, true
	}
	mem := l.data().alloc
	if mem == nil {
		return 0, false
	}
	return uint64(mem.used), true
}

// MemoryLimit returns the state's allocation limit in bytes.
// Zero means unlimited.
func (l *State) MemoryLimit() (n uint64, ok bool) {
	if l.ptr == nil {
		return 0, true
	}
	mem := l.data().alloc
	if mem == nil {
		return 0, false
	}
	return uint64(mem.limit), true
}

// SetMemoryLimit sets the state's allocation limit in bytes
// and returns the previous limit.
// Zero means unlimited.
func (l *State) SetMemoryLimit(n uint64) (old uint64, ok bool) {
	l.init()
	mem := l.data().alloc
	if mem == nil {
		return 0, false
	}
	old = uint64(mem.limit)
	mem.limit = C.size_t(n)
	return old, true
}

// RelaxMemoryLimit adjusts a counter suspending enforcement
// of the allocation limit.
// While the counter is positive,
// allocations are still counted but never refused.
// Calls with relax=true and relax=false must be paired.
func (l *State) RelaxMemoryLimit(relax bool) (ok bool) {
	l.init()
	mem := l.data().alloc
	if mem == nil {
		return false
	}
	if relax {
		mem.ignore_limit++
	} else if mem.ignore_limit > 0 {
		mem.ignore_limit--
	}
	return true
}

// MemoryLimitReached reports whether an allocation has been refused
// because of the limit since the last call to ResetMemoryLimitReached.
func (l *State) MemoryLimitReached() bool {
	if l.ptr == nil {
		return false
	}
	mem := l.data().alloc
	return mem != nil && mem.limit_reached != 0
}

// ResetMemoryLimitReached clears the limit-reached flag.
func (l *State) ResetMemoryLimitReached() {
	if l.ptr == nil {
		return
	}
	if mem := l.data().alloc; mem != nil {
		mem.limit_reached = 0
	}
}

func (l *State) Next(idx int) bool {
	l.checkElems(1)
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	ok := C.lua_next(l.ptr, C.int(idx)) != 0
	if ok {
		l.top++
	} else {
		l.top--
	}
	return ok
}

// NextProtected is Next under the protected-call mechanism.
// lua_next raises an error when it is given an invalid key,
// such as a key removed from the table during traversal.
func (l *State) NextProtected(idx int) (ok bool, err error) {
	l.checkElems(1)
	if !l.CheckStack(3) {
		panic("stack overflow")
	}
	if !l.isAcceptableIndex(idx) {
		panic("unacceptable index")
	}
	var has C.int
	ret := C.protectednext(l.ptr, C.int(idx), &has)
	l.top = int(C.lua_gettop(l.ptr))
	if ret != C.LUA_OK {
		return false, l.popCallError(ret, "next")
	}
	return has != 0, nil
}

func (l *State) Concat(n int, msgHandler int) error {
	l.init()
	msgHandler = l.checkMessageHandler(msgHandler)

	if n == 0 {
		l.PushString("")
		return nil
	}

	l.checkElems(n)
	C.pushconcatfunction(l.ptr)
	l.top++
	l.Insert(-(n + 1))
	if err := l.Call(n, 1, msgHandler); err != nil {
		return fmt.Errorf("lua: concat: %w", err)
	}
	return nil
}

func (l *State) Len(idx int, msgHandler int) error {
	l.init()
	idx = l.AbsIndex(idx)
	msgHandler = l.checkMessageHandler(msgHandler)
	C.pushlenfunction(l.ptr)
	l.top++
	l.PushValue(idx)
	if err := l.Call(1, 1, msgHandler); err != nil {
		return fmt.Errorf("lua: length: %w", err)
	}
	return nil
}

// ComparisonOperator is an operator that can be used with [State.Compare].
type ComparisonOperator int

// Comparison operators.
const (
	Equal       ComparisonOperator = C.LUA_OPEQ
	Less        ComparisonOperator = C.LUA_OPLT
	LessOrEqual ComparisonOperator = C.LUA_OPLE
)

// String returns the operator's Lua notation.
func (op ComparisonOperator) String() string {
	switch op {
	case Equal:
		return "=="
	case Less:
		return "<"
	case LessOrEqual:
		return "<="
	default:
		return fmt.Sprintf("ComparisonOperator(%d)", int(op))
	}
}

// Compare compares the values at the two given indices with op,
// following the semantics of the corresponding Lua operator
// and consulting the __eq, __lt, and __le metamethods.
// If an error is raised, the error object is left on the stack.
func (l *State) Compare(idx1, idx2 int, op ComparisonOperator, msgHandler int) (bool, error) {
	l.init()
	idx1 = l.AbsIndex(idx1)
	idx2 = l.AbsIndex(idx2)
	msgHandler = l.checkMessageHandler(msgHandler)
	C.pushcomparefunction(l.ptr)
	l.top++
	l.PushValue(idx1)
	l.PushValue(idx2)
	l.PushInteger(int64(op))
	if err := l.Call(3, 1, msgHandler); err != nil {
		return false, fmt.Errorf("lua: compare: %w", err)
	}
	result := l.ToBoolean(-1)
	l.Pop(1)
	return result, nil
}

// ToStringMeta converts the value at the given index to a string
// in the manner of the Lua tostring builtin,
// honoring the __tostring metamethod and the __name metafield.
// On success, the resulting string is pushed onto the stack and returned.
// If an error is raised, the error object is left on the stack.
func (l *State) ToStringMeta(idx int, msgHandler int) (string, error) {
	l.init()
	idx = l.AbsIndex(idx)
	msgHandler = l.checkMessageHandler(msgHandler)
	C.pushtostringfunction(l.ptr)
	l.top++
	l.PushValue(idx)
	if err := l.Call(1, 1, msgHandler); err != nil {
		return "", fmt.Errorf("lua: tostring: %w", err)
	}
	s, _ := l.ToString(-1)
	return s, nil
}

const (
	GName = C.LUA_GNAME

	CoroutineLibraryName = C.LUA_COLIBNAME
	TableLibraryName     = C.LUA_TABLIBNAME
	IOLibraryName        = C.LUA_IOLIBNAME
	OSLibraryName        = C.LUA_OSLIBNAME
	StringLibraryName    = C.LUA_STRLIBNAME
	UTF8LibraryName      = C.LUA_UTF8LIBNAME
	MathLibraryName      = C.LUA_MATHLIBNAME
	DebugLibraryName     = C.LUA_DBLIBNAME
	PackageLibraryName   = C.LUA_LOADLIBNAME
)

func PushOpenBase(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_base), 0)
	l.top++
}

func PushOpenCoroutine(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_coroutine), 0)
	l.top++
}

func PushOpenTable(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_table), 0)
	l.top++
}

func PushOpenIO(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_io), 0)
	l.top++
}

func PushOpenOS(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_os), 0)
	l.top++
}

func PushOpenString(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_string), 0)
	l.top++
}

func PushOpenUTF8(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_utf8), 0)
	l.top++
}

func PushOpenMath(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_math), 0)
	l.top++
}

func PushOpenDebug(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_debug), 0)
	l.top++
}

func PushOpenPackage(l *State) {
	l.init()
	if l.top >= l.cap {
		panic("stack overflow")
	}
	C.lua_pushcclosure(l.ptr, C.lua_CFunction(C.luaopen_package), 0)
	l.top++
}

const readerBufferSize = 4096

type reader struct {
	r   io.Reader
	buf *C.char
}

func newReader(r io.Reader) *reader {
	return &reader{
		r:   r,
		buf: (*C.char)(C.calloc(readerBufferSize, C.size_t(unsafe.Sizeof(C.char(0))))),
	}
}

func (r *reader) free() {
	if r.buf != nil {
		C.free(unsafe.Pointer(r.buf))
		r.buf = nil
	}
}

func copyUint64(l *State, idx int) uint64 {
	var buf [8]byte
	l.copyUserdata(buf[:], idx, 0)
	var x uint64
	for i, b := range buf {
		x |= uint64(b) << (i * 8)
	}
	return x
}

func setUint64(l *State, idx int, x uint64) {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(x >> (i * 8))
	}
	l.setUserdata(idx, 0, buf[:])
}

// NewMetatable is the auxlib NewMetatable function.
func NewMetatable(l *State, tname string) (bool, error) {
	if Metatable(l, tname) != TypeNil {
		// Name already in use.
		return false, nil
	}
	l.Pop(1)
	if err := l.CreateTable(0, 2); err != nil {
		return false, err
	}
	l.PushString(tname)
	l.RawSetField(-2, "__name") // metatable.__name = tname
	l.PushValue(-1)
	l.RawSetField(RegistryIndex, tname)
	return true, nil
}

// Metatable is the auxlib Metatable function.
func Metatable(l *State, tname string) Type {
	return l.RawField(RegistryIndex, tname)
}

func isPseudo(i int) bool {
	return i <= RegistryIndex
}

const goClosureUpvalueIndex = C.LUA_REGISTRYINDEX - 1

func UpvalueIndex(i int) int {
	if i < 1 || i > 255 {
		panic("invalid upvalue index")
	}
	return C.LUA_REGISTRYINDEX - (i + 1)
}

type luaError struct {
	code C.int
	msg  string
}

func (l *State) newError(code C.int) error {
	e := &luaError{code: code}
	e.msg, _ = l.ToString(-1)
	return e
}

// popCallError converts the error object on the top of the stack
// into an error and pops it.
func (l *State) popCallError(code C.int, op string) error {
	err := l.newError(code)
	l.Pop(1)
	return fmt.Errorf("lua: %s: %w", op, err)
}

func (e *luaError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	switch e.code {
	case C.LUA_ERRRUN:
		return "runtime error"
	case C.LUA_ERRMEM:
		return "memory allocation error"
	case C.LUA_ERRERR:
		return "error while running message handler"
	case C.LUA_ERRSYNTAX:
		return "syntax error"
	case C.LUA_YIELD:
		return "coroutine yield"
	default:
		return "unknown error"
	}
}

const (
	Ok        int = C.LUA_OK
	Yield     int = C.LUA_YIELD
	ErrRun    int = C.LUA_ERRRUN
	ErrMem    int = C.LUA_ERRMEM
	ErrErr    int = C.LUA_ERRERR
	ErrSyntax int = C.LUA_ERRSYNTAX
)

func AsError(err error) (code int, ok bool) {
	if err == nil {
		return C.LUA_OK, true
	}
	var e *luaError
	if !errors.As(err, &e) {
		return 0, false
	}
	return int(e.code), true
}

// ErrorMessage returns the message of the Lua error object
// that produced err, if err originated from this package.
func ErrorMessage(err error) (msg string, ok bool) {
	var e *luaError
	if !errors.As(err, &e) {
		return "", false
	}
	return e.msg, true
}
