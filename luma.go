// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

// Package luma embeds the Lua 5.4 interpreter into Go programs.
//
// The package wraps the raw interpreter in a handle-based API:
// Lua values are held through reference objects
// ([Table], [String], [Function], [Thread], [AnyUserData])
// that pin the value in the interpreter
// until the handle is garbage collected or the VM is closed.
// Host functions, userdata types, and coroutines
// are exposed through [Lua] methods.
//
// A Lua and every handle derived from it
// are confined to a single goroutine at a time:
// none of the methods in this package are safe for concurrent use
// unless documented otherwise.
// Handles may be dropped on any goroutine;
// their interpreter references are reclaimed
// on the next interaction with the VM.
package luma

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	lua "luma.256lights.llc/pkg/internal/lua54"
	"luma.256lights.llc/pkg/internal/pool"
)

// Options configures the behavior of a Lua created by [NewWith] or
// [NewUnsafeWith].
type Options struct {
	// PanicsAsErrors reports Go panics inside host callbacks
	// as CallbackError values to the running script
	// instead of resuming the panic on the host side.
	PanicsAsErrors bool

	// ThreadPoolSize is the number of spent coroutine states
	// cached for reuse by async function calls.
	// Zero selects a small default.
	ThreadPoolSize int
}

const (
	defaultThreadPoolSize = 16
	valuesPoolSize        = 8
)

// LuaRelease identifies the embedded interpreter release,
// in the form "Lua 5.4.8".
const LuaRelease = lua.Release

// Lua is a handle to an embedded Lua 5.4 interpreter.
//
// The zero value is not usable; create one with [New], [NewWith],
// [NewUnsafe], [NewUnsafeWith], or [InitFromPtr].
type Lua struct {
	main  *lua.State
	state *lua.State // state of the current interaction, main or a running coroutine

	safe           bool
	adopted        bool
	panicsAsErrors bool
	closed         bool
	libs           StdLib
	rawPtr         unsafe.Pointer
	cleanup        runtime.Cleanup

	refs        refThread
	pendingRefs *pendingList // reference slots queued for reuse by handle cleanups
	pendingReg  *pendingList // registry slots queued for reuse by RegistryKey cleanups

	failures    map[uint64]*failureCell
	failureNext uint64
	failurePool *pool.Ring[reservedFailure] // pre-allocated error capsules

	types    map[typeKey]*typeInfo
	mtCache  map[uintptr]*typeInfo
	lastMT   uintptr
	lastInfo *typeInfo

	cells    map[uint64]*userdataCell
	cellNext uint64

	destructedRef int     // reference slot of the shared destructed-value metatable
	destructedPtr uintptr // its table pointer, for recognizing destructed objects

	appData map[any]any

	hookFn func(*Lua, *DebugEvent) error
	warnFn func(*Lua, string, bool)

	valuesPool *pool.Ring[Values] // argument containers recycled across callbacks
	threadPool *pool.Ring[pooledThread]

	asyncFactory int // reference slot of the compiled polling driver, 0 until first use
	pendingAwait Awaitable
}

// pendingList collects interpreter bookkeeping work
// queued from garbage-collection cleanups,
// which may run on any goroutine.
type pendingList struct {
	mu   sync.Mutex
	list []int
}

func (p *pendingList) add(x int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list = append(p.list, x)
}

func (p *pendingList) drain() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.list
	p.list = nil
	return list
}

// New creates a Lua with the safe standard libraries loaded
// and default options.
func New() *Lua {
	l, err := NewWith(LibAllSafe, Options{})
	if err != nil {
		panic(err)
	}
	return l
}

// NewWith creates a Lua in safe mode
// with the requested standard libraries loaded.
// Safe mode refuses to load binary chunks and the debug library,
// and prevents scripts from catching host panics.
func NewWith(libs StdLib, opts Options) (*Lua, error) {
	if libs&LibDebug != 0 {
		return nil, &SafetyError{Message: "the debug library is unsafe"}
	}
	return newLua(libs, opts, true)
}

// NewUnsafe creates a Lua with all standard libraries loaded,
// including the debug library,
// and with binary chunk loading permitted.
func NewUnsafe() *Lua {
	l, err := NewUnsafeWith(LibAll, Options{})
	if err != nil {
		panic(err)
	}
	return l
}

// NewUnsafeWith creates a Lua in unsafe mode
// with the requested standard libraries loaded.
func NewUnsafeWith(libs StdLib, opts Options) (*Lua, error) {
	return newLua(libs, opts, false)
}

func newLua(libs StdLib, opts Options, safe bool) (*Lua, error) {
	threads := opts.ThreadPoolSize
	if threads <= 0 {
		threads = defaultThreadPoolSize
	}
	l := &Lua{
		safe:           safe,
		panicsAsErrors: opts.PanicsAsErrors,
		libs:           libs,
		pendingRefs:    new(pendingList),
		pendingReg:     new(pendingList),
		failures:       make(map[uint64]*failureCell),
		failureNext:    1,
		failurePool:    pool.NewRing[reservedFailure](failurePoolSize),
		types:          make(map[typeKey]*typeInfo),
		mtCache:        make(map[uintptr]*typeInfo),
		cells:          make(map[uint64]*userdataCell),
		cellNext:       1,
		appData:        make(map[any]any),
		valuesPool:     pool.NewRing[Values](valuesPoolSize),
		threadPool:     pool.NewRing[pooledThread](threads),
	}
	l.main = new(lua.State)
	l.state = l.main

	if err := l.setup(); err != nil {
		l.main.Close()
		return nil, err
	}
	l.cleanup = runtime.AddCleanup(l, releaseState, l.main)
	return l, nil
}

// setup initializes the interpreter-side bookkeeping
// shared by owned and adopted states.
func (l *Lua) setup() error {
	if err := l.refs.init(l.main); err != nil {
		return fmt.Errorf("luma: initialize reference thread: %w", err)
	}
	if err := l.initFailureHandling(); err != nil {
		return fmt.Errorf("luma: initialize error handling: %w", err)
	}
	if err := l.initDestructedMetatable(); err != nil {
		return fmt.Errorf("luma: initialize userdata support: %w", err)
	}
	if err := l.openLibraries(l.libs); err != nil {
		return err
	}
	return nil
}

func releaseState(main *lua.State) {
	main.Close()
}

// adoptedStates maps a raw lua_State pointer
// to the Lua previously created for it by InitFromPtr.
var adoptedStates sync.Map // unsafe.Pointer -> *Lua

// InitFromPtr adopts an existing lua_State created by foreign code.
//
// The adopted interpreter is treated as unsafe mode
// and no standard libraries are loaded into it;
// the embedder controls which libraries exist.
// Calling InitFromPtr again with the same pointer
// returns the same Lua until it is closed.
// Closing the returned Lua releases this package's bookkeeping
// but leaves the underlying lua_State alive.
//
// InitFromPtr panics if the interpreter-side bookkeeping
// cannot be allocated.
func InitFromPtr(ptr unsafe.Pointer) *Lua {
	if existing, ok := adoptedStates.Load(ptr); ok {
		if l := existing.(*Lua); !l.closed {
			return l
		}
	}
	l := &Lua{
		adopted:     true,
		rawPtr:      ptr,
		pendingRefs: new(pendingList),
		pendingReg:  new(pendingList),
		failures:    make(map[uint64]*failureCell),
		failureNext: 1,
		failurePool: pool.NewRing[reservedFailure](failurePoolSize),
		types:       make(map[typeKey]*typeInfo),
		mtCache:     make(map[uintptr]*typeInfo),
		cells:       make(map[uint64]*userdataCell),
		cellNext:    1,
		appData:     make(map[any]any),
		valuesPool:  pool.NewRing[Values](valuesPoolSize),
		threadPool:  pool.NewRing[pooledThread](defaultThreadPoolSize),
	}
	l.main = lua.OpenFromPtr(ptr)
	l.state = l.main

	if err := l.refs.init(l.main); err != nil {
		l.main.Detach()
		panic(fmt.Sprintf("luma: initialize reference thread: %v", err))
	}
	if err := l.initFailureHandling(); err != nil {
		l.main.Detach()
		panic(fmt.Sprintf("luma: initialize error handling: %v", err))
	}
	if err := l.initDestructedMetatable(); err != nil {
		l.main.Detach()
		panic(fmt.Sprintf("luma: initialize userdata support: %v", err))
	}
	adoptedStates.Store(ptr, l)
	return l
}

// Close releases the interpreter and all handles derived from it.
// For a Lua created by [InitFromPtr],
// Close detaches this package's bookkeeping
// but does not destroy the underlying lua_State.
// Close is idempotent.
func (l *Lua) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.cleanup.Stop()
	if l.adopted {
		// The embedder's lua_State outlives this handle.
		// Any adapters still installed would fire into freed bookkeeping.
		if l.hookFn != nil {
			l.main.SetHook(nil, 0, 0)
		}
		if l.warnFn != nil {
			l.main.SetWarnFunc(nil)
		}
		l.refs.release(l.main)
		adoptedStates.Delete(l.rawPtr)
		l.main.Detach()
		return nil
	}
	return l.main.Close()
}

// enter checks that the VM is usable
// and performs deferred reference reclamation
// queued by handle garbage collection.
func (l *Lua) enter() error {
	if l.closed {
		return ErrClosed
	}
	for _, idx := range l.pendingRefs.drain() {
		l.refs.drop(idx)
	}
	for _, ref := range l.pendingReg.drain() {
		l.main.Unref(ref)
	}
	return nil
}

// Globals returns the table of global variables.
func (l *Lua) Globals() *Table {
	if err := l.enter(); err != nil {
		panic(err)
	}
	l.state.RawIndex(lua.RegistryIndex, lua.RegistryIndexGlobals)
	return l.newTableRef(l.popRef())
}

// CreateTable creates a new empty table.
func (l *Lua) CreateTable() (*Table, error) {
	return l.CreateTableWithCapacity(0, 0)
}

// CreateTableWithCapacity creates a new empty table
// with room preallocated for nArr sequence elements
// and nRec other elements.
func (l *Lua) CreateTableWithCapacity(nArr, nRec int) (*Table, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	if err := l.state.CreateTable(nArr, nRec); err != nil {
		return nil, l.apiError(err)
	}
	return l.newTableRef(l.popRef()), nil
}

// CreateString creates a Lua string holding a copy of s
// and returns a handle to it.
// The string may contain arbitrary bytes, including zero bytes.
func (l *Lua) CreateString(s string) (*String, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	if err := l.state.PushLString(s); err != nil {
		return nil, l.apiError(err)
	}
	return l.newStringRef(l.popRef()), nil
}

// apiError converts a low-level interpreter error
// into the package's error taxonomy.
// It is used on paths that run no script code,
// where the error object can only originate from the interpreter itself.
func (l *Lua) apiError(err error) error {
	if err == nil {
		return nil
	}
	msg, _ := lua.ErrorMessage(err)
	if msg == "" {
		msg = err.Error()
	}
	code, _ := lua.AsError(err)
	switch code {
	case lua.ErrMem:
		return &MemoryError{Message: msg}
	case lua.ErrSyntax:
		return &SyntaxError{
			Message:         msg,
			IncompleteInput: strings.HasSuffix(msg, "<eof>"),
		}
	case lua.ErrErr:
		return &RuntimeError{Message: "error in error handling"}
	default:
		return &RuntimeError{Message: msg}
	}
}
