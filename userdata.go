// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// typeKey identifies a registered userdata type by its Go type.
type typeKey = reflect.Type

// typeInfo is the per-type registration record.
// The metatable handle pins the metatable
// for as long as the type stays registered.
// parts is kept so scopes can build private metatables
// with the same methods.
type typeInfo struct {
	goType    reflect.Type
	name      string
	mt        *Table
	mtPtr     uintptr
	parts     *builderParts
	finalizer func(any)
}

// A userdataCell is the Go side of a userdata value.
// The VM-side userdata block holds only the cell's id;
// the value itself never enters C memory.
type userdataCell struct {
	value      any // *T for the registered T
	info       *typeInfo
	borrow     int // 0 unlocked, +n shared, -1 exclusive
	destructed bool
}

// AnyUserData is a handle to a full userdata value.
// Typed access goes through [Borrow], [BorrowMut], and [Take].
type AnyUserData struct {
	ref
}

func (l *Lua) newAnyUserDataRef(idx int) *AnyUserData {
	u := &AnyUserData{ref: ref{l: l, idx: idx}}
	u.cleanup = runtime.AddCleanup(u, queueUnref, refCleanup{l.pendingRefs, idx})
	return u
}

func (*AnyUserData) valueType() Type { return TypeUserdata }

// builderParts is the type-erased half of a TypeBuilder:
// every entry is already wrapped into a borrow-taking [Func].
type builderParts struct {
	name     string
	methods  map[string]Func
	metas    map[string]Func
	getters  map[string]Func
	setters  map[string]Func
	index    Func
	newIndex Func
}

// A TypeBuilder collects the methods and metamethods of a userdata type
// during [RegisterType].
type TypeBuilder[T any] struct {
	parts     builderParts
	finalizer func(T)
	err       error
}

func (b *TypeBuilder[T]) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// AddMethod registers a method callable as value:name(...).
// The receiver is borrowed shared for the duration of the call.
func (b *TypeBuilder[T]) AddMethod(name string, m func(l *Lua, self T, args Values) (Values, error)) {
	b.parts.methods[name] = func(l *Lua, args Values) (Values, error) {
		g, rest, err := borrowSelf[T](args)
		if err != nil {
			return nil, err
		}
		defer g.Close()
		return m(l, g.Value(), rest)
	}
}

// AddMethodMut registers a method that mutates the receiver.
// The receiver is borrowed exclusively for the duration of the call;
// a reentrant call on the same value fails with [ErrUserDataBorrowMut].
func (b *TypeBuilder[T]) AddMethodMut(name string, m func(l *Lua, self *T, args Values) (Values, error)) {
	b.parts.methods[name] = func(l *Lua, args Values) (Values, error) {
		g, rest, err := borrowSelfMut[T](args)
		if err != nil {
			return nil, err
		}
		defer g.Close()
		return m(l, g.Value(), rest)
	}
}

// AddMetaMethod registers a metamethod such as "__add" or "__tostring".
// The receiver must be the metamethod's first operand
// and is borrowed shared; use [TypeBuilder.AddMetaFunction]
// for events where the receiver can appear in either position.
func (b *TypeBuilder[T]) AddMetaMethod(event string, m func(l *Lua, self T, args Values) (Values, error)) {
	if err := validMetaEvent(event); err != nil {
		b.fail(err)
		return
	}
	b.parts.metas[event] = func(l *Lua, args Values) (Values, error) {
		g, rest, err := borrowSelf[T](args)
		if err != nil {
			return nil, err
		}
		defer g.Close()
		return m(l, g.Value(), rest)
	}
}

// AddMetaFunction registers a metamethod that receives its operands raw,
// without borrowing a receiver.
func (b *TypeBuilder[T]) AddMetaFunction(event string, f Func) {
	if err := validMetaEvent(event); err != nil {
		b.fail(err)
		return
	}
	b.parts.metas[event] = f
}

// AddFieldGet exposes a named field read as value.name.
func (b *TypeBuilder[T]) AddFieldGet(name string, get func(l *Lua, self T) (Value, error)) {
	b.parts.getters[name] = func(l *Lua, args Values) (Values, error) {
		g, _, err := borrowSelf[T](args)
		if err != nil {
			return nil, err
		}
		defer g.Close()
		v, err := get(l, g.Value())
		if err != nil {
			return nil, err
		}
		return Values{v}, nil
	}
}

// AddFieldSet exposes a named field write as value.name = x.
func (b *TypeBuilder[T]) AddFieldSet(name string, set func(l *Lua, self *T, v Value) error) {
	b.parts.setters[name] = func(l *Lua, args Values) (Values, error) {
		g, rest, err := borrowSelfMut[T](args)
		if err != nil {
			return nil, err
		}
		defer g.Close()
		return nil, set(l, g.Value(), rest.Get(0))
	}
}

// SetIndexFallback installs f as the __index handler
// for keys that match no method and no field getter.
func (b *TypeBuilder[T]) SetIndexFallback(f Func) {
	b.parts.index = f
}

// SetNewIndexFallback installs f as the __newindex handler
// for keys that match no field setter.
func (b *TypeBuilder[T]) SetNewIndexFallback(f Func) {
	b.parts.newIndex = f
}

// SetFinalizer registers f to run when the VM collects a value
// of this type that was never destructed.
func (b *TypeBuilder[T]) SetFinalizer(f func(T)) {
	b.finalizer = f
}

func validMetaEvent(event string) error {
	if !strings.HasPrefix(event, "__") {
		return fmt.Errorf("metamethod %q: name must begin with __", event)
	}
	switch event {
	case "__gc", "__metatable", "__name", "__index", "__newindex":
		return fmt.Errorf("metamethod %q is managed by the type registration", event)
	}
	return nil
}

func borrowSelf[T any](args Values) (*Borrowed[T], Values, error) {
	u, ok := args.Get(0).(*AnyUserData)
	if !ok {
		return nil, nil, ErrUserDataTypeMismatch
	}
	g, err := Borrow[T](u)
	if err != nil {
		return nil, nil, err
	}
	return g, args[1:], nil
}

func borrowSelfMut[T any](args Values) (*BorrowedMut[T], Values, error) {
	u, ok := args.Get(0).(*AnyUserData)
	if !ok {
		return nil, nil, ErrUserDataTypeMismatch
	}
	g, err := BorrowMut[T](u)
	if err != nil {
		return nil, nil, err
	}
	return g, args[1:], nil
}

// RegisterType registers T as a userdata type under the given name
// and builds its metatable.
// Registration is memoized by Go type;
// registering the same type again replaces the metatable
// for values created afterwards,
// while existing values keep the one they were created with.
func RegisterType[T any](l *Lua, name string, build func(*TypeBuilder[T])) error {
	if err := l.enter(); err != nil {
		return err
	}
	_, err := registerType(l, name, build)
	return err
}

func registerType[T any](l *Lua, name string, build func(*TypeBuilder[T])) (*typeInfo, error) {
	b := &TypeBuilder[T]{
		parts: builderParts{
			name:    name,
			methods: make(map[string]Func),
			metas:   make(map[string]Func),
			getters: make(map[string]Func),
			setters: make(map[string]Func),
		},
	}
	if build != nil {
		build(b)
	}
	if b.err != nil {
		return nil, b.err
	}

	info := &typeInfo{
		goType: reflect.TypeFor[T](),
		name:   name,
	}
	if fin := b.finalizer; fin != nil {
		info.finalizer = func(v any) {
			if p, ok := v.(*T); ok {
				fin(*p)
			}
		}
	}

	mt, ptr, err := l.registerMetatable(&b.parts)
	if err != nil {
		return nil, err
	}
	info.mt = mt
	info.mtPtr = ptr
	info.parts = &b.parts
	l.types[info.goType] = info
	l.mtCache[ptr] = info
	return info, nil
}

// registerMetatable assembles a userdata metatable from parts
// and returns a pinned handle to it together with its table pointer.
func (l *Lua) registerMetatable(p *builderParts) (*Table, uintptr, error) {
	s := l.state
	if !s.CheckStack(4) {
		return nil, 0, ErrStackOverflow
	}
	base := s.Top()
	mt, ptr, err := l.pushMetatable(p)
	if err != nil {
		s.SetTop(base)
		return nil, 0, err
	}
	return mt, ptr, nil
}

func (l *Lua) pushMetatable(p *builderParts) (*Table, uintptr, error) {
	s := l.state
	if err := s.CreateTable(0, len(p.metas)+4); err != nil {
		return nil, 0, l.apiError(err)
	}
	if err := s.PushLString(p.name); err != nil {
		return nil, 0, l.apiError(err)
	}
	if err := l.setRawField(-2, "__name"); err != nil {
		return nil, 0, err
	}

	for event, f := range p.metas {
		if err := s.PushClosure(0, l.wrapCallback(f, false)); err != nil {
			return nil, 0, l.apiError(err)
		}
		if err := l.setRawField(-2, event); err != nil {
			return nil, 0, err
		}
	}

	dispatching := len(p.getters) > 0 || p.index != nil
	switch {
	case len(p.methods) > 0 && !dispatching:
		// No per-key Go dispatch needed. A plain method table lets the
		// interpreter resolve lookups without crossing the boundary.
		if err := s.CreateTable(0, len(p.methods)); err != nil {
			return nil, 0, l.apiError(err)
		}
		for name, m := range p.methods {
			if err := s.PushClosure(0, l.wrapCallback(m, false)); err != nil {
				return nil, 0, l.apiError(err)
			}
			if err := l.setRawField(-2, name); err != nil {
				return nil, 0, err
			}
		}
		if err := l.setRawField(-2, "__index"); err != nil {
			return nil, 0, err
		}
	case len(p.methods) > 0 || dispatching:
		dispatch, err := l.indexDispatch(p)
		if err != nil {
			return nil, 0, err
		}
		if err := s.PushClosure(0, l.wrapCallback(dispatch, false)); err != nil {
			return nil, 0, l.apiError(err)
		}
		if err := l.setRawField(-2, "__index"); err != nil {
			return nil, 0, err
		}
	}

	if len(p.setters) > 0 || p.newIndex != nil {
		if err := s.PushClosure(0, l.wrapCallback(newIndexDispatch(p), false)); err != nil {
			return nil, 0, l.apiError(err)
		}
		if err := l.setRawField(-2, "__newindex"); err != nil {
			return nil, 0, err
		}
	}

	if err := s.PushClosure(0, l.userdataGC); err != nil {
		return nil, 0, l.apiError(err)
	}
	if err := l.setRawField(-2, "__gc"); err != nil {
		return nil, 0, err
	}
	s.PushBoolean(false)
	if err := l.setRawField(-2, "__metatable"); err != nil {
		return nil, 0, err
	}

	ptr := s.ToPointer(-1)
	return l.newTableRef(l.popRef()), ptr, nil
}

// setRawField stores the value on top of the current stack
// into the table at idx under key, popping the value.
func (l *Lua) setRawField(idx int, key string) error {
	s := l.state
	idx = s.AbsIndex(idx)
	if err := s.PushLString(key); err != nil {
		s.Pop(1)
		return l.apiError(err)
	}
	s.Insert(-2)
	if err := s.RawSetProtected(idx); err != nil {
		return l.apiError(err)
	}
	return nil
}

// indexDispatch builds the __index handler for types
// that mix methods with field getters or a fallback.
func (l *Lua) indexDispatch(p *builderParts) (Func, error) {
	methodFns := make(map[string]*Function, len(p.methods))
	for name, m := range p.methods {
		fn, err := l.CreateFunction(m)
		if err != nil {
			return nil, err
		}
		methodFns[name] = fn
	}
	getters, fallback := p.getters, p.index
	return func(l *Lua, args Values) (Values, error) {
		if ks, ok := args.Get(1).(*String); ok {
			kb, err := ks.Bytes()
			if err != nil {
				return nil, err
			}
			name := string(kb)
			if fn := methodFns[name]; fn != nil {
				return Values{fn}, nil
			}
			if g := getters[name]; g != nil {
				return g(l, Values{args.Get(0)})
			}
		}
		if fallback != nil {
			return fallback(l, args)
		}
		return nil, nil
	}, nil
}

// newIndexDispatch builds the __newindex handler
// routing writes to field setters or the fallback.
func newIndexDispatch(p *builderParts) Func {
	setters, fallback, typeName := p.setters, p.newIndex, p.name
	return func(l *Lua, args Values) (Values, error) {
		if ks, ok := args.Get(1).(*String); ok {
			kb, err := ks.Bytes()
			if err != nil {
				return nil, err
			}
			name := string(kb)
			if st := setters[name]; st != nil {
				return st(l, Values{args.Get(0), args.Get(2)})
			}
			if fallback == nil {
				return nil, &RuntimeError{
					Message: fmt.Sprintf("cannot set unknown field %q of %s", name, typeName),
				}
			}
		}
		if fallback != nil {
			return fallback(l, args)
		}
		return nil, &RuntimeError{
			Message: fmt.Sprintf("cannot set %v key of %s", ValueType(args.Get(1)), typeName),
		}
	}
}

// NewUserData boxes v into a new userdata value.
// If T has not been registered with [RegisterType],
// it is registered on the spot with no methods,
// under its Go type name.
func NewUserData[T any](l *Lua, v T) (*AnyUserData, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	info, err := l.typeInfoFor(reflect.TypeFor[T]())
	if err != nil {
		var rerr error
		info, rerr = registerType[T](l, reflect.TypeFor[T]().String(), nil)
		if rerr != nil {
			return nil, rerr
		}
	}
	return l.newUserdataValue(info, info.mt, &v)
}

func (l *Lua) typeInfoFor(t reflect.Type) (*typeInfo, error) {
	if info := l.types[t]; info != nil {
		return info, nil
	}
	return nil, fmt.Errorf("luma: type %v is not registered", t)
}

// newUserdataValue creates the VM-side userdata block for a cell,
// attaches the given metatable, and returns a handle.
// boxed must be a *T matching info's Go type;
// mt is info's shared metatable, or a scope's private one.
func (l *Lua) newUserdataValue(info *typeInfo, mt *Table, boxed any) (*AnyUserData, error) {
	s := l.state
	if !s.CheckStack(3) {
		return nil, ErrStackOverflow
	}
	if err := s.NewUserdataUV(8, 1); err != nil {
		return nil, l.apiError(err)
	}
	id := l.cellNext
	l.cellNext++
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)
	s.SetUserdata(-1, 0, buf[:])
	mt.push()
	s.SetMetatable(-2)
	l.cells[id] = &userdataCell{value: boxed, info: info}
	return l.newAnyUserDataRef(l.popRef()), nil
}

// typeForMetatable resolves a metatable pointer to its registration.
// The last successful resolution is cached;
// method-heavy scripts hit the same type repeatedly.
func (l *Lua) typeForMetatable(ptr uintptr) *typeInfo {
	if ptr == l.lastMT {
		return l.lastInfo
	}
	info := l.mtCache[ptr]
	if info != nil {
		l.lastMT, l.lastInfo = ptr, info
	}
	return info
}

// cell resolves the handle to its Go-side cell,
// verifying that the metatable belongs to a registered type.
// A destructed value reports [ErrUserDataDestructed];
// an unregistered or foreign metatable reports [ErrUserDataTypeMismatch].
// The two are never conflated.
func (u *AnyUserData) cell() (*userdataCell, error) {
	l := u.l
	s := l.state
	if !s.CheckStack(2) {
		return nil, ErrStackOverflow
	}
	u.push()
	if !s.Metatable(-1) {
		s.Pop(1)
		return nil, ErrUserDataTypeMismatch
	}
	ptr := s.ToPointer(-1)
	s.Pop(1)
	if ptr == l.destructedPtr {
		s.Pop(1)
		return nil, ErrUserDataDestructed
	}
	info := l.typeForMetatable(ptr)
	if info == nil {
		s.Pop(1)
		return nil, ErrUserDataTypeMismatch
	}
	id := userdataID(s, -1)
	s.Pop(1)
	cell := l.cells[id]
	if cell == nil || cell.destructed {
		return nil, ErrUserDataDestructed
	}
	return cell, nil
}

// A Borrowed is a shared borrow of a userdata value.
// It must be closed to release the borrow.
type Borrowed[T any] struct {
	cell *userdataCell
	ptr  *T
}

// Value returns a copy of the borrowed value.
func (b *Borrowed[T]) Value() T {
	return *b.ptr
}

// Close releases the borrow. Close is idempotent.
func (b *Borrowed[T]) Close() {
	if b.cell == nil {
		return
	}
	if b.cell.borrow > 0 {
		b.cell.borrow--
	}
	b.cell = nil
}

// A BorrowedMut is an exclusive borrow of a userdata value.
// It must be closed to release the borrow.
type BorrowedMut[T any] struct {
	cell *userdataCell
	ptr  *T
}

// Value returns the borrowed value for reading and writing.
// The pointer must not be used after Close.
func (b *BorrowedMut[T]) Value() *T {
	return b.ptr
}

// Close releases the borrow. Close is idempotent.
func (b *BorrowedMut[T]) Close() {
	if b.cell == nil {
		return
	}
	if b.cell.borrow == -1 {
		b.cell.borrow = 0
	}
	b.cell = nil
}

// Borrow takes a shared borrow of u's value as a T.
// It fails with [ErrUserDataBorrow] while an exclusive borrow is held,
// with [ErrUserDataTypeMismatch] if u does not hold a T,
// and with [ErrUserDataDestructed] if the value has been destructed.
func Borrow[T any](u *AnyUserData) (*Borrowed[T], error) {
	l := u.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	cell, err := u.cell()
	if err != nil {
		return nil, err
	}
	p, ok := cell.value.(*T)
	if !ok {
		return nil, ErrUserDataTypeMismatch
	}
	if cell.borrow < 0 {
		return nil, ErrUserDataBorrow
	}
	cell.borrow++
	return &Borrowed[T]{cell: cell, ptr: p}, nil
}

// BorrowMut takes an exclusive borrow of u's value as a T.
// It fails with [ErrUserDataBorrowMut] while any borrow is held.
func BorrowMut[T any](u *AnyUserData) (*BorrowedMut[T], error) {
	l := u.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	cell, err := u.cell()
	if err != nil {
		return nil, err
	}
	p, ok := cell.value.(*T)
	if !ok {
		return nil, ErrUserDataTypeMismatch
	}
	if cell.borrow != 0 {
		return nil, ErrUserDataBorrowMut
	}
	cell.borrow = -1
	return &BorrowedMut[T]{cell: cell, ptr: p}, nil
}

// Take moves the value out of u and destructs it.
// Script code touching u afterwards gets the destructed error.
func Take[T any](u *AnyUserData) (T, error) {
	var zero T
	l := u.l
	if err := l.enter(); err != nil {
		return zero, err
	}
	cell, err := u.cell()
	if err != nil {
		return zero, err
	}
	p, ok := cell.value.(*T)
	if !ok {
		return zero, ErrUserDataTypeMismatch
	}
	if cell.borrow != 0 {
		return zero, ErrUserDataBorrowMut
	}
	if err := l.destructCell(u, cell); err != nil {
		return zero, err
	}
	return *p, nil
}

// Destruct invalidates u's value without waiting for collection.
// Every later access, from script or host, fails with
// [ErrUserDataDestructed].
// A borrowed value cannot be destructed.
func (u *AnyUserData) Destruct() error {
	l := u.l
	if err := l.enter(); err != nil {
		return err
	}
	cell, err := u.cell()
	if err != nil {
		return err
	}
	if cell.borrow != 0 {
		return ErrUserDataBorrowMut
	}
	return l.destructCell(u, cell)
}

// destructCell swaps in the shared destructed metatable
// and moves the value out of the cell,
// so the VM finalizer cannot observe it again.
func (l *Lua) destructCell(u *AnyUserData, cell *userdataCell) error {
	s := l.state
	if !s.CheckStack(2) {
		return ErrStackOverflow
	}
	u.push()
	l.pushRef(l.destructedRef)
	s.SetMetatable(-2)
	s.Pop(1)
	cell.destructed = true
	cell.value = nil
	return nil
}

// TypeName returns the name the value's type was registered under.
func (u *AnyUserData) TypeName() (string, error) {
	if err := u.l.enter(); err != nil {
		return "", err
	}
	cell, err := u.cell()
	if err != nil {
		return "", err
	}
	return cell.info.name, nil
}

// UserValue returns the value associated with u by [AnyUserData.SetUserValue].
func (u *AnyUserData) UserValue() (Value, error) {
	l := u.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(3) {
		return nil, ErrStackOverflow
	}
	u.push()
	s.UserValue(-1, 1)
	v, err := l.valueAt(-1)
	s.Pop(2)
	return v, err
}

// SetUserValue associates an arbitrary extra value with u.
// The value lives as long as the userdata itself.
func (u *AnyUserData) SetUserValue(v Value) error {
	l := u.l
	if err := l.enter(); err != nil {
		return err
	}
	s := l.state
	if !s.CheckStack(3) {
		return ErrStackOverflow
	}
	u.push()
	if err := l.pushValue(v); err != nil {
		s.Pop(1)
		return err
	}
	s.SetUserValue(-2, 1)
	s.Pop(1)
	return nil
}

// userdataGC is the __gc metamethod of every registered type.
// It releases the Go-side cell and runs the type's finalizer
// if the value was never destructed.
func (l *Lua) userdataGC(s *lua.State) (int, error) {
	id := userdataID(s, 1)
	cell := l.cells[id]
	if cell == nil {
		return 0, nil
	}
	delete(l.cells, id)
	if !cell.destructed && cell.info != nil && cell.info.finalizer != nil {
		func() {
			// A finalizer panic must not unwind into the interpreter.
			defer func() { recover() }()
			cell.info.finalizer(cell.value)
		}()
	}
	return 0, nil
}

// destructedGC releases the cell of an already-destructed value.
func (l *Lua) destructedGC(s *lua.State) (int, error) {
	delete(l.cells, userdataID(s, 1))
	return 0, nil
}

// destructedSlots lists the metamethod events
// that must fail once a value has been destructed.
var destructedSlots = []string{
	"__add", "__sub", "__mul", "__div", "__mod", "__pow", "__unm",
	"__idiv", "__band", "__bor", "__bxor", "__bnot", "__shl", "__shr",
	"__concat", "__len", "__eq", "__lt", "__le",
	"__index", "__newindex", "__call", "__tostring", "__pairs", "__close",
}

// initDestructedMetatable builds the process-shared metatable
// swapped onto destructed userdata.
// It runs during VM setup, before any memory limit can be set.
func (l *Lua) initDestructedMetatable() error {
	s := l.main
	if err := s.CreateTable(0, len(destructedSlots)+2); err != nil {
		return err
	}
	raise := l.wrapCallback(func(*Lua, Values) (Values, error) {
		return nil, ErrUserDataDestructed
	}, false)
	for _, slot := range destructedSlots {
		if err := s.PushClosure(0, raise); err != nil {
			return err
		}
		s.RawSetField(-2, slot)
	}
	if err := s.PushClosure(0, l.destructedGC); err != nil {
		return err
	}
	s.RawSetField(-2, "__gc")
	s.PushBoolean(false)
	s.RawSetField(-2, "__metatable")
	l.destructedPtr = s.ToPointer(-1)
	l.destructedRef = l.popRef()
	return nil
}
