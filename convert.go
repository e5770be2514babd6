// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"fmt"
	"math"
	"reflect"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// valueAt converts the stack slot at idx into a Value
// without removing it from the stack.
// Strings, tables, functions, threads, and userdata
// become pinned handles;
// error capsules surface as *Error.
func (l *Lua) valueAt(idx int) (Value, error) {
	s := l.state
	if !s.CheckStack(2) {
		return nil, ErrStackOverflow
	}
	idx = s.AbsIndex(idx)
	switch s.Type(idx) {
	case lua.TypeNone, lua.TypeNil:
		return nil, nil
	case lua.TypeBoolean:
		return Boolean(s.ToBoolean(idx)), nil
	case lua.TypeLightUserdata:
		return LightUserData(s.ToPointer(idx)), nil
	case lua.TypeNumber:
		if s.IsInteger(idx) {
			n, _ := s.ToInteger(idx)
			return Integer(n), nil
		}
		f, _ := s.ToNumber(idx)
		return Number(f), nil
	case lua.TypeString:
		s.PushValue(idx)
		return l.newStringRef(l.popRef()), nil
	case lua.TypeTable:
		s.PushValue(idx)
		return l.newTableRef(l.popRef()), nil
	case lua.TypeFunction:
		s.PushValue(idx)
		return l.newFunctionRef(l.popRef()), nil
	case lua.TypeThread:
		co := s.ToThread(idx)
		s.PushValue(idx)
		return l.newThreadRef(l.popRef(), co), nil
	case lua.TypeUserdata:
		if id, ok := l.failureCapsuleID(idx); ok {
			if cell := l.failures[id]; cell != nil && cell.err != nil {
				return &Error{Err: cell.err}, nil
			}
			return &Error{Err: &RuntimeError{Message: "error during error handling"}}, nil
		}
		s.PushValue(idx)
		return l.newAnyUserDataRef(l.popRef()), nil
	default:
		return nil, &ConversionError{
			From:    s.Type(idx).String(),
			To:      "value",
			Message: "unsupported stack value",
		}
	}
}

// pushValue pushes v onto the current stack.
func (l *Lua) pushValue(v Value) error {
	s := l.state
	if !s.CheckStack(2) {
		return ErrStackOverflow
	}
	switch v := v.(type) {
	case nil:
		s.PushNil()
	case Boolean:
		s.PushBoolean(bool(v))
	case Integer:
		s.PushInteger(int64(v))
	case Number:
		s.PushNumber(float64(v))
	case LightUserData:
		s.PushLightUserdata(uintptr(v))
	case *String:
		return l.pushHandle(&v.ref)
	case *Table:
		return l.pushHandle(&v.ref)
	case *Function:
		return l.pushHandle(&v.ref)
	case *Thread:
		return l.pushHandle(&v.ref)
	case *AnyUserData:
		return l.pushHandle(&v.ref)
	case *Error:
		return l.pushError(v.Err)
	default:
		return &ConversionError{
			From:  fmt.Sprintf("%T", v),
			To:    "value",
			ToLua: true,
		}
	}
	return nil
}

// pushHandle pushes the value a handle pins onto the current stack.
// Handle/VM aliasing is a programming error, not a runtime condition,
// so a handle from another VM panics instead of returning an error.
func (l *Lua) pushHandle(r *ref) error {
	if r.l != l {
		panic(ErrMismatchedLua)
	}
	r.push()
	return nil
}

// pushError boxes err into an error capsule
// and leaves the capsule on the stack,
// so a script can receive, inspect, and re-raise host errors
// without losing their identity.
func (l *Lua) pushError(err error) error {
	reserved, rerr := l.reserveFailure()
	if rerr != nil {
		return rerr
	}
	if err == nil {
		err = &RuntimeError{Message: "nil error"}
	}
	l.failures[reserved.id].err = err
	l.pushRef(reserved.slot)
	l.refs.drop(reserved.slot)
	return nil
}

// pushValues pushes each value in order
// and returns the number pushed.
func (l *Lua) pushValues(vs Values) (int, error) {
	if !l.state.CheckStack(len(vs) + 1) {
		return 0, ErrStackOverflow
	}
	for _, v := range vs {
		if err := l.pushValue(v); err != nil {
			return 0, err
		}
	}
	return len(vs), nil
}

// ToValue converts a plain Go value into a Lua value.
//
// Booleans, integers, floats, strings, byte slices,
// existing Values, errors, and [Func] callbacks are supported;
// nil converts to Lua nil.
func (l *Lua) ToValue(v any) (Value, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case Value:
		return v, nil
	case bool:
		return Boolean(v), nil
	case int:
		return Integer(v), nil
	case int8:
		return Integer(v), nil
	case int16:
		return Integer(v), nil
	case int32:
		return Integer(v), nil
	case int64:
		return Integer(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, &ConversionError{
				From:    "uint",
				To:      "integer",
				ToLua:   true,
				Message: "value out of range",
			}
		}
		return Integer(v), nil
	case uint8:
		return Integer(v), nil
	case uint16:
		return Integer(v), nil
	case uint32:
		return Integer(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, &ConversionError{
				From:    "uint64",
				To:      "integer",
				ToLua:   true,
				Message: "value out of range",
			}
		}
		return Integer(v), nil
	case float32:
		return Number(v), nil
	case float64:
		return Number(v), nil
	case string:
		return l.CreateString(v)
	case []byte:
		return l.CreateString(string(v))
	case Func:
		return l.CreateFunction(v)
	case error:
		return &Error{Err: v}, nil
	default:
		return nil, &ConversionError{
			From:  fmt.Sprintf("%T", v),
			To:    "value",
			ToLua: true,
		}
	}
}

// FromValue converts a script value into the Go type T.
//
// Booleans follow Lua truthiness, so every value converts.
// Integer types accept Lua integers
// and Lua floats holding an exact integral value;
// float types accept any Lua number.
// Strings and byte slices accept Lua strings only:
// numbers are never coerced to text.
// Slices convert from the sequence part of a table
// and maps from all of a table's pairs,
// both without consulting metamethods.
// Values, handle types, and any convert by identity.
func FromValue[T any](l *Lua, v Value) (T, error) {
	var out T
	if err := l.fromValue(reflect.ValueOf(&out).Elem(), v); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (l *Lua) fromValue(dst reflect.Value, v Value) error {
	t := dst.Type()
	if v == nil {
		switch t.Kind() {
		case reflect.Bool:
			dst.SetBool(false)
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
			dst.SetZero()
		default:
			return fromValueError(nil, t, "")
		}
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Type().AssignableTo(t) {
		dst.Set(rv)
		return nil
	}
	switch t.Kind() {
	case reflect.Bool:
		dst.SetBool(truthy(v))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := exactInteger(v)
		if !ok {
			break
		}
		if dst.OverflowInt(n) {
			return fromValueError(v, t, "value out of range")
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, ok := exactInteger(v)
		if !ok {
			break
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fromValueError(v, t, "value out of range")
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, ok := floatValue(v)
		if !ok {
			break
		}
		if dst.OverflowFloat(f) {
			return fromValueError(v, t, "value out of range")
		}
		dst.SetFloat(f)
		return nil
	case reflect.String:
		s, ok := v.(*String)
		if !ok {
			break
		}
		b, err := s.Bytes()
		if err != nil {
			return err
		}
		dst.SetString(string(b))
		return nil
	case reflect.Slice:
		if s, ok := v.(*String); ok && t.Elem().Kind() == reflect.Uint8 {
			b, err := s.Bytes()
			if err != nil {
				return err
			}
			dst.SetBytes(b)
			return nil
		}
		tab, ok := v.(*Table)
		if !ok {
			break
		}
		n, err := tab.RawLength()
		if err != nil {
			return err
		}
		out := reflect.MakeSlice(t, int(n), int(n))
		for i := int64(1); i <= n; i++ {
			elem, err := tab.RawGet(Integer(i))
			if err != nil {
				return err
			}
			if err := l.fromValue(out.Index(int(i-1)), elem); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		dst.Set(out)
		return nil
	case reflect.Map:
		tab, ok := v.(*Table)
		if !ok {
			break
		}
		out := reflect.MakeMap(t)
		kt, et := t.Key(), t.Elem()
		err := tab.ForEach(func(key, value Value) error {
			k := reflect.New(kt).Elem()
			if err := l.fromValue(k, key); err != nil {
				return fmt.Errorf("key: %w", err)
			}
			e := reflect.New(et).Elem()
			if err := l.fromValue(e, value); err != nil {
				return fmt.Errorf("value: %w", err)
			}
			out.SetMapIndex(k, e)
			return nil
		})
		if err != nil {
			return err
		}
		dst.Set(out)
		return nil
	}
	return fromValueError(v, t, "")
}

func fromValueError(v Value, t reflect.Type, msg string) error {
	return &ConversionError{
		From:    ValueType(v).String(),
		To:      t.String(),
		Message: msg,
	}
}

// exactInteger extracts an integer from v
// when it is a Lua integer or a float with an exact integral value.
func exactInteger(v Value) (int64, bool) {
	switch v := v.(type) {
	case Integer:
		return int64(v), true
	case Number:
		f := float64(v)
		if math.Trunc(f) == f && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), true
		}
	}
	return 0, false
}

func floatValue(v Value) (float64, bool) {
	switch v := v.(type) {
	case Integer:
		return float64(v), true
	case Number:
		return float64(v), true
	}
	return 0, false
}

// Equals reports whether a and b are equal
// by the rules of the Lua == operator,
// consulting __eq metamethods.
func (l *Lua) Equals(a, b Value) (bool, error) {
	if err := l.enter(); err != nil {
		return false, err
	}
	s := l.state
	if !s.CheckStack(5) {
		return false, ErrStackOverflow
	}
	if err := l.pushValue(a); err != nil {
		return false, err
	}
	if err := l.pushValue(b); err != nil {
		s.Pop(1)
		return false, err
	}
	eq, err := s.Compare(-2, -1, lua.Equal, 0)
	if err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Pop(2)
		return false, perr
	}
	s.Pop(2)
	return eq, nil
}

// RawEquals reports whether a and b are primitively equal,
// without consulting __eq metamethods.
// For tables, userdata, functions, and threads
// this compares object identity.
func (l *Lua) RawEquals(a, b Value) (bool, error) {
	if err := l.enter(); err != nil {
		return false, err
	}
	s := l.state
	if !s.CheckStack(2) {
		return false, ErrStackOverflow
	}
	if err := l.pushValue(a); err != nil {
		return false, err
	}
	if err := l.pushValue(b); err != nil {
		s.Pop(1)
		return false, err
	}
	eq := s.RawEqual(-2, -1)
	s.Pop(2)
	return eq, nil
}

// ToString renders v the way the Lua tostring builtin would,
// honoring the __tostring metamethod and the __name metafield.
func (l *Lua) ToString(v Value) (string, error) {
	if err := l.enter(); err != nil {
		return "", err
	}
	s := l.state
	if !s.CheckStack(4) {
		return "", ErrStackOverflow
	}
	if err := l.pushValue(v); err != nil {
		return "", err
	}
	out, err := s.ToStringMeta(-1, 0)
	if err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Pop(1)
		return "", perr
	}
	s.Pop(2)
	return out, nil
}
