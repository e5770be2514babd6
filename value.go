// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"fmt"
)

// Type is an enumeration of Lua data types.
type Type int

// TypeNone is the type of a non-valid but acceptable stack index.
const TypeNone Type = -1

// Value types.
const (
	TypeNil           Type = 0
	TypeBoolean       Type = 1
	TypeLightUserdata Type = 2
	TypeNumber        Type = 3
	TypeString        Type = 4
	TypeTable         Type = 5
	TypeFunction      Type = 6
	TypeUserdata      Type = 7
	TypeThread        Type = 8
)

// String returns the name of the type encoded by the value tp.
func (tp Type) String() string {
	switch tp {
	case TypeNone:
		return "no value"
	case TypeNil:
		return "nil"
	case TypeBoolean:
		return "boolean"
	case TypeLightUserdata:
		return "lightuserdata"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeTable:
		return "table"
	case TypeFunction:
		return "function"
	case TypeUserdata:
		return "userdata"
	case TypeThread:
		return "thread"
	default:
		return fmt.Sprintf("luma.Type(%d)", int(tp))
	}
}

// A Value is a Lua value or a handle to one.
// A nil Value represents Lua nil.
// The dynamic type is one of
// [Boolean], [Integer], [Number], [LightUserData],
// [*String], [*Table], [*Function], [*Thread], [*AnyUserData], or [*Error].
//
// Scalar values ([Boolean], [Integer], [Number], [LightUserData])
// are plain data and can outlive the virtual machine.
// Handle values pin an interpreter-managed object
// and become invalid when their virtual machine is closed.
type Value interface {
	valueType() Type
}

// ValueType returns the Lua type of v.
// A nil Value is [TypeNil].
func ValueType(v Value) Type {
	if v == nil {
		return TypeNil
	}
	return v.valueType()
}

// Boolean is a Lua boolean value.
type Boolean bool

func (v Boolean) valueType() Type { return TypeBoolean }

// Integer is a Lua 64-bit integer value.
type Integer int64

func (v Integer) valueType() Type { return TypeNumber }

// Number is a Lua floating-point value.
type Number float64

func (v Number) valueType() Type { return TypeNumber }

// LightUserData is a Lua light userdata value:
// a bare pointer-sized datum with no metatable and no lifetime.
type LightUserData uintptr

func (v LightUserData) valueType() Type { return TypeLightUserdata }

// Error is a Go error traveling through Lua as a first-class value.
// Script code observes it through its string conversion;
// Go code recovers the original error through Err.
type Error struct {
	Err error
}

func (v *Error) valueType() Type { return TypeUserdata }

// Error implements the error interface,
// reporting the wrapped error's message.
func (v *Error) Error() string {
	if v.Err == nil {
		return "<nil>"
	}
	return v.Err.Error()
}

func (v *Error) Unwrap() error { return v.Err }

// Values is a sequence of Lua values,
// used for function arguments and return values.
type Values []Value

// Get returns the i'th value, or nil if i is out of range.
// Lua's usual adjustment rules make a missing value indistinguishable
// from an explicit nil.
func (vs Values) Get(i int) Value {
	if i < 0 || i >= len(vs) {
		return nil
	}
	return vs[i]
}

// truthy reports whether v is true under Lua's boolean coercion:
// every value except nil and false.
func truthy(v Value) bool {
	b, ok := v.(Boolean)
	return v != nil && (!ok || bool(b))
}
