// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"testing"
)

func TestValueType(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	s, err := l.CreateString("s")
	if err != nil {
		t.Fatal(err)
	}
	tab, err := l.CreateTable()
	if err != nil {
		t.Fatal(err)
	}
	f, err := l.CreateFunction(func(*Lua, Values) (Values, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	co, err := l.CreateThread(f)
	if err != nil {
		t.Fatal(err)
	}
	u, err := NewUserData(l, 0)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		v    Value
		want Type
	}{
		{name: "Nil", v: nil, want: TypeNil},
		{name: "Boolean", v: Boolean(true), want: TypeBoolean},
		{name: "Integer", v: Integer(1), want: TypeNumber},
		{name: "Number", v: Number(1.5), want: TypeNumber},
		{name: "LightUserData", v: LightUserData(0x10), want: TypeLightUserdata},
		{name: "String", v: s, want: TypeString},
		{name: "Table", v: tab, want: TypeTable},
		{name: "Function", v: f, want: TypeFunction},
		{name: "Thread", v: co, want: TypeThread},
		{name: "UserData", v: u, want: TypeUserdata},
		{name: "Error", v: &Error{Err: errors.New("x")}, want: TypeUserdata},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ValueType(test.v); got != test.want {
				t.Errorf("ValueType(%v) = %v; want %v", test.v, got, test.want)
			}
		})
	}
}

func TestTypeString(t *testing.T) {
	tests := []struct {
		tp   Type
		want string
	}{
		{TypeNone, "no value"},
		{TypeNil, "nil"},
		{TypeBoolean, "boolean"},
		{TypeLightUserdata, "lightuserdata"},
		{TypeNumber, "number"},
		{TypeString, "string"},
		{TypeTable, "table"},
		{TypeFunction, "function"},
		{TypeUserdata, "userdata"},
		{TypeThread, "thread"},
		{Type(42), "luma.Type(42)"},
	}
	for _, test := range tests {
		if got := test.tp.String(); got != test.want {
			t.Errorf("Type(%d).String() = %q; want %q", int(test.tp), got, test.want)
		}
	}
}

func TestValuesGet(t *testing.T) {
	vs := Values{Integer(1), nil, Boolean(true)}
	if got := vs.Get(0); got != Integer(1) {
		t.Errorf("Get(0) = %v; want %v", got, Integer(1))
	}
	if got := vs.Get(1); got != nil {
		t.Errorf("Get(1) = %v; want nil", got)
	}
	if got := vs.Get(-1); got != nil {
		t.Errorf("Get(-1) = %v; want nil", got)
	}
	if got := vs.Get(3); got != nil {
		t.Errorf("Get(3) = %v; want nil", got)
	}
}

func TestErrorValue(t *testing.T) {
	cause := errors.New("root cause")
	e := &Error{Err: cause}
	if got := e.Error(); got != "root cause" {
		t.Errorf("Error() = %q; want %q", got, "root cause")
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is(e, cause) = false; want true")
	}
	if got := (&Error{}).Error(); got != "<nil>" {
		t.Errorf("empty Error() = %q; want %q", got, "<nil>")
	}
}
