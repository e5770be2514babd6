// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestToValue(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	tests := []struct {
		name    string
		in      any
		want    Value
		wantErr bool
	}{
		{name: "Nil", in: nil, want: nil},
		{name: "Bool", in: true, want: Boolean(true)},
		{name: "Int", in: 42, want: Integer(42)},
		{name: "Int64", in: int64(-7), want: Integer(-7)},
		{name: "Uint32", in: uint32(7), want: Integer(7)},
		{name: "Uint64", in: uint64(7), want: Integer(7)},
		{name: "Uint64Overflow", in: uint64(math.MaxUint64), wantErr: true},
		{name: "Float64", in: 1.5, want: Number(1.5)},
		{name: "Value", in: Integer(3), want: Integer(3)},
		{name: "Struct", in: struct{}{}, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := l.ToValue(test.in)
			if test.wantErr {
				var conversionError *ConversionError
				if !errors.As(err, &conversionError) {
					t.Fatalf("ToValue(%#v) error = %v; want *ConversionError", test.in, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != test.want {
				t.Errorf("ToValue(%#v) = %v; want %v", test.in, got, test.want)
			}
		})
	}

	t.Run("String", func(t *testing.T) {
		got, err := l.ToValue("hi")
		if err != nil {
			t.Fatal(err)
		}
		s, ok := got.(*String)
		if !ok {
			t.Fatalf("ToValue(string) = %T; want *String", got)
		}
		if got, want := s.String(), "hi"; got != want {
			t.Errorf("value = %q; want %q", got, want)
		}
	})
}

func TestFromValue(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	t.Run("Bool", func(t *testing.T) {
		tests := []struct {
			in   Value
			want bool
		}{
			{nil, false},
			{Boolean(false), false},
			{Boolean(true), true},
			{Integer(0), true},
			{Number(0), true},
		}
		for _, test := range tests {
			got, err := FromValue[bool](l, test.in)
			if err != nil {
				t.Errorf("FromValue[bool](%v): %v", test.in, err)
				continue
			}
			if got != test.want {
				t.Errorf("FromValue[bool](%v) = %t; want %t", test.in, got, test.want)
			}
		}
	})

	t.Run("Int", func(t *testing.T) {
		if got, err := FromValue[int](l, Integer(42)); err != nil || got != 42 {
			t.Errorf("FromValue[int](42) = %d, %v; want 42, <nil>", got, err)
		}
		if got, err := FromValue[int8](l, Integer(-128)); err != nil || got != -128 {
			t.Errorf("FromValue[int8](-128) = %d, %v; want -128, <nil>", got, err)
		}
		if _, err := FromValue[int8](l, Integer(128)); err == nil {
			t.Error("FromValue[int8](128) succeeded; want range error")
		}
		if got, err := FromValue[int](l, Number(3.0)); err != nil || got != 3 {
			t.Errorf("FromValue[int](3.0) = %d, %v; want 3, <nil>", got, err)
		}
		if _, err := FromValue[int](l, Number(3.5)); err == nil {
			t.Error("FromValue[int](3.5) succeeded; want error")
		}
		if _, err := FromValue[int](l, Number(math.Inf(1))); err == nil {
			t.Error("FromValue[int](+Inf) succeeded; want error")
		}
		if _, err := FromValue[uint16](l, Integer(-1)); err == nil {
			t.Error("FromValue[uint16](-1) succeeded; want range error")
		}
	})

	t.Run("Float", func(t *testing.T) {
		if got, err := FromValue[float64](l, Number(1.5)); err != nil || got != 1.5 {
			t.Errorf("FromValue[float64](1.5) = %g, %v; want 1.5, <nil>", got, err)
		}
		if got, err := FromValue[float64](l, Integer(3)); err != nil || got != 3 {
			t.Errorf("FromValue[float64](3) = %g, %v; want 3, <nil>", got, err)
		}
		if _, err := FromValue[float32](l, Number(math.MaxFloat64)); err == nil {
			t.Error("FromValue[float32](MaxFloat64) succeeded; want range error")
		}
	})

	t.Run("String", func(t *testing.T) {
		s, err := l.CreateString("bytes\x00here")
		if err != nil {
			t.Fatal(err)
		}
		if got, err := FromValue[string](l, s); err != nil || got != "bytes\x00here" {
			t.Errorf("FromValue[string] = %q, %v; want %q, <nil>", got, err, "bytes\x00here")
		}
		if got, err := FromValue[[]byte](l, s); err != nil || string(got) != "bytes\x00here" {
			t.Errorf("FromValue[[]byte] = %q, %v; want %q, <nil>", got, err, "bytes\x00here")
		}
		// Numbers never coerce to text.
		if _, err := FromValue[string](l, Integer(42)); err == nil {
			t.Error("FromValue[string](42) succeeded; want error")
		}
	})

	t.Run("Slice", func(t *testing.T) {
		got, err := l.LoadString("return {10, 20, 30}").Eval()
		if err != nil {
			t.Fatal(err)
		}
		tab := got.(*Table)
		ints, err := FromValue[[]int64](l, tab)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int64{10, 20, 30}, ints); diff != "" {
			t.Errorf("sequence (-want +got):\n%s", diff)
		}
	})

	t.Run("Map", func(t *testing.T) {
		got, err := l.LoadString("return {a = 1, b = 2}").Eval()
		if err != nil {
			t.Fatal(err)
		}
		tab := got.(*Table)
		m, err := FromValue[map[string]int64](l, tab)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(map[string]int64{"a": 1, "b": 2}, m); diff != "" {
			t.Errorf("map (-want +got):\n%s", diff)
		}
	})

	t.Run("Identity", func(t *testing.T) {
		tab, err := l.CreateTable()
		if err != nil {
			t.Fatal(err)
		}
		got, err := FromValue[*Table](l, tab)
		if err != nil {
			t.Fatal(err)
		}
		if got != tab {
			t.Errorf("FromValue[*Table] = %p; want %p", got, tab)
		}
		v, err := FromValue[Value](l, Integer(5))
		if err != nil {
			t.Fatal(err)
		}
		if v != Integer(5) {
			t.Errorf("FromValue[Value] = %v; want %v", v, Integer(5))
		}
	})
}

func TestEquals(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	t.Run("Primitives", func(t *testing.T) {
		tests := []struct {
			a, b Value
			want bool
		}{
			{Integer(1), Integer(1), true},
			{Integer(1), Number(1), true},
			{Integer(1), Integer(2), false},
			{Boolean(true), Boolean(true), true},
			{Boolean(true), Integer(1), false},
			{nil, nil, true},
			{nil, Boolean(false), false},
		}
		for _, test := range tests {
			got, err := l.Equals(test.a, test.b)
			if err != nil {
				t.Errorf("Equals(%v, %v): %v", test.a, test.b, err)
				continue
			}
			if got != test.want {
				t.Errorf("Equals(%v, %v) = %t; want %t", test.a, test.b, got, test.want)
			}
		}
	})

	t.Run("EqMetamethod", func(t *testing.T) {
		err := l.LoadString(`
			local mt = {__eq = function() return true end}
			eq1 = setmetatable({}, mt)
			eq2 = setmetatable({}, mt)
			plain = {}
		`).Exec()
		if err != nil {
			t.Fatal(err)
		}
		a, err := TableGet[*Table](l.Globals(), "eq1")
		if err != nil {
			t.Fatal(err)
		}
		b, err := TableGet[*Table](l.Globals(), "eq2")
		if err != nil {
			t.Fatal(err)
		}
		plain, err := TableGet[*Table](l.Globals(), "plain")
		if err != nil {
			t.Fatal(err)
		}

		if got, err := l.Equals(a, b); err != nil || !got {
			t.Errorf("Equals(eq1, eq2) = %t, %v; want true, <nil>", got, err)
		}
		if got, err := l.Equals(a, a); err != nil || !got {
			t.Errorf("Equals(eq1, eq1) = %t, %v; want true, <nil>", got, err)
		}
		if got, err := l.Equals(plain, b); err != nil || got {
			t.Errorf("Equals(plain, eq2) = %t, %v; want false, <nil>", got, err)
		}
	})
}

func TestToStringValue(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	tests := []struct {
		name string
		v    Value
		want string
	}{
		{name: "Nil", v: nil, want: "nil"},
		{name: "True", v: Boolean(true), want: "true"},
		{name: "Integer", v: Integer(42), want: "42"},
		{name: "Float", v: Number(1.5), want: "1.5"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := l.ToString(test.v)
			if err != nil {
				t.Fatal(err)
			}
			if got != test.want {
				t.Errorf("ToString(%v) = %q; want %q", test.v, got, test.want)
			}
		})
	}

	t.Run("TableAddress", func(t *testing.T) {
		tab, err := l.CreateTable()
		if err != nil {
			t.Fatal(err)
		}
		got, err := l.ToString(tab)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(got, "table: ") {
			t.Errorf("ToString(table) = %q; want table address", got)
		}
	})

	t.Run("ToStringMetamethod", func(t *testing.T) {
		got, err := l.LoadString(`return setmetatable({}, {__tostring = function() return "custom" end})`).Eval()
		if err != nil {
			t.Fatal(err)
		}
		s, err := l.ToString(got)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := s, "custom"; got != want {
			t.Errorf("ToString = %q; want %q", got, want)
		}
	})
}
