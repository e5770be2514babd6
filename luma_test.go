// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	if got, want := l.StdLibs(), LibAllSafe; got != want {
		t.Errorf("l.StdLibs() = %#x; want %#x", got, want)
	}
	if got := l.UsedMemory(); got == 0 {
		t.Error("l.UsedMemory() = 0; want > 0")
	}

	got, err := l.LoadString("return _VERSION").Eval()
	if err != nil {
		t.Fatal(err)
	}
	s, ok := got.(*String)
	if !ok {
		t.Fatalf("_VERSION is %T; want *String", got)
	}
	if got, want := s.String(), "Lua 5.4"; got != want {
		t.Errorf("_VERSION = %q; want %q", got, want)
	}
}

func TestClose(t *testing.T) {
	l := New()
	if err := l.Close(); err != nil {
		t.Error("first Close:", err)
	}
	if err := l.Close(); err != nil {
		t.Error("second Close:", err)
	}

	if err := l.LoadString("return 1").Exec(); !errors.Is(err, ErrClosed) {
		t.Errorf("Exec after Close = %v; want %v", err, ErrClosed)
	}
	if _, err := l.CreateTable(); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateTable after Close = %v; want %v", err, ErrClosed)
	}
}

func TestGlobals(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	g := l.Globals()
	if err := TableSet(g, "answer", 42); err != nil {
		t.Fatal(err)
	}
	got, err := l.LoadString("return answer").Eval()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := got, Integer(42); got != want {
		t.Errorf("answer = %v; want %v", got, want)
	}

	if err := l.LoadString("answer = answer + 1").Exec(); err != nil {
		t.Fatal(err)
	}
	n, err := TableGet[int64](g, "answer")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, int64(43); got != want {
		t.Errorf("answer = %d; want %d", got, want)
	}
}

func TestCreateString(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	const want = "hello\x00world"
	s, err := l.CreateString(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Errorf("s.Bytes() = %q; want %q", got, want)
	}
	n, err := s.Len()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, int64(len(want)); got != want {
		t.Errorf("s.Len() = %d; want %d", got, want)
	}
}

func TestMismatchedHandle(t *testing.T) {
	l1 := New()
	defer func() {
		if err := l1.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	l2 := New()
	defer func() {
		if err := l2.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	tab, err := l1.CreateTable()
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		recovered := recover()
		if !errors.Is(asError(recovered), ErrMismatchedLua) {
			t.Errorf("panic value = %v; want %v", recovered, ErrMismatchedLua)
		}
	}()
	l2.Globals().Set(Integer(1), tab)
	t.Error("Set with foreign handle did not panic")
}

func asError(x any) error {
	err, _ := x.(error)
	return err
}
