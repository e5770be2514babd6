// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"testing"
)

func TestScopeFunction(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	err := l.Scope(func(sc *Scope) error {
		f, err := sc.CreateFunction(func(*Lua, Values) (Values, error) {
			return Values{Integer(42)}, nil
		})
		if err != nil {
			return err
		}
		if err := TableSet(l.Globals(), "scoped", f); err != nil {
			return err
		}
		got, err := l.LoadString("return scoped()").Eval()
		if err != nil {
			return err
		}
		if got != Integer(42) {
			t.Errorf("scoped() = %v; want %v", got, Integer(42))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The script kept a reference, but the scope has ended.
	err = l.LoadString("return scoped()").Exec()
	if !errors.Is(err, ErrCallbackDestructed) {
		t.Errorf("scoped() after scope = %v; want %v", err, ErrCallbackDestructed)
	}
}

func TestScopeFunctionMut(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	err := l.Scope(func(sc *Scope) error {
		var f *Function
		var err error
		f, err = sc.CreateFunctionMut(func(l *Lua, args Values) (Values, error) {
			if truthy(args.Get(0)) {
				return f.Call()
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
		if _, err := f.Call(); err != nil {
			t.Errorf("non-recursive call: %v", err)
		}
		if _, err := f.Call(Boolean(true)); !errors.Is(err, ErrRecursiveMutCallback) {
			t.Errorf("recursive call = %v; want %v", err, ErrRecursiveMutCallback)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestScopeUserData(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	registerCounter(t, l)

	var u *AnyUserData
	err := l.Scope(func(sc *Scope) error {
		var err error
		u, err = ScopeUserData(sc, counter{n: 3})
		if err != nil {
			return err
		}
		if err := TableSet(l.Globals(), "c", u); err != nil {
			return err
		}
		got, err := l.LoadString("return c:get()").Eval()
		if err != nil {
			return err
		}
		if got != Integer(3) {
			t.Errorf("c:get() = %v; want %v", got, Integer(3))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.LoadString("return c:get()").Exec(); !errors.Is(err, ErrUserDataDestructed) {
		t.Errorf("c:get() after scope = %v; want %v", err, ErrUserDataDestructed)
	}
	if _, err := Borrow[counter](u); !errors.Is(err, ErrUserDataDestructed) {
		t.Errorf("Borrow after scope = %v; want %v", err, ErrUserDataDestructed)
	}

	// A value destructed by hand inside the scope is not an error at close.
	err = l.Scope(func(sc *Scope) error {
		u, err := ScopeUserData(sc, counter{})
		if err != nil {
			return err
		}
		return u.Destruct()
	})
	if err != nil {
		t.Errorf("Scope with hand-destructed value = %v; want <nil>", err)
	}
}

func TestScopeErrorWins(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	boom := errors.New("boom")
	err := l.Scope(func(sc *Scope) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Scope() = %v; want %v", err, boom)
	}
}

func TestScopeEscaped(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	var escaped *Scope
	err := l.Scope(func(sc *Scope) error {
		escaped = sc
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := escaped.CreateFunction(func(*Lua, Values) (Values, error) {
		return nil, nil
	}); !errors.Is(err, ErrCallbackDestructed) {
		t.Errorf("CreateFunction on an ended scope = %v; want %v", err, ErrCallbackDestructed)
	}
	if _, err := ScopeUserData(escaped, counter{}); !errors.Is(err, ErrUserDataDestructed) {
		t.Errorf("ScopeUserData on an ended scope = %v; want %v", err, ErrUserDataDestructed)
	}
}
