// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"strings"
	"testing"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

func TestCreateFunction(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	sum, err := l.CreateFunction(func(l *Lua, args Values) (Values, error) {
		var total int64
		for i := range args {
			n, err := FromValue[int64](l, args.Get(i))
			if err != nil {
				return nil, err
			}
			total += n
		}
		return Values{Integer(total)}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := TableSet(l.Globals(), "sum", sum); err != nil {
		t.Fatal(err)
	}

	got, err := l.LoadString("return sum(2, 3) - 5").Eval()
	if err != nil {
		t.Fatal(err)
	}
	if got != Integer(0) {
		t.Errorf("sum(2, 3) - 5 = %v; want %v", got, Integer(0))
	}

	// The callback must survive a full collection cycle.
	if err := l.GCCollect(); err != nil {
		t.Fatal(err)
	}
	got, err = l.LoadString("return sum(10, 20, 30)").Eval()
	if err != nil {
		t.Fatal(err)
	}
	if got != Integer(60) {
		t.Errorf("after GC, sum(10, 20, 30) = %v; want %v", got, Integer(60))
	}
}

func TestCallbackError(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	boom := errors.New("boom")
	f, err := l.CreateFunction(func(*Lua, Values) (Values, error) {
		return nil, boom
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Identity", func(t *testing.T) {
		_, err := f.Call()
		if !errors.Is(err, boom) {
			t.Fatalf("Call() = %v; want cause %v", err, boom)
		}
		var callbackError *CallbackError
		if !errors.As(err, &callbackError) {
			t.Fatalf("Call() = %T; want *CallbackError", err)
		}
		if callbackError.Traceback == "" {
			t.Error("CallbackError.Traceback is empty")
		}
	})

	t.Run("CaughtByPCall", func(t *testing.T) {
		if err := TableSet(l.Globals(), "fail", f); err != nil {
			t.Fatal(err)
		}
		got, err := l.LoadString("local ok, e = pcall(fail)\nreturn ok, tostring(e)").Call()
		if err != nil {
			t.Fatal(err)
		}
		if ok := got.Get(0); ok != Boolean(false) {
			t.Errorf("pcall ok = %v; want false", ok)
		}
		msg, err := FromValue[string](l, got.Get(1))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(msg, "boom") {
			t.Errorf("pcall message = %q; want it to contain %q", msg, "boom")
		}
	})

	t.Run("NotRewrapped", func(t *testing.T) {
		// An error crossing a second host boundary keeps the
		// traceback captured at the innermost frame.
		_, inner := f.Call()
		if inner == nil {
			t.Fatal("Call() succeeded; want error")
		}
		passthrough, err := l.CreateFunction(func(*Lua, Values) (Values, error) {
			return nil, inner
		})
		if err != nil {
			t.Fatal(err)
		}
		_, outer := passthrough.Call()
		if outer == nil {
			t.Fatal("passthrough.Call() succeeded; want error")
		}
		if outer != inner {
			t.Errorf("outer boundary re-wrapped the error: got %v; want %v", outer, inner)
		}
	})
}

func TestCallbackPanic(t *testing.T) {
	t.Run("Repanics", func(t *testing.T) {
		l := New()
		defer func() {
			if err := l.Close(); err != nil {
				t.Error("Close:", err)
			}
		}()

		f, err := l.CreateFunction(func(*Lua, Values) (Values, error) {
			panic("kaboom")
		})
		if err != nil {
			t.Fatal(err)
		}

		func() {
			defer func() {
				if got := recover(); got != "kaboom" {
					t.Errorf("recovered %v; want %q", got, "kaboom")
				}
			}()
			f.Call()
			t.Error("Call() returned; want panic")
		}()

		// The VM must remain usable after containment.
		got, err := l.LoadString("return 1 + 1").Eval()
		if err != nil {
			t.Fatal(err)
		}
		if got != Integer(2) {
			t.Errorf("after panic, 1 + 1 = %v; want %v", got, Integer(2))
		}
	})

	t.Run("PanicsAsErrors", func(t *testing.T) {
		l, err := NewWith(LibAllSafe, Options{PanicsAsErrors: true})
		if err != nil {
			t.Fatal(err)
		}
		defer func() {
			if err := l.Close(); err != nil {
				t.Error("Close:", err)
			}
		}()

		f, err := l.CreateFunction(func(*Lua, Values) (Values, error) {
			panic("kaboom")
		})
		if err != nil {
			t.Fatal(err)
		}
		_, err = f.Call()
		if err == nil {
			t.Fatal("Call() succeeded; want error")
		}
		if !strings.Contains(err.Error(), "kaboom") {
			t.Errorf("Call() = %v; want panic message", err)
		}
	})
}

func TestPanicResumedOnce(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	if err := l.enter(); err != nil {
		t.Fatal(err)
	}

	pe := &panicError{payload: "boom"}
	if err := l.pushError(pe); err != nil {
		t.Fatal(err)
	}
	func() {
		defer func() {
			if got := recover(); got != "boom" {
				t.Errorf("recovered %v; want %q", got, "boom")
			}
		}()
		l.popError(lua.ErrRun)
		t.Error("popError did not resume the panic")
	}()

	// A second crossing of the same panic reports the loss
	// instead of repanicking.
	if err := l.pushError(pe); err != nil {
		t.Fatal(err)
	}
	if err := l.popError(lua.ErrRun); !errors.Is(err, ErrPreviouslyResumedPanic) {
		t.Errorf("second popError = %v; want %v", err, ErrPreviouslyResumedPanic)
	}
}

func TestCreateFunctionMut(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	t.Run("MutatesState", func(t *testing.T) {
		var calls int
		f, err := l.CreateFunctionMut(func(*Lua, Values) (Values, error) {
			calls++
			return Values{Integer(calls)}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		for want := int64(1); want <= 3; want++ {
			results, err := f.Call()
			if err != nil {
				t.Fatal(err)
			}
			if got := results.Get(0); got != Integer(want) {
				t.Errorf("call %d = %v; want %v", want, got, Integer(want))
			}
		}
	})

	t.Run("Recursion", func(t *testing.T) {
		var f *Function
		var err error
		f, err = l.CreateFunctionMut(func(l *Lua, args Values) (Values, error) {
			if truthy(args.Get(0)) {
				return f.Call()
			}
			return Values{Boolean(true)}, nil
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := f.Call(); err != nil {
			t.Errorf("non-recursive call: %v", err)
		}
		if _, err := f.Call(Boolean(true)); !errors.Is(err, ErrRecursiveMutCallback) {
			t.Errorf("recursive call = %v; want %v", err, ErrRecursiveMutCallback)
		}
		// A failed recursive call must not wedge the callback.
		if _, err := f.Call(); err != nil {
			t.Errorf("call after failed recursion: %v", err)
		}
	})
}

func TestCallbackArguments(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	echo, err := l.CreateFunction(func(l *Lua, args Values) (Values, error) {
		// args is recycled after return; the results are fresh values.
		out := make(Values, len(args))
		copy(out, args)
		return out, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := TableSet(l.Globals(), "echo", echo); err != nil {
		t.Fatal(err)
	}

	got, err := l.LoadString(`return echo(1, "two", true, nil)`).Call()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("len(results) = %d; want 4", len(got))
	}
	if got[0] != Integer(1) {
		t.Errorf("results[0] = %v; want %v", got[0], Integer(1))
	}
	s, ok := got[1].(*String)
	if !ok || s.String() != "two" {
		t.Errorf("results[1] = %v; want string %q", got[1], "two")
	}
	if got[2] != Boolean(true) {
		t.Errorf("results[2] = %v; want %v", got[2], Boolean(true))
	}
	if got[3] != nil {
		t.Errorf("results[3] = %v; want nil", got[3])
	}
}
