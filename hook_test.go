// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetHookCount(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	budget := errors.New("instruction budget exhausted")
	fired := 0
	err := l.SetHook(HookTriggers{EveryNthInstruction: 100}, func(l *Lua, ev *DebugEvent) error {
		if ev.Kind != EventCount {
			t.Errorf("event kind = %v; want %v", ev.Kind, EventCount)
		}
		fired++
		if fired >= 5 {
			return budget
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = l.LoadString("while true do end").Exec()
	if !errors.Is(err, budget) {
		t.Errorf("infinite loop = %v; want cause %v", err, budget)
	}
	if fired != 5 {
		t.Errorf("hook fired %d times; want 5", fired)
	}

	// The interrupted interpreter keeps working.
	if err := l.RemoveHook(); err != nil {
		t.Fatal(err)
	}
	got, err := l.LoadString("return 2 + 2").Eval()
	if err != nil {
		t.Fatal(err)
	}
	if got != Integer(4) {
		t.Errorf("after interrupt, 2 + 2 = %v; want %v", got, Integer(4))
	}
}

func TestSetHookLine(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	var lines []int
	err := l.SetHook(HookTriggers{EveryLine: true}, func(l *Lua, ev *DebugEvent) error {
		if ev.Kind == EventLine {
			lines = append(lines, ev.CurrentLine)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = l.LoadString("local a = 1\nlocal b = 2\nreturn a + b").Exec()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.RemoveHook(); err != nil {
		t.Fatal(err)
	}

	want := []int{1, 2, 3}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestSetHookCalls(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	var names []string
	err := l.SetHook(HookTriggers{OnCalls: true, OnReturns: true}, func(l *Lua, ev *DebugEvent) error {
		if ev.Kind == EventCall && ev.Name != "" {
			names = append(names, ev.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = l.LoadString(`
		local function greet() return "hi" end
		greet()
	`).Exec()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.RemoveHook(); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, n := range names {
		if n == "greet" {
			found = true
		}
	}
	if !found {
		t.Errorf("call names = %q; want %q among them", names, "greet")
	}
}

func TestRemoveHook(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	fired := 0
	err := l.SetHook(HookTriggers{EveryLine: true}, func(*Lua, *DebugEvent) error {
		fired++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.LoadString("local a = 1").Exec(); err != nil {
		t.Fatal(err)
	}
	if fired == 0 {
		t.Fatal("hook never fired")
	}

	// A nil hook function removes the hook.
	if err := l.SetHook(HookTriggers{EveryLine: true}, nil); err != nil {
		t.Fatal(err)
	}
	before := fired
	if err := l.LoadString("local a = 1").Exec(); err != nil {
		t.Fatal(err)
	}
	if fired != before {
		t.Errorf("hook fired %d more times after removal", fired-before)
	}
}

func TestSetWarningFunction(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	type piece struct {
		Msg  string
		Cont bool
	}
	var pieces []piece
	err := l.SetWarningFunction(func(l *Lua, msg string, toBeContinued bool) {
		pieces = append(pieces, piece{Msg: msg, Cont: toBeContinued})
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.LoadString(`warn("alpha", "beta")`).Exec(); err != nil {
		t.Fatal(err)
	}
	want := []piece{
		{Msg: "alpha", Cont: true},
		{Msg: "beta", Cont: false},
	}
	if diff := cmp.Diff(want, pieces); diff != "" {
		t.Errorf("warning pieces (-want +got):\n%s", diff)
	}

	t.Run("Removed", func(t *testing.T) {
		if err := l.RemoveWarningFunction(); err != nil {
			t.Fatal(err)
		}
		before := len(pieces)
		if err := l.LoadString(`warn("dropped")`).Exec(); err != nil {
			t.Fatal(err)
		}
		if len(pieces) != before {
			t.Errorf("warning function fired after removal: %q", pieces[before:])
		}
	})
}

func TestHookError(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	halt := errors.New("halt")
	err := l.SetHook(HookTriggers{EveryLine: true}, func(*Lua, *DebugEvent) error {
		return halt
	})
	if err != nil {
		t.Fatal(err)
	}
	err = l.LoadString("local a = 1").Exec()
	if !errors.Is(err, halt) {
		t.Errorf("Exec() = %v; want cause %v", err, halt)
	}
	var callbackError *CallbackError
	if !errors.As(err, &callbackError) {
		t.Errorf("Exec() = %T; want *CallbackError", err)
	}
	if err := l.RemoveHook(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(callbackError.Error(), "halt") {
		t.Errorf("error text = %q; want it to mention the cause", callbackError.Error())
	}
}
