// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"fmt"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// HookTriggers selects the interpreter events
// that invoke a hook installed with [Lua.SetHook].
type HookTriggers struct {
	// OnCalls fires the hook when the interpreter calls a function.
	OnCalls bool
	// OnReturns fires the hook when the interpreter returns from a function.
	OnReturns bool
	// EveryLine fires the hook before each new line of code.
	EveryLine bool
	// EveryNthInstruction fires the hook every n VM instructions.
	// Zero disables instruction counting.
	EveryNthInstruction int
}

func (t HookTriggers) mask() int {
	m := 0
	if t.OnCalls {
		m |= lua.MaskCall
	}
	if t.OnReturns {
		m |= lua.MaskRet
	}
	if t.EveryLine {
		m |= lua.MaskLine
	}
	if t.EveryNthInstruction > 0 {
		m |= lua.MaskCount
	}
	return m
}

// DebugEventKind identifies what triggered a debug hook.
type DebugEventKind int

const (
	EventCall DebugEventKind = iota
	EventReturn
	EventTailCall
	EventLine
	EventCount
)

func (k DebugEventKind) String() string {
	switch k {
	case EventCall:
		return "call"
	case EventReturn:
		return "return"
	case EventTailCall:
		return "tail call"
	case EventLine:
		return "line"
	case EventCount:
		return "count"
	default:
		return fmt.Sprintf("luma.DebugEventKind(%d)", int(k))
	}
}

// A DebugEvent describes the interpreter activity
// that triggered a debug hook.
// It is only valid for the duration of the hook call.
type DebugEvent struct {
	Kind        DebugEventKind
	Name        string
	NameWhat    string
	What        string
	Source      string
	ShortSource string
	// CurrentLine is the executing line, or -1 when unavailable.
	CurrentLine int
	LineDefined int
}

// SetHook installs f as the VM's debug hook,
// invoked for the events selected by triggers.
// An error returned by the hook is raised in the running script;
// a panic resumes on the host side of the call.
// A nil f or empty triggers removes the hook.
func (l *Lua) SetHook(triggers HookTriggers, f func(*Lua, *DebugEvent) error) error {
	if err := l.enter(); err != nil {
		return err
	}
	mask := triggers.mask()
	if f == nil || mask == 0 {
		return l.RemoveHook()
	}
	l.hookFn = f
	l.main.SetHook(l.hookBridge, mask, triggers.EveryNthInstruction)
	return nil
}

// RemoveHook uninstalls the debug hook.
func (l *Lua) RemoveHook() error {
	if err := l.enter(); err != nil {
		return err
	}
	l.hookFn = nil
	l.main.SetHook(nil, 0, 0)
	return nil
}

func (l *Lua) hookBridge(s *lua.State, event lua.HookEvent, ar *lua.ActivationRecord) error {
	f := l.hookFn
	if f == nil {
		return nil
	}
	prev := l.state
	l.state = s
	defer func() {
		l.state = prev
	}()

	reserved, err := l.reserveFailure()
	if err != nil {
		return err
	}
	ev := &DebugEvent{Kind: eventKind(event), CurrentLine: -1}
	if db := ar.Info("nSl"); db != nil {
		ev.Name = db.Name
		ev.NameWhat = db.NameWhat
		ev.What = db.What
		ev.Source = db.Source
		ev.ShortSource = db.ShortSource
		ev.CurrentLine = db.CurrentLine
		ev.LineDefined = db.LineDefined
	}
	if err := runHook(f, l, ev); err != nil {
		return l.raiseFailure(reserved, err)
	}
	l.unreserveFailure(reserved)
	return nil
}

func eventKind(event lua.HookEvent) DebugEventKind {
	switch event {
	case lua.HookCall:
		return EventCall
	case lua.HookRet:
		return EventReturn
	case lua.HookTailCall:
		return EventTailCall
	case lua.HookLine:
		return EventLine
	default:
		return EventCount
	}
}

// runHook invokes f, converting a panic the same way
// a callback panic is converted.
func runHook(f func(*Lua, *DebugEvent) error, l *Lua, ev *DebugEvent) (err error) {
	defer func() {
		if v := recover(); v != nil {
			if l.panicsAsErrors {
				err = fmt.Errorf("panic: %v", v)
			} else {
				err = &panicError{payload: v}
			}
		}
	}()
	return f(l, ev)
}

// SetWarningFunction routes warnings raised by the Lua warn function
// to f instead of the interpreter's default handling.
// toBeContinued reports that the message is a fragment
// continued by the next call.
// The function must not use the VM; warnings can fire
// at points where the interpreter cannot be re-entered.
func (l *Lua) SetWarningFunction(f func(l *Lua, msg string, toBeContinued bool)) error {
	if err := l.enter(); err != nil {
		return err
	}
	if f == nil {
		return l.RemoveWarningFunction()
	}
	l.warnFn = f
	l.main.SetWarnFunc(func(msg string, toBeContinued bool) {
		if fn := l.warnFn; fn != nil {
			fn(l, msg, toBeContinued)
		}
	})
	return nil
}

// RemoveWarningFunction restores the default warning behavior,
// which discards warning messages.
func (l *Lua) RemoveWarningFunction() error {
	if err := l.enter(); err != nil {
		return err
	}
	l.warnFn = nil
	l.main.SetWarnFunc(nil)
	return nil
}
