// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import "testing"

func TestGCStopRestart(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	if !l.GCIsRunning() {
		t.Error("GCIsRunning() = false on a fresh interpreter")
	}
	if err := l.GCStop(); err != nil {
		t.Fatal(err)
	}
	if l.GCIsRunning() {
		t.Error("GCIsRunning() = true after GCStop")
	}
	if err := l.GCRestart(); err != nil {
		t.Fatal(err)
	}
	if !l.GCIsRunning() {
		t.Error("GCIsRunning() = false after GCRestart")
	}
}

func TestGCCollect(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	err := l.LoadString(`
		garbage = {}
		for i = 1, 1000 do garbage[i] = ("block %d"):format(i) end
	`).Exec()
	if err != nil {
		t.Fatal(err)
	}
	before := l.UsedMemory()

	if err := l.LoadString("garbage = nil").Exec(); err != nil {
		t.Fatal(err)
	}
	if err := l.GCCollect(); err != nil {
		t.Fatal(err)
	}
	after := l.UsedMemory()
	if after >= before {
		t.Errorf("UsedMemory() = %d after collection; want less than %d", after, before)
	}
}

func TestGCCount(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	if got := l.GCCount(); got <= 0 {
		t.Errorf("GCCount() = %d; want positive", got)
	}
}

func TestGCStep(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	if err := l.GCStep(0); err != nil {
		t.Fatal(err)
	}
	if err := l.GCStep(10); err != nil {
		t.Fatal(err)
	}
	got, err := l.LoadString("return 1").Eval()
	if err != nil {
		t.Fatal(err)
	}
	if got != Integer(1) {
		t.Errorf("after stepping, chunk = %v; want %v", got, Integer(1))
	}
}

func TestGCModes(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	if err := l.SetGCGenerational(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.GCCollect(); err != nil {
		t.Fatal(err)
	}
	if err := l.SetGCIncremental(0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.GCCollect(); err != nil {
		t.Fatal(err)
	}
	got, err := l.LoadString("return 1").Eval()
	if err != nil {
		t.Fatal(err)
	}
	if got != Integer(1) {
		t.Errorf("after mode changes, chunk = %v; want %v", got, Integer(1))
	}
}
