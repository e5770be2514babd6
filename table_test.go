// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTable(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	tab, err := l.CreateTable()
	if err != nil {
		t.Fatal(err)
	}

	t.Run("SetGet", func(t *testing.T) {
		if err := tab.Set(Integer(1), Number(0.5)); err != nil {
			t.Fatal(err)
		}
		got, err := tab.Get(Integer(1))
		if err != nil {
			t.Fatal(err)
		}
		if got != Number(0.5) {
			t.Errorf("tab[1] = %v; want %v", got, Number(0.5))
		}
	})

	t.Run("MissingKey", func(t *testing.T) {
		got, err := tab.Get(Integer(999))
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("tab[999] = %v; want nil", got)
		}
	})

	t.Run("NilValueDeletes", func(t *testing.T) {
		if err := tab.Set(Integer(7), Boolean(true)); err != nil {
			t.Fatal(err)
		}
		if err := tab.Set(Integer(7), nil); err != nil {
			t.Fatal(err)
		}
		ok, err := tab.ContainsKey(Integer(7))
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("tab contains key 7 after setting it to nil")
		}
	})

	t.Run("ContainsKey", func(t *testing.T) {
		if err := TableSet(tab, "present", 1); err != nil {
			t.Fatal(err)
		}
		key, err := l.CreateString("present")
		if err != nil {
			t.Fatal(err)
		}
		got, err := tab.ContainsKey(key)
		if err != nil {
			t.Fatal(err)
		}
		if !got {
			t.Error(`tab.ContainsKey("present") = false; want true`)
		}
		absent, err := l.CreateString("absent")
		if err != nil {
			t.Fatal(err)
		}
		got, err = tab.ContainsKey(absent)
		if err != nil {
			t.Fatal(err)
		}
		if got {
			t.Error(`tab.ContainsKey("absent") = true; want false`)
		}
	})
}

func TestTableAppend(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	tab, err := l.CreateTable()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []Value{Integer(10), Integer(20), Integer(30)} {
		if err := tab.Append(v); err != nil {
			t.Fatal(err)
		}
	}

	n, err := tab.RawLength()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("RawLength() = %d; want 3", n)
	}
	got, err := FromValue[[]int64](l, tab)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{10, 20, 30}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sequence (-want +got):\n%s", diff)
	}
}

func TestTableMetamethodAccess(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	err := l.LoadString(`
		backing = {x = 1}
		proxy = setmetatable({}, {
			__index = backing,
			__newindex = backing,
			__len = function() return 42 end,
		})
	`).Exec()
	if err != nil {
		t.Fatal(err)
	}
	proxy, err := TableGet[*Table](l.Globals(), "proxy")
	if err != nil {
		t.Fatal(err)
	}
	backing, err := TableGet[*Table](l.Globals(), "backing")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Get", func(t *testing.T) {
		got, err := TableGet[int64](proxy, "x")
		if err != nil {
			t.Fatal(err)
		}
		if got != 1 {
			t.Errorf("proxy.x = %d; want 1", got)
		}
	})

	t.Run("RawGet", func(t *testing.T) {
		key, err := l.CreateString("x")
		if err != nil {
			t.Fatal(err)
		}
		got, err := proxy.RawGet(key)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("rawget(proxy, \"x\") = %v; want nil", got)
		}
	})

	t.Run("Set", func(t *testing.T) {
		if err := TableSet(proxy, "y", 2); err != nil {
			t.Fatal(err)
		}
		got, err := TableGet[int64](backing, "y")
		if err != nil {
			t.Fatal(err)
		}
		if got != 2 {
			t.Errorf("backing.y = %d; want 2", got)
		}
	})

	t.Run("RawSet", func(t *testing.T) {
		key, err := l.CreateString("z")
		if err != nil {
			t.Fatal(err)
		}
		if err := proxy.RawSet(key, Integer(3)); err != nil {
			t.Fatal(err)
		}
		got, err := proxy.RawGet(key)
		if err != nil {
			t.Fatal(err)
		}
		if got != Integer(3) {
			t.Errorf("rawget(proxy, \"z\") = %v; want %v", got, Integer(3))
		}
		if got, err := TableGet[Value](backing, "z"); err != nil {
			t.Fatal(err)
		} else if got != nil {
			t.Errorf("backing.z = %v; want nil", got)
		}
	})

	t.Run("Length", func(t *testing.T) {
		got, err := proxy.Length()
		if err != nil {
			t.Fatal(err)
		}
		if got != 42 {
			t.Errorf("Length() = %d; want 42", got)
		}
		raw, err := proxy.RawLength()
		if err != nil {
			t.Fatal(err)
		}
		if raw != 0 {
			t.Errorf("RawLength() = %d; want 0", raw)
		}
	})

	t.Run("LengthError", func(t *testing.T) {
		err := l.LoadString(`
			angry = setmetatable({}, {__len = function() error("no length") end})
		`).Exec()
		if err != nil {
			t.Fatal(err)
		}
		angry, err := TableGet[*Table](l.Globals(), "angry")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := angry.Length(); err == nil {
			t.Error("Length() succeeded; want metamethod error")
		}
	})
}

func TestTableForEach(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	seq, err := l.LoadString("return {a = 1, b = 2, c = 3}").Eval()
	if err != nil {
		t.Fatal(err)
	}
	tab, ok := seq.(*Table)
	if !ok {
		t.Fatalf("chunk returned %T; want *Table", seq)
	}

	t.Run("Visit", func(t *testing.T) {
		got := make(map[string]int64)
		err := tab.ForEach(func(k, v Value) error {
			ks, err := FromValue[string](l, k)
			if err != nil {
				return err
			}
			vn, err := FromValue[int64](l, v)
			if err != nil {
				return err
			}
			got[ks] = vn
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]int64{"a": 1, "b": 2, "c": 3}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("entries (-want +got):\n%s", diff)
		}
	})

	t.Run("Stop", func(t *testing.T) {
		stop := errors.New("stop")
		visits := 0
		err := tab.ForEach(func(k, v Value) error {
			visits++
			if visits == 2 {
				return stop
			}
			return nil
		})
		if !errors.Is(err, stop) {
			t.Errorf("ForEach() = %v; want %v", err, stop)
		}
		if visits != 2 {
			t.Errorf("visits = %d; want 2", visits)
		}
	})
}

func TestTablePairs(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	v, err := l.LoadString("return {a = 1, b = 2}").Eval()
	if err != nil {
		t.Fatal(err)
	}
	tab, ok := v.(*Table)
	if !ok {
		t.Fatalf("chunk returned %T; want *Table", v)
	}

	got := make(map[string]int64)
	for k, v := range tab.Pairs() {
		ks, err := FromValue[string](l, k)
		if err != nil {
			t.Fatal(err)
		}
		vn, err := FromValue[int64](l, v)
		if err != nil {
			t.Fatal(err)
		}
		got[ks] = vn
	}
	want := map[string]int64{"a": 1, "b": 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}

	visits := 0
	for range tab.Pairs() {
		visits++
		break
	}
	if visits != 1 {
		t.Errorf("visits after break = %d; want 1", visits)
	}
}

func TestTableGetSet(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	tab, err := l.CreateTable()
	if err != nil {
		t.Fatal(err)
	}
	if err := TableSet(tab, "answer", 42); err != nil {
		t.Fatal(err)
	}

	got, err := TableGet[int64](tab, "answer")
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Errorf(`TableGet[int64](tab, "answer") = %d; want 42`, got)
	}

	if _, err := TableGet[string](tab, "answer"); err == nil {
		t.Error(`TableGet[string](tab, "answer") succeeded; want conversion error`)
	}
	var conversionError *ConversionError
	_, err = TableGet[string](tab, "answer")
	if !errors.As(err, &conversionError) {
		t.Errorf("TableGet[string] error = %T; want *ConversionError", err)
	}
}

func TestTableMetatable(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	tab, err := l.CreateTable()
	if err != nil {
		t.Fatal(err)
	}

	got, err := tab.Metatable()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("Metatable() = %v; want nil", got)
	}

	mt, err := l.CreateTable()
	if err != nil {
		t.Fatal(err)
	}
	if err := TableSet(mt, "marker", "yes"); err != nil {
		t.Fatal(err)
	}
	if err := tab.SetMetatable(mt); err != nil {
		t.Fatal(err)
	}

	got, err = tab.Metatable()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Metatable() = nil; want the metatable")
	}
	marker, err := TableGet[string](got, "marker")
	if err != nil {
		t.Fatal(err)
	}
	if marker != "yes" {
		t.Errorf("metatable marker = %q; want %q", marker, "yes")
	}
	same, err := l.Equals(got, mt)
	if err != nil {
		t.Fatal(err)
	}
	if !same {
		t.Error("Metatable() returned a different table")
	}

	if err := tab.SetMetatable(nil); err != nil {
		t.Fatal(err)
	}
	got, err = tab.Metatable()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("Metatable() after removal = %v; want nil", got)
	}
}
