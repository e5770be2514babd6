// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type counter struct {
	n int64
}

func registerCounter(t *testing.T, l *Lua) {
	t.Helper()
	err := RegisterType[counter](l, "counter", func(b *TypeBuilder[counter]) {
		b.AddMethodMut("add", func(l *Lua, self *counter, args Values) (Values, error) {
			n, err := FromValue[int64](l, args.Get(0))
			if err != nil {
				return nil, err
			}
			self.n += n
			return nil, nil
		})
		b.AddMethod("get", func(l *Lua, self counter, args Values) (Values, error) {
			return Values{Integer(self.n)}, nil
		})
		b.AddFieldGet("value", func(l *Lua, self counter) (Value, error) {
			return Integer(self.n), nil
		})
		b.AddFieldSet("value", func(l *Lua, self *counter, v Value) error {
			n, err := FromValue[int64](l, v)
			if err != nil {
				return err
			}
			self.n = n
			return nil
		})
		b.AddMetaMethod("__add", func(l *Lua, self counter, args Values) (Values, error) {
			n, err := FromValue[int64](l, args.Get(0))
			if err != nil {
				return nil, err
			}
			return Values{Integer(self.n + n)}, nil
		})
		b.AddMetaMethod("__tostring", func(l *Lua, self counter, args Values) (Values, error) {
			s, err := l.CreateString(fmt.Sprintf("counter(%d)", self.n))
			if err != nil {
				return nil, err
			}
			return Values{s}, nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUserData(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	registerCounter(t, l)

	u, err := NewUserData(l, counter{n: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := TableSet(l.Globals(), "c", u); err != nil {
		t.Fatal(err)
	}

	t.Run("MethodMut", func(t *testing.T) {
		if err := l.LoadString("c:add(5)").Exec(); err != nil {
			t.Fatal(err)
		}
		g, err := Borrow[counter](u)
		if err != nil {
			t.Fatal(err)
		}
		defer g.Close()
		if got := g.Value().n; got != 6 {
			t.Errorf("counter = %d; want 6", got)
		}
	})

	t.Run("Method", func(t *testing.T) {
		got, err := l.LoadString("return c:get()").Eval()
		if err != nil {
			t.Fatal(err)
		}
		if got != Integer(6) {
			t.Errorf("c:get() = %v; want %v", got, Integer(6))
		}
	})

	t.Run("FieldGet", func(t *testing.T) {
		got, err := l.LoadString("return c.value").Eval()
		if err != nil {
			t.Fatal(err)
		}
		if got != Integer(6) {
			t.Errorf("c.value = %v; want %v", got, Integer(6))
		}
	})

	t.Run("FieldSet", func(t *testing.T) {
		if err := l.LoadString("c.value = 9").Exec(); err != nil {
			t.Fatal(err)
		}
		got, err := l.LoadString("return c.value").Eval()
		if err != nil {
			t.Fatal(err)
		}
		if got != Integer(9) {
			t.Errorf("c.value = %v; want %v", got, Integer(9))
		}
	})

	t.Run("UnknownFieldSet", func(t *testing.T) {
		err := l.LoadString("c.bogus = 1").Exec()
		if err == nil {
			t.Fatal("assigning an unknown field succeeded")
		}
		if !strings.Contains(err.Error(), "unknown field") {
			t.Errorf("error = %v; want unknown field message", err)
		}
	})

	t.Run("Add", func(t *testing.T) {
		got, err := l.LoadString("return c + 10").Eval()
		if err != nil {
			t.Fatal(err)
		}
		if got != Integer(19) {
			t.Errorf("c + 10 = %v; want %v", got, Integer(19))
		}
	})

	t.Run("ToString", func(t *testing.T) {
		got, err := l.LoadString("return tostring(c)").Eval()
		if err != nil {
			t.Fatal(err)
		}
		s, ok := got.(*String)
		if !ok {
			t.Fatalf("tostring(c) = %T; want *String", got)
		}
		if s.String() != "counter(9)" {
			t.Errorf("tostring(c) = %q; want %q", s.String(), "counter(9)")
		}
	})

	t.Run("TypeName", func(t *testing.T) {
		got, err := u.TypeName()
		if err != nil {
			t.Fatal(err)
		}
		if got != "counter" {
			t.Errorf("TypeName() = %q; want %q", got, "counter")
		}
	})
}

func TestUserDataBorrow(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	registerCounter(t, l)

	u, err := NewUserData(l, counter{n: 1})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("SharedAliases", func(t *testing.T) {
		g1, err := Borrow[counter](u)
		if err != nil {
			t.Fatal(err)
		}
		defer g1.Close()
		g2, err := Borrow[counter](u)
		if err != nil {
			t.Fatalf("second shared borrow: %v", err)
		}
		defer g2.Close()
		if _, err := BorrowMut[counter](u); !errors.Is(err, ErrUserDataBorrowMut) {
			t.Errorf("BorrowMut during shared borrow = %v; want %v", err, ErrUserDataBorrowMut)
		}
	})

	t.Run("ExclusiveExcludes", func(t *testing.T) {
		g, err := BorrowMut[counter](u)
		if err != nil {
			t.Fatal(err)
		}
		defer g.Close()
		if _, err := Borrow[counter](u); !errors.Is(err, ErrUserDataBorrow) {
			t.Errorf("Borrow during exclusive borrow = %v; want %v", err, ErrUserDataBorrow)
		}
		if _, err := BorrowMut[counter](u); !errors.Is(err, ErrUserDataBorrowMut) {
			t.Errorf("second BorrowMut = %v; want %v", err, ErrUserDataBorrowMut)
		}
	})

	t.Run("CloseReleases", func(t *testing.T) {
		g, err := BorrowMut[counter](u)
		if err != nil {
			t.Fatal(err)
		}
		g.Value().n = 5
		g.Close()
		g.Close() // idempotent
		g2, err := Borrow[counter](u)
		if err != nil {
			t.Fatalf("borrow after release: %v", err)
		}
		defer g2.Close()
		if got := g2.Value().n; got != 5 {
			t.Errorf("counter = %d; want 5", got)
		}
	})

	t.Run("ReentrantMut", func(t *testing.T) {
		// A mutating method re-entering the same value
		// must see the exclusive borrow, not deadlock or alias.
		err := RegisterType[counter](l, "counter", func(b *TypeBuilder[counter]) {
			b.AddMethodMut("sneak", func(l *Lua, self *counter, args Values) (Values, error) {
				ud, ok := args.Get(0).(*AnyUserData)
				if !ok {
					return nil, ErrUserDataTypeMismatch
				}
				_, err := BorrowMut[counter](ud)
				return nil, err
			})
		})
		if err != nil {
			t.Fatal(err)
		}
		ud, err := NewUserData(l, counter{})
		if err != nil {
			t.Fatal(err)
		}
		if err := TableSet(l.Globals(), "ud", ud); err != nil {
			t.Fatal(err)
		}
		err = l.LoadString("ud:sneak(ud)").Exec()
		if !errors.Is(err, ErrUserDataBorrowMut) {
			t.Errorf("reentrant mut borrow = %v; want %v", err, ErrUserDataBorrowMut)
		}
	})
}

func TestUserDataTypeMismatch(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	registerCounter(t, l)

	u, err := NewUserData(l, counter{n: 1})
	if err != nil {
		t.Fatal(err)
	}
	type other struct{ s string }
	if _, err := Borrow[other](u); !errors.Is(err, ErrUserDataTypeMismatch) {
		t.Errorf("Borrow[other] = %v; want %v", err, ErrUserDataTypeMismatch)
	}
	if _, err := Take[other](u); !errors.Is(err, ErrUserDataTypeMismatch) {
		t.Errorf("Take[other] = %v; want %v", err, ErrUserDataTypeMismatch)
	}
}

func TestUserDataTake(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	registerCounter(t, l)

	u, err := NewUserData(l, counter{n: 42})
	if err != nil {
		t.Fatal(err)
	}
	if err := TableSet(l.Globals(), "c", u); err != nil {
		t.Fatal(err)
	}

	got, err := Take[counter](u)
	if err != nil {
		t.Fatal(err)
	}
	if got.n != 42 {
		t.Errorf("Take[counter](u).n = %d; want 42", got.n)
	}

	if _, err := Borrow[counter](u); !errors.Is(err, ErrUserDataDestructed) {
		t.Errorf("Borrow after Take = %v; want %v", err, ErrUserDataDestructed)
	}
	if err := l.LoadString("return c:get()").Exec(); !errors.Is(err, ErrUserDataDestructed) {
		t.Errorf("script access after Take = %v; want %v", err, ErrUserDataDestructed)
	}
}

func TestUserDataDestruct(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	registerCounter(t, l)

	u, err := NewUserData(l, counter{n: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := TableSet(l.Globals(), "c", u); err != nil {
		t.Fatal(err)
	}

	t.Run("WhileBorrowed", func(t *testing.T) {
		g, err := Borrow[counter](u)
		if err != nil {
			t.Fatal(err)
		}
		defer g.Close()
		if err := u.Destruct(); !errors.Is(err, ErrUserDataBorrowMut) {
			t.Errorf("Destruct while borrowed = %v; want %v", err, ErrUserDataBorrowMut)
		}
	})

	if err := u.Destruct(); err != nil {
		t.Fatal(err)
	}

	t.Run("HostAccess", func(t *testing.T) {
		if _, err := Borrow[counter](u); !errors.Is(err, ErrUserDataDestructed) {
			t.Errorf("Borrow = %v; want %v", err, ErrUserDataDestructed)
		}
		if _, err := u.TypeName(); !errors.Is(err, ErrUserDataDestructed) {
			t.Errorf("TypeName() = %v; want %v", err, ErrUserDataDestructed)
		}
		if err := u.Destruct(); !errors.Is(err, ErrUserDataDestructed) {
			t.Errorf("second Destruct() = %v; want %v", err, ErrUserDataDestructed)
		}
	})

	t.Run("ScriptAccess", func(t *testing.T) {
		tests := []struct {
			name string
			src  string
		}{
			{name: "Method", src: "return c:get()"},
			{name: "Index", src: "return c.value"},
			{name: "Arith", src: "return c + 1"},
			{name: "ToString", src: "return tostring(c)"},
			{name: "Compare", src: "return c < c"},
		}
		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				err := l.LoadString(test.src).Exec()
				if !errors.Is(err, ErrUserDataDestructed) {
					t.Errorf("%q = %v; want %v", test.src, err, ErrUserDataDestructed)
				}
			})
		}
	})
}

func TestUserDataUserValue(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()
	registerCounter(t, l)

	u, err := NewUserData(l, counter{})
	if err != nil {
		t.Fatal(err)
	}

	got, err := u.UserValue()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("UserValue() = %v; want nil", got)
	}

	if err := u.SetUserValue(Integer(7)); err != nil {
		t.Fatal(err)
	}
	got, err = u.UserValue()
	if err != nil {
		t.Fatal(err)
	}
	if got != Integer(7) {
		t.Errorf("UserValue() = %v; want %v", got, Integer(7))
	}
}

func TestNewUserDataUnregistered(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	type point struct{ x, y int }
	u, err := NewUserData(l, point{x: 1, y: 2})
	if err != nil {
		t.Fatal(err)
	}
	g, err := Borrow[point](u)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if got := g.Value(); got != (point{x: 1, y: 2}) {
		t.Errorf("value = %+v; want {x:1 y:2}", got)
	}
	name, err := u.TypeName()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(name, "point") {
		t.Errorf("TypeName() = %q; want it to name the Go type", name)
	}
}

func TestUserDataFinalizer(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	type resource struct{ id int }
	var finalized []int
	err := RegisterType[resource](l, "resource", func(b *TypeBuilder[resource]) {
		b.SetFinalizer(func(r resource) {
			finalized = append(finalized, r.id)
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	u, err := NewUserData(l, resource{id: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Close(); err != nil {
		t.Fatal(err)
	}
	// Two cycles: the first separates the value, the second finalizes.
	if err := l.GCCollect(); err != nil {
		t.Fatal(err)
	}
	if err := l.GCCollect(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1}, finalized); diff != "" {
		t.Errorf("finalized (-want +got):\n%s", diff)
	}

	// A destructed value's finalizer must not run.
	u2, err := NewUserData(l, resource{id: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := u2.Destruct(); err != nil {
		t.Fatal(err)
	}
	if err := u2.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.GCCollect(); err != nil {
		t.Fatal(err)
	}
	if err := l.GCCollect(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1}, finalized); diff != "" {
		t.Errorf("finalized after destruct (-want +got):\n%s", diff)
	}
}

func TestRegisterTypeValidation(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	err := RegisterType[counter](l, "bad", func(b *TypeBuilder[counter]) {
		b.AddMetaFunction("nope", func(*Lua, Values) (Values, error) { return nil, nil })
	})
	if err == nil || !strings.Contains(err.Error(), "must begin with __") {
		t.Errorf("RegisterType with bad event = %v; want name error", err)
	}

	err = RegisterType[counter](l, "bad", func(b *TypeBuilder[counter]) {
		b.AddMetaFunction("__gc", func(*Lua, Values) (Values, error) { return nil, nil })
	})
	if err == nil || !strings.Contains(err.Error(), "managed by the type registration") {
		t.Errorf("RegisterType with reserved event = %v; want reservation error", err)
	}
}
