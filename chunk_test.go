// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestChunkEval(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   Value
	}{
		{
			name:   "Integer",
			source: "return 2 + 2",
			want:   Integer(4),
		},
		{
			name:   "Float",
			source: "return 1 / 2",
			want:   Number(0.5),
		},
		{
			name:   "Boolean",
			source: "return 1 == 1",
			want:   Boolean(true),
		},
		{
			name:   "Nil",
			source: "return nil",
			want:   nil,
		},
		{
			name:   "NoResults",
			source: "local x = 1",
			want:   nil,
		},
		{
			name:   "FirstOfMany",
			source: "return 10, 20, 30",
			want:   Integer(10),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			l := New()
			defer func() {
				if err := l.Close(); err != nil {
					t.Error("Close:", err)
				}
			}()

			got, err := l.LoadString(test.source).Eval()
			if err != nil {
				t.Fatal(err)
			}
			if got != test.want {
				t.Errorf("Eval(%q) = %v; want %v", test.source, got, test.want)
			}
		})
	}
}

func TestChunkCall(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	got, err := l.LoadString("local a, b = ...\nreturn a + b, a - b").Call(Integer(7), Integer(3))
	if err != nil {
		t.Fatal(err)
	}
	want := Values{Integer(10), Integer(4)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
}

func TestChunkFunction(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	f, err := l.LoadString("count = (count or 0) + 1\nreturn count").Function()
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
}

func TestChunkReader(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	got, err := l.Load(strings.NewReader("return 'from reader'")).Eval()
	if err != nil {
		t.Fatal(err)
	}
	s, ok := got.(*String)
	if !ok {
		t.Fatalf("result is %T; want *String", got)
	}
	if got, want := s.String(), "from reader"; got != want {
		t.Errorf("result = %q; want %q", got, want)
	}
}

func TestChunkName(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	err := l.LoadString("this is not lua").SetName("=myscript").Exec()
	var syntaxError *SyntaxError
	if !errors.As(err, &syntaxError) {
		t.Fatalf("Exec() = %v; want *SyntaxError", err)
	}
	if !strings.Contains(syntaxError.Message, "myscript") {
		t.Errorf("error message %q does not mention chunk name", syntaxError.Message)
	}
	if syntaxError.IncompleteInput {
		t.Error("IncompleteInput = true; want false")
	}
}

func TestChunkIncompleteInput(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	err := l.LoadString("if true then").Exec()
	var syntaxError *SyntaxError
	if !errors.As(err, &syntaxError) {
		t.Fatalf("Exec() = %v; want *SyntaxError", err)
	}
	if !syntaxError.IncompleteInput {
		t.Error("IncompleteInput = false; want true")
	}
}

func TestChunkEnvironment(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	env, err := l.CreateTable()
	if err != nil {
		t.Fatal(err)
	}
	if err := TableSet(env, "x", 27); err != nil {
		t.Fatal(err)
	}

	got, err := l.LoadString("return x").SetEnvironment(env).Eval()
	if err != nil {
		t.Fatal(err)
	}
	if got != Integer(27) {
		t.Errorf("x in environment = %v; want %v", got, Integer(27))
	}

	// The sandboxed chunk must not observe real globals.
	if err := TableSet(l.Globals(), "y", "leaked"); err != nil {
		t.Fatal(err)
	}
	got, err = l.LoadString("return y").SetEnvironment(env).Eval()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("y in environment = %v; want nil", got)
	}
}

func TestChunkModes(t *testing.T) {
	compile := func(t *testing.T) []byte {
		unsafe := NewUnsafe()
		defer func() {
			if err := unsafe.Close(); err != nil {
				t.Error("Close:", err)
			}
		}()
		f, err := unsafe.LoadString("return 6 * 7").Function()
		if err != nil {
			t.Fatal(err)
		}
		bin, err := f.Dump(false)
		if err != nil {
			t.Fatal(err)
		}
		if len(bin) == 0 || bin[0] != binarySignature {
			t.Fatalf("dump does not start with signature byte: %x", bin[:min(len(bin), 4)])
		}
		return bin
	}

	t.Run("SafeRefusesBinary", func(t *testing.T) {
		bin := compile(t)
		l := New()
		defer func() {
			if err := l.Close(); err != nil {
				t.Error("Close:", err)
			}
		}()

		var safetyError *SafetyError
		if err := l.LoadBytes(bin).Exec(); !errors.As(err, &safetyError) {
			t.Errorf("Exec(binary) = %v; want *SafetyError", err)
		}
		if err := l.LoadString("return 1").SetMode(ChunkModeBinary).Exec(); !errors.As(err, &safetyError) {
			t.Errorf("Exec(ChunkModeBinary) = %v; want *SafetyError", err)
		}
		if err := l.LoadString("return 1").SetMode(ChunkModeTextAndBinary).Exec(); !errors.As(err, &safetyError) {
			t.Errorf("Exec(ChunkModeTextAndBinary) = %v; want *SafetyError", err)
		}
	})

	t.Run("UnsafeRunsBinary", func(t *testing.T) {
		bin := compile(t)
		l := NewUnsafe()
		defer func() {
			if err := l.Close(); err != nil {
				t.Error("Close:", err)
			}
		}()

		got, err := l.LoadBytes(bin).SetMode(ChunkModeBinary).Eval()
		if err != nil {
			t.Fatal(err)
		}
		if got != Integer(42) {
			t.Errorf("binary chunk = %v; want %v", got, Integer(42))
		}

		// Auto mode sniffs the signature byte.
		got, err = l.LoadBytes(bin).Eval()
		if err != nil {
			t.Fatal(err)
		}
		if got != Integer(42) {
			t.Errorf("sniffed binary chunk = %v; want %v", got, Integer(42))
		}
	})

	t.Run("TextModeRejectsBinary", func(t *testing.T) {
		bin := compile(t)
		l := NewUnsafe()
		defer func() {
			if err := l.Close(); err != nil {
				t.Error("Close:", err)
			}
		}()

		if err := l.LoadBytes(bin).SetMode(ChunkModeText).Exec(); err == nil {
			t.Error("Exec(binary as text) succeeded; want error")
		}
	})
}

func TestChunkRuntimeError(t *testing.T) {
	l := New()
	defer func() {
		if err := l.Close(); err != nil {
			t.Error("Close:", err)
		}
	}()

	err := l.LoadString("error('kaboom')").Exec()
	var runtimeError *RuntimeError
	if !errors.As(err, &runtimeError) {
		t.Fatalf("Exec() = %v; want *RuntimeError", err)
	}
	if !strings.Contains(runtimeError.Message, "kaboom") {
		t.Errorf("error message = %q; want it to contain %q", runtimeError.Message, "kaboom")
	}
}
