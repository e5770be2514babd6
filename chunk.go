// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"bufio"
	"io"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

//go:generate go tool stringer -type=ChunkMode -linecomment

// ChunkMode restricts what kind of chunk source is accepted.
type ChunkMode int

const (
	// ChunkModeDetect inspects the source:
	// input starting with the binary chunk signature loads as binary,
	// everything else as text.
	ChunkModeDetect ChunkMode = iota // detect
	ChunkModeText                    // text
	ChunkModeBinary                  // binary
	ChunkModeTextAndBinary           // text or binary
)

// binarySignature is the first byte of a precompiled chunk.
const binarySignature = 0x1b

// A Chunk is a piece of Lua source or precompiled code
// waiting to be loaded into the VM.
// The zero value is not usable;
// obtain one from [Lua.Load], [Lua.LoadString], or [Lua.LoadBytes].
type Chunk struct {
	l    *Lua
	r    io.Reader
	src  []byte
	name string
	mode ChunkMode
	env  *Table
}

// Load prepares a chunk read from r.
func (l *Lua) Load(r io.Reader) *Chunk {
	return &Chunk{l: l, r: r, name: "=(load)"}
}

// LoadString prepares a chunk from Lua source text.
// The source doubles as the chunk name until [Chunk.SetName] is called,
// mirroring luaL_loadstring.
func (l *Lua) LoadString(src string) *Chunk {
	return &Chunk{l: l, src: []byte(src), name: src}
}

// LoadBytes prepares a chunk from a byte slice,
// which may hold either source text or a precompiled chunk.
func (l *Lua) LoadBytes(src []byte) *Chunk {
	return &Chunk{l: l, src: src, name: "=(load)"}
}

// SetName sets the chunk name used in error messages and tracebacks.
// Names starting with "@" refer to files, "=" to raw descriptions.
func (c *Chunk) SetName(name string) *Chunk {
	c.name = name
	return c
}

// SetMode restricts the accepted chunk format.
// Binary chunks are rejected on safe VMs regardless of mode.
func (c *Chunk) SetMode(mode ChunkMode) *Chunk {
	c.mode = mode
	return c
}

// SetEnvironment replaces the chunk's _ENV upvalue with env,
// so that the loaded code sees env instead of the globals table.
func (c *Chunk) SetEnvironment(env *Table) *Chunk {
	c.env = env
	return c
}

// Exec loads and runs the chunk, discarding its results.
func (c *Chunk) Exec() error {
	_, err := c.run(nil, false)
	return err
}

// Eval loads and runs the chunk and returns its first result.
// Use [Chunk.Call] to observe every result.
func (c *Chunk) Eval() (Value, error) {
	results, err := c.run(nil, true)
	if err != nil {
		return nil, err
	}
	return results.Get(0), nil
}

// Call loads the chunk and runs it with the given arguments.
func (c *Chunk) Call(args ...Value) (Values, error) {
	return c.run(args, true)
}

// Function loads the chunk without running it.
func (c *Chunk) Function() (*Function, error) {
	l := c.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return l.newFunctionRef(l.popRef()), nil
}

func (c *Chunk) run(args []Value, wantResults bool) (Values, error) {
	l := c.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(len(args) + 3) {
		return nil, ErrStackOverflow
	}
	base := s.Top()
	if err := c.load(); err != nil {
		return nil, err
	}
	for _, a := range args {
		if err := l.pushValue(a); err != nil {
			s.SetTop(base)
			return nil, err
		}
	}
	nResults := 0
	if wantResults {
		nResults = lua.MultipleReturns
	}
	if err := l.callProtected(len(args), nResults); err != nil {
		return nil, err
	}
	if !wantResults {
		return nil, nil
	}
	n := s.Top() - base
	results := make(Values, 0, n)
	for i := base + 1; i <= base+n; i++ {
		v, err := l.valueAt(i)
		if err != nil {
			s.SetTop(base)
			return nil, err
		}
		results = append(results, v)
	}
	s.SetTop(base)
	return results, nil
}

// load compiles the chunk and leaves the resulting function
// on top of the stack.
func (c *Chunk) load() error {
	l := c.l
	s := l.state
	if !s.CheckStack(2) {
		return ErrStackOverflow
	}

	var err error
	if c.r != nil {
		br := bufio.NewReader(c.r)
		mode, merr := c.loadMode(func() (byte, bool) {
			first, perr := br.Peek(1)
			if perr != nil || len(first) == 0 {
				return 0, false
			}
			return first[0], true
		})
		if merr != nil {
			return merr
		}
		err = s.Load(br, c.name, mode)
	} else {
		mode, merr := c.loadMode(func() (byte, bool) {
			if len(c.src) == 0 {
				return 0, false
			}
			return c.src[0], true
		})
		if merr != nil {
			return merr
		}
		err = s.LoadString(string(c.src), c.name, mode)
	}
	if err != nil {
		code, _ := lua.AsError(err)
		return l.popError(code)
	}

	if c.env != nil {
		if c.env.l != l {
			panic(ErrMismatchedLua)
		}
		c.env.push()
		if _, ok := s.SetUpvalue(-2, 1); !ok {
			s.Pop(1)
		}
	}
	return nil
}

// loadMode resolves the effective lua_load mode string.
// first reports the first byte of the source, if there is one.
func (c *Chunk) loadMode(first func() (byte, bool)) (string, error) {
	safety := &SafetyError{Message: "binary chunks are unsafe"}
	switch c.mode {
	case ChunkModeText:
		return "t", nil
	case ChunkModeBinary:
		if c.l.safe {
			return "", safety
		}
		return "b", nil
	case ChunkModeTextAndBinary:
		if c.l.safe {
			return "", safety
		}
		return "bt", nil
	default:
		if b, ok := first(); ok && b == binarySignature {
			if c.l.safe {
				return "", safety
			}
			return "b", nil
		}
		return "t", nil
	}
}
