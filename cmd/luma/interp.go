// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	luma "luma.256lights.llc/pkg"
	"luma.256lights.llc/pkg/luajson"
	"zombiezen.com/go/log"
)

// interruptCheckInterval is the number of VM instructions
// between checks for context cancellation.
const interruptCheckInterval = 10_000

// interpreterOptions holds the flags shared by commands
// that host a local interpreter.
type interpreterOptions struct {
	libs        stringSetFlag
	unsafe      bool
	memoryLimit int64
	hookEvery   int
}

func (opts *interpreterOptions) addFlags(c *cobra.Command) {
	opts.libs.csv = true
	c.Flags().Var(&opts.libs, "lib", "standard `libraries` to open")
	c.Flags().BoolVar(&opts.unsafe, "unsafe", false, "permit binary chunks and the debug library")
	c.Flags().Int64Var(&opts.memoryLimit, "memory-limit", 0, "maximum interpreter heap size in `bytes`")
	c.Flags().IntVar(&opts.hookEvery, "hook-every", interruptCheckInterval, "`instructions` run between cancellation checks (0 to disable)")
}

// newInterpreter builds an interpreter according to opts,
// wiring in context cancellation, warning logging, and the json module.
func newInterpreter(ctx context.Context, g *globalConfig, opts *interpreterOptions) (*luma.Lua, error) {
	libs, err := opts.libs.libraries(g)
	if err != nil {
		return nil, err
	}
	if opts.unsafe && !opts.libs.changed && len(g.Libraries) == 0 {
		// Unless libraries were picked explicitly,
		// an unrestricted interpreter opens the debug library too.
		libs = luma.LibAll
	}
	var l *luma.Lua
	if opts.unsafe {
		l, err = luma.NewUnsafeWith(libs, luma.Options{})
	} else {
		l, err = luma.NewWith(libs, luma.Options{})
	}
	if err != nil {
		return nil, err
	}

	limit := g.MemoryLimit
	if opts.memoryLimit > 0 {
		limit = opts.memoryLimit
	}
	if limit > 0 {
		if _, err := l.SetMemoryLimit(uint64(limit)); err != nil {
			l.Close()
			return nil, err
		}
	}

	warnings := new(strings.Builder)
	err = l.SetWarningFunction(func(_ *luma.Lua, msg string, toBeContinued bool) {
		warnings.WriteString(msg)
		if !toBeContinued {
			log.Warnf(ctx, "%s", warnings.String())
			warnings.Reset()
		}
	})
	if err != nil {
		l.Close()
		return nil, err
	}
	if opts.hookEvery > 0 {
		err = l.SetHook(luma.HookTriggers{EveryNthInstruction: opts.hookEvery}, func(*luma.Lua, *luma.DebugEvent) error {
			return ctx.Err()
		})
		if err != nil {
			l.Close()
			return nil, err
		}
	}

	jsonModule, err := luajson.Open(l)
	if err != nil {
		l.Close()
		return nil, err
	}
	if err := luma.TableSet(l.Globals(), "json", jsonModule); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}
