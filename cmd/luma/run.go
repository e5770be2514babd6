// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/spf13/cobra"
	luma "luma.256lights.llc/pkg"
	"luma.256lights.llc/pkg/internal/chunkcache"
	"zombiezen.com/go/log"
)

// binaryChunkPrefix is the signature at the start of a precompiled chunk.
const binaryChunkPrefix = "\x1bLua"

type runOptions struct {
	interpreterOptions
	script     string
	scriptArgs []string
	expr       string
}

func newRunCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run [options] FILE [ARG [...]]",
		Short:                 "run a Lua script",
		Args:                  cobra.ArbitraryArgs,
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(runOptions)
	opts.addFlags(c)
	c.Flags().StringVarP(&opts.expr, "expr", "e", "", "run `source` instead of reading a file")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if opts.expr == "" {
			if len(args) == 0 {
				return fmt.Errorf("missing script filename (pass -e to run an expression)")
			}
			opts.script = args[0]
			opts.scriptArgs = args[1:]
		} else {
			opts.scriptArgs = args
		}
		return runRun(cmd.Context(), g, opts)
	}
	return c
}

func runRun(ctx context.Context, g *globalConfig, opts *runOptions) error {
	l, err := newInterpreter(ctx, g, &opts.interpreterOptions)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			log.Errorf(ctx, "closing interpreter: %v", err)
		}
	}()

	argv0 := opts.script
	if opts.expr != "" {
		argv0 = "luma"
	}
	argTable, err := l.CreateTableWithCapacity(len(opts.scriptArgs), 1)
	if err != nil {
		return err
	}
	if err := luma.TableSet(argTable, 0, argv0); err != nil {
		return err
	}
	for i, a := range opts.scriptArgs {
		if err := luma.TableSet(argTable, i+1, a); err != nil {
			return err
		}
	}
	if err := luma.TableSet(l.Globals(), "arg", argTable); err != nil {
		return err
	}

	source, chunkName, err := readScript(opts)
	if err != nil {
		return err
	}
	fn, err := loadScript(ctx, g, opts, l, source, chunkName)
	if err != nil {
		return err
	}

	callArgs := make([]luma.Value, 0, len(opts.scriptArgs))
	for _, a := range opts.scriptArgs {
		v, err := l.ToValue(a)
		if err != nil {
			return err
		}
		callArgs = append(callArgs, v)
	}
	if _, err := fn.Call(callArgs...); err != nil {
		return err
	}
	return nil
}

// readScript reads the chunk to run and determines its name.
// Files ending in ".bz2" are decompressed.
func readScript(opts *runOptions) ([]byte, string, error) {
	switch {
	case opts.expr != "":
		return []byte(opts.expr), "=(command line)", nil
	case opts.script == "-":
		source, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", fmt.Errorf("read stdin: %w", err)
		}
		return source, "=stdin", nil
	default:
		f, err := os.Open(opts.script)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		var r io.Reader = f
		if strings.HasSuffix(opts.script, ".bz2") {
			zr, err := bzip2.NewReader(f, nil)
			if err != nil {
				return nil, "", fmt.Errorf("read %s: %w", opts.script, err)
			}
			defer zr.Close()
			r = zr
		}
		source, err := io.ReadAll(r)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", opts.script, err)
		}
		return source, "@" + opts.script, nil
	}
}

// loadScript turns source into a callable function,
// consulting the compiled chunk cache when the interpreter
// is permitted to load the precompiled form.
func loadScript(ctx context.Context, g *globalConfig, opts *runOptions, l *luma.Lua, source []byte, chunkName string) (*luma.Function, error) {
	cacheable := opts.unsafe &&
		opts.script != "" && opts.script != "-" &&
		!bytes.HasPrefix(source, []byte(binaryChunkPrefix))
	if !cacheable {
		return l.LoadBytes(source).SetName(chunkName).Function()
	}

	cache, err := g.openChunkCache()
	if err != nil {
		log.Warnf(ctx, "chunk cache: %v", err)
	}
	if cache == nil {
		return l.LoadBytes(source).SetName(chunkName).Function()
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Warnf(ctx, "chunk cache: %v", err)
		}
	}()

	key := chunkcache.SourceKey(source, false)
	switch entry, err := cache.Get(ctx, key); {
	case err == nil && entry.Name == chunkName:
		fn, err := l.LoadBytes(entry.Dump).SetName(chunkName).SetMode(luma.ChunkModeBinary).Function()
		if err == nil {
			log.Debugf(ctx, "Loaded %s from chunk cache", opts.script)
			return fn, nil
		}
		log.Warnf(ctx, "cached chunk for %s: %v", opts.script, err)
	case err != nil && !errors.Is(err, chunkcache.ErrNotFound):
		log.Warnf(ctx, "chunk cache: %v", err)
	}

	fn, err := l.LoadBytes(source).SetName(chunkName).Function()
	if err != nil {
		return nil, err
	}
	if dump, err := fn.Dump(false); err != nil {
		log.Warnf(ctx, "dump %s: %v", opts.script, err)
	} else if err := cache.Put(ctx, key, chunkName, dump); err != nil {
		log.Warnf(ctx, "chunk cache: %v", err)
	}
	return fn, nil
}
