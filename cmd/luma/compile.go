// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dsnet/compress/bzip2"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	luma "luma.256lights.llc/pkg"
	"luma.256lights.llc/pkg/internal/chunkcache"
	"zombiezen.com/go/log"
)

type compileOptions struct {
	inputFilename string
	output        io.WriteCloser
	parseOnly     bool
	stripDebug    bool
	compress      bool
}

func newCompileCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "compile [options] FILE",
		Short:                 "compile a script to a binary chunk",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(compileOptions)
	outputPath := c.Flags().StringP("output", "o", "luac.out", "output `filename`")
	c.Flags().BoolVarP(&opts.parseOnly, "parse-only", "p", false, "do not write bytecode")
	c.Flags().BoolVarP(&opts.stripDebug, "strip-debug", "s", false, "strip debug information")
	c.Flags().BoolVarP(&opts.compress, "compress", "z", false, "compress the output with bzip2")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.inputFilename = args[0]
		switch {
		case opts.parseOnly:
		case *outputPath == "-" && term.IsTerminal(int(os.Stdout.Fd())):
			return errors.New("refusing to write bytecode to stdout (a tty). Pass --output with a filename.")
		case *outputPath == "-":
			opts.output = nopWriteCloser{os.Stdout}
		default:
			var err error
			opts.output, err = os.Create(*outputPath)
			if err != nil {
				return err
			}
		}
		return runCompile(cmd.Context(), g, opts)
	}
	return c
}

func runCompile(ctx context.Context, g *globalConfig, opts *compileOptions) error {
	var source []byte
	var chunkName string
	var err error
	if opts.inputFilename == "-" {
		source, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		chunkName = "=stdin"
	} else {
		source, err = os.ReadFile(opts.inputFilename)
		if err != nil {
			return err
		}
		chunkName = "@" + opts.inputFilename
	}

	if opts.parseOnly {
		_, err := compileSource(source, chunkName, opts.stripDebug)
		return err
	}

	dump, err := cachedCompile(ctx, g, source, chunkName, opts.stripDebug)
	if err != nil {
		return err
	}

	closeFunc := sync.OnceValue(opts.output.Close)
	defer closeFunc()
	if opts.compress {
		zw, err := bzip2.NewWriter(opts.output, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return err
		}
		if _, err := zw.Write(dump); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	} else if _, err := opts.output.Write(dump); err != nil {
		return err
	}
	return closeFunc()
}

// compileSource compiles source without running it
// and returns the binary chunk.
func compileSource(source []byte, name string, strip bool) ([]byte, error) {
	l, err := luma.NewWith(luma.LibNone, luma.Options{})
	if err != nil {
		return nil, err
	}
	defer l.Close()
	fn, err := l.LoadBytes(source).SetName(name).SetMode(luma.ChunkModeText).Function()
	if err != nil {
		return nil, err
	}
	return fn.Dump(strip)
}

// cachedCompile returns the binary chunk for source,
// consulting the compiled chunk cache when one is configured.
func cachedCompile(ctx context.Context, g *globalConfig, source []byte, name string, strip bool) ([]byte, error) {
	cache, err := g.openChunkCache()
	if err != nil {
		log.Warnf(ctx, "chunk cache: %v", err)
	}
	if cache == nil {
		return compileSource(source, name, strip)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Warnf(ctx, "chunk cache: %v", err)
		}
	}()

	key := chunkcache.SourceKey(source, strip)
	switch entry, err := cache.Get(ctx, key); {
	case err == nil && entry.Name == name:
		log.Debugf(ctx, "Chunk %s served from cache", name)
		return entry.Dump, nil
	case err != nil && !errors.Is(err, chunkcache.ErrNotFound):
		log.Warnf(ctx, "chunk cache: %v", err)
	}

	dump, err := compileSource(source, name, strip)
	if err != nil {
		return nil, err
	}
	if err := cache.Put(ctx, key, name, dump); err != nil {
		log.Warnf(ctx, "chunk cache: %v", err)
	}
	return dump, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
