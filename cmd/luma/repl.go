// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	luma "luma.256lights.llc/pkg"
	"zombiezen.com/go/log"
)

func newReplCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "repl",
		Short:                 "interactive Lua session",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(interpreterOptions)
	opts.addFlags(c)
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, err := newInterpreter(ctx, g, opts)
		if err != nil {
			return err
		}
		defer func() {
			if err := l.Close(); err != nil {
				log.Errorf(ctx, "closing interpreter: %v", err)
			}
		}()
		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		if interactive {
			fmt.Println(luma.LuaRelease)
		}
		return runRepl(ctx, l, os.Stdin, os.Stdout, interactive)
	}
	return c
}

// runRepl reads lines from in and evaluates them,
// writing results and error messages to out.
// Each line is first tried as an expression,
// then as a statement with continuation lines
// for as long as the input is syntactically incomplete.
func runRepl(ctx context.Context, l *luma.Lua, in io.Reader, out io.Writer, showPrompts bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if showPrompts {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fn, err := l.LoadString("return " + line).SetName("=stdin").Function()
		if err != nil {
			fn, err = readStatement(l, scanner, line, out, showPrompts)
		}
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		results, err := fn.Call()
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if len(results) > 0 {
			parts := make([]string, 0, len(results))
			for _, v := range results {
				s, err := l.ToString(v)
				if err != nil {
					s = fmt.Sprintf("(error formatting result: %v)", err)
				}
				parts = append(parts, s)
			}
			fmt.Fprintln(out, strings.Join(parts, "\t"))
		}
	}
}

// readStatement compiles first as a statement,
// reading continuation lines while the chunk is incomplete.
func readStatement(l *luma.Lua, scanner *bufio.Scanner, first string, out io.Writer, showPrompts bool) (*luma.Function, error) {
	buf := first
	for {
		fn, err := l.LoadString(buf).SetName("=stdin").Function()
		var syntaxErr *luma.SyntaxError
		if err == nil || !errors.As(err, &syntaxErr) || !syntaxErr.IncompleteInput {
			return fn, err
		}
		if showPrompts {
			fmt.Fprint(out, ">> ")
		}
		if !scanner.Scan() {
			return nil, err
		}
		buf += "\n" + scanner.Text()
	}
}
