// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"luma.256lights.llc/pkg/internal/jsonrpc"
	"luma.256lights.llc/pkg/internal/lumarpc"
	"zombiezen.com/go/log"
)

type evalOptions struct {
	source    string
	file      string
	sessionID string
}

func newEvalCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "eval [options] [SOURCE]",
		Short:                 "run a chunk on the luma server",
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(evalOptions)
	c.Flags().StringVarP(&opts.file, "file", "f", "", "read the chunk from `path`")
	c.Flags().StringVar(&opts.sessionID, "session", "", "run in session `id` instead of a fresh one")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		switch {
		case len(args) == 1 && opts.file != "":
			return fmt.Errorf("cannot pass both SOURCE and --file")
		case len(args) == 1:
			opts.source = args[0]
		case opts.file == "":
			return fmt.Errorf("missing chunk (pass SOURCE or --file)")
		}
		return runEval(cmd.Context(), g, opts)
	}
	return c
}

func runEval(ctx context.Context, g *globalConfig, opts *evalOptions) error {
	req := &lumarpc.EvalRequest{
		SessionID: opts.sessionID,
		Source:    opts.source,
		Name:      "=(command line)",
	}
	switch {
	case opts.file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		req.Source = string(data)
		req.Name = "=stdin"
	case opts.file != "":
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return err
		}
		req.Source = string(data)
		req.Name = "@" + opts.file
	}

	client := g.serverClient()
	defer func() {
		if err := client.Close(); err != nil {
			log.Errorf(ctx, "closing connection: %v", err)
		}
	}()

	resp := new(lumarpc.EvalResponse)
	if err := jsonrpc.Do(ctx, client, lumarpc.EvalMethod, resp, req); err != nil {
		return err
	}
	for _, v := range resp.Values {
		fmt.Println(string(v))
	}
	return nil
}

func newStatusCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "status",
		Short:                 "list the server's live sessions",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	jsonFormat := c.Flags().Bool("json", false, "write output as JSON")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), g, *jsonFormat)
	}
	return c
}

func runStatus(ctx context.Context, g *globalConfig, jsonFormat bool) error {
	client := g.serverClient()
	defer func() {
		if err := client.Close(); err != nil {
			log.Errorf(ctx, "closing connection: %v", err)
		}
	}()

	resp := new(lumarpc.StatusResponse)
	if err := jsonrpc.Do(ctx, client, lumarpc.StatusMethod, resp, nil); err != nil {
		return err
	}

	if jsonFormat {
		data, err := jsonv2.Marshal(resp.Sessions, jsontext.Multiline(true))
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = os.Stdout.Write(data)
		return err
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("no live sessions")
		return nil
	}
	for i, sess := range resp.Sessions {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("Session:      %s\n", sess.ID)
		fmt.Printf("Libraries:    %s\n", strings.Join(sess.Libraries, " "))
		if sess.MemoryLimit > 0 {
			fmt.Printf("Memory:       %d/%d bytes\n", sess.UsedMemory, sess.MemoryLimit)
		} else {
			fmt.Printf("Memory:       %d bytes\n", sess.UsedMemory)
		}
		fmt.Printf("Created:      %s\n", sess.CreatedAt.Local().Format(time.RFC3339))
	}
	return nil
}
