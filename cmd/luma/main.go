// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	ignoreSIGPIPE()

	rootCommand := &cobra.Command{
		Use:           "luma",
		Short:         "embedded Lua runtime",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFilePaths()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")
	rootCommand.PersistentFlags().StringVar(&g.CacheDB, "cache", g.CacheDB, "`path` to compiled chunk cache database")
	rootCommand.PersistentFlags().StringVar(&g.Socket, "socket", g.Socket, "`path` to server socket")
	rootCommand.PersistentFlags().Var(versionFlag{}, "version", "show version information")
	rootCommand.PersistentFlags().Lookup("version").NoOptDefVal = "true"

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return nil
	}

	rootCommand.AddCommand(
		newRunCommand(g),
		newReplCommand(g),
		newCompileCommand(g),
		newEvalCommand(g),
		newStatusCommand(g),
		newServeCommand(g),
		newVersionCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if errors.Is(err, errShowVersion) {
		err = runVersion(context.Background())
	}
	if err != nil {
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "luma: ", log.StdFlags, nil),
		})
	})
}
