// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"luma.256lights.llc/pkg/internal/backend"
	"luma.256lights.llc/pkg/internal/jsonrpc"
	"luma.256lights.llc/pkg/internal/lumarpc"
	"luma.256lights.llc/pkg/sets"
	"zombiezen.com/go/log"
)

type serveOptions struct {
	httpAddr       string
	maxSessions    int
	memoryLimit    int64
	libs           stringSetFlag
	cacheRetention time.Duration
}

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "run a Lua session server",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &serveOptions{
		libs: stringSetFlag{csv: true},
	}
	c.Flags().StringVar(&opts.httpAddr, "http", "", "`address` to serve the HTTP API on (e.g. localhost:8080)")
	c.Flags().IntVar(&opts.maxSessions, "max-sessions", backend.DefaultMaxSessions, "maximum `number` of concurrently open sessions")
	c.Flags().Int64Var(&opts.memoryLimit, "memory-limit", 0, "default per-session heap limit in `bytes`")
	c.Flags().Var(&opts.libs, "lib", "standard `libraries` to open in new sessions")
	c.Flags().DurationVar(&opts.cacheRetention, "cache-retention", 90*24*time.Hour, "`duration` before deleting unused compiled chunks")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g, opts)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig, opts *serveOptions) error {
	libs, err := opts.libs.libraries(g)
	if err != nil {
		return err
	}
	limit := g.MemoryLimit
	if opts.memoryLimit > 0 {
		limit = opts.memoryLimit
	}

	cache, err := g.openChunkCache()
	if err != nil {
		log.Warnf(ctx, "chunk cache: %v", err)
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				log.Warnf(ctx, "chunk cache: %v", err)
			}
		}()
		if opts.cacheRetention > 0 {
			n, err := cache.Prune(ctx, time.Now().Add(-opts.cacheRetention))
			if err != nil {
				log.Warnf(ctx, "chunk cache: %v", err)
			} else if n > 0 {
				log.Debugf(ctx, "Pruned %d compiled chunks", n)
			}
		}
	}

	l, created, err := listenServer(g)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	openConns := make(sets.Set[*net.UnixConn])
	var openConnsMu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()

		// Once the context is Done, refuse new connections and RPCs.
		<-ctx.Done()
		log.Infof(ctx, "Shutting down (signal received)...")

		if err := l.Close(); err != nil {
			log.Errorf(ctx, "Closing Unix socket: %v", err)
		}
		openConnsMu.Lock()
		for conn := range openConns.All() {
			if err := conn.CloseRead(); err != nil {
				log.Errorf(ctx, "Closing Unix socket: %v", err)
			}
		}
		openConnsMu.Unlock()
	}()
	defer func() {
		cancel()
		wg.Wait()

		if created {
			if err := os.Remove(g.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warnf(ctx, "Failed to clean up socket: %v", err)
			}
		}
	}()

	log.Infof(ctx, "Listening on %v", l.Addr())
	srv := backend.NewServer(&backend.Options{
		DefaultLibraries:   libs,
		DefaultMemoryLimit: limit,
		MaxSessions:        opts.maxSessions,
		ChunkCache:         cache,
	})
	defer func() {
		if err := srv.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	var group errgroup.Group
	if opts.httpAddr != "" {
		httpListener, err := net.Listen("tcp", opts.httpAddr)
		if err != nil {
			return err
		}
		httpServer := &http.Server{
			Handler: localOnlyMiddleware{handler: &apiServer{backend: srv}},
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		}
		group.Go(func() error {
			defer cancel()
			log.Infof(ctx, "HTTP API on http://%v", httpListener.Addr())
			if err := httpServer.Serve(httpListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancelShutdown()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		defer cancel()
		for {
			conn, err := l.AcceptUnix()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			openConnsMu.Lock()
			openConns.Add(conn)
			openConnsMu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				codec := lumarpc.NewCodec(nopCloser{conn})
				jsonrpc.Serve(ctx, codec, srv)
				codec.Close()

				openConnsMu.Lock()
				openConns.Delete(conn)
				openConnsMu.Unlock()

				if err := conn.Close(); err != nil {
					log.Errorf(ctx, "%v", err)
				}
			}()
		}
	})
	return group.Wait()
}

// listenServer opens the server's Unix socket,
// preferring a listener passed through systemd socket activation.
// created reports whether this process created the socket file.
func listenServer(g *globalConfig) (l *net.UnixListener, created bool, err error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, false, fmt.Errorf("systemd socket activation: %v", err)
	}
	switch {
	case len(listeners) > 1:
		return nil, false, fmt.Errorf("systemd passed %d sockets (want 1)", len(listeners))
	case len(listeners) == 1:
		ul, ok := listeners[0].(*net.UnixListener)
		if !ok {
			return nil, false, fmt.Errorf("systemd socket is %T (want unix)", listeners[0])
		}
		return ul, false, nil
	default:
		if err := os.MkdirAll(filepath.Dir(g.Socket), 0o755); err != nil {
			return nil, false, err
		}
		ul, err := listenUnix(g.Socket)
		if err != nil {
			return nil, false, err
		}
		return ul, true, nil
	}
}

func listenUnix(path string) (*net.UnixListener, error) {
	laddr := &net.UnixAddr{
		Net:  "unix",
		Name: path,
	}
	l, err := net.ListenUnix(laddr.Net, laddr)
	if err != nil {
		return nil, err
	}

	// TODO(soon): Restrict to a group.
	if err := os.Chmod(path, 0o777); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error {
	return nil
}
